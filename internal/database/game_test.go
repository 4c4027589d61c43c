package database

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testPool connects to TRIVIA_TEST_DATABASE_URL. A real Postgres is required, so
// the test skips when none is configured or reachable.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TRIVIA_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TRIVIA_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := Connect(ctx, url)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(pool.Close)
	require.NoError(t, EnsureSchema(ctx, pool))
	return pool
}

func sampleResult() models.SessionResult {
	return models.SessionResult{
		LobbyID:       "ABC",
		OwnerID:       "u1",
		QuestionCount: 2,
		PlayerScores:  map[string]int{"u1": 1, "u2": 0},
		Standings: []models.Standing{
			{UserID: "u1", Username: "alice", Score: 1, Placement: 1},
			{UserID: "u2", Username: "bob", Score: 0, Placement: 2},
		},
		CompletedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestRecordGameSession(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	id, err := RecordGameSession(ctx, pool, sampleResult())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var n int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM game_results WHERE session_id = $1`, id).Scan(&n))
	assert.Equal(t, 2, n)

	// Recording again under the same id updates in place.
	res := sampleResult()
	res.SessionID = id
	res.Standings[1].Score = 5
	again, err := RecordGameSession(ctx, pool, res)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	var score int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT score FROM game_results WHERE session_id = $1 AND user_id = 'u2'`, id).Scan(&score))
	assert.Equal(t, 5, score)
}

func TestRecordGameSessionRejectsBadID(t *testing.T) {
	res := sampleResult()
	res.SessionID = "not-a-uuid"
	// The id is validated before any database access.
	_, err := RecordGameSession(context.Background(), nil, res)
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestRecordBatch(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	a, b := sampleResult(), sampleResult()
	a.SessionID = uuid.NewString()
	b.SessionID = uuid.NewString()
	b.LobbyID = "XYZ"
	require.NoError(t, NewSessions(pool).RecordBatch(ctx, []models.SessionResult{a, b}))

	var n int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM game_sessions WHERE id = ANY($1::uuid[])`, []string{a.SessionID, b.SessionID}).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestRecordBatchRequiresIDs(t *testing.T) {
	s := NewSessions(nil)
	err := s.RecordBatch(context.Background(), []models.SessionResult{sampleResult()})
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	bad := sampleResult()
	bad.SessionID = "sess-1"
	err = s.RecordBatch(context.Background(), []models.SessionResult{bad})
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}
