// internal/historian/historian_test.go
package historian

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trivia/internal/cache"
	"github.com/jason-s-yu/trivia/internal/database"
	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanSource chan models.SessionResult

func (c chanSource) Pop(ctx context.Context, timeout time.Duration) (models.SessionResult, bool, error) {
	select {
	case res := <-c:
		return res, true, nil
	case <-ctx.Done():
		return models.SessionResult{}, false, ctx.Err()
	case <-time.After(timeout):
		return models.SessionResult{}, false, nil
	}
}

type recorder struct {
	mu      sync.Mutex
	batches [][]models.SessionResult
	err     error
}

func (r *recorder) RecordBatch(_ context.Context, results []models.SessionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, results)
	return r.err
}

func (r *recorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, b := range r.batches {
		out = append(out, len(b))
	}
	return out
}

func result(id string) models.SessionResult {
	return models.SessionResult{SessionID: id, LobbyID: "ABC", OwnerID: "u1"}
}

func runService(t *testing.T, src Source, rec Recorder, cfg Config, clock clockwork.Clock) context.CancelFunc {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	svc := NewService(src, rec, cfg, clock, logger)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	return cancel
}

func TestFlushWhenBatchFull(t *testing.T) {
	src := make(chanSource, 4)
	rec := &recorder{}
	runService(t, src, rec, Config{BatchSize: 2, FlushDelay: time.Hour, PopTimeout: 10 * time.Millisecond}, clockwork.NewFakeClock())

	src <- result(uuid.NewString())
	src <- result(uuid.NewString())
	require.Eventually(t, func() bool { return len(rec.sizes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, rec.sizes())
}

func TestFlushOnTick(t *testing.T) {
	src := make(chanSource, 4)
	rec := &recorder{}
	clock := clockwork.NewFakeClock()
	runService(t, src, rec, Config{BatchSize: 10, FlushDelay: time.Second, PopTimeout: 10 * time.Millisecond}, clock)

	src <- result(uuid.NewString())
	require.Eventually(t, func() bool { return len(src) == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.sizes())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return len(rec.sizes()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestResultsWithoutIDAreDropped(t *testing.T) {
	src := make(chanSource, 4)
	rec := &recorder{}
	runService(t, src, rec, Config{BatchSize: 1, FlushDelay: time.Hour, PopTimeout: 10 * time.Millisecond}, clockwork.NewFakeClock())

	valid := uuid.NewString()
	src <- result("")
	src <- result(valid)
	require.Eventually(t, func() bool { return len(rec.sizes()) == 1 }, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, valid, rec.batches[0][0].SessionID)
}

func TestNonUUIDResultDoesNotSinkBatch(t *testing.T) {
	src := make(chanSource, 4)
	rec := &recorder{}
	runService(t, src, rec, Config{BatchSize: 2, FlushDelay: time.Hour, PopTimeout: 10 * time.Millisecond}, clockwork.NewFakeClock())

	first, second := uuid.NewString(), uuid.NewString()
	src <- result(first)
	src <- result("42")
	src <- result(second)
	require.Eventually(t, func() bool { return len(rec.sizes()) == 1 }, 2*time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.batches[0], 2)
	assert.Equal(t, first, rec.batches[0][0].SessionID)
	assert.Equal(t, second, rec.batches[0][1].SessionID)
}

// waitSource records the timeout of every Pop.
type waitSource struct {
	chanSource
	mu    sync.Mutex
	waits []time.Duration
}

func (w *waitSource) Pop(ctx context.Context, timeout time.Duration) (models.SessionResult, bool, error) {
	w.mu.Lock()
	w.waits = append(w.waits, timeout)
	w.mu.Unlock()
	return w.chanSource.Pop(ctx, timeout)
}

func (w *waitSource) last() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.waits) == 0 {
		return 0
	}
	return w.waits[len(w.waits)-1]
}

func TestPartialBatchShortensPopWait(t *testing.T) {
	src := &waitSource{chanSource: make(chanSource, 1)}
	rec := &recorder{}
	runService(t, src, rec, Config{BatchSize: 10, FlushDelay: 20 * time.Millisecond, PopTimeout: 100 * time.Millisecond}, clockwork.NewFakeClock())

	require.Eventually(t, func() bool { return src.last() == 100*time.Millisecond }, 2*time.Second, 5*time.Millisecond)
	src.chanSource <- result(uuid.NewString())
	require.Eventually(t, func() bool { return src.last() == 20*time.Millisecond }, 2*time.Second, 5*time.Millisecond)
}

func TestStopFlushesRemainder(t *testing.T) {
	src := make(chanSource, 4)
	rec := &recorder{err: errors.New("db down")}
	cancel := runService(t, src, rec, Config{BatchSize: 10, FlushDelay: time.Hour, PopTimeout: 10 * time.Millisecond}, clockwork.NewFakeClock())

	src <- result(uuid.NewString())
	require.Eventually(t, func() bool { return len(src) == 0 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return len(rec.sizes()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

// TestHistorianEndToEnd needs a real Redis and Postgres.
func TestHistorianEndToEnd(t *testing.T) {
	dbURL := os.Getenv("TRIVIA_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TRIVIA_TEST_DATABASE_URL not set")
	}
	addr := os.Getenv("TRIVIA_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := cache.Connect(ctx, addr, 0)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	defer rdb.Close()
	pool, err := database.Connect(ctx, dbURL)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	defer pool.Close()
	require.NoError(t, database.EnsureSchema(ctx, pool))

	journal := cache.NewJournal(rdb, "trivia_results_test_"+uuid.NewString())
	defer rdb.Del(context.Background(), journal.Queue())

	res := result(uuid.NewString())
	res.CompletedAt = time.Now().UTC()
	res.Standings = []models.Standing{{UserID: "u1", Username: "alice", Score: 1, Placement: 1}}
	require.NoError(t, journal.Publish(ctx, res))

	runService(t, journal, database.NewSessions(pool), Config{BatchSize: 1, PopTimeout: time.Second}, clockwork.NewRealClock())

	require.Eventually(t, func() bool {
		var n int
		err := pool.QueryRow(ctx, `SELECT count(*) FROM game_results WHERE session_id = $1`, res.SessionID).Scan(&n)
		return err == nil && n == 1
	}, 8*time.Second, 100*time.Millisecond)
}
