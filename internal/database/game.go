// internal/database/game.go
package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/trivia/internal/models"
)

var ErrInvalidSessionID = errors.New("invalid game session id")

// TxBeginner is satisfied by *pgxpool.Pool and pgx.Conn.
type TxBeginner interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// RecordGameSession persists a completed game and its standings in one
// transaction. When res.SessionID is empty a new id is generated. Re-recording the
// same session id overwrites its results. The session id is returned.
func RecordGameSession(ctx context.Context, db TxBeginner, res models.SessionResult) (string, error) {
	id, err := sessionUUID(res.SessionID)
	if err != nil {
		return "", err
	}
	err = pgx.BeginTxFunc(ctx, db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		return upsertSessionTx(ctx, tx, id, res)
	})
	if err != nil {
		return "", fmt.Errorf("tx upsert game session or results: %w", err)
	}
	return id.String(), nil
}

// Sessions writes batches of journaled results.
type Sessions struct {
	db TxBeginner
}

func NewSessions(db TxBeginner) *Sessions {
	return &Sessions{db: db}
}

// RecordBatch stores every result in a single transaction. Each result must carry
// its session id.
func (s *Sessions) RecordBatch(ctx context.Context, results []models.SessionResult) error {
	ids := make([]uuid.UUID, len(results))
	for i, res := range results {
		if res.SessionID == "" {
			return fmt.Errorf("%w: result %d has no id", ErrInvalidSessionID, i)
		}
		id, err := sessionUUID(res.SessionID)
		if err != nil {
			return err
		}
		ids[i] = id
	}

	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for i, res := range results {
			if err := upsertSessionTx(ctx, tx, ids[i], res); err != nil {
				return fmt.Errorf("session %s: %w", ids[i], err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("tx record batch of %d: %w", len(results), err)
	}
	return nil
}

func sessionUUID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, raw)
	}
	return id, nil
}

func upsertSessionTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, res models.SessionResult) error {
	upsertSession := `
		INSERT INTO game_sessions (id, lobby_id, owner_id, question_count, completed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET lobby_id = $2, owner_id = $3, question_count = $4, completed_at = $5
	`
	if _, err := tx.Exec(ctx, upsertSession, id, res.LobbyID, res.OwnerID, res.QuestionCount, res.CompletedAt); err != nil {
		return err
	}

	for _, st := range res.Standings {
		q := `
			INSERT INTO game_results (session_id, user_id, username, score, placement)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, user_id)
			DO UPDATE SET username = $3, score = $4, placement = $5
		`
		if _, err := tx.Exec(ctx, q, id, st.UserID, st.Username, st.Score, st.Placement); err != nil {
			return err
		}
	}
	return nil
}
