// Package historian drains the Redis result journal into Postgres in batches.
package historian

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// Source yields journaled results. Pop returns false when nothing arrived within
// timeout.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (models.SessionResult, bool, error)
}

// Recorder stores a batch atomically.
type Recorder interface {
	RecordBatch(ctx context.Context, results []models.SessionResult) error
}

// Config tunes batching. While a partial batch is held, Pop waits at most
// FlushDelay so the flush is not held back by an idle queue. Redis rounds
// blocking waits below one second up to one second.
type Config struct {
	BatchSize  int
	FlushDelay time.Duration
	PopTimeout time.Duration
}

// Service pops results one at a time and flushes them when the batch is full or
// FlushDelay has passed. A failed flush is logged and the batch dropped; the
// records can be replayed from the finalize backend.
type Service struct {
	src   Source
	store Recorder
	cfg   Config
	clock clockwork.Clock
	log   logrus.FieldLogger

	batch []models.SessionResult
}

func NewService(src Source, store Recorder, cfg Config, clock clockwork.Clock, logger logrus.FieldLogger) *Service {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 20
	}
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 500 * time.Millisecond
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 3 * time.Second
	}
	return &Service{
		src:   src,
		store: store,
		cfg:   cfg,
		clock: clock,
		log:   logger,
		batch: make([]models.SessionResult, 0, cfg.BatchSize),
	}
}

// Run consumes until ctx is done, then flushes what it holds.
func (s *Service) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.cfg.FlushDelay)
	defer ticker.Stop()

	s.log.WithField("batch_size", s.cfg.BatchSize).Info("historian started")
	defer s.log.Info("historian stopped")

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flush(flushCtx)
			cancel()
			return ctx.Err()

		case <-ticker.Chan():
			s.flush(ctx)

		default:
			res, ok, err := s.src.Pop(ctx, s.popTimeout())
			if err != nil {
				if ctx.Err() == nil {
					s.log.WithError(err).Error("failed to pop session result")
					select {
					case <-ctx.Done():
					case <-s.clock.After(s.cfg.PopTimeout):
					}
				}
				continue
			}
			if !ok {
				continue
			}
			if res.SessionID == "" {
				s.log.WithField("lobby_id", res.LobbyID).Warn("journaled result without session id dropped")
				continue
			}
			if _, err := uuid.Parse(res.SessionID); err != nil {
				s.log.WithFields(logrus.Fields{"lobby_id": res.LobbyID, "session_id": res.SessionID}).
					Warn("journaled result with non-uuid session id dropped")
				continue
			}
			s.batch = append(s.batch, res)
			if len(s.batch) >= s.cfg.BatchSize {
				s.flush(ctx)
			}
		}
	}
}

func (s *Service) popTimeout() time.Duration {
	if len(s.batch) > 0 && s.cfg.FlushDelay < s.cfg.PopTimeout {
		return s.cfg.FlushDelay
	}
	return s.cfg.PopTimeout
}

func (s *Service) flush(ctx context.Context) {
	if len(s.batch) == 0 {
		return
	}
	n := len(s.batch)
	batch := make([]models.SessionResult, n)
	copy(batch, s.batch)
	s.batch = s.batch[:0]

	if err := s.store.RecordBatch(ctx, batch); err != nil {
		s.log.WithError(err).WithField("count", n).Error("failed to flush session results")
		return
	}
	s.log.WithField("count", n).Info("flushed session results")
}
