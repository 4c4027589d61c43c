// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/trivia/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list finalized session results are pushed onto.
const DefaultQueueName = "trivia_results"

// Connect returns a client for addr after checking it answers a ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// Journal is a Redis list of finalized session results, consumed by the historian.
type Journal struct {
	rdb   *redis.Client
	queue string
}

func NewJournal(rdb *redis.Client, queue string) *Journal {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &Journal{rdb: rdb, queue: queue}
}

// Queue returns the list name.
func (j *Journal) Queue() string {
	return j.queue
}

// Publish serializes res to JSON and pushes it onto the queue.
func (j *Journal) Publish(ctx context.Context, res models.SessionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal SessionResult: %w", err)
	}
	if err := j.rdb.RPush(ctx, j.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", j.queue, err)
	}
	return nil
}

// Pop blocks up to timeout for the next result. It returns false when the wait
// timed out with nothing queued.
func (j *Journal) Pop(ctx context.Context, timeout time.Duration) (models.SessionResult, bool, error) {
	var res models.SessionResult
	out, err := j.rdb.BLPop(ctx, timeout, j.queue).Result()
	if errors.Is(err, redis.Nil) {
		return res, false, nil
	}
	if err != nil {
		return res, false, fmt.Errorf("BLPop %s: %w", j.queue, err)
	}
	// out[0] is the queue name and out[1] the payload.
	if len(out) < 2 {
		return res, false, nil
	}
	if err := json.Unmarshal([]byte(out[1]), &res); err != nil {
		return res, false, fmt.Errorf("invalid session result: %w", err)
	}
	return res, true, nil
}
