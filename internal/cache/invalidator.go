package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Invalidator drops derived per-record state (scoring results) after a
// mutation. Calls are best-effort: a failure is logged by the caller and
// never fails the mutation.
type Invalidator interface {
	Invalidate(ctx context.Context, recordID string) error
}

// Noop satisfies Invalidator without a backing cache.
type Noop struct{}

func (Noop) Invalidate(context.Context, string) error { return nil }

const scoreKeyPrefix = "score:"

// Scores invalidates record score entries held in Redis.
type Scores struct {
	client *redis.Client
}

// OpenScores connects to Redis using a URL of the form redis://host:port/db.
func OpenScores(redisURL string) (*Scores, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Scores{client: client}, nil
}

// Invalidate deletes the derived score entry for the record.
func (s *Scores) Invalidate(ctx context.Context, recordID string) error {
	return s.client.Del(ctx, scoreKeyPrefix+recordID).Err()
}

// Close releases the Redis connection.
func (s *Scores) Close() error {
	return s.client.Close()
}
