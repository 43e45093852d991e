package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const dequeueBlock = 2 * time.Second

// RedisQueue is a Redis-list-backed queue. Enqueue is LPUSH, Dequeue is a
// blocking BRPOP, so multiple orchestrator instances can share one queue
// with each command delivered to exactly one worker.
type RedisQueue struct {
	client goredis.UniversalClient
	key    string
}

// NewRedisQueue creates a queue on the given Redis list key.
func NewRedisQueue(client goredis.UniversalClient, key string) *RedisQueue {
	if key == "" {
		key = "ezstream:commands"
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, cmd Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue command: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Command, error) {
	for {
		// Block in short slices so context cancellation is observed promptly.
		result, err := q.client.BRPop(ctx, dequeueBlock, q.key).Result()
		if errors.Is(err, goredis.ErrClosed) {
			return Command{}, ErrQueueClosed
		}
		if errors.Is(err, goredis.Nil) {
			select {
			case <-ctx.Done():
				return Command{}, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return Command{}, ctx.Err()
			}
			return Command{}, fmt.Errorf("failed to dequeue command: %w", err)
		}

		// BRPOP returns [key, value].
		var cmd Command
		if err := json.Unmarshal([]byte(result[1]), &cmd); err != nil {
			return Command{}, fmt.Errorf("failed to decode command: %w", err)
		}
		return cmd, nil
	}
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
