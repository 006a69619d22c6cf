package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis list. The client is shared and is
// not closed by the queue.
type RedisQueue struct {
	client redis.UniversalClient
	qKey   string
}

// NewRedisQueue creates a queue stored under queue:<name>.
func NewRedisQueue(client redis.UniversalClient, config *Config) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	return &RedisQueue{
		client: client,
		qKey:   fmt.Sprintf("queue:%s", config.Name),
	}, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, item interface{}) error {
	data, err := encodeItem(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	if err := q.client.RPush(ctx, q.qKey, []byte(data)).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// Dequeue returns items as json.RawMessage.
func (q *RedisQueue) Dequeue(ctx context.Context, maxItems int) ([]interface{}, error) {
	return q.pop(ctx, maxItems, 0)
}

func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error) {
	return q.pop(ctx, maxItems, timeout)
}

func (q *RedisQueue) pop(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error) {
	// result[0] is the key, result[1] the value
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return []interface{}{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	items := []interface{}{json.RawMessage(result[1])}
	for len(items) < maxItems {
		value, err := q.client.LPop(ctx, q.qKey).Result()
		if err != nil {
			// redis.Nil means drained; anything else is retried on the next pop.
			break
		}
		items = append(items, json.RawMessage(value))
	}
	return items, nil
}

func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

func (q *RedisQueue) Close() error {
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue on a Redis hash keyed by
// item id.
type RedisDeadLetterQueue struct {
	client redis.UniversalClient
	dlKey  string
}

// NewRedisDeadLetterQueue creates a dead letter queue stored under dlq:<name>.
func NewRedisDeadLetterQueue(client redis.UniversalClient, config *Config) (*RedisDeadLetterQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  fmt.Sprintf("dlq:%s", config.Name),
	}, nil
}

func (q *RedisDeadLetterQueue) Add(ctx context.Context, item interface{}, err error) error {
	dlItem, encErr := newDeadLetterItem(uuid.NewString(), item, err)
	if encErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", encErr)
	}

	data, encErr := json.Marshal(dlItem)
	if encErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", encErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, dlItem.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

func (q *RedisDeadLetterQueue) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	data, err := q.client.HGet(ctx, q.dlKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter item: %w", err)
	}

	var item DeadLetterItem
	if err := json.Unmarshal([]byte(data), &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter item: %w", err)
	}
	return &item, nil
}

func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var item DeadLetterItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			continue // skip malformed entries
		}
		items = append(items, item)
	}
	return oldestFirst(items, maxItems), nil
}

func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	removed, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if removed == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (q *RedisDeadLetterQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.HLen(ctx, q.dlKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get dead letter queue length: %w", err)
	}
	return int(n), nil
}

func (q *RedisDeadLetterQueue) Close() error {
	return nil
}
