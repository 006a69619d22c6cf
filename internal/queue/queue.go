// Package queue provides the durable hand-off used by the charge outbox.
//
// Two backends implement the same contract:
//
//  1. MemoryQueue: a buffered channel. Nothing survives a restart, so it
//     only suits single-process deployments and tests. The reconciler
//     re-enqueues anything lost.
//  2. RedisQueue: a Redis list shared by every gateway replica.
//
// Items that exhaust their retries land in a DeadLetterQueue (a slice or a
// Redis hash) where operators can inspect and re-drive them.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Queue is a FIFO of JSON-serializable items.
type Queue interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item interface{}) error

	// Dequeue blocks until at least one item is available and returns up to
	// maxItems of them.
	Dequeue(ctx context.Context, maxItems int) ([]interface{}, error)

	// DequeueWithTimeout is Dequeue bounded by timeout. It returns an empty
	// slice when nothing arrived in time.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	Close() error
}

// DeadLetterQueue holds items that could not be processed.
type DeadLetterQueue interface {
	// Add records item together with the error that exhausted it.
	Add(ctx context.Context, item interface{}, err error) error

	// Get returns one item by id, or ErrItemNotFound.
	Get(ctx context.Context, id string) (*DeadLetterItem, error)

	// List returns up to maxItems items, oldest first. maxItems <= 0 means all.
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Remove deletes an item, or returns ErrItemNotFound.
	Remove(ctx context.Context, id string) error

	Len(ctx context.Context) (int, error)

	Close() error
}

// DeadLetterItem is a failed item as stored in the dead letter queue.
type DeadLetterItem struct {
	ID        string          `json:"id"`
	Item      json.RawMessage `json:"item"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// Config holds queue and worker settings.
type Config struct {
	// Name keys the queue and its dead letter queue.
	Name string

	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff, doubled on each retry.
	RetryBackoff time.Duration
}

// DefaultConfig returns default queue configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
	}
}

func newDeadLetterItem(id string, item interface{}, cause error) (DeadLetterItem, error) {
	raw, err := encodeItem(item)
	if err != nil {
		return DeadLetterItem{}, err
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return DeadLetterItem{
		ID:        id,
		Item:      raw,
		Error:     reason,
		Timestamp: time.Now().UTC(),
	}, nil
}

// encodeItem serializes item. Valid raw JSON passes through untouched;
// other raw bytes are stored as a JSON string.
func encodeItem(item interface{}) (json.RawMessage, error) {
	var raw []byte
	switch v := item.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		return json.Marshal(item)
	}
	if json.Valid(raw) {
		return json.RawMessage(raw), nil
	}
	return json.Marshal(string(raw))
}
