// Package audit archives charge outcomes as JSON Lines objects in S3.
package audit

import (
	"context"
	"errors"
	"time"
)

// ErrBufferFull is returned when a record is dropped because the sink's
// buffer is full.
var ErrBufferFull = errors.New("audit buffer full")

// Record is one charge outcome as written to the archive.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id"`
	UserID    string    `json:"user_id"`
	Feature   string    `json:"feature"`
	Mode      string    `json:"mode"`
	Amount    int64     `json:"amount"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
}

// Sink receives audit records.
type Sink interface {
	Enqueue(rec *Record) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards records.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(rec *Record) error {
	return nil
}

func (s *NoopSink) Shutdown(ctx context.Context) error {
	return nil
}
