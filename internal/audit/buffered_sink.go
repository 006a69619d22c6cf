package audit

import (
	"context"
	"sync"
	"time"

	"metered_gateway/internal/metrics"
	"metered_gateway/internal/utils"
)

// BatchWriter persists a batch of records.
type BatchWriter interface {
	WriteBatch(ctx context.Context, records []*Record) (string, error)
}

// BufferedSinkConfig controls batching.
type BufferedSinkConfig struct {
	BufferSize    int
	FlushSize     int
	FlushInterval time.Duration
}

// BufferedSink batches records in memory and hands them to a BatchWriter
// when FlushSize is reached or FlushInterval elapses. Records that cannot
// be buffered are dropped with ErrBufferFull; charges themselves are
// durable in the job table.
type BufferedSink struct {
	records chan *Record
	writer  BatchWriter
	config  BufferedSinkConfig
	metrics *metrics.Metrics
	logger  *utils.Logger

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// NewBufferedSink starts the flush loop.
func NewBufferedSink(writer BatchWriter, cfg BufferedSinkConfig, m *metrics.Metrics) *BufferedSink {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}

	s := &BufferedSink{
		records: make(chan *Record, cfg.BufferSize),
		writer:  writer,
		config:  cfg,
		metrics: m,
		logger:  utils.NewLogger("audit-sink"),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *BufferedSink) Enqueue(rec *Record) error {
	select {
	case <-s.stop:
		return ErrBufferFull
	default:
	}

	select {
	case s.records <- rec:
		return nil
	default:
		s.metrics.AuditRecords("dropped", 1)
		return ErrBufferFull
	}
}

// Shutdown flushes buffered records and stops the loop.
func (s *BufferedSink) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BufferedSink) run() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Record, 0, s.config.FlushSize)
	for {
		select {
		case rec := <-s.records:
			batch = append(batch, rec)
			if len(batch) >= s.config.FlushSize {
				batch = s.flush(batch)
			}
		case <-ticker.C:
			batch = s.flush(batch)
		case <-s.stop:
			for {
				select {
				case rec := <-s.records:
					batch = append(batch, rec)
				default:
					s.flush(batch)
					return
				}
			}
		}
	}
}

func (s *BufferedSink) flush(batch []*Record) []*Record {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.writer.WriteBatch(ctx, batch); err != nil {
		s.logger.Error("Failed to write audit batch", "count", len(batch), "error", err)
		s.metrics.AuditRecords("failed", len(batch))
	} else {
		s.metrics.AuditRecords("uploaded", len(batch))
	}
	return batch[:0]
}
