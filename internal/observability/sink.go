package observability

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// BatchSinkConfig configures the async batching sink.
type BatchSinkConfig struct {
	// BatchSize is the number of records flushed together.
	BatchSize int
	// FlushInterval bounds how long a record may sit unflushed.
	FlushInterval time.Duration
	// QueueSize bounds the in-flight record queue. When the queue is
	// full records are dropped and counted, never blocked on.
	QueueSize int
}

// DefaultBatchSinkConfig returns the default batching parameters.
func DefaultBatchSinkConfig() BatchSinkConfig {
	return BatchSinkConfig{
		BatchSize:     100,
		FlushInterval: 500 * time.Millisecond,
		QueueSize:     4096,
	}
}

// BatchSink is an io.Writer that forwards log records to the underlying
// writers from a single background worker. Writes never block the
// caller: when the queue is full the record is dropped and the drop
// counter incremented.
type BatchSink struct {
	sinks   []io.Writer
	queue   chan []byte
	dropped atomic.Int64
	cfg     BatchSinkConfig

	closeOnce sync.Once
	done      chan struct{}
	finished  chan struct{}
}

// NewBatchSink creates and starts a batching sink writing to sinks.
func NewBatchSink(cfg BatchSinkConfig, sinks ...io.Writer) *BatchSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}

	s := &BatchSink{
		sinks:    sinks,
		queue:    make(chan []byte, cfg.QueueSize),
		cfg:      cfg,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go s.run()
	return s
}

// Write queues one log record. The byte slice is copied because zerolog
// reuses its buffer after Write returns.
func (s *BatchSink) Write(p []byte) (int, error) {
	rec := make([]byte, len(p))
	copy(rec, p)

	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

// Dropped returns the number of records dropped so far.
func (s *BatchSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes pending records and stops the worker.
func (s *BatchSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.finished
	})
	return nil
}

func (s *BatchSink) run() {
	defer close(s.finished)

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([][]byte, 0, s.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, sink := range s.sinks {
			for _, rec := range batch {
				if _, err := sink.Write(rec); err != nil {
					// Sink failure drops the rest of the batch for
					// this sink; records are never retried.
					s.dropped.Add(int64(len(batch)))
					break
				}
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= s.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			// Drain whatever is queued, then exit.
			for {
				select {
				case rec := <-s.queue:
					batch = append(batch, rec)
					if len(batch) >= s.cfg.BatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
