package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SinkOption configures an AsyncSink.
type SinkOption func(*AsyncSink)

// WithQueueSize sets the buffer depth. Non-positive values keep the default.
func WithQueueSize(n int) SinkOption {
	return func(s *AsyncSink) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithWriteTimeout bounds each write.
func WithWriteTimeout(d time.Duration) SinkOption {
	return func(s *AsyncSink) {
		s.timeout = d
	}
}

// WithSinkLogger sets the logger.
func WithSinkLogger(logger *slog.Logger) SinkOption {
	return func(s *AsyncSink) {
		s.logger = logger
	}
}

// WithDropHook is called for every record that is dropped or fails to
// persist.
func WithDropHook(fn func(r *Record, reason string)) SinkOption {
	return func(s *AsyncSink) {
		s.onDrop = fn
	}
}

// AsyncSink queues records and writes them from a single worker so the
// request path never waits on storage.
type AsyncSink struct {
	writer  Writer
	logger  *slog.Logger
	size    int
	timeout time.Duration
	onDrop  func(r *Record, reason string)

	queue chan *Record
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewAsyncSink starts the worker.
func NewAsyncSink(w Writer, opts ...SinkOption) *AsyncSink {
	s := &AsyncSink{
		writer:  w,
		logger:  slog.Default(),
		size:    1024,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan *Record, s.size)
	go s.run()
	return s
}

// Emit enqueues r. It never blocks; a full queue drops the record.
func (s *AsyncSink) Emit(r *Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(r, "sink closed")
		return
	}
	select {
	case s.queue <- r:
	default:
		s.drop(r, "queue full")
	}
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for r := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		err := s.writer.WriteUsage(ctx, r)
		cancel()
		if err != nil {
			s.logger.Error("failed to write usage record",
				slog.String("usage_id", r.ID),
				slog.String("key_id", r.KeyID),
				slog.String("error", err.Error()))
			if s.onDrop != nil {
				s.onDrop(r, "write failed")
			}
		}
	}
}

func (s *AsyncSink) drop(r *Record, reason string) {
	s.logger.Error("dropping usage record",
		slog.String("usage_id", r.ID),
		slog.String("key_id", r.KeyID),
		slog.String("reason", reason))
	if s.onDrop != nil {
		s.onDrop(r, reason)
	}
}

// Close stops accepting records and waits for the queue to drain or ctx to
// end.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
