// Package stream reads content sources in bounded chunks and delivers them as ordered
// notifications, one worker per request.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"

	"github.com/bitrise-io/go-uricontent/config"
	"github.com/bitrise-io/go-uricontent/metrics"
	"github.com/bitrise-io/go-uricontent/registry"
	"github.com/bitrise-io/go-uricontent/source"
)

// Config holds the tuning of a Streamer.
type Config struct {
	// QueueDepth is the number of notifications buffered per request between the reader and
	// the sink. A full queue blocks the reader.
	// Default: 4
	QueueDepth int

	// MaxChunkSize caps the buffer size requested by callers.
	// Default: 32 MiB
	MaxChunkSize int
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		QueueDepth:   config.DefaultQueueDepth,
		MaxChunkSize: config.DefaultMaxChunkSize,
	}
}

// Option configures optional collaborators of a Streamer.
type Option func(*Streamer)

// WithMetrics ...
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Streamer) {
		s.metrics = m
	}
}

// WithTracker ...
func WithTracker(tracker analytics.Tracker) Option {
	return func(s *Streamer) {
		s.tracker = streamTracker{tracker: tracker}
	}
}

// Streamer runs the content reader pipeline.
type Streamer struct {
	cfg      Config
	registry *registry.Registry
	resolver source.Resolver
	sink     Sink
	logger   log.Logger
	metrics  *metrics.Metrics
	tracker  streamTracker

	wg sync.WaitGroup
}

// New ...
func New(cfg Config, reg *registry.Registry, resolver source.Resolver, sink Sink, logger log.Logger, opts ...Option) *Streamer {
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = config.DefaultQueueDepth
	}
	if cfg.MaxChunkSize < 1 {
		cfg.MaxChunkSize = config.DefaultMaxChunkSize
	}

	s := &Streamer{
		cfg:      cfg,
		registry: reg,
		resolver: resolver,
		sink:     sink,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start registers the request and streams its content in a new goroutine. It returns without
// waiting for any I/O. ctx bounds the lifetime of the request and of its deliveries, it should
// live as long as the caller's connection rather than a single call.
//
// A rejected request (duplicate id or invalid buffer size) gets a single terminal error
// notification and the same error is returned.
func (s *Streamer) Start(ctx context.Context, id int64, uri string, bufferSize int) error {
	if bufferSize <= 0 {
		err := fmt.Errorf("%w: %d", ErrInvalidBufferSize, bufferSize)
		s.reject(ctx, id, ErrInvalidBufferSize, err)
		return err
	}
	if bufferSize > s.cfg.MaxChunkSize {
		s.logger.Debugf("[%d] Buffer size %s exceeds the limit, using %s", id,
			units.BytesSize(float64(bufferSize)), units.BytesSize(float64(s.cfg.MaxChunkSize)))
		bufferSize = s.cfg.MaxChunkSize
	}

	handle, err := s.registry.Register(ctx, id, uri, bufferSize)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyExists) {
			err = fmt.Errorf("%w: %d", ErrDuplicateRequest, id)
			s.reject(ctx, id, ErrDuplicateRequest, err)
			return err
		}
		return fmt.Errorf("register request %d: %w", id, err)
	}
	s.metrics.RequestStarted()
	s.logger.Debugf("[%d] Request registered: %s (buffer size: %s)", id, uri, units.BytesSize(float64(bufferSize)))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx, handle, uri, bufferSize)
	}()

	return nil
}

// Cancel requests cancellation of a live request. It returns registry.ErrNotFound for unknown
// or finished ids and never waits for the worker.
func (s *Streamer) Cancel(id int64) error {
	return s.registry.Cancel(id)
}

// CancelAll ...
func (s *Streamer) CancelAll() int {
	return s.registry.CancelAll()
}

// Wait blocks until every started worker has delivered its terminal notification, then
// flushes pending analytics events.
func (s *Streamer) Wait() {
	s.wg.Wait()
	s.tracker.wait()
}

func (s *Streamer) reject(ctx context.Context, id int64, reason, err error) {
	s.logger.Warnf("[%d] Request rejected: %s", id, err)
	s.metrics.RequestRejected()
	s.tracker.logRequestRejected(reason)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if pushErr := s.sink.Push(ctx, Notification{RequestID: id, Err: err}); pushErr != nil {
			s.logger.Warnf("[%d] Failed to deliver rejection: %s", id, pushErr)
		}
	}()
}

type readResult struct {
	state      registry.State
	err        error
	size       int64
	chunkCount int
}

func (s *Streamer) run(ctx context.Context, handle *registry.Handle, uri string, bufferSize int) {
	id := handle.ID()
	startTime := time.Now()

	queue := make(chan Notification, s.cfg.QueueDepth)
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		s.deliver(ctx, handle, queue)
	}()

	result := s.read(handle, uri, bufferSize, queue)
	handle.SetState(result.state)
	queue <- Notification{RequestID: id, Err: result.err}
	close(queue)
	<-delivered

	handle.Release()

	duration := time.Since(startTime)
	switch result.state {
	case registry.StateCompleted:
		s.metrics.RequestFinished(metrics.OutcomeCompleted)
		s.logger.Donef("[%d] Streamed %s in %d chunks (%s)", id, units.HumanSizeWithPrecision(float64(result.size), 3),
			result.chunkCount, duration.Round(time.Millisecond))
	case registry.StateCancelled:
		s.metrics.RequestFinished(metrics.OutcomeCancelled)
		s.logger.Infof("[%d] Cancelled after %s", id, units.HumanSizeWithPrecision(float64(result.size), 3))
	default:
		s.metrics.RequestFinished(metrics.OutcomeFailed)
		s.logger.Errorf("[%d] %s", id, result.err)
	}
	s.tracker.logStreamFinished(uri, result.state, duration, result.size, result.chunkCount)
}

// read opens the source and queues one data notification per chunk. The terminal notification
// is left to the caller.
func (s *Streamer) read(handle *registry.Handle, uri string, bufferSize int, queue chan<- Notification) readResult {
	id := handle.ID()
	cancelled := readResult{state: registry.StateCancelled, err: ErrCancelled}

	if handle.CancelRequested() {
		return cancelled
	}

	rc, err := s.resolver.Open(handle.Context(), uri)
	if err != nil {
		if handle.CancelRequested() {
			return cancelled
		}
		return readResult{state: registry.StateFailed, err: &SourceOpenError{URI: uri, Err: err}}
	}
	defer func() {
		if err := rc.Close(); err != nil {
			s.logger.Warnf("[%d] Failed to close source: %s", id, err)
		}
	}()

	handle.SetState(registry.StateStreaming)

	var result readResult
	buf := make([]byte, bufferSize)
	exhausted := false
	for {
		if handle.CancelRequested() {
			cancelled.size, cancelled.chunkCount = result.size, result.chunkCount
			return cancelled
		}
		if exhausted {
			result.state = registry.StateCompleted
			return result
		}

		n, err := io.ReadFull(rc, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			queue <- Notification{RequestID: id, Data: chunk}
			result.size += int64(n)
			result.chunkCount++
		}

		switch {
		case err == nil:
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			exhausted = true
		case handle.CancelRequested():
			cancelled.size, cancelled.chunkCount = result.size, result.chunkCount
			return cancelled
		default:
			result.state = registry.StateFailed
			result.err = &SourceReadError{URI: uri, Offset: result.size, Err: err}
			return result
		}
	}
}

// deliver pushes queued notifications to the sink in order. After the first failed push the
// request is cancelled and the rest of the queue is dropped.
func (s *Streamer) deliver(ctx context.Context, handle *registry.Handle, queue <-chan Notification) {
	id := handle.ID()

	var pushErr error
	for n := range queue {
		if pushErr != nil {
			continue
		}

		if err := s.sink.Push(ctx, n); err != nil {
			pushErr = err
			s.logger.Warnf("[%d] Failed to deliver notification, cancelling request: %s", id, err)
			handle.Cancel()
			continue
		}

		if n.Terminal() {
			s.logger.Debugf("[%d] Terminal notification delivered", id)
		} else {
			s.metrics.ChunkDelivered(len(n.Data))
			s.logger.Debugf("[%d] Delivered chunk of %d bytes", id, len(n.Data))
		}
	}
}
