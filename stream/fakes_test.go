package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/analytics"

	"github.com/bitrise-io/go-uricontent/source"
)

type recordingSink struct {
	mu            sync.Mutex
	notifications map[int64][]Notification
	pushCount     int

	// entered receives a value when a push starts, gate blocks the push until it is closed.
	entered chan struct{}
	gate    chan struct{}
	failAt  int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notifications: map[int64][]Notification{}}
}

func (s *recordingSink) Push(ctx context.Context, n Notification) error {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pushCount++
	if s.failAt > 0 && s.pushCount >= s.failAt {
		return errors.New("connection closed")
	}
	s.notifications[n.RequestID] = append(s.notifications[n.RequestID], n)
	return nil
}

func (s *recordingSink) get(id int64) []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Notification(nil), s.notifications[id]...)
}

func (s *recordingSink) pushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pushCount
}

type trackingReader struct {
	reader    io.Reader
	failAfter int
	failErr   error
	read      atomic.Int64
	closed    atomic.Bool
}

func (r *trackingReader) Read(p []byte) (int, error) {
	if r.failErr != nil {
		remaining := r.failAfter - int(r.read.Load())
		if remaining <= 0 {
			return 0, r.failErr
		}
		if len(p) > remaining {
			p = p[:remaining]
		}
	}
	n, err := r.reader.Read(p)
	r.read.Add(int64(n))
	return n, err
}

func (r *trackingReader) Close() error {
	r.closed.Store(true)
	return nil
}

type fakeResolver struct {
	mu      sync.Mutex
	content map[string][]byte
	openErr error
	readErr error
	// failAfter is the number of bytes served before readErr is returned.
	failAfter int
	// openGate blocks Open until it is closed or the request context is cancelled.
	openGate chan struct{}
	readers  []*trackingReader
}

func newFakeResolver(content map[string][]byte) *fakeResolver {
	return &fakeResolver{content: content}
}

func (r *fakeResolver) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if r.openGate != nil {
		select {
		case <-r.openGate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.openErr != nil {
		return nil, r.openErr
	}

	content, ok := r.content[uri]
	if !ok {
		return nil, source.ErrNotFound
	}

	reader := &trackingReader{
		reader:    bytes.NewReader(content),
		failAfter: r.failAfter,
		failErr:   r.readErr,
	}
	r.mu.Lock()
	r.readers = append(r.readers, reader)
	r.mu.Unlock()

	return reader, nil
}

func (r *fakeResolver) Exists(_ context.Context, uri string) (bool, error) {
	_, ok := r.content[uri]
	return ok, nil
}

func (r *fakeResolver) openedReaders() []*trackingReader {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*trackingReader(nil), r.readers...)
}

type recordingTracker struct {
	mu     sync.Mutex
	events []string
}

func (t *recordingTracker) Enqueue(eventName string, _ ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.events = append(t.events, eventName)
}

func (t *recordingTracker) Wait() {}
