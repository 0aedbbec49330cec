// Package registry keeps track of the content requests that are currently in flight.
package registry

import (
	"context"
	"errors"
	"sync"
)

// State ...
type State int

const (
	// StatePending is the state of a registered request whose source is not open yet.
	StatePending State = iota
	// StateStreaming means the source is open and chunks are being read.
	StateStreaming
	// StateCompleted means the source was exhausted.
	StateCompleted
	// StateCancelled means the request stopped because cancellation was requested.
	StateCancelled
	// StateFailed means opening or reading the source failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// ErrAlreadyExists is returned when a request id is registered while a request with the same id is still live.
var ErrAlreadyExists = errors.New("request id is already registered")

// ErrNotFound is returned for ids without a live request.
var ErrNotFound = errors.New("request not found")

// Request is a snapshot of a registered request.
type Request struct {
	ID              int64
	URI             string
	BufferSize      int
	State           State
	CancelRequested bool
}

type entry struct {
	request Request
	ctx     context.Context
	cancel  context.CancelFunc
}

// Registry maps request ids to their live state. The zero value is not usable, use New.
type Registry struct {
	mu       sync.Mutex
	requests map[int64]*entry
}

// New ...
func New() *Registry {
	return &Registry{requests: map[int64]*entry{}}
}

// Register inserts a new pending request. The returned Handle carries the cancellation
// context shared with the worker that serves the request.
func (r *Registry) Register(ctx context.Context, id int64, uri string, bufferSize int) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.requests[id]; ok {
		return nil, ErrAlreadyExists
	}

	reqCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		request: Request{
			ID:         id,
			URI:        uri,
			BufferSize: bufferSize,
			State:      StatePending,
		},
		ctx:    reqCtx,
		cancel: cancel,
	}
	r.requests[id] = e

	return &Handle{registry: r, entry: e}, nil
}

// Cancel flags the request for cancellation. It does not wait for the worker to stop.
func (r *Registry) Cancel(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.requests[id]
	if !ok {
		return ErrNotFound
	}
	e.request.CancelRequested = true
	e.cancel()

	return nil
}

// CancelAll flags every live request for cancellation and returns how many were flagged.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.requests {
		e.request.CancelRequested = true
		e.cancel()
	}

	return len(r.requests)
}

// Lookup ...
func (r *Registry) Lookup(id int64) (Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.requests[id]
	if !ok {
		return Request{}, ErrNotFound
	}

	return e.request, nil
}

// Unregister removes the request with the given id, whoever registered it.
func (r *Registry) Unregister(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.requests[id]; ok {
		e.cancel()
		delete(r.requests, id)
	}
}

// Len returns the number of live requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.requests)
}

func (r *Registry) release(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The id may have been unregistered and reused in the meantime.
	if current, ok := r.requests[e.request.ID]; ok && current == e {
		delete(r.requests, e.request.ID)
	}
	e.cancel()
}

// setState ignores transitions out of a terminal state.
func (r *Registry) setState(e *entry, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.request.State.Terminal() {
		return
	}
	e.request.State = state
}

func (r *Registry) snapshot(e *entry) Request {
	r.mu.Lock()
	defer r.mu.Unlock()

	return e.request
}
