package registry

import "context"

// Handle is the worker side of a registration.
type Handle struct {
	registry *Registry
	entry    *entry
}

// ID ...
func (h *Handle) ID() int64 {
	return h.entry.request.ID
}

// Context is cancelled once cancellation is requested or the registration is released.
func (h *Handle) Context() context.Context {
	return h.entry.ctx
}

// CancelRequested reports whether a cancellation was requested for this registration, either
// explicitly or by cancelling the context it was registered with.
func (h *Handle) CancelRequested() bool {
	return h.registry.snapshot(h.entry).CancelRequested || h.entry.ctx.Err() != nil
}

// Cancel requests cancellation of this registration only, even if the id was reused since.
func (h *Handle) Cancel() {
	h.registry.mu.Lock()
	defer h.registry.mu.Unlock()

	h.entry.request.CancelRequested = true
	h.entry.cancel()
}

// SetState moves the request to state unless it already reached a terminal one.
func (h *Handle) SetState(state State) {
	h.registry.setState(h.entry, state)
}

// Release removes the registration from the registry. It is safe to call more than once.
func (h *Handle) Release() {
	h.registry.release(h.entry)
}
