package stream

import (
	"context"
)

// Notification is one onDataReceived push. Data chunks carry only Data. The terminal
// notification carries either nothing (completed) or Err (failed, cancelled or rejected).
type Notification struct {
	RequestID int64
	Data      []byte
	Err       error
}

// Terminal reports whether this is the last notification of its request.
func (n Notification) Terminal() bool {
	return n.Data == nil
}

// ErrorMessage returns the wire form of Err, nil when there is no error.
func (n Notification) ErrorMessage() *string {
	if n.Err == nil {
		return nil
	}
	msg := n.Err.Error()
	return &msg
}

// Sink delivers notifications to the caller. Push may block to apply backpressure; an error
// means the notification could not be delivered and the caller is gone.
type Sink interface {
	Push(ctx context.Context, n Notification) error
}

// SinkFunc ...
type SinkFunc func(ctx context.Context, n Notification) error

// Push ...
func (f SinkFunc) Push(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
