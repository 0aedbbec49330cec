package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrClosed is returned when sending on a closed messenger.
var ErrClosed = errors.New("messenger is closed")

// ReplyHandler receives the reply of a sent message. reply is empty when the peer has no
// handler for the channel; err is set when no reply will ever arrive.
type ReplyHandler func(reply []byte, err error)

// ReplyFunc answers an incoming message. It must be called exactly once, from any goroutine.
type ReplyFunc func(reply []byte)

// MessageHandler handles incoming messages of one channel. It runs on the messenger's
// invocation path and must hand any slow work off to another goroutine. ctx lives as long as
// the messenger.
type MessageHandler func(ctx context.Context, message []byte, reply ReplyFunc)

// BinaryMessenger is one end of a bidirectional message connection.
type BinaryMessenger interface {
	// Send queues message for delivery on channel. It blocks while the outgoing queue is full and
	// returns an error if the message can not be queued. Messages sent from one goroutine are
	// delivered in order.
	Send(ctx context.Context, channel string, message []byte, reply ReplyHandler) error
	// SetMessageHandler registers the handler of a channel; nil removes it.
	SetMessageHandler(channel string, handler MessageHandler)
}

type handlerMap struct {
	mu       sync.RWMutex
	handlers map[string]MessageHandler
}

func (m *handlerMap) set(channel string, handler MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handlers == nil {
		m.handlers = map[string]MessageHandler{}
	}
	if handler == nil {
		delete(m.handlers, channel)
		return
	}
	m.handlers[channel] = handler
}

func (m *handlerMap) get(channel string) MessageHandler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.handlers[channel]
}

// dispatch runs the handler of channel, answering with an empty reply when there is none.
func (m *handlerMap) dispatch(ctx context.Context, logger log.Logger, channel string, message []byte, reply ReplyFunc) {
	var once sync.Once
	replyOnce := func(data []byte) {
		called := false
		once.Do(func() {
			called = true
			reply(data)
		})
		if !called {
			logger.Warnf("Reply on %s was sent more than once", channel)
		}
	}

	handler := m.get(channel)
	if handler == nil {
		logger.Debugf("No handler registered for %s", channel)
		replyOnce(nil)
		return
	}
	handler(ctx, message, replyOnce)
}

// PipeOptions tunes a Pipe.
type PipeOptions struct {
	// InboxDepth is the number of incoming calls buffered per end before Send blocks.
	// Default: 16
	InboxDepth int
}

func (o PipeOptions) withDefaults() PipeOptions {
	if o.InboxDepth < 1 {
		o.InboxDepth = defaultInboxDepth
	}
	return o
}

const defaultInboxDepth = 16

// Pipe returns two connected in-process messengers. Each end runs incoming messages and reply
// callbacks on a single goroutine. Incoming calls go through a bounded inbox, so a peer that
// does not keep up blocks Send; reply callbacks are queued without limit.
func Pipe(logger log.Logger, opts PipeOptions) (*PipeEnd, *PipeEnd) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := newPipeEnd(ctx, cancel, logger, opts)
	b := newPipeEnd(ctx, cancel, logger, opts)
	a.peer, b.peer = b, a

	go a.run()
	go b.run()

	return a, b
}

// PipeEnd is one end of a Pipe.
type PipeEnd struct {
	handlers handlerMap
	peer     *PipeEnd
	calls    chan func()
	replies  *fifo[func()]
	logger   log.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func newPipeEnd(ctx context.Context, cancel context.CancelFunc, logger log.Logger, opts PipeOptions) *PipeEnd {
	return &PipeEnd{
		calls:   make(chan func(), opts.InboxDepth),
		replies: newFIFO[func()](),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Send blocks while the peer's inbox is full.
func (e *PipeEnd) Send(ctx context.Context, channel string, message []byte, reply ReplyHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ctx.Err() != nil {
		return ErrClosed
	}

	peer := e.peer
	call := func() {
		peer.handlers.dispatch(peer.ctx, peer.logger, channel, message, func(data []byte) {
			if reply == nil {
				return
			}
			e.replies.push(func() { reply(data, nil) })
		})
	}

	select {
	case peer.calls <- call:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrClosed
	}
}

// SetMessageHandler ...
func (e *PipeEnd) SetMessageHandler(channel string, handler MessageHandler) {
	e.handlers.set(channel, handler)
}

// Close closes both ends. Queued messages are dropped and pending replies are not delivered.
func (e *PipeEnd) Close() {
	e.cancel()
	e.replies.close()
	e.peer.replies.close()
}

// Done is closed once the pipe is closed.
func (e *PipeEnd) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *PipeEnd) run() {
	for {
		if e.ctx.Err() != nil {
			return
		}
		if item, ok := e.replies.pop(); ok {
			item()
			continue
		}

		select {
		case <-e.ctx.Done():
			return
		case <-e.replies.ready:
		case call := <-e.calls:
			call()
		}
	}
}
