package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/gorilla/websocket"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sync/errgroup"
)

const (
	kindCall  = "call"
	kindReply = "reply"

	defaultOutboundDepth  = 16
	defaultMaxMessageSize = 64 * 1024 * 1024
	defaultWriteWait      = 10 * time.Second
	closeWait             = time.Second
)

type envelope struct {
	Kind    string          `json:"kind"`
	Seq     uint64          `json:"seq"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ConnOptions tunes a websocket Conn.
type ConnOptions struct {
	// OutboundDepth is the number of outgoing calls buffered before Send blocks.
	// Default: 16
	OutboundDepth int

	// MaxMessageSize is the largest accepted incoming frame.
	// Default: 64 MiB
	MaxMessageSize int64

	// WriteWait bounds a single frame write. A peer that stops reading for longer is
	// disconnected and its requests are cancelled; until then it throttles Send.
	// Default: 10s
	WriteWait time.Duration
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.OutboundDepth < 1 {
		o.OutboundDepth = defaultOutboundDepth
	}
	if o.MaxMessageSize < 1 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	return o
}

// Conn is a BinaryMessenger over a websocket connection. Message payloads must be JSON, as
// produced by JSONCodec.
//
// Incoming frames are read and dispatched by one goroutine. Outgoing frames are written by
// another one; replies are queued without limit and written first, calls go through a bounded
// queue so a slow peer blocks Send.
type Conn struct {
	ws       *websocket.Conn
	logger   log.Logger
	handlers handlerMap
	pool     bytebufferpool.Pool
	opts     ConnOptions

	outbound chan *bytebufferpool.ByteBuffer
	replies  *fifo[*bytebufferpool.ByteBuffer]

	mu      sync.Mutex
	nextSeq uint64
	pending map[uint64]ReplyHandler
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newConn(ws *websocket.Conn, logger log.Logger, opts ConnOptions) *Conn {
	opts = opts.withDefaults()
	ws.SetReadLimit(opts.MaxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:       ws,
		logger:   logger,
		opts:     opts,
		outbound: make(chan *bytebufferpool.ByteBuffer, opts.OutboundDepth),
		replies:  newFIFO[*bytebufferpool.ByteBuffer](),
		pending:  map[uint64]ReplyHandler{},
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Dial connects to a websocket endpoint served by Server.
func Dial(ctx context.Context, url string, logger log.Logger, opts ConnOptions) (*Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warnf("Failed to close handshake response body: %s", closeErr)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := newConn(ws, logger, opts)
	c.start()
	return c, nil
}

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// Done is closed once both loops have stopped and pending replies were failed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that closed the connection, nil for a local Close.
func (c *Conn) Err() error {
	<-c.done
	return c.err
}

// Close sends a close frame, stops the connection and waits for its loops to exit. A frame that
// is being written to a stalled peer delays it by at most WriteWait.
func (c *Conn) Close() error {
	c.cancel()
	<-c.done
	return nil
}

// SetMessageHandler ...
func (c *Conn) SetMessageHandler(channel string, handler MessageHandler) {
	c.handlers.set(channel, handler)
}

// Send ...
func (c *Conn) Send(ctx context.Context, channel string, message []byte, reply ReplyHandler) error {
	c.mu.Lock()
	if c.closed || c.ctx.Err() != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextSeq++
	seq := c.nextSeq
	if reply != nil {
		c.pending[seq] = reply
	}
	c.mu.Unlock()

	buf, err := c.encode(envelope{Kind: kindCall, Seq: seq, Channel: channel, Payload: message})
	if err != nil {
		c.takePending(seq)
		return err
	}

	select {
	case c.outbound <- buf:
		return nil
	case <-ctx.Done():
		c.takePending(seq)
		c.pool.Put(buf)
		return ctx.Err()
	case <-c.ctx.Done():
		c.takePending(seq)
		c.pool.Put(buf)
		return ErrClosed
	}
}

func (c *Conn) encode(env envelope) (*bytebufferpool.ByteBuffer, error) {
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("null")
	}
	buf := c.pool.Get()
	if err := json.NewEncoder(buf).Encode(env); err != nil {
		c.pool.Put(buf)
		return nil, fmt.Errorf("encode %s envelope: %w", env.Kind, err)
	}
	return buf, nil
}

func (c *Conn) takePending(seq uint64) ReplyHandler {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply := c.pending[seq]
	delete(c.pending, seq)
	return reply
}

func (c *Conn) start() {
	var g errgroup.Group
	g.Go(func() error {
		defer c.cancel()
		return c.readLoop()
	})
	g.Go(func() error {
		defer c.cancel()
		err := c.writeLoop()
		// Closing the socket after the close frame was written unblocks the read loop.
		if closeErr := c.ws.Close(); closeErr != nil {
			c.logger.Debugf("Close websocket: %s", closeErr)
		}
		return err
	})

	go func() {
		err := g.Wait()
		c.replies.close()
		c.failPending()
		c.err = err
		close(c.done)
	}()
}

// failPending fails every registered reply handler; Send fails once it ran.
func (c *Conn) failPending() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = map[uint64]ReplyHandler{}
	c.mu.Unlock()

	for _, reply := range pending {
		reply(nil, ErrClosed)
	}
}

func (c *Conn) readLoop() error {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugf("Websocket closed by peer")
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}
		if messageType != websocket.TextMessage {
			c.logger.Warnf("Ignoring non-text websocket message")
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warnf("Ignoring malformed envelope: %s", err)
			continue
		}

		payload := []byte(env.Payload)
		if string(payload) == "null" {
			payload = nil
		}

		switch env.Kind {
		case kindCall:
			seq := env.Seq
			c.handlers.dispatch(c.ctx, c.logger, env.Channel, payload, func(reply []byte) {
				c.queueReply(seq, reply)
			})
		case kindReply:
			if reply := c.takePending(env.Seq); reply != nil {
				reply(payload, nil)
			}
		default:
			c.logger.Warnf("Ignoring envelope of unknown kind: %s", env.Kind)
		}
	}
}

func (c *Conn) queueReply(seq uint64, reply []byte) {
	buf, err := c.encode(envelope{Kind: kindReply, Seq: seq, Payload: reply})
	if err != nil {
		c.logger.Errorf("Failed to encode reply: %s", err)
		return
	}
	if !c.replies.push(buf) {
		c.pool.Put(buf)
	}
}

func (c *Conn) writeLoop() error {
	for {
		if buf, ok := c.replies.pop(); ok {
			if err := c.write(buf); err != nil {
				return err
			}
			continue
		}

		select {
		case <-c.ctx.Done():
			c.writeClose()
			return nil
		case <-c.replies.ready:
		case buf := <-c.outbound:
			if err := c.write(buf); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) write(buf *bytebufferpool.ByteBuffer) error {
	defer c.pool.Put(buf)

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, buf.B); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Conn) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debugf("Write close message: %s", err)
	}
}

// ConnectFunc wires a new server side connection before it starts reading. The returned
// function runs after the connection has closed.
type ConnectFunc func(conn *Conn) (teardown func())

// Server accepts websocket connections.
type Server struct {
	upgrader websocket.Upgrader
	logger   log.Logger
	opts     ConnOptions
	connect  ConnectFunc
	hooks    ServerHooks
}

// ServerHooks are optional connection lifecycle callbacks.
type ServerHooks struct {
	OnOpen  func()
	OnClose func()
}

// NewServer ...
func NewServer(logger log.Logger, opts ConnOptions, connect ConnectFunc, hooks ServerHooks) *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
		},
		logger:  logger,
		opts:    opts,
		connect: connect,
		hooks:   hooks,
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("Failed to upgrade websocket connection: %s", err)
		return
	}

	remoteAddr := ws.RemoteAddr().String()
	s.logger.Infof("Connection opened: %s", remoteAddr)
	if s.hooks.OnOpen != nil {
		s.hooks.OnOpen()
	}

	conn := newConn(ws, s.logger, s.opts)
	teardown := s.connect(conn)
	conn.start()

	select {
	case <-conn.Done():
	case <-r.Context().Done():
		_ = conn.Close()
	}
	if err := conn.Err(); err != nil {
		s.logger.Warnf("Connection %s closed: %s", remoteAddr, err)
	} else {
		s.logger.Infof("Connection closed: %s", remoteAddr)
	}

	if teardown != nil {
		teardown()
	}
	if s.hooks.OnClose != nil {
		s.hooks.OnClose()
	}
}
