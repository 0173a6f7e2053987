// Package stream holds the websocket plumbing shared by the live providers:
// a bounded outbound queue drained by a writer goroutine, a receive loop that
// reports exactly one close event, and keepalive pings.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/pkg/provider/live"
)

const (
	defaultQueueSize    = 64
	defaultKeepalive    = 20 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// readLimit bounds a single inbound frame. Audio turns from the Gemini
	// Live API routinely exceed the library default of 32 KiB.
	readLimit = 8 << 20
)

// Options configures a [Conn].
type Options struct {
	// Name prefixes errors and log lines, e.g. "gemini".
	Name string

	// QueueSize is the capacity of the outbound queue. Default 64.
	QueueSize int

	// Keepalive is the ping interval. Zero selects 20s; negative disables.
	Keepalive time.Duration

	// Logger defaults to [slog.Default].
	Logger *slog.Logger
}

// Conn wraps a websocket connection for one live session.
type Conn struct {
	ws   *websocket.Conn
	name string
	log  *slog.Logger
	ping time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	out    chan []byte

	mu        sync.Mutex
	closed    bool
	listening bool
}

// New wraps ws and starts its writer goroutine.
func New(ws *websocket.Conn, opts Options) *Conn {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Keepalive == 0 {
		opts.Keepalive = defaultKeepalive
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ws.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:     ws,
		name:   opts.Name,
		log:    opts.Logger.With("provider", opts.Name),
		ping:   opts.Keepalive,
		ctx:    ctx,
		cancel: cancel,
		out:    make(chan []byte, opts.QueueSize),
	}
	go c.writeLoop()
	return c
}

// WriteJSON marshals v and writes it synchronously. It is used during
// session setup, before the connection is handed to its owner.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", c.name, err)
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// ReadFrame reads one inbound frame synchronously. It must not be called
// after [Conn.Run].
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

// Enqueue marshals v and queues it for the writer goroutine.
func (c *Conn) Enqueue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", c.name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx.Err() != nil {
		return live.ErrClosed
	}
	select {
	case c.out <- data:
		return nil
	default:
		return live.ErrSendQueueFull
	}
}

// Run starts the receive loop and keepalive. onFrame is called for every
// inbound frame and onClose exactly once when the loop ends.
func (c *Conn) Run(onFrame func([]byte), onClose func(live.CloseEvent)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return live.ErrClosed
	}
	if c.listening {
		c.mu.Unlock()
		return fmt.Errorf("%s: already listening", c.name)
	}
	c.listening = true
	c.mu.Unlock()

	go c.readLoop(onFrame, onClose)
	if c.ping > 0 {
		go c.keepaliveLoop()
	}
	return nil
}

// Close terminates the connection. The close handshake completes in the
// background so Close never blocks on the network. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	go func() {
		_ = c.ws.Close(websocket.StatusNormalClosure, "client closed")
		c.cancel()
	}()
	return nil
}

// Done is closed once the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) readLoop(onFrame func([]byte), onClose func(live.CloseEvent)) {
	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			ev := CloseEventFrom(err, c.isClosed())
			c.cancel()
			_ = c.ws.CloseNow()
			if !ev.Local {
				c.log.Warn("connection closed by remote", "code", ev.Code, "reason", ev.Reason, "err", err)
			}
			if onClose != nil {
				onClose(ev)
			}
			return
		}
		if onFrame != nil {
			onFrame(data)
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, defaultWriteTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				// The receive loop reports the broken connection.
				c.log.Debug("write failed", "err", err)
			}
		}
	}
}

func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(c.ping)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, defaultPingTimeout)
			if err := c.ws.Ping(ctx); err != nil && c.ctx.Err() == nil {
				c.log.Debug("keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// CloseEventFrom converts a read error into a [live.CloseEvent].
func CloseEventFrom(err error, local bool) live.CloseEvent {
	ev := live.CloseEvent{Code: -1, Local: local, Err: err}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		ev.Code = int(ce.Code)
		ev.Reason = ce.Reason
	}
	return ev
}
