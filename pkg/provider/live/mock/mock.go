// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to script per-model Connect outcomes and to inspect which
// models were attempted. Use the returned Conn to push server traffic into
// the owner's handler and to inspect the audio it sent.
//
// Example:
//
//	p := &mock.Provider{ConnectErrs: map[string]error{"a": errors.New("model not found")}}
//	conn, _ := p.Connect(ctx, live.SessionConfig{Model: "b"})
//	p.LastConn().Deliver(live.Message{TurnComplete: true})
//
// With Echo set, every connection plays captured audio straight back, which
// makes the provider usable for headless end-to-end runs.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/provider/live"
)

// Compile-time interface assertions.
var (
	_ live.Provider = (*Provider)(nil)
	_ live.Conn     = (*Conn)(nil)
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErrs maps a model identifier to the error Connect returns for it.
	ConnectErrs map[string]error

	// ConnectErr, if non-nil, is returned for every model without an entry in
	// ConnectErrs.
	ConnectErr error

	// Echo makes every opened Conn answer each sent batch with the same audio
	// as an output chunk.
	Echo bool

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	conns []*Conn
}

// Connect records the call and either fails with the scripted error or
// returns a new [Conn].
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if err, ok := p.ConnectErrs[cfg.Model]; ok {
		if err != nil {
			return nil, err
		}
	} else if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &Conn{Model: cfg.Model, Config: cfg, echo: p.Echo}
	p.conns = append(p.conns, c)
	return c, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// SetConnectErr scripts the outcome for one model. A nil error lets the
// model connect.
func (p *Provider) SetConnectErr(model string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErrs == nil {
		p.ConnectErrs = make(map[string]error)
	}
	p.ConnectErrs[model] = err
}

// Models returns the model of every Connect call, in order.
func (p *Provider) Models() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.ConnectCalls))
	for i, c := range p.ConnectCalls {
		out[i] = c.Cfg.Model
	}
	return out
}

// Conns returns every connection opened so far.
func (p *Provider) Conns() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Conn(nil), p.conns...)
}

// LastConn returns the most recently opened connection, or nil.
func (p *Provider) LastConn() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

// Reset clears all recorded calls and connections.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.conns = nil
}

// Conn is a mock implementation of live.Conn. Server traffic is injected with
// [Conn.Deliver], [Conn.Fail] and [Conn.Drop].
type Conn struct {
	// Model is the model this connection was opened for.
	Model string

	// Config is the full session config passed to Connect.
	Config live.SessionConfig

	mu        sync.Mutex
	echo      bool
	sendErr   error
	sent      []audio.InputBatch
	handler   live.Handler
	listening bool
	closed    bool
	ended     bool
	closes    int
}

// Listen implements live.Conn.
func (c *Conn) Listen(h live.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return live.ErrClosed
	}
	if c.listening {
		return errAlreadyListening
	}
	c.listening = true
	c.handler = h
	return nil
}

// SendAudio implements live.Conn. The batch is recorded.
func (c *Conn) SendAudio(b audio.InputBatch) error {
	c.mu.Lock()
	if c.closed || c.ended {
		c.mu.Unlock()
		return live.ErrClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return err
	}
	c.sent = append(c.sent, b)
	echo := c.echo
	c.mu.Unlock()

	if echo && len(b.Samples) > 0 {
		c.Deliver(live.Message{Audio: []audio.OutputChunk{{Data: b.Base64(), SampleRate: b.SampleRate}}})
	}
	return nil
}

// SetSendErr makes subsequent SendAudio calls fail with err.
func (c *Conn) SetSendErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// Sent returns every batch passed to SendAudio.
func (c *Conn) Sent() []audio.InputBatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.InputBatch(nil), c.sent...)
}

// Close implements live.Conn. A listening connection reports one local close
// event.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.end(live.CloseEvent{Code: int(websocket.StatusNormalClosure), Reason: "client closed", Local: true})
	return nil
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCallCount returns how many times Close was called.
func (c *Conn) CloseCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Deliver passes m to the registered OnMessage handler.
func (c *Conn) Deliver(m live.Message) {
	h := c.current()
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

// Fail passes err to the registered OnError handler.
func (c *Conn) Fail(err error) {
	h := c.current()
	if h.OnError != nil {
		h.OnError(err)
	}
}

// Drop simulates the server closing the connection.
func (c *Conn) Drop(code int, reason string) {
	c.end(live.CloseEvent{Code: code, Reason: reason})
}

// end fires OnClose at most once.
func (c *Conn) end(ev live.CloseEvent) {
	c.mu.Lock()
	if c.ended || !c.listening {
		c.ended = true
		c.mu.Unlock()
		return
	}
	c.ended = true
	h := c.handler
	c.mu.Unlock()

	if h.OnClose != nil {
		h.OnClose(ev)
	}
}

func (c *Conn) current() live.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return live.Handler{}
	}
	return c.handler
}

var errAlreadyListening = errors.New("mock: already listening")
