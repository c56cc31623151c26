// Package outbound correlates gateway-initiated calls with the replies a
// render client sends back over the same connection.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	gateway "github.com/ggoodman/render-gateway"
	"github.com/ggoodman/render-gateway/internal/wire"
	"github.com/google/uuid"
)

// DefaultStaticTimeout bounds a static resource callback when the call site
// does not choose its own timeout.
const DefaultStaticTimeout = 2 * time.Minute

// Transport sends one encoded frame to the peer.
type Transport interface {
	SendFrame(ctx context.Context, frame []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, frame []byte) error

// SendFrame implements Transport.
func (f TransportFunc) SendFrame(ctx context.Context, frame []byte) error { return f(ctx, frame) }

// Reply is the peer's answer to a call.
type Reply struct {
	Status  string
	Data    json.RawMessage
	Message string
}

// PendingCall is a deferred result for one outstanding call. It resolves
// exactly once: with the matching reply, on timeout, on caller cancellation
// or when the connection closes, whichever happens first.
type PendingCall struct {
	id      string
	verb    string
	created time.Time

	done  chan struct{}
	data  json.RawMessage
	err   error
	timer *time.Timer
}

// ID returns the correlation id sent as the frame's echo.
func (p *PendingCall) ID() string { return p.id }

// Verb returns the action the call was issued with.
func (p *PendingCall) Verb() string { return p.verb }

// Created returns when the call was registered.
func (p *PendingCall) Created() time.Time { return p.created }

// Done is closed once the call is resolved.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Result returns the resolution. It must only be called after Done is closed.
func (p *PendingCall) Result() (json.RawMessage, error) { return p.data, p.err }

// Correlator keeps the table of outstanding calls for one connection.
// Tables of different connections are independent.
type Correlator struct {
	t Transport

	mu       sync.Mutex
	pending  map[string]*PendingCall
	closed   bool
	closeErr error

	newID func() string
}

// Option customizes a Correlator.
type Option func(*Correlator)

// WithIDGenerator overrides the correlation id source. Intended for tests.
func WithIDGenerator(fn func() string) Option {
	return func(c *Correlator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// New constructs a Correlator sending through t.
func New(t Transport, opts ...Option) *Correlator {
	c := &Correlator{t: t, pending: make(map[string]*PendingCall), newID: uuid.NewString}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Go registers a call, sends its frame and returns the pending handle without
// waiting. A non-positive timeout selects DefaultStaticTimeout.
func (c *Correlator) Go(ctx context.Context, verb string, params any, timeout time.Duration) (*PendingCall, error) {
	if timeout <= 0 {
		timeout = DefaultStaticTimeout
	}

	var paramsRaw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		paramsRaw = b
	}

	pc := &PendingCall{verb: verb, created: time.Now(), done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	// Regenerate on collision so an id is never shared by two outstanding calls.
	for {
		pc.id = c.newID()
		if _, taken := c.pending[pc.id]; !taken {
			break
		}
	}
	c.pending[pc.id] = pc
	pc.timer = time.AfterFunc(timeout, func() {
		c.resolve(pc.id, nil, fmt.Errorf("%s call %s after %s: %w", verb, pc.id, timeout, gateway.ErrTimeout))
	})
	c.mu.Unlock()

	frame, err := wire.Encode(wire.Request(pc.id, verb, paramsRaw))
	if err == nil {
		err = c.t.SendFrame(ctx, frame)
	}
	if err != nil {
		c.resolve(pc.id, nil, fmt.Errorf("send %s call: %w", verb, err))
		return nil, err
	}
	return pc, nil
}

// Wait blocks until the call resolves. If ctx ends first the call is removed
// from the table and resolved with the context's error.
func (c *Correlator) Wait(ctx context.Context, pc *PendingCall) (json.RawMessage, error) {
	select {
	case <-pc.done:
	case <-ctx.Done():
		c.resolve(pc.id, nil, ctx.Err())
		<-pc.done
	}
	return pc.Result()
}

// Call issues a call and waits for its resolution.
func (c *Correlator) Call(ctx context.Context, verb string, params any, timeout time.Duration) (json.RawMessage, error) {
	pc, err := c.Go(ctx, verb, params, timeout)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, pc)
}

// Deliver resolves the outstanding call with the given id. It reports whether
// a call was resolved; replies for unknown or already resolved ids are
// discarded without touching any state.
func (c *Correlator) Deliver(id string, r Reply) bool {
	if r.Status == wire.StatusOK {
		return c.resolve(id, r.Data, nil)
	}
	msg := r.Message
	if msg == "" {
		msg = "status " + r.Status
	}
	return c.resolve(id, nil, fmt.Errorf("%w: %s", gateway.ErrUpstream, msg))
}

// Outstanding returns the number of unresolved calls.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every outstanding call with err before returning and rejects
// any later call. A nil err fails calls with gateway.ErrClosed.
func (c *Correlator) Close(err error) {
	if err == nil {
		err = gateway.ErrClosed
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	if !errors.Is(err, gateway.ErrClosed) {
		c.closeErr = fmt.Errorf("%w: %w", gateway.ErrClosed, err)
	}
	calls := make([]*PendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		delete(c.pending, id)
		calls = append(calls, pc)
	}
	c.mu.Unlock()

	for _, pc := range calls {
		pc.timer.Stop()
		pc.err = err
		close(pc.done)
	}
}

// resolve removes the call from the table and settles it. Whoever removes the
// entry settles it, so each call is settled exactly once.
func (c *Correlator) resolve(id string, data json.RawMessage, err error) bool {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pc.timer.Stop()
	pc.data, pc.err = data, err
	close(pc.done)
	return true
}
