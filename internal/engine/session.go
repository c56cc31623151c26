// Package engine runs one render connection: the lifecycle state machine,
// render dispatch and routing of static replies to the correlator.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/ggoodman/render-gateway"
	"github.com/ggoodman/render-gateway/internal/logctx"
	"github.com/ggoodman/render-gateway/internal/outbound"
	"github.com/ggoodman/render-gateway/internal/wire"
	"github.com/ggoodman/render-gateway/render"
	"github.com/ggoodman/render-gateway/sessions"
)

const (
	DefaultGracePeriod   = 10 * time.Second
	DefaultActiveTimeout = 5 * time.Minute
	DefaultApplication   = "karin-render-gateway"
)

// Conn is the duplex channel of one render client. Read is only called from
// the session's reader goroutine; Write may be called concurrently.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, b []byte) error
	Close(reason string) error
}

// Dispatcher runs render-class requests. *render.Service implements it.
type Dispatcher interface {
	Render(ctx context.Context, connID string, req *wire.RenderRequest) (render.Result, error)
	RenderInline(ctx context.Context, reg *sessions.Registry, connID string, req *wire.RenderRequest) (render.Result, error)
}

// Config holds the per-connection knobs. Zero values select defaults.
type Config struct {
	Application   string
	Templates     bool
	GracePeriod   time.Duration
	ActiveTimeout time.Duration
	StaticTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Application == "" {
		c.Application = DefaultApplication
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.ActiveTimeout <= 0 {
		c.ActiveTimeout = DefaultActiveTimeout
	}
	if c.StaticTimeout <= 0 {
		c.StaticTimeout = outbound.DefaultStaticTimeout
	}
	return c
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = logctx.WithHandler(l)
		}
	}
}

// WithConfig overrides the default Config.
func WithConfig(c Config) Option {
	return func(s *Session) { s.cfg = c }
}

// WithRemoteAddr records the peer address for logs.
func WithRemoteAddr(addr string) Option {
	return func(s *Session) { s.remote = addr }
}

// Session manages one accepted render connection: it runs the lifecycle
// state machine, dispatches render requests and routes static replies to
// the connection's correlator.
//
// All lifecycle state is owned by the goroutine running Run. Frames are
// handled strictly in arrival order; renders run on their own goroutines and
// report completion back to the loop.
type Session struct {
	conn   Conn
	reg    *sessions.Registry
	disp   Dispatcher
	corr   *outbound.Correlator
	log    *slog.Logger
	cfg    Config
	remote string

	id     string
	lc     Lifecycle
	grace  deadline
	active deadline

	frames   chan []byte
	readErr  chan error
	expiries chan expiry
	renders  chan renderDone
	done     chan struct{}

	writeMu sync.Mutex
}

var _ sessions.Client = (*Session)(nil)

type expiry struct {
	ev  Event
	gen uint64
}

type renderDone struct {
	echo wire.Echo
	res  render.Result
	err  error
	dur  time.Duration
}

// NewSession prepares a session for conn. Nothing is sent until Run.
func NewSession(conn Conn, reg *sessions.Registry, disp Dispatcher, opts ...Option) *Session {
	s := &Session{
		conn:     conn,
		reg:      reg,
		disp:     disp,
		log:      slog.New(slog.DiscardHandler),
		frames:   make(chan []byte, 16),
		readErr:  make(chan error, 1),
		expiries: make(chan expiry, 2),
		renders:  make(chan renderDone),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cfg = s.cfg.withDefaults()
	s.corr = outbound.New(outbound.TransportFunc(s.writeRaw))
	return s
}

// ID returns the registry id. It is empty until Run starts.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Call issues verb to the client and waits for the reply, bounded by the
// configured static timeout.
func (s *Session) Call(ctx context.Context, verb string, params any) (json.RawMessage, error) {
	return s.corr.Call(ctx, verb, params, s.cfg.StaticTimeout)
}

// Run registers the connection, sends the handshake and processes frames
// until the lifecycle closes the connection, the peer goes away or ctx ends.
// Every call still pending on the connection is failed before Run returns.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.id = s.reg.Add(s)
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: s.id, RemoteAddr: s.remote})
	s.log.InfoContext(ctx, "session.open")

	go s.readLoop(ctx)

	s.apply(ctx, EventStart)
	for !s.lc.Closed() {
		select {
		case raw := <-s.frames:
			s.handleFrame(ctx, raw)
		case err := <-s.readErr:
			s.log.InfoContext(ctx, "session.peer_gone", slog.String("err", err.Error()))
			s.apply(ctx, EventPeerGone)
		case x := <-s.expiries:
			s.expire(ctx, x)
		case d := <-s.renders:
			s.finishRender(ctx, d)
		case <-ctx.Done():
			s.apply(ctx, EventPeerGone)
		}
	}
	close(s.done)
	return nil
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		b, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case s.readErr <- err:
			case <-s.done:
			}
			return
		}
		select {
		case s.frames <- b:
		case <-s.done:
			return
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, raw []byte) {
	f, err := wire.Parse(raw)
	if err != nil {
		s.log.DebugContext(ctx, "session.frame.discard", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithFrameData(ctx, &logctx.FrameData{Action: f.Action, Echo: f.Echo.String()})

	switch {
	case f.IsReply():
		reply := outbound.Reply{Status: f.Status, Data: f.Data, Message: f.ErrorMessage()}
		if !s.corr.Deliver(f.Echo.String(), reply) {
			s.log.DebugContext(ctx, "session.reply.unmatched")
		}
	case f.Action == wire.ActionHeartbeat:
		s.apply(ctx, EventHeartbeat)
	case f.Action == wire.ActionRender, f.Action == wire.ActionRenderHTML:
		s.beginRender(ctx, f)
	default:
		s.log.DebugContext(ctx, "session.frame.unknown_action")
	}
}

func (s *Session) beginRender(ctx context.Context, f *wire.Frame) {
	req, err := wire.DecodeRender(f.Data)
	if err != nil {
		s.log.InfoContext(ctx, "session.render.invalid", slog.String("err", err.Error()))
		s.send(ctx, wire.RenderResult(f.Echo, wire.StatusError, nil, err.Error()))
		return
	}

	s.apply(ctx, EventRenderBegin)

	inline := f.Action == wire.ActionRenderHTML
	go func() {
		start := time.Now()
		var res render.Result
		var err error
		if inline {
			res, err = s.disp.RenderInline(ctx, s.reg, s.id, req)
		} else {
			res, err = s.disp.Render(ctx, s.id, req)
		}
		select {
		case s.renders <- renderDone{echo: f.Echo, res: res, err: err, dur: time.Since(start)}:
		case <-s.done:
		}
	}()
}

func (s *Session) finishRender(ctx context.Context, d renderDone) {
	ctx = logctx.WithFrameData(ctx, &logctx.FrameData{Action: wire.ActionRenderResult, Echo: d.echo.String()})
	status := d.res.Status
	msg := d.res.Error
	if d.err != nil {
		status = wire.StatusError
		if msg == "" {
			msg = d.err.Error()
		}
		s.log.InfoContext(ctx, "session.render.fail", slog.String("err", d.err.Error()), slog.Int64("dur_ms", d.dur.Milliseconds()))
	} else {
		if status == "" {
			status = wire.StatusOK
		}
		s.log.InfoContext(ctx, "session.render.ok", slog.Int64("dur_ms", d.dur.Milliseconds()))
	}
	s.send(ctx, wire.RenderResult(d.echo, status, d.res.Data, msg))
	s.apply(ctx, EventRenderEnd)
}

func (s *Session) expire(ctx context.Context, x expiry) {
	dl := &s.grace
	if x.ev == EventActiveExpired {
		dl = &s.active
	}
	if !dl.current(x.gen) {
		return
	}
	s.apply(ctx, x.ev)
}

func (s *Session) expiryFunc(ev Event) func(gen uint64) {
	return func(gen uint64) {
		select {
		case s.expiries <- expiry{ev: ev, gen: gen}:
		case <-s.done:
		}
	}
}

// apply runs one lifecycle transition and carries out its effects in order.
func (s *Session) apply(ctx context.Context, ev Event) {
	from := s.lc.State()
	effects := s.lc.Apply(ev)
	if to := s.lc.State(); to != from {
		s.log.DebugContext(ctx, "session.transition",
			slog.String("event", ev.String()),
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.Int("active", s.lc.Active()),
			slog.Bool("maintained", s.lc.Maintained()))
	}

	for _, eff := range effects {
		switch eff {
		case EffectSendHandshake:
			s.send(ctx, wire.Handshake(wire.Capabilities{
				Application: s.cfg.Application,
				Short:       true,
				Cache:       true,
				Vue:         s.cfg.Templates,
			}))
		case EffectArmGrace:
			s.grace.arm(s.cfg.GracePeriod, s.expiryFunc(EventGraceExpired))
		case EffectArmActive:
			s.active.arm(s.cfg.ActiveTimeout, s.expiryFunc(EventActiveExpired))
		case EffectDisarmAll:
			s.grace.disarm()
			s.active.disarm()
		case EffectSendTimeout:
			s.send(ctx, wire.Timeout(s.timeoutMessage(ev)))
		case EffectClose:
			s.shutdown(ctx, ev)
		}
	}
}

func (s *Session) timeoutMessage(ev Event) string {
	if ev == EventGraceExpired {
		return fmt.Sprintf("no render request within %s", s.cfg.GracePeriod)
	}
	return fmt.Sprintf("render did not finish within %s", s.cfg.ActiveTimeout)
}

// shutdown fails every pending call, drops the registry entry and closes the
// transport, in that order.
func (s *Session) shutdown(ctx context.Context, ev Event) {
	cause := gateway.ErrClosed
	reason := "done"
	switch ev {
	case EventGraceExpired, EventActiveExpired:
		cause = fmt.Errorf("connection %s: %s: %w", s.id, ev, gateway.ErrTimeout)
		reason = "timeout"
	case EventPeerGone:
		reason = "gone"
	}
	pending := s.corr.Outstanding()
	s.corr.Close(cause)
	s.reg.Remove(s.id)
	if err := s.conn.Close(reason); err != nil {
		s.log.DebugContext(ctx, "session.close.fail", slog.String("err", err.Error()))
	}
	s.log.InfoContext(ctx, "session.closed", slog.String("reason", reason), slog.Int("failed_calls", pending))
}

func (s *Session) send(ctx context.Context, f *wire.Frame) {
	b, err := wire.Encode(f)
	if err == nil {
		err = s.writeRaw(ctx, b)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.InfoContext(ctx, "session.send.fail", slog.String("action", f.Action), slog.String("err", err.Error()))
	}
}

func (s *Session) writeRaw(ctx context.Context, b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, b)
}
