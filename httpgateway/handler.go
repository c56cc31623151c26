// Package httpgateway is the gateway's net/http surface: the WebSocket
// endpoint render clients connect to, the HTTP render API, the inline
// document and template data endpoints the render engine loads, and the
// resource proxy routes.
package httpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/elnormous/contenttype"
	gateway "github.com/ggoodman/render-gateway"
	"github.com/ggoodman/render-gateway/auth"
	"github.com/ggoodman/render-gateway/internal/engine"
	"github.com/ggoodman/render-gateway/internal/logctx"
	"github.com/ggoodman/render-gateway/internal/wire"
	"github.com/ggoodman/render-gateway/sessions"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader = "Authorization"

	// DefaultReadLimit bounds one inbound WebSocket message. Static replies
	// carry whole resources.
	DefaultReadLimit = 64 << 20
	maxJobBytes      = 8 << 20
)

// writeJSONError emits a minimal JSON body: {"error":{"code":<status>,"message":"<reason>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger    *slog.Logger
	session   engine.Config
	origins   []string
	readLimit int64
}

// WithLogger sets the slog logger used by the handler and its sessions. If
// not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithSessionConfig sets the lifecycle deadlines and handshake of every
// accepted connection.
func WithSessionConfig(sc engine.Config) Option {
	return func(c *newConfig) { c.session = sc }
}

// WithOriginPatterns restricts WebSocket origins. Default: any origin.
func WithOriginPatterns(patterns ...string) Option {
	return func(c *newConfig) { c.origins = append([]string(nil), patterns...) }
}

// WithReadLimit bounds inbound WebSocket messages.
func WithReadLimit(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// Handler routes every gateway endpoint.
type Handler struct {
	mux       *http.ServeMux
	log       *slog.Logger
	reg       *sessions.Registry
	templates *sessions.TemplateStore
	disp      engine.Dispatcher
	auth      auth.Authenticator
	session   engine.Config
	origins   []string
	readLimit int64
}

// New constructs the Handler.
//
// Required:
//   - reg: the process-wide connection registry
//   - disp: runs render jobs (usually *render.Service)
//   - proxy: serves the resource namespace (usually *resproxy.Proxy)
//   - authn: checks credentials of non-template jobs on POST /api/render
//
// templates may be nil, which disables POST /vue/getTemplate.
func New(reg *sessions.Registry, templates *sessions.TemplateStore, disp engine.Dispatcher, proxy http.Handler, authn auth.Authenticator, opts ...Option) (*Handler, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if disp == nil {
		return nil, errors.New("dispatcher is required")
	}
	if proxy == nil {
		return nil, errors.New("resource proxy is required")
	}
	if authn == nil {
		return nil, errors.New("authenticator is required")
	}

	cfg := &newConfig{logger: slog.New(slog.DiscardHandler), origins: []string{"*"}, readLimit: DefaultReadLimit}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:       logctx.WithHandler(cfg.logger),
		reg:       reg,
		templates: templates,
		disp:      disp,
		auth:      authn,
		session:   cfg.session,
		origins:   cfg.origins,
		readLimit: cfg.readLimit,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/render", h.handleWebSocket)
	mux.HandleFunc("GET /puppeteer/ws/render", h.handleWebSocket)
	mux.HandleFunc("GET /api/render", h.handleGetInline)
	mux.HandleFunc("GET /api/render/", h.handleGetInline)
	mux.HandleFunc("POST /api/render", h.handlePostRender)
	mux.HandleFunc("POST /vue/getTemplate", h.handleGetTemplate)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /resources/", proxy)
	mux.Handle("GET /plugins/", proxy)
	mux.Handle("GET /favicon.ico", proxy)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func requestData(r *http.Request) *logctx.RequestData {
	return &logctx.RequestData{Method: r.Method, UserAgent: r.UserAgent(), RemoteAddr: r.RemoteAddr, Path: r.URL.Path}
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), requestData(r))

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		// Accept has already written the HTTP error.
		h.log.InfoContext(ctx, "http.ws.accept_fail", slog.String("err", err.Error()))
		return
	}
	c.SetReadLimit(h.readLimit)

	sess := engine.NewSession(&wsConn{c: c}, h.reg, h.disp,
		engine.WithLogger(h.log),
		engine.WithConfig(h.session),
		engine.WithRemoteAddr(r.RemoteAddr),
	)
	if err := sess.Run(ctx); err != nil {
		h.log.InfoContext(ctx, "http.ws.session_fail", slog.String("err", err.Error()))
	}
}

// handleGetInline serves a registered inline document by handle.
func (h *Handler) handleGetInline(w http.ResponseWriter, r *http.Request) {
	doc, ok := h.reg.Handle(r.URL.Query().Get("hash"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"code": http.StatusNotFound, "msg": "Not Found"})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc.HTML)
}

// handlePostRender runs a job submitted over HTTP. Template jobs are public;
// every other job needs a credential the authenticator accepts.
func (h *Handler) handlePostRender(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := logctx.WithRequestData(r.Context(), requestData(r))

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxJobBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxJobBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "job too large")
		return
	}
	req, err := wire.DecodeRender(body)
	if err != nil {
		writeJSONError(w, gateway.HTTPStatus(err), err.Error())
		return
	}

	if !req.Vue {
		if err := h.auth.CheckAuthentication(ctx, r.Header.Get(authorizationHeader)); err != nil {
			h.log.InfoContext(ctx, "http.render.unauthorized", slog.String("err", err.Error()))
			writeJSON(w, http.StatusForbidden, map[string]any{"code": http.StatusForbidden, "msg": "invalid token"})
			return
		}
	}

	res, err := h.disp.Render(ctx, "", req)
	status := http.StatusOK
	if err != nil {
		status = gateway.HTTPStatus(err)
		h.log.InfoContext(ctx, "http.render.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	} else {
		h.log.InfoContext(ctx, "http.render.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}
	writeJSON(w, status, res)
}

// handleGetTemplate returns the data a hosted template page renders.
func (h *Handler) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJobBytes)).Decode(&in); err != nil || in.ID == "" || h.templates == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"code": http.StatusInternalServerError, "status": "failed", "msg": "Vue cache is not found"})
		return
	}
	tpl, ok := h.templates.Get(in.ID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "msg": "Vue Data Error"})
		return
	}
	out := map[string]any{"status": "success", "file": tpl.File}
	if tpl.Name != "" {
		out["name"] = tpl.Name
	}
	if len(tpl.Props) > 0 {
		out["props"] = tpl.Props
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connections": h.reg.Len()})
}

// wsConn adapts a WebSocket to engine.Conn. Every message is one frame.
type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, b, err := w.c.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ws read: %w", err)
	}
	return b, nil
}

func (w *wsConn) Write(ctx context.Context, b []byte) error {
	return w.c.Write(ctx, websocket.MessageText, b)
}

func (w *wsConn) Close(reason string) error {
	return w.c.Close(websocket.StatusNormalClosure, reason)
}
