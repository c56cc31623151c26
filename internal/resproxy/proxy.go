// Package resproxy serves the static resources a render references by
// fetching them from the render client that owns them, through the
// connection's correlator and behind the content-addressed cache.
package resproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	gateway "github.com/ggoodman/render-gateway"
	"github.com/ggoodman/render-gateway/cachestore"
	"github.com/ggoodman/render-gateway/internal/logctx"
	"github.com/ggoodman/render-gateway/internal/wire"
	"github.com/ggoodman/render-gateway/sessions"
	"golang.org/x/sync/singleflight"
)

// IdentityHeader is the request header Identity reads first.
const IdentityHeader = sessions.IdentityHeader

var jsonMediaType = contenttype.NewMediaType("application/json")

// errStaleOffer is returned when the client answers "unchanged" for a digest
// the cache no longer holds.
var errStaleOffer = errors.New("unchanged reply names a digest that is not cached")

// Resolver maps an identity token to a live connection.
type Resolver interface {
	Resolve(token string) (client sessions.Client, connID string, ok bool)
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) {
		if l != nil {
			p.log = logctx.WithHandler(l)
		}
	}
}

// WithFavicon serves the given local file for /favicon.ico instead of asking
// the client.
func WithFavicon(path string) Option {
	return func(p *Proxy) { p.favicon = path }
}

// Proxy is the http.Handler for the resource namespace.
type Proxy struct {
	reg     Resolver
	cache   *cachestore.Store
	log     *slog.Logger
	favicon string

	group singleflight.Group
}

var _ http.Handler = (*Proxy)(nil)

func New(reg Resolver, cache *cachestore.Store, opts ...Option) *Proxy {
	p := &Proxy{reg: reg, cache: cache, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Identity extracts the identity token from the request: the
// X-Renderer-Id header, else the hash query parameter of the Referer.
func Identity(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(IdentityHeader)); id != "" {
		return id
	}
	ref := r.Header.Get("Referer")
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return u.Query().Get("hash")
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	token := Identity(r)
	if token == "" {
		writeJSONError(w, http.StatusNotFound, "no renderer identity")
		return
	}
	if r.URL.Path == "/favicon.ico" && p.favicon != "" {
		w.Header().Set("Content-Type", ContentType(r.URL.Path))
		http.ServeFile(w, r, p.favicon)
		return
	}

	client, connID, ok := p.reg.Resolve(token)
	if !ok {
		p.log.InfoContext(ctx, "resproxy.identity.unknown")
		writeJSONError(w, http.StatusNotFound, "unknown renderer")
		return
	}

	start := time.Now()
	key := r.URL.RequestURI()
	data, err := p.Fetch(ctx, client, connID, key)
	if err != nil {
		status := gateway.HTTPStatus(err)
		p.log.InfoContext(ctx, "resproxy.fetch.fail", slog.String("err", err.Error()), slog.Int("status", status), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		writeJSONError(w, status, err.Error())
		return
	}
	p.log.DebugContext(ctx, "resproxy.fetch.ok", slog.Int("bytes", len(data)), slog.Int64("dur_ms", time.Since(start).Milliseconds()))

	// Stored content types are not trusted; the path decides.
	w.Header().Set("Content-Type", ContentType(r.URL.Path))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Fetch returns the bytes of key as owned by client. Concurrent fetches of
// the same key over the same connection share one callback.
func (p *Proxy) Fetch(ctx context.Context, client sessions.Client, connID, key string) ([]byte, error) {
	v, err, _ := p.group.Do(connID+"\x00"+key, func() (any, error) {
		// The shared call outlives any single waiter; the correlator's
		// timeout still bounds it.
		return p.fetch(context.WithoutCancel(ctx), client, key)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (p *Proxy) fetch(ctx context.Context, client sessions.Client, key string) ([]byte, error) {
	cached := p.cache.Lookup(ctx, key)
	data, err := p.call(ctx, client, key, cached)
	if errors.Is(err, errStaleOffer) && len(cached) > 0 {
		p.log.InfoContext(ctx, "resproxy.fetch.stale_offer", slog.String("key", key))
		data, err = p.call(ctx, client, key, nil)
	}
	if errors.Is(err, errStaleOffer) {
		return nil, fmt.Errorf("%w: %s: %w", gateway.ErrUpstream, key, err)
	}
	return data, err
}

// call asks the client for key, offering the digests in cached.
func (p *Proxy) call(ctx context.Context, client sessions.Client, key string, cached cachestore.Entries) ([]byte, error) {
	raw, err := client.Call(ctx, wire.ActionStatic, wire.StaticParams{File: key, Digests: cached.Digests()})
	if err != nil {
		return nil, fmt.Errorf("static %s: %w", key, err)
	}
	reply, err := wire.DecodeStatic(raw)
	if err != nil {
		return nil, fmt.Errorf("static %s: %w", key, err)
	}

	if reply.Unchanged {
		e, ok := cached[strings.ToLower(reply.Digest)]
		if !ok {
			return nil, errStaleOffer
		}
		return e.Data, nil
	}

	data := []byte(reply.File.Data)
	digest := cachestore.Digest(data)
	if reply.Digest != "" && !strings.EqualFold(reply.Digest, digest) {
		return nil, fmt.Errorf("%w: %s announced digest %s, payload hashes to %s", gateway.ErrIntegrity, key, reply.Digest, digest)
	}
	entry := cachestore.Entry{Data: data, Origin: key, ContentType: ContentType(key), Digest: digest}
	if err := p.cache.Put(ctx, key, entry); err != nil {
		// The bytes are verified; a cache write failure only costs a refetch.
		p.log.WarnContext(ctx, "resproxy.cache.put_fail", slog.String("key", key), slog.String("err", err.Error()))
	}
	return data, nil
}

// writeJSONError emits {"error":{"code":<status>,"message":"<reason>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
