// Package httpengine implements render.Renderer by forwarding jobs to an
// external render service over HTTP.
package httpengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	gateway "github.com/ggoodman/render-gateway"
	"github.com/ggoodman/render-gateway/render"
)

// maxResultBytes caps the result body read from the engine.
const maxResultBytes = 64 << 20

// Engine POSTs each job as JSON to URL and decodes a render.Result.
type Engine struct {
	url    string
	client *http.Client
}

var _ render.Renderer = (*Engine)(nil)

type Option func(*Engine)

// WithHTTPClient overrides http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.client = c }
}

func New(url string, opts ...Option) (*Engine, error) {
	if url == "" {
		return nil, errors.New("httpengine: empty engine url")
	}
	e := &Engine{url: url, client: http.DefaultClient}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

func (e *Engine) Render(ctx context.Context, job render.Job) (render.Result, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return render.Result{}, fmt.Errorf("httpengine: encode job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return render.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return render.Result{}, fmt.Errorf("%w: %w", gateway.ErrTimeout, ctx.Err())
		}
		return render.Result{}, fmt.Errorf("%w: %w", gateway.ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBytes))
	if err != nil {
		return render.Result{}, fmt.Errorf("%w: read result: %w", gateway.ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return render.Result{}, fmt.Errorf("%w: engine responded %d: %s", gateway.ErrUpstream, resp.StatusCode, bytes.TrimSpace(raw))
	}
	var res render.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return render.Result{}, fmt.Errorf("%w: decode result: %w", gateway.ErrUpstream, err)
	}
	return res, nil
}
