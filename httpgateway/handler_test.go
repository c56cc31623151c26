package httpgateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/ggoodman/render-gateway/auth"
	"github.com/ggoodman/render-gateway/cachestore"
	"github.com/ggoodman/render-gateway/internal/engine"
	"github.com/ggoodman/render-gateway/internal/resproxy"
	"github.com/ggoodman/render-gateway/render"
	"github.com/ggoodman/render-gateway/sessions"
)

const testToken = "Karin-Puppeteer"

type harness struct {
	srv       *httptest.Server
	reg       *sessions.Registry
	templates *sessions.TemplateStore

	mu   sync.Mutex
	jobs []render.Job
}

func (h *harness) lastJob(t *testing.T) render.Job {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.jobs) == 0 {
		t.Fatal("renderer never called")
	}
	return h.jobs[len(h.jobs)-1]
}

// newHarness serves a full gateway. fn runs inside the renderer with the
// server's base URL; when nil the renderer echoes "rendered".
func newHarness(t *testing.T, fn func(ctx context.Context, base string, job render.Job) (render.Result, error)) *harness {
	t.Helper()

	h := &harness{reg: sessions.NewRegistry(), templates: sessions.NewTemplateStore()}
	var handler http.Handler
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(h.srv.Close)

	renderer := render.RendererFunc(func(ctx context.Context, job render.Job) (render.Result, error) {
		h.mu.Lock()
		h.jobs = append(h.jobs, job)
		h.mu.Unlock()
		if fn != nil {
			return fn(ctx, h.srv.URL, job)
		}
		return render.Result{Status: render.StatusOK, Data: json.RawMessage(`"rendered"`)}, nil
	})
	svc := render.NewService(render.NewPool(renderer, 4, 5*time.Second), h.templates, h.srv.URL)

	cache, err := cachestore.New(cachestore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cache.Close(context.Background()) })

	authn, err := auth.NewStaticToken(testToken)
	if err != nil {
		t.Fatal(err)
	}
	gw, err := New(h.reg, h.templates, svc, resproxy.New(h.reg, cache), authn,
		WithSessionConfig(engine.Config{Templates: true, GracePeriod: 2 * time.Second}),
	)
	if err != nil {
		t.Fatal(err)
	}
	handler = gw
	return h
}

func postJSON(t *testing.T, url, authz string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	reg := sessions.NewRegistry()
	svc := render.NewService(render.RendererFunc(func(context.Context, render.Job) (render.Result, error) {
		return render.Result{}, nil
	}), nil, "http://localhost")
	authn, _ := auth.NewStaticToken("x")
	proxy := http.NotFoundHandler()

	if _, err := New(nil, nil, svc, proxy, authn); err == nil {
		t.Error("nil registry accepted")
	}
	if _, err := New(reg, nil, nil, proxy, authn); err == nil {
		t.Error("nil dispatcher accepted")
	}
	if _, err := New(reg, nil, svc, nil, authn); err == nil {
		t.Error("nil proxy accepted")
	}
	if _, err := New(reg, nil, svc, proxy, nil); err == nil {
		t.Error("nil authenticator accepted")
	}
}

func TestPostRenderRequiresToken(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	job := map[string]any{"file": "https://example.com"}
	if resp := postJSON(t, h.srv.URL+"/api/render", "", job); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("no token: status %d, want 403", resp.StatusCode)
	}
	if resp := postJSON(t, h.srv.URL+"/api/render", "Bearer wrong", job); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong token: status %d, want 403", resp.StatusCode)
	}

	resp := postJSON(t, h.srv.URL+"/api/render", testToken, job)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	if body["status"] != render.StatusOK || body["data"] != render.Base64Prefix+"rendered" {
		t.Fatalf("body = %v", body)
	}
	if got := h.lastJob(t).File(); got != "https://example.com" {
		t.Fatalf("job file = %q", got)
	}
}

func TestPostRenderTemplateIsPublic(t *testing.T) {
	t.Parallel()

	var fetched map[string]any
	h := newHarness(t, func(ctx context.Context, base string, job render.Job) (render.Result, error) {
		// The template page reads its data back from the gateway.
		id := job.File()[strings.Index(job.File(), "?id=")+len("?id="):]
		b, _ := json.Marshal(map[string]string{"id": id})
		resp, err := http.Post(base+"/vue/getTemplate", "application/json", bytes.NewReader(b))
		if err != nil {
			return render.Result{}, err
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
			return render.Result{}, err
		}
		return render.Result{Status: render.StatusOK, Data: json.RawMessage(`"png"`)}, nil
	})

	resp := postJSON(t, h.srv.URL+"/api/render", "", map[string]any{
		"file":  "card.vue",
		"vue":   true,
		"name":  "card",
		"props": map[string]any{"title": "hi"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	if !strings.HasPrefix(h.lastJob(t).File(), h.srv.URL+"/vue/default/?id=") {
		t.Fatalf("job file = %q", h.lastJob(t).File())
	}
	if fetched["status"] != "success" || fetched["file"] != "card.vue" || fetched["name"] != "card" {
		t.Fatalf("template data = %v", fetched)
	}
	if props, _ := fetched["props"].(map[string]any); props["title"] != "hi" {
		t.Fatalf("props = %v", fetched["props"])
	}
	if h.templates.Len() != 0 {
		t.Fatalf("template data outlived the render: %d left", h.templates.Len())
	}
}

func TestPostRenderRejectsBadInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp, err := http.Post(h.srv.URL+"/api/render", "text/plain", strings.NewReader(`{"file":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("text/plain: status %d, want 415", resp.StatusCode)
	}

	if resp := postJSON(t, h.srv.URL+"/api/render", testToken, map[string]any{"encoding": "binary"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing file: status %d, want 400", resp.StatusCode)
	}
}

func TestPostRenderUpstreamFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(context.Context, string, render.Job) (render.Result, error) {
		return render.Result{Status: render.StatusError, Error: "navigation failed"}, nil
	})

	resp := postJSON(t, h.srv.URL+"/api/render", testToken, map[string]any{"file": "https://example.com"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status %d, want 502", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != render.StatusError || body["error"] != "navigation failed" {
		t.Fatalf("body = %v", body)
	}
}

func TestGetTemplateMissing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp := postJSON(t, h.srv.URL+"/vue/getTemplate", "", map[string]any{"id": "nope"})
	if body := decodeBody(t, resp); resp.StatusCode != http.StatusOK || body["status"] != "failed" || body["msg"] != "Vue Data Error" {
		t.Fatalf("unknown id: %d %v", resp.StatusCode, body)
	}
	resp = postJSON(t, h.srv.URL+"/vue/getTemplate", "", map[string]any{})
	if body := decodeBody(t, resp); resp.StatusCode != http.StatusInternalServerError || body["msg"] != "Vue cache is not found" {
		t.Fatalf("missing id: %d %v", resp.StatusCode, body)
	}
}

func TestInlineDocument(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	handle := h.reg.RegisterHandle("conn-1", "<p>hello</p>")
	resp, err := http.Get(h.srv.URL + "/api/render?hash=" + handle)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "<p>hello</p>" {
		t.Fatalf("got %d %q", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type %q", ct)
	}

	h.reg.DropHandle(handle)
	resp2, err := http.Get(h.srv.URL + "/api/render?hash=" + handle)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("dropped handle: status %d, want 404", resp2.StatusCode)
	}
}

func TestResourcesRequireIdentity(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp, err := http.Get(h.srv.URL + "/resources/app.css")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d, want 404", resp.StatusCode)
	}
}

// wsClient plays a render client over a real WebSocket.
type wsClient struct {
	t *testing.T
	c *websocket.Conn
}

func dialClient(t *testing.T, h *harness) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(h.srv.URL, "http")+"/ws/render", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return &wsClient{t: t, c: c}
}

func (w *wsClient) send(v any) {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		w.t.Fatal(err)
	}
	if err := w.c.Write(ctx, websocket.MessageText, b); err != nil {
		w.t.Fatalf("write: %v", err)
	}
}

func (w *wsClient) read() map[string]json.RawMessage {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := w.c.Read(ctx)
	if err != nil {
		w.t.Fatalf("read: %v", err)
	}
	var f map[string]json.RawMessage
	if err := json.Unmarshal(b, &f); err != nil {
		w.t.Fatalf("frame %s: %v", b, err)
	}
	return f
}

func (w *wsClient) expect(action string) map[string]json.RawMessage {
	w.t.Helper()
	f := w.read()
	if got := string(f["action"]); got != fmt.Sprintf("%q", action) {
		w.t.Fatalf("action %s, want %q", got, action)
	}
	return f
}

func TestWebSocketRender(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	c := dialClient(t, h)

	hs := c.expect("protocol")
	var caps map[string]any
	if err := json.Unmarshal(hs["data"], &caps); err != nil {
		t.Fatal(err)
	}
	if caps["short"] != true || caps["cache"] != true || caps["vue"] != true {
		t.Fatalf("capabilities = %v", caps)
	}

	c.send(map[string]any{"action": "render", "echo": 7, "data": map[string]any{"file": "https%3A%2F%2Fexample.com"}})
	res := c.expect("renderRes")
	if string(res["echo"]) != "7" || string(res["status"]) != `"ok"` {
		t.Fatalf("renderRes = %v", res)
	}
	if got := string(res["data"]); got != fmt.Sprintf("%q", render.Base64Prefix+"rendered") {
		t.Fatalf("data = %s", got)
	}
	if got := h.lastJob(t).File(); got != "https://example.com" {
		t.Fatalf("job file = %q", got)
	}

	// The only render finished and no heartbeat was sent: the gateway closes.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("read after render: %v, want normal closure", err)
	}
}

func TestWebSocketInlineRenderFetchesResources(t *testing.T) {
	t.Parallel()

	css := []byte("body{color:red}")
	type fetched struct {
		page, css   string
		contentType string
	}
	results := make(chan fetched, 1)
	h := newHarness(t, func(ctx context.Context, base string, job render.Job) (render.Result, error) {
		// Behave like a browser: load the page, then a resource it links,
		// naming the page as referer.
		page, err := httpGet(ctx, job.File(), "")
		if err != nil {
			return render.Result{}, err
		}
		resp, err := httpGetResp(ctx, base+"/resources/app.css", job.File())
		if err != nil {
			return render.Result{}, err
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return render.Result{}, fmt.Errorf("resource status %d: %s", resp.StatusCode, b)
		}
		results <- fetched{page: page, css: string(b), contentType: resp.Header.Get("Content-Type")}
		return render.Result{Status: render.StatusOK, Data: json.RawMessage(`"shot"`)}, nil
	})
	c := dialClient(t, h)
	c.expect("protocol")

	c.send(map[string]any{"action": "renderHtml", "echo": "r1", "data": map[string]any{"file": `<link href="/resources/app.css">`}})

	call := c.expect("static")
	var params struct {
		File    string   `json:"file"`
		Digests []string `json:"digests"`
	}
	if err := json.Unmarshal(call["params"], &params); err != nil {
		t.Fatal(err)
	}
	if params.File != "/resources/app.css" || len(params.Digests) != 0 {
		t.Fatalf("static params = %+v", params)
	}
	c.send(map[string]any{
		"action": "static",
		"echo":   call["echo"],
		"status": "ok",
		"data":   map[string]any{"digest": cachestore.Digest(css), "file": map[string]any{"data": css}},
	})

	res := c.expect("renderRes")
	if string(res["echo"]) != `"r1"` || string(res["status"]) != `"ok"` {
		t.Fatalf("renderRes = %v", res)
	}

	got := <-results
	if got.page != `<link href="/resources/app.css">` {
		t.Fatalf("page = %q", got.page)
	}
	if got.css != string(css) || !strings.HasPrefix(got.contentType, "text/css") {
		t.Fatalf("resource = %q (%s)", got.css, got.contentType)
	}
	if hash := h.lastJob(t).String("hash"); !strings.HasPrefix(hash, sessions.HandlePrefix) {
		t.Fatalf("job hash = %q", hash)
	}
}

func TestWebSocketRenderFetchesResourcesByIdentityHeader(t *testing.T) {
	t.Parallel()

	logo := []byte("\x89PNG logo")
	type fetched struct {
		status      int
		body        string
		contentType string
	}
	results := make(chan fetched, 1)
	h := newHarness(t, func(ctx context.Context, base string, job render.Job) (render.Result, error) {
		// A page engine sends the job's extra headers with every request
		// the page makes.
		var headers map[string]string
		if err := json.Unmarshal(job[render.FieldHeaders], &headers); err != nil {
			return render.Result{}, fmt.Errorf("job headers: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/resources/img/logo.png", nil)
		if err != nil {
			return render.Result{}, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return render.Result{}, err
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		results <- fetched{status: resp.StatusCode, body: string(b), contentType: resp.Header.Get("Content-Type")}
		return render.Result{Status: render.StatusOK, Data: json.RawMessage(`"shot"`)}, nil
	})
	c := dialClient(t, h)
	c.expect("protocol")

	c.send(map[string]any{"action": "render", "echo": "p1", "data": map[string]any{"file": "file:///srv/page.html"}})

	call := c.expect("static")
	var params struct {
		File string `json:"file"`
	}
	if err := json.Unmarshal(call["params"], &params); err != nil {
		t.Fatal(err)
	}
	if params.File != "/resources/img/logo.png" {
		t.Fatalf("static file = %q", params.File)
	}
	c.send(map[string]any{
		"action": "static",
		"echo":   call["echo"],
		"status": "ok",
		"data":   map[string]any{"digest": cachestore.Digest(logo), "file": map[string]any{"data": logo}},
	})

	res := c.expect("renderRes")
	if string(res["echo"]) != `"p1"` || string(res["status"]) != `"ok"` {
		t.Fatalf("renderRes = %v", res)
	}
	got := <-results
	if got.status != http.StatusOK || got.body != string(logo) || got.contentType != "image/png" {
		t.Fatalf("resource = %d %q (%s)", got.status, got.body, got.contentType)
	}
	if id := h.lastJob(t).String(render.FieldRendererID); id == "" {
		t.Fatal("job has no rendererId")
	}
}

func TestWebSocketGraceTimeout(t *testing.T) {
	t.Parallel()

	h := &harness{}
	reg := sessions.NewRegistry()
	svc := render.NewService(render.RendererFunc(func(context.Context, render.Job) (render.Result, error) {
		return render.Result{}, errors.New("unused")
	}), nil, "http://localhost")
	authn, _ := auth.NewStaticToken("x")
	gw, err := New(reg, nil, svc, http.NotFoundHandler(), authn,
		WithSessionConfig(engine.Config{GracePeriod: 50 * time.Millisecond}),
	)
	if err != nil {
		t.Fatal(err)
	}
	h.srv = httptest.NewServer(gw)
	t.Cleanup(h.srv.Close)

	c := dialClient(t, h)
	c.expect("protocol")
	c.expect("timeout")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = c.c.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
		t.Fatalf("read after timeout: %v, want normal closure", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	resp, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if body := decodeBody(t, resp); body["connections"] != float64(0) {
		t.Fatalf("body = %v", body)
	}
}

func httpGetResp(ctx context.Context, url, referer string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	return http.DefaultClient.Do(req)
}

func httpGet(ctx context.Context, url, referer string) (string, error) {
	resp, err := httpGetResp(ctx, url, referer)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return string(b), nil
}
