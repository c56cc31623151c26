package render

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	gateway "github.com/ggoodman/render-gateway"
	"github.com/ggoodman/render-gateway/internal/wire"
	"github.com/ggoodman/render-gateway/sessions"
)

// Service turns decoded render requests into jobs and runs them.
type Service struct {
	renderer  Renderer
	templates *sessions.TemplateStore
	publicURL string
}

// NewService returns a Service that addresses template and inline pages
// under publicURL. templates may be nil to disable template renders.
func NewService(r Renderer, templates *sessions.TemplateStore, publicURL string) *Service {
	return &Service{renderer: r, templates: templates, publicURL: strings.TrimRight(publicURL, "/")}
}

// Templates reports whether template renders are enabled.
func (s *Service) Templates() bool { return s.templates != nil }

// Render runs req. Template requests point the engine at the hosted template
// page; the template data lives only for the duration of the call. connID
// names the connection that submitted req, or is empty for HTTP jobs; the
// job carries it so resource requests reach the owning connection. The
// returned Result is always safe to send; err is set when it is a failure.
func (s *Service) Render(ctx context.Context, connID string, req *wire.RenderRequest) (Result, error) {
	job := Job(req.Job())
	job.SetIdentity(connID)
	if req.Vue {
		if s.templates == nil {
			err := fmt.Errorf("%w: template renders are disabled", gateway.ErrProtocol)
			return Failed(err), err
		}
		id := s.templates.Add(req.File, req.Name, req.Props)
		defer s.templates.Delete(id)
		tpl := req.VueTemplate
		if tpl == "" {
			tpl = "default"
		}
		job.Set("file", fmt.Sprintf("%s/vue/%s/?id=%s", s.publicURL, url.PathEscape(tpl), url.QueryEscape(id)))
	}
	return s.run(ctx, job, req.Encoding)
}

// RenderInline registers req.File as an inline document owned by connID,
// renders the page that serves it and drops the handle afterwards.
func (s *Service) RenderInline(ctx context.Context, reg *sessions.Registry, connID string, req *wire.RenderRequest) (Result, error) {
	h := reg.RegisterHandle(connID, req.File)
	defer reg.DropHandle(h)

	job := Job(req.Job())
	job.SetIdentity(connID)
	job.Set("file", s.publicURL+"/api/render?hash="+url.QueryEscape(h))
	job.Set("hash", h)
	return s.run(ctx, job, req.Encoding)
}

func (s *Service) run(ctx context.Context, job Job, encoding string) (Result, error) {
	res, err := s.renderer.Render(ctx, job)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", gateway.ErrTimeout, err)
		}
		return Failed(err), err
	}
	if res.Status == "" {
		res.Status = StatusOK
	}
	if !res.OK() {
		return res, fmt.Errorf("%w: %s", gateway.ErrUpstream, res.Error)
	}
	if encoding == wire.EncodingBase64 {
		res.Data = PrefixBase64(res.Data)
	}
	return res, nil
}
