package render

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultConcurrency = 10
	DefaultTimeout     = 90 * time.Second
)

// Pool bounds the number of jobs running on a Renderer at once. Callers
// beyond the bound wait for a slot or for their context.
type Pool struct {
	r       Renderer
	sem     *semaphore.Weighted
	timeout time.Duration
}

var _ Renderer = (*Pool)(nil)

// NewPool wraps r. size <= 0 selects DefaultConcurrency; timeout <= 0
// selects DefaultTimeout.
func NewPool(r Renderer, size int64, timeout time.Duration) *Pool {
	if size <= 0 {
		size = DefaultConcurrency
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pool{r: r, sem: semaphore.NewWeighted(size), timeout: timeout}
}

func (p *Pool) Render(ctx context.Context, job Job) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer p.sem.Release(1)
	return p.r.Render(ctx, job)
}
