package engine

import (
	"sync"
	"time"
)

// deadline is one cancellable timer owned by a session. Each arm bumps a
// generation; a fire carries the generation it was armed with, so a fire
// that raced with disarm or rearm is recognized as stale by the owner.
type deadline struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// arm (re)starts the deadline. fire runs on the timer goroutine with the
// generation of this arm.
func (d *deadline) arm(after time.Duration, fire func(gen uint64)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(after, func() { fire(gen) })
}

func (d *deadline) disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

// current reports whether gen is the generation of the armed timer.
func (d *deadline) current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil && d.gen == gen
}

func (d *deadline) armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
