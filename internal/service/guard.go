package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// ErrSyncRunning is returned when a sync for the same component is in flight.
var ErrSyncRunning = errors.New("sync already running for this component")

// syncRuns tracks component sync runs. A component has at most one run at a
// time, and shutdown can wait for every run, foreground or background, to
// leave the stores alone.
type syncRuns struct {
	mu     sync.Mutex
	active map[string]time.Time
	wg     sync.WaitGroup
}

// begin claims name. The returned func releases it and must be called once.
func (r *syncRuns) begin(name string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if since, ok := r.active[name]; ok {
		return nil, fmt.Errorf("%w: %s (started %s ago)", ErrSyncRunning, name, time.Since(since).Round(time.Millisecond))
	}
	if r.active == nil {
		r.active = make(map[string]time.Time)
	}
	r.active[name] = time.Now()
	r.wg.Add(1)
	return func() {
		r.mu.Lock()
		delete(r.active, name)
		r.mu.Unlock()
		r.wg.Done()
	}, nil
}

// spawn runs fn on its own goroutine. It is counted before spawn returns, so
// a wait that starts afterwards cannot miss it.
func (r *syncRuns) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// names returns the components with a run in flight, sorted.
func (r *syncRuns) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := lo.Keys(r.active)
	slices.Sort(out)
	return out
}

// wait blocks until no run is left or ctx is done.
func (r *syncRuns) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
