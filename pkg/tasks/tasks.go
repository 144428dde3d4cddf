// Package tasks runs the background housekeeping of the server: worker
// stats refresh and the conference cleanup sweep, on one shared timer.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/engine/pool"
	"github.com/weir-sfu/weir/pkg/routing"
)

// Runner fires the periodic jobs until closed. Close blocks until the loop
// has fully stopped, so shutdown can safely tear the pool and registry down
// right after.
type Runner struct {
	interval time.Duration
	pool     *pool.Pool
	registry *routing.Registry
	logger   *logrus.Entry

	stopOnce sync.Once
	done     chan struct{}
	stopped  chan struct{}
}

func NewRunner(p *pool.Pool, registry *routing.Registry, interval time.Duration) *Runner {
	r := &Runner{
		interval: interval,
		pool:     p,
		registry: registry,
		logger:   logrus.WithField("component", "tasks"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.run()

	return r
}

func (r *Runner) run() {
	defer close(r.stopped)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.tick()
		}
	}
}

func (r *Runner) tick() {
	// The tick must never outlive its period, or a hung engine call would
	// pile sweeps on top of each other.
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	r.pool.RefreshStats(ctx)
	if removed := r.registry.Sweep(ctx); removed > 0 {
		r.logger.WithField("removed", removed).Info("sweep removed conferences")
	}
}

// Close stops the timer and waits for an in-flight tick to finish.
func (r *Runner) Close() {
	r.stopOnce.Do(func() { close(r.done) })
	<-r.stopped
}
