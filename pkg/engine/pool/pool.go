// Package pool owns the engine workers and decides which of them hosts the
// next conference. One router is created per conference; workers are shared
// and scored by how loaded they already are.
package pool

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/weir-sfu/weir/pkg/engine"
	"github.com/weir-sfu/weir/pkg/events"
	"github.com/weir-sfu/weir/pkg/protocol"
)

// Config for the pool.
type Config struct {
	// NumWorkers is how many engine workers to spawn at boot, usually one
	// per CPU.
	NumWorkers int
	// MaxRoutersPerWorker is the router count at which a worker's load
	// score saturates.
	MaxRoutersPerWorker int
	WorkerSettings      engine.WorkerSettings
	RouterOptions       engine.RouterOptions
}

type workerState struct {
	worker      engine.Worker
	routerCount int
	lastUsed    time.Time
	cpuScore    float64
	lastUsage   engine.ResourceUsage
	lastSample  time.Time
	gone        bool
}

// Pool places conferences on the least loaded live worker. Stats refresh
// and placement are mutually exclusive, so two concurrent placements can
// never pick the same "least loaded" worker based on stale counts.
type Pool struct {
	mu      sync.Mutex
	config  Config
	engine  engine.Engine
	bus     *events.Bus
	workers []*workerState

	// onWorkerDied is invoked outside the pool lock after a worker is
	// marked gone, so the owner can tear down the conferences pinned to it.
	onWorkerDied func(worker engine.Worker, err error)
}

func New(eng engine.Engine, bus *events.Bus, config Config) *Pool {
	return &Pool{
		config: config,
		engine: eng,
		bus:    bus,
	}
}

// OnWorkerDied registers the death handler. Must be called before the first
// worker dies to be useful; deaths with no handler are still marked and
// logged, and the periodic sweep picks up the wreckage.
func (p *Pool) OnWorkerDied(fn func(worker engine.Worker, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onWorkerDied = fn
}

// Start spawns the configured number of workers.
func (p *Pool) Start(ctx context.Context) error {
	if p.config.NumWorkers <= 0 {
		return protocol.Validationf("pool needs at least one worker, got %d", p.config.NumWorkers)
	}
	if p.config.MaxRoutersPerWorker <= 0 {
		return protocol.Validationf("maxRoutersPerWorker must be positive, got %d", p.config.MaxRoutersPerWorker)
	}

	for i := 0; i < p.config.NumWorkers; i++ {
		worker, err := p.engine.CreateWorker(ctx, p.config.WorkerSettings)
		if err != nil {
			p.closeAll()
			return protocol.EngineError("failed to create worker", err)
		}

		state := &workerState{worker: worker}
		worker.OnDied(func(err error) {
			p.handleWorkerDied(state, err)
		})

		p.mu.Lock()
		p.workers = append(p.workers, state)
		p.mu.Unlock()

		logrus.WithField("pid", worker.Pid()).Info("started media worker")
	}

	return nil
}

// PlaceConference refreshes worker stats, picks the worker with the lowest
// load score and creates a new router on it. The score is
//
//	0.6 * routerCount/maxRoutersPerWorker + 0.4 * min(cpuScore/100, 1)
//
// with ties broken by least recently used. Counters stay untouched when
// router creation fails.
func (p *Pool) PlaceConference(ctx context.Context) (engine.Worker, engine.Router, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshStatsLocked(ctx)

	var best *workerState
	var bestScore float64
	for _, w := range p.workers {
		if w.gone || w.worker.Closed() {
			continue
		}

		score := p.scoreLocked(w)
		if best == nil || score < bestScore ||
			(score == bestScore && w.lastUsed.Before(best.lastUsed)) {
			best = w
			bestScore = score
		}
	}

	if best == nil {
		return nil, nil, protocol.WorkerDiedError("no live workers available", nil)
	}

	router, err := best.worker.CreateRouter(ctx, p.config.RouterOptions)
	if err != nil {
		return nil, nil, protocol.EngineError("failed to create router", err)
	}

	best.routerCount++
	best.lastUsed = time.Now()

	state := best
	router.OnClosed(func() {
		p.mu.Lock()
		state.routerCount--
		p.mu.Unlock()
	})

	logrus.WithFields(logrus.Fields{
		"pid":     best.worker.Pid(),
		"routers": best.routerCount,
		"score":   bestScore,
	}).Debug("placed conference")

	return best.worker, router, nil
}

// RefreshStats re-reads the resource usage of every live worker. Called by
// the periodic tasks between placements so that scores do not go stale on
// an idle control plane.
func (p *Pool) RefreshStats(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.refreshStatsLocked(ctx)
}

func (p *Pool) scoreLocked(w *workerState) float64 {
	routerShare := float64(w.routerCount) / float64(p.config.MaxRoutersPerWorker)
	return 0.6*routerShare + 0.4*math.Min(w.cpuScore/100, 1)
}

// refreshStatsLocked turns the engine's cumulative CPU counters into a
// percentage over the interval since the previous sample. The first sample
// of a worker only establishes the baseline.
func (p *Pool) refreshStatsLocked(ctx context.Context) {
	now := time.Now()
	for _, w := range p.workers {
		if w.gone || w.worker.Closed() {
			continue
		}

		usage, err := w.worker.GetResourceUsage(ctx)
		if err != nil {
			logrus.WithField("pid", w.worker.Pid()).WithError(err).Warn("failed to refresh worker stats")
			continue
		}

		if !w.lastSample.IsZero() {
			elapsedMs := now.Sub(w.lastSample).Seconds() * 1000
			if elapsedMs > 0 {
				w.cpuScore = math.Max(0, (usage.Total()-w.lastUsage.Total())/elapsedMs*100)
			}
		}
		w.lastUsage = usage
		w.lastSample = now
	}
}

func (p *Pool) handleWorkerDied(state *workerState, err error) {
	p.mu.Lock()
	if state.gone {
		p.mu.Unlock()
		return
	}
	state.gone = true
	hook := p.onWorkerDied
	p.mu.Unlock()

	logrus.WithField("pid", state.worker.Pid()).WithError(err).Error("media worker died")
	p.bus.Publish(events.Event{Type: events.WorkerDied, Err: err})

	if hook != nil {
		hook(state.worker, err)
	}
}

// WorkerStats is a read-only snapshot of one worker for the admin surface.
type WorkerStats struct {
	Pid         int       `json:"pid"`
	RouterCount int       `json:"routerCount"`
	CPUScore    float64   `json:"cpuScore"`
	LastUsed    time.Time `json:"lastUsed"`
	Gone        bool      `json:"gone"`
}

func (p *Pool) Stats() []WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make([]WorkerStats, 0, len(p.workers))
	for _, w := range p.workers {
		stats = append(stats, WorkerStats{
			Pid:         w.worker.Pid(),
			RouterCount: w.routerCount,
			CPUScore:    w.cpuScore,
			LastUsed:    w.lastUsed,
			Gone:        w.gone,
		})
	}

	return stats
}

// Close shuts every worker down. Routers die with their workers; the
// registry is expected to have been drained already.
func (p *Pool) Close() {
	p.closeAll()
}

// closeAll closes outside the pool lock: closing a worker closes its
// routers, and their on-close hooks take the lock to decrement counters.
func (p *Pool) closeAll() {
	p.mu.Lock()
	workers := make([]engine.Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if !w.gone {
			w.gone = true
			workers = append(workers, w.worker)
		}
	}
	p.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
}
