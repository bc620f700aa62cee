package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	obs "github.com/CloverLabsAI/roverfox/internal/infrastructure/observability"
)

// PoolTarget receives the current set of backend endpoints whenever the pool
// changes. The proxy implements it.
type PoolTarget interface {
	SetBackends(endpoints []string)
}

// Orchestrator keeps a fixed-size pool of browser servers alive. Crashed
// backends are restarted after a short delay, up to a bounded number of
// consecutive attempts; a successful restart resets the counter.
type Orchestrator struct {
	mu sync.Mutex

	log     zerolog.Logger
	metrics *obs.Metrics

	launcher Launcher
	target   PoolTarget

	count           int
	maxRestarts     int
	restartDelay    time.Duration
	restartAttempts int
	shuttingDown    bool

	backends []Backend
	wg       sync.WaitGroup
}

func NewOrchestrator(log zerolog.Logger, metrics *obs.Metrics, launcher Launcher, target PoolTarget, count, maxRestarts int, restartDelay time.Duration) *Orchestrator {
	return &Orchestrator{
		log:          log.With().Str("component", "orchestrator").Logger(),
		metrics:      metrics,
		launcher:     launcher,
		target:       target,
		count:        count,
		maxRestarts:  maxRestarts,
		restartDelay: restartDelay,
	}
}

// Start launches the full pool. Any launch failure tears down what was
// already started and fails the whole startup.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.log.Info().Int("count", o.count).Msg("launching browser servers")
	for i := 0; i < o.count; i++ {
		b, err := o.launcher.Launch(ctx)
		if err != nil {
			o.Shutdown()
			return fmt.Errorf("launch browser server %d/%d: %w", i+1, o.count, err)
		}
		o.mu.Lock()
		o.backends = append(o.backends, b)
		o.mu.Unlock()
		o.watch(ctx, b)
	}
	o.publish()
	o.log.Info().Int("count", o.count).Msg("all browser servers launched")
	return nil
}

// Endpoints snapshots the live pool's endpoints.
func (o *Orchestrator) Endpoints() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endpointsLocked()
}

func (o *Orchestrator) endpointsLocked() []string {
	out := make([]string, 0, len(o.backends))
	for _, b := range o.backends {
		out = append(out, b.Endpoint())
	}
	return out
}

func (o *Orchestrator) publish() {
	o.mu.Lock()
	endpoints := o.endpointsLocked()
	o.mu.Unlock()
	o.target.SetBackends(endpoints)
}

func (o *Orchestrator) watch(ctx context.Context, b Backend) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-b.Done():
			o.handleCrash(ctx, b)
		case <-ctx.Done():
		}
	}()
}

func (o *Orchestrator) handleCrash(ctx context.Context, crashed Backend) {
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return
	}
	for i, b := range o.backends {
		if b == crashed {
			o.backends = append(o.backends[:i], o.backends[i+1:]...)
			break
		}
	}
	if o.restartAttempts >= o.maxRestarts {
		o.mu.Unlock()
		o.publish()
		o.log.Error().Int("maxAttempts", o.maxRestarts).
			Msg("browser server crashed, restart budget exhausted, manual intervention required")
		return
	}
	o.restartAttempts++
	attempt := o.restartAttempts
	o.mu.Unlock()

	// Clients bound to the dead backend are not rescued; the shrunken pool
	// takes effect immediately so new clients avoid it.
	o.publish()
	o.metrics.BackendRestarts.Inc()
	o.log.Warn().Int("attempt", attempt).Int("maxAttempts", o.maxRestarts).
		Msg("browser server crashed, restarting")

	select {
	case <-time.After(o.restartDelay):
	case <-ctx.Done():
		return
	}

	replacement, err := o.launcher.Launch(ctx)
	if err != nil {
		// Budget stays spent; the next crash may retry if attempts remain.
		o.log.Error().Err(err).Msg("browser server restart failed")
		return
	}

	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		_ = replacement.Close()
		return
	}
	o.backends = append(o.backends, replacement)
	o.restartAttempts = 0
	o.mu.Unlock()

	o.publish()
	o.watch(ctx, replacement)
	o.log.Info().Str("endpoint", replacement.Endpoint()).Msg("browser server restarted")
}

// Shutdown closes every backend and waits for the watchers to drain.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	o.shuttingDown = true
	backends := append([]Backend(nil), o.backends...)
	o.backends = nil
	o.mu.Unlock()

	for _, b := range backends {
		_ = b.Close()
	}
	o.wg.Wait()
}
