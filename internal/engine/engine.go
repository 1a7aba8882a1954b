package engine

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/you/streamscout/internal/config"
	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/discovery"
	"github.com/you/streamscout/internal/identity"
	"github.com/you/streamscout/internal/pool"
	"github.com/you/streamscout/internal/session"
	"github.com/you/streamscout/internal/sink"
	"github.com/you/streamscout/internal/store"
)

// Engine owns the discovery loop and wires discovery, pool, tracker, and
// sink together. One value constructed at process start with explicit
// Start/Shutdown; no lazy singletons.
type Engine struct {
	st       store.Store
	disc     map[core.Platform]*discovery.Discoverer
	pool     *pool.Manager
	batcher  *sink.Batcher
	resolver *identity.Resolver
	tracker  *session.Tracker
	metrics  *Metrics

	mu          sync.Mutex
	cfg         config.Config
	running     bool
	lastTick    time.Time
	lastError   string
	discovered  map[core.Platform]int
	catRefresh  map[core.Platform]time.Time
	cancel      context.CancelFunc
	loopDone    chan struct{}
	tickTrigger chan struct{}
}

type Deps struct {
	Store       store.Store
	Discoverers map[core.Platform]*discovery.Discoverer
	Pool        *pool.Manager
	Batcher     *sink.Batcher
	Resolver    *identity.Resolver
	Tracker     *session.Tracker
}

func New(cfg config.Config, deps Deps) *Engine {
	return &Engine{
		st:          deps.Store,
		disc:        deps.Discoverers,
		pool:        deps.Pool,
		batcher:     deps.Batcher,
		resolver:    deps.Resolver,
		tracker:     deps.Tracker,
		metrics:     newMetrics(),
		cfg:         cfg,
		discovered:  make(map[core.Platform]int),
		catRefresh:  make(map[core.Platform]time.Time),
		tickTrigger: make(chan struct{}, 1),
	}
}

// Start runs the first discovery tick synchronously; its failure is fatal to
// service start. Every later tick failure is logged and retried on the next
// schedule. Ticks are not mutually exclusive: a slow tick does not block the
// timer, and all pool operations are safe under overlap.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine: already running")
	}
	e.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.loopDone = make(chan struct{})
	e.mu.Unlock()

	if err := e.tick(loopCtx); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		cancel()
		return fmt.Errorf("engine: first discovery tick: %w", err)
	}

	go e.loop(loopCtx)
	slog.Info("engine: started", "interval", e.interval().String())
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer close(e.loopDone)
	timer := time.NewTimer(e.interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.tickTrigger:
		case <-timer.C:
		}
		timer.Reset(e.interval())

		go func() {
			if err := e.tick(ctx); err != nil && ctx.Err() == nil {
				log.Printf("engine: discovery tick failed, retrying next schedule: %v", err)
			}
		}()
	}
}

// TriggerDiscovery schedules an immediate tick, for the admin surface.
func (e *Engine) TriggerDiscovery() {
	select {
	case e.tickTrigger <- struct{}{}:
	default:
	}
}

// tick runs one poll → rank → reconcile cycle across all platforms
// concurrently. Each platform's rate limiter is independent, so polling one
// never stalls the other.
func (e *Engine) tick(ctx context.Context) error {
	started := time.Now()
	cap := e.maxConns()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for platform, disc := range e.disc {
		wg.Add(1)
		go func(platform core.Platform, disc *discovery.Discoverer) {
			defer wg.Done()
			if err := e.tickPlatform(ctx, platform, disc, cap); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(platform, disc)
	}
	wg.Wait()

	e.metrics.tickDuration.Observe(time.Since(started).Seconds())
	e.mu.Lock()
	e.lastTick = time.Now().UTC()
	if firstErr != nil {
		e.lastError = firstErr.Error()
	} else {
		e.lastError = ""
	}
	e.mu.Unlock()

	if firstErr != nil {
		e.metrics.tickErrors.Inc()
		return firstErr
	}
	e.metrics.ticksTotal.Inc()
	return nil
}

func (e *Engine) tickPlatform(ctx context.Context, platform core.Platform, disc *discovery.Discoverer, cap int) error {
	top, liveIDs, err := disc.Discover(ctx, cap)
	if err != nil {
		return fmt.Errorf("discover %s: %w", platform, err)
	}

	e.mu.Lock()
	e.discovered[platform] = len(liveIDs)
	e.mu.Unlock()
	e.metrics.discovered.WithLabelValues(string(platform)).Set(float64(len(liveIDs)))

	e.pool.Reconcile(ctx, platform, top)
	e.metrics.activeConns.WithLabelValues(string(platform)).Set(float64(e.pool.ActiveCount(platform)))

	ended, err := e.tracker.EndAbsentBroadcasts(ctx, platform, liveIDs)
	if err != nil {
		log.Printf("engine: %s: end-of-broadcast sweep: %v", platform, err)
	} else if ended > 0 {
		log.Printf("engine: %s: marked %d broadcasts ended", platform, ended)
		e.metrics.sessionsEnded.WithLabelValues(string(platform)).Add(float64(ended))
	}

	e.refreshCategories(ctx, platform, top)
	e.observeCacheAndSink()
	return nil
}

// refreshCategories persists category metadata seen in the tick's listings,
// at most once per platform per day.
func (e *Engine) refreshCategories(ctx context.Context, platform core.Platform, listings []core.BroadcastListing) {
	e.mu.Lock()
	last := e.catRefresh[platform]
	if time.Since(last) < 24*time.Hour {
		e.mu.Unlock()
		return
	}
	e.catRefresh[platform] = time.Now().UTC()
	e.mu.Unlock()

	seen := make(map[string]struct{})
	for _, l := range listings {
		if l.CategoryID == "" {
			continue
		}
		if _, ok := seen[l.CategoryID]; ok {
			continue
		}
		seen[l.CategoryID] = struct{}{}
		if err := e.st.UpsertCategory(ctx, core.Category{
			Platform:   platform,
			CategoryID: l.CategoryID,
			Name:       l.CategoryName,
			Type:       "game",
		}); err != nil {
			log.Printf("engine: %s: category upsert %s: %v", platform, l.CategoryID, err)
		}
	}
	if len(seen) > 0 {
		log.Printf("engine: %s: refreshed %d categories", platform, len(seen))
	}
}

func (e *Engine) observeCacheAndSink() {
	size, hits, misses := e.resolver.CacheStats()
	e.metrics.cacheSize.Set(float64(size))
	e.metrics.cacheHits.Set(float64(hits))
	e.metrics.cacheMisses.Set(float64(misses))

	added, flushed, deadLettered, dropped := e.batcher.Stats()
	e.metrics.eventsAdded.Set(float64(added))
	e.metrics.eventsFlushed.Set(float64(flushed))
	e.metrics.eventsDeadLettered.Set(float64(deadLettered))
	e.metrics.eventsDropped.Set(float64(dropped))
}

// Shutdown disconnects every connection, stops the loop, and attempts one
// best-effort final flush of buffered events and stats. Failures here are
// logged, not retried.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.loopDone
	e.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}

	e.pool.Shutdown(ctx)
	e.batcher.Close()
	if err := e.st.Close(); err != nil {
		log.Printf("engine: closing store: %v", err)
	}
	slog.Info("engine: shutdown complete")
}

// ApplyOverrides installs runtime configuration without a restart.
func (e *Engine) ApplyOverrides(o config.Overrides) {
	e.mu.Lock()
	e.cfg = e.cfg.Apply(o)
	cfg := e.cfg
	e.mu.Unlock()

	e.pool.SetBatchSize(cfg.Pool.ConnectionBatchSize)
	e.pool.SetBatchDelay(cfg.ConnectionDelay())
	e.batcher.SetBatchSize(cfg.Sink.EventBatchSize)
	e.batcher.SetFlushInterval(cfg.FlushInterval())
	e.resolver.Resize(cfg.Identity.PersonCacheMaxSize)
	slog.Info("engine: runtime overrides applied",
		"max_connections", cfg.Pool.MaxConnectionsPerPlatform,
		"discovery_interval_ms", cfg.Discovery.IntervalMS,
		"event_batch", cfg.Sink.EventBatchSize)
}

func (e *Engine) interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.DiscoveryInterval()
}

func (e *Engine) maxConns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Pool.MaxConnectionsPerPlatform
}

// PlatformStatus is one platform's slice of the status read model.
type PlatformStatus struct {
	Discovered int `json:"discovered"`
	Active     int `json:"active"`
}

// Status is the operational read model: visibility, not control.
type Status struct {
	IsRunning       bool                      `json:"is_running"`
	Platforms       map[string]PlatformStatus `json:"platforms"`
	LastDiscoveryAt time.Time                 `json:"last_discovery_at"`
	LastError       string                    `json:"last_error,omitempty"`
	EventsPending   int                       `json:"events_pending"`
	TopConnections  []pool.ConnSnapshot       `json:"top_connections"`
}

// Status reports the current engine state and the top-K connections by
// viewer count.
func (e *Engine) Status(topK int) Status {
	e.mu.Lock()
	st := Status{
		IsRunning:       e.running,
		Platforms:       make(map[string]PlatformStatus, len(e.disc)),
		LastDiscoveryAt: e.lastTick,
		LastError:       e.lastError,
	}
	discovered := make(map[core.Platform]int, len(e.discovered))
	for p, n := range e.discovered {
		discovered[p] = n
	}
	e.mu.Unlock()

	for platform := range e.disc {
		st.Platforms[string(platform)] = PlatformStatus{
			Discovered: discovered[platform],
			Active:     e.pool.ActiveCount(platform),
		}
	}
	st.EventsPending = e.batcher.Pending()
	st.TopConnections = e.pool.TopConnections(topK)
	return st
}

// Metrics exposes the engine's Prometheus collectors for the HTTP surface.
func (e *Engine) Metrics() *Metrics { return e.metrics }
