package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/you/streamscout/internal/adapter"
	"github.com/you/streamscout/internal/config"
	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/discovery"
	"github.com/you/streamscout/internal/identity"
	"github.com/you/streamscout/internal/pool"
	"github.com/you/streamscout/internal/session"
	"github.com/you/streamscout/internal/sink"
	"github.com/you/streamscout/internal/store"
)

type staticLister struct {
	listings []core.BroadcastListing
	err      error
}

func (s *staticLister) ListLive(_ context.Context, page, _ int) ([]core.BroadcastListing, error) {
	if s.err != nil {
		return nil, s.err
	}
	if page > 0 {
		return nil, nil
	}
	return s.listings, nil
}

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.Discovery.IntervalMS = 60_000
	cfg.Discovery.MaxResults = 100
	cfg.Discovery.PageSize = 50
	cfg.Pool.MaxConnectionsPerPlatform = 2
	cfg.Pool.ConnectionBatchSize = 10
	cfg.Sink.EventBatchSize = 100
	cfg.Sink.FlushMS = 60_000
	cfg.Identity.PersonCacheMaxSize = 100
	return cfg
}

func newTestEngine(t *testing.T, lister discovery.Lister) (*Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	batcher := sink.NewBatcher(mem, sink.BatcherOptions{BatchSize: 100, FlushInterval: 0})
	resolver := identity.NewResolver(mem, 100)
	tracker := session.NewTracker(mem)
	mgr := pool.NewManager(resolver, tracker, batcher, pool.Options{
		BatchSize: 10,
		Factory: func(core.Platform, adapter.Options) (adapter.LiveAdapter, error) {
			return nil, fmt.Errorf("no adapters in this test")
		},
	})

	cfg := testConfig()
	return New(cfg, Deps{
		Store: mem,
		Discoverers: map[core.Platform]*discovery.Discoverer{
			core.PlatformChzzk: discovery.New(core.PlatformChzzk, lister, discovery.Options{}),
		},
		Pool:     mgr,
		Batcher:  batcher,
		Resolver: resolver,
		Tracker:  tracker,
	}), mem
}

func TestStartFailsWhenFirstTickFails(t *testing.T) {
	eng, _ := newTestEngine(t, &staticLister{err: fmt.Errorf("listing down")})

	err := eng.Start(context.Background())
	if err == nil {
		t.Fatalf("expected first-tick failure to fail start")
	}
	st := eng.Status(5)
	if st.IsRunning {
		t.Fatalf("engine must not be running after failed start")
	}
}

func TestStartAndStatus(t *testing.T) {
	eng, _ := newTestEngine(t, &staticLister{})

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	st := eng.Status(5)
	if !st.IsRunning {
		t.Fatalf("expected running engine")
	}
	if st.LastDiscoveryAt.IsZero() {
		t.Fatalf("expected first tick recorded")
	}
	if _, ok := st.Platforms[string(core.PlatformChzzk)]; !ok {
		t.Fatalf("missing platform status: %+v", st.Platforms)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	eng.Shutdown(shutdownCtx)

	if eng.Status(5).IsRunning {
		t.Fatalf("expected stopped engine after shutdown")
	}
}

func TestStartTwiceFails(t *testing.T) {
	eng, _ := newTestEngine(t, &staticLister{})

	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	}()

	if err := eng.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
}

func TestTickRecordsCategoriesOncePerDay(t *testing.T) {
	lister := &staticLister{listings: []core.BroadcastListing{
		{ChannelID: "a", BroadcastID: "ba", CategoryID: "lol", CategoryName: "League", ViewerCount: 10},
	}}
	eng, mem := newTestEngine(t, lister)

	if err := eng.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(mem.Categories) != 1 {
		t.Fatalf("expected category refresh, got %d categories", len(mem.Categories))
	}
	cat := mem.Categories[string(core.PlatformChzzk)+"|lol"]
	if cat.Name != "League" {
		t.Fatalf("unexpected category: %+v", cat)
	}
}

func TestApplyOverridesUpdatesInterval(t *testing.T) {
	eng, _ := newTestEngine(t, &staticLister{})

	eng.ApplyOverrides(config.Overrides{DiscoveryIntervalMS: 5_000})
	if eng.interval() != 5*time.Second {
		t.Fatalf("interval override not applied: %s", eng.interval())
	}
}
