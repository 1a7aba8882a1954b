package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/you/streamscout/internal/config"
	"github.com/you/streamscout/internal/core"
	"github.com/you/streamscout/internal/discovery"
	"github.com/you/streamscout/internal/engine"
	"github.com/you/streamscout/internal/fetch"
	"github.com/you/streamscout/internal/httpapi"
	"github.com/you/streamscout/internal/identity"
	"github.com/you/streamscout/internal/pool"
	"github.com/you/streamscout/internal/session"
	"github.com/you/streamscout/internal/sink"
	"github.com/you/streamscout/internal/store"
	"github.com/you/streamscout/internal/version"
)

const userAgent = "streamscout/1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag    bool
		dbPath         string
		httpAddr       string
		httpRateRPS    int
		httpRateBurst  int
		overridesPath  string
		deadLetterPath string
		maxConns       int
		intervalMS     int
		chzzkEnabled   bool
		soopEnabled    bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&dbPath, "sqlite", "scout.db", "Path to SQLite database file")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP status address (e.g., :8790)")
	flag.IntVar(&httpRateRPS, "http-rate-rps", 20, "Maximum HTTP requests per second per client")
	flag.IntVar(&httpRateBurst, "http-rate-burst", 40, "Burst size for HTTP rate limiter")
	flag.StringVar(&overridesPath, "overrides-file", "", "Path to runtime overrides JSON file")
	flag.StringVar(&deadLetterPath, "deadletter-file", "", "Path to NDJSON dead-letter file for failed event batches")
	flag.IntVar(&maxConns, "max-connections", 0, "Maximum live chat connections per platform")
	flag.IntVar(&intervalMS, "discovery-interval-ms", 0, "Discovery poll interval in milliseconds")
	flag.BoolVar(&chzzkEnabled, "chzzk", true, "Enable chzzk discovery and chat")
	flag.BoolVar(&soopEnabled, "soop", true, "Enable soop discovery and chat")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"scout version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["sqlite"] {
		cfg.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["http-addr"] {
		cfg.HTTPAddr = strings.TrimSpace(httpAddr)
	}
	if overrides["overrides-file"] {
		cfg.OverridesPath = strings.TrimSpace(overridesPath)
	}
	if overrides["max-connections"] && maxConns > 0 {
		cfg.Pool.MaxConnectionsPerPlatform = maxConns
	}
	if overrides["discovery-interval-ms"] && intervalMS > 0 {
		cfg.Discovery.IntervalMS = intervalMS
	}
	if overrides["chzzk"] {
		cfg.Chzzk.Enabled = chzzkEnabled
	}
	if overrides["soop"] {
		cfg.Soop.Enabled = soopEnabled
	}
	if deadLetterPath == "" {
		deadLetterPath = strings.TrimSpace(os.Getenv("SCOUT_DEADLETTER_PATH"))
	}

	log.Printf("%s", cfg.SummaryJSON())

	if !cfg.Chzzk.Enabled && !cfg.Soop.Enabled {
		log.Fatal("scout: no platforms enabled; enable at least one of -chzzk, -soop")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("scout: received %s, shutting down", sig)
		cancel()
	}()

	sqlStore, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("scout: open sqlite: %v", err)
	}
	if err := sqlStore.Ping(); err != nil {
		log.Fatalf("scout: ping sqlite: %v", err)
	}

	st := sink.WithRetry(sqlStore, cfg.Sink.MaxRetries, cfg.RetryDelay())

	var deadLetter sink.DeadLetterFunc
	if deadLetterPath != "" {
		deadLetter = sink.NewFileDeadLetter(deadLetterPath).Sink
		log.Printf("scout: dead-letter sink at %s", deadLetterPath)
	}

	batcher := sink.NewBatcher(st, sink.BatcherOptions{
		BatchSize:     cfg.Sink.EventBatchSize,
		FlushInterval: cfg.FlushInterval(),
		DeadLetter:    deadLetter,
	})

	resolver := identity.NewResolver(st, cfg.Identity.PersonCacheMaxSize)
	tracker := session.NewTracker(st)

	discoverers := make(map[core.Platform]*discovery.Discoverer)
	baseURLs := make(map[core.Platform]string)

	addPlatform := func(platform core.Platform, pc config.PlatformConfig, lister func(*fetch.Fetcher, string) discovery.Lister) {
		if !pc.Enabled {
			return
		}
		fetcher := fetch.New(fetch.Options{
			RPS:        pc.RPS,
			Burst:      2,
			MaxRetries: cfg.Sink.MaxRetries,
			RetryDelay: cfg.RetryDelay(),
			UserAgent:  userAgent,
		})
		discoverers[platform] = discovery.New(platform, lister(fetcher, pc.BaseURL), discovery.Options{
			MaxResults: cfg.Discovery.MaxResults,
			PageSize:   cfg.Discovery.PageSize,
		})
		baseURLs[platform] = pc.BaseURL
		log.Printf("scout: %s discovery enabled (base=%s rps=%.1f)", platform, pc.BaseURL, pc.RPS)
	}

	addPlatform(core.PlatformChzzk, cfg.Chzzk, func(f *fetch.Fetcher, base string) discovery.Lister {
		return discovery.NewChzzkLister(f, base)
	})
	addPlatform(core.PlatformSoop, cfg.Soop, func(f *fetch.Fetcher, base string) discovery.Lister {
		return discovery.NewSoopLister(f, base)
	})

	poolMgr := pool.NewManager(resolver, tracker, batcher, pool.Options{
		BatchSize:  cfg.Pool.ConnectionBatchSize,
		BatchDelay: cfg.ConnectionDelay(),
		BaseURLs:   baseURLs,
	})

	eng := engine.New(cfg, engine.Deps{
		Store:       st,
		Discoverers: discoverers,
		Pool:        poolMgr,
		Batcher:     batcher,
		Resolver:    resolver,
		Tracker:     tracker,
	})

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("scout: %v", err)
	}

	if cfg.OverridesPath != "" {
		if err := eng.WatchOverrides(cfg.OverridesPath); err != nil {
			slog.Error("scout: watch overrides file", "path", cfg.OverridesPath, "err", err)
		}
	}

	var api *httpapi.Server
	if cfg.HTTPAddr != "" {
		api = httpapi.New(eng, httpapi.Options{
			Addr:           cfg.HTTPAddr,
			RateLimitRPS:   httpRateRPS,
			RateLimitBurst: httpRateBurst,
		})
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("scout: http api: %v", err)
			}
		}()
		log.Printf("scout: http api ready on %s", cfg.HTTPAddr)
	}

	<-ctx.Done()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("scout: http api shutdown: %v", err)
		}
	}
	eng.Shutdown(shutdownCtx)
	log.Printf("scout: shutdown complete")
}
