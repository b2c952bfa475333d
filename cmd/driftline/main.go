package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/driftline/driftline/internal/buildinfo"
	"github.com/driftline/driftline/internal/catalog"
	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/crawl"
	"github.com/driftline/driftline/internal/feed"
	"github.com/driftline/driftline/internal/graph"
	"github.com/driftline/driftline/internal/ingest"
	"github.com/driftline/driftline/internal/llm"
	"github.com/driftline/driftline/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	graphMode := flag.Bool("graph", false, "run the classification pipeline once and exit")
	crawlMode := flag.Bool("crawl", false, "ingest all feed sources once and exit")
	limit := flag.Int("limit", 50, "max entries per classification batch")
	ignoreLimit := flag.Bool("ignore-limit", false, "classify every pending entry regardless of --limit")
	host := flag.String("host", "", "listen address override")
	port := flag.Int("port", 0, "listen port override")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}
	if *host != "" {
		envCfg.ListenAddress = *host
	}
	if *port != 0 {
		envCfg.Port = *port
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	log.Info("driftline starting",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit)

	poolCfg, err := llm.LoadConfig(envCfg.PoolConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: load pool config: %v\n", err)
		return 1
	}
	manager, err := llm.BuildManager(poolCfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: build pools: %v\n", err)
		return 1
	}
	if manager.PoolCount() == 0 {
		fmt.Fprintf(os.Stderr, "fatal: no pools configured in %s\n", envCfg.PoolConfigPath)
		return 1
	}
	for pool, endpoints := range manager.Status() {
		log.Info("pool loaded", "pool", pool, "endpoints", len(endpoints))
	}

	store, err := catalog.Open(envCfg.CatalogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: open catalog: %v\n", err)
		return 1
	}

	reader, err := feed.NewReader(envCfg.FeedTimeout, envCfg.NetworkProxy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: feed reader: %v\n", err)
		return 1
	}

	fetcher, err := crawl.NewHTTPFetcher(envCfg.FetchTimeout, envCfg.NetworkProxy)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: fetcher: %v\n", err)
		return 1
	}
	policy := crawl.NewPolicy(crawl.DelayConfig{
		MinGlobal: envCfg.GlobalDelayMin,
		MaxGlobal: envCfg.GlobalDelayMax,
		MinDomain: envCfg.DomainDelayMin,
		MaxDomain: envCfg.DomainDelayMax,
	}, crawl.StrictHostRule, crawl.NewTracker())
	extractor, err := crawl.NewExtractor(fetcher, policy, crawl.ExtractorConfig{
		MaxConcurrent: envCfg.MaxConcurrent,
		AntiDetection: envCfg.AntiDetection,
		CacheCapacity: envCfg.ExtractCacheSize,
		CacheTTL:      envCfg.ExtractCacheTTL,
	}, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: extractor: %v\n", err)
		return 1
	}

	runner := graph.NewRunner(store, manager, log)
	ingester := ingest.NewIngester(reader, extractor, store, envCfg.FetchWindow, log)
	orch := ingest.NewOrchestrator(ingester, store, runner, log)

	switch {
	case *crawlMode:
		return runCrawl(orch, envCfg.DataDir, log)
	case *graphMode:
		return runGraph(orch, *limit, *ignoreLimit, log)
	}

	return serve(envCfg, manager, orch, log)
}

func runCrawl(orch *ingest.Orchestrator, dataDir string, log *slog.Logger) int {
	sources, err := ingest.LoadSources(dataDir)
	if err != nil {
		log.Error("load sources", "dir", dataDir, "error", err)
		return 1
	}
	ids := orch.IngestAll(context.Background(), sources)
	log.Info("ingest finished", "sources", len(sources), "entries", len(ids))
	return 0
}

func runGraph(orch *ingest.Orchestrator, limit int, ignoreLimit bool, log *slog.Logger) int {
	stats, err := orch.Classify(context.Background(), limit, ignoreLimit)
	if err != nil {
		log.Error("classification failed", "error", err)
		return 1
	}
	log.Info("classification finished",
		"processed", stats.Processed,
		"errors", stats.Errors)
	return 0
}

func serve(envCfg *config.EnvConfig, manager *llm.Manager, orch *ingest.Orchestrator, log *slog.Logger) int {
	stopHealth := make(chan struct{})
	go manager.Run(stopHealth)

	ingestJob := func() {
		sources, err := ingest.LoadSources(envCfg.DataDir)
		if err != nil {
			log.Error("load sources", "dir", envCfg.DataDir, "error", err)
			return
		}
		ids := orch.IngestAll(context.Background(), sources)
		stats := orch.ClassifyEntries(context.Background(), ids)
		log.Info("scheduled ingest finished",
			"sources", len(sources),
			"entries", len(ids),
			"processed", stats.Processed,
			"errors", stats.Errors)
	}

	sched := cron.New()
	if _, err := sched.AddFunc(envCfg.IngestSchedule, ingestJob); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: bad schedule %q: %v\n", envCfg.IngestSchedule, err)
		return 1
	}
	sched.Start()
	log.Info("ingest scheduled", "schedule", envCfg.IngestSchedule)

	srv := server.NewServer(envCfg.ListenAddress, envCfg.Port, manager)
	go func() {
		log.Info("http server starting", "address", envCfg.ListenAddress, "port", envCfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Kick off one ingest cycle at startup rather than waiting for the first tick.
	go ingestJob()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("shutting down", "signal", sig.String())

	close(stopHealth)
	cronCtx := sched.Stop()
	<-cronCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server shutdown", "error", err)
	}
	log.Info("stopped")
	return 0
}
