package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/jobpipe/internal/adapters/duckdb"
	"github.com/manthysbr/jobpipe/internal/adapters/providers"
	jobredis "github.com/manthysbr/jobpipe/internal/adapters/redis"
	"github.com/manthysbr/jobpipe/internal/adapters/scraper"
	appconfig "github.com/manthysbr/jobpipe/internal/config"
	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/ports"
	"github.com/manthysbr/jobpipe/internal/core/services"
	"github.com/manthysbr/jobpipe/pkg/kernel"
	"github.com/rs/cors"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting jobpipe kernel")

	if err := run(logger); err != nil {
		logger.Error("kernel startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	boot, err := appconfig.LoadFromEnv()
	if err != nil {
		return err
	}

	repo, err := duckdb.NewRepository(boot.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	// Settings store: persisted config with encrypted provider keys
	keyring, err := appconfig.NewKeyring(boot.SecretKey, boot.PreviousSecretKeys...)
	if err != nil {
		return fmt.Errorf("failed to init keyring: %w", err)
	}
	base := domain.DefaultConfig()
	boot.Apply(base)
	settingsStore, err := appconfig.NewSettingsStore(ctx, logger, repo, keyring, base)
	if err != nil {
		return fmt.Errorf("failed to init settings store: %w", err)
	}
	cfg := settingsStore.GetConfig()

	// Agent configuration document, seeded into the registry on every start
	doc, err := appconfig.LoadAgentDocument(boot.AgentsFile)
	if err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}
	if err := repo.SaveDocument(ctx, doc); err != nil {
		return fmt.Errorf("failed to seed agents: %w", err)
	}
	logger.Info("agents loaded", "file", boot.AgentsFile, "agents", len(doc.Agents))

	factory := providers.NewFactory(logger, settingsStore)
	settingsStore.OnChange(func(*domain.AppConfig) {
		factory.Reset()
		logger.Info("agent backends will be rebuilt from new settings")
	})

	// Budget ledger: DuckDB by default, Redis when configured
	var (
		ledger   ports.BudgetLedger = repo
		resetter ports.UsageResetter = repo
		cache    scraper.PageCache
		redisSvc *jobredis.Service
	)
	if boot.RedisAddr != "" {
		redisSvc, err = jobredis.New(ctx, logger, jobredis.Options{Addr: boot.RedisAddr, Password: boot.RedisPassword})
		if err != nil {
			return fmt.Errorf("failed to connect redis: %w", err)
		}
		defer redisSvc.Close()
		redisLedger := jobredis.NewLedger(redisSvc)
		ledger = redisLedger
		resetter = services.MultiResetter{repo, redisLedger}
		cache = redisSvc
		logger.Info("redis ledger and page cache enabled", "addr", boot.RedisAddr)
	}

	agentManager := services.NewAgentManager(logger, repo, ledger, factory)

	fetchTimeout := time.Duration(cfg.Pipeline.FetchTimeoutSec) * time.Second
	fetcher := scraper.NewHTTPFetcher(logger, scraper.FetcherOptions{
		Timeout:      fetchTimeout,
		AllowPrivate: cfg.Pipeline.AllowPrivateHosts,
		Cache:        cache,
	})
	crawler := scraper.NewCollyCrawler(logger, scraper.CrawlerOptions{
		Timeout:      fetchTimeout,
		AllowPrivate: cfg.Pipeline.AllowPrivateHosts,
	})

	eventBus := services.NewEventBus(logger)
	processor := services.NewPipelineProcessor(logger, repo, agentManager, fetcher, crawler, repo, settingsStore, eventBus)

	// Items left in processing by a previous crash go back to pending.
	staleAfter := time.Duration(cfg.Pipeline.StaleAfterSec) * time.Second
	if staleAfter <= 0 {
		staleAfter = 30 * time.Minute
	}
	if n, err := repo.RequeueStale(ctx, time.Now().Add(-staleAfter)); err != nil {
		return fmt.Errorf("failed to requeue stale items: %w", err)
	} else if n > 0 {
		logger.Warn("requeued items abandoned by a previous run", "count", n)
	}

	pool := services.NewWorkerPool(logger, repo, services.WorkerPoolConfig{
		Workers:      int64(cfg.Pipeline.Workers),
		PollInterval: time.Duration(cfg.Pipeline.PollIntervalMs) * time.Millisecond,
	})

	resetScheduler, err := services.NewUsageResetScheduler(logger, resetter, cfg.Pipeline.ResetCron)
	if err != nil {
		return err
	}

	apiServer, err := kernel.NewServer(logger, kernel.Deps{
		Items:    repo,
		Agents:   repo,
		Ledger:   ledger,
		Records:  repo,
		Resetter: resetScheduler,
		Settings: settingsStore,
		EventBus: eventBus,
		Notify:   pool.Notify,
	})
	if err != nil {
		return fmt.Errorf("failed to init api server: %w", err)
	}

	// CORS Configuration
	c := cors.New(cors.Options{
		AllowedOrigins:   boot.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:    boot.HTTPAddr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Worker pool
	g.Go(func() error {
		return pool.Run(gCtx, func(ctx context.Context, item *domain.WorkItem) {
			if err := processor.Process(ctx, item); err != nil {
				logger.Error("failed to process work item", "item_id", item.ID, "error", err)
			}
		})
	})

	// 2. Stale item reaper
	g.Go(func() error {
		return pool.ReapStale(gCtx, staleAfter, staleAfter/4)
	})

	// 3. Daily usage reset: asynq periodic task when Redis is available,
	// otherwise the in-process cron loop.
	if redisSvc != nil {
		tasks := jobredis.NewResetTasks(logger, redisSvc, resetter, cfg.Pipeline.ResetCron)
		g.Go(func() error {
			return tasks.Run(gCtx)
		})
	} else {
		g.Go(func() error {
			return resetScheduler.Run(gCtx)
		})
	}

	// 4. API server
	g.Go(func() error {
		logger.Info("starting api server", "addr", boot.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	// 5. Graceful shutdown for the API server
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
