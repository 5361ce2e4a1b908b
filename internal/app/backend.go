package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/MrSnakeDoc/terafetch/internal/config"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver"
	"github.com/MrSnakeDoc/terafetch/internal/httpserver/deps"
	"github.com/MrSnakeDoc/terafetch/internal/index"
	"github.com/MrSnakeDoc/terafetch/internal/links"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/scheduler"
	redisstore "github.com/MrSnakeDoc/terafetch/internal/store/redis"
	"github.com/MrSnakeDoc/terafetch/internal/version"
)

// Backend is the fetch process: the executor behind the transfer protocol.
type Backend struct {
	cfg         *config.Config
	logger      logger.Logger
	server      *httpserver.Server
	redisClient *goredis.Client
	gc          *scheduler.GarbageCollector
}

func NewBackend() (*Backend, error) {
	cfg := config.Load()
	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}

	// Redis is optional, but when configured it must be reachable.
	redisClient, err := connectRedis(context.Background(), cfg, loggerClient)
	if err != nil {
		return nil, err
	}

	memIndex := index.NewMemoryIndex()

	var store *redisstore.Store
	if redisClient != nil {
		store = redisstore.NewStore(redisClient, cfg.ArtifactRetention)
		syncer := scheduler.NewArtifactSyncer(store, memIndex, loggerClient)
		if err := syncer.Sync(context.Background()); err != nil {
			loggerClient.Warn("failed to sync artifacts from redis on startup",
				logger.Error(err))
		}
	}

	rules, err := links.Load(cfg.LinkRulesFile)
	if err != nil {
		return nil, err
	}

	pool, err := newCredentialPool(cfg, store, loggerClient)
	if err != nil {
		return nil, err
	}

	gc := scheduler.NewGarbageCollector(
		store,
		memIndex,
		cfg.DownloadDir,
		loggerClient,
		cfg.GCInterval,
		cfg.ArtifactRetention,
	)

	d := deps.Deps{
		Logger:       loggerClient,
		StartTime:    time.Now(),
		Version:      version.Version,
		Commit:       version.Commit,
		BuildDate:    version.BuildDate,
		GoVersion:    version.GoVersion,
		TimeNow:      time.Now,
		AllowedCIDRS: cfg.AllowedCIDRS,
		TrustProxy:   cfg.TrustProxy,
		APIToken:     cfg.APIToken,
		RateBurst:    cfg.RateBurst,
		RatePerMin:   cfg.RatePerMin,
		Links:        rules,
		Credentials:  pool,
		Executor:     newExecutor(cfg, loggerClient),
		Slots:        semaphore.NewWeighted(int64(cfg.Workers)),
		Workers:      cfg.Workers,
		MemoryIndex:  memIndex,
		Store:        store,
		DownloadDir:  cfg.DownloadDir,
	}

	return &Backend{
		cfg:         cfg,
		logger:      loggerClient,
		server:      httpserver.New(cfg, loggerClient, d),
		redisClient: redisClient,
		gc:          gc,
	}, nil
}

func (b *Backend) Run() error {
	b.logger.Infof("🚀 Starting terafetch backend v%s on %s", version.Version, b.cfg.ListenPort)
	b.logger.Infof("terafetch %s (commit=%s, built=%s, go=%s)",
		version.Version, version.Commit, version.BuildDate, version.GoVersion)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.gc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start garbage collector: %w", err)
	}
	b.logger.Info("garbage collector started",
		logger.Duration("interval", b.cfg.GCInterval),
		logger.Duration("retention", b.cfg.ArtifactRetention))

	errCh := make(chan error, 1)
	go func() {
		if err := b.server.Start(); err != nil {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		b.logger.Info("⏳ Shutting down gracefully...")
	case err := <-errCh:
		b.gc.Stop()
		closeRedis(b.redisClient, b.logger)
		return err
	}

	b.gc.Stop()

	// In-flight fetches hold their request open, Shutdown waits for them up to the deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
	defer cancel()
	switch err := b.server.Stop(shutdownCtx); {
	case errors.Is(err, httpserver.ErrRequestsCancelled):
		b.logger.Warn("in-flight fetches were cancelled at the shutdown deadline")
	case err != nil:
		closeRedis(b.redisClient, b.logger)
		return fmt.Errorf("failed to stop server: %w", err)
	}

	closeRedis(b.redisClient, b.logger)

	b.logger.Info("✅ terafetch backend stopped cleanly")
	return nil
}
