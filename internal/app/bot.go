package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-telegram/bot/models"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/terafetch/internal/bot"
	"github.com/MrSnakeDoc/terafetch/internal/bot/telegram"
	"github.com/MrSnakeDoc/terafetch/internal/config"
	"github.com/MrSnakeDoc/terafetch/internal/links"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/pipeline"
	"github.com/MrSnakeDoc/terafetch/internal/queue"
	redisstore "github.com/MrSnakeDoc/terafetch/internal/store/redis"
	"github.com/MrSnakeDoc/terafetch/internal/transfer"
	"github.com/MrSnakeDoc/terafetch/internal/users"
	"github.com/MrSnakeDoc/terafetch/internal/version"
)

var _ bot.Chat = (*telegram.Client)(nil)

// Bot is the requester process: chat surface, job queue and worker pool.
type Bot struct {
	cfg         *config.Config
	logger      logger.Logger
	client      *telegram.Client
	handler     *bot.Handler
	queue       *queue.Queue
	workers     *queue.Pool
	redisClient *goredis.Client
}

func NewBot() (*Bot, error) {
	cfg := config.Load()
	loggerClient := logger.New(cfg.LogLevel, cfg.PrettyLog)

	if err := cfg.ValidateBot(); err != nil {
		return nil, fmt.Errorf("invalid bot configuration: %w", err)
	}

	rules, err := links.Load(cfg.LinkRulesFile)
	if err != nil {
		return nil, err
	}

	client, err := telegram.New(cfg.BotToken, cfg.PollTimeout, loggerClient)
	if err != nil {
		return nil, err
	}
	sink := bot.NewSink(client, int64(cfg.UploadLimitMB)<<20, loggerClient)

	var (
		handler     queue.Handler
		redisClient *goredis.Client
	)
	switch cfg.Mode {
	case config.ModeLocal:
		redisClient, err = connectRedis(context.Background(), cfg, loggerClient)
		if err != nil {
			return nil, err
		}
		var store *redisstore.Store
		if redisClient != nil {
			store = redisstore.NewStore(redisClient, cfg.ArtifactRetention)
		}
		pool, err := newCredentialPool(cfg, store, loggerClient)
		if err != nil {
			closeRedis(redisClient, loggerClient)
			return nil, err
		}
		handler = pipeline.NewLocal(rules, pool, newExecutor(cfg, loggerClient), sink, loggerClient)
	default:
		tc := transfer.NewClient(cfg.BackendURL, cfg.APIToken, cfg.TransferTimeout, loggerClient)
		handler = pipeline.NewRemote(tc, cfg.BotDownloadDir, sink, loggerClient)
	}

	q := queue.New()
	return &Bot{
		cfg:         cfg,
		logger:      loggerClient,
		client:      client,
		handler:     bot.NewHandler(client, users.NewStore(cfg.UsersFile), rules, q, cfg.AdminID, cfg.ProgressInterval, loggerClient),
		queue:       q,
		workers:     queue.NewPool(q, handler, cfg.Workers, loggerClient),
		redisClient: redisClient,
	}, nil
}

func (b *Bot) Run() error {
	b.logger.Infof("🚀 Starting terafetch bot v%s (mode=%s, workers=%d)",
		version.Version, b.cfg.Mode, b.workers.Workers())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b.workers.Start()

	err := b.client.Poll(ctx, func(ctx context.Context, m *models.Message) {
		if m.From == nil {
			return
		}
		text := m.Text
		if text == "" {
			text = m.Caption
		}
		b.handler.Handle(ctx, bot.Incoming{
			ChatID:    m.Chat.ID,
			MessageID: int64(m.ID),
			UserID:    m.From.ID,
			Text:      text,
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("polling stopped", logger.Error(err))
	}
	b.logger.Info("⏳ Shutting down gracefully...",
		logger.Int("queued", b.queue.Len()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), b.cfg.ShutdownTimeout)
	defer cancel()
	if err := b.workers.Stop(shutdownCtx); err != nil {
		b.logger.Warn("jobs cancelled at shutdown deadline", logger.Error(err))
	}

	closeRedis(b.redisClient, b.logger)

	b.logger.Info("✅ terafetch bot stopped cleanly")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
