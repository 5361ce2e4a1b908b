package app

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/terafetch/internal/config"
	"github.com/MrSnakeDoc/terafetch/internal/credentials"
	"github.com/MrSnakeDoc/terafetch/internal/fetch"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	"github.com/MrSnakeDoc/terafetch/internal/redis"
	redisstore "github.com/MrSnakeDoc/terafetch/internal/store/redis"
)

// connectRedis returns a nil client when Redis is not configured.
func connectRedis(ctx context.Context, cfg *config.Config, log logger.Logger) (*goredis.Client, error) {
	client, err := redis.New(ctx, redis.ConnectOptions{
		Addr:           cfg.RedisAddr,
		User:           cfg.RedisUser,
		Password:       cfg.RedisPassword,
		RedisDB:        cfg.RedisDB,
		DialTimeout:    cfg.RedisDT,
		ReadTimeout:    cfg.RedisRT,
		WriteTimeout:   cfg.RedisWT,
		PoolSize:       cfg.RedisPoolSize,
		ConnectTimeout: cfg.RedisConnectTimeout,
		RetryInterval:  cfg.RedisRetryInterval,
		MaxWait:        cfg.RedisMaxWait,
		PingTimeout:    cfg.RedisPingTimeout,
		WarnThreshold:  cfg.RedisWarnThreshold,
	}, log)
	if errors.Is(err, redis.ErrDisabled) {
		log.Info("redis not configured, artifacts and usage stay in memory")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	log.Info("Redis initialized successfully", logger.String("addr", cfg.RedisAddr))
	return client, nil
}

// newCredentialPool loads the cookie files and builds the pool. The manifest cooldown,
// when set, wins over the environment.
func newCredentialPool(cfg *config.Config, store *redisstore.Store, log logger.Logger) (*credentials.Pool, error) {
	creds, cooldown, err := credentials.NewLoader(cfg.CredentialDir, cfg.CredentialsFile, log).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	if len(creds) == 0 {
		log.Warn("no credentials loaded, every download will be refused",
			logger.String("dir", cfg.CredentialDir))
	}
	if cooldown <= 0 {
		cooldown = cfg.Cooldown
	}

	var opts []credentials.Option
	if store != nil {
		opts = append(opts, credentials.WithRecorder(redisstore.NewUsageRecorder(store, log, cfg.RedisWT)))
	}
	pool := credentials.NewPool(creds, cooldown, opts...)
	log.Info("credential pool ready",
		logger.Int("credentials", pool.Len()),
		logger.Duration("cooldown", pool.Cooldown()))
	return pool, nil
}

func newExecutor(cfg *config.Config, log logger.Logger) *fetch.Executor {
	return fetch.New(fetch.Config{
		Binary:          cfg.ToolBinary,
		UserAgent:       cfg.ToolUserAgent,
		Retries:         cfg.ToolRetries,
		FragmentRetries: cfg.ToolFragRetries,
		SocketTimeout:   cfg.ToolSocketTO,
		MergeFormat:     cfg.MergeFormat,
		DownloadDir:     cfg.DownloadDir,
	}, log)
}

func closeRedis(client *goredis.Client, log logger.Logger) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		log.Warnf("failed to close redis: %v", err)
		return
	}
	log.Info("✅ Redis closed cleanly")
}
