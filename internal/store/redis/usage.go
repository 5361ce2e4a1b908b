package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/logger"
)

// IncrementCredentialUsage bumps the allocation counter of a credential
func (s *Store) IncrementCredentialUsage(ctx context.Context, name string, at time.Time) error {
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, KeyCredentialUsage, name, 1)
	pipe.HSet(ctx, KeyCredentialLastUsed, name, at.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record credential usage: %w", err)
	}
	return nil
}

// CredentialUsage is the persisted usage of one credential.
type CredentialUsage struct {
	Count    int64     `json:"count"`
	LastUsed time.Time `json:"last_used"`
}

// GetUsageStats retrieves usage statistics for all credentials
func (s *Store) GetUsageStats(ctx context.Context) (map[string]CredentialUsage, error) {
	counts, err := s.client.HGetAll(ctx, KeyCredentialUsage).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get credential usage: %w", err)
	}
	last, err := s.client.HGetAll(ctx, KeyCredentialLastUsed).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get credential last use: %w", err)
	}

	stats := make(map[string]CredentialUsage, len(counts))
	for name, raw := range counts {
		n, _ := strconv.ParseInt(raw, 10, 64)
		u := CredentialUsage{Count: n}
		if ts, err := strconv.ParseInt(last[name], 10, 64); err == nil {
			u.LastUsed = time.Unix(ts, 0)
		}
		stats[name] = u
	}
	return stats, nil
}

// UsageRecorder writes credential allocations to Redis without blocking the caller's
// error path: failures are logged and dropped.
type UsageRecorder struct {
	store   *Store
	logger  logger.Logger
	timeout time.Duration
}

func NewUsageRecorder(store *Store, log logger.Logger, timeout time.Duration) *UsageRecorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &UsageRecorder{store: store, logger: log, timeout: timeout}
}

// RecordCredentialUse satisfies credentials.UsageRecorder.
func (r *UsageRecorder) RecordCredentialUse(name string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.IncrementCredentialUsage(ctx, name, at); err != nil {
		r.logger.Warn("failed to record credential usage",
			logger.String("credential", name),
			logger.Error(err))
	}
}
