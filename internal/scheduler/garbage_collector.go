package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/MrSnakeDoc/terafetch/internal/index"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	redisstore "github.com/MrSnakeDoc/terafetch/internal/store/redis"
)

const (
	// DefaultRetention is how long a served artifact stays on the backend disk
	DefaultRetention = 6 * time.Hour
)

// GarbageCollector deletes backend copies that were never retrieved, or were retrieved
// long ago, along with job directories left behind by failed runs.
type GarbageCollector struct {
	store     *redisstore.Store
	index     *index.MemoryIndex
	dir       string
	logger    logger.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	stopCh    chan struct{}
}

// NewGarbageCollector creates a new garbage collector. store may be nil.
func NewGarbageCollector(
	store *redisstore.Store,
	idx *index.MemoryIndex,
	dir string,
	log logger.Logger,
	interval time.Duration,
	retention time.Duration,
) *GarbageCollector {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = retention / 4
	}

	return &GarbageCollector{
		store:     store,
		index:     idx,
		dir:       dir,
		logger:    log,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
}

// Start runs one collection, then collects every interval until Stop or ctx is done.
func (gc *GarbageCollector) Start(ctx context.Context) error {
	if err := gc.Collect(ctx); err != nil {
		gc.logger.Warn("initial garbage collection failed",
			logger.Error(err))
	}

	ticker := time.NewTicker(gc.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := gc.Collect(ctx); err != nil {
					gc.logger.Error("garbage collection failed",
						logger.Error(err))
				}
			case <-gc.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the garbage collector
func (gc *GarbageCollector) Stop() {
	close(gc.stopCh)
}

// Collect removes expired artifacts, then orphan job directories.
func (gc *GarbageCollector) Collect(ctx context.Context) error {
	now := gc.now()

	expired := gc.collectArtifacts(ctx, now)
	orphans, err := gc.collectOrphans(now)

	if expired+orphans > 0 {
		gc.logger.Info("garbage collection completed",
			logger.Int("artifacts_deleted", expired),
			logger.Int("orphans_deleted", orphans))
	} else {
		gc.logger.Debug("no artifacts to garbage collect")
	}
	return err
}

func (gc *GarbageCollector) collectArtifacts(ctx context.Context, now time.Time) int {
	deleted := 0
	for _, art := range gc.index.All() {
		age := now.Sub(art.CreatedAt)
		if age < gc.retention {
			// All is sorted oldest first
			break
		}

		token := art.Token()
		if err := os.RemoveAll(filepath.Join(gc.dir, art.JobID)); err != nil {
			gc.logger.Warn("failed to delete artifact from disk",
				logger.String("token", token),
				logger.Error(err))
			continue
		}
		gc.index.Delete(token)

		// best effort, the record expires on its own
		if gc.store != nil {
			if err := gc.store.DeleteArtifact(ctx, token); err != nil {
				gc.logger.Warn("failed to delete artifact from redis",
					logger.String("token", token),
					logger.Error(err))
			}
		}

		gc.logger.Info("garbage collected artifact",
			logger.String("token", token),
			logger.String("age", age.Round(time.Second).String()))
		deleted++
	}
	return deleted
}

// collectOrphans removes job directories that no indexed artifact points to.
func (gc *GarbageCollector) collectOrphans(now time.Time) (int, error) {
	entries, err := os.ReadDir(gc.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	deleted := 0
	for _, e := range entries {
		if !e.IsDir() || gc.index.HasJob(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || now.Sub(info.ModTime()) < gc.retention {
			continue
		}
		if err := os.RemoveAll(filepath.Join(gc.dir, e.Name())); err != nil {
			gc.logger.Warn("failed to delete orphan job dir",
				logger.String("job_id", e.Name()),
				logger.Error(err))
			continue
		}
		deleted++
	}
	return deleted, nil
}
