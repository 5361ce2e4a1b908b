package scheduler

import (
	"context"
	"os"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
	"github.com/MrSnakeDoc/terafetch/internal/index"
	"github.com/MrSnakeDoc/terafetch/internal/logger"
	redisstore "github.com/MrSnakeDoc/terafetch/internal/store/redis"
)

// ArtifactSyncer restores the artifact index from Redis on startup
type ArtifactSyncer struct {
	store  *redisstore.Store
	index  *index.MemoryIndex
	logger logger.Logger
}

func NewArtifactSyncer(
	store *redisstore.Store,
	idx *index.MemoryIndex,
	log logger.Logger,
) *ArtifactSyncer {
	return &ArtifactSyncer{
		store:  store,
		index:  idx,
		logger: log,
	}
}

// Sync loads artifact records from Redis and keeps those whose file is still on disk.
func (s *ArtifactSyncer) Sync(ctx context.Context) error {
	s.logger.Info("syncing artifacts from redis to memory")

	arts, err := s.store.GetAllArtifacts(ctx)
	if err != nil {
		return err
	}

	present := make([]domain.Artifact, 0, len(arts))
	for _, a := range arts {
		if _, err := os.Stat(a.Path); err != nil {
			s.logger.Debug("dropping artifact missing on disk",
				logger.String("token", a.Token()))
			if derr := s.store.DeleteArtifact(ctx, a.Token()); derr != nil {
				s.logger.Warn("failed to delete stale artifact record",
					logger.String("token", a.Token()),
					logger.Error(derr))
			}
			continue
		}
		present = append(present, a)
	}

	s.index.Replace(present)
	s.logger.Info("synced artifacts from redis",
		logger.Int("count", len(present)),
		logger.Int("dropped", len(arts)-len(present)))
	return nil
}
