package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/terafetch/internal/domain"
)

// DefaultArtifactTTL bounds how long an artifact record survives without garbage collection.
const DefaultArtifactTTL = 24 * time.Hour

// ErrArtifactNotFound is returned when a token has no record.
var ErrArtifactNotFound = errors.New("artifact not found")

// Store handles Redis operations for artifacts and credential usage
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a new Redis store. A non-positive ttl uses DefaultArtifactTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultArtifactTTL
	}
	return &Store{
		client: client,
		ttl:    ttl,
	}
}

// SaveArtifact stores an artifact record and adds its token to the index set
func (s *Store) SaveArtifact(ctx context.Context, art domain.Artifact) error {
	data, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}

	token := art.Token()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, ArtifactKey(token), data, s.ttl)
	pipe.SAdd(ctx, AllArtifactsKey(), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save artifact: %w", err)
	}
	return nil
}

// GetArtifact retrieves an artifact by token
func (s *Store) GetArtifact(ctx context.Context, token string) (domain.Artifact, error) {
	data, err := s.client.Get(ctx, ArtifactKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, token)
		}
		return domain.Artifact{}, fmt.Errorf("failed to get artifact: %w", err)
	}

	var art domain.Artifact
	if err := json.Unmarshal(data, &art); err != nil {
		return domain.Artifact{}, fmt.Errorf("failed to unmarshal artifact: %w", err)
	}
	return art, nil
}

// GetAllArtifacts retrieves every artifact still present. Tokens whose record expired
// are pruned from the set on the way.
func (s *Store) GetAllArtifacts(ctx context.Context) ([]domain.Artifact, error) {
	tokens, err := s.client.SMembers(ctx, AllArtifactsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact tokens: %w", err)
	}

	arts := make([]domain.Artifact, 0, len(tokens))
	var stale []interface{}
	for _, token := range tokens {
		art, err := s.GetArtifact(ctx, token)
		if errors.Is(err, ErrArtifactNotFound) {
			stale = append(stale, token)
			continue
		}
		if err != nil {
			return nil, err
		}
		arts = append(arts, art)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, AllArtifactsKey(), stale...).Err(); err != nil {
			return nil, fmt.Errorf("failed to prune expired tokens: %w", err)
		}
	}
	return arts, nil
}

// DeleteArtifact removes an artifact record
func (s *Store) DeleteArtifact(ctx context.Context, token string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ArtifactKey(token))
	pipe.SRem(ctx, AllArtifactsKey(), token)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// Ping reports whether Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
