package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/monkify/session-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for configurations, read each time the opener or a finished session
// opens the next session. Session reads load their parameters from the
// primary. Writes go to the primary store and invalidate the cache;
// everything else passes through.
type CachedStore struct {
	Store
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		Store:  primary,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.With("component", "parameters-cache"),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertParameters(ctx context.Context, p *model.SessionParameters) error {
	if err := s.Store.UpsertParameters(ctx, p); err != nil {
		return err
	}
	s.invalidate(ctx, p.ID)
	return nil
}

func (s *CachedStore) SetParametersActive(ctx context.Context, id string, active bool) error {
	if err := s.Store.SetParametersActive(ctx, id, active); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetParameters(ctx context.Context, id string) (*model.SessionParameters, error) {
	data, err := s.rdb.Get(ctx, parametersKey(id)).Bytes()
	if err == nil {
		var p model.SessionParameters
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.Store.GetParameters(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		if err := s.rdb.Set(ctx, parametersKey(id), data, s.ttl).Err(); err != nil {
			s.logger.Warn("cache set failed", "parameters_id", id, "err", err)
		}
	}
	return p, nil
}

func (s *CachedStore) invalidate(ctx context.Context, id string) {
	if err := s.rdb.Del(ctx, parametersKey(id)).Err(); err != nil {
		s.logger.Warn("cache invalidation failed", "parameters_id", id, "err", err)
	}
}

func parametersKey(id string) string { return fmt.Sprintf("parameters:%s", id) }
