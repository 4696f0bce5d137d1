package hold

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"phiguard/internal/retention/models"
	"phiguard/pkg/platform/sentinel"
)

// Redis hash holding one JSON-encoded hold per resource id
const holdsKey = "phiguard:holds"

// RedisStore shares holds across instances. HSETNX makes placement atomic, so
// two operators holding the same id cannot overwrite each other's reason.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Place(ctx context.Context, h models.Hold) error {
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode hold: %w", err)
	}
	set, err := s.client.HSetNX(ctx, holdsKey, h.ResourceID, raw).Result()
	if err != nil {
		return fmt.Errorf("place hold: %w", err)
	}
	if !set {
		return fmt.Errorf("hold on %s: %w", h.ResourceID, sentinel.ErrConflict)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, resourceID string) (bool, error) {
	n, err := s.client.HDel(ctx, holdsKey, resourceID).Result()
	if err != nil {
		return false, fmt.Errorf("release hold: %w", err)
	}
	return n > 0, nil
}

func (s *RedisStore) IsHeld(ctx context.Context, resourceID string) (bool, error) {
	ok, err := s.client.HExists(ctx, holdsKey, resourceID).Result()
	if err != nil {
		return false, fmt.Errorf("check hold: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) List(ctx context.Context) ([]models.Hold, error) {
	raw, err := s.client.HGetAll(ctx, holdsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	out := make([]models.Hold, 0, len(raw))
	for id, v := range raw {
		var h models.Hold
		if err := json.Unmarshal([]byte(v), &h); err != nil {
			return nil, fmt.Errorf("decode hold %s: %w", id, err)
		}
		out = append(out, h)
	}
	sortHolds(out)
	return out, nil
}
