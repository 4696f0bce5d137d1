package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"

	"phiguard/pkg/domain"
	"phiguard/pkg/platform/sentinel"
)

const (
	// Redis key prefix for custom permission lists
	keyPrefix = "phiguard:perms:"

	maxTxRetries = 5
)

// RedisStore keeps each user's custom permissions as one JSON list so
// instances share grants. Mutations run as optimistic WATCH transactions.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) List(ctx context.Context, userID string) ([]domain.Permission, error) {
	return s.load(ctx, s.client, userID)
}

func (s *RedisStore) Add(ctx context.Context, userID string, p domain.Permission) error {
	return s.update(ctx, userID, func(perms []domain.Permission) ([]domain.Permission, bool) {
		if slices.ContainsFunc(perms, p.Equal) {
			return perms, false
		}
		return append(perms, p), true
	})
}

func (s *RedisStore) Remove(ctx context.Context, userID string, p domain.Permission) (bool, error) {
	var removed bool
	err := s.update(ctx, userID, func(perms []domain.Permission) ([]domain.Permission, bool) {
		i := slices.IndexFunc(perms, p.Equal)
		removed = i >= 0
		if !removed {
			return perms, false
		}
		return slices.Delete(perms, i, i+1), true
	})
	return removed, err
}

func (s *RedisStore) Clear(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, keyPrefix+userID).Err(); err != nil {
		return fmt.Errorf("clear permissions: %w", err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, c redis.Cmdable, userID string) ([]domain.Permission, error) {
	raw, err := c.Get(ctx, keyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	var perms []domain.Permission
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, fmt.Errorf("decode permissions for %s: %w", userID, err)
	}
	return perms, nil
}

func (s *RedisStore) update(ctx context.Context, userID string, mutate func([]domain.Permission) ([]domain.Permission, bool)) error {
	key := keyPrefix + userID
	txf := func(tx *redis.Tx) error {
		perms, err := s.load(ctx, tx, userID)
		if err != nil {
			return err
		}
		next, changed := mutate(perms)
		if !changed {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(next) == 0 {
				pipe.Del(ctx, key)
				return nil
			}
			raw, err := json.Marshal(next)
			if err != nil {
				return err
			}
			pipe.Set(ctx, key, raw, 0)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update permissions: %w", err)
		}
		return nil
	}
	return fmt.Errorf("update permissions for %s: %w", userID, sentinel.ErrConflict)
}
