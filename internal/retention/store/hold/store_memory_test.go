package hold

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phiguard/internal/retention/models"
	"phiguard/pkg/platform/sentinel"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	t.Run("place rejects a second hold on the same id", func(t *testing.T) {
		store := NewInMemoryStore()
		require.NoError(t, store.Place(ctx, models.Hold{ResourceID: "p-1", Reason: "subpoena", PlacedAt: t0}))

		err := store.Place(ctx, models.Hold{ResourceID: "p-1", Reason: "other"})
		assert.ErrorIs(t, err, sentinel.ErrConflict)

		holds, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, holds, 1)
		assert.Equal(t, "subpoena", holds[0].Reason)
	})

	t.Run("release reports whether a hold existed", func(t *testing.T) {
		store := NewInMemoryStore()
		require.NoError(t, store.Place(ctx, models.Hold{ResourceID: "p-1", PlacedAt: t0}))

		released, err := store.Release(ctx, "p-1")
		require.NoError(t, err)
		assert.True(t, released)

		released, err = store.Release(ctx, "p-1")
		require.NoError(t, err)
		assert.False(t, released)

		held, err := store.IsHeld(ctx, "p-1")
		require.NoError(t, err)
		assert.False(t, held)
	})

	t.Run("list is ordered by placement time", func(t *testing.T) {
		store := NewInMemoryStore()
		require.NoError(t, store.Place(ctx, models.Hold{ResourceID: "b", PlacedAt: t0.Add(time.Hour)}))
		require.NoError(t, store.Place(ctx, models.Hold{ResourceID: "a", PlacedAt: t0}))

		holds, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, holds, 2)
		assert.Equal(t, "a", holds[0].ResourceID)
		assert.Equal(t, "b", holds[1].ResourceID)
	})
}
