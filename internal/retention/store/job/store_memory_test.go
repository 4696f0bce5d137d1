package job

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phiguard/internal/retention/models"
	"phiguard/pkg/domain"
	"phiguard/pkg/platform/sentinel"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("latest on empty history is not found", func(t *testing.T) {
		store := NewInMemoryStore(0)
		_, err := store.Latest(ctx, domain.ResourcePatient)
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
	})

	t.Run("save replaces a job with the same id", func(t *testing.T) {
		store := NewInMemoryStore(0)
		j := &models.Job{ID: "j1", ResourceType: domain.ResourcePatient, Status: models.JobRunning}
		require.NoError(t, store.Save(ctx, j))
		j.Status = models.JobCompleted
		require.NoError(t, store.Save(ctx, j))

		jobs, err := store.List(ctx, domain.ResourcePatient, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, models.JobCompleted, jobs[0].Status)
	})

	t.Run("history is bounded and newest first", func(t *testing.T) {
		store := NewInMemoryStore(3)
		for i := range 5 {
			require.NoError(t, store.Save(ctx, &models.Job{ID: fmt.Sprintf("j%d", i), ResourceType: domain.ResourceFAQ}))
		}

		jobs, err := store.List(ctx, domain.ResourceFAQ, 0)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, "j4", jobs[0].ID)
		assert.Equal(t, "j2", jobs[2].ID)

		latest, err := store.Latest(ctx, domain.ResourceFAQ)
		require.NoError(t, err)
		assert.Equal(t, "j4", latest.ID)

		limited, err := store.List(ctx, domain.ResourceFAQ, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("returned jobs are copies", func(t *testing.T) {
		store := NewInMemoryStore(0)
		require.NoError(t, store.Save(ctx, &models.Job{ID: "j1", ResourceType: domain.ResourceFAQ}))
		latest, err := store.Latest(ctx, domain.ResourceFAQ)
		require.NoError(t, err)
		latest.Errors = append(latest.Errors, models.JobError{Message: "mutated"})

		again, err := store.Latest(ctx, domain.ResourceFAQ)
		require.NoError(t, err)
		assert.Empty(t, again.Errors)
	})

	t.Run("save requires an id", func(t *testing.T) {
		store := NewInMemoryStore(0)
		assert.Error(t, store.Save(ctx, &models.Job{}))
	})
}
