// Package jobstest holds the behavioral contract every jobs.Registry backend
// must satisfy.
package jobstest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/jobs"
	"metered_gateway/internal/models"
)

const feature = models.FeatureID("summary")

// RunRegistryContract exercises a Registry produced by newRegistry. Each
// subtest uses fresh users and keys so backends may share state.
func RunRegistryContract(t *testing.T, newRegistry func(t *testing.T) jobs.Registry) {
	ctx := context.Background()

	t.Run("get or create is idempotent per key", func(t *testing.T) {
		reg := newRegistry(t)
		user, key := fresh()

		first, isNew, err := reg.GetOrCreate(ctx, user, feature, key, models.JSONB(`{"text":"a"}`))
		require.NoError(t, err)
		assert.True(t, isNew)
		assert.Equal(t, models.JobStatusRunning, first.Status)
		assert.Equal(t, 1, first.Attempts)
		assert.Equal(t, models.ChargeStatusNone, first.ChargeStatus)

		second, isNew, err := reg.GetOrCreate(ctx, user, feature, key, models.JSONB(`{"text":"b"}`))
		require.NoError(t, err)
		assert.False(t, isNew)
		assert.Equal(t, first.ID, second.ID)
		assert.JSONEq(t, `{"text":"a"}`, string(second.Request))
	})

	t.Run("key is scoped by user and feature", func(t *testing.T) {
		reg := newRegistry(t)
		user, key := fresh()

		a, _, err := reg.GetOrCreate(ctx, user, feature, key, nil)
		require.NoError(t, err)
		b, isNew, err := reg.GetOrCreate(ctx, user, "cover_image", key, nil)
		require.NoError(t, err)
		assert.True(t, isNew)
		c, isNew, err := reg.GetOrCreate(ctx, user+"-other", feature, key, nil)
		require.NoError(t, err)
		assert.True(t, isNew)

		assert.NotEqual(t, a.ID, b.ID)
		assert.NotEqual(t, a.ID, c.ID)
	})

	t.Run("concurrent creates yield one job", func(t *testing.T) {
		reg := newRegistry(t)
		user, key := fresh()

		var wg sync.WaitGroup
		var created atomic.Int32
		ids := make(chan uuid.UUID, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				job, isNew, err := reg.GetOrCreate(ctx, user, feature, key, nil)
				if !assert.NoError(t, err) {
					return
				}
				if isNew {
					created.Add(1)
				}
				ids <- job.ID
			}()
		}
		wg.Wait()
		close(ids)

		assert.Equal(t, int32(1), created.Load())
		var first uuid.UUID
		for id := range ids {
			if first == uuid.Nil {
				first = id
			}
			assert.Equal(t, first, id)
		}
	})

	t.Run("get and get by id", func(t *testing.T) {
		reg := newRegistry(t)
		user, key := fresh()

		_, err := reg.Get(ctx, user, feature, key)
		assert.ErrorIs(t, err, jobs.ErrJobNotFound)
		_, err = reg.GetByID(ctx, uuid.New())
		assert.ErrorIs(t, err, jobs.ErrJobNotFound)

		job, _, err := reg.GetOrCreate(ctx, user, feature, key, nil)
		require.NoError(t, err)

		byKey, err := reg.Get(ctx, user, feature, key)
		require.NoError(t, err)
		byID, err := reg.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, byKey.ID)
		assert.Equal(t, job.ID, byID.ID)
	})

	t.Run("mark succeeded records result and pending charge", func(t *testing.T) {
		reg := newRegistry(t)
		job := create(t, reg)

		done, err := reg.MarkSucceeded(ctx, job, models.JSONB(`{"ok":true}`), models.Charge{Mode: models.ChargeModePaid, Amount: 5})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusSucceeded, done.Status)
		assert.JSONEq(t, `{"ok":true}`, string(done.Result))
		assert.Equal(t, models.ChargeModePaid, done.ChargeMode)
		assert.Equal(t, int64(5), done.ChargeAmount)
		assert.Equal(t, models.ChargeStatusPending, done.ChargeStatus)
		assert.True(t, done.ChargeOutstanding())

		_, err = reg.MarkSucceeded(ctx, job, models.JSONB(`{"ok":false}`), models.Charge{Mode: models.ChargeModeNone})
		assert.ErrorIs(t, err, jobs.ErrJobConflict)

		stored, err := reg.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.JSONEq(t, `{"ok":true}`, string(stored.Result))
	})

	t.Run("unmetered success has no charge", func(t *testing.T) {
		reg := newRegistry(t)
		job := create(t, reg)

		done, err := reg.MarkSucceeded(ctx, job, models.JSONB(`{}`), models.Charge{Mode: models.ChargeModeNone})
		require.NoError(t, err)
		assert.Equal(t, models.ChargeStatusNone, done.ChargeStatus)
		assert.False(t, done.ChargeOutstanding())
	})

	t.Run("blocked job retries as a new attempt", func(t *testing.T) {
		reg := newRegistry(t)
		job := create(t, reg)

		blocked, err := reg.MarkBlocked(ctx, job, models.ErrorCodeNeedConfirmation, "confirm")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusBlocked, blocked.Status)
		require.NotNil(t, blocked.ErrorCode)
		assert.Equal(t, models.ErrorCodeNeedConfirmation, *blocked.ErrorCode)

		retried, err := reg.Retry(ctx, blocked)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, retried.Status)
		assert.Equal(t, 2, retried.Attempts)
		assert.Nil(t, retried.ErrorCode)
		assert.Nil(t, retried.ErrorMessage)

		_, err = reg.Retry(ctx, blocked)
		assert.ErrorIs(t, err, jobs.ErrJobConflict, "second retry of the same attempt loses")
	})

	t.Run("failed job retries", func(t *testing.T) {
		reg := newRegistry(t)
		job := create(t, reg)

		failed, err := reg.MarkFailed(ctx, job, models.ErrorCodeWorkerFailure, "boom")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, failed.Status)

		retried, err := reg.Retry(ctx, failed)
		require.NoError(t, err)
		assert.Equal(t, 2, retried.Attempts)
	})

	t.Run("retry of running or succeeded job conflicts", func(t *testing.T) {
		reg := newRegistry(t)
		job := create(t, reg)

		_, err := reg.Retry(ctx, job)
		assert.ErrorIs(t, err, jobs.ErrJobConflict)

		done, err := reg.MarkSucceeded(ctx, job, models.JSONB(`{}`), models.Charge{Mode: models.ChargeModeNone})
		require.NoError(t, err)
		_, err = reg.Retry(ctx, done)
		assert.ErrorIs(t, err, jobs.ErrJobConflict)
	})

	t.Run("superseded attempt cannot finalize", func(t *testing.T) {
		reg := newRegistry(t)
		job := create(t, reg)

		reclaimed, err := reg.Reclaim(ctx, job, time.Now().Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 2, reclaimed.Attempts)
		assert.Equal(t, models.JobStatusRunning, reclaimed.Status)

		_, err = reg.MarkFailed(ctx, job, models.ErrorCodeWorkerTimeout, "late")
		assert.ErrorIs(t, err, jobs.ErrJobConflict)

		_, err = reg.MarkSucceeded(ctx, reclaimed, models.JSONB(`{}`), models.Charge{Mode: models.ChargeModeFree, Amount: 1})
		assert.NoError(t, err)
	})

	t.Run("reclaim requires a stale job", func(t *testing.T) {
		reg := newRegistry(t)
		job := create(t, reg)

		_, err := reg.Reclaim(ctx, job, time.Now().Add(-time.Hour))
		assert.ErrorIs(t, err, jobs.ErrJobConflict)
	})

	t.Run("charge lifecycle", func(t *testing.T) {
		reg := newRegistry(t)
		job := create(t, reg)

		_, err := reg.MarkSucceeded(ctx, job, models.JSONB(`{}`), models.Charge{Mode: models.ChargeModeFree, Amount: 1})
		require.NoError(t, err)

		require.NoError(t, reg.MarkChargeFailed(ctx, job.ID, "redis down"))
		failed, err := reg.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ChargeStatusFailed, failed.ChargeStatus)
		require.NotNil(t, failed.ChargeError)
		assert.Equal(t, "redis down", *failed.ChargeError)

		require.NoError(t, reg.MarkCharged(ctx, job.ID))
		require.NoError(t, reg.MarkCharged(ctx, job.ID))
		charged, err := reg.GetByID(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ChargeStatusCommitted, charged.ChargeStatus)
		assert.Nil(t, charged.ChargeError)

		assert.ErrorIs(t, reg.MarkChargeFailed(ctx, job.ID, "late"), jobs.ErrJobConflict)
		assert.ErrorIs(t, reg.MarkCharged(ctx, uuid.New()), jobs.ErrJobNotFound)
	})

	t.Run("list pending charges", func(t *testing.T) {
		reg := newRegistry(t)
		pending := create(t, reg)
		committed := create(t, reg)
		running := create(t, reg)

		_, err := reg.MarkSucceeded(ctx, pending, models.JSONB(`{}`), models.Charge{Mode: models.ChargeModePaid, Amount: 2})
		require.NoError(t, err)
		_, err = reg.MarkSucceeded(ctx, committed, models.JSONB(`{}`), models.Charge{Mode: models.ChargeModePaid, Amount: 2})
		require.NoError(t, err)
		require.NoError(t, reg.MarkCharged(ctx, committed.ID))

		listed, err := reg.ListPendingCharges(ctx, time.Now().Add(time.Minute), 1000)
		require.NoError(t, err)
		ids := make(map[uuid.UUID]bool)
		for _, job := range listed {
			ids[job.ID] = true
		}
		assert.True(t, ids[pending.ID])
		assert.False(t, ids[committed.ID])
		assert.False(t, ids[running.ID])

		recent, err := reg.ListPendingCharges(ctx, time.Now().Add(-time.Hour), 1000)
		require.NoError(t, err)
		for _, job := range recent {
			assert.NotEqual(t, pending.ID, job.ID)
		}
	})
}

func fresh() (string, string) {
	return "user-" + uuid.NewString(), uuid.NewString()
}

func create(t *testing.T, reg jobs.Registry) *models.Job {
	t.Helper()
	user, key := fresh()
	job, isNew, err := reg.GetOrCreate(context.Background(), user, feature, key, models.JSONB(`{}`))
	require.NoError(t, err)
	require.True(t, isNew)
	return job
}
