package quota

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/models"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

var testCosts = models.CostTable{
	"summary": {FreeLimit: 3, CreditCost: 7},
	"chat":    {FreeLimit: -1, CreditCost: 0},
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		defer mr.Close()
		defer client.Close()
		fn(t, NewRedisStore(client))
	})
}

func TestLedger_CheckIsPure(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ledger := NewLedger(store, testCosts)
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			status, err := ledger.Check(ctx, "user-1", "summary")
			require.NoError(t, err)
			assert.True(t, status.WithinQuota)
			assert.Equal(t, int64(0), status.Used)
			assert.Equal(t, int64(3), status.Limit)
		}
	})
}

func TestLedger_CommitExhaustsQuota(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ledger := NewLedger(store, testCosts)
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, ledger.Commit(ctx, "user-1", "summary", fmt.Sprintf("job-%d", i)))
		}

		status, err := ledger.Check(ctx, "user-1", "summary")
		require.NoError(t, err)
		assert.False(t, status.WithinQuota)
		assert.Equal(t, int64(3), status.Used)

		other, err := ledger.Check(ctx, "user-2", "summary")
		require.NoError(t, err)
		assert.True(t, other.WithinQuota, "usage is per user")
	})
}

func TestLedger_CommitIsIdempotentPerRef(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		ledger := NewLedger(store, testCosts)
		ctx := context.Background()

		require.NoError(t, ledger.Commit(ctx, "user-1", "summary", "job-a"))
		require.NoError(t, ledger.Commit(ctx, "user-1", "summary", "job-a"))

		status, err := ledger.Check(ctx, "user-1", "summary")
		require.NoError(t, err)
		assert.Equal(t, int64(1), status.Used)
	})
}

func TestLedger_PeriodRollover(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		now := time.Date(2026, time.October, 31, 23, 0, 0, 0, time.UTC)
		ledger := NewLedger(store, testCosts).WithClock(func() time.Time { return now })
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			require.NoError(t, ledger.Commit(ctx, "user-1", "summary", fmt.Sprintf("job-%d", i)))
		}
		status, err := ledger.Check(ctx, "user-1", "summary")
		require.NoError(t, err)
		assert.False(t, status.WithinQuota)

		now = now.Add(2 * time.Hour)
		status, err = ledger.Check(ctx, "user-1", "summary")
		require.NoError(t, err)
		assert.True(t, status.WithinQuota)
		assert.Equal(t, int64(0), status.Used)
	})
}

func TestLedger_CommitAtUsesExecutionPeriod(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		now := time.Date(2026, time.November, 1, 0, 5, 0, 0, time.UTC)
		ledger := NewLedger(store, testCosts).WithClock(func() time.Time { return now })
		ctx := context.Background()

		executedAt := now.Add(-10 * time.Minute)
		require.NoError(t, ledger.CommitAt(ctx, "user-1", "summary", executedAt, "job-late"))

		used, err := store.Used(ctx, "user-1", "summary", models.PeriodOf(executedAt))
		require.NoError(t, err)
		assert.Equal(t, int64(1), used)

		status, err := ledger.Check(ctx, "user-1", "summary")
		require.NoError(t, err)
		assert.Equal(t, int64(0), status.Used)
	})
}

func TestLedger_Unlimited(t *testing.T) {
	ledger := NewLedger(NewMemoryStore(), testCosts)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, ledger.Commit(ctx, "user-1", "chat", fmt.Sprintf("job-%d", i)))
	}

	status, err := ledger.Check(ctx, "user-1", "chat")
	require.NoError(t, err)
	assert.True(t, status.Unlimited)
	assert.True(t, status.WithinQuota)
	assert.Equal(t, int64(5), status.Used)
}

func TestLedger_UnknownFeature(t *testing.T) {
	ledger := NewLedger(NewMemoryStore(), testCosts)

	_, err := ledger.Check(context.Background(), "user-1", "missing")
	assert.ErrorIs(t, err, ErrUnknownFeature)

	err = ledger.Commit(context.Background(), "user-1", "missing", "job")
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestRedisStore_KeyLayout(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewRedisStore(client)
	period := models.Period{Year: 2026, Month: time.March}
	require.NoError(t, store.Increment(context.Background(), "u1", "summary", period, "job-1"))

	val, err := mr.Get("quota:{u1}:summary:2026:03")
	require.NoError(t, err)
	assert.Equal(t, "1", val)
	assert.True(t, mr.Exists("quota:{u1}:commit:job-1"))
	assert.Equal(t, time.Duration(0), mr.TTL("quota:{u1}:summary:2026:03"), "counters are retained")
}

// hashTag returns the part of key Redis Cluster hashes.
func hashTag(key string) string {
	start := strings.Index(key, "{")
	if start < 0 {
		return key
	}
	end := strings.Index(key[start+1:], "}")
	if end <= 0 {
		return key
	}
	return key[start+1 : start+1+end]
}

func TestRedisStore_CommitKeysShareSlot(t *testing.T) {
	period := models.Period{Year: 2026, Month: time.March}

	for _, user := range []string{"u1", "user-with:colons", "6f1c2a7e-0d7b-4c43-9a51-3d2f0c1e9b10"} {
		counter := counterKeyFor(user, "summary", period)
		ref := refKeyFor(user, "job-1")
		assert.Equal(t, user, hashTag(counter))
		assert.Equal(t, hashTag(counter), hashTag(ref))
	}
}

func TestRedisStore_IncrementWithoutRef(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewRedisStore(client)
	period := models.Period{Year: 2026, Month: time.March}
	ctx := context.Background()
	require.NoError(t, store.Increment(ctx, "u1", "summary", period, ""))
	require.NoError(t, store.Increment(ctx, "u1", "summary", period, ""))

	used, err := store.Used(ctx, "u1", "summary", period)
	require.NoError(t, err)
	assert.Equal(t, int64(2), used)
}

func TestRedisStore_ConcurrentIncrements(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	store := NewRedisStore(client)
	period := models.Period{Year: 2026, Month: time.March}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, store.Increment(context.Background(), "u1", "summary", period, fmt.Sprintf("job-%d", i%10)))
		}(i)
	}
	wg.Wait()

	used, err := store.Used(context.Background(), "u1", "summary", period)
	require.NoError(t, err)
	assert.Equal(t, int64(10), used)
}
