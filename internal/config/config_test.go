package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metered_gateway/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("FEATURE_COSTS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, BackendPostgres, cfg.StoreBackend)
	assert.Equal(t, BackendRedis, cfg.QuotaBackend)
	assert.Equal(t, 15*time.Minute, cfg.Gate.JobStaleAfter)
	assert.Equal(t, 120*time.Second, cfg.Worker.Timeout)
	assert.Equal(t, 3, cfg.Charges.MaxRetries)
	assert.Equal(t, models.DefaultCostTable(), cfg.Gate.Costs)
}

func TestLoad_RequiresDatabaseForPostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_BACKEND", "postgres")

	_, err := Load()
	assert.ErrorContains(t, err, "DATABASE_URL")
}

func TestLoad_MemoryBackendsNeedNoDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUOTA_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.NeedsDatabase())
	assert.False(t, cfg.NeedsRedis())
}

func TestLoad_FeatureCosts(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUOTA_BACKEND", "memory")

	t.Run("inline json", func(t *testing.T) {
		t.Setenv("FEATURE_COSTS", `{"summary":{"free_limit":3,"credit_cost":7}}`)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, models.FeatureCost{FreeLimit: 3, CreditCost: 7}, cfg.Gate.Costs["summary"])
	})

	t.Run("file reference", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "costs.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"clip":{"free_limit":0,"credit_cost":20}}`), 0o600))
		t.Setenv("FEATURE_COSTS", "@"+path)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, int64(20), cfg.Gate.Costs["clip"].CreditCost)
	})

	t.Run("invalid json", func(t *testing.T) {
		t.Setenv("FEATURE_COSTS", `{"clip":`)

		_, err := Load()
		assert.Error(t, err)
	})
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "sqlite")

	_, err := Load()
	assert.ErrorContains(t, err, "STORE_BACKEND")
}

func TestLoad_AuditRequiresBucket(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUOTA_BACKEND", "memory")
	t.Setenv("AUDIT_ENABLED", "true")
	t.Setenv("AUDIT_S3_BUCKET", "")

	_, err := Load()
	assert.ErrorContains(t, err, "AUDIT_S3_BUCKET")
}

func TestLoad_StaleAfterMustExceedWorkerTimeout(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("QUOTA_BACKEND", "memory")
	t.Setenv("WORKER_TIMEOUT", "2m")

	tests := []struct {
		name       string
		staleAfter string
		wantErr    bool
	}{
		{"shorter than timeout", "30s", true},
		{"equal to timeout", "2m", true},
		{"negative", "-1m", true},
		{"longer than timeout", "3m", false},
		{"reclaim disabled", "0s", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("JOB_STALE_AFTER", tt.staleAfter)

			cfg, err := Load()
			if tt.wantErr {
				assert.ErrorContains(t, err, "JOB_STALE_AFTER")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 2*time.Minute, cfg.Worker.Timeout)
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_DURATION", "90s")
	t.Setenv("TEST_BOOL", "true")

	assert.Equal(t, 42, getEnvInt("TEST_INT", 1))
	assert.Equal(t, 1, getEnvInt("TEST_BAD_INT", 1))
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))
	assert.True(t, getEnvBool("TEST_BOOL", false))
	assert.Equal(t, "fallback", getEnvString("TEST_MISSING", "fallback"))
}
