package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"metered_gateway/internal/models"
)

// Backend names accepted by STORE_BACKEND and QUOTA_BACKEND.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds configuration for the gateway.
type Config struct {
	HTTPPort  string
	JWTSecret []byte
	LogLevel  string
	PodName   string

	// StoreBackend selects the job registry and credit ledger backend.
	StoreBackend string
	// QuotaBackend selects the quota counter backend.
	QuotaBackend string

	Database  DatabaseConfig
	Cache     CacheConfig
	Redis     RedisConfig
	Gate      GateConfig
	Worker    WorkerConfig
	Charges   ChargeConfig
	RateLimit RateLimitConfig
	Admin     AdminConfig
	Payments  PaymentsConfig
	Audit     AuditConfig
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	AutoMigrate     bool
}

// CacheConfig holds cache settings
type CacheConfig struct {
	JobCacheSize int
	JobCacheTTL  time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// GateConfig holds the feature gate policy.
type GateConfig struct {
	Costs models.CostTable
	// JobStaleAfter is how long a running job may go untouched before a
	// same-key request may reclaim it. Zero disables reclaiming.
	JobStaleAfter time.Duration
}

// WorkerConfig configures the generation worker client.
type WorkerConfig struct {
	URL     string // empty selects the local echo worker
	APIKey  string
	Timeout time.Duration
}

// ChargeConfig configures the charge outbox.
type ChargeConfig struct {
	BatchSize         int
	BatchTimeout      time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration
	ReconcileBatch    int
}

// RateLimitConfig limits metered executions per user.
type RateLimitConfig struct {
	ExecutePerMinute int // 0 disables the limit
}

// AdminConfig holds the service credentials accepted by /admin/auth/token.
type AdminConfig struct {
	ServiceName      string
	ServiceTokenHash string // Argon2id encoded
	TokenTTL         time.Duration
}

// PaymentsConfig configures the purchase event consumer.
type PaymentsConfig struct {
	AMQPURL  string // empty disables the consumer
	Queue    string
	Prefetch int
	Workers  int
}

// AuditConfig holds configuration for the S3 charge archive
type AuditConfig struct {
	Enabled       bool          // Whether to archive committed charges
	BufferSize    int           // In-memory queue size
	FlushSize     int           // Flush to S3 after this many records
	FlushInterval time.Duration // Flush to S3 after this duration
	S3Bucket      string        // S3 bucket name
	S3Region      string        // AWS region
	S3Prefix      string        // Prefix for S3 keys (e.g., "charges/")
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func loadCostTable() (models.CostTable, error) {
	raw := strings.TrimSpace(os.Getenv("FEATURE_COSTS"))
	if raw == "" {
		return models.DefaultCostTable(), nil
	}
	// A value starting with @ names a file holding the JSON table.
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, fmt.Errorf("failed to read FEATURE_COSTS file: %w", err)
		}
		return models.ParseCostTable(data)
	}
	return models.ParseCostTable([]byte(raw))
}

// Load reads configuration from a .env file, if present, and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	costs, err := loadCostTable()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:     getEnvString("HTTP_PORT", "8080"),
		JWTSecret:    []byte(getEnvString("JWT_SECRET", "supersecretkey")),
		LogLevel:     getEnvString("LOG_LEVEL", "info"),
		PodName:      getEnvString("POD_NAME", "gateway-0"),
		StoreBackend: strings.ToLower(getEnvString("STORE_BACKEND", BackendPostgres)),
		QuotaBackend: strings.ToLower(getEnvString("QUOTA_BACKEND", BackendRedis)),
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", true),
		},
		Cache: CacheConfig{
			JobCacheSize: getEnvInt("CACHE_JOB_SIZE", 10000),
			JobCacheTTL:  getEnvDuration("CACHE_JOB_TTL", 10*time.Minute),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Gate: GateConfig{
			Costs:         costs,
			JobStaleAfter: getEnvDuration("JOB_STALE_AFTER", 15*time.Minute),
		},
		Worker: WorkerConfig{
			URL:     getEnvString("WORKER_URL", ""),
			APIKey:  getEnvString("WORKER_API_KEY", ""),
			Timeout: getEnvDuration("WORKER_TIMEOUT", 120*time.Second),
		},
		Charges: ChargeConfig{
			BatchSize:         getEnvInt("CHARGE_QUEUE_BATCH_SIZE", 100),
			BatchTimeout:      getEnvDuration("CHARGE_QUEUE_BATCH_TIMEOUT", 5*time.Second),
			MaxRetries:        getEnvInt("CHARGE_QUEUE_MAX_RETRIES", 3),
			RetryBackoff:      getEnvDuration("CHARGE_QUEUE_RETRY_BACKOFF", 1*time.Second),
			ReconcileInterval: getEnvDuration("CHARGE_RECONCILE_INTERVAL", 1*time.Minute),
			ReconcileGrace:    getEnvDuration("CHARGE_RECONCILE_GRACE", 2*time.Minute),
			ReconcileBatch:    getEnvInt("CHARGE_RECONCILE_BATCH", 500),
		},
		RateLimit: RateLimitConfig{
			ExecutePerMinute: getEnvInt("RATE_LIMIT_EXECUTE_PER_MINUTE", 0),
		},
		Admin: AdminConfig{
			ServiceName:      getEnvString("ADMIN_SERVICE_NAME", "payments"),
			ServiceTokenHash: getEnvString("ADMIN_SERVICE_TOKEN_HASH", ""),
			TokenTTL:         getEnvDuration("ADMIN_TOKEN_TTL", 1*time.Hour),
		},
		Payments: PaymentsConfig{
			AMQPURL:  getEnvString("PAYMENTS_AMQP_URL", ""),
			Queue:    getEnvString("PAYMENTS_QUEUE", "credit-purchases"),
			Prefetch: getEnvInt("PAYMENTS_PREFETCH", 10),
			Workers:  getEnvInt("PAYMENTS_WORKERS", 2),
		},
		Audit: AuditConfig{
			Enabled:       getEnvBool("AUDIT_ENABLED", false),
			BufferSize:    getEnvInt("AUDIT_BUFFER_SIZE", 10000),
			FlushSize:     getEnvInt("AUDIT_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("AUDIT_FLUSH_INTERVAL", 5*time.Minute),
			S3Bucket:      getEnvString("AUDIT_S3_BUCKET", ""),
			S3Region:      getEnvString("AUDIT_S3_REGION", "us-east-1"),
			S3Prefix:      getEnvString("AUDIT_S3_PREFIX", "charges/"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, c.StoreBackend)
	}
	switch c.QuotaBackend {
	case BackendPostgres, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("QUOTA_BACKEND must be one of postgres, redis, memory, got %q", c.QuotaBackend)
	}
	if c.NeedsDatabase() && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Audit.Enabled && c.Audit.S3Bucket == "" {
		return fmt.Errorf("AUDIT_S3_BUCKET is required when AUDIT_ENABLED is set")
	}
	if c.Worker.Timeout <= 0 {
		return fmt.Errorf("WORKER_TIMEOUT must be positive")
	}
	if c.Gate.JobStaleAfter < 0 {
		return fmt.Errorf("JOB_STALE_AFTER must not be negative")
	}
	// A live attempt must never look stale while its worker call can still succeed.
	if c.Gate.JobStaleAfter > 0 && c.Gate.JobStaleAfter <= c.Worker.Timeout {
		return fmt.Errorf("JOB_STALE_AFTER (%s) must exceed WORKER_TIMEOUT (%s)", c.Gate.JobStaleAfter, c.Worker.Timeout)
	}
	return c.Gate.Costs.Validate()
}

// NeedsDatabase reports whether any configured backend is Postgres.
func (c *Config) NeedsDatabase() bool {
	return c.StoreBackend == BackendPostgres || c.QuotaBackend == BackendPostgres
}

// NeedsRedis reports whether the quota ledger runs on Redis. The charge
// queue and rate limiter also use Redis whenever an address is set.
func (c *Config) NeedsRedis() bool {
	return c.QuotaBackend == BackendRedis
}
