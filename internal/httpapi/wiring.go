package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"metered_gateway/internal/audit"
	"metered_gateway/internal/auth"
	"metered_gateway/internal/billing"
	"metered_gateway/internal/config"
	"metered_gateway/internal/credit"
	"metered_gateway/internal/gate"
	"metered_gateway/internal/generation"
	"metered_gateway/internal/jobs"
	"metered_gateway/internal/metrics"
	"metered_gateway/internal/payments"
	"metered_gateway/internal/queue"
	"metered_gateway/internal/quota"
	"metered_gateway/internal/ratelimit"
	"metered_gateway/internal/storage"
	"metered_gateway/internal/utils"
)

const serviceName = "metered_gateway"

// NewRouter builds every backend selected by cfg, starts the background
// workers and returns the HTTP handler together with its dependencies.
// Callers must call Dependencies.Shutdown.
func NewRouter(ctx context.Context, cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	logger := utils.NewLogger("httpapi")
	d := &Dependencies{
		Config:       cfg,
		HealthChecks: make(map[string]HealthCheck),
		logger:       logger,
	}

	fail := func(err error) (*http.ServeMux, *Dependencies, error) {
		d.closeAll()
		return nil, nil, err
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	d.Metrics = metrics.New(registry, metrics.Config{ServiceName: serviceName, PodName: cfg.PodName})

	// Initialize database
	var db *storage.DB
	if cfg.NeedsDatabase() {
		var err error
		db, err = storage.NewDB(storage.DBConfig{
			URL:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
			JobCacheSize:    cfg.Cache.JobCacheSize,
			JobCacheTTL:     cfg.Cache.JobCacheTTL,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to initialize database: %w", err))
		}
		d.addCloser("database", db.Close)
		d.HealthChecks["database"] = db.Health

		if cfg.Database.AutoMigrate {
			if err := db.Migrate(); err != nil {
				return fail(err)
			}
			logger.Info("Database migrations applied")
		}
	}

	// Initialize Redis client. Only the Redis quota backend requires it;
	// the charge queue and rate limiter fall back to memory.
	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rc, err := storage.NewRedisClient(storage.RedisConfig{
			Address:      cfg.Redis.Address,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		switch {
		case err == nil:
			rdb = rc.Client()
			d.addCloser("redis", rc.Close)
			d.HealthChecks["redis"] = rc.Health
		case cfg.NeedsRedis():
			return fail(fmt.Errorf("failed to initialize Redis: %w", err))
		default:
			logger.Warn("Redis unavailable, using in-memory queue and rate limiter", "error", err)
		}
	}

	if cfg.NeedsRedis() && rdb == nil {
		return fail(fmt.Errorf("QUOTA_BACKEND=redis requires REDIS_ADDRESS"))
	}

	// Ledgers and job registry
	var quotaStore quota.Store
	switch cfg.QuotaBackend {
	case config.BackendPostgres:
		quotaStore = db.NewQuotaRepository()
	case config.BackendRedis:
		quotaStore = quota.NewRedisStore(rdb)
	default:
		quotaStore = quota.NewMemoryStore()
	}
	quotaLedger := quota.NewLedger(quotaStore, cfg.Gate.Costs)

	var registryBackend jobs.Registry
	var credits credit.Ledger
	if cfg.StoreBackend == config.BackendPostgres {
		registryBackend = db.NewJobRepository()
		credits = db.NewCreditRepository()
	} else {
		registryBackend = jobs.NewMemoryRegistry()
		credits = credit.NewMemoryLedger()
	}
	d.Credits = credits

	// Charge outbox
	queueCfg := queue.DefaultConfig("charges")
	queueCfg.BatchSize = cfg.Charges.BatchSize
	queueCfg.BatchTimeout = cfg.Charges.BatchTimeout
	queueCfg.MaxRetries = cfg.Charges.MaxRetries
	queueCfg.RetryBackoff = cfg.Charges.RetryBackoff

	var chargeQueue queue.Queue
	var chargeDLQ queue.DeadLetterQueue
	if rdb != nil {
		q, err := queue.NewRedisQueue(rdb, queueCfg)
		if err != nil {
			return fail(fmt.Errorf("failed to create charge queue: %w", err))
		}
		dlq, err := queue.NewRedisDeadLetterQueue(rdb, queueCfg)
		if err != nil {
			return fail(fmt.Errorf("failed to create charge DLQ: %w", err))
		}
		chargeQueue, chargeDLQ = q, dlq
	} else {
		chargeQueue = queue.NewMemoryQueue(queueCfg)
		chargeDLQ = queue.NewMemoryDeadLetterQueue()
	}
	d.addCloser("charge queue", chargeQueue.Close)
	d.addCloser("charge dlq", chargeDLQ.Close)

	// Charge audit archive
	d.Audit = audit.NewNoopSink()
	if cfg.Audit.Enabled {
		writer, err := audit.NewS3Writer(ctx, audit.S3Config{
			Bucket:  cfg.Audit.S3Bucket,
			Region:  cfg.Audit.S3Region,
			Prefix:  cfg.Audit.S3Prefix,
			PodName: cfg.PodName,
		})
		if err != nil {
			return fail(fmt.Errorf("failed to initialize audit archive: %w", err))
		}
		d.Audit = audit.NewBufferedSink(writer, audit.BufferedSinkConfig{
			BufferSize:    cfg.Audit.BufferSize,
			FlushSize:     cfg.Audit.FlushSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, d.Metrics)
	}

	committer := billing.NewCommitter(registryBackend, quotaLedger, credits, chargeQueue).
		WithAudit(d.Audit).
		WithMetrics(d.Metrics)

	// Generation worker
	var worker gate.Worker = generation.NewEchoWorker()
	if cfg.Worker.URL != "" {
		hw, err := generation.NewHTTPWorker(cfg.Worker.URL, cfg.Worker.APIKey)
		if err != nil {
			return fail(fmt.Errorf("failed to initialize generation worker: %w", err))
		}
		worker = hw
		d.addCloser("generation worker", func() error {
			hw.Close()
			return nil
		})
	} else {
		logger.Warn("WORKER_URL not set, using echo worker")
	}

	d.Gate = gate.New(cfg.Gate.Costs, quotaLedger, credits, registryBackend, worker, committer, gate.Config{
		WorkerTimeout: cfg.Worker.Timeout,
		StaleAfter:    cfg.Gate.JobStaleAfter,
	}).WithMetrics(d.Metrics)

	if rdb != nil {
		d.RateLimit = ratelimit.NewRateLimiter(rdb)
	} else {
		d.RateLimit = ratelimit.NewMemoryLimiter()
	}
	d.Credentials = auth.NewStaticCredentialStore(cfg.Admin)

	// Start background workers
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel

	d.ChargeWorker = billing.NewChargeQueueWorker(chargeQueue, chargeDLQ, committer, queueCfg)
	d.ChargeWorker.Start(bgCtx)
	d.DeadLetters = d.ChargeWorker

	d.Reconciler = billing.NewReconciler(registryBackend, chargeQueue, billing.ReconcilerConfig{
		Interval:  cfg.Charges.ReconcileInterval,
		Grace:     cfg.Charges.ReconcileGrace,
		BatchSize: cfg.Charges.ReconcileBatch,
	}, d.Metrics)
	d.Reconciler.Start(bgCtx)

	if cfg.Payments.AMQPURL != "" {
		d.Payments = payments.NewConsumer(payments.Config{
			URL:      cfg.Payments.AMQPURL,
			Queue:    cfg.Payments.Queue,
			Prefetch: cfg.Payments.Prefetch,
			Workers:  cfg.Payments.Workers,
		}, credits, d.Metrics)
		go func() {
			if err := d.Payments.Run(bgCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Payments consumer stopped", "error", err)
			}
		}()
		d.HealthChecks["payments"] = func(context.Context) error {
			if !d.Payments.Connected() {
				return errors.New("payments broker not connected")
			}
			return nil
		}
	}

	logger.Info("Gateway dependencies ready",
		"store_backend", cfg.StoreBackend,
		"quota_backend", cfg.QuotaBackend,
		"redis", rdb != nil,
		"features", len(cfg.Gate.Costs),
	)
	return NewMux(d), d, nil
}

func (d *Dependencies) addCloser(name string, fn func() error) {
	d.closers = append(d.closers, namedCloser{name: name, close: fn})
}

// closeAll releases resources in reverse order of acquisition.
func (d *Dependencies) closeAll() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		c := d.closers[i]
		if err := c.close(); err != nil {
			d.logger.Warn("Failed to close resource", "resource", c.name, "error", err)
		}
	}
	d.closers = nil
}

// Shutdown stops the background workers, flushes the audit archive and
// closes every connection. The charge worker finishes its batch first so
// no dequeued charge is lost.
func (d *Dependencies) Shutdown(ctx context.Context) error {
	var errs []error

	if d.ChargeWorker != nil {
		if err := d.ChargeWorker.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("charge worker: %w", err))
		}
	}
	if d.Reconciler != nil {
		if err := d.Reconciler.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("reconciler: %w", err))
		}
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.Audit != nil {
		flushCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := d.Audit.Shutdown(flushCtx); err != nil {
			errs = append(errs, fmt.Errorf("audit: %w", err))
		}
		cancel()
	}

	d.closeAll()
	return errors.Join(errs...)
}
