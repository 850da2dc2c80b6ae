package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/config"
	"github.com/BaSui01/flowengine/internal/database"
	"github.com/BaSui01/flowengine/internal/tlsutil"
	"github.com/BaSui01/flowengine/resilience/dlq"
	"github.com/BaSui01/flowengine/resilience/idempotency"
	"github.com/BaSui01/flowengine/workflow"
)

// Stores 一组共享同一后端的存储
type Stores struct {
	Backend     string
	Checkpoints workflow.CheckpointStore
	DeadLetters dlq.Queue
	// Idempotency 未启用幂等时为 nil
	Idempotency idempotency.Store
	// Pool 仅 sql 后端非空，供连接池指标使用
	Pool *database.PoolManager

	pingers []Pinger
	closers []func() error
}

// Ping 检查后端健康状况
func (s *Stores) Ping(ctx context.Context) error {
	var errs []error
	for _, p := range s.pingers {
		if err := p.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close 按打开的逆序释放资源
func (s *Stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Open 按 store.type 创建检查点、死信与幂等存储
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", ErrInvalidInput)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	stores := &Stores{Backend: cfg.Store.Type}
	var err error
	switch cfg.Store.Type {
	case config.StoreMemory, "":
		stores.Backend = config.StoreMemory
		stores.Checkpoints = workflow.NewMemoryCheckpointStore()
		stores.DeadLetters = dlq.NewMemoryQueue()
		if cfg.Idempotency.Enabled {
			mem := idempotency.NewMemoryStore(logger, cfg.Idempotency.CleanupInterval)
			stores.Idempotency = mem
			stores.closers = append(stores.closers, mem.Close)
		}
	case config.StoreRedis:
		err = openRedis(ctx, cfg, logger, stores)
	case config.StoreSQL:
		err = openSQL(ctx, cfg, logger, stores)
	case config.StoreBadger:
		err = openBadger(cfg, logger, stores)
	default:
		err = fmt.Errorf("%w: unsupported store type %q", ErrInvalidInput, cfg.Store.Type)
	}
	if err != nil {
		_ = stores.Close()
		return nil, err
	}

	logger.Info("stores opened",
		zap.String("backend", stores.Backend),
		zap.Bool("idempotency", stores.Idempotency != nil))
	return stores, nil
}

func openRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger, stores *Stores) error {
	opts := &redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}
	if cfg.Redis.TLS {
		opts.TLSConfig = tlsutil.RedisConfig(cfg.Redis.Addr)
	}
	client := redis.NewClient(opts)
	stores.closers = append(stores.closers, client.Close)
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}

	prefix := cfg.Store.KeyPrefix
	cps := NewRedisCheckpointStore(client, prefix, logger)
	stores.Checkpoints = cps
	stores.DeadLetters = NewRedisQueue(client, prefix, logger)
	if cfg.Idempotency.Enabled {
		stores.Idempotency = idempotency.NewRedisStore(client, prefix+"idempotency:", logger)
	}
	stores.pingers = append(stores.pingers, cps)
	return nil
}

func openSQL(ctx context.Context, cfg *config.Config, logger *zap.Logger, stores *Stores) error {
	pool, err := database.Open(cfg.Database, logger)
	if err != nil {
		return err
	}
	stores.Pool = pool
	stores.closers = append(stores.closers, pool.Close)
	stores.pingers = append(stores.pingers, pool)

	db := pool.DB()
	if cfg.Store.AutoMigrate {
		if err := db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	stores.Checkpoints = NewSQLCheckpointStore(db, logger)
	stores.DeadLetters = NewSQLQueue(db, logger)
	if cfg.Idempotency.Enabled {
		idem := NewSQLIdempotencyStore(db, logger, cfg.Idempotency.CleanupInterval)
		stores.Idempotency = idem
		// 先于连接池关闭
		stores.closers = append(stores.closers, idem.Close)
	}
	return nil
}

func openBadger(cfg *config.Config, logger *zap.Logger, stores *Stores) error {
	db, err := OpenBadger(cfg.Badger, logger)
	if err != nil {
		return err
	}
	stores.closers = append(stores.closers, db.Close)
	if !cfg.Badger.InMemory {
		stores.closers = append(stores.closers, startBadgerGC(db, 5*time.Minute, logger))
	}

	stores.Checkpoints = NewBadgerCheckpointStore(db, logger)
	stores.DeadLetters = NewBadgerQueue(db, logger)
	if cfg.Idempotency.Enabled {
		stores.Idempotency = NewBadgerIdempotencyStore(db, logger)
	}
	return nil
}
