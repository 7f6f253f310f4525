// Package pool owns the process-wide map of datasource connection pools.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dynamic-api/internal/dialect"
	"dynamic-api/internal/metrics"
)

var (
	ErrPoolNotFound  = errors.New("connection pool not found")
	ErrDuplicatePool = errors.New("connection pool already registered")
)

// DatasourceConfig identifies a datasource and how to reach it.
type DatasourceConfig struct {
	ID      uint
	Dialect dialect.Name
	dialect.Config
}

// Key is the registry key for a datasource: its identity plus dialect.
func Key(id uint, d dialect.Name) string {
	return fmt.Sprintf("%s:%d", d, id)
}

func (c DatasourceConfig) Key() string { return Key(c.ID, c.Dialect) }

type entry struct {
	pool    dialect.Pool
	dialect dialect.Name
	created time.Time
}

// Opener resolves the driver used to open pools. Tests substitute fakes.
type Opener func(name string) (dialect.Driver, error)

type Registry struct {
	mu          sync.RWMutex
	pools       map[string]entry
	open        Opener
	defaultMax  int
	logger      *slog.Logger
	testTimeout time.Duration
}

func NewRegistry(defaultMaxConns int, logger *slog.Logger) *Registry {
	return NewRegistryWithOpener(defaultMaxConns, logger, dialect.Lookup)
}

func NewRegistryWithOpener(defaultMaxConns int, logger *slog.Logger, open Opener) *Registry {
	if defaultMaxConns <= 0 {
		defaultMaxConns = 10
	}
	return &Registry{
		pools:       make(map[string]entry),
		open:        open,
		defaultMax:  defaultMaxConns,
		logger:      logger,
		testTimeout: 10 * time.Second,
	}
}

func (r *Registry) withDefaults(cfg DatasourceConfig) DatasourceConfig {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = r.defaultMax
	}
	return cfg
}

// CreatePool opens and registers a pool under key. Registering a key twice is
// a programming error and fails with ErrDuplicatePool.
func (r *Registry) CreatePool(ctx context.Context, cfg DatasourceConfig, key string) error {
	if r.Has(key) {
		return fmt.Errorf("%w: %s", ErrDuplicatePool, key)
	}

	p, cfg, err := r.openPool(ctx, cfg, key)
	if err != nil {
		return err
	}

	if !r.register(key, cfg, p) {
		p.Close()
		return fmt.Errorf("%w: %s", ErrDuplicatePool, key)
	}
	return nil
}

// Ensure creates the pool for cfg unless one is already registered and
// returns its key. Losing a creation race is not an error.
func (r *Registry) Ensure(ctx context.Context, cfg DatasourceConfig) (string, error) {
	key := cfg.Key()
	if r.Has(key) {
		return key, nil
	}

	p, cfg, err := r.openPool(ctx, cfg, key)
	if err != nil {
		return key, err
	}
	if !r.register(key, cfg, p) {
		p.Close()
	}
	return key, nil
}

// openPool does the network work without holding the registry lock so that
// in-flight queries keep reading the map.
func (r *Registry) openPool(ctx context.Context, cfg DatasourceConfig, key string) (dialect.Pool, DatasourceConfig, error) {
	drv, err := r.open(string(cfg.Dialect))
	if err != nil {
		return nil, cfg, err
	}

	cfg = r.withDefaults(cfg)
	p, err := drv.Open(ctx, cfg.Config)
	if err != nil {
		r.logger.Error("failed to create pool", "pool_key", key, "dialect", cfg.Dialect, "error", err)
		return nil, cfg, err
	}
	return p, cfg, nil
}

func (r *Registry) register(key string, cfg DatasourceConfig, p dialect.Pool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pools[key]; exists {
		return false
	}
	r.pools[key] = entry{pool: p, dialect: cfg.Dialect, created: time.Now()}
	metrics.OpenPools.Set(float64(len(r.pools)))
	r.logger.Info("connection pool created", "pool_key", key, "dialect", cfg.Dialect, "max_connections", cfg.MaxConnections)
	return true
}

// Execute runs sql on the pool registered under key. Failures are returned
// as-is; the pool is never replaced here.
func (r *Registry) Execute(ctx context.Context, key, sql string, args []any, d dialect.Name) ([]dialect.Row, error) {
	r.mu.RLock()
	e, ok := r.pools[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotFound, key)
	}
	if d != "" && e.dialect != d {
		return nil, fmt.Errorf("%w: %s is registered as %s, not %s", ErrPoolNotFound, key, e.dialect, d)
	}

	start := time.Now()
	rows, err := e.pool.Query(ctx, sql, args)
	metrics.ObserveQuery(string(e.dialect), time.Since(start))
	if err != nil {
		r.logger.Debug("query failed", "pool_key", key, "dialect", e.dialect, "error", err)
		return nil, err
	}
	return rows, nil
}

// TestConnection opens a throwaway pool, pings it and closes it.
func (r *Registry) TestConnection(ctx context.Context, cfg DatasourceConfig) bool {
	drv, err := r.open(string(cfg.Dialect))
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, r.testTimeout)
	defer cancel()

	cfg = r.withDefaults(cfg)
	cfg.MaxConnections = 1
	p, err := drv.Open(ctx, cfg.Config)
	if err != nil {
		r.logger.Warn("connection test failed", "datasource_id", cfg.ID, "dialect", cfg.Dialect, "error", err)
		return false
	}
	defer p.Close()
	return p.Ping(ctx) == nil
}

// ClosePool closes and forgets the pool under key.
func (r *Registry) ClosePool(key string, d dialect.Name) error {
	r.mu.Lock()
	e, ok := r.pools[key]
	if ok {
		delete(r.pools, key)
		metrics.OpenPools.Set(float64(len(r.pools)))
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrPoolNotFound, key)
	}
	if err := e.pool.Close(); err != nil {
		r.logger.Warn("error closing pool", "pool_key", key, "dialect", d, "error", err)
		return err
	}
	r.logger.Info("connection pool closed", "pool_key", key, "dialect", d)
	return nil
}

// Recreate closes any pool for cfg and opens a fresh one.
func (r *Registry) Recreate(ctx context.Context, cfg DatasourceConfig) error {
	key := cfg.Key()
	if r.Has(key) {
		if err := r.ClosePool(key, cfg.Dialect); err != nil && !errors.Is(err, ErrPoolNotFound) {
			r.logger.Warn("error closing pool before recreate", "pool_key", key, "error", err)
		}
	}
	return r.CreatePool(ctx, cfg, key)
}

// CloseDatasource closes every pool registered for the datasource id,
// whatever its dialect. It is used when a datasource is edited elsewhere.
func (r *Registry) CloseDatasource(id uint) {
	for _, d := range dialect.Names() {
		key := Key(id, d)
		if r.Has(key) {
			_ = r.ClosePool(key, d)
		}
	}
}

func (r *Registry) CloseAll() {
	r.mu.Lock()
	pools := r.pools
	r.pools = make(map[string]entry)
	metrics.OpenPools.Set(0)
	r.mu.Unlock()

	for key, e := range pools {
		if err := e.pool.Close(); err != nil {
			r.logger.Warn("error closing pool", "pool_key", key, "error", err)
		}
	}
	r.logger.Info("all connection pools closed", "count", len(pools))
}

func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pools[key]
	return ok
}

func (r *Registry) Stats() map[string]dialect.Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]dialect.Stats, len(r.pools))
	for key, e := range r.pools {
		out[key] = e.pool.Stats()
	}
	return out
}
