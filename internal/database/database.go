package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dynamic-api/configs"
	"dynamic-api/internal/models"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("record not found")

type DBManager struct {
	WriteDB     *gorm.DB
	ReadDBs     []*gorm.DB
	currentRead int
	readMutex   sync.Mutex
	logger      *slog.Logger
}

// NewDBManager connects the metadata store, migrates it and attaches any
// configured read replicas. Replicas that fail to connect are skipped.
func NewDBManager(cfg *configs.Config, logger *slog.Logger) (*DBManager, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormLevel(cfg.LogLevel))}

	writeDB, err := gorm.Open(dialector(cfg.MetadataDriver, cfg.DatabaseURL), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to metadata database: %w", err)
	}

	m := &DBManager{WriteDB: writeDB, logger: logger}
	if err := m.Migrate(); err != nil {
		return nil, err
	}

	if sqlDB, err := writeDB.DB(); err == nil {
		if cfg.MetadataDriver == "sqlite" {
			sqlDB.SetMaxOpenConns(1)
		} else {
			sqlDB.SetMaxIdleConns(10)
			sqlDB.SetMaxOpenConns(100)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	for i, url := range cfg.ReadReplicaURLs {
		readDB, err := gorm.Open(dialector(cfg.MetadataDriver, url), gormCfg)
		if err != nil {
			logger.Warn("failed to connect to read replica", "replica", i, "error", err)
			continue
		}
		m.ReadDBs = append(m.ReadDBs, readDB)
	}

	logger.Info("metadata database connected", "driver", cfg.MetadataDriver, "read_replicas", len(m.ReadDBs))
	return m, nil
}

// NewWithDB wraps an already opened connection. Used by tests and tools.
func NewWithDB(db *gorm.DB, logger *slog.Logger) (*DBManager, error) {
	m := &DBManager{WriteDB: db, logger: logger}
	if err := m.Migrate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *DBManager) Migrate() error {
	err := m.WriteDB.AutoMigrate(
		&models.Datasource{},
		&models.Endpoint{},
		&models.EndpointParameter{},
		&models.AccessLog{},
		&models.DailyUsage{},
		&models.APIClient{},
	)
	if err != nil {
		return fmt.Errorf("auto-migrate metadata database: %w", err)
	}
	return nil
}

func dialector(driver, dsn string) gorm.Dialector {
	switch driver {
	case "postgres":
		return postgres.Open(dsn)
	case "sqlite":
		return sqlite.Open(dsn)
	default:
		return mysql.Open(dsn)
	}
}

func gormLevel(level string) gormlogger.LogLevel {
	if level == "debug" {
		return gormlogger.Info
	}
	return gormlogger.Warn
}

// GetReadDB returns a read replica using round-robin
func (m *DBManager) GetReadDB() *gorm.DB {
	m.readMutex.Lock()
	defer m.readMutex.Unlock()

	if len(m.ReadDBs) == 0 {
		return m.WriteDB
	}

	db := m.ReadDBs[m.currentRead]
	m.currentRead = (m.currentRead + 1) % len(m.ReadDBs)
	return db
}

func (m *DBManager) Close() {
	for _, db := range append([]*gorm.DB{m.WriteDB}, m.ReadDBs...) {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
}

// Generic relational access to the definitions store.

// Query returns every row of a raw read as column maps.
func (m *DBManager) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	var rows []map[string]any
	if err := m.GetReadDB().WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// Get returns the first row of a raw read, or ErrNotFound.
func (m *DBManager) Get(ctx context.Context, query string, args ...any) (map[string]any, error) {
	rows, err := m.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

// Run executes a raw write and reports the affected row count.
func (m *DBManager) Run(ctx context.Context, query string, args ...any) (int64, error) {
	res := m.WriteDB.WithContext(ctx).Exec(query, args...)
	return res.RowsAffected, res.Error
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
