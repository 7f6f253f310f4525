package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"dynamic-api/internal/cache"
	"dynamic-api/internal/database"
	"dynamic-api/internal/dialect"
	"dynamic-api/internal/models"
	"dynamic-api/internal/pool"

	"github.com/go-playground/validator/v10"
)

var ErrInvalidDatasource = errors.New("invalid datasource definition")

// PoolManager is the part of the pool registry the datasource lifecycle needs.
type PoolManager interface {
	Ensure(ctx context.Context, cfg pool.DatasourceConfig) (string, error)
	Recreate(ctx context.Context, cfg pool.DatasourceConfig) error
	CloseDatasource(id uint)
	TestConnection(ctx context.Context, cfg pool.DatasourceConfig) bool
}

type DatasourceInput struct {
	Name           string `validate:"required,max=255"`
	Dialect        string `validate:"required,oneof=mysql postgres mssql oracle"`
	Host           string `validate:"required,hostname_rfc1123|ip"`
	Port           int    `validate:"gt=0,lte=65535"`
	Database       string
	Username       string
	Password       string
	MaxConnections int `validate:"gte=0,lte=500"`
	IsActive       bool
}

type DatasourceUpdate struct {
	Name           *string
	Dialect        *string
	Host           *string
	Port           *int
	Database       *string
	Username       *string
	Password       *string
	MaxConnections *int
}

type DatasourceService struct {
	db       *database.DBManager
	auth     *AuthService
	pools    PoolManager
	notifier Notifier
	validate *validator.Validate
	logger   *slog.Logger
}

func NewDatasourceService(db *database.DBManager, auth *AuthService, pools PoolManager, notifier Notifier, logger *slog.Logger) *DatasourceService {
	return &DatasourceService{
		db:       db,
		auth:     auth,
		pools:    pools,
		notifier: notifier,
		validate: validator.New(),
		logger:   logger,
	}
}

// PoolConfig turns a stored datasource into pool settings with its password
// decrypted.
func (s *DatasourceService) PoolConfig(ds *models.Datasource) (pool.DatasourceConfig, error) {
	password, err := s.auth.DecryptData(ds.PasswordEnc)
	if err != nil {
		return pool.DatasourceConfig{}, fmt.Errorf("decrypt credentials of datasource %d: %w", ds.ID, err)
	}
	return pool.DatasourceConfig{
		ID:      ds.ID,
		Dialect: dialect.Name(ds.Dialect),
		Config: dialect.Config{
			Host:           ds.Host,
			Port:           ds.Port,
			Database:       ds.DatabaseName,
			Username:       ds.Username,
			Password:       password,
			MaxConnections: ds.MaxConnections,
		},
	}, nil
}

func (s *DatasourceService) Get(ctx context.Context, id uint) (*models.Datasource, error) {
	return s.db.GetDatasource(ctx, id)
}

func (s *DatasourceService) List(ctx context.Context) ([]models.Datasource, error) {
	var out []models.Datasource
	return out, s.db.GetReadDB().WithContext(ctx).Order("id").Find(&out).Error
}

// Create stores a datasource. Its pool is opened on first use.
func (s *DatasourceService) Create(ctx context.Context, in DatasourceInput) (*models.Datasource, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDatasource, err)
	}
	enc, err := s.auth.EncryptData(in.Password)
	if err != nil {
		return nil, fmt.Errorf("encrypt credentials: %w", err)
	}
	if in.MaxConnections == 0 {
		in.MaxConnections = 10
	}

	ds := &models.Datasource{
		Name:           in.Name,
		Dialect:        in.Dialect,
		Host:           in.Host,
		Port:           in.Port,
		DatabaseName:   in.Database,
		Username:       in.Username,
		PasswordEnc:    enc,
		IsActive:       in.IsActive,
		MaxConnections: in.MaxConnections,
	}
	if err := s.db.WriteDB.WithContext(ctx).Create(ds).Error; err != nil {
		return nil, err
	}
	s.logger.Info("datasource created", "datasource_id", ds.ID, "dialect", ds.Dialect)
	return ds, nil
}

// Update edits a datasource. When anything that shapes the connection
// changes, the live pool is closed and, for an active datasource, reopened.
func (s *DatasourceService) Update(ctx context.Context, id uint, in DatasourceUpdate) (*models.Datasource, error) {
	ds, err := s.db.GetDatasource(ctx, id)
	if err != nil {
		return nil, err
	}
	before := *ds
	oldDialect := ds.Dialect

	apply(&ds.Name, in.Name)
	apply(&ds.Dialect, in.Dialect)
	apply(&ds.Host, in.Host)
	apply(&ds.Port, in.Port)
	apply(&ds.DatabaseName, in.Database)
	apply(&ds.Username, in.Username)
	apply(&ds.MaxConnections, in.MaxConnections)

	check := DatasourceInput{Name: ds.Name, Dialect: ds.Dialect, Host: ds.Host, Port: ds.Port, MaxConnections: ds.MaxConnections}
	if err := s.validate.Struct(check); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDatasource, err)
	}
	if in.Password != nil {
		if ds.PasswordEnc, err = s.auth.EncryptData(*in.Password); err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
	}

	if err := s.db.WriteDB.WithContext(ctx).Save(ds).Error; err != nil {
		return nil, err
	}

	if connectionChanged(before, *ds, in.Password != nil) {
		s.pools.CloseDatasource(id)
		if ds.IsActive {
			cfg, err := s.PoolConfig(ds)
			if err != nil {
				return nil, err
			}
			if err := s.pools.Recreate(ctx, cfg); err != nil {
				return nil, fmt.Errorf("recreate pool: %w", err)
			}
		}
		s.logger.Info("datasource connection changed", "datasource_id", id, "dialect", ds.Dialect, "previous_dialect", oldDialect)
		s.notify(id, "updated")
	}
	return ds, nil
}

// Activate opens the datasource's pool and marks it active. A pool that
// cannot be opened leaves the datasource inactive.
func (s *DatasourceService) Activate(ctx context.Context, id uint) (*models.Datasource, error) {
	ds, err := s.db.GetDatasource(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg, err := s.PoolConfig(ds)
	if err != nil {
		return nil, err
	}
	if _, err := s.pools.Ensure(ctx, cfg); err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := s.setActive(ctx, ds, true); err != nil {
		return nil, err
	}
	return ds, nil
}

// Deactivate marks the datasource inactive and closes its pools.
func (s *DatasourceService) Deactivate(ctx context.Context, id uint) (*models.Datasource, error) {
	ds, err := s.db.GetDatasource(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.setActive(ctx, ds, false); err != nil {
		return nil, err
	}
	s.pools.CloseDatasource(id)
	return ds, nil
}

// Test opens a throwaway connection with the stored settings.
func (s *DatasourceService) Test(ctx context.Context, id uint) (bool, error) {
	ds, err := s.db.GetDatasource(ctx, id)
	if err != nil {
		return false, err
	}
	cfg, err := s.PoolConfig(ds)
	if err != nil {
		return false, err
	}
	return s.pools.TestConnection(ctx, cfg), nil
}

// WarmPools opens a pool for every active datasource. Failures are logged and
// left to the lazy path.
func (s *DatasourceService) WarmPools(ctx context.Context) int {
	active, err := s.db.ActiveDatasources(ctx)
	if err != nil {
		s.logger.Error("failed to list active datasources", "error", err)
		return 0
	}
	opened := 0
	for i := range active {
		cfg, err := s.PoolConfig(&active[i])
		if err == nil {
			_, err = s.pools.Ensure(ctx, cfg)
		}
		if err != nil {
			s.logger.Warn("pool warmup failed", "datasource_id", active[i].ID, "dialect", active[i].Dialect, "error", err)
			continue
		}
		opened++
	}
	return opened
}

func (s *DatasourceService) setActive(ctx context.Context, ds *models.Datasource, active bool) error {
	if err := s.db.WriteDB.WithContext(ctx).Model(ds).Update("is_active", active).Error; err != nil {
		return err
	}
	ds.IsActive = active
	action := "deactivated"
	if active {
		action = "activated"
	}
	s.logger.Info("datasource "+action, "datasource_id", ds.ID)
	s.notify(ds.ID, action)
	return nil
}

func (s *DatasourceService) notify(id uint, action string) {
	if s.notifier != nil {
		s.notifier.PublishMetadataUpdate(cache.KindDatasource, id, action)
	}
}

func connectionChanged(a, b models.Datasource, passwordChanged bool) bool {
	return passwordChanged ||
		a.Dialect != b.Dialect ||
		a.Host != b.Host ||
		a.Port != b.Port ||
		a.DatabaseName != b.DatabaseName ||
		a.Username != b.Username ||
		a.MaxConnections != b.MaxConnections
}
