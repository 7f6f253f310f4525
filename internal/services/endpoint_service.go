package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"dynamic-api/internal/cache"
	"dynamic-api/internal/database"
	"dynamic-api/internal/generator"
	"dynamic-api/internal/models"
	"dynamic-api/internal/params"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

var (
	ErrDuplicateRoute  = errors.New("an endpoint with this path and method already exists")
	ErrInvalidEndpoint = errors.New("invalid endpoint definition")
)

// Notifier announces metadata changes to every instance.
type Notifier interface {
	PublishMetadataUpdate(kind string, id uint, action string)
}

type EndpointInput struct {
	Name         string `validate:"required,max=255"`
	Path         string `validate:"required,startswith=/,max=500"`
	Method       string `validate:"required,oneof=GET POST PUT PATCH DELETE"`
	SQL          string `validate:"required"`
	AuthRequired bool
	Category     string `validate:"max=100"`
	Description  string
	DatasourceID uint `validate:"gt=0"`
	// Parameters replaces inference when set.
	Parameters []models.EndpointParameter
}

// EndpointUpdate holds the fields to change; nil fields are left alone.
type EndpointUpdate struct {
	Name         *string
	Path         *string
	Method       *string
	SQL          *string
	AuthRequired *bool
	Category     *string
	Description  *string
	DatasourceID *uint
	Parameters   *[]models.EndpointParameter
}

type EndpointService struct {
	db       *database.DBManager
	notifier Notifier
	validate *validator.Validate
	logger   *slog.Logger
}

func NewEndpointService(db *database.DBManager, notifier Notifier, logger *slog.Logger) *EndpointService {
	return &EndpointService{db: db, notifier: notifier, validate: validator.New(), logger: logger}
}

func (s *EndpointService) Get(ctx context.Context, id uint) (*models.Endpoint, []models.EndpointParameter, error) {
	ep, err := s.db.EndpointByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	defs, err := s.db.EndpointParameters(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return ep, defs, nil
}

func (s *EndpointService) List(ctx context.Context, status string) ([]models.Endpoint, error) {
	var endpoints []models.Endpoint
	q := s.db.GetReadDB().WithContext(ctx).Order("id")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	return endpoints, q.Find(&endpoints).Error
}

// Create stores a draft endpoint. Without explicit parameters the definitions
// are inferred from the SQL placeholders.
func (s *EndpointService) Create(ctx context.Context, in EndpointInput) (*models.Endpoint, []models.EndpointParameter, error) {
	in.Method = strings.ToUpper(strings.TrimSpace(in.Method))
	in.Path = normalisePath(in.Path)
	if err := s.validate.Struct(in); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	defs := in.Parameters
	if defs == nil {
		defs = params.Reconcile(params.Extract(in.SQL), nil, in.SQL)
	}

	ep := &models.Endpoint{
		Name:         in.Name,
		Path:         in.Path,
		Method:       in.Method,
		SQLText:      in.SQL,
		Status:       models.StatusDraft,
		AuthRequired: in.AuthRequired,
		Category:     in.Category,
		Description:  in.Description,
		DatasourceID: in.DatasourceID,
	}

	err := s.db.WriteDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureDatasource(tx, in.DatasourceID); err != nil {
			return err
		}
		if err := routeAvailable(tx, ep.Path, ep.Method, 0); err != nil {
			return err
		}
		if err := tx.Create(ep).Error; err != nil {
			return err
		}
		return database.ReplaceParametersTx(tx, ep.ID, defs)
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("endpoint created", "endpoint_id", ep.ID, "method", ep.Method, "path", ep.Path)
	s.notify(ep.ID, "created")
	return s.Get(ctx, ep.ID)
}

// Update applies the changed fields. A new SQL text without an explicit
// parameter list re-derives the definitions, keeping stored attributes of the
// names that remain.
func (s *EndpointService) Update(ctx context.Context, id uint, in EndpointUpdate) (*models.Endpoint, []models.EndpointParameter, error) {
	err := s.db.WriteDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ep models.Endpoint
		if err := tx.First(&ep, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return database.ErrNotFound
			}
			return err
		}

		sqlChanged := in.SQL != nil && *in.SQL != ep.SQLText
		apply(&ep.Name, in.Name)
		apply(&ep.SQLText, in.SQL)
		apply(&ep.AuthRequired, in.AuthRequired)
		apply(&ep.Category, in.Category)
		apply(&ep.Description, in.Description)
		apply(&ep.DatasourceID, in.DatasourceID)
		if in.Path != nil {
			ep.Path = normalisePath(*in.Path)
		}
		if in.Method != nil {
			ep.Method = strings.ToUpper(strings.TrimSpace(*in.Method))
		}

		check := EndpointInput{
			Name: ep.Name, Path: ep.Path, Method: ep.Method, SQL: ep.SQLText,
			Category: ep.Category, DatasourceID: ep.DatasourceID,
		}
		if err := s.validate.Struct(check); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
		if in.DatasourceID != nil {
			if err := s.ensureDatasource(tx, ep.DatasourceID); err != nil {
				return err
			}
		}
		if in.Path != nil || in.Method != nil {
			if err := routeAvailable(tx, ep.Path, ep.Method, ep.ID); err != nil {
				return err
			}
		}
		if err := tx.Save(&ep).Error; err != nil {
			return err
		}

		switch {
		case in.Parameters != nil:
			return database.ReplaceParametersTx(tx, ep.ID, *in.Parameters)
		case sqlChanged:
			var stored []models.EndpointParameter
			if err := tx.Where("endpoint_id = ?", ep.ID).Order("position, id").Find(&stored).Error; err != nil {
				return err
			}
			return database.ReplaceParametersTx(tx, ep.ID, params.Reconcile(params.Extract(ep.SQLText), stored, ep.SQLText))
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.notify(id, "updated")
	return s.Get(ctx, id)
}

func (s *EndpointService) Publish(ctx context.Context, id uint) (*models.Endpoint, error) {
	return s.setStatus(ctx, id, models.StatusPublished)
}

func (s *EndpointService) Deprecate(ctx context.Context, id uint) (*models.Endpoint, error) {
	return s.setStatus(ctx, id, models.StatusDeprecated)
}

func (s *EndpointService) setStatus(ctx context.Context, id uint, status models.EndpointStatus) (*models.Endpoint, error) {
	res := s.db.WriteDB.WithContext(ctx).Model(&models.Endpoint{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, database.ErrNotFound
	}
	s.logger.Info("endpoint status changed", "endpoint_id", id, "status", status)
	s.notify(id, string(status))
	return s.db.EndpointByID(ctx, id)
}

// SaveDrafts stores generated drafts as draft endpoints, all or none.
func (s *EndpointService) SaveDrafts(ctx context.Context, datasourceID uint, drafts []generator.Draft) ([]models.Endpoint, error) {
	saved := make([]models.Endpoint, 0, len(drafts))
	err := s.db.WriteDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.ensureDatasource(tx, datasourceID); err != nil {
			return err
		}
		for _, d := range drafts {
			ep, defs := d.ToEndpoint(datasourceID)
			if err := routeAvailable(tx, ep.Path, ep.Method, 0); err != nil {
				return fmt.Errorf("%s %s: %w", ep.Method, ep.Path, err)
			}
			if err := tx.Create(&ep).Error; err != nil {
				return err
			}
			if err := database.ReplaceParametersTx(tx, ep.ID, defs); err != nil {
				return err
			}
			saved = append(saved, ep)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ep := range saved {
		s.notify(ep.ID, "created")
	}
	s.logger.Info("generated endpoints saved", "datasource_id", datasourceID, "count", len(saved))
	return saved, nil
}

func (s *EndpointService) ensureDatasource(tx *gorm.DB, id uint) error {
	var count int64
	if err := tx.Model(&models.Datasource{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: datasource %d does not exist", ErrInvalidEndpoint, id)
	}
	return nil
}

func (s *EndpointService) notify(id uint, action string) {
	if s.notifier != nil {
		s.notifier.PublishMetadataUpdate(cache.KindEndpoint, id, action)
	}
}

func routeAvailable(tx *gorm.DB, path, method string, exceptID uint) error {
	var count int64
	q := tx.Model(&models.Endpoint{}).Where("path = ? AND method = ?", path, method)
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	if err := q.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicateRoute
	}
	return nil
}

func normalisePath(p string) string {
	p = strings.TrimSpace(p)
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func apply[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
