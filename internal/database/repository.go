package database

import (
	"context"
	"time"

	"dynamic-api/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (m *DBManager) PublishedEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	var endpoints []models.Endpoint
	err := m.GetReadDB().WithContext(ctx).
		Where("status = ?", models.StatusPublished).
		Order("id").
		Find(&endpoints).Error
	return endpoints, err
}

// PublicEndpoints lists published endpoints that do not require authentication.
func (m *DBManager) PublicEndpoints(ctx context.Context) ([]models.Endpoint, error) {
	var endpoints []models.Endpoint
	err := m.GetReadDB().WithContext(ctx).
		Where("status = ? AND auth_required = ?", models.StatusPublished, false).
		Order("id").
		Find(&endpoints).Error
	return endpoints, err
}

func (m *DBManager) EndpointByID(ctx context.Context, id uint) (*models.Endpoint, error) {
	var endpoint models.Endpoint
	if err := m.GetReadDB().WithContext(ctx).First(&endpoint, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &endpoint, nil
}

// FindEndpoint looks an endpoint up by its stored path pattern and method.
func (m *DBManager) FindEndpoint(ctx context.Context, path, method string) (*models.Endpoint, error) {
	var endpoint models.Endpoint
	err := m.GetReadDB().WithContext(ctx).
		Where("path = ? AND method = ?", path, method).
		First(&endpoint).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &endpoint, nil
}

func (m *DBManager) EndpointParameters(ctx context.Context, endpointID uint) ([]models.EndpointParameter, error) {
	var params []models.EndpointParameter
	err := m.GetReadDB().WithContext(ctx).
		Where("endpoint_id = ?", endpointID).
		Order("position, id").
		Find(&params).Error
	return params, err
}

// ReplaceParameters deletes every parameter of the endpoint and inserts params
// in one transaction.
func (m *DBManager) ReplaceParameters(ctx context.Context, endpointID uint, params []models.EndpointParameter) error {
	return m.WriteDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return ReplaceParametersTx(tx, endpointID, params)
	})
}

func ReplaceParametersTx(tx *gorm.DB, endpointID uint, params []models.EndpointParameter) error {
	if err := tx.Where("endpoint_id = ?", endpointID).Delete(&models.EndpointParameter{}).Error; err != nil {
		return err
	}
	if len(params) == 0 {
		return nil
	}
	rows := make([]models.EndpointParameter, len(params))
	for i, p := range params {
		p.ID = 0
		p.EndpointID = endpointID
		p.Position = i
		rows[i] = p
	}
	return tx.Create(&rows).Error
}

func (m *DBManager) GetDatasource(ctx context.Context, id uint) (*models.Datasource, error) {
	var ds models.Datasource
	if err := m.GetReadDB().WithContext(ctx).First(&ds, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &ds, nil
}

func (m *DBManager) ActiveDatasources(ctx context.Context) ([]models.Datasource, error) {
	var list []models.Datasource
	err := m.GetReadDB().WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&list).Error
	return list, err
}

func (m *DBManager) ClientByClientID(ctx context.Context, clientID string) (*models.APIClient, error) {
	var client models.APIClient
	if err := m.GetReadDB().WithContext(ctx).Where("client_id = ?", clientID).First(&client).Error; err != nil {
		return nil, notFound(err)
	}
	return &client, nil
}

func (m *DBManager) InsertAccessLog(ctx context.Context, entry *models.AccessLog) error {
	return m.WriteDB.WithContext(ctx).Create(entry).Error
}

// UsageSample is one request's contribution to its endpoint's daily aggregate.
type UsageSample struct {
	EndpointID uint
	Date       string
	Success    bool
	DurationMS float64
	At         time.Time
}

// UpsertDailyUsage folds a sample into the (endpoint, date) aggregate with a
// single INSERT ... ON CONFLICT statement. The average is assigned first so
// that engines evaluating SET left to right still see the old call count.
func (m *DBManager) UpsertDailyUsage(ctx context.Context, s UsageSample) error {
	var success, failure uint64
	if s.Success {
		success = 1
	} else {
		failure = 1
	}

	row := models.DailyUsage{
		EndpointID:      s.EndpointID,
		UsageDate:       s.Date,
		CallCount:       1,
		SuccessCount:    success,
		FailureCount:    failure,
		AvgResponseTime: s.DurationMS,
		LastCalledAt:    s.At,
	}

	return m.WriteDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "endpoint_id"}, {Name: "usage_date"}},
		DoUpdates: clause.Set{
			{
				Column: clause.Column{Name: "avg_response_time"},
				Value: gorm.Expr("(daily_usage.avg_response_time * daily_usage.call_count + ?) / (daily_usage.call_count + 1)",
					s.DurationMS),
			},
			{Column: clause.Column{Name: "call_count"}, Value: gorm.Expr("daily_usage.call_count + 1")},
			{Column: clause.Column{Name: "success_count"}, Value: gorm.Expr("daily_usage.success_count + ?", success)},
			{Column: clause.Column{Name: "failure_count"}, Value: gorm.Expr("daily_usage.failure_count + ?", failure)},
			{Column: clause.Column{Name: "last_called_at"}, Value: s.At},
		},
	}).Create(&row).Error
}

// DailyUsageRange returns aggregates between from and to (inclusive, YYYY-MM-DD).
// An endpointID of zero selects every endpoint.
func (m *DBManager) DailyUsageRange(ctx context.Context, endpointID uint, from, to string) ([]models.DailyUsage, error) {
	q := m.GetReadDB().WithContext(ctx).Where("usage_date BETWEEN ? AND ?", from, to)
	if endpointID != 0 {
		q = q.Where("endpoint_id = ?", endpointID)
	}
	var rows []models.DailyUsage
	err := q.Order("usage_date, endpoint_id").Find(&rows).Error
	return rows, err
}

type EndpointUsage struct {
	EndpointID   uint    `json:"endpoint_id"`
	Name         string  `json:"name"`
	Path         string  `json:"path"`
	Method       string  `json:"method"`
	CallCount    uint64  `json:"call_count"`
	FailureCount uint64  `json:"failure_count"`
	AvgResponse  float64 `json:"avg_response_time"`
}

// TopEndpoints ranks endpoints by calls between from and to.
func (m *DBManager) TopEndpoints(ctx context.Context, from, to string, limit int) ([]EndpointUsage, error) {
	if limit <= 0 {
		limit = 10
	}
	var rows []EndpointUsage
	err := m.GetReadDB().WithContext(ctx).
		Table("daily_usage").
		Select(`daily_usage.endpoint_id AS endpoint_id, endpoints.name AS name, endpoints.path AS path,
			endpoints.method AS method, SUM(daily_usage.call_count) AS call_count,
			SUM(daily_usage.failure_count) AS failure_count,
			SUM(daily_usage.avg_response_time * daily_usage.call_count) / SUM(daily_usage.call_count) AS avg_response`).
		Joins("JOIN endpoints ON endpoints.id = daily_usage.endpoint_id").
		Where("daily_usage.usage_date BETWEEN ? AND ?", from, to).
		Group("daily_usage.endpoint_id, endpoints.name, endpoints.path, endpoints.method").
		Order("call_count DESC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}
