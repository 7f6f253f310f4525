package models

import "time"

type EndpointStatus string

const (
	StatusDraft      EndpointStatus = "draft"
	StatusPublished  EndpointStatus = "published"
	StatusDeprecated EndpointStatus = "deprecated"
)

type Location string

const (
	LocationPath  Location = "path"
	LocationQuery Location = "query"
	LocationBody  Location = "body"
)

type DataType string

const (
	TypeString  DataType = "string"
	TypeNumber  DataType = "number"
	TypeBoolean DataType = "boolean"
	TypeDate    DataType = "date"
	TypeObject  DataType = "object"
	TypeArray   DataType = "array"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Datasources
type Datasource struct {
	ID             uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	Name           string `gorm:"type:varchar(255);uniqueIndex;not null" json:"name"`
	Dialect        string `gorm:"type:varchar(20);not null" json:"dialect"`
	Host           string `gorm:"type:varchar(255);not null" json:"host"`
	Port           int    `gorm:"not null" json:"port"`
	DatabaseName   string `gorm:"type:varchar(255)" json:"database_name"`
	Username       string `gorm:"type:varchar(255)" json:"username"`
	PasswordEnc    string `gorm:"type:text" json:"-"`
	IsActive       bool   `gorm:"not null" json:"is_active"`
	MaxConnections int    `gorm:"not null;default:10" json:"max_connections"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Datasource) TableName() string {
	return "datasources"
}

// Endpoint definitions
type Endpoint struct {
	ID           uint           `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string         `gorm:"type:varchar(255);not null" json:"name"`
	Path         string         `gorm:"type:varchar(500);uniqueIndex:idx_path_method;not null" json:"path"`
	Method       string         `gorm:"type:varchar(10);uniqueIndex:idx_path_method;not null" json:"method"`
	SQLText      string         `gorm:"column:sql_text;type:text;not null" json:"sql"`
	Status       EndpointStatus `gorm:"type:varchar(20);index;not null;default:draft" json:"status"`
	AuthRequired bool           `gorm:"not null" json:"auth_required"`
	Category     string         `gorm:"type:varchar(100);index" json:"category"`
	Description  string         `gorm:"type:text" json:"description"`
	DatasourceID uint           `gorm:"index;not null" json:"datasource_id"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Endpoint) TableName() string {
	return "endpoints"
}

func (e Endpoint) Published() bool { return e.Status == StatusPublished }

// Endpoint parameters, replaced as a set whenever the SQL text changes
type EndpointParameter struct {
	ID             uint     `gorm:"primaryKey;autoIncrement" json:"id"`
	EndpointID     uint     `gorm:"index;not null" json:"endpoint_id"`
	Name           string   `gorm:"type:varchar(100);not null" json:"name"`
	Location       Location `gorm:"type:varchar(10);not null" json:"location"`
	DataType       DataType `gorm:"type:varchar(10);not null" json:"data_type"`
	Required       bool     `gorm:"not null" json:"required"`
	DefaultValue   *string  `gorm:"type:text" json:"default_value,omitempty"`
	ValidationRule *string  `gorm:"type:text" json:"validation_rule,omitempty"`
	Description    string   `gorm:"type:text" json:"description"`
	Position       int      `gorm:"not null;default:0" json:"position"`
}

func (EndpointParameter) TableName() string {
	return "endpoint_parameters"
}

// Access logs, one row per request attempt
type AccessLog struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement"`
	EndpointID    uint      `gorm:"index:idx_endpoint_time;not null"`
	PrincipalID   *string   `gorm:"type:varchar(100)"`
	IPAddress     string    `gorm:"type:varchar(45);not null"`
	UserAgent     string    `gorm:"type:varchar(500)"`
	RequestParams string    `gorm:"type:text"`
	StatusCode    int       `gorm:"not null"`
	DurationMS    float64   `gorm:"column:duration_ms;not null"`
	Outcome       Outcome   `gorm:"type:varchar(10);not null"`
	ErrorMessage  *string   `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"index:idx_endpoint_time;not null"`
}

func (AccessLog) TableName() string {
	return "access_logs"
}

// Daily Usage Aggregation
type DailyUsage struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EndpointID      uint      `gorm:"uniqueIndex:idx_endpoint_date;not null" json:"endpoint_id"`
	UsageDate       string    `gorm:"type:varchar(10);uniqueIndex:idx_endpoint_date;not null" json:"usage_date"`
	CallCount       uint64    `gorm:"not null;default:0" json:"call_count"`
	SuccessCount    uint64    `gorm:"not null;default:0" json:"success_count"`
	FailureCount    uint64    `gorm:"not null;default:0" json:"failure_count"`
	AvgResponseTime float64   `gorm:"not null;default:0" json:"avg_response_time"`
	LastCalledAt    time.Time `json:"last_called_at"`
}

func (DailyUsage) TableName() string {
	return "daily_usage"
}

// API clients
type APIClient struct {
	ID          uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	ClientID    string `gorm:"type:varchar(100);uniqueIndex;not null" json:"client_id"`
	Name        string `gorm:"type:varchar(255);not null" json:"name"`
	Email       string `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	APIKeyHash  string `gorm:"type:varchar(255);not null" json:"-"`
	IPWhitelist string `gorm:"type:text" json:"ip_whitelist"`
	Role        string `gorm:"type:varchar(20);not null;default:client" json:"role"`
	Scope       string `gorm:"type:text" json:"scope"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (APIClient) TableName() string {
	return "api_clients"
}

const (
	RoleAdmin  = "admin"
	RoleClient = "client"
)

// Scope narrows what a non-admin principal may execute.
type Scope struct {
	All           bool     `json:"all,omitempty"`
	EndpointIDs   []uint   `json:"endpoint_ids,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	DatasourceIDs []uint   `json:"datasource_ids,omitempty"`
}

// Principal is the authenticated caller of a request. It is never stored.
type Principal struct {
	ID          string
	Role        string
	Scope       Scope
	IPWhitelist []string
}
