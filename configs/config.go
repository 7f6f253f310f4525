package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort      string   `validate:"required"`
	MetadataDriver  string   `validate:"oneof=mysql postgres sqlite"`
	DatabaseURL     string   `validate:"required"`
	ReadReplicaURLs []string `validate:"dive,required"`
	RedisURL        string
	JWTSecret       string        `validate:"required,min=16"`
	JWTTTL          time.Duration `validate:"gt=0"`
	EncryptionKey   string        `validate:"required,len=32"`

	RateLimitPerHour  int           `validate:"gte=0"`
	CacheTTL          time.Duration `validate:"gt=0"`
	EnableWebSocket   bool
	EnableIPWhitelist bool
	IPAllowList       []string `validate:"dive,cidr|ip"`

	DynamicPrefix         string        `validate:"required,startswith=/"`
	PoolMaxConnections    int           `validate:"gt=0"`
	RowCap                int           `validate:"gt=0"`
	PublicPathsRefresh    time.Duration `validate:"gt=0"`
	TimezoneOffsetMinutes int           `validate:"gte=-840,lte=840"`
	TelemetryWorkers      int           `validate:"gt=0"`
	LogLevel              string        `validate:"oneof=debug info warn error"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		MetadataDriver:  getEnv("METADATA_DRIVER", "mysql"),
		DatabaseURL:     getEnv("DATABASE_URL", "root:password@tcp(localhost:3306)/dynamic_api?charset=utf8mb4&parseTime=True&loc=UTC"),
		ReadReplicaURLs: parseList(getEnv("READ_REPLICA_URLS", "")),
		RedisURL:        getEnv("REDIS_URL", "localhost:6379"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		JWTTTL:          parseDuration(getEnv("JWT_TTL", "24h"), 24*time.Hour),
		EncryptionKey:   getEnv("ENCRYPTION_KEY", "0123456789abcdef0123456789abcdef"),

		RateLimitPerHour:  parseInt(getEnv("RATE_LIMIT_PER_HOUR", "1000")),
		CacheTTL:          parseDuration(getEnv("CACHE_TTL", "1m"), time.Minute),
		EnableWebSocket:   parseBool(getEnv("ENABLE_WEBSOCKET", "true")),
		EnableIPWhitelist: parseBool(getEnv("ENABLE_IP_WHITELIST", "false")),
		IPAllowList:       parseList(getEnv("IP_ALLOW_LIST", "")),

		DynamicPrefix:         getEnv("DYNAMIC_PREFIX", "/dynamic"),
		PoolMaxConnections:    parseInt(getEnv("POOL_MAX_CONNECTIONS", "10")),
		RowCap:                parseInt(getEnv("ROW_CAP", "1000")),
		PublicPathsRefresh:    parseDuration(getEnv("PUBLIC_PATHS_REFRESH", "30s"), 30*time.Second),
		TimezoneOffsetMinutes: parseInt(getEnv("TIMEZONE_OFFSET_MINUTES", "0")),
		TelemetryWorkers:      parseInt(getEnv("TELEMETRY_WORKERS", "8")),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// TimezoneOffset reports the configured offset from UTC in minutes.
func (c *Config) TimezoneOffset() int {
	return c.TimezoneOffsetMinutes
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string) int {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return i
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
