package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "notify"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Cache        CacheConfig
	Queue        QueueConfig
	Realtime     RealtimeConfig
	Preferences  PreferencesConfig
	Recovery     RecoveryConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"NOTIFY_APP_ENV" default:"dev"`
	MetricsPort  string `envconfig:"NOTIFY_METRICS_PORT" default:"9090"`
	LogLevel     string `envconfig:"NOTIFY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"NOTIFY_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"NOTIFY_DB_DSN"`
	Driver string `envconfig:"NOTIFY_DB_DRIVER" default:"postgres"`

	MaxOpenConns    int           `envconfig:"NOTIFY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"NOTIFY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"NOTIFY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"NOTIFY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"NOTIFY_REDIS_URL"`
	Address      string        `envconfig:"NOTIFY_REDIS_ADDR"`
	Password     string        `envconfig:"NOTIFY_REDIS_PASSWORD"`
	DB           int           `envconfig:"NOTIFY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"NOTIFY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"NOTIFY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"NOTIFY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"NOTIFY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"NOTIFY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type CacheConfig struct {
	Capacity      int           `envconfig:"NOTIFY_CACHE_CAPACITY" default:"1000"`
	DefaultTTL    time.Duration `envconfig:"NOTIFY_CACHE_DEFAULT_TTL" default:"2m"`
	SweepInterval time.Duration `envconfig:"NOTIFY_CACHE_SWEEP_INTERVAL" default:"1m"`
}

type QueueConfig struct {
	Capacity        int           `envconfig:"NOTIFY_QUEUE_CAPACITY" default:"500"`
	MaxRetries      int           `envconfig:"NOTIFY_QUEUE_MAX_RETRIES" default:"3"`
	ProcessInterval time.Duration `envconfig:"NOTIFY_QUEUE_PROCESS_INTERVAL" default:"30s"`
}

type RealtimeConfig struct {
	BackoffBase          time.Duration `envconfig:"NOTIFY_REALTIME_BACKOFF_BASE" default:"1s"`
	BackoffMax           time.Duration `envconfig:"NOTIFY_REALTIME_BACKOFF_MAX" default:"30s"`
	MaxReconnectAttempts int           `envconfig:"NOTIFY_REALTIME_MAX_RECONNECT_ATTEMPTS" default:"5"`
	HeartbeatInterval    time.Duration `envconfig:"NOTIFY_REALTIME_HEARTBEAT_INTERVAL" default:"30s"`
}

type PreferencesConfig struct {
	CacheTTL time.Duration `envconfig:"NOTIFY_PREFERENCES_CACHE_TTL" default:"5m"`
}

type RecoveryConfig struct {
	LogCapacity int           `envconfig:"NOTIFY_RECOVERY_LOG_CAPACITY" default:"100"`
	RetryWindow time.Duration `envconfig:"NOTIFY_RECOVERY_RETRY_WINDOW" default:"60s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"NOTIFY_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"NOTIFY_AUTO_MIGRATE" default:"false"`
}
