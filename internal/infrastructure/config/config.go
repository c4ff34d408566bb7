package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	App          AppConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Log          LogConfig
	Catalog      CatalogConfig
	Sequence     SequenceConfig
	Relationship RelationshipConfig
	Backfill     BackfillConfig
	Maintenance  MaintenanceConfig
	Telemetry    TelemetryConfig
	S3           S3Config
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, console
	Output   string // stdout, stderr, or file path
	GormMode string // silent, error, warn, info
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name    string
	Env     string
	Version string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres, sqlite
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string // sqlite file, ":memory:" allowed
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// CatalogConfig locates the relationship type, template and backfill catalog.
// Source is a file path or an s3://bucket/key URI; empty uses the built-in catalog.
type CatalogConfig struct {
	Source string
}

// Sequence store backends
const (
	SequenceBackendDatabase = "database"
	SequenceBackendRedis    = "redis"
	SequenceBackendMemory   = "memory"
)

// SequenceConfig controls sequence allocation
type SequenceConfig struct {
	Backend    string
	MaxRetries int
	RetryDelay time.Duration
	// FallbackToMemory uses an in-process counter when the redis backend is unreachable
	FallbackToMemory bool
	// FlushInterval is how often in-memory counters are written to the database
	FlushInterval time.Duration
}

// RelationshipConfig controls the relationship service
type RelationshipConfig struct {
	UpsertMaxRetries int
	DefaultPageSize  int
	MaxPageSize      int
	ReconcilePage    int
}

// BackfillConfig controls the backfill processor
type BackfillConfig struct {
	Workers       int
	RecordTimeout time.Duration
	Actor         string
}

// MaintenanceConfig drives the watch command's periodic tasks.
// A zero interval disables the task.
type MaintenanceConfig struct {
	ReconcileInterval time.Duration
	ReconcileRepair   bool
	BackfillInterval  time.Duration
	BackfillJobs      []string
	RunTimeout        time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	MetricsEnabled    bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration
	DBTraceEnabled    bool
	DBLogFullSQL      bool
	DBSlowQueryThresh time.Duration
}

// S3Config holds the object store settings used for remote catalogs
type S3Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// Load reads configuration with this priority (highest first):
// 1. ENTITYGRAPH_ environment variables (e.g. ENTITYGRAPH_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds a Config from an already populated viper instance
func FromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix("ENTITYGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name:    v.GetString("app.name"),
			Env:     v.GetString("app.env"),
			Version: v.GetString("app.version"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			Path:            v.GetString("database.path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:    v.GetString("log.level"),
			Format:   v.GetString("log.format"),
			Output:   v.GetString("log.output"),
			GormMode: v.GetString("log.gorm_mode"),
		},
		Catalog: CatalogConfig{
			Source: v.GetString("catalog.source"),
		},
		Sequence: SequenceConfig{
			Backend:          v.GetString("sequence.backend"),
			MaxRetries:       v.GetInt("sequence.max_retries"),
			RetryDelay:       v.GetDuration("sequence.retry_delay"),
			FallbackToMemory: v.GetBool("sequence.fallback_to_memory"),
			FlushInterval:    v.GetDuration("sequence.flush_interval"),
		},
		Relationship: RelationshipConfig{
			UpsertMaxRetries: v.GetInt("relationship.upsert_max_retries"),
			DefaultPageSize:  v.GetInt("relationship.default_page_size"),
			MaxPageSize:      v.GetInt("relationship.max_page_size"),
			ReconcilePage:    v.GetInt("relationship.reconcile_page"),
		},
		Backfill: BackfillConfig{
			Workers:       v.GetInt("backfill.workers"),
			RecordTimeout: v.GetDuration("backfill.record_timeout"),
			Actor:         v.GetString("backfill.actor"),
		},
		Maintenance: MaintenanceConfig{
			ReconcileInterval: v.GetDuration("maintenance.reconcile_interval"),
			ReconcileRepair:   v.GetBool("maintenance.reconcile_repair"),
			BackfillInterval:  v.GetDuration("maintenance.backfill_interval"),
			BackfillJobs:      v.GetStringSlice("maintenance.backfill_jobs"),
			RunTimeout:        v.GetDuration("maintenance.run_timeout"),
			RetryAttempts:     v.GetInt("maintenance.retry_attempts"),
			RetryDelay:        v.GetDuration("maintenance.retry_delay"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			MetricsEnabled:    v.GetBool("telemetry.metrics_enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_thresh"),
		},
		S3: S3Config{
			Region:          v.GetString("s3.region"),
			Endpoint:        v.GetString("s3.endpoint"),
			AccessKeyID:     v.GetString("s3.access_key_id"),
			SecretAccessKey: v.GetString("s3.secret_access_key"),
			UsePathStyle:    v.GetBool("s3.use_path_style"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "entitygraph"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "entitygraph"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "entitygraph.db"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stderr"
	}
	if cfg.Log.GormMode == "" {
		cfg.Log.GormMode = "warn"
	}
	if cfg.Sequence.Backend == "" {
		cfg.Sequence.Backend = SequenceBackendDatabase
	}
	if cfg.Sequence.MaxRetries == 0 {
		cfg.Sequence.MaxRetries = 3
	}
	if cfg.Sequence.RetryDelay == 0 {
		cfg.Sequence.RetryDelay = 100 * time.Millisecond
	}
	if cfg.Sequence.FlushInterval == 0 {
		cfg.Sequence.FlushInterval = time.Minute
	}
	if cfg.Relationship.UpsertMaxRetries == 0 {
		cfg.Relationship.UpsertMaxRetries = 3
	}
	if cfg.Relationship.DefaultPageSize == 0 {
		cfg.Relationship.DefaultPageSize = 50
	}
	if cfg.Relationship.MaxPageSize == 0 {
		cfg.Relationship.MaxPageSize = 500
	}
	if cfg.Relationship.ReconcilePage == 0 {
		cfg.Relationship.ReconcilePage = 200
	}
	if cfg.Backfill.Workers == 0 {
		cfg.Backfill.Workers = 4
	}
	if cfg.Backfill.RecordTimeout == 0 {
		cfg.Backfill.RecordTimeout = 30 * time.Second
	}
	if cfg.Backfill.Actor == "" {
		cfg.Backfill.Actor = "backfill"
	}
	if cfg.Maintenance.RunTimeout == 0 {
		cfg.Maintenance.RunTimeout = 30 * time.Minute
	}
	if cfg.Maintenance.RetryDelay == 0 {
		cfg.Maintenance.RetryDelay = 30 * time.Second
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.S3.Region == "" {
		cfg.S3.Region = "us-east-1"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	switch c.Sequence.Backend {
	case SequenceBackendDatabase, SequenceBackendRedis, SequenceBackendMemory:
	default:
		return fmt.Errorf("sequence.backend must be database, redis or memory, got %q", c.Sequence.Backend)
	}
	if c.Sequence.MaxRetries < 0 {
		return fmt.Errorf("sequence.max_retries cannot be negative")
	}
	if c.Sequence.FlushInterval < 0 {
		return fmt.Errorf("sequence.flush_interval cannot be negative")
	}
	if c.Relationship.DefaultPageSize > c.Relationship.MaxPageSize {
		return fmt.Errorf("relationship.default_page_size (%d) cannot exceed relationship.max_page_size (%d)",
			c.Relationship.DefaultPageSize, c.Relationship.MaxPageSize)
	}
	if c.Backfill.Workers < 0 {
		return fmt.Errorf("backfill.workers cannot be negative")
	}
	if c.Maintenance.ReconcileInterval < 0 || c.Maintenance.BackfillInterval < 0 {
		return fmt.Errorf("maintenance intervals cannot be negative")
	}
	if c.Maintenance.BackfillInterval > 0 && len(c.Maintenance.BackfillJobs) == 0 {
		return fmt.Errorf("maintenance.backfill_jobs is required when maintenance.backfill_interval is set")
	}

	if c.App.Env == "production" {
		if c.Database.Driver == "postgres" && c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Sequence.Backend == SequenceBackendMemory {
			return fmt.Errorf("sequence.backend=memory is not allowed in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	return nil
}

// DSN returns the postgres connection string with escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
