package domain

import (
	"time"
)

// Config is the main application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Storage    StorageConfig    `mapstructure:"storage"`
}

// StorageConfig locates the local review store. The review backend is
// either "sqlite" (file under DataDir) or "postgres" (shares the main
// database).
type StorageConfig struct {
	DataDir       string `mapstructure:"data_dir"`
	ReviewBackend string `mapstructure:"review_backend"`
}

// ServerConfig is the HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	TLSEnabled   bool          `mapstructure:"tls_enabled"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
}

// DatabaseConfig is the Postgres connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// CacheConfig is the Redis cache configuration.
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// LoggingConfig is the logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// TreatmentEffectConfig is one drug class's monthly effect: absolute eGFR
// benefit in mL/min and relative uACR reduction.
type TreatmentEffectConfig struct {
	EGFRBenefitMin   float64 `mapstructure:"egfr_benefit_min"`
	EGFRBenefitMax   float64 `mapstructure:"egfr_benefit_max"`
	UACRReductionMin float64 `mapstructure:"uacr_reduction_min"`
	UACRReductionMax float64 `mapstructure:"uacr_reduction_max"`
}

// SimulationConfig drives the cohort cycle engine. The cycle policy and
// the treatment effect table are deployment decisions, not code.
type SimulationConfig struct {
	CyclePolicy        string                           `mapstructure:"cycle_policy"`
	Workers            int                              `mapstructure:"workers"`
	AutoInitiationRate float64                          `mapstructure:"auto_initiation_rate"`
	DefaultSeed        int64                            `mapstructure:"default_seed"`
	TreatmentEffects   map[string]TreatmentEffectConfig `mapstructure:"treatment_effects"`
	UACRDrift          map[string]float64               `mapstructure:"uacr_drift"`
}

// OracleConfig is the generative lab-value oracle client configuration.
type OracleConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RateLimit  int           `mapstructure:"rate_limit"`
	RetryCount int           `mapstructure:"retry_count"`
}

// NotifyConfig is the clinical alert notification configuration.
type NotifyConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	SlackWebhookURL string        `mapstructure:"slack_webhook_url"`
	WebhookURL      string        `mapstructure:"webhook_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryCount      int           `mapstructure:"retry_count"`
	RatePerMinute   int           `mapstructure:"rate_per_minute"`
	MinSeverity     string        `mapstructure:"min_severity"`
	SilenceWindow   time.Duration `mapstructure:"silence_window"`
}
