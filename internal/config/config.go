package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/ckd-cohort-server/internal/domain"
)

// Manager loads and validates application configuration through Viper.
type Manager struct {
	config *domain.Config
}

// NewManager creates a new configuration manager.
func NewManager() (*Manager, error) {
	m := &Manager{}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from file, environment, and defaults.
func (m *Manager) loadConfig() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/ckd-cohort-server/")

	viper.SetEnvPrefix("CKD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	m.setDefaults()

	// The config file is optional; defaults plus environment variables
	// are a complete configuration.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := viper.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.config = config
	return nil
}

// setDefaults sets default configuration values.
func (m *Manager) setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.tls_enabled", false)

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "ckd_cohort")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")

	// Cache defaults
	viper.SetDefault("cache.redis_url", "redis://localhost:6379")
	viper.SetDefault("cache.default_ttl", "1h")
	viper.SetDefault("cache.max_retries", 3)
	viper.SetDefault("cache.pool_size", 10)
	viper.SetDefault("cache.pool_timeout", "4s")

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("logging.compress", true)

	// Simulation defaults
	viper.SetDefault("simulation.cycle_policy", "clinical-24")
	viper.SetDefault("simulation.workers", 0)
	viper.SetDefault("simulation.auto_initiation_rate", 0.10)
	viper.SetDefault("simulation.default_seed", 1)
	viper.SetDefault("simulation.treatment_effects", map[string]interface{}{
		"ras_inhibitor": map[string]interface{}{
			"egfr_benefit_min": 0.5, "egfr_benefit_max": 1.5,
			"uacr_reduction_min": 0.20, "uacr_reduction_max": 0.40,
		},
		"sglt2_inhibitor": map[string]interface{}{
			"egfr_benefit_min": 1.0, "egfr_benefit_max": 2.5,
			"uacr_reduction_min": 0.25, "uacr_reduction_max": 0.50,
		},
		"glp1_agonist": map[string]interface{}{
			"egfr_benefit_min": 0.3, "egfr_benefit_max": 1.0,
			"uacr_reduction_min": 0.15, "uacr_reduction_max": 0.30,
		},
	})
	viper.SetDefault("simulation.uacr_drift", map[string]interface{}{
		"rapid":       0.04,
		"progressive": 0.03,
		"moderate":    0.02,
		"slow":        0.01,
	})

	// Oracle defaults
	viper.SetDefault("oracle.base_url", "")
	viper.SetDefault("oracle.timeout", "30s")
	viper.SetDefault("oracle.rate_limit", 10)
	viper.SetDefault("oracle.retry_count", 3)

	// Storage defaults
	viper.SetDefault("storage.data_dir", "data")
	viper.SetDefault("storage.review_backend", "sqlite")

	// Notification defaults
	viper.SetDefault("notify.enabled", false)
	viper.SetDefault("notify.timeout", "10s")
	viper.SetDefault("notify.retry_count", 3)
	viper.SetDefault("notify.rate_per_minute", 30)
	viper.SetDefault("notify.min_severity", "warning")
	viper.SetDefault("notify.silence_window", "1h")
}

// GetConfig returns the complete configuration.
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration.
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetDatabaseConfig returns database configuration.
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetSimulationConfig returns simulation configuration.
func (m *Manager) GetSimulationConfig() *domain.SimulationConfig {
	return &m.config.Simulation
}

// Reload reloads the configuration.
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration.
func (m *Manager) Validate() error {
	config := m.config

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	if config.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if config.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if config.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}

	if config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required")
	}

	switch config.Simulation.CyclePolicy {
	case "clinical-24", "rolling-12":
	default:
		return fmt.Errorf("invalid cycle policy: %s", config.Simulation.CyclePolicy)
	}
	if config.Simulation.AutoInitiationRate < 0 || config.Simulation.AutoInitiationRate > 1 {
		return fmt.Errorf("auto initiation rate must be in [0,1], got %v", config.Simulation.AutoInitiationRate)
	}
	for class, eff := range config.Simulation.TreatmentEffects {
		if eff.EGFRBenefitMax < eff.EGFRBenefitMin || eff.UACRReductionMax < eff.UACRReductionMin {
			return fmt.Errorf("inverted effect range for drug class %s", class)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted connection string.
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database URL used by the migration runner.
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.Username, db.Password, db.Host, db.Port, db.Database, db.SSLMode)
}

// ReviewDBPath returns the path of the sqlite review database.
func (m *Manager) ReviewDBPath() string {
	return filepath.Join(m.config.Storage.DataDir, "reviews.db")
}

// GetRedisConnectionString returns the Redis connection string.
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// IsProduction returns true if running in production mode.
func (m *Manager) IsProduction() bool {
	return strings.ToLower(viper.GetString("environment")) == "production"
}
