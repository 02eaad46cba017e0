// Package config loads the service configuration from an optional YAML file
// and the environment, with ${VAR:-default} expansion in file values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/taskhub/taskhub/pkg/common/cache"
	"github.com/taskhub/taskhub/pkg/observability"
)

// APIConfig defines the API server configuration
type APIConfig struct {
	ListenAddress  string        `mapstructure:"listen_address"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	EnableCORS     bool          `mapstructure:"enable_cors"`
	LogRequests    bool          `mapstructure:"log_requests"`
}

// DatabaseConfig defines the PostgreSQL connection settings
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// BuildDSN returns the connection string, preferring an explicit DSN.
func (c DatabaseConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

// AuthConfig defines token validation and rate limiting behaviour
type AuthConfig struct {
	// Required disables all authentication when false. Testing only.
	Required bool `mapstructure:"required"`

	// DefaultUserIDAllowed permits requests without an identity to fall
	// back to a default user. Must remain false in production.
	DefaultUserIDAllowed bool   `mapstructure:"default_user_id_allowed"`
	DefaultUserID        string `mapstructure:"default_user_id"`

	// JWTSecret enables the session-token path when set.
	JWTSecret     string        `mapstructure:"jwt_secret"`
	JWTExpiration time.Duration `mapstructure:"jwt_expiration"`

	TokenCacheTTLSeconds int `mapstructure:"token_cache_ttl_seconds"`
	TokenCacheSize       int `mapstructure:"token_cache_size"`

	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int `mapstructure:"rate_limit_burst"`
	RateLimitPerHour   int `mapstructure:"rate_limit_per_hour"`
}

// TokenCacheTTL returns the validation-cache TTL as a duration.
func (c AuthConfig) TokenCacheTTL() time.Duration {
	return time.Duration(c.TokenCacheTTLSeconds) * time.Second
}

// ContextCacheConfig defines the inheritance cache behaviour
type ContextCacheConfig struct {
	TTLHours          int           `mapstructure:"ttl_hours"`
	PressureThreshold int           `mapstructure:"pressure_threshold"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// TTL returns the cache TTL as a duration.
func (c ContextCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// Config holds the complete application configuration
type Config struct {
	Environment   string               `mapstructure:"environment"`
	API           APIConfig            `mapstructure:"api"`
	Database      DatabaseConfig       `mapstructure:"database"`
	Cache         cache.RedisConfig    `mapstructure:"cache"`
	CacheType     string               `mapstructure:"cache_type"`
	Auth          AuthConfig           `mapstructure:"auth"`
	ContextCache  ContextCacheConfig   `mapstructure:"context_cache"`
	Observability observability.Config `mapstructure:"observability"`
}

// IsProduction reports whether the service runs in a production environment.
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	configFile := os.Getenv("TASKHUB_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("TASKHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)

	// Environment names recognised without the TASKHUB_ prefix.
	// Best effort - viper handles errors internally.
	_ = v.BindEnv("auth.rate_limit_per_minute", "RATE_LIMIT_PER_MINUTE")
	_ = v.BindEnv("auth.rate_limit_burst", "RATE_LIMIT_BURST")
	_ = v.BindEnv("auth.rate_limit_per_hour", "RATE_LIMIT_PER_HOUR")
	_ = v.BindEnv("auth.token_cache_ttl_seconds", "TOKEN_CACHE_TTL_SECONDS")
	_ = v.BindEnv("auth.required", "AUTH_REQUIRED")
	_ = v.BindEnv("auth.default_user_id_allowed", "DEFAULT_USER_ID_ALLOWED")
	_ = v.BindEnv("context_cache.ttl_hours", "CONTEXT_CACHE_TTL_HOURS")
	_ = v.BindEnv("context_cache.pressure_threshold", "CONTEXT_CACHE_PRESSURE_THRESHOLD")
	_ = v.BindEnv("database.dsn", "DATABASE_URL")
	_ = v.BindEnv("cache.address", "REDIS_ADDR")
	_ = v.BindEnv("cache.address", "REDIS_ADDRESS")

	if err := v.ReadInConfig(); err != nil {
		// Config file is not required if environment variables are set
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	processEnvExpansion(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations that would be unsafe to run.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if !c.Auth.Required {
			return fmt.Errorf("auth.required must be true in production")
		}
		if c.Auth.DefaultUserIDAllowed {
			return fmt.Errorf("auth.default_user_id_allowed must be false in production")
		}
	}
	if c.Auth.RateLimitPerMinute <= 0 || c.Auth.RateLimitBurst <= 0 || c.Auth.RateLimitPerHour <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.ContextCache.TTLHours <= 0 {
		return fmt.Errorf("context_cache.ttl_hours must be positive")
	}
	return nil
}

// processEnvExpansion processes environment variable expansions in config
// values. Supports ${VAR} and ${VAR:-default} syntax.
func processEnvExpansion(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value := v.GetString(key)
		if value == "" {
			continue
		}
		if strings.Contains(value, "${") && strings.Contains(value, "}") {
			expanded := expandEnvVars(value)
			if expanded != value {
				v.Set(key, expanded)
			}
		}
	}
}

// expandEnvVars expands ${VAR} and ${VAR:-default} references in a string.
func expandEnvVars(value string) string {
	result := value

	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}

		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varRef := result[start+2 : end]

		var envVar, defaultVal string
		if strings.Contains(varRef, ":-") {
			parts := strings.SplitN(varRef, ":-", 2)
			envVar = parts[0]
			defaultVal = parts[1]
		} else {
			envVar = varRef
		}

		envVal := os.Getenv(envVar)
		if envVal == "" && defaultVal != "" {
			envVal = defaultVal
		}

		result = result[:start] + envVal + result[end+1:]
	}

	return result
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	// API defaults
	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.enable_cors", false)
	v.SetDefault("api.log_requests", true)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.username", "taskhub")
	v.SetDefault("database.database", "taskhub")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.migrations_path", "migrations/sql")
	v.SetDefault("database.auto_migrate", false)

	// Cache defaults
	v.SetDefault("cache_type", "memory")
	v.SetDefault("cache.address", "localhost:6379")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.dial_timeout", 5)
	v.SetDefault("cache.read_timeout", 3)
	v.SetDefault("cache.write_timeout", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.min_idle_conns", 2)

	// Auth defaults
	v.SetDefault("auth.required", true)
	v.SetDefault("auth.default_user_id_allowed", false)
	v.SetDefault("auth.default_user_id", "")
	v.SetDefault("auth.jwt_expiration", 24*time.Hour)
	v.SetDefault("auth.token_cache_ttl_seconds", 300)
	v.SetDefault("auth.token_cache_size", 1024)
	v.SetDefault("auth.rate_limit_per_minute", 100)
	v.SetDefault("auth.rate_limit_burst", 20)
	v.SetDefault("auth.rate_limit_per_hour", 1000)

	// Context cache defaults
	v.SetDefault("context_cache.ttl_hours", 1)
	v.SetDefault("context_cache.pressure_threshold", 500)
	v.SetDefault("context_cache.sweep_interval", 5*time.Minute)

	// Observability defaults
	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.metrics.type", "prometheus")
	v.SetDefault("observability.metrics.namespace", "taskhub")
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.service_name", "taskhub")
}
