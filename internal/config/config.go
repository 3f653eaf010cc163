package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Site     string         `mapstructure:"site" yaml:"site" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database" validate:"required"`
	API      APIConfig      `mapstructure:"api" yaml:"api" validate:"required"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Spool    SpoolConfig    `mapstructure:"spool" yaml:"spool"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host" validate:"required"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"required,min=1,max=65535"`
	User     string `mapstructure:"user" yaml:"user" validate:"required"`
	Password string `mapstructure:"password" yaml:"password" validate:"required"`
	Database string `mapstructure:"database" yaml:"database" validate:"required"`
	Schema   string `mapstructure:"schema" yaml:"schema"` // Optional: derived from site name if not specified
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// APIConfig holds ConstructionPro backend settings
type APIConfig struct {
	BaseURL        string `mapstructure:"base_url" yaml:"base_url" validate:"required,url"`
	Token          string `mapstructure:"token" yaml:"token"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds" validate:"min=1"`
}

// SyncConfig holds drain and retry behavior settings
type SyncConfig struct {
	MaxRetries           int `mapstructure:"max_retries" yaml:"max_retries" validate:"min=0"`
	BackoffBaseSeconds   int `mapstructure:"backoff_base_seconds" yaml:"backoff_base_seconds" validate:"min=1"`
	BackoffCapSeconds    int `mapstructure:"backoff_cap_seconds" yaml:"backoff_cap_seconds" validate:"min=1"`
	DrainIntervalSeconds int `mapstructure:"drain_interval_seconds" yaml:"drain_interval_seconds" validate:"min=1"`
}

// SpoolConfig holds spool ingestion settings
type SpoolConfig struct {
	Dir            string   `mapstructure:"dir" yaml:"dir"`
	DebounceMs     int      `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
	// Set search_path to use the site's schema
	if d.Schema != "" {
		connStr += "&search_path=" + d.Schema + ",public"
	}
	return connStr
}

// Timeout returns the configured API request timeout
func (a *APIConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// BackoffBase returns the first retry delay
func (s *SyncConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseSeconds) * time.Second
}

// BackoffCap returns the retry delay ceiling
func (s *SyncConfig) BackoffCap() time.Duration {
	return time.Duration(s.BackoffCapSeconds) * time.Second
}

// DrainInterval returns the periodic drain interval for daemon mode
func (s *SyncConfig) DrainInterval() time.Duration {
	return time.Duration(s.DrainIntervalSeconds) * time.Second
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Port:    5432,
			SSLMode: "require",
		},
		API: APIConfig{
			TimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			MaxRetries:           5,
			BackoffBaseSeconds:   30,
			BackoffCapSeconds:    1800,
			DrainIntervalSeconds: 60,
		},
		Spool: SpoolConfig{
			DebounceMs: 500,
			IgnorePatterns: []string{
				"rejected/**",
				"**/.DS_Store",
				"**/*.tmp",
				"**/*.partial",
			},
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	defaults := DefaultConfig()
	v.SetDefault("database.port", defaults.Database.Port)
	v.SetDefault("database.sslmode", defaults.Database.SSLMode)
	v.SetDefault("api.timeout_seconds", defaults.API.TimeoutSeconds)
	v.SetDefault("sync.max_retries", defaults.Sync.MaxRetries)
	v.SetDefault("sync.backoff_base_seconds", defaults.Sync.BackoffBaseSeconds)
	v.SetDefault("sync.backoff_cap_seconds", defaults.Sync.BackoffCapSeconds)
	v.SetDefault("sync.drain_interval_seconds", defaults.Sync.DrainIntervalSeconds)
	v.SetDefault("spool.debounce_ms", defaults.Spool.DebounceMs)
	v.SetDefault("spool.ignore_patterns", defaults.Spool.IgnorePatterns)

	// Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	// Enable environment variable substitution
	v.AutomaticEnv()
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	// Unmarshal into struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in secrets
	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.API.Token = os.ExpandEnv(cfg.API.Token)

	// Expand spool path
	cfg.Spool.Dir = expandPath(cfg.Spool.Dir)

	// Derive schema name from site name if not specified
	if cfg.Database.Schema == "" {
		cfg.Database.Schema = SanitizeIdentifier(cfg.Site)
	}

	// Validate
	validate := validator.New()

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "fieldsync")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "fieldsync")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "fieldsync")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "fieldsync")
	}
}

// GetStateDir returns the directory for storing state files
func GetStateDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory: %w", err)
	}
	return dir, nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

// SanitizeIdentifier converts a site name into a valid PostgreSQL identifier (schema name)
// Rules:
// - Lowercase only
// - Starts with letter or underscore
// - Contains only letters, digits, underscores
// - Spaces and hyphens become underscores
// - Max 63 characters (PostgreSQL limit)
func SanitizeIdentifier(name string) string {
	// Convert to lowercase
	name = strings.ToLower(name)

	// Replace spaces and hyphens with underscores
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")

	// Remove any character that isn't alphanumeric or underscore
	reg := regexp.MustCompile(`[^a-z0-9_]`)
	name = reg.ReplaceAllString(name, "")

	// Collapse multiple underscores
	reg = regexp.MustCompile(`_+`)
	name = reg.ReplaceAllString(name, "_")

	// Trim leading/trailing underscores
	name = strings.Trim(name, "_")

	// Ensure it starts with a letter (prepend 'site_' if it starts with digit or is empty)
	if len(name) == 0 {
		name = "site"
	} else if unicode.IsDigit(rune(name[0])) {
		name = "site_" + name
	}

	// PostgreSQL max identifier length is 63 characters
	if len(name) > 63 {
		name = name[:63]
		// Make sure we don't end with underscore after truncation
		name = strings.TrimRight(name, "_")
	}

	return name
}
