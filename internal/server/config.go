package server

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config represents the gateway configuration.
type Config struct {
	// Server settings
	Port int    `mapstructure:"port" json:"port"`
	Host string `mapstructure:"host" json:"host"`

	// Data directories
	PricingDir      string `mapstructure:"pricing_dir" json:"pricing_dir"`
	ModelCatalogDir string `mapstructure:"model_catalog_dir" json:"model_catalog_dir"`

	// DBPath is the SQLite database file. ":memory:" keeps usage
	// non-persistent (default for tests).
	DBPath string `mapstructure:"db_path" json:"db_path"`

	// CustomBaseURL enables the OpenAI-compatible "custom" provider.
	CustomBaseURL string `mapstructure:"custom_base_url" json:"custom_base_url"`

	// Upstream timeout for non-streaming requests. Streaming requests run
	// until upstream termination.
	Timeout time.Duration `mapstructure:"-" json:"timeout"`

	// Auth settings
	AuthEnabled       bool   `mapstructure:"auth_enabled" json:"auth_enabled"`
	TrustRootURL      string `mapstructure:"trust_root_url" json:"trust_root_url"`
	GatewayPrivateKey string `mapstructure:"gateway_private_key" json:"-"`

	// RateLimitRPM is requests per minute per client; 0 disables limiting.
	RateLimitRPM int `mapstructure:"rate_limit_rpm" json:"rate_limit_rpm"`

	// Logging
	LogLevel string `mapstructure:"log_level" json:"log_level"`
	LogPath  string `mapstructure:"log_path" json:"log_path"`
}

// LoadConfig loads configuration from an optional YAML file (CONFIG_FILE)
// layered under environment variables. Environment wins.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		// Defaults
		Port:            8090,
		Host:            "0.0.0.0",
		PricingDir:      "configs/pricing",
		ModelCatalogDir: "configs/models",
		DBPath:          "gateway.db",
		Timeout:         30 * time.Second,
		LogLevel:        "info",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		if ms := v.GetInt("timeout_ms"); ms > 0 {
			cfg.Timeout = time.Duration(ms) * time.Millisecond
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}
	if host := os.Getenv("HOST"); host != "" {
		cfg.Host = host
	}
	if dir := os.Getenv("PRICING_DIR"); dir != "" {
		cfg.PricingDir = dir
	}
	if dir := os.Getenv("MODEL_CATALOG_DIR"); dir != "" {
		cfg.ModelCatalogDir = dir
	}
	if path := os.Getenv("DB_PATH"); path != "" {
		cfg.DBPath = path
	}
	if url := os.Getenv("CUSTOM_BASE_URL"); url != "" {
		cfg.CustomBaseURL = url
	}
	if ms := os.Getenv("TIMEOUT_MS"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid TIMEOUT_MS: %s", ms)
		}
		cfg.Timeout = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.AuthEnabled = v == "true" || v == "1"
	}
	if url := os.Getenv("TRUST_ROOT_URL"); url != "" {
		cfg.TrustRootURL = url
	}
	if key := os.Getenv("GATEWAY_PRIVATE_KEY"); key != "" {
		cfg.GatewayPrivateKey = key
	}
	if rpm := os.Getenv("RATE_LIMIT_RPM"); rpm != "" {
		n, err := strconv.Atoi(rpm)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_RPM: %s", rpm)
		}
		cfg.RateLimitRPM = n
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if path := os.Getenv("LOG_PATH"); path != "" {
		cfg.LogPath = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %v", c.Timeout)
	}
	if c.AuthEnabled {
		if c.TrustRootURL == "" {
			return fmt.Errorf("auth requires TRUST_ROOT_URL")
		}
		if c.GatewayPrivateKey == "" {
			return fmt.Errorf("auth requires GATEWAY_PRIVATE_KEY")
		}
	}
	return nil
}
