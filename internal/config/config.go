package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/quok-it/benchbot/internal/provider"
)

// Config holds all application configuration
type Config struct {
	Providers ProvidersConfig `mapstructure:"providers"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Benchmark BenchmarkConfig `mapstructure:"benchmark"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ProvidersConfig holds configuration for GPU marketplaces
type ProvidersConfig struct {
	Hyperbolic HyperbolicConfig `mapstructure:"hyperbolic"`
	TensorDock TensorDockConfig `mapstructure:"tensordock"`
}

// HyperbolicConfig holds Hyperbolic specific configuration
type HyperbolicConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	Enabled bool   `mapstructure:"enabled"`
}

// TensorDockConfig holds TensorDock specific configuration
type TensorDockConfig struct {
	APIToken  string `mapstructure:"api_token"`
	BaseURL   string `mapstructure:"base_url" validate:"omitempty,url"`
	Enabled   bool   `mapstructure:"enabled"`
	Image     string `mapstructure:"image"` // OS image (e.g., "ubuntu2404")
	VCPUs     int    `mapstructure:"vcpus" validate:"min=0"`
	RAMGb     int    `mapstructure:"ram_gb" validate:"min=0"`
	StorageGb int    `mapstructure:"storage_gb" validate:"min=0"`
}

// SSHConfig holds remote session configuration
type SSHConfig struct {
	PrivateKeyPath   string        `mapstructure:"private_key_path" validate:"required"`
	PublicKey        string        `mapstructure:"public_key"` // Derived from the private key when empty
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	ConnectAttempts  int           `mapstructure:"connect_attempts" validate:"min=1"`
	RetryInterval    time.Duration `mapstructure:"retry_interval" validate:"min=0"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout" validate:"gt=0"`
	BenchmarkTimeout time.Duration `mapstructure:"benchmark_timeout" validate:"gt=0"`
}

// LifecycleConfig holds rental workflow configuration
type LifecycleConfig struct {
	Marketplace     string        `mapstructure:"marketplace" validate:"required,oneof=hyperbolic tensordock"`
	GPUFilter       string        `mapstructure:"gpu_filter"`
	GPUCount        int           `mapstructure:"gpu_count" validate:"min=1,max=8"`
	PollMaxAttempts int           `mapstructure:"poll_max_attempts" validate:"min=1"`
	PollInterval    time.Duration `mapstructure:"poll_interval" validate:"min=0"`
	WorkflowTimeout time.Duration `mapstructure:"workflow_timeout" validate:"gt=0"`
	CleanupTimeout  time.Duration `mapstructure:"cleanup_timeout" validate:"gt=0"`
	Runs            int           `mapstructure:"runs" validate:"min=0"` // 0 runs until stopped
	RunInterval     time.Duration `mapstructure:"run_interval" validate:"min=0"`
}

// BenchmarkConfig holds benchmark suite configuration
type BenchmarkConfig struct {
	RepoURL string `mapstructure:"repo_url"`
	Skip    bool   `mapstructure:"skip"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// StreamConfig holds the optional Kafka sink configuration
type StreamConfig struct {
	Brokers string `mapstructure:"brokers"` // Comma separated; empty disables the sink
	Topic   string `mapstructure:"topic"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"min=1,max=65535"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=json text"` // "json" or "text"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Provider defaults
	v.SetDefault("providers.hyperbolic.enabled", true)
	v.SetDefault("providers.tensordock.enabled", true)
	v.SetDefault("providers.tensordock.image", "ubuntu2404")
	v.SetDefault("providers.tensordock.vcpus", 8)
	v.SetDefault("providers.tensordock.ram_gb", 32)
	v.SetDefault("providers.tensordock.storage_gb", 100)

	// SSH defaults
	v.SetDefault("ssh.private_key_path", "~/.ssh/id_ed25519")
	v.SetDefault("ssh.connect_timeout", 30*time.Second)
	v.SetDefault("ssh.connect_attempts", 3)
	v.SetDefault("ssh.retry_interval", 10*time.Second)
	v.SetDefault("ssh.command_timeout", 60*time.Second)
	v.SetDefault("ssh.benchmark_timeout", 90*time.Minute)

	// Lifecycle defaults
	v.SetDefault("lifecycle.marketplace", provider.NameHyperbolic)
	v.SetDefault("lifecycle.gpu_filter", "")
	v.SetDefault("lifecycle.gpu_count", 1)
	v.SetDefault("lifecycle.poll_max_attempts", 30)
	v.SetDefault("lifecycle.poll_interval", 10*time.Second)
	v.SetDefault("lifecycle.workflow_timeout", 2*time.Hour)
	v.SetDefault("lifecycle.cleanup_timeout", 2*time.Minute)
	v.SetDefault("lifecycle.runs", 1)
	v.SetDefault("lifecycle.run_interval", time.Minute)

	// Benchmark defaults
	v.SetDefault("benchmark.repo_url", "https://github.com/Quok-it/benchmarking")
	v.SetDefault("benchmark.skip", false)

	// Database defaults
	v.SetDefault("database.path", "./data/benchbot.db")

	// Stream defaults
	v.SetDefault("stream.brokers", "")
	v.SetDefault("stream.topic", "benchbot.rental-sessions")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Marketplace credentials from environment
	bindEnv("providers.hyperbolic.api_key", "HYPERBOLIC_API_KEY")
	bindEnv("providers.tensordock.api_token", "TENSORDOCK_API_TOKEN")

	// SSH keys
	bindEnv("ssh.private_key_path", "PRIVATE_KEY_PATH")
	bindEnv("ssh.public_key", "SSH_PUBLIC_KEY")

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Kafka sink
	bindEnv("stream.brokers", "KAFKA_BROKERS")
	bindEnv("stream.topic", "KAFKA_TOPIC")

	// Workflow selection
	bindEnv("lifecycle.marketplace", "MARKETPLACE")
	bindEnv("lifecycle.gpu_filter", "GPU_FILTER")

	// Server config
	bindEnv("server.port", "SERVER_PORT")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %s", describeValidationError(err))
	}

	switch c.Lifecycle.Marketplace {
	case provider.NameHyperbolic:
		if !c.Providers.Hyperbolic.Enabled {
			return fmt.Errorf("marketplace %q is selected but disabled", c.Lifecycle.Marketplace)
		}
		if c.Providers.Hyperbolic.APIKey == "" {
			return fmt.Errorf("HYPERBOLIC_API_KEY is required when Hyperbolic is selected")
		}
	case provider.NameTensorDock:
		if !c.Providers.TensorDock.Enabled {
			return fmt.Errorf("marketplace %q is selected but disabled", c.Lifecycle.Marketplace)
		}
		if c.Providers.TensorDock.APIToken == "" {
			return fmt.Errorf("TENSORDOCK_API_TOKEN is required when TensorDock is selected")
		}
	}

	return nil
}

// PollPolicy returns the boot polling bounds
func (c *Config) PollPolicy() provider.PollPolicy {
	return provider.PollPolicy{
		MaxAttempts: c.Lifecycle.PollMaxAttempts,
		Interval:    c.Lifecycle.PollInterval,
	}
}

// StreamEnabled reports whether the Kafka sink is configured
func (c *Config) StreamEnabled() bool {
	return strings.TrimSpace(c.Stream.Brokers) != ""
}

// describeValidationError names failing fields by their config key
func describeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		field := configKey(fe.Namespace())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "gt":
			messages = append(messages, fmt.Sprintf("%s must be greater than %s", field, fe.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

// configKey turns "Config.Lifecycle.GPUCount" into "lifecycle.gpucount"
func configKey(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	return strings.ToLower(strings.Join(parts, "."))
}
