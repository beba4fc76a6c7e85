package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/aristath/taskforge/internal/errors"
)

// EnvPrefix prefixes environment overrides, e.g. TASKFORGE_POOL_SIZE for pool.size.
const EnvPrefix = "TASKFORGE"

// Cleanup policies accepted by pool.cleanup_policy.
const (
	CleanupRecycle    = "recycle"
	CleanupQuarantine = "quarantine"
)

// New creates a viper instance with defaults, search paths and environment
// binding applied. When path is empty the file is searched as taskforge.yaml
// in the working directory and in $HOME/.config/taskforge.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("taskforge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ConfigDir returns the per-user configuration directory.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".taskforge"
	}
	return filepath.Join(home, ".config", "taskforge")
}

// Load reads configuration from path (or the default search paths), checks
// required keys and validates the result.
// Missing required keys yield a *errors.ConfigError.
func Load(path string) (*Config, *viper.Viper, error) {
	v := New(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, &errors.ConfigError{Message: "failed to read config file", Cause: err}
		}
		// No file on the search path; environment may still provide everything.
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// decode checks required keys, unmarshals and validates.
func decode(v *viper.Viper) (*Config, error) {
	var missing []string
	for _, key := range RequiredKeys {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, errors.NewMissingConfigError(missing...)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &errors.ConfigError{Message: "failed to decode config", Cause: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross references.
func (c *Config) Validate() error {
	var problems []string

	if c.Pool.Size < 0 {
		problems = append(problems, "pool.size must be >= 0")
	}
	switch c.Pool.CleanupPolicy {
	case CleanupRecycle, CleanupQuarantine:
	default:
		problems = append(problems, fmt.Sprintf("pool.cleanup_policy %q must be %q or %q",
			c.Pool.CleanupPolicy, CleanupRecycle, CleanupQuarantine))
	}
	if c.Dispatcher.MaxConcurrentTasks < 1 {
		problems = append(problems, "dispatcher.max_concurrent_tasks must be >= 1")
	}
	if c.Dispatcher.PollInterval <= 0 {
		problems = append(problems, "dispatcher.poll_interval must be positive")
	}
	for class, limit := range c.Capacity.Classes {
		if limit < 0 {
			problems = append(problems, fmt.Sprintf("capacity.classes.%s must be >= 0", class))
		}
	}
	if c.Capacity.DefaultLimit < 0 {
		problems = append(problems, "capacity.default_limit must be >= 0")
	}
	if c.Stages.MaxAttempts < 1 {
		problems = append(problems, "stages.max_attempts must be >= 1")
	}
	if c.Validator.PassScore < 0 || c.Validator.PassScore > 10 {
		problems = append(problems, "validator.pass_score must be within 0..10")
	}
	for name, class := range c.Classes {
		if _, ok := c.Providers[class.Provider]; !ok {
			problems = append(problems, fmt.Sprintf("classes.%s references unknown provider %q", name, class.Provider))
		}
	}

	if len(problems) > 0 {
		return &errors.ConfigError{Message: "invalid configuration: " + strings.Join(problems, "; ")}
	}
	return nil
}

// Watch re-reads the configuration whenever the file changes and passes the
// decoded result to onChange. Invalid intermediate states are logged and skipped.
func Watch(v *viper.Viper, logger *slog.Logger, onChange func(*Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name, "op", e.Op.String())
		onChange(cfg)
	})
	v.WatchConfig()
}
