package config

import (
	"time"

	"github.com/aristath/taskforge/internal/logging"
)

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from classes -- multiple classes can share one provider.
type ProviderConfig struct {
	Command string   `mapstructure:"command"` // CLI binary name (e.g., "claude", "codex", "goose")
	Args    []string `mapstructure:"args"`    // Default args appended to every invocation
	Type    string   `mapstructure:"type"`    // Backend type: "claude", "codex", "goose"
}

// ClassConfig binds a capacity class to a provider and model.
type ClassConfig struct {
	Provider     string `mapstructure:"provider"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// PoolConfig configures the working-copy pool.
type PoolConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Size            int    `mapstructure:"size"`
	Dir             string `mapstructure:"dir"`
	CleanupPolicy   string `mapstructure:"cleanup_policy"` // "recycle" or "quarantine"
	InitConcurrency int    `mapstructure:"init_concurrency"`
}

// CapacityConfig configures per-class concurrency limits.
type CapacityConfig struct {
	Classes      map[string]int    `mapstructure:"classes"`
	DefaultLimit int               `mapstructure:"default_limit"` // 0 = unrestricted
	Aliases      map[string]string `mapstructure:"aliases"`
	WaitTimeout  time.Duration     `mapstructure:"wait_timeout"`
	PollInterval time.Duration     `mapstructure:"poll_interval"`
}

// DispatcherConfig configures the polling loop and the global ceiling.
type DispatcherConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"`   // 0 waits for in-flight tasks indefinitely
	ExclusiveFiles     bool          `mapstructure:"exclusive_files"` // hold back tasks whose declared files overlap
}

// RetryConfig configures exponential backoff between stage attempts.
type RetryConfig struct {
	InitialInterval     time.Duration `mapstructure:"initial_interval"`
	MaxInterval         time.Duration `mapstructure:"max_interval"`
	Multiplier          float64       `mapstructure:"multiplier"`
	RandomizationFactor float64       `mapstructure:"randomization_factor"`
}

// StagesConfig configures per-stage timeouts and retry classification.
type StagesConfig struct {
	GenerateTimeout    time.Duration `mapstructure:"generate_timeout"`
	ApplyTimeout       time.Duration `mapstructure:"apply_timeout"`
	PublishTimeout     time.Duration `mapstructure:"publish_timeout"`
	ValidateTimeout    time.Duration `mapstructure:"validate_timeout"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryableExitCodes []int         `mapstructure:"retryable_exit_codes"`
	Retry              RetryConfig   `mapstructure:"retry"`
}

// HealthConfig configures the health monitor.
type HealthConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	StuckLeaseThreshold time.Duration `mapstructure:"stuck_lease_threshold"`
	ExhaustedThreshold  time.Duration `mapstructure:"exhausted_threshold"`
}

// RoutingRule maps a complexity ceiling to a capacity class.
type RoutingRule struct {
	Class         string  `mapstructure:"class"`
	MaxComplexity float64 `mapstructure:"max_complexity"`
}

// RoutingConfig configures the complexity heuristic.
type RoutingConfig struct {
	CriteriaWeight float64       `mapstructure:"criteria_weight"`
	FilesWeight    float64       `mapstructure:"files_weight"`
	ContextWeight  float64       `mapstructure:"context_weight"` // per KiB of context
	DefaultClass   string        `mapstructure:"default_class"`
	Rules          []RoutingRule `mapstructure:"rules"`
}

// GitConfig configures working-copy provisioning and publishing.
type GitConfig struct {
	Repo         string   `mapstructure:"repo"` // source repository path or URL
	Remote       string   `mapstructure:"remote"`
	BaseBranch   string   `mapstructure:"base_branch"`
	BranchPrefix string   `mapstructure:"branch_prefix"`
	ApplyCommand []string `mapstructure:"apply_command"`
	AuthorName   string   `mapstructure:"author_name"`
	AuthorEmail  string   `mapstructure:"author_email"`
	Push         bool     `mapstructure:"push"`
	PullRequest  bool     `mapstructure:"pull_request"`
}

// ValidatorConfig configures the external quality scorer.
type ValidatorConfig struct {
	Command   string   `mapstructure:"command"`
	Args      []string `mapstructure:"args"`
	PassScore float64  `mapstructure:"pass_score"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the status HTTP endpoint. An empty Addr disables it.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the top-level configuration.
type Config struct {
	Pool       PoolConfig                `mapstructure:"pool"`
	Capacity   CapacityConfig            `mapstructure:"capacity"`
	Dispatcher DispatcherConfig          `mapstructure:"dispatcher"`
	Stages     StagesConfig              `mapstructure:"stages"`
	Health     HealthConfig              `mapstructure:"health"`
	Routing    RoutingConfig             `mapstructure:"routing"`
	Providers  map[string]ProviderConfig `mapstructure:"providers"`
	Classes    map[string]ClassConfig    `mapstructure:"classes"`
	Git        GitConfig                 `mapstructure:"git"`
	Validator  ValidatorConfig           `mapstructure:"validator"`
	Store      StoreConfig               `mapstructure:"store"`
	Server     ServerConfig              `mapstructure:"server"`
	Logging    logging.Config            `mapstructure:"logging"`
}
