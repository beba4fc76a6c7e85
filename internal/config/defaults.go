package config

import (
	"github.com/spf13/viper"
)

// RequiredKeys must be present in the configuration file or environment.
// They have no defaults: running without them is a configuration error.
var RequiredKeys = []string{
	"pool.enabled",
	"pool.size",
	"capacity.classes",
	"dispatcher.max_concurrent_tasks",
}

// SetDefaults registers default values for every optional key on v.
// Durations are registered as strings so a written config stays readable.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("pool.dir", ".taskforge/slots")
	v.SetDefault("pool.cleanup_policy", "recycle")
	v.SetDefault("pool.init_concurrency", 4)

	v.SetDefault("capacity.default_limit", 0)
	v.SetDefault("capacity.wait_timeout", "10m")
	v.SetDefault("capacity.poll_interval", "5s")

	v.SetDefault("dispatcher.poll_interval", "30s")
	v.SetDefault("dispatcher.drain_timeout", "0s")
	v.SetDefault("dispatcher.exclusive_files", false)

	v.SetDefault("stages.generate_timeout", "20m")
	v.SetDefault("stages.apply_timeout", "2m")
	v.SetDefault("stages.publish_timeout", "2m")
	v.SetDefault("stages.validate_timeout", "5m")
	v.SetDefault("stages.max_attempts", 3)
	v.SetDefault("stages.retryable_exit_codes", []int{75})
	v.SetDefault("stages.retry.initial_interval", "500ms")
	v.SetDefault("stages.retry.max_interval", "30s")
	v.SetDefault("stages.retry.multiplier", 2.0)
	v.SetDefault("stages.retry.randomization_factor", 0.5)

	v.SetDefault("health.interval", "30s")
	v.SetDefault("health.stuck_lease_threshold", "1h")
	v.SetDefault("health.exhausted_threshold", "5m")

	v.SetDefault("routing.criteria_weight", 1.0)
	v.SetDefault("routing.files_weight", 0.5)
	v.SetDefault("routing.context_weight", 0.1)
	v.SetDefault("routing.default_class", "claude-sonnet")

	v.SetDefault("providers", map[string]any{
		"claude": map[string]any{"command": "claude", "type": "claude"},
		"codex":  map[string]any{"command": "codex", "type": "codex"},
		"goose":  map[string]any{"command": "goose", "type": "goose"},
	})

	v.SetDefault("git.remote", "origin")
	v.SetDefault("git.base_branch", "main")
	v.SetDefault("git.branch_prefix", "forge")
	v.SetDefault("git.apply_command", []string{"git", "apply", "--whitespace=nowarn"})
	v.SetDefault("git.author_name", "taskforge")
	v.SetDefault("git.author_email", "taskforge@localhost")
	v.SetDefault("git.push", true)
	v.SetDefault("git.pull_request", true)

	v.SetDefault("validator.pass_score", 7.0)

	v.SetDefault("store.path", ".taskforge/taskforge.db")
	v.SetDefault("server.addr", "127.0.0.1:7420")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// setStarterValues fills the required keys with a working single-host setup.
func setStarterValues(v *viper.Viper) {
	v.Set("pool.enabled", true)
	v.Set("pool.size", 4)
	v.Set("capacity.classes", map[string]int{
		"claude-opus":   1,
		"claude-sonnet": 3,
		"gpt":           2,
	})
	v.Set("dispatcher.max_concurrent_tasks", 4)
	v.Set("classes", map[string]any{
		"claude-opus":   map[string]any{"provider": "claude", "model": "claude-opus-4-1"},
		"claude-sonnet": map[string]any{"provider": "claude", "model": "claude-sonnet-4-5"},
		"gpt":           map[string]any{"provider": "codex", "model": "gpt-4.1"},
	})
	v.Set("routing.rules", []map[string]any{
		{"class": "claude-sonnet", "max_complexity": 8},
		{"class": "gpt", "max_complexity": 14},
		{"class": "claude-opus", "max_complexity": 1e9},
	})
}
