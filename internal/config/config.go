// Package config loads the task execution core's settings via viper, the
// teacher's configuration library of choice (cmd/cobra_cli.go). The core
// packages themselves (internal/manager, internal/heartbeat) never import
// viper directly — they consume the already-validated Settings struct,
// preserving the boundary the spec draws around configuration loading.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Settings is the full set of configuration options the task execution
// core consumes, per spec §6.
type Settings struct {
	MaxConcurrentTasks      int
	TaskMaxCost             float64
	TaskMaxDurationSeconds  int
	HeartbeatIntervalSeconds float64
	HeartbeatTimeoutSeconds float64
	RetryDelaySeconds       float64
	BackgroundModel         string

	DatabaseURL string
	HTTPAddr    string
	AgentBinary string
}

func defaults(v *viper.Viper) {
	v.SetDefault("max_concurrent_tasks", 3)
	v.SetDefault("task_max_cost", 10.0)
	v.SetDefault("task_max_duration_seconds", 3600)
	v.SetDefault("heartbeat_interval_seconds", 60.0)
	v.SetDefault("heartbeat_timeout_seconds", 300.0)
	v.SetDefault("retry_delay_seconds", 30.0)
	v.SetDefault("background_model", "")
	v.SetDefault("database_url", "")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("agent_binary", "claude")
}

// Load reads settings from (in ascending precedence) defaults, a config
// file named "taskcore-config" on $HOME and ".", and environment
// variables prefixed TASKCORE_, grounded on the teacher's viper wiring in
// cmd/cobra_cli.go.
func Load() (*Settings, error) {
	v := viper.New()
	defaults(v)

	v.SetConfigName("taskcore-config")
	v.SetConfigType("json")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")
	v.SetEnvPrefix("TASKCORE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	settings := &Settings{
		MaxConcurrentTasks:       v.GetInt("max_concurrent_tasks"),
		TaskMaxCost:              v.GetFloat64("task_max_cost"),
		TaskMaxDurationSeconds:   v.GetInt("task_max_duration_seconds"),
		HeartbeatIntervalSeconds: v.GetFloat64("heartbeat_interval_seconds"),
		HeartbeatTimeoutSeconds:  v.GetFloat64("heartbeat_timeout_seconds"),
		RetryDelaySeconds:        v.GetFloat64("retry_delay_seconds"),
		BackgroundModel:          v.GetString("background_model"),
		DatabaseURL:              v.GetString("database_url"),
		HTTPAddr:                 v.GetString("http_addr"),
		AgentBinary:              v.GetString("agent_binary"),
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks the invariants the spec places on each setting.
func (s *Settings) Validate() error {
	if s.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", s.MaxConcurrentTasks)
	}
	if s.TaskMaxCost <= 0 {
		return fmt.Errorf("task_max_cost must be positive, got %f", s.TaskMaxCost)
	}
	if s.TaskMaxDurationSeconds <= 0 {
		return fmt.Errorf("task_max_duration_seconds must be positive, got %d", s.TaskMaxDurationSeconds)
	}
	if s.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat_interval_seconds must be positive, got %f", s.HeartbeatIntervalSeconds)
	}
	if s.HeartbeatTimeoutSeconds <= 0 {
		return fmt.Errorf("heartbeat_timeout_seconds must be positive, got %f", s.HeartbeatTimeoutSeconds)
	}
	if s.RetryDelaySeconds < 0 {
		return fmt.Errorf("retry_delay_seconds must be non-negative, got %f", s.RetryDelaySeconds)
	}
	return nil
}

// HeartbeatInterval returns HeartbeatIntervalSeconds as a time.Duration.
func (s *Settings) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSeconds * float64(time.Second))
}

// HeartbeatTimeout returns HeartbeatTimeoutSeconds as a time.Duration.
func (s *Settings) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutSeconds * float64(time.Second))
}

// RetryDelay returns RetryDelaySeconds as a time.Duration.
func (s *Settings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds * float64(time.Second))
}
