// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// History driver names accepted by HISTORY_DRIVER.
const (
	HistoryNone   = "none"
	HistorySQLite = "sqlite"
	HistoryMySQL  = "mysql"
)

// Config is the full runtime configuration. Every field binds to an
// environment variable of the same name in SCREAMING_SNAKE_CASE.
type Config struct {
	// WorkflowsDir is the root directory of per-workflow state documents.
	WorkflowsDir string

	// QueueStateFile is the path of the durable queue file.
	QueueStateFile string

	// MaxParallelNodes is parsed for forward compatibility; the execution
	// core is single-tasked and does not consume it yet.
	MaxParallelNodes int

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// HTTPAddr is the listen address of the HTTP edge.
	HTTPAddr string

	// QueueMaxDepth caps the queue; zero means unbounded.
	QueueMaxDepth int

	// MaxDeferrals dead-letters a ticket after this many dependency
	// deferrals; zero means never.
	MaxDeferrals int

	// HistoryDriver selects the transition audit backend: none, sqlite,
	// or mysql.
	HistoryDriver string

	// HistoryDSN is the SQLite path or MySQL DSN for the history backend.
	HistoryDSN string

	// Provider credentials. An empty key leaves the corresponding action
	// unregistered, so steps using it run as simulations.
	OpenAIKey    string
	DeepSeekKey  string
	GeminiKey    string
	AnthropicKey string
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("workflows_dir", "workflows")
	v.SetDefault("queue_state_file", "queue-state.json")
	v.SetDefault("max_parallel_nodes", 4)
	v.SetDefault("log_level", "info")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("queue_max_depth", 0)
	v.SetDefault("max_deferrals", 0)
	v.SetDefault("history_driver", HistoryNone)
	v.SetDefault("history_dsn", "")

	cfg := &Config{
		WorkflowsDir:     v.GetString("workflows_dir"),
		QueueStateFile:   v.GetString("queue_state_file"),
		MaxParallelNodes: v.GetInt("max_parallel_nodes"),
		LogLevel:         v.GetString("log_level"),
		HTTPAddr:         v.GetString("http_addr"),
		QueueMaxDepth:    v.GetInt("queue_max_depth"),
		MaxDeferrals:     v.GetInt("max_deferrals"),
		HistoryDriver:    v.GetString("history_driver"),
		HistoryDSN:       v.GetString("history_dsn"),
		OpenAIKey:        v.GetString("openai_api_key"),
		DeepSeekKey:      v.GetString("deepseek_api_key"),
		GeminiKey:        v.GetString("gemini_api_key"),
		AnthropicKey:     v.GetString("anthropic_api_key"),
	}

	switch cfg.HistoryDriver {
	case HistoryNone, HistorySQLite, HistoryMySQL:
	default:
		return nil, fmt.Errorf("invalid HISTORY_DRIVER %q (want none, sqlite, or mysql)", cfg.HistoryDriver)
	}
	if cfg.HistoryDriver != HistoryNone && cfg.HistoryDSN == "" {
		return nil, fmt.Errorf("HISTORY_DSN is required when HISTORY_DRIVER is %q", cfg.HistoryDriver)
	}
	if cfg.MaxParallelNodes <= 0 {
		return nil, fmt.Errorf("MAX_PARALLEL_NODES must be positive")
	}
	return cfg, nil
}
