package config

import (
	"strings"
	"testing"
)

// TestLoadDefaults verifies the zero-environment configuration.
func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"WORKFLOWS_DIR", "QUEUE_STATE_FILE", "MAX_PARALLEL_NODES", "LOG_LEVEL",
		"HTTP_ADDR", "QUEUE_MAX_DEPTH", "MAX_DEFERRALS", "HISTORY_DRIVER", "HISTORY_DSN",
	} {
		// Empty values are treated as unset, so this masks anything the
		// ambient environment carries.
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkflowsDir == "" || cfg.QueueStateFile == "" {
		t.Errorf("expected default paths, got %+v", cfg)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("expected default listen address, got %q", cfg.HTTPAddr)
	}
	if cfg.MaxParallelNodes != 4 {
		t.Errorf("expected 4 parallel nodes, got %d", cfg.MaxParallelNodes)
	}
	if cfg.HistoryDriver != HistoryNone {
		t.Errorf("expected history disabled, got %q", cfg.HistoryDriver)
	}
}

// TestLoadOverrides verifies environment variables take effect.
func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKFLOWS_DIR", "/var/lib/hybridengine/workflows")
	t.Setenv("QUEUE_STATE_FILE", "/var/lib/hybridengine/queue.json")
	t.Setenv("MAX_PARALLEL_NODES", "8")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("QUEUE_MAX_DEPTH", "500")
	t.Setenv("MAX_DEFERRALS", "25")
	t.Setenv("HISTORY_DRIVER", "sqlite")
	t.Setenv("HISTORY_DSN", "/var/lib/hybridengine/history.db")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WorkflowsDir != "/var/lib/hybridengine/workflows" {
		t.Errorf("unexpected workflows dir: %q", cfg.WorkflowsDir)
	}
	if cfg.MaxParallelNodes != 8 {
		t.Errorf("unexpected parallel nodes: %d", cfg.MaxParallelNodes)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("unexpected log level: %q", cfg.LogLevel)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Errorf("unexpected listen address: %q", cfg.HTTPAddr)
	}
	if cfg.QueueMaxDepth != 500 || cfg.MaxDeferrals != 25 {
		t.Errorf("unexpected queue limits: depth=%d deferrals=%d", cfg.QueueMaxDepth, cfg.MaxDeferrals)
	}
	if cfg.HistoryDriver != HistorySQLite || cfg.HistoryDSN != "/var/lib/hybridengine/history.db" {
		t.Errorf("unexpected history config: %q %q", cfg.HistoryDriver, cfg.HistoryDSN)
	}
	if cfg.OpenAIKey != "sk-test" {
		t.Errorf("unexpected credential: %q", cfg.OpenAIKey)
	}
}

// TestLoadValidation verifies rejection of unusable configurations.
func TestLoadValidation(t *testing.T) {
	t.Run("unknown history driver", func(t *testing.T) {
		t.Setenv("HISTORY_DRIVER", "postgres")
		if _, err := Load(); err == nil || !strings.Contains(err.Error(), "HISTORY_DRIVER") {
			t.Errorf("expected HISTORY_DRIVER error, got %v", err)
		}
	})

	t.Run("history driver without dsn", func(t *testing.T) {
		t.Setenv("HISTORY_DRIVER", "mysql")
		t.Setenv("HISTORY_DSN", "")
		if _, err := Load(); err == nil || !strings.Contains(err.Error(), "HISTORY_DSN") {
			t.Errorf("expected HISTORY_DSN error, got %v", err)
		}
	})

	t.Run("non-positive parallelism", func(t *testing.T) {
		t.Setenv("MAX_PARALLEL_NODES", "0")
		if _, err := Load(); err == nil || !strings.Contains(err.Error(), "MAX_PARALLEL_NODES") {
			t.Errorf("expected MAX_PARALLEL_NODES error, got %v", err)
		}
	})
}
