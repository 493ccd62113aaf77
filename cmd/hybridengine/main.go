// Command hybridengine runs the workflow orchestration engine: the
// recovery sweep, the worker loop, and the HTTP edge.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hybridengine/hybridengine/config"
	"github.com/hybridengine/hybridengine/engine"
	"github.com/hybridengine/hybridengine/engine/adapter"
	"github.com/hybridengine/hybridengine/engine/adapter/anthropic"
	"github.com/hybridengine/hybridengine/engine/adapter/deepseek"
	"github.com/hybridengine/hybridengine/engine/adapter/google"
	"github.com/hybridengine/hybridengine/engine/adapter/openai"
	"github.com/hybridengine/hybridengine/engine/emit"
	"github.com/hybridengine/hybridengine/engine/history"
	"github.com/hybridengine/hybridengine/engine/queue"
	"github.com/hybridengine/hybridengine/engine/store"
	"github.com/hybridengine/hybridengine/httpapi"
)

func main() {
	root := &cobra.Command{
		Use:          "hybridengine",
		Short:        "Workflow orchestration engine for model pipelines",
		SilenceUsage: true,
	}
	root.AddCommand(serveCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run recovery, the worker loop, and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)

	st, err := store.NewFileStore(cfg.WorkflowsDir)
	if err != nil {
		return err
	}

	q, err := queue.Open(cfg.QueueStateFile, queue.Options{MaxDepth: cfg.QueueMaxDepth})
	if err != nil {
		return err
	}

	recorder, err := newHistoryRecorder(cfg)
	if err != nil {
		return err
	}
	defer recorder.Close()

	registry := buildRegistry(cfg, logger)
	metrics := engine.NewMetrics(nil)
	emitter := emit.NewLogEmitter(os.Stderr, false)
	locks := engine.NewLocks()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Recovery must finish before the worker consumes its first ticket.
	recovery := engine.NewRecovery(st, q, logger).
		WithEmitter(emitter).
		WithMetrics(metrics)
	if err := recovery.Run(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	worker := engine.NewWorker(st, q, registry, locks, engine.WorkerOptions{
		MaxDeferrals: cfg.MaxDeferrals,
	}, logger).
		WithEmitter(emitter).
		WithMetrics(metrics).
		WithHistory(recorder)

	api := httpapi.New(st, q, registry, locks, recorder, logger)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := worker.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newLogger(level string) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "hybridengine",
	})
	parsed, err := log.ParseLevel(level)
	if err != nil {
		logger.Warn("unknown log level, using info", "level", level)
		parsed = log.InfoLevel
	}
	logger.SetLevel(parsed)
	return logger
}

// buildRegistry binds every action whose provider credential is present.
// Steps whose action stays unbound run as simulations.
func buildRegistry(cfg *config.Config, logger *log.Logger) *adapter.Registry {
	registry := adapter.NewRegistry()

	if cfg.OpenAIKey != "" {
		registry.Register("openai_chat", openai.New(cfg.OpenAIKey, ""))
	}
	if cfg.DeepSeekKey != "" {
		registry.Register("deepseek_chat", deepseek.New(cfg.DeepSeekKey, ""))
	}
	if cfg.GeminiKey != "" {
		registry.Register("gemini_generate", google.New(cfg.GeminiKey, ""))
	}
	if cfg.AnthropicKey != "" {
		registry.Register("anthropic_chat", anthropic.New(cfg.AnthropicKey, ""))
	}

	logger.Info("adapter registry configured", "actions", registry.Actions())
	return registry
}

func newHistoryRecorder(cfg *config.Config) (history.Recorder, error) {
	switch cfg.HistoryDriver {
	case config.HistorySQLite:
		return history.NewSQLiteRecorder(cfg.HistoryDSN)
	case config.HistoryMySQL:
		return history.NewMySQLRecorder(cfg.HistoryDSN)
	default:
		return history.NewNullRecorder(), nil
	}
}
