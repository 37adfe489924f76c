package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/truthlayer/internal/config"
	"github.com/roach88/truthlayer/internal/engine"
	"github.com/roach88/truthlayer/internal/metrics"
	"github.com/roach88/truthlayer/internal/store"
)

// session is an opened store and bootstrapped engine for one command.
type session struct {
	cfg     *config.Config
	store   *store.Store
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
	out     *OutputFormatter

	ctx    context.Context
	cancel context.CancelFunc
}

// openSession loads configuration (flags over environment over file over
// defaults), opens the database and loads the configured schema
// directories. The returned session must be closed.
func openSession(cmd *cobra.Command, opts *RootOptions) (*session, error) {
	overrides := map[string]any{
		"database.path": opts.Database,
		"caller.id":     opts.Caller,
	}
	if opts.Metrics {
		overrides["metrics.enabled"] = true
	}
	cfg, err := config.LoadWithOverrides(opts.Config, overrides)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)

	// Setup signal handling for graceful cancellation
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)

	logger.Debug("opening database", "path", cfg.Database.Path)
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		cancel()
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}
	eng, err := engine.New(st,
		engine.WithLogger(logger),
		engine.WithMetrics(m),
		engine.WithLockTimeout(cfg.Engine.LockTimeout),
		engine.WithInterpretTimeout(cfg.Engine.InterpretTimeout),
		engine.WithReplayWorkers(cfg.Engine.ReplayWorkers),
		engine.WithPriorities(engine.Priorities{
			Structured:  cfg.Priority.Structured,
			Interpreted: cfg.Priority.Interpreted,
			Correction:  cfg.Priority.Correction,
		}),
	)
	if err != nil {
		st.Close()
		cancel()
		return nil, WrapExitError(ExitCommandError, "failed to create engine", err)
	}

	loaded, err := eng.Bootstrap(ctx, cfg.Schemas.Dirs...)
	if err != nil {
		st.Close()
		cancel()
		return nil, WrapExitError(ExitCommandError, "failed to load schemas", err)
	}
	logger.Debug("schemas loaded",
		"registered", len(loaded.Registered),
		"activated", len(loaded.Activated),
		"dirs", cfg.Schemas.Dirs)

	return &session{
		cfg:     cfg,
		store:   st,
		engine:  eng,
		metrics: m,
		logger:  logger,
		out:     newFormatter(cmd, opts),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// caller is the configured caller id.
func (s *session) caller() string {
	return s.cfg.Caller.ID
}

// Close dumps metrics when enabled and closes the database.
func (s *session) Close(metricsOut io.Writer) {
	defer s.cancel()
	if err := s.metrics.WriteText(metricsOut); err != nil {
		s.logger.Error("error writing metrics", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing database", "error", err)
	}
}

// newLogger builds the slog handler named by cfg. --verbose forces debug.
func newLogger(w io.Writer, cfg config.LogConfig, verbose bool) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	if verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// runWithSession opens a session, runs fn and closes the session.
func runWithSession(cmd *cobra.Command, opts *RootOptions, fn func(*session) error) error {
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close(cmd.ErrOrStderr())
	return fn(s)
}
