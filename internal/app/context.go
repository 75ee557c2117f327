package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"trustloop/internal/config"
	"trustloop/internal/db"
	"trustloop/internal/domain"
	"trustloop/internal/engine"
	"trustloop/internal/migrate"
	"trustloop/internal/notify"
	"trustloop/internal/runner"
)

// Workspace is an opened trustloop workspace: migrated database, loaded
// config and an engine wired to both.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
	Logger *slog.Logger
	// Admission is the reconcile report from Open.
	Admission engine.ReconcileReport
}

// Open prepares the workspace directory, loads trustloop.yml (defaults when
// absent), applies migrations and builds the engine. Memory admission starts
// empty in every process, so it is rebuilt from the store before any command
// can reserve a slot. A workspace without a runner base_url still opens; runs
// then fail with runner.ErrNotConfigured.
func Open(ctx context.Context, dir string, logOut io.Writer) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	logger := NewLogger(cfg.Log, logOut)
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	version, err := migrate.MigrateContext(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database ready", "path", db.Path(dir), "schema_version", version)
	run, err := runner.FromConfig(cfg.Runner)
	switch {
	case errors.Is(err, runner.ErrNotConfigured):
		logger.Debug("no runner configured")
		run = nil
	case err != nil:
		conn.Close()
		return nil, err
	}
	e := engine.New(conn, cfg, run).WithLogger(logger)
	rep, err := e.Reconcile(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("reconcile admission: %w", err)
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: e, Logger: logger, Admission: rep}, nil
}

// Close releases the database handle.
func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Account seeds the guardrail row for accountID on first use.
func (w *Workspace) Account(ctx context.Context, accountID string) (domain.OrchestratorConfig, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return domain.OrchestratorConfig{}, fmt.Errorf("account not specified; use --account")
	}
	return w.Engine.Guardrails.Ensure(ctx, accountID)
}

// Dispatcher returns the notification dispatcher the engine enqueues into.
func (w *Workspace) Dispatcher() notify.Dispatcher {
	if d, ok := w.Engine.Notifier.(notify.Dispatcher); ok {
		return d
	}
	return notify.New(w.Engine.Repo, w.Config.Notifications)
}

// Init writes the default trustloop.yml unless one exists. force overwrites.
func Init(dir string, force bool) (string, bool, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return "", false, err
	}
	path := config.Path(dir)
	if _, err := os.Stat(path); err == nil && !force {
		return path, false, nil
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", false, err
	}
	return path, true, nil
}

// NewLogger builds the process logger from the log section of the config.
// out defaults to stderr.
func NewLogger(cfg config.Log, out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}
