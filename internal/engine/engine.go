// Package engine is the execution lifecycle: it admits a task to an agent,
// runs it, records the outcome and fans the result out to dependents,
// guardrails, annealing and notifications.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trustloop/internal/admission"
	"trustloop/internal/anneal"
	"trustloop/internal/config"
	"trustloop/internal/deps"
	"trustloop/internal/domain"
	"trustloop/internal/events"
	"trustloop/internal/guardrail"
	"trustloop/internal/metrics"
	"trustloop/internal/notify"
	"trustloop/internal/repo"
	"trustloop/internal/runner"
)

// Notifier queues a notification for every channel subscribed to eventType.
type Notifier interface {
	Enqueue(ctx context.Context, accountID, eventType, subject, body string, data map[string]any) ([]domain.Notification, error)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Admission  admission.Controller
	Deps       deps.Resolver
	Guardrails guardrail.Store
	Anneal     anneal.Engine
	Notifier   Notifier
	Runner     runner.Runner
	Logger     *slog.Logger
	Now        func() time.Time

	active *tracker
}

// New wires the lifecycle over db. run may be nil for processes that only
// manage tasks, config and approvals.
func New(db *sql.DB, cfg *config.Config, run runner.Runner) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	var ctrl admission.Controller = admission.NewQueue()
	if cfg.Admission.Mode == "leased" {
		ctrl = admission.NewLeased(r, "proc-"+uuid.NewString(), cfg.Admission.LeaseTTL)
	}
	e := Engine{
		DB:         db,
		Repo:       r,
		Config:     cfg,
		Admission:  ctrl,
		Deps:       deps.Resolver{Repo: r},
		Guardrails: guardrail.New(r, cfg.Guardrails.Defaults),
		Anneal:     anneal.New(r),
		Notifier:   notify.New(r, cfg.Notifications),
		Runner:     run,
		Logger:     slog.Default(),
		active:     newTracker(),
	}
	return e.WithClock(time.Now)
}

// WithClock points every component at now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Deps.Now = now
	e.Deps.Events.Now = now
	e.Guardrails.Now = now
	e.Guardrails.Events.Now = now
	e.Anneal.Now = now
	e.Anneal.Events.Now = now
	switch c := e.Admission.(type) {
	case *admission.Queue:
		c.Now = now
	case *admission.Leased:
		c.Now = now
	}
	if d, ok := e.Notifier.(notify.Dispatcher); ok {
		d.Now = now
		d.Events.Now = now
		e.Notifier = d
	}
	return e
}

// WithLogger points every component at l.
func (e Engine) WithLogger(l *slog.Logger) Engine {
	e.Logger = l
	e.Deps.Logger = l
	e.Guardrails.Logger = l
	e.Anneal.Logger = l
	if d, ok := e.Notifier.(notify.Dispatcher); ok {
		d.Logger = l
		e.Notifier = d
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) ts() string {
	return e.now().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e Engine) tracker() *tracker {
	if e.active == nil {
		return newTracker()
	}
	return e.active
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

// AdmissionError is the "not yet" signal: the task stays queued and the
// caller may retry later when Retryable.
type AdmissionError struct {
	TaskID  string
	AgentID string
	Kind    admission.Kind
	Reason  string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("task %s not admitted for agent %s: %s", e.TaskID, e.AgentID, e.Reason)
}

func (e *AdmissionError) Retryable() bool { return e.Kind.Retryable() }

// IsRetryable reports whether err is an admission denial that clears by itself.
func IsRetryable(err error) bool {
	var ae *AdmissionError
	return errors.As(err, &ae) && ae.Retryable()
}

// AsAdmission unwraps an AdmissionError.
func AsAdmission(err error) (*AdmissionError, bool) {
	var ae *AdmissionError
	ok := errors.As(err, &ae)
	return ae, ok
}

// secondary logs a best-effort step that failed after the primary write.
func (e Engine) secondary(step string, err error, attrs ...any) {
	if err == nil {
		return
	}
	metrics.SecondaryFailures.WithLabelValues(step).Inc()
	e.logger().Error("secondary update failed", append([]any{"step", step, "error", err}, attrs...)...)
}

// notify queues a notification without ever failing the caller.
func (e Engine) notify(ctx context.Context, accountID, eventType, subject, body string, data map[string]any) {
	if e.Notifier == nil {
		return
	}
	if _, err := e.Notifier.Enqueue(ctx, accountID, eventType, subject, body, data); err != nil {
		e.secondary("notify", err, "event_type", eventType, "account_id", accountID)
	}
}
