// Package anneal feeds execution outcomes back into agent health: failure
// streaks, the circuit breaker, lifetime stats and autonomy recommendations.
package anneal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trustloop/internal/domain"
	"trustloop/internal/events"
	"trustloop/internal/metrics"
	"trustloop/internal/repo"
)

// DefaultMaxConsecutiveFailures applies to agents without their own limit.
const DefaultMaxConsecutiveFailures = 3

const maxConflictRetries = 5

type Outcome struct {
	ExecutionID  string            `json:"execution_id"`
	TaskID       string            `json:"task_id"`
	AgentID      string            `json:"agent_id"`
	AccountID    string            `json:"account_id"`
	Success      bool              `json:"success"`
	ToolsUsed    []domain.ToolCall `json:"tools_used,omitempty"`
	DurationMs   int64             `json:"duration_ms"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	PatternKey   string            `json:"pattern_key,omitempty"`
}

type Recommendation struct {
	AgentID           string  `json:"agent_id"`
	CurrentAutonomy   int     `json:"current_autonomy"`
	SuggestedAutonomy int     `json:"suggested_autonomy"`
	SuccessRate       float64 `json:"success_rate"`
	Runs              int     `json:"runs"`
}

type Result struct {
	Agent          domain.Agent    `json:"agent"`
	PreviousHealth string          `json:"previous_health"`
	CircuitOpened  bool            `json:"circuit_opened"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
}

type Engine struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Logger *slog.Logger

	// A recommendation is considered every RecommendEvery runs once the
	// success rate is at least MinSuccessRate. MaxAutonomy caps the suggestion.
	RecommendEvery int
	MinSuccessRate float64
	MaxAutonomy    int
}

func New(r repo.Repo) Engine {
	return Engine{Repo: r, Now: time.Now, Logger: slog.Default(), RecommendEvery: 20, MinSuccessRate: 0.95, MaxAutonomy: 4}
}

func (e Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// Next applies one outcome to an agent's health fields. Once the circuit is
// open only Reset closes it, so a late success leaves the agent failing.
func Next(a domain.Agent, success bool, now string) domain.Agent {
	if success {
		if a.PausedAt != nil {
			a.HealthStatus = domain.HealthFailing
			return a
		}
		a.ConsecutiveFailures = 0
		a.HealthStatus = domain.HealthHealthy
		return a
	}
	limit := a.MaxConsecutiveFailures
	if limit <= 0 {
		limit = DefaultMaxConsecutiveFailures
	}
	a.ConsecutiveFailures++
	if a.ConsecutiveFailures >= limit {
		a.HealthStatus = domain.HealthFailing
		if a.PausedAt == nil {
			a.PausedAt = &now
		}
		return a
	}
	if a.HealthStatus != domain.HealthFailing {
		a.HealthStatus = domain.HealthDegraded
	}
	return a
}

// ProcessOutcome records an outcome against the agent with an optimistic
// version check, retrying when another outcome for the same agent lands
// first.
func (e Engine) ProcessOutcome(ctx context.Context, o Outcome) (Result, error) {
	if o.AgentID == "" {
		return Result{}, errors.New("agent id required")
	}
	var res Result
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		res, err = e.apply(ctx, o)
		if !errors.Is(err, repo.ErrConflict) {
			break
		}
	}
	if err != nil {
		return Result{}, err
	}
	if res.PreviousHealth != res.Agent.HealthStatus {
		metrics.HealthTransitions.WithLabelValues(res.PreviousHealth, res.Agent.HealthStatus).Inc()
	}
	if o.Success {
		rec, err := e.recommend(ctx, res.Agent)
		if err != nil {
			e.logger().Warn("trust recommendation check failed", "agent_id", o.AgentID, "error", err)
		}
		res.Recommendation = rec
	}
	return res, nil
}

func (e Engine) apply(ctx context.Context, o Outcome) (Result, error) {
	var res Result
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		prev, err := e.Repo.GetAgent(ctx, tx, o.AgentID)
		if err != nil {
			return err
		}
		now := e.now().Format(time.RFC3339)
		next := Next(prev, o.Success, now)
		if err := e.Repo.UpdateAgentHealth(ctx, tx, next, prev.Version, now); err != nil {
			return err
		}
		next.Version = prev.Version + 1
		next.UpdatedAt = now
		if err := e.Repo.RecordAgentRun(ctx, tx, o.AgentID, o.Success, int64(o.InputTokens), int64(o.OutputTokens), o.DurationMs, now); err != nil {
			return err
		}
		if o.PatternKey != "" {
			if err := e.Repo.RecordPatternOutcome(ctx, tx, prev.AccountID, o.PatternKey, o.Success, now); err != nil {
				return err
			}
		}
		if prev.HealthStatus != next.HealthStatus {
			if err := e.Events.Append(ctx, tx, events.AgentHealthChanged, prev.AccountID, "agent", prev.ID, "system", events.EventPayload{
				"from": prev.HealthStatus, "to": next.HealthStatus, "consecutive_failures": next.ConsecutiveFailures, "execution_id": o.ExecutionID,
			}); err != nil {
				return err
			}
		}
		opened := next.HealthStatus == domain.HealthFailing && prev.HealthStatus != domain.HealthFailing
		if opened {
			if err := e.Events.Append(ctx, tx, events.AgentCircuitOpen, prev.AccountID, "agent", prev.ID, "system", events.EventPayload{
				"consecutive_failures": next.ConsecutiveFailures, "max_consecutive_failures": prev.MaxConsecutiveFailures, "task_id": o.TaskID,
			}); err != nil {
				return err
			}
		}
		res = Result{Agent: next, PreviousHealth: prev.HealthStatus, CircuitOpened: opened}
		return nil
	})
	return res, err
}

func (e Engine) recommend(ctx context.Context, a domain.Agent) (*Recommendation, error) {
	every := e.RecommendEvery
	if every <= 0 {
		return nil, nil
	}
	maxAutonomy := e.MaxAutonomy
	if maxAutonomy <= 0 {
		maxAutonomy = 4
	}
	if a.HealthStatus != domain.HealthHealthy || a.PausedAt != nil || a.AutonomyLevel >= maxAutonomy {
		return nil, nil
	}
	st, err := e.Repo.GetAgentStats(ctx, nil, a.ID)
	if err != nil {
		return nil, err
	}
	if st.TotalRuns < every || st.TotalRuns%every != 0 || st.SuccessRate() < e.MinSuccessRate {
		return nil, nil
	}
	rec := &Recommendation{
		AgentID:           a.ID,
		CurrentAutonomy:   a.AutonomyLevel,
		SuggestedAutonomy: a.AutonomyLevel + 1,
		SuccessRate:       st.SuccessRate(),
		Runs:              st.TotalRuns,
	}
	if err := e.Events.Append(ctx, e.Repo.DB, events.AgentTrustRecommended, a.AccountID, "agent", a.ID, "system", events.EventPayload{
		"current_autonomy": rec.CurrentAutonomy, "suggested_autonomy": rec.SuggestedAutonomy, "success_rate": rec.SuccessRate, "runs": rec.Runs,
	}); err != nil {
		return rec, err
	}
	return rec, nil
}

// Reset is the human intervention that closes an agent's circuit.
func (e Engine) Reset(ctx context.Context, agentID, actorID string) (domain.Agent, error) {
	var out domain.Agent
	var err error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
			prev, err := e.Repo.GetAgent(ctx, tx, agentID)
			if err != nil {
				return err
			}
			now := e.now().Format(time.RFC3339)
			next := prev
			next.ConsecutiveFailures = 0
			next.HealthStatus = domain.HealthHealthy
			next.PausedAt = nil
			if err := e.Repo.UpdateAgentHealth(ctx, tx, next, prev.Version, now); err != nil {
				return err
			}
			next.Version = prev.Version + 1
			next.UpdatedAt = now
			out = next
			return e.Events.Append(ctx, tx, events.AgentReset, prev.AccountID, "agent", prev.ID, actorID, events.EventPayload{
				"previous_health": prev.HealthStatus, "previous_failures": prev.ConsecutiveFailures,
			})
		})
		if !errors.Is(err, repo.ErrConflict) {
			break
		}
	}
	if err != nil {
		return domain.Agent{}, fmt.Errorf("reset agent %s: %w", agentID, err)
	}
	return out, nil
}
