package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"trustloop/internal/domain"
)

const agentColumns = `id,account_id,name,COALESCE(role,''),capabilities_json,restrictions_json,autonomy_level,requires_approval_json,is_active,paused_at,consecutive_failures,max_consecutive_failures,health_status,max_actions_per_hour,max_concurrent_tasks,max_cost_per_action,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (domain.Agent, error) {
	var (
		a                  domain.Agent
		caps, restr, appr  string
		active             int
		paused             sql.NullString
		perHour, maxConcur sql.NullInt64
		maxCost            sql.NullFloat64
	)
	err := row.Scan(&a.ID, &a.AccountID, &a.Name, &a.Role, &caps, &restr, &a.AutonomyLevel, &appr, &active, &paused,
		&a.ConsecutiveFailures, &a.MaxConsecutiveFailures, &a.HealthStatus, &perHour, &maxConcur, &maxCost, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Capabilities = decodeStrings(caps)
	a.Restrictions = decodeStrings(restr)
	a.RequiresApprovalCategories = decodeStrings(appr)
	a.IsActive = active == 1
	a.PausedAt = stringPtr(paused)
	a.MaxActionsPerHour = intPtr(perHour)
	a.MaxConcurrentTasks = intPtr(maxConcur)
	a.MaxCostPerAction = floatPtr(maxCost)
	return a, nil
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	if a.Version == 0 {
		a.Version = 1
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(id,account_id,name,role,capabilities_json,restrictions_json,autonomy_level,requires_approval_json,is_active,paused_at,consecutive_failures,max_consecutive_failures,health_status,max_actions_per_hour,max_concurrent_tasks,max_cost_per_action,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.AccountID, a.Name, nullable(a.Role), encodeStrings(a.Capabilities), encodeStrings(a.Restrictions), a.AutonomyLevel,
		encodeStrings(a.RequiresApprovalCategories), boolInt(a.IsActive), nullableStringPtr(a.PausedAt), a.ConsecutiveFailures,
		a.MaxConsecutiveFailures, a.HealthStatus, nullableIntPtr(a.MaxActionsPerHour), nullableIntPtr(a.MaxConcurrentTasks),
		nullableFloatPtr(a.MaxCostPerAction), a.Version, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, tx *sql.Tx, id string) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id))
}

func (r Repo) ListAgents(ctx context.Context, accountID string) ([]domain.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id=?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpdateAgentHealth writes the annealing-owned fields when the stored row
// still has the expected version. It returns ErrConflict otherwise.
func (r Repo) UpdateAgentHealth(ctx context.Context, tx *sql.Tx, a domain.Agent, expectedVersion int, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET consecutive_failures=?, health_status=?, paused_at=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		a.ConsecutiveFailures, a.HealthStatus, nullableStringPtr(a.PausedAt), now, a.ID, expectedVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetAgent(ctx, tx, a.ID); err != nil {
			return err
		}
		return fmt.Errorf("agent %s version %d: %w", a.ID, expectedVersion, ErrConflict)
	}
	return nil
}

// SetAgentActive toggles whether the agent may take new work.
func (r Repo) SetAgentActive(ctx context.Context, tx *sql.Tx, id string, active bool, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET is_active=?, version=version+1, updated_at=? WHERE id=?`, boolInt(active), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type AgentStats struct {
	AgentID        string  `json:"agent_id"`
	TotalRuns      int     `json:"total_runs"`
	TotalSuccesses int     `json:"total_successes"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	DurationMs     int64   `json:"duration_ms"`
	LastOutcomeAt  *string `json:"last_outcome_at,omitempty"`
}

// SuccessRate returns successes over runs, or 0 before the first run.
func (s AgentStats) SuccessRate() float64 {
	if s.TotalRuns == 0 {
		return 0
	}
	return float64(s.TotalSuccesses) / float64(s.TotalRuns)
}

func (r Repo) RecordAgentRun(ctx context.Context, tx *sql.Tx, agentID string, success bool, inputTokens, outputTokens, durationMs int64, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agent_stats(agent_id,total_runs,total_successes,input_tokens,output_tokens,duration_ms,last_outcome_at) VALUES (?,1,?,?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET total_runs=total_runs+1, total_successes=total_successes+excluded.total_successes,
input_tokens=input_tokens+excluded.input_tokens, output_tokens=output_tokens+excluded.output_tokens,
duration_ms=duration_ms+excluded.duration_ms, last_outcome_at=excluded.last_outcome_at`,
		agentID, boolInt(success), inputTokens, outputTokens, durationMs, now)
	return err
}

func (r Repo) GetAgentStats(ctx context.Context, tx *sql.Tx, agentID string) (AgentStats, error) {
	s := AgentStats{AgentID: agentID}
	var last sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT total_runs,total_successes,input_tokens,output_tokens,duration_ms,last_outcome_at FROM agent_stats WHERE agent_id=?`, agentID).
		Scan(&s.TotalRuns, &s.TotalSuccesses, &s.InputTokens, &s.OutputTokens, &s.DurationMs, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return s, nil
	}
	s.LastOutcomeAt = stringPtr(last)
	return s, err
}

type PatternStats struct {
	AccountID    string `json:"account_id"`
	PatternKey   string `json:"pattern_key"`
	SuccessCount int    `json:"success_count"`
	FailureCount int    `json:"failure_count"`
	UpdatedAt    string `json:"updated_at"`
}

func (r Repo) RecordPatternOutcome(ctx context.Context, tx *sql.Tx, accountID, patternKey string, success bool, now string) error {
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO pattern_stats(account_id,pattern_key,success_count,failure_count,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(account_id,pattern_key) DO UPDATE SET success_count=success_count+excluded.success_count, failure_count=failure_count+excluded.failure_count, updated_at=excluded.updated_at`,
		accountID, patternKey, succ, fail, now)
	return err
}

// ListPatternStats returns decomposition pattern records ordered by success rate.
func (r Repo) ListPatternStats(ctx context.Context, accountID string) ([]PatternStats, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT account_id,pattern_key,success_count,failure_count,updated_at FROM pattern_stats WHERE account_id=?
ORDER BY CAST(success_count AS REAL)/(success_count+failure_count) DESC, pattern_key`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []PatternStats
	for rows.Next() {
		var p PatternStats
		if err := rows.Scan(&p.AccountID, &p.PatternKey, &p.SuccessCount, &p.FailureCount, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}
