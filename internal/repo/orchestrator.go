package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"trustloop/internal/domain"
)

func scanOrchestratorConfig(row rowScanner) (domain.OrchestratorConfig, error) {
	var (
		c           domain.OrchestratorConfig
		agentID     sql.NullString
		trust       string
		dryRun, ar  int
	)
	err := row.Scan(&c.AccountID, &agentID, &trust, &dryRun, &ar, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if agentID.Valid {
		c.OrchestratorAgentID = agentID.String
	}
	if err := json.Unmarshal([]byte(trust), &c.Trust); err != nil {
		return c, fmt.Errorf("decode trust levels for %s: %w", c.AccountID, err)
	}
	c.DryRunDefault = dryRun == 1
	c.AutoRouteRootTasks = ar == 1
	return c, nil
}

func (r Repo) GetOrchestratorConfig(ctx context.Context, tx *sql.Tx, accountID string) (domain.OrchestratorConfig, error) {
	return scanOrchestratorConfig(r.q(tx).QueryRowContext(ctx, `SELECT account_id,orchestrator_agent_id,trust_json,dry_run_default,auto_route_root_tasks,created_at,updated_at FROM orchestrator_configs WHERE account_id=?`, accountID))
}

func (r Repo) InsertOrchestratorConfig(ctx context.Context, tx *sql.Tx, c domain.OrchestratorConfig) error {
	trust, err := json.Marshal(c.Trust)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO orchestrator_configs(account_id,orchestrator_agent_id,trust_json,dry_run_default,auto_route_root_tasks,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		c.AccountID, nullable(c.OrchestratorAgentID), string(trust), boolInt(c.DryRunDefault), boolInt(c.AutoRouteRootTasks), c.CreatedAt, c.UpdatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("orchestrator config for %s exists: %w", c.AccountID, ErrConflict)
	}
	return err
}

// UpdateOrchestratorConfig overwrites the row when updated_at still equals
// prevUpdatedAt.
func (r Repo) UpdateOrchestratorConfig(ctx context.Context, tx *sql.Tx, c domain.OrchestratorConfig, prevUpdatedAt string) error {
	trust, err := json.Marshal(c.Trust)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE orchestrator_configs SET orchestrator_agent_id=?, trust_json=?, dry_run_default=?, auto_route_root_tasks=?, updated_at=? WHERE account_id=? AND updated_at=?`,
		nullable(c.OrchestratorAgentID), string(trust), boolInt(c.DryRunDefault), boolInt(c.AutoRouteRootTasks), c.UpdatedAt, c.AccountID, prevUpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("orchestrator config %s changed concurrently: %w", c.AccountID, ErrConflict)
	}
	return nil
}

func (r Repo) InsertAuditEntry(ctx context.Context, tx *sql.Tx, e domain.GuardrailAuditEntry) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO guardrail_audit(id,account_id,category,action,decision,decided_by,actor_id,trust_level_required,trust_level_current,rationale,metadata_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.AccountID, e.Category, e.Action, e.Decision, e.DecidedBy, nullable(e.ActorID), e.TrustLevelRequired, e.TrustLevelCurrent,
		nullable(e.Rationale), nullable(e.MetadataJSON), e.CreatedAt)
	return err
}

type AuditFilters struct {
	AccountID       string
	Category        string
	Decision        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListAudit returns audit entries newest first, after the (created_at, id)
// cursor when one is given.
func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.GuardrailAuditEntry, error) {
	clauses := []string{"account_id=?"}
	args := []any{f.AccountID}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Decision != "" {
		clauses = append(clauses, "decision=?")
		args = append(args, f.Decision)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT id,account_id,category,action,decision,decided_by,COALESCE(actor_id,''),trust_level_required,trust_level_current,COALESCE(rationale,''),COALESCE(metadata_json,''),created_at
FROM guardrail_audit WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit, 50, 200))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GuardrailAuditEntry
	for rows.Next() {
		var e domain.GuardrailAuditEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Category, &e.Action, &e.Decision, &e.DecidedBy, &e.ActorID,
			&e.TrustLevelRequired, &e.TrustLevelCurrent, &e.Rationale, &e.MetadataJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
