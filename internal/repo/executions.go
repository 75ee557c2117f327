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

const executionColumns = `id,task_id,agent_id,account_id,skill_id,COALESCE(user_id,''),status,COALESCE(input_context_json,''),COALESCE(output_content,''),output_metadata_json,COALESCE(error_message,''),requires_approval,approved_by,approved_at,started_at,completed_at,created_at`

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		e                                  domain.Execution
		skill, meta, approvedBy, approvedAt sql.NullString
		started, completed                 sql.NullString
		requires                           int
	)
	err := row.Scan(&e.ID, &e.TaskID, &e.AgentID, &e.AccountID, &skill, &e.UserID, &e.Status, &e.InputContextJSON, &e.OutputContent,
		&meta, &e.ErrorMessage, &requires, &approvedBy, &approvedAt, &started, &completed, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.SkillID = stringPtr(skill)
	e.RequiresApproval = requires == 1
	e.ApprovedBy = stringPtr(approvedBy)
	e.ApprovedAt = stringPtr(approvedAt)
	e.StartedAt = stringPtr(started)
	e.CompletedAt = stringPtr(completed)
	if meta.Valid && meta.String != "" {
		var m domain.OutputMetadata
		if err := json.Unmarshal([]byte(meta.String), &m); err != nil {
			return e, fmt.Errorf("decode output metadata for %s: %w", e.ID, err)
		}
		e.OutputMetadata = &m
	}
	return e, nil
}

// InsertExecution stores a new execution. A second running execution for the
// same task violates a partial unique index and surfaces as ErrConflict.
func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, e domain.Execution) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO executions(id,task_id,agent_id,account_id,skill_id,user_id,status,input_context_json,requires_approval,started_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.TaskID, e.AgentID, e.AccountID, nullableStringPtr(e.SkillID), nullable(e.UserID), e.Status, nullable(e.InputContextJSON),
		boolInt(e.RequiresApproval), nullableStringPtr(e.StartedAt), e.CreatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("task %s already has a running execution: %w", e.TaskID, ErrConflict)
	}
	return err
}

func (r Repo) GetExecution(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	return scanExecution(r.q(tx).QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id=?`, id))
}

// StartExecution moves a pending execution to running.
func (r Repo) StartExecution(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE executions SET status='running', started_at=? WHERE id=? AND status='pending'`, now, id)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("execution %s: %w", id, ErrConflict)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s not pending: %w", id, ErrConflict)
	}
	return nil
}

// ExecutionOutcome is the terminal write for a runner result.
type ExecutionOutcome struct {
	Status           string
	OutputContent    string
	OutputMetadata   *domain.OutputMetadata
	ErrorMessage     string
	RequiresApproval bool
	CompletedAt      string
}

// FinishExecution records a runner outcome when the execution is still in
// fromStatus. It returns ErrConflict if something else moved it first, such
// as a cancel.
func (r Repo) FinishExecution(ctx context.Context, tx *sql.Tx, id, fromStatus string, o ExecutionOutcome) error {
	var meta any
	if o.OutputMetadata != nil {
		data, err := json.Marshal(o.OutputMetadata)
		if err != nil {
			return err
		}
		meta = string(data)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE executions SET status=?, output_content=?, output_metadata_json=?, error_message=?, requires_approval=?, completed_at=? WHERE id=? AND status=?`,
		o.Status, nullable(o.OutputContent), meta, nullable(o.ErrorMessage), boolInt(o.RequiresApproval), o.CompletedAt, id, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s not %s: %w", id, fromStatus, ErrConflict)
	}
	return nil
}

// TransitionExecution changes status only, guarded by the current status.
func (r Repo) TransitionExecution(ctx context.Context, tx *sql.Tx, id, from, to, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE executions SET status=?, completed_at=COALESCE(completed_at,?) WHERE id=? AND status=?`, to, now, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s not %s: %w", id, from, ErrConflict)
	}
	return nil
}

// ResolveApproval closes an awaiting_approval execution. Approved executions
// become completed; rejected ones become failed with reason as the error.
func (r Repo) ResolveApproval(ctx context.Context, tx *sql.Tx, id string, approved bool, userID, reason, now string) error {
	status := domain.ExecFailed
	if approved {
		status = domain.ExecCompleted
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE executions SET status=?, approved_by=?, approved_at=?, error_message=COALESCE(?,error_message) WHERE id=? AND status='awaiting_approval'`,
		status, userID, now, nullable(reason), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s not awaiting approval: %w", id, ErrConflict)
	}
	return nil
}

// OpenExecutionForTask returns the execution of a task that has not reached
// a final status yet: running, or held for approval.
func (r Repo) OpenExecutionForTask(ctx context.Context, tx *sql.Tx, taskID string) (domain.Execution, error) {
	return scanExecution(r.q(tx).QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE task_id=? AND status IN ('running','awaiting_approval') ORDER BY created_at DESC LIMIT 1`, taskID))
}

type ExecutionFilters struct {
	AccountID string
	TaskID    string
	AgentID   string
	Statuses  []string
	Limit     int
}

func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilters) ([]domain.Execution, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	query := `SELECT ` + executionColumns + ` FROM executions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	query += fmt.Sprintf(" LIMIT %d", clampLimit(f.Limit, 50, 500))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// RunningByAgent maps agent ids to the task ids they are running.
func (r Repo) RunningByAgent(ctx context.Context) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id, task_id FROM executions WHERE status='running' ORDER BY agent_id, started_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string][]string{}
	for rows.Next() {
		var agentID, taskID string
		if err := rows.Scan(&agentID, &taskID); err != nil {
			return nil, err
		}
		res[agentID] = append(res[agentID], taskID)
	}
	return res, rows.Err()
}

// StartedSince maps agent ids to the number of executions they started at or
// after since (RFC3339), along with the earliest start.
func (r Repo) StartedSince(ctx context.Context, since string) (map[string]int, map[string]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id, count(*), MIN(started_at) FROM executions WHERE started_at >= ? GROUP BY agent_id`, since)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	earliest := map[string]string{}
	for rows.Next() {
		var agentID, first string
		var n int
		if err := rows.Scan(&agentID, &n, &first); err != nil {
			return nil, nil, err
		}
		counts[agentID] = n
		earliest[agentID] = first
	}
	return counts, earliest, rows.Err()
}

func (r Repo) InsertAttachment(ctx context.Context, tx *sql.Tx, a domain.Attachment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO attachments(id,execution_id,task_id,filename,language,content,size_bytes,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.ExecutionID, a.TaskID, a.Filename, nullable(a.Language), a.Content, a.SizeBytes, a.CreatedAt)
	return err
}

func (r Repo) ListAttachments(ctx context.Context, executionID string) ([]domain.Attachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,execution_id,task_id,filename,COALESCE(language,''),content,size_bytes,created_at FROM attachments WHERE execution_id=? ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.TaskID, &a.Filename, &a.Language, &a.Content, &a.SizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
