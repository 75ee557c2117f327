package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"trustloop/internal/domain"
)

const taskColumns = `id,account_id,parent_id,title,COALESCE(description,''),COALESCE(category,''),status,priority,assigned_to,COALESCE(assigned_to_type,''),output_json,blocked_count,created_at,updated_at,completed_at,deleted_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var (
		t                     domain.Task
		parent, assigned, out sql.NullString
		completed, deleted    sql.NullString
		priority              sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.AccountID, &parent, &t.Title, &t.Description, &t.Category, &t.Status, &priority, &assigned,
		&t.AssignedToType, &out, &t.BlockedCount, &t.CreatedAt, &t.UpdatedAt, &completed, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ParentID = stringPtr(parent)
	t.AssignedTo = stringPtr(assigned)
	t.OutputJSON = stringPtr(out)
	t.CompletedAt = stringPtr(completed)
	t.DeletedAt = stringPtr(deleted)
	t.Priority = intPtr(priority)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(id,account_id,parent_id,title,description,category,status,priority,assigned_to,assigned_to_type,output_json,blocked_count,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AccountID, nullableStringPtr(t.ParentID), t.Title, nullable(t.Description), nullable(t.Category), t.Status,
		nullableIntPtr(t.Priority), nullableStringPtr(t.AssignedTo), nullable(t.AssignedToType), nullableStringPtr(t.OutputJSON),
		t.BlockedCount, t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.CompletedAt))
	return err
}

// GetTask loads a task including its status history. Soft-deleted tasks are
// returned with DeletedAt set.
func (r Repo) GetTask(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	t, err := scanTask(r.q(tx).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
	if err != nil {
		return t, err
	}
	hist, err := r.ListStatusHistory(ctx, tx, id)
	if err != nil {
		return t, err
	}
	t.StatusHistory = hist
	return t, nil
}

type TaskFilters struct {
	AccountID      string
	Statuses       []string
	ParentID       string
	AssignedTo     string
	IncludeDeleted bool
	Limit          int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.AccountID != "" {
		clauses = append(clauses, "account_id=?")
		args = append(args, f.AccountID)
	}
	if len(f.Statuses) > 0 {
		clauses = append(clauses, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	if f.AssignedTo != "" {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if !f.IncludeDeleted {
		clauses = append(clauses, "deleted_at IS NULL")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY CASE WHEN priority IS NULL THEN 1 ELSE 0 END, priority DESC, created_at, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListSiblingOutputs returns non-deleted tasks under parentID, other than
// excludeID, whose status is one of statuses.
func (r Repo) ListSiblingOutputs(ctx context.Context, parentID, excludeID string, statuses []string) ([]domain.Task, error) {
	args := []any{parentID, excludeID}
	for _, s := range statuses {
		args = append(args, s)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE parent_id=? AND id!=? AND deleted_at IS NULL AND status IN (`+placeholders(len(statuses))+`) ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTaskStatus moves a task from one status to another and returns
// ErrConflict when the stored status no longer matches from.
func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, id, from, to, now string) error {
	var completedAt any
	if to == domain.TaskCompleted {
		completedAt = now
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=?, completed_at=COALESCE(?,completed_at) WHERE id=? AND status=? AND deleted_at IS NULL`,
		to, now, completedAt, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s not in status %s: %w", id, from, ErrConflict)
	}
	return nil
}

func (r Repo) SetTaskOutput(ctx context.Context, tx *sql.Tx, id, outputJSON, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET output_json=?, updated_at=? WHERE id=?`, outputJSON, now, id)
	return err
}

func (r Repo) AssignTask(ctx context.Context, tx *sql.Tx, id, assignee, assigneeType, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET assigned_to=?, assigned_to_type=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, assignee, assigneeType, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetBlockedCount(ctx context.Context, tx *sql.Tx, id string, count int) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET blocked_count=? WHERE id=?`, count, id)
	return err
}

func (r Repo) IncrementBlockedCount(ctx context.Context, tx *sql.Tx, id string, delta int) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET blocked_count=MAX(blocked_count+?,0) WHERE id=?`, delta, id)
	return err
}

// SoftDeleteTask sets the tombstone. It refuses tasks with a running
// execution. Dependency edges stay; a deleted prerequisite no longer blocks.
func (r Repo) SoftDeleteTask(ctx context.Context, tx *sql.Tx, id, now string) error {
	var running int
	if err := r.q(tx).QueryRowContext(ctx, `SELECT count(*) FROM executions WHERE task_id=? AND status='running'`, id).Scan(&running); err != nil {
		return err
	}
	if running > 0 {
		return fmt.Errorf("task %s has a running execution: %w", id, ErrConflict)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE tasks SET deleted_at=?, updated_at=? WHERE id=? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) AppendStatusHistory(ctx context.Context, tx *sql.Tx, taskID string, c domain.StatusChange) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO task_status_history(task_id,from_status,to_status,actor_id,actor_type,ts) VALUES (?,?,?,?,?,?)`,
		taskID, c.From, c.To, c.ActorID, c.ActorType, c.TS)
	return err
}

func (r Repo) ListStatusHistory(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.StatusChange, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT from_status,to_status,actor_id,actor_type,ts FROM task_status_history WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		if err := rows.Scan(&c.From, &c.To, &c.ActorID, &c.ActorType, &c.TS); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func scanDependency(row rowScanner) (domain.TaskDependency, error) {
	var d domain.TaskDependency
	err := row.Scan(&d.TaskID, &d.DependsOnTaskID, &d.Type, &d.LagDays, &d.CreatedAt)
	return d, err
}

func (r Repo) listDependencies(ctx context.Context, tx *sql.Tx, where string, args ...any) ([]domain.TaskDependency, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT d.task_id,d.depends_on_task_id,d.type,d.lag_days,d.created_at FROM task_dependencies d `+where+` ORDER BY d.created_at, d.task_id, d.depends_on_task_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskDependency
	for rows.Next() {
		d, err := scanDependency(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertDependency(ctx context.Context, tx *sql.Tx, d domain.TaskDependency) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO task_dependencies(task_id,depends_on_task_id,type,lag_days,created_at) VALUES (?,?,?,?,?)`,
		d.TaskID, d.DependsOnTaskID, d.Type, d.LagDays, d.CreatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("dependency %s -> %s exists: %w", d.TaskID, d.DependsOnTaskID, ErrConflict)
	}
	return err
}

func (r Repo) DeleteDependency(ctx context.Context, tx *sql.Tx, taskID, dependsOn string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id=? AND depends_on_task_id=?`, taskID, dependsOn)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPrerequisites returns the edges where taskID is the dependent.
func (r Repo) ListPrerequisites(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.TaskDependency, error) {
	return r.listDependencies(ctx, tx, `WHERE d.task_id=?`, taskID)
}

// ListDependents returns the edges that wait on taskID.
func (r Repo) ListDependents(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.TaskDependency, error) {
	return r.listDependencies(ctx, tx, `WHERE d.depends_on_task_id=?`, taskID)
}

// ListAccountDependencies returns every edge whose dependent belongs to the account.
func (r Repo) ListAccountDependencies(ctx context.Context, tx *sql.Tx, accountID string) ([]domain.TaskDependency, error) {
	return r.listDependencies(ctx, tx, `JOIN tasks t ON t.id=d.task_id WHERE t.account_id=?`, accountID)
}

// PrerequisiteTasks returns the tasks taskID depends on, keyed by id,
// including soft-deleted ones.
func (r Repo) PrerequisiteTasks(ctx context.Context, tx *sql.Tx, taskID string) (map[string]domain.Task, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+prefixed("t.", taskColumns)+` FROM tasks t JOIN task_dependencies d ON d.depends_on_task_id=t.id WHERE d.task_id=?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res[t.ID] = t
	}
	return res, rows.Err()
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		if strings.HasPrefix(p, "COALESCE(") {
			parts[i] = "COALESCE(" + prefix + strings.TrimPrefix(p, "COALESCE(")
			continue
		}
		parts[i] = prefix + p
	}
	return strings.Join(parts, ",")
}

func (r Repo) InsertSkill(ctx context.Context, tx *sql.Tx, s domain.Skill) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO skills(id,account_id,name,instructions,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.AccountID, s.Name, nullable(s.Instructions), s.CreatedAt)
	return err
}

func (r Repo) GetSkill(ctx context.Context, id string) (domain.Skill, error) {
	var s domain.Skill
	err := r.DB.QueryRowContext(ctx, `SELECT id,account_id,name,COALESCE(instructions,''),created_at FROM skills WHERE id=?`, id).
		Scan(&s.ID, &s.AccountID, &s.Name, &s.Instructions, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}
