package repo

import (
	"context"
	"database/sql"
	"errors"
)

// AdmissionLease is one durable concurrency slot held by a process.
type AdmissionLease struct {
	AgentID    string
	TaskID     string
	HolderID   string
	AcquiredAt string
	ExpiresAt  string
}

// AdmissionWindow is the hourly rate window for an agent.
type AdmissionWindow struct {
	AgentID       string
	WindowStartMs int64
	HourlyCount   int
}

// DropExpiredLeases deletes leases for agentID that expired before now.
func (r Repo) DropExpiredLeases(ctx context.Context, tx *sql.Tx, agentID, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM admission_leases WHERE agent_id=? AND expires_at < ?`, agentID, now)
	return err
}

func (r Repo) ListLeases(ctx context.Context, tx *sql.Tx, agentID string) ([]AdmissionLease, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT agent_id,task_id,holder_id,acquired_at,expires_at FROM admission_leases WHERE agent_id=? ORDER BY acquired_at, task_id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AdmissionLease
	for rows.Next() {
		var l AdmissionLease
		if err := rows.Scan(&l.AgentID, &l.TaskID, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) InsertLease(ctx context.Context, tx *sql.Tx, l AdmissionLease) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO admission_leases(agent_id,task_id,holder_id,acquired_at,expires_at) VALUES (?,?,?,?,?)`,
		l.AgentID, l.TaskID, l.HolderID, l.AcquiredAt, l.ExpiresAt)
	if IsUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// DeleteLease removes a lease owned by holderID. Missing leases are not an error.
func (r Repo) DeleteLease(ctx context.Context, tx *sql.Tx, agentID, taskID, holderID string) error {
	_, err := r.q(tx).ExecContext(ctx, `DELETE FROM admission_leases WHERE agent_id=? AND task_id=? AND holder_id=?`, agentID, taskID, holderID)
	return err
}

// ExtendLease pushes the expiry of a held lease. It returns ErrNotFound if the
// lease was already reclaimed.
func (r Repo) ExtendLease(ctx context.Context, tx *sql.Tx, agentID, taskID, holderID, expiresAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE admission_leases SET expires_at=? WHERE agent_id=? AND task_id=? AND holder_id=?`, expiresAt, agentID, taskID, holderID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetAdmissionWindow(ctx context.Context, tx *sql.Tx, agentID string) (AdmissionWindow, error) {
	w := AdmissionWindow{AgentID: agentID}
	err := r.q(tx).QueryRowContext(ctx, `SELECT window_start_ms, hourly_count FROM admission_windows WHERE agent_id=?`, agentID).Scan(&w.WindowStartMs, &w.HourlyCount)
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) PutAdmissionWindow(ctx context.Context, tx *sql.Tx, w AdmissionWindow) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO admission_windows(agent_id,window_start_ms,hourly_count) VALUES (?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET window_start_ms=excluded.window_start_ms, hourly_count=excluded.hourly_count`, w.AgentID, w.WindowStartMs, w.HourlyCount)
	return err
}
