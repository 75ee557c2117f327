package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"trustloop/internal/domain"
)

const channelColumns = `id,account_id,type,name,COALESCE(config_json,''),events_json,enabled,send_count,last_sent_at,created_at`

func scanChannel(row rowScanner) (domain.NotificationChannel, error) {
	var (
		c       domain.NotificationChannel
		evts    string
		enabled int
		last    sql.NullString
	)
	err := row.Scan(&c.ID, &c.AccountID, &c.Type, &c.Name, &c.ConfigJSON, &evts, &enabled, &c.SendCount, &last, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Events = decodeStrings(evts)
	c.Enabled = enabled == 1
	c.LastSentAt = stringPtr(last)
	return c, nil
}

func (r Repo) InsertChannel(ctx context.Context, tx *sql.Tx, c domain.NotificationChannel) error {
	if c.ConfigJSON != "" && !json.Valid([]byte(c.ConfigJSON)) {
		return errors.New("channel config must be valid JSON")
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO notification_channels(id,account_id,type,name,config_json,events_json,enabled,send_count,created_at) VALUES (?,?,?,?,?,?,?,0,?)`,
		c.ID, c.AccountID, c.Type, c.Name, nullable(c.ConfigJSON), encodeStrings(c.Events), boolInt(c.Enabled), c.CreatedAt)
	return err
}

func (r Repo) GetChannel(ctx context.Context, tx *sql.Tx, id string) (domain.NotificationChannel, error) {
	return scanChannel(r.q(tx).QueryRowContext(ctx, `SELECT `+channelColumns+` FROM notification_channels WHERE id=?`, id))
}

func (r Repo) ListChannels(ctx context.Context, accountID string, enabledOnly bool) ([]domain.NotificationChannel, error) {
	query := `SELECT ` + channelColumns + ` FROM notification_channels WHERE account_id=?`
	if enabledOnly {
		query += ` AND enabled=1`
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.NotificationChannel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// RecordChannelSend bumps the running send counter.
func (r Repo) RecordChannelSend(ctx context.Context, tx *sql.Tx, id, now string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE notification_channels SET send_count=send_count+1, last_sent_at=? WHERE id=?`, now, id)
	return err
}

const notificationColumns = `id,account_id,channel_id,event_type,subject,body,COALESCE(context_json,''),status,attempts,max_attempts,next_attempt_at,COALESCE(last_error,''),external_id,sent_at,created_at,updated_at`

func scanNotification(row rowScanner) (domain.Notification, error) {
	var (
		n          domain.Notification
		ext, sent  sql.NullString
	)
	err := row.Scan(&n.ID, &n.AccountID, &n.ChannelID, &n.EventType, &n.Subject, &n.Body, &n.ContextJSON, &n.Status, &n.Attempts,
		&n.MaxAttempts, &n.NextAttemptAt, &n.LastError, &ext, &sent, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return n, ErrNotFound
	}
	if err != nil {
		return n, err
	}
	n.ExternalID = stringPtr(ext)
	n.SentAt = stringPtr(sent)
	return n, nil
}

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO notifications(id,account_id,channel_id,event_type,subject,body,context_json,status,attempts,max_attempts,next_attempt_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.AccountID, n.ChannelID, n.EventType, n.Subject, n.Body, nullable(n.ContextJSON), n.Status, n.Attempts, n.MaxAttempts,
		n.NextAttemptAt, n.CreatedAt, n.UpdatedAt)
	return err
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	return scanNotification(r.DB.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=?`, id))
}

type NotificationFilters struct {
	AccountID string
	Status    string
	Limit     int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE account_id=?`
	args := []any{f.AccountID}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, clampLimit(f.Limit, 50, 500))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

// ClaimDueNotifications moves up to limit due pending rows to sending and
// counts the attempt before any delivery is tried.
func (r Repo) ClaimDueNotifications(ctx context.Context, now string, limit int) ([]domain.Notification, error) {
	var claimed []domain.Notification
	err := r.InTx(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		rows, err := tx.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE status='pending' AND next_attempt_at <= ? ORDER BY next_attempt_at, created_at, id LIMIT ?`, now, limit)
		if err != nil {
			return err
		}
		var due []domain.Notification
		for rows.Next() {
			n, err := scanNotification(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, n)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, n := range due {
			res, err := tx.ExecContext(ctx, `UPDATE notifications SET status='sending', attempts=attempts+1, updated_at=? WHERE id=? AND status='pending'`, now, n.ID)
			if err != nil {
				return err
			}
			if c, _ := res.RowsAffected(); c == 0 {
				continue
			}
			n.Status = domain.NotificationSending
			n.Attempts++
			n.UpdatedAt = now
			claimed = append(claimed, n)
		}
		return nil
	})
	return claimed, err
}

// MarkNotificationSent finishes a claimed row and bumps the channel counter.
func (r Repo) MarkNotificationSent(ctx context.Context, id, channelID string, externalID *string, now string) error {
	return r.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE notifications SET status='sent', external_id=?, sent_at=?, last_error=NULL, updated_at=? WHERE id=? AND status='sending'`,
			nullableStringPtr(externalID), now, now, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("notification %s not sending: %w", id, ErrConflict)
		}
		return r.RecordChannelSend(ctx, tx, channelID, now)
	})
}

// RescheduleNotification returns a claimed row to pending with a new due time.
func (r Repo) RescheduleNotification(ctx context.Context, id, lastError, nextAttemptAt, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status='pending', last_error=?, next_attempt_at=?, updated_at=? WHERE id=? AND status='sending'`,
		lastError, nextAttemptAt, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s not sending: %w", id, ErrConflict)
	}
	return nil
}

// FailNotification marks a claimed row permanently failed.
func (r Repo) FailNotification(ctx context.Context, id, lastError, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET status='failed', last_error=?, updated_at=? WHERE id=? AND status='sending'`, lastError, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("notification %s not sending: %w", id, ErrConflict)
	}
	return nil
}

// ReclaimStaleNotifications returns rows stuck in sending since before cutoff.
// Rows with budget left go back to pending; the rest fail. The attempt they
// spent stays counted.
func (r Repo) ReclaimStaleNotifications(ctx context.Context, cutoff, now string) (requeued, failed int, err error) {
	err = r.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE notifications SET status='failed', last_error=COALESCE(last_error,'delivery interrupted'), updated_at=?
WHERE status='sending' AND updated_at < ? AND attempts >= max_attempts`, now, cutoff)
		if err != nil {
			return err
		}
		f, _ := res.RowsAffected()
		res, err = tx.ExecContext(ctx, `UPDATE notifications SET status='pending', next_attempt_at=?, updated_at=? WHERE status='sending' AND updated_at < ?`, now, now, cutoff)
		if err != nil {
			return err
		}
		q, _ := res.RowsAffected()
		requeued, failed = int(q), int(f)
		return nil
	})
	return requeued, failed, err
}

func (r Repo) InsertInboxMessage(ctx context.Context, tx *sql.Tx, m domain.InboxMessage) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO inbox_messages(id,account_id,user_id,subject,body,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.AccountID, nullable(m.UserID), m.Subject, m.Body, m.CreatedAt)
	return err
}

func (r Repo) ListInbox(ctx context.Context, accountID string, unreadOnly bool, limit int) ([]domain.InboxMessage, error) {
	query := `SELECT id,account_id,COALESCE(user_id,''),subject,body,read_at,created_at FROM inbox_messages WHERE account_id=?`
	if unreadOnly {
		query += ` AND read_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, accountID, clampLimit(limit, 50, 500))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.InboxMessage
	for rows.Next() {
		var m domain.InboxMessage
		var read sql.NullString
		if err := rows.Scan(&m.ID, &m.AccountID, &m.UserID, &m.Subject, &m.Body, &read, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ReadAt = stringPtr(read)
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) MarkInboxRead(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE inbox_messages SET read_at=COALESCE(read_at,?) WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
