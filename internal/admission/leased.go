package admission

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"trustloop/internal/repo"
)

// Leased keeps admission slots as lease rows in the shared store, so every
// process pointed at the same database sees one global count per agent. A
// slot whose holder stops heartbeating is reclaimed once its lease expires.
type Leased struct {
	Repo     repo.Repo
	HolderID string
	TTL      time.Duration
	Now      func() time.Time
}

func NewLeased(r repo.Repo, holderID string, ttl time.Duration) *Leased {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Leased{Repo: r, HolderID: holderID, TTL: ttl, Now: time.Now}
}

func (l *Leased) now() time.Time {
	if l.Now == nil {
		return time.Now().UTC()
	}
	return l.Now().UTC()
}

// window loads the agent's hourly window, rolling it when elapsed.
func (l *Leased) window(ctx context.Context, tx *sql.Tx, agentID string, now time.Time) (repo.AdmissionWindow, error) {
	w, err := l.Repo.GetAdmissionWindow(ctx, tx, agentID)
	if errors.Is(err, repo.ErrNotFound) {
		return repo.AdmissionWindow{AgentID: agentID, WindowStartMs: now.UnixMilli()}, nil
	}
	if err != nil {
		return w, err
	}
	if windowExpired(now, time.UnixMilli(w.WindowStartMs)) {
		w.WindowStartMs = now.UnixMilli()
		w.HourlyCount = 0
	}
	return w, nil
}

func (l *Leased) snapshot(ctx context.Context, tx *sql.Tx, agentID string, now time.Time) ([]repo.AdmissionLease, repo.AdmissionWindow, error) {
	if err := l.Repo.DropExpiredLeases(ctx, tx, agentID, now.Format(time.RFC3339)); err != nil {
		return nil, repo.AdmissionWindow{}, err
	}
	leases, err := l.Repo.ListLeases(ctx, tx, agentID)
	if err != nil {
		return nil, repo.AdmissionWindow{}, err
	}
	w, err := l.window(ctx, tx, agentID, now)
	return leases, w, err
}

func (l *Leased) CanAccept(ctx context.Context, agentID string, lim Limits) (Decision, error) {
	var d Decision
	err := l.Repo.InTx(ctx, func(tx *sql.Tx) error {
		leases, w, err := l.snapshot(ctx, tx, agentID, l.now())
		if err != nil {
			return err
		}
		d = check(lim, len(leases), w.HourlyCount)
		return nil
	})
	return d, err
}

// Reserve counts live leases and inserts a new one inside a single write
// transaction.
func (l *Leased) Reserve(ctx context.Context, agentID, taskID string, lim Limits) (Decision, error) {
	var d Decision
	err := l.Repo.InTx(ctx, func(tx *sql.Tx) error {
		now := l.now()
		leases, w, err := l.snapshot(ctx, tx, agentID, now)
		if err != nil {
			return err
		}
		for _, ls := range leases {
			if ls.TaskID == taskID {
				d = deny(KindAlreadyExecuting, "task %s is already running on this agent", taskID)
				return nil
			}
		}
		d = check(lim, len(leases), w.HourlyCount)
		if !d.Allowed {
			return nil
		}
		if err := l.Repo.InsertLease(ctx, tx, repo.AdmissionLease{
			AgentID:    agentID,
			TaskID:     taskID,
			HolderID:   l.HolderID,
			AcquiredAt: now.Format(time.RFC3339),
			ExpiresAt:  now.Add(l.TTL).Format(time.RFC3339),
		}); err != nil {
			return err
		}
		w.HourlyCount++
		return l.Repo.PutAdmissionWindow(ctx, tx, w)
	})
	if err != nil {
		return Decision{}, err
	}
	return d, nil
}

func (l *Leased) Release(ctx context.Context, agentID, taskID string) error {
	return repo.RetryOnBusy(ctx, 5, func() error {
		return l.Repo.DeleteLease(ctx, nil, agentID, taskID, l.HolderID)
	})
}

// Heartbeat extends the lease held for taskID by another TTL.
func (l *Leased) Heartbeat(ctx context.Context, agentID, taskID string) error {
	return repo.RetryOnBusy(ctx, 5, func() error {
		return l.Repo.ExtendLease(ctx, nil, agentID, taskID, l.HolderID, l.now().Add(l.TTL).Format(time.RFC3339))
	})
}

func (l *Leased) Stats(ctx context.Context, agentID string) (Stats, error) {
	var st Stats
	err := l.Repo.InTx(ctx, func(tx *sql.Tx) error {
		leases, w, err := l.snapshot(ctx, tx, agentID, l.now())
		if err != nil {
			return err
		}
		st = Stats{RunningCount: len(leases), RunningTaskIDs: []string{}, HourlyCount: w.HourlyCount, WindowStart: time.UnixMilli(w.WindowStartMs).UTC()}
		for _, ls := range leases {
			st.RunningTaskIDs = append(st.RunningTaskIDs, ls.TaskID)
		}
		return nil
	})
	return st, err
}
