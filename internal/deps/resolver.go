package deps

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trustloop/internal/domain"
	"trustloop/internal/events"
	"trustloop/internal/repo"
)

// Resolver computes blocked counts against the store and maintains the
// denormalized tasks.blocked_count column.
type Resolver struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Logger *slog.Logger
}

func (r Resolver) now() string {
	if r.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return r.Now().UTC().Format(time.RFC3339)
}

func (r Resolver) logger() *slog.Logger {
	if r.Logger == nil {
		return slog.Default()
	}
	return r.Logger
}

// Blocked returns the authoritative blocked count for taskID.
func (r Resolver) Blocked(ctx context.Context, tx *sql.Tx, taskID string) (int, error) {
	edges, err := r.Repo.ListPrerequisites(ctx, tx, taskID)
	if err != nil {
		return 0, err
	}
	if len(edges) == 0 {
		return 0, nil
	}
	pre, err := r.Repo.PrerequisiteTasks(ctx, tx, taskID)
	if err != nil {
		return 0, err
	}
	return BlockedCount(taskID, edges, pre), nil
}

// Recompute stores the authoritative count for taskID and returns the count
// before and after.
func (r Resolver) Recompute(ctx context.Context, taskID string) (before, after int, err error) {
	err = r.Repo.InTx(ctx, func(tx *sql.Tx) error {
		t, err := r.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		before = t.BlockedCount
		after, err = r.Blocked(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if after == before {
			return nil
		}
		return r.Repo.SetBlockedCount(ctx, tx, taskID, after)
	})
	return before, after, err
}

// RecomputeDependents refreshes every task waiting on taskID and returns the
// ids that became unblocked. Failures on one dependent do not stop the rest.
func (r Resolver) RecomputeDependents(ctx context.Context, taskID, actorID string) ([]string, error) {
	edges, err := r.Repo.ListDependents(ctx, nil, taskID)
	if err != nil {
		return nil, err
	}
	var (
		unblocked []string
		errs      []error
	)
	for _, id := range NewIndex(edges).Dependents(taskID) {
		before, after, err := r.Recompute(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("recompute %s: %w", id, err))
			continue
		}
		if before > 0 && after == 0 {
			unblocked = append(unblocked, id)
			if err := r.appendEvent(ctx, events.TaskUnblocked, id, actorID, events.EventPayload{"prerequisite_id": taskID}); err != nil {
				r.logger().Warn("append unblocked event", "task_id", id, "error", err)
			}
		}
	}
	return unblocked, errors.Join(errs...)
}

func (r Resolver) appendEvent(ctx context.Context, evtType, taskID, actorID string, payload events.EventPayload) error {
	t, err := r.Repo.GetTask(ctx, nil, taskID)
	if err != nil {
		return err
	}
	return r.Events.Append(ctx, r.Repo.DB, evtType, t.AccountID, "task", taskID, actorID, payload)
}

// AddDependency inserts an edge after checking the account's graph stays
// acyclic. The dependent's count is bumped optimistically in the same write
// and then recomputed against the prerequisite's real status.
func (r Resolver) AddDependency(ctx context.Context, d domain.TaskDependency, actorID string) (domain.TaskDependency, error) {
	if d.Type == "" {
		d.Type = domain.DepFinishToStart
	}
	switch d.Type {
	case domain.DepFinishToStart, domain.DepStartToStart, domain.DepFinishToFinish, domain.DepStartToFinish:
	default:
		return d, fmt.Errorf("invalid dependency type %q", d.Type)
	}
	if d.LagDays < 0 {
		return d, fmt.Errorf("lag_days must be >= 0")
	}
	if d.TaskID == d.DependsOnTaskID {
		return d, fmt.Errorf("%w: task %s depends on itself", ErrCycle, d.TaskID)
	}
	d.CreatedAt = r.now()
	err := r.Repo.InTx(ctx, func(tx *sql.Tx) error {
		task, err := r.Repo.GetTask(ctx, tx, d.TaskID)
		if err != nil {
			return fmt.Errorf("task %s: %w", d.TaskID, err)
		}
		pre, err := r.Repo.GetTask(ctx, tx, d.DependsOnTaskID)
		if err != nil {
			return fmt.Errorf("task %s: %w", d.DependsOnTaskID, err)
		}
		if task.DeletedAt != nil || pre.DeletedAt != nil {
			return fmt.Errorf("cannot depend on a deleted task: %w", repo.ErrNotFound)
		}
		if task.AccountID != pre.AccountID {
			return fmt.Errorf("tasks belong to different accounts")
		}
		edges, err := r.Repo.ListAccountDependencies(ctx, tx, task.AccountID)
		if err != nil {
			return err
		}
		if err := CheckEdge(edges, d); err != nil {
			return err
		}
		if err := r.Repo.InsertDependency(ctx, tx, d); err != nil {
			return err
		}
		if d.Type == domain.DepFinishToStart {
			if err := r.Repo.IncrementBlockedCount(ctx, tx, d.TaskID, 1); err != nil {
				return err
			}
		}
		return r.Events.Append(ctx, tx, events.DependencyAdded, task.AccountID, "task", d.TaskID, actorID, events.EventPayload{
			"depends_on_task_id": d.DependsOnTaskID, "type": d.Type, "lag_days": d.LagDays,
		})
	})
	if err != nil {
		return d, err
	}
	if _, _, err := r.Recompute(ctx, d.TaskID); err != nil {
		r.logger().Error("recompute blocked count after dependency add", "task_id", d.TaskID, "error", err)
	}
	return d, nil
}

// RemoveDependency deletes an edge and recomputes the dependent.
func (r Resolver) RemoveDependency(ctx context.Context, taskID, dependsOn, actorID string) error {
	err := r.Repo.InTx(ctx, func(tx *sql.Tx) error {
		task, err := r.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := r.Repo.DeleteDependency(ctx, tx, taskID, dependsOn); err != nil {
			return err
		}
		return r.Events.Append(ctx, tx, events.DependencyRemoved, task.AccountID, "task", taskID, actorID, events.EventPayload{"depends_on_task_id": dependsOn})
	})
	if err != nil {
		return err
	}
	if before, after, err := r.Recompute(ctx, taskID); err != nil {
		r.logger().Error("recompute blocked count after dependency removal", "task_id", taskID, "error", err)
	} else if before > 0 && after == 0 {
		if err := r.appendEvent(ctx, events.TaskUnblocked, taskID, actorID, events.EventPayload{"prerequisite_id": dependsOn}); err != nil {
			r.logger().Warn("append unblocked event", "task_id", taskID, "error", err)
		}
	}
	return nil
}
