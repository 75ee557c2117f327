package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"trustloop/internal/anneal"
	"trustloop/internal/domain"
	"trustloop/internal/events"
	"trustloop/internal/guardrail"
	"trustloop/internal/repo"
)

// ErrBlocked is returned when a task with open prerequisites is moved to
// in_progress by hand.
var ErrBlocked = errors.New("task is blocked by unfinished prerequisites")

var taskTransitions = map[string][]string{
	domain.TaskDraft:      {domain.TaskPending, domain.TaskCancelled},
	domain.TaskPending:    {domain.TaskQueued, domain.TaskInProgress, domain.TaskCancelled, domain.TaskDraft},
	domain.TaskQueued:     {domain.TaskPending, domain.TaskInProgress, domain.TaskCancelled},
	domain.TaskInProgress: {domain.TaskReview, domain.TaskCompleted, domain.TaskFailed, domain.TaskCancelled, domain.TaskQueued},
	domain.TaskReview:     {domain.TaskCompleted, domain.TaskInProgress, domain.TaskFailed, domain.TaskCancelled},
	domain.TaskFailed:     {domain.TaskPending, domain.TaskQueued, domain.TaskInProgress, domain.TaskCancelled},
}

func ensureTaskTransition(from, to string) error {
	for _, s := range taskTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid task status transition %s -> %s", from, to)
}

// runnable statuses may start a new execution.
func runnable(status string) bool {
	return status == domain.TaskPending || status == domain.TaskQueued || status == domain.TaskFailed
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID             string
	AccountID      string
	ParentID       string
	Title          string
	Description    string
	Category       string
	Priority       *int
	AssignedTo     string
	AssignedToType string
	Draft          bool
	DependsOn      []string
	ActorID        string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.AccountID == "" {
		return domain.Task{}, errors.New("account is required")
	}
	if opts.Category != "" && !domain.IsCategory(opts.Category) {
		return domain.Task{}, fmt.Errorf("unknown task category %q", opts.Category)
	}
	if opts.AssignedTo != "" && opts.AssignedToType == "" {
		opts.AssignedToType = "agent"
	}
	if opts.AssignedToType != "" && opts.AssignedToType != "agent" && opts.AssignedToType != "user" {
		return domain.Task{}, fmt.Errorf("assigned_to_type must be agent or user")
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.ts()
	t := domain.Task{
		ID:             id,
		AccountID:      opts.AccountID,
		Title:          opts.Title,
		Description:    opts.Description,
		Category:       opts.Category,
		Status:         domain.TaskPending,
		Priority:       opts.Priority,
		AssignedToType: opts.AssignedToType,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.Draft {
		t.Status = domain.TaskDraft
	}
	if opts.AssignedTo != "" {
		t.AssignedTo = &opts.AssignedTo
	}
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if opts.ParentID != "" {
			parent, err := e.Repo.GetTask(ctx, tx, opts.ParentID)
			if err != nil {
				return fmt.Errorf("parent %s: %w", opts.ParentID, err)
			}
			if parent.DeletedAt != nil {
				return fmt.Errorf("parent %s is deleted: %w", opts.ParentID, repo.ErrNotFound)
			}
			if parent.AccountID != opts.AccountID {
				return errors.New("parent in different account")
			}
			if err := e.ensureNoCycle(ctx, tx, opts.ParentID, id); err != nil {
				return err
			}
			t.ParentID = &opts.ParentID
		}
		if t.AssignedTo != nil && t.AssignedToType == "agent" {
			a, err := e.Repo.GetAgent(ctx, tx, *t.AssignedTo)
			if err != nil {
				return fmt.Errorf("agent %s: %w", *t.AssignedTo, err)
			}
			if a.AccountID != opts.AccountID {
				return errors.New("agent in different account")
			}
		}
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return err
		}
		change := domain.StatusChange{From: "", To: t.Status, ActorID: actorOr(opts.ActorID), ActorType: "human", TS: now}
		if err := e.Repo.AppendStatusHistory(ctx, tx, t.ID, change); err != nil {
			return err
		}
		t.StatusHistory = []domain.StatusChange{change}
		return e.Events.Append(ctx, tx, events.TaskCreated, t.AccountID, "task", t.ID, opts.ActorID, events.EventPayload{
			"title": t.Title, "status": t.Status, "parent_id": opts.ParentID,
		})
	})
	if err != nil {
		return domain.Task{}, err
	}
	for _, dep := range opts.DependsOn {
		if _, err := e.Deps.AddDependency(ctx, domain.TaskDependency{TaskID: t.ID, DependsOnTaskID: dep}, opts.ActorID); err != nil {
			return t, fmt.Errorf("dependency on %s: %w", dep, err)
		}
	}
	if len(opts.DependsOn) > 0 {
		return e.Repo.GetTask(ctx, nil, t.ID)
	}
	return t, nil
}

func (e Engine) ensureNoCycle(ctx context.Context, tx *sql.Tx, parentID, childID string) error {
	// climb up parent chain to ensure no cycle
	cur := parentID
	for cur != "" {
		if cur == childID {
			return errors.New("task hierarchy cycle detected")
		}
		t, err := e.Repo.GetTask(ctx, tx, cur)
		if err != nil {
			return err
		}
		if t.ParentID == nil {
			return nil
		}
		cur = *t.ParentID
	}
	return nil
}

func actorOr(actorID string) string {
	if actorID == "" {
		return "system"
	}
	return actorID
}

// setTaskStatus is the one path every status change takes: guarded update,
// history row and event in the caller's transaction.
func (e Engine) setTaskStatus(ctx context.Context, tx *sql.Tx, t domain.Task, to, actorID, actorType string, payload events.EventPayload) error {
	now := e.ts()
	if to == domain.TaskInProgress {
		n, err := e.Deps.Blocked(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("task %s: %w (%d open)", t.ID, ErrBlocked, n)
		}
	}
	if err := e.Repo.UpdateTaskStatus(ctx, tx, t.ID, t.Status, to, now); err != nil {
		return err
	}
	if err := e.Repo.AppendStatusHistory(ctx, tx, t.ID, domain.StatusChange{From: t.Status, To: to, ActorID: actorOr(actorID), ActorType: actorType, TS: now}); err != nil {
		return err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = t.Status
	payload["to"] = to
	return e.Events.Append(ctx, tx, events.TaskStatusChanged, t.AccountID, "task", t.ID, actorID, payload)
}

// UpdateTaskStatus applies a manual status change. Cancelling goes through
// Cancel so a running execution is closed too.
func (e Engine) UpdateTaskStatus(ctx context.Context, taskID, to, actorID string) (domain.Task, error) {
	if to == domain.TaskCancelled {
		return e.Cancel(ctx, taskID, actorID)
	}
	var before domain.Task
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.DeletedAt != nil {
			return fmt.Errorf("task %s is deleted: %w", taskID, repo.ErrNotFound)
		}
		if err := ensureTaskTransition(t.Status, to); err != nil {
			return err
		}
		before = t
		return e.setTaskStatus(ctx, tx, t, to, actorID, "human", nil)
	})
	if err != nil {
		return domain.Task{}, err
	}
	e.afterStatusChange(ctx, before, to, actorID)
	return e.Repo.GetTask(ctx, nil, taskID)
}

// afterStatusChange runs the best-effort fan-out of a committed task change.
func (e Engine) afterStatusChange(ctx context.Context, t domain.Task, to, actorID string) {
	if to == domain.TaskCompleted || to == domain.TaskCancelled {
		e.recomputeDependents(ctx, t, actorID)
	}
	e.notify(ctx, t.AccountID, events.TaskStatusChanged,
		fmt.Sprintf("Task %q is now %s", t.Title, to),
		fmt.Sprintf("Task %s moved from %s to %s.", t.ID, t.Status, to),
		map[string]any{"task_id": t.ID, "from": t.Status, "to": to})
}

func (e Engine) recomputeDependents(ctx context.Context, t domain.Task, actorID string) {
	unblocked, err := e.Deps.RecomputeDependents(ctx, t.ID, actorID)
	e.secondary("recompute_dependents", err, "task_id", t.ID)
	for _, id := range unblocked {
		e.notify(ctx, t.AccountID, events.TaskUnblocked, "Task unblocked",
			fmt.Sprintf("Task %s is ready to run now that %s is %s.", id, t.ID, t.Status),
			map[string]any{"task_id": id, "prerequisite_id": t.ID})
	}
}

// SoftDeleteTask tombstones a task. Its dependents are recomputed because a
// deleted prerequisite no longer blocks.
func (e Engine) SoftDeleteTask(ctx context.Context, taskID, actorID string) error {
	var t domain.Task
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = e.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := e.Repo.SoftDeleteTask(ctx, tx, taskID, e.ts()); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.TaskDeleted, t.AccountID, "task", taskID, actorID, events.EventPayload{"status": t.Status})
	})
	if err != nil {
		return err
	}
	e.tracker().remove(taskID, "")
	e.recomputeDependents(ctx, t, actorID)
	return nil
}

func (e Engine) AddDependency(ctx context.Context, taskID, dependsOn, depType string, lagDays int, actorID string) (domain.TaskDependency, error) {
	return e.Deps.AddDependency(ctx, domain.TaskDependency{TaskID: taskID, DependsOnTaskID: dependsOn, Type: depType, LagDays: lagDays}, actorID)
}

func (e Engine) RemoveDependency(ctx context.Context, taskID, dependsOn, actorID string) error {
	return e.Deps.RemoveDependency(ctx, taskID, dependsOn, actorID)
}

// AgentCreateOptions are parameters for registering an agent persona.
type AgentCreateOptions struct {
	ID                         string
	AccountID                  string
	Name                       string
	Role                       string
	Capabilities               []string
	Restrictions               []string
	AutonomyLevel              int
	RequiresApprovalCategories []string
	MaxConsecutiveFailures     int
	MaxActionsPerHour          *int
	MaxConcurrentTasks         *int
	MaxCostPerAction           *float64
	ActorID                    string
}

func (e Engine) CreateAgent(ctx context.Context, opts AgentCreateOptions) (domain.Agent, error) {
	opts.Name = strings.TrimSpace(opts.Name)
	if opts.Name == "" {
		return domain.Agent{}, errors.New("name is required")
	}
	if opts.AccountID == "" {
		return domain.Agent{}, errors.New("account is required")
	}
	if opts.AutonomyLevel < 0 || opts.AutonomyLevel > guardrail.MaxTrustLevel {
		return domain.Agent{}, fmt.Errorf("autonomy level must be between 0 and %d", guardrail.MaxTrustLevel)
	}
	for _, c := range opts.RequiresApprovalCategories {
		if !domain.IsCategory(c) {
			return domain.Agent{}, fmt.Errorf("unknown guardrail category %q", c)
		}
	}
	if opts.MaxConcurrentTasks != nil && *opts.MaxConcurrentTasks < 1 {
		return domain.Agent{}, errors.New("max concurrent tasks must be at least 1")
	}
	if opts.MaxActionsPerHour != nil && *opts.MaxActionsPerHour < 0 {
		return domain.Agent{}, errors.New("max actions per hour must be >= 0")
	}
	if opts.MaxConsecutiveFailures <= 0 {
		opts.MaxConsecutiveFailures = anneal.DefaultMaxConsecutiveFailures
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.ts()
	a := domain.Agent{
		ID:                         id,
		AccountID:                  opts.AccountID,
		Name:                       opts.Name,
		Role:                       opts.Role,
		Capabilities:               opts.Capabilities,
		Restrictions:               opts.Restrictions,
		AutonomyLevel:              opts.AutonomyLevel,
		RequiresApprovalCategories: opts.RequiresApprovalCategories,
		IsActive:                   true,
		MaxConsecutiveFailures:     opts.MaxConsecutiveFailures,
		HealthStatus:               domain.HealthHealthy,
		MaxActionsPerHour:          opts.MaxActionsPerHour,
		MaxConcurrentTasks:         opts.MaxConcurrentTasks,
		MaxCostPerAction:           opts.MaxCostPerAction,
		Version:                    1,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertAgent(ctx, tx, a); err != nil {
			if repo.IsUniqueViolation(err) {
				return fmt.Errorf("agent %s: %w", id, repo.ErrConflict)
			}
			return err
		}
		return e.Events.Append(ctx, tx, events.AgentCreated, a.AccountID, "agent", a.ID, opts.ActorID, events.EventPayload{
			"name": a.Name, "role": a.Role, "autonomy_level": a.AutonomyLevel,
		})
	})
	if err != nil {
		return domain.Agent{}, err
	}
	return a, nil
}

// SetAgentActive pauses or resumes an agent for new work.
func (e Engine) SetAgentActive(ctx context.Context, agentID string, active bool) (domain.Agent, error) {
	if err := e.Repo.SetAgentActive(ctx, nil, agentID, active, e.ts()); err != nil {
		return domain.Agent{}, err
	}
	return e.Repo.GetAgent(ctx, nil, agentID)
}

// ResetAgent is the human intervention that closes a tripped circuit.
func (e Engine) ResetAgent(ctx context.Context, agentID, actorID string) (domain.Agent, error) {
	return e.Anneal.Reset(ctx, agentID, actorID)
}
