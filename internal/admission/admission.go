// Package admission gates whether an agent may start another task right now,
// based on its concurrency cap, its hourly action budget and its health.
package admission

import (
	"context"
	"fmt"
	"time"

	"trustloop/internal/domain"
)

// Window is the length of the fixed rate window.
const Window = time.Hour

// DefaultMaxConcurrent applies when an agent has no concurrency cap.
const DefaultMaxConcurrent = 2

type Kind string

const (
	KindCapacity         Kind = "capacity"
	KindRateLimited      Kind = "rate_limited"
	KindBlocked          Kind = "blocked"
	KindCircuitOpen      Kind = "circuit_open"
	KindPaused           Kind = "paused"
	KindInactive         Kind = "inactive"
	KindAlreadyExecuting Kind = "already_executing"
)

// Retryable reports whether a denial of this kind clears by itself.
func (k Kind) Retryable() bool {
	return k == KindCapacity || k == KindRateLimited || k == KindBlocked
}

// Limits is the slice of agent configuration admission looks at.
type Limits struct {
	MaxConcurrent     int
	MaxActionsPerHour *int
	Active            bool
	Paused            bool
	Failing           bool
}

// LimitsFor derives admission limits from an agent. A missing concurrency cap
// falls back to def, or DefaultMaxConcurrent when def is not positive.
func LimitsFor(a domain.Agent, def int) Limits {
	if def <= 0 {
		def = DefaultMaxConcurrent
	}
	l := Limits{
		MaxConcurrent:     def,
		MaxActionsPerHour: a.MaxActionsPerHour,
		Active:            a.IsActive,
		Paused:            a.PausedAt != nil,
		Failing:           a.HealthStatus == domain.HealthFailing,
	}
	if a.MaxConcurrentTasks != nil && *a.MaxConcurrentTasks > 0 {
		l.MaxConcurrent = *a.MaxConcurrentTasks
	}
	return l
}

type Decision struct {
	Allowed bool   `json:"allowed"`
	Kind    Kind   `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func allow() Decision { return Decision{Allowed: true} }

func deny(kind Kind, format string, args ...any) Decision {
	return Decision{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

type Stats struct {
	RunningCount   int       `json:"running_count"`
	RunningTaskIDs []string  `json:"running_task_ids"`
	HourlyCount    int       `json:"hourly_count"`
	WindowStart    time.Time `json:"window_start"`
}

// Controller is implemented by the in-process Queue and the store-backed Leased.
type Controller interface {
	CanAccept(ctx context.Context, agentID string, l Limits) (Decision, error)
	Reserve(ctx context.Context, agentID, taskID string, l Limits) (Decision, error)
	// Release frees the slot held for taskID. Releasing an unknown slot is a no-op.
	Release(ctx context.Context, agentID, taskID string) error
	Stats(ctx context.Context, agentID string) (Stats, error)
}

// Heartbeater is implemented by controllers whose slots expire unless renewed.
type Heartbeater interface {
	Heartbeat(ctx context.Context, agentID, taskID string) error
}

// check applies the shared rules to a snapshot of an agent's slot state.
func check(l Limits, running, hourly int) Decision {
	switch {
	case l.Failing:
		return deny(KindCircuitOpen, "agent paused due to repeated failures, needs manual reset")
	case !l.Active:
		return deny(KindInactive, "agent is inactive")
	case l.Paused:
		return deny(KindPaused, "agent is paused")
	}
	capacity := l.MaxConcurrent
	if capacity <= 0 {
		capacity = DefaultMaxConcurrent
	}
	if running >= capacity {
		return deny(KindCapacity, "agent at capacity (%d/%d running)", running, capacity)
	}
	if l.MaxActionsPerHour != nil && hourly >= *l.MaxActionsPerHour {
		return deny(KindRateLimited, "hourly limit reached (%d/%d this hour)", hourly, *l.MaxActionsPerHour)
	}
	return allow()
}

// windowExpired reports whether the fixed window starting at start has ended.
func windowExpired(now, start time.Time) bool {
	return now.Sub(start).Milliseconds() >= Window.Milliseconds()
}
