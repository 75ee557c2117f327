package admission

import (
	"context"
	"slices"
	"sync"
	"time"
)

type entry struct {
	running     map[string]struct{}
	hourlyCount int
	windowStart time.Time
}

// Queue keeps admission state in process memory. It is only correct when a
// single process admits work for a given agent.
type Queue struct {
	Now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

func NewQueue() *Queue {
	return &Queue{Now: time.Now, entries: map[string]*entry{}}
}

func (q *Queue) now() time.Time {
	if q.Now == nil {
		return time.Now()
	}
	return q.Now()
}

// get returns the entry for agentID, rolling its window when elapsed. Callers
// hold q.mu.
func (q *Queue) get(agentID string) *entry {
	if q.entries == nil {
		q.entries = map[string]*entry{}
	}
	now := q.now()
	e, ok := q.entries[agentID]
	if !ok {
		e = &entry{running: map[string]struct{}{}, windowStart: now}
		q.entries[agentID] = e
	}
	if windowExpired(now, e.windowStart) {
		e.hourlyCount = 0
		e.windowStart = now
	}
	return e
}

func (q *Queue) CanAccept(_ context.Context, agentID string, l Limits) (Decision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.get(agentID)
	return check(l, len(e.running), e.hourlyCount), nil
}

func (q *Queue) Reserve(_ context.Context, agentID, taskID string, l Limits) (Decision, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.get(agentID)
	if _, ok := e.running[taskID]; ok {
		return deny(KindAlreadyExecuting, "task %s is already running on this agent", taskID), nil
	}
	d := check(l, len(e.running), e.hourlyCount)
	if !d.Allowed {
		return d, nil
	}
	e.running[taskID] = struct{}{}
	e.hourlyCount++
	return d, nil
}

func (q *Queue) Release(_ context.Context, agentID, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[agentID]; ok {
		delete(e.running, taskID)
	}
	return nil
}

func (q *Queue) Stats(_ context.Context, agentID string) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.get(agentID)
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return Stats{RunningCount: len(ids), RunningTaskIDs: ids, HourlyCount: e.hourlyCount, WindowStart: e.windowStart}, nil
}

// Restore replaces the state for agentID, used when rebuilding after a
// restart from executions still marked running in the store.
func (q *Queue) Restore(agentID string, runningTaskIDs []string, hourlyCount int, windowStart time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries == nil {
		q.entries = map[string]*entry{}
	}
	e := &entry{running: map[string]struct{}{}, hourlyCount: hourlyCount, windowStart: windowStart}
	for _, id := range runningTaskIDs {
		e.running[id] = struct{}{}
	}
	if e.hourlyCount < len(e.running) {
		e.hourlyCount = len(e.running)
	}
	q.entries[agentID] = e
}
