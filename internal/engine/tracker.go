package engine

import (
	"sort"
	"sync"
)

// ActiveRun is an execution this process is currently waiting on.
type ActiveRun struct {
	TaskID      string `json:"task_id"`
	ExecutionID string `json:"execution_id"`
	AgentID     string `json:"agent_id"`
	StartedAt   string `json:"started_at"`
}

// tracker is the process-local view of in-flight runs. The store stays the
// source of truth; this only answers "is this process already on it".
type tracker struct {
	mu   sync.Mutex
	runs map[string]ActiveRun
}

func newTracker() *tracker {
	return &tracker{runs: make(map[string]ActiveRun)}
}

func (t *tracker) add(r ActiveRun) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.runs[r.TaskID]; ok {
		return false
	}
	t.runs[r.TaskID] = r
	return true
}

func (t *tracker) has(taskID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.runs[taskID]
	return ok
}

// remove drops taskID if it still belongs to executionID. An empty
// executionID removes whatever is tracked.
func (t *tracker) remove(taskID, executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[taskID]; ok && (executionID == "" || r.ExecutionID == executionID) {
		delete(t.runs, taskID)
	}
}

func (t *tracker) list() []ActiveRun {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ActiveRun, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// ActiveRuns lists runs in flight in this process.
func (e Engine) ActiveRuns() []ActiveRun {
	return e.tracker().list()
}
