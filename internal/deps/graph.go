// Package deps decides whether tasks are blocked by unfinished prerequisites
// and keeps the dependency graph acyclic.
package deps

import (
	"errors"
	"fmt"
	"sort"

	"trustloop/internal/domain"
)

// ErrCycle is returned when an edge would close a loop in the graph.
var ErrCycle = errors.New("dependency cycle")

// BlockedCount counts the finish-to-start edges of taskID whose prerequisite
// is still open. Prerequisites missing from tasks, or soft-deleted, do not block.
func BlockedCount(taskID string, edges []domain.TaskDependency, tasks map[string]domain.Task) int {
	n := 0
	for _, e := range edges {
		if e.TaskID != taskID || e.Type != domain.DepFinishToStart {
			continue
		}
		pre, ok := tasks[e.DependsOnTaskID]
		if !ok || pre.DeletedAt != nil || pre.Resolved() {
			continue
		}
		n++
	}
	return n
}

// Index maps a prerequisite to the tasks waiting on it.
type Index map[string][]string

func NewIndex(edges []domain.TaskDependency) Index {
	idx := Index{}
	for _, e := range edges {
		idx[e.DependsOnTaskID] = append(idx[e.DependsOnTaskID], e.TaskID)
	}
	for k := range idx {
		sort.Strings(idx[k])
	}
	return idx
}

// Dependents returns the tasks that depend on taskID directly.
func (idx Index) Dependents(taskID string) []string {
	return idx[taskID]
}

// VerifyAcyclic checks that edges form a DAG.
func VerifyAcyclic(edges []domain.TaskDependency) error {
	adj := map[string][]string{}
	var nodes []string
	for _, e := range edges {
		if e.TaskID == e.DependsOnTaskID {
			return fmt.Errorf("%w: task %s depends on itself", ErrCycle, e.TaskID)
		}
		if _, ok := adj[e.TaskID]; !ok {
			nodes = append(nodes, e.TaskID)
		}
		adj[e.TaskID] = append(adj[e.TaskID], e.DependsOnTaskID)
	}
	sort.Strings(nodes)

	visited := map[string]bool{}
	onStack := map[string]bool{}
	var visit func(id string) error
	visit = func(id string) error {
		visited[id] = true
		onStack[id] = true
		for _, dep := range adj[id] {
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			} else if onStack[dep] {
				return fmt.Errorf("%w involving task %s -> %s", ErrCycle, id, dep)
			}
		}
		onStack[id] = false
		return nil
	}
	for _, id := range nodes {
		if !visited[id] {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckEdge reports ErrCycle if adding next to edges would create a cycle.
func CheckEdge(edges []domain.TaskDependency, next domain.TaskDependency) error {
	all := make([]domain.TaskDependency, 0, len(edges)+1)
	all = append(all, edges...)
	all = append(all, next)
	return VerifyAcyclic(all)
}
