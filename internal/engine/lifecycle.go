package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"trustloop/internal/admission"
	"trustloop/internal/anneal"
	"trustloop/internal/domain"
	"trustloop/internal/events"
	"trustloop/internal/guardrail"
	"trustloop/internal/metrics"
	"trustloop/internal/repo"
	"trustloop/internal/runner"
)

// RunOptions are parameters for one execution attempt.
type RunOptions struct {
	TaskID string
	// AgentID overrides the task's assignee.
	AgentID           string
	SkillID           string
	UserID            string
	AdditionalContext string
	// DryRun overrides the account's dry_run_default when set.
	DryRun     *bool
	PatternKey string
}

type taskOutput struct {
	Content     string                 `json:"content"`
	Metadata    *domain.OutputMetadata `json:"metadata,omitempty"`
	ExecutionID string                 `json:"execution_id"`
	CompletedAt string                 `json:"completed_at"`
}

type inputSnapshot struct {
	Task              domain.Task   `json:"task"`
	Agent             domain.Agent  `json:"agent"`
	Skill             *domain.Skill `json:"skill,omitempty"`
	AdditionalContext string        `json:"additional_context,omitempty"`
	EnableTools       bool          `json:"enable_tools"`
	UserID            string        `json:"user_id,omitempty"`
}

// Run admits the task to its agent, calls the runner and records the
// outcome. Admission denials come back as *AdmissionError with no
// execution created. A runner failure is not an error: the returned
// execution is failed and carries the message.
func (e Engine) Run(ctx context.Context, opts RunOptions) (domain.Execution, error) {
	if e.Runner == nil {
		return domain.Execution{}, runner.ErrNotConfigured
	}
	task, err := e.Repo.GetTask(ctx, nil, opts.TaskID)
	if err != nil {
		return domain.Execution{}, err
	}
	if task.DeletedAt != nil {
		return domain.Execution{}, fmt.Errorf("task %s is deleted: %w", task.ID, repo.ErrNotFound)
	}
	agentID := opts.AgentID
	if agentID == "" && task.AssignedTo != nil && task.AssignedToType != "user" {
		agentID = *task.AssignedTo
	}
	if agentID == "" {
		return domain.Execution{}, fmt.Errorf("task %s has no agent assigned", task.ID)
	}
	agent, err := e.Repo.GetAgent(ctx, nil, agentID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("agent %s: %w", agentID, err)
	}
	if agent.AccountID != task.AccountID {
		return domain.Execution{}, errors.New("agent and task belong to different accounts")
	}
	if !runnable(task.Status) {
		return domain.Execution{}, fmt.Errorf("task %s is %s: %w", task.ID, task.Status, repo.ErrConflict)
	}
	if e.tracker().has(task.ID) {
		return domain.Execution{}, e.deny(ctx, task, agent, admission.KindAlreadyExecuting, "task is already executing")
	}
	var skill *domain.Skill
	if opts.SkillID != "" {
		s, err := e.Repo.GetSkill(ctx, opts.SkillID)
		if err != nil {
			return domain.Execution{}, fmt.Errorf("skill %s: %w", opts.SkillID, err)
		}
		skill = &s
	}
	blocked, err := e.Deps.Blocked(ctx, nil, task.ID)
	if err != nil {
		return domain.Execution{}, err
	}
	if blocked > 0 {
		return domain.Execution{}, e.deny(ctx, task, agent, admission.KindBlocked, fmt.Sprintf("blocked by %d unfinished prerequisite(s)", blocked))
	}

	lim := admission.LimitsFor(agent, e.cfg().Admission.DefaultMaxConcurrent)
	dec, err := e.Admission.Reserve(ctx, agent.ID, task.ID, lim)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("reserve slot: %w", err)
	}
	if !dec.Allowed {
		return domain.Execution{}, e.deny(ctx, task, agent, dec.Kind, dec.Reason)
	}
	metrics.Admissions.WithLabelValues("allowed").Inc()
	defer func() {
		if err := e.Admission.Release(context.WithoutCancel(ctx), agent.ID, task.ID); err != nil {
			e.secondary("release_slot", err, "task_id", task.ID, "agent_id", agent.ID)
		}
	}()
	return e.execute(ctx, task, agent, skill, opts)
}

// deny records an admission refusal. Retryable denials leave a pending task
// queued so it is picked up again; the rest are surfaced as is.
func (e Engine) deny(ctx context.Context, task domain.Task, agent domain.Agent, kind admission.Kind, reason string) error {
	metrics.Admissions.WithLabelValues(string(kind)).Inc()
	ae := &AdmissionError{TaskID: task.ID, AgentID: agent.ID, Kind: kind, Reason: reason}
	if kind.Retryable() && task.Status == domain.TaskPending {
		err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
			cur, err := e.Repo.GetTask(ctx, tx, task.ID)
			if err != nil || cur.Status != domain.TaskPending {
				return err
			}
			return e.setTaskStatus(ctx, tx, cur, domain.TaskQueued, "system", "system", events.EventPayload{"reason": reason, "agent_id": agent.ID})
		})
		e.secondary("queue_task", err, "task_id", task.ID)
	}
	e.logger().Info("task not admitted", "task_id", task.ID, "agent_id", agent.ID, "kind", kind, "reason", reason)
	return ae
}

func (e Engine) execute(ctx context.Context, task domain.Task, agent domain.Agent, skill *domain.Skill, opts RunOptions) (domain.Execution, error) {
	guard, err := e.Guardrails.Ensure(ctx, task.AccountID)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("load guardrails: %w", err)
	}
	additional := opts.AdditionalContext
	var siblings []runner.SiblingOutput
	if task.ParentID != nil {
		siblings, err = e.siblingOutputs(ctx, task)
		e.secondary("sibling_context", err, "task_id", task.ID)
		additional = joinContext(additional, siblings)
	}
	enableTools := !guard.DryRunDefault
	if opts.DryRun != nil {
		enableTools = !*opts.DryRun
	}

	now := e.ts()
	snapshot, err := json.Marshal(inputSnapshot{Task: task, Agent: agent, Skill: skill, AdditionalContext: additional, EnableTools: enableTools, UserID: opts.UserID})
	if err != nil {
		return domain.Execution{}, err
	}
	exec := domain.Execution{
		ID:               uuid.NewString(),
		TaskID:           task.ID,
		AgentID:          agent.ID,
		AccountID:        task.AccountID,
		UserID:           opts.UserID,
		Status:           domain.ExecPending,
		InputContextJSON: string(snapshot),
		CreatedAt:        now,
	}
	if skill != nil {
		exec.SkillID = &skill.ID
	}
	err = e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		cur, err := e.Repo.GetTask(ctx, tx, task.ID)
		if err != nil {
			return err
		}
		if cur.DeletedAt != nil {
			return fmt.Errorf("task %s is deleted: %w", task.ID, repo.ErrNotFound)
		}
		if !runnable(cur.Status) {
			return fmt.Errorf("task %s is %s: %w", task.ID, cur.Status, repo.ErrConflict)
		}
		if err := e.Repo.InsertExecution(ctx, tx, exec); err != nil {
			return err
		}
		if err := e.Repo.StartExecution(ctx, tx, exec.ID, now); err != nil {
			return err
		}
		if err := e.setTaskStatus(ctx, tx, cur, domain.TaskInProgress, agent.ID, "agent", events.EventPayload{"execution_id": exec.ID}); err != nil {
			return err
		}
		task = cur
		task.Status = domain.TaskInProgress
		return e.Events.Append(ctx, tx, events.ExecutionStarted, task.AccountID, "execution", exec.ID, agent.ID, events.EventPayload{
			"task_id": task.ID, "agent_id": agent.ID, "enable_tools": enableTools,
		})
	})
	switch {
	case errors.Is(err, ErrBlocked):
		return domain.Execution{}, e.deny(ctx, task, agent, admission.KindBlocked, err.Error())
	case errors.Is(err, repo.ErrConflict):
		return domain.Execution{}, e.deny(ctx, task, agent, admission.KindAlreadyExecuting, err.Error())
	case err != nil:
		return domain.Execution{}, fmt.Errorf("start execution: %w", err)
	}
	exec.Status = domain.ExecRunning
	exec.StartedAt = &now
	e.tracker().add(ActiveRun{TaskID: task.ID, ExecutionID: exec.ID, AgentID: agent.ID, StartedAt: now})

	req := runner.Request{
		Task:              task,
		Agent:             agent,
		Skill:             skill,
		AdditionalContext: additional,
		AccountID:         task.AccountID,
		UserID:            opts.UserID,
		EnableTools:       enableTools,
		Siblings:          siblings,
	}
	stop := e.heartbeat(ctx, agent.ID, task.ID)
	started := time.Now()
	res, runErr := e.safeExecute(ctx, req)
	elapsed := time.Since(started)
	stop()
	metrics.ExecutionDuration.Observe(elapsed.Seconds())
	return e.finish(context.WithoutCancel(ctx), task, agent, exec, guard, opts, res, runErr, elapsed)
}

func (e Engine) safeExecute(ctx context.Context, req runner.Request) (res runner.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner panic: %v", p)
		}
	}()
	return e.Runner.ExecuteTask(ctx, req)
}

// heartbeat keeps a leased slot alive while the runner call is in flight.
func (e Engine) heartbeat(ctx context.Context, agentID, taskID string) func() {
	hb, ok := e.Admission.(admission.Heartbeater)
	interval := e.cfg().Admission.Heartbeat
	if !ok || interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if err := hb.Heartbeat(ctx, agentID, taskID); err != nil {
					e.logger().Warn("admission heartbeat failed", "task_id", taskID, "agent_id", agentID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// routeSuccess picks the task status for a successful run that needs no
// guardrail approval. Pipeline subtasks finish on their own; top-level and
// review work goes back to a human.
func routeSuccess(task domain.Task, agent domain.Agent) string {
	if task.ParentID != nil && !agent.IsReviewer() {
		return domain.TaskCompleted
	}
	return domain.TaskReview
}

func (e Engine) evaluate(guard domain.OrchestratorConfig, agent domain.Agent, task domain.Task) guardrail.Evaluation {
	ev := guardrail.Evaluate(guard, agent, domain.CategoryTaskExecution, e.cfg().Guardrails.AutonomousLevel)
	if !ev.RequiresApproval && task.Category != "" && task.Category != domain.CategoryTaskExecution && agent.RequiresApprovalFor(task.Category) {
		ev.RequiresApproval = true
		ev.Reason = fmt.Sprintf("agent %s requires approval for %s", agent.Name, task.Category)
	}
	return ev
}

func failureMessage(res runner.Result, runErr error) string {
	switch {
	case runErr != nil:
		return runErr.Error()
	case res.Error != "":
		return res.Error
	default:
		return "runner reported failure"
	}
}

func executionEvent(status string) string {
	switch status {
	case domain.ExecCompleted:
		return events.ExecutionCompleted
	case domain.ExecAwaitingApproval:
		return events.ExecutionAwaitingApproval
	default:
		return events.ExecutionFailed
	}
}

// finish records a runner result in a fixed order: execution row, task row,
// local tracking, attachments and audit, dependents, annealing, then
// notifications. Only the execution row is primary; a failure in any later
// step is logged and leaves the earlier ones in place.
func (e Engine) finish(ctx context.Context, task domain.Task, agent domain.Agent, exec domain.Execution, guard domain.OrchestratorConfig,
	opts RunOptions, res runner.Result, runErr error, elapsed time.Duration) (domain.Execution, error) {
	log := e.logger().With("task_id", task.ID, "execution_id", exec.ID, "agent_id", agent.ID)
	success := runErr == nil && res.Success
	meta := &domain.OutputMetadata{
		Model:        res.Metadata.Model,
		InputTokens:  res.Metadata.InputTokens,
		OutputTokens: res.Metadata.OutputTokens,
		DurationMs:   res.Metadata.DurationMs,
		ToolCalls:    res.Metadata.ToolsUsed,
	}
	if meta.DurationMs == 0 {
		meta.DurationMs = elapsed.Milliseconds()
	}
	now := e.ts()
	outcome := repo.ExecutionOutcome{OutputContent: res.Content, OutputMetadata: meta, CompletedAt: now}
	var ev guardrail.Evaluation
	taskTo := domain.TaskFailed
	if success {
		ev = e.evaluate(guard, agent, task)
		if ev.RequiresApproval {
			outcome.Status = domain.ExecAwaitingApproval
			outcome.RequiresApproval = true
			taskTo = domain.TaskReview
		} else {
			outcome.Status = domain.ExecCompleted
			taskTo = routeSuccess(task, agent)
		}
	} else {
		outcome.Status = domain.ExecFailed
		outcome.ErrorMessage = failureMessage(res, runErr)
	}

	// execution row
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.FinishExecution(ctx, tx, exec.ID, domain.ExecRunning, outcome); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, executionEvent(outcome.Status), task.AccountID, "execution", exec.ID, agent.ID, events.EventPayload{
			"task_id": task.ID, "status": outcome.Status, "error": outcome.ErrorMessage, "duration_ms": meta.DurationMs,
		})
	})
	recorded := err == nil
	if errors.Is(err, repo.ErrConflict) {
		log.Warn("runner result arrived after the execution was closed; result discarded")
		metrics.Executions.WithLabelValues("discarded").Inc()
	} else if err != nil {
		log.Error("execution outcome not recorded", "error", err)
		e.tracker().remove(task.ID, exec.ID)
		e.feedAnneal(ctx, task, agent, exec, opts, success, meta)
		return exec, fmt.Errorf("record execution outcome: %w", err)
	} else {
		metrics.Executions.WithLabelValues(outcome.Status).Inc()
	}

	// task row
	taskUpdated := false
	if recorded {
		err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
			cur, err := e.Repo.GetTask(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			if cur.Status != domain.TaskInProgress {
				return fmt.Errorf("task %s is %s: %w", task.ID, cur.Status, repo.ErrConflict)
			}
			if success {
				out, err := json.Marshal(taskOutput{Content: res.Content, Metadata: meta, ExecutionID: exec.ID, CompletedAt: now})
				if err != nil {
					return err
				}
				if err := e.Repo.SetTaskOutput(ctx, tx, task.ID, string(out), now); err != nil {
					return err
				}
			}
			return e.setTaskStatus(ctx, tx, cur, taskTo, agent.ID, "agent", events.EventPayload{"execution_id": exec.ID})
		})
		taskUpdated = err == nil
		e.secondary("task_status", err, "task_id", task.ID, "execution_id", exec.ID)
	}

	e.tracker().remove(task.ID, exec.ID)

	if recorded && success {
		e.saveArtifacts(ctx, task, exec, res.Content)
	}
	if recorded && ev.RequiresApproval {
		_, _ = e.Guardrails.Record(ctx, domain.GuardrailAuditEntry{
			AccountID:          task.AccountID,
			Category:           domain.CategoryTaskExecution,
			Action:             fmt.Sprintf("execution %s of task %s held for approval", exec.ID, task.ID),
			Decision:           domain.DecisionEscalated,
			DecidedBy:          domain.DecidedBySystem,
			ActorID:            agent.ID,
			TrustLevelRequired: ev.Required,
			TrustLevelCurrent:  ev.Current,
			Rationale:          ev.Reason,
			MetadataJSON:       guardrail.MetadataJSON(map[string]any{"execution_id": exec.ID, "task_id": task.ID}),
		})
	}
	if taskUpdated && taskTo == domain.TaskCompleted {
		done := task
		done.Status = domain.TaskCompleted
		e.recomputeDependents(ctx, done, agent.ID)
	}

	e.feedAnneal(ctx, task, agent, exec, opts, success, meta)

	if recorded {
		e.notifyOutcome(ctx, task, exec, outcome)
		if taskUpdated {
			e.notify(ctx, task.AccountID, events.TaskStatusChanged,
				fmt.Sprintf("Task %q is now %s", task.Title, taskTo),
				fmt.Sprintf("Task %s moved from %s to %s.", task.ID, domain.TaskInProgress, taskTo),
				map[string]any{"task_id": task.ID, "from": domain.TaskInProgress, "to": taskTo, "execution_id": exec.ID})
		}
	}

	final, err := e.Repo.GetExecution(ctx, nil, exec.ID)
	if err != nil {
		e.secondary("reload_execution", err, "execution_id", exec.ID)
		exec.Status = outcome.Status
		exec.OutputContent = outcome.OutputContent
		exec.OutputMetadata = meta
		exec.ErrorMessage = outcome.ErrorMessage
		exec.RequiresApproval = outcome.RequiresApproval
		exec.CompletedAt = &now
		return exec, nil
	}
	return final, nil
}

func (e Engine) notifyOutcome(ctx context.Context, task domain.Task, exec domain.Execution, o repo.ExecutionOutcome) {
	data := map[string]any{"task_id": task.ID, "execution_id": exec.ID, "agent_id": exec.AgentID, "status": o.Status}
	switch o.Status {
	case domain.ExecFailed:
		e.notify(ctx, task.AccountID, events.ExecutionFailed, fmt.Sprintf("Task %q failed", task.Title), o.ErrorMessage, data)
	case domain.ExecAwaitingApproval:
		e.notify(ctx, task.AccountID, events.ExecutionAwaitingApproval, fmt.Sprintf("Task %q needs approval", task.Title),
			fmt.Sprintf("Execution %s finished and is waiting for a human decision.", exec.ID), data)
	default:
		e.notify(ctx, task.AccountID, events.ExecutionCompleted, fmt.Sprintf("Task %q completed", task.Title),
			fmt.Sprintf("Execution %s finished successfully.", exec.ID), data)
	}
}

func (e Engine) feedAnneal(ctx context.Context, task domain.Task, agent domain.Agent, exec domain.Execution, opts RunOptions, success bool, meta *domain.OutputMetadata) {
	res, err := e.Anneal.ProcessOutcome(ctx, anneal.Outcome{
		ExecutionID:  exec.ID,
		TaskID:       task.ID,
		AgentID:      agent.ID,
		AccountID:    task.AccountID,
		Success:      success,
		ToolsUsed:    meta.ToolCalls,
		DurationMs:   meta.DurationMs,
		InputTokens:  meta.InputTokens,
		OutputTokens: meta.OutputTokens,
		PatternKey:   opts.PatternKey,
	})
	if err != nil {
		e.secondary("anneal", err, "task_id", task.ID, "execution_id", exec.ID, "agent_id", agent.ID)
		return
	}
	if res.CircuitOpened {
		e.logger().Warn("agent circuit opened", "agent_id", agent.ID, "consecutive_failures", res.Agent.ConsecutiveFailures)
		e.notify(ctx, task.AccountID, events.AgentCircuitOpen, fmt.Sprintf("Agent %s paused", agent.Name),
			fmt.Sprintf("Agent %s was paused after %d consecutive failures and needs a manual reset.", agent.Name, res.Agent.ConsecutiveFailures),
			map[string]any{"agent_id": agent.ID, "task_id": task.ID})
	}
}

func (e Engine) saveArtifacts(ctx context.Context, task domain.Task, exec domain.Execution, content string) {
	now := e.ts()
	for _, a := range ExtractArtifacts(content) {
		err := repo.RetryOnBusy(ctx, 3, func() error {
			return e.Repo.InsertAttachment(ctx, nil, domain.Attachment{
				ID:          uuid.NewString(),
				ExecutionID: exec.ID,
				TaskID:      task.ID,
				Filename:    a.Filename,
				Language:    a.Language,
				Content:     a.Content,
				SizeBytes:   len(a.Content),
				CreatedAt:   now,
			})
		})
		e.secondary("attachment", err, "execution_id", exec.ID, "filename", a.Filename)
	}
}

func (e Engine) siblingOutputs(ctx context.Context, task domain.Task) ([]runner.SiblingOutput, error) {
	tasks, err := e.Repo.ListSiblingOutputs(ctx, *task.ParentID, task.ID, []string{domain.TaskCompleted, domain.TaskReview})
	if err != nil {
		return nil, err
	}
	var out []runner.SiblingOutput
	for _, t := range tasks {
		if t.OutputJSON == nil {
			continue
		}
		var o taskOutput
		if err := json.Unmarshal([]byte(*t.OutputJSON), &o); err != nil || o.Content == "" {
			continue
		}
		out = append(out, runner.SiblingOutput{TaskID: t.ID, Title: t.Title, Output: o.Content})
	}
	return out, nil
}

func joinContext(base string, siblings []runner.SiblingOutput) string {
	if len(siblings) == 0 {
		return base
	}
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	b.WriteString("Results from related subtasks:\n")
	for _, s := range siblings {
		fmt.Fprintf(&b, "\n## %s\n%s\n", s.Title, s.Output)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Approve finalises an execution held for approval and completes its task.
func (e Engine) Approve(ctx context.Context, executionID, userID string) (domain.Execution, error) {
	return e.resolve(ctx, executionID, userID, true, "")
}

// Reject closes an execution held for approval as failed. The agent's health
// is left alone: the run itself succeeded.
func (e Engine) Reject(ctx context.Context, executionID, userID, reason string) (domain.Execution, error) {
	return e.resolve(ctx, executionID, userID, false, reason)
}

func (e Engine) resolve(ctx context.Context, executionID, userID string, approved bool, reason string) (domain.Execution, error) {
	if userID == "" {
		return domain.Execution{}, errors.New("user id required")
	}
	taskTo, evtType, decision := domain.TaskFailed, events.ExecutionRejected, domain.DecisionRejected
	if approved {
		taskTo, evtType, decision = domain.TaskCompleted, events.ExecutionApproved, domain.DecisionApproved
	}
	var (
		exec      domain.Execution
		task      domain.Task
		taskMoved bool
	)
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		exec, err = e.Repo.GetExecution(ctx, tx, executionID)
		if err != nil {
			return err
		}
		if exec.Status != domain.ExecAwaitingApproval {
			return fmt.Errorf("execution %s is %s, not awaiting approval: %w", executionID, exec.Status, repo.ErrConflict)
		}
		task, err = e.Repo.GetTask(ctx, tx, exec.TaskID)
		if err != nil {
			return err
		}
		if task.Status != domain.TaskReview {
			return fmt.Errorf("task %s is %s, not in review: %w", task.ID, task.Status, repo.ErrConflict)
		}
		if err := e.Repo.ResolveApproval(ctx, tx, executionID, approved, userID, reason, e.ts()); err != nil {
			return err
		}
		if task.DeletedAt == nil {
			if err := e.setTaskStatus(ctx, tx, task, taskTo, userID, "human", events.EventPayload{"execution_id": executionID}); err != nil {
				return err
			}
			taskMoved = true
		}
		return e.Events.Append(ctx, tx, evtType, exec.AccountID, "execution", executionID, userID, events.EventPayload{
			"task_id": exec.TaskID, "reason": reason,
		})
	})
	if err != nil {
		return domain.Execution{}, err
	}
	if approved {
		metrics.Executions.WithLabelValues("approved").Inc()
	} else {
		metrics.Executions.WithLabelValues("rejected").Inc()
	}

	ev := guardrail.Evaluation{Required: e.cfg().Guardrails.AutonomousLevel}
	if guard, err := e.Guardrails.Get(ctx, exec.AccountID); err == nil {
		ev.Current = guard.Trust.Level(domain.CategoryTaskExecution)
	}
	verb := "rejected"
	if approved {
		verb = "approved"
	}
	_, _ = e.Guardrails.Record(ctx, domain.GuardrailAuditEntry{
		AccountID:          exec.AccountID,
		Category:           domain.CategoryTaskExecution,
		Action:             fmt.Sprintf("execution %s of task %s %s", executionID, exec.TaskID, verb),
		Decision:           decision,
		DecidedBy:          domain.DecidedByHuman,
		ActorID:            userID,
		TrustLevelRequired: ev.Required,
		TrustLevelCurrent:  ev.Current,
		Rationale:          reason,
		MetadataJSON:       guardrail.MetadataJSON(map[string]any{"execution_id": executionID, "task_id": exec.TaskID}),
	})
	if taskMoved {
		e.afterStatusChange(ctx, task, taskTo, userID)
	}
	e.notify(ctx, exec.AccountID, evtType, fmt.Sprintf("Execution %s %s", executionID, verb),
		fmt.Sprintf("Execution %s of task %q was %s by %s.", executionID, task.Title, verb, userID),
		map[string]any{"execution_id": executionID, "task_id": exec.TaskID, "reason": reason})
	return e.Repo.GetExecution(ctx, nil, executionID)
}

// Cancel stops a task. A running or held execution is marked cancelled; the
// runner call itself is not interrupted and its late result is discarded.
func (e Engine) Cancel(ctx context.Context, taskID, userID string) (domain.Task, error) {
	var (
		before domain.Task
		execID string
	)
	err := e.Repo.InTx(ctx, func(tx *sql.Tx) error {
		t, err := e.Repo.GetTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if t.DeletedAt != nil {
			return fmt.Errorf("task %s is deleted: %w", taskID, repo.ErrNotFound)
		}
		if t.Status == domain.TaskCompleted || t.Status == domain.TaskCancelled {
			return fmt.Errorf("task %s is already %s: %w", taskID, t.Status, repo.ErrConflict)
		}
		run, err := e.Repo.OpenExecutionForTask(ctx, tx, taskID)
		switch {
		case err == nil:
			if err := e.Repo.TransitionExecution(ctx, tx, run.ID, run.Status, domain.ExecCancelled, e.ts()); err != nil {
				return err
			}
			execID = run.ID
			if err := e.Events.Append(ctx, tx, events.ExecutionCancelled, t.AccountID, "execution", run.ID, userID, events.EventPayload{"task_id": taskID}); err != nil {
				return err
			}
		case !errors.Is(err, repo.ErrNotFound):
			return err
		}
		before = t
		return e.setTaskStatus(ctx, tx, t, domain.TaskCancelled, userID, "human", events.EventPayload{"execution_id": execID})
	})
	if err != nil {
		return domain.Task{}, err
	}
	if execID != "" {
		metrics.Executions.WithLabelValues(domain.ExecCancelled).Inc()
	}
	e.tracker().remove(taskID, "")
	e.afterStatusChange(ctx, before, domain.TaskCancelled, userID)
	return e.Repo.GetTask(ctx, nil, taskID)
}

type ReconcileReport struct {
	Mode    string `json:"mode"`
	Agents  int    `json:"agents"`
	Running int    `json:"running"`
}

// Reconcile rebuilds in-memory admission state from the store: running
// executions hold slots again and starts within the last hour count against
// the rate window. The leased controller keeps its state in the store and
// needs nothing.
func (e Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	q, ok := e.Admission.(*admission.Queue)
	if !ok {
		return ReconcileReport{Mode: "leased"}, nil
	}
	rep := ReconcileReport{Mode: "memory"}
	running, err := e.Repo.RunningByAgent(ctx)
	if err != nil {
		return rep, err
	}
	now := e.now()
	counts, earliest, err := e.Repo.StartedSince(ctx, now.Add(-admission.Window).Format(time.RFC3339))
	if err != nil {
		return rep, err
	}
	agents := map[string]struct{}{}
	for id := range running {
		agents[id] = struct{}{}
	}
	for id := range counts {
		agents[id] = struct{}{}
	}
	for id := range agents {
		start := now
		if ts, ok := earliest[id]; ok {
			if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
				start = parsed
			}
		}
		q.Restore(id, running[id], counts[id], start)
		rep.Agents++
		rep.Running += len(running[id])
	}
	e.logger().Debug("admission state reconciled", "agents", rep.Agents, "running", rep.Running)
	return rep, nil
}

type ReadyItem struct {
	TaskID      string `json:"task_id"`
	AgentID     string `json:"agent_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
}

type ReadyReport struct {
	Items    []ReadyItem `json:"items"`
	Started  int         `json:"started"`
	Deferred int         `json:"deferred"`
	Skipped  int         `json:"skipped"`
	Errors   int         `json:"errors"`
}

// RunReady runs every pending or queued task of the account, highest
// priority first, in parallel up to the configured width. Admission denials
// are reported as deferred.
func (e Engine) RunReady(ctx context.Context, accountID, userID string, limit int) (ReadyReport, error) {
	if e.Runner == nil {
		return ReadyReport{}, runner.ErrNotConfigured
	}
	guard, err := e.Guardrails.Ensure(ctx, accountID)
	if err != nil {
		return ReadyReport{}, err
	}
	if limit <= 0 {
		limit = 20
	}
	tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{AccountID: accountID, Statuses: []string{domain.TaskPending, domain.TaskQueued}, Limit: limit})
	if err != nil {
		return ReadyReport{}, err
	}
	items := make([]ReadyItem, len(tasks))
	var g errgroup.Group
	g.SetLimit(max(e.cfg().Admission.RunReadyConcurrency, 1))
	for i, t := range tasks {
		g.Go(func() error {
			items[i] = e.runReadyOne(ctx, guard, t, userID)
			return nil
		})
	}
	_ = g.Wait()
	rep := ReadyReport{Items: items}
	for _, it := range items {
		switch it.Status {
		case "deferred":
			rep.Deferred++
		case "skipped":
			rep.Skipped++
		case "error":
			rep.Errors++
		default:
			rep.Started++
		}
	}
	return rep, nil
}

func (e Engine) runReadyOne(ctx context.Context, guard domain.OrchestratorConfig, t domain.Task, userID string) ReadyItem {
	item := ReadyItem{TaskID: t.ID}
	agentID := ""
	if t.AssignedTo != nil && t.AssignedToType != "user" {
		agentID = *t.AssignedTo
	}
	if agentID == "" {
		if t.ParentID != nil || !guard.AutoRouteRootTasks || guard.OrchestratorAgentID == "" {
			item.Status, item.Reason = "skipped", "no agent assigned"
			return item
		}
		agentID = guard.OrchestratorAgentID
		err := repo.RetryOnBusy(ctx, 3, func() error {
			return e.Repo.AssignTask(ctx, nil, t.ID, agentID, "agent", e.ts())
		})
		if err != nil {
			item.Status, item.Reason = "error", fmt.Sprintf("route to orchestrator: %v", err)
			return item
		}
	}
	item.AgentID = agentID
	exec, err := e.Run(ctx, RunOptions{TaskID: t.ID, AgentID: agentID, UserID: userID})
	if ae, ok := AsAdmission(err); ok {
		item.Status, item.Reason = "deferred", ae.Reason
		return item
	}
	if err != nil {
		item.Status, item.Reason = "error", err.Error()
		return item
	}
	item.ExecutionID, item.Status = exec.ID, exec.Status
	if exec.Status == domain.ExecFailed {
		item.Reason = exec.ErrorMessage
	}
	return item
}
