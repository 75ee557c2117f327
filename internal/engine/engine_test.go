package engine_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"trustloop/internal/admission"
	"trustloop/internal/config"
	"trustloop/internal/db"
	"trustloop/internal/domain"
	"trustloop/internal/engine"
	"trustloop/internal/guardrail"
	"trustloop/internal/migrate"
	"trustloop/internal/repo"
	"trustloop/internal/runner"
)

const acct = "acct-1"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, run runner.Runner) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), run).
		WithClock(func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) })
	ctx := context.Background()
	if _, err := eng.Guardrails.Ensure(ctx, acct); err != nil {
		t.Fatalf("ensure guardrails: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func succeed(content string) runner.Runner {
	return runner.Func(func(ctx context.Context, req runner.Request) (runner.Result, error) {
		return runner.Result{Success: true, Content: content, Metadata: runner.Metadata{Model: "test", InputTokens: 10, OutputTokens: 20}}, nil
	})
}

func (env testEnv) agent(t *testing.T, opts engine.AgentCreateOptions) domain.Agent {
	t.Helper()
	opts.AccountID = acct
	if opts.Name == "" {
		opts.Name = "worker"
	}
	a, err := env.Engine.CreateAgent(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func (env testEnv) task(t *testing.T, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	opts.AccountID = acct
	if opts.Title == "" {
		opts.Title = "work"
	}
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) reload(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Engine.Repo.GetTask(env.Ctx, nil, id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func TestTaskStatusTransitions(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t, engine.TaskCreateOptions{Title: "Do work"})
	if task.Status != domain.TaskPending {
		t.Fatalf("expected pending, got %s", task.Status)
	}
	for _, to := range []string{domain.TaskInProgress, domain.TaskReview, domain.TaskCompleted} {
		var err error
		task, err = env.Engine.UpdateTaskStatus(env.Ctx, task.ID, to, "tester")
		if err != nil || task.Status != to {
			t.Fatalf("to %s: %v", to, err)
		}
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, task.ID, domain.TaskPending, "tester"); err == nil {
		t.Fatalf("expected transition error")
	}
	history, err := env.Engine.Repo.ListStatusHistory(env.Ctx, nil, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 history rows, got %d", len(history))
	}
}

func TestManualStartRefusedWhileBlocked(t *testing.T) {
	env := newTestEnv(t, nil)
	dep := env.task(t, engine.TaskCreateOptions{Title: "dep"})
	gated := env.task(t, engine.TaskCreateOptions{Title: "gated", DependsOn: []string{dep.ID}})
	if gated.BlockedCount != 1 {
		t.Fatalf("expected blocked count 1, got %d", gated.BlockedCount)
	}
	_, err := env.Engine.UpdateTaskStatus(env.Ctx, gated.ID, domain.TaskInProgress, "tester")
	if !errors.Is(err, engine.ErrBlocked) {
		t.Fatalf("expected ErrBlocked, got %v", err)
	}
	if _, err := env.Engine.Cancel(env.Ctx, dep.ID, "tester"); err != nil {
		t.Fatalf("cancel dep: %v", err)
	}
	if got := env.reload(t, gated.ID); got.BlockedCount != 0 {
		t.Fatalf("expected unblocked after cancel, got %d", got.BlockedCount)
	}
	if _, err := env.Engine.UpdateTaskStatus(env.Ctx, gated.ID, domain.TaskInProgress, "tester"); err != nil {
		t.Fatalf("start after unblock: %v", err)
	}
}

func TestSubtaskCompletesTopLevelGoesToReview(t *testing.T) {
	env := newTestEnv(t, succeed("done"))
	a := env.agent(t, engine.AgentCreateOptions{})
	parent := env.task(t, engine.TaskCreateOptions{Title: "parent", AssignedTo: a.ID})
	child := env.task(t, engine.TaskCreateOptions{Title: "child", ParentID: parent.ID, AssignedTo: a.ID})

	exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: child.ID, UserID: "u1"})
	if err != nil {
		t.Fatalf("run child: %v", err)
	}
	if exec.Status != domain.ExecCompleted || exec.OutputContent != "done" {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if exec.OutputMetadata == nil || exec.OutputMetadata.Model != "test" {
		t.Fatalf("expected metadata, got %+v", exec.OutputMetadata)
	}
	got := env.reload(t, child.ID)
	if got.Status != domain.TaskCompleted {
		t.Fatalf("subtask should complete, got %s", got.Status)
	}
	if got.OutputJSON == nil || !strings.Contains(*got.OutputJSON, exec.ID) {
		t.Fatalf("expected task output to reference execution, got %v", got.OutputJSON)
	}

	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: parent.ID}); err != nil {
		t.Fatalf("run parent: %v", err)
	}
	if got := env.reload(t, parent.ID); got.Status != domain.TaskReview {
		t.Fatalf("top-level task should go to review, got %s", got.Status)
	}
	if len(env.Engine.ActiveRuns()) != 0 {
		t.Fatalf("tracker should be empty after runs")
	}
}

func TestReviewerSubtaskGoesToReview(t *testing.T) {
	env := newTestEnv(t, succeed("lgtm"))
	qa := env.agent(t, engine.AgentCreateOptions{Name: "qa", Role: "qa"})
	parent := env.task(t, engine.TaskCreateOptions{Title: "parent"})
	child := env.task(t, engine.TaskCreateOptions{Title: "check", ParentID: parent.ID, AssignedTo: qa.ID})
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: child.ID}); err != nil {
		t.Fatal(err)
	}
	if got := env.reload(t, child.ID); got.Status != domain.TaskReview {
		t.Fatalf("qa output should wait for a human, got %s", got.Status)
	}
}

func TestSiblingOutputsReachRunner(t *testing.T) {
	var seen runner.Request
	run := runner.Func(func(ctx context.Context, req runner.Request) (runner.Result, error) {
		seen = req
		return runner.Result{Success: true, Content: "output of " + req.Task.Title}, nil
	})
	env := newTestEnv(t, run)
	a := env.agent(t, engine.AgentCreateOptions{})
	parent := env.task(t, engine.TaskCreateOptions{Title: "parent"})
	first := env.task(t, engine.TaskCreateOptions{Title: "research", ParentID: parent.ID, AssignedTo: a.ID})
	second := env.task(t, engine.TaskCreateOptions{Title: "write", ParentID: parent.ID, AssignedTo: a.ID})

	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: first.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: second.ID, AdditionalContext: "be brief"}); err != nil {
		t.Fatal(err)
	}
	if len(seen.Siblings) != 1 || seen.Siblings[0].TaskID != first.ID {
		t.Fatalf("expected sibling output from first task, got %+v", seen.Siblings)
	}
	if !strings.HasPrefix(seen.AdditionalContext, "be brief") || !strings.Contains(seen.AdditionalContext, "output of research") {
		t.Fatalf("unexpected additional context %q", seen.AdditionalContext)
	}
	if !seen.EnableTools {
		t.Fatalf("tools should be enabled when dry run is off")
	}
}

func TestRunFailureMarksTaskFailed(t *testing.T) {
	run := runner.Func(func(ctx context.Context, req runner.Request) (runner.Result, error) {
		return runner.Result{Success: false, Error: "model refused"}, nil
	})
	env := newTestEnv(t, run)
	a := env.agent(t, engine.AgentCreateOptions{})
	task := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})

	exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID})
	if err != nil {
		t.Fatalf("runner failure must not be an error: %v", err)
	}
	if exec.Status != domain.ExecFailed || exec.ErrorMessage != "model refused" {
		t.Fatalf("unexpected execution %+v", exec)
	}
	if got := env.reload(t, task.ID); got.Status != domain.TaskFailed {
		t.Fatalf("expected failed task, got %s", got.Status)
	}
	agent, err := env.Engine.Repo.GetAgent(env.Ctx, nil, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.ConsecutiveFailures != 1 || agent.HealthStatus != domain.HealthDegraded {
		t.Fatalf("expected degraded agent, got %d %s", agent.ConsecutiveFailures, agent.HealthStatus)
	}
	// failed tasks may be retried
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID}); err != nil {
		t.Fatalf("retry failed task: %v", err)
	}
}

func TestRunnerPanicIsFailure(t *testing.T) {
	run := runner.Func(func(ctx context.Context, req runner.Request) (runner.Result, error) {
		panic("boom")
	})
	env := newTestEnv(t, run)
	a := env.agent(t, engine.AgentCreateOptions{})
	task := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})
	exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != domain.ExecFailed || !strings.Contains(exec.ErrorMessage, "boom") {
		t.Fatalf("unexpected execution %+v", exec)
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	run := runner.Func(func(ctx context.Context, req runner.Request) (runner.Result, error) {
		return runner.Result{}, errors.New("runtime unavailable")
	})
	env := newTestEnv(t, run)
	a := env.agent(t, engine.AgentCreateOptions{})
	for i := 0; i < 3; i++ {
		task := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})
		if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID}); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
	task := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})
	_, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID})
	ae, ok := engine.AsAdmission(err)
	if !ok || ae.Kind != admission.KindCircuitOpen {
		t.Fatalf("expected circuit_open denial, got %v", err)
	}
	if engine.IsRetryable(err) {
		t.Fatalf("circuit_open must not be retryable")
	}
	if got := env.reload(t, task.ID); got.Status != domain.TaskPending {
		t.Fatalf("denied task should stay pending, got %s", got.Status)
	}
	if _, err := env.Engine.ResetAgent(env.Ctx, a.ID, "ops"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	env.Engine.Runner = succeed("ok")
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID}); err != nil {
		t.Fatalf("run after reset: %v", err)
	}
}

type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() gate {
	return gate{started: make(chan struct{}, 1), release: make(chan struct{})}
}

func (g gate) runner(content string) runner.Runner {
	return runner.Func(func(ctx context.Context, req runner.Request) (runner.Result, error) {
		g.started <- struct{}{}
		<-g.release
		return runner.Result{Success: true, Content: content}, nil
	})
}

type runResult struct {
	exec domain.Execution
	err  error
}

func TestCapacityDenialQueuesTask(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, g.runner("slow"))
	one := 1
	a := env.agent(t, engine.AgentCreateOptions{MaxConcurrentTasks: &one})
	first := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})
	second := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})

	done := make(chan runResult, 1)
	go func() {
		exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: first.ID})
		done <- runResult{exec, err}
	}()
	<-g.started

	if runs := env.Engine.ActiveRuns(); len(runs) != 1 || runs[0].TaskID != first.ID {
		t.Fatalf("expected first task tracked, got %+v", runs)
	}
	_, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: second.ID})
	ae, ok := engine.AsAdmission(err)
	if !ok || ae.Kind != admission.KindCapacity || !ae.Retryable() {
		t.Fatalf("expected capacity denial, got %v", err)
	}
	if got := env.reload(t, second.ID); got.Status != domain.TaskQueued {
		t.Fatalf("denied task should be queued, got %s", got.Status)
	}
	_, err = env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: first.ID})
	if err == nil {
		t.Fatalf("expected second run of an executing task to be refused")
	}

	close(g.release)
	res := <-done
	if res.err != nil || res.exec.Status != domain.ExecCompleted {
		t.Fatalf("first run: %+v %v", res.exec, res.err)
	}
	stats, err := env.Engine.Admission.Stats(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.RunningCount != 0 {
		t.Fatalf("slot should be released, got %d running", stats.RunningCount)
	}
	g2 := newGate()
	close(g2.release)
	env.Engine.Runner = g2.runner("fast")
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: second.ID}); err != nil {
		t.Fatalf("queued task should run once capacity frees: %v", err)
	}
}

func TestBlockedTaskDeferredUntilPrerequisiteCompletes(t *testing.T) {
	env := newTestEnv(t, succeed("ok"))
	a := env.agent(t, engine.AgentCreateOptions{})
	parent := env.task(t, engine.TaskCreateOptions{Title: "parent"})
	pre := env.task(t, engine.TaskCreateOptions{Title: "pre", ParentID: parent.ID, AssignedTo: a.ID})
	next := env.task(t, engine.TaskCreateOptions{Title: "next", ParentID: parent.ID, AssignedTo: a.ID, DependsOn: []string{pre.ID}})

	_, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: next.ID})
	ae, ok := engine.AsAdmission(err)
	if !ok || ae.Kind != admission.KindBlocked {
		t.Fatalf("expected blocked denial, got %v", err)
	}
	if got := env.reload(t, next.ID); got.Status != domain.TaskQueued {
		t.Fatalf("blocked task should be queued, got %s", got.Status)
	}
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: pre.ID}); err != nil {
		t.Fatal(err)
	}
	if got := env.reload(t, next.ID); got.BlockedCount != 0 {
		t.Fatalf("expected next unblocked, got %d", got.BlockedCount)
	}
	exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: next.ID})
	if err != nil || exec.Status != domain.ExecCompleted {
		t.Fatalf("run unblocked task: %+v %v", exec, err)
	}
}

func TestApprovalFlow(t *testing.T) {
	env := newTestEnv(t, succeed("draft post"))
	a := env.agent(t, engine.AgentCreateOptions{RequiresApprovalCategories: []string{domain.CategoryTaskExecution}})
	parent := env.task(t, engine.TaskCreateOptions{Title: "parent"})
	task := env.task(t, engine.TaskCreateOptions{ParentID: parent.ID, AssignedTo: a.ID})

	exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != domain.ExecAwaitingApproval || !exec.RequiresApproval {
		t.Fatalf("expected awaiting approval, got %+v", exec)
	}
	if got := env.reload(t, task.ID); got.Status != domain.TaskReview {
		t.Fatalf("held task should be in review, got %s", got.Status)
	}
	if _, err := env.Engine.Approve(env.Ctx, exec.ID, ""); err == nil {
		t.Fatalf("approval without a user should fail")
	}
	exec, err = env.Engine.Approve(env.Ctx, exec.ID, "boss")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if exec.Status != domain.ExecCompleted || exec.ApprovedBy == nil || *exec.ApprovedBy != "boss" {
		t.Fatalf("unexpected approved execution %+v", exec)
	}
	if got := env.reload(t, task.ID); got.Status != domain.TaskCompleted {
		t.Fatalf("approved task should complete, got %s", got.Status)
	}
	if _, err := env.Engine.Approve(env.Ctx, exec.ID, "boss"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("second approval should conflict, got %v", err)
	}
	page, err := env.Engine.Guardrails.ListAudit(env.Ctx, guardrail.AuditQuery{AccountID: acct, Category: domain.CategoryTaskExecution})
	if err != nil {
		t.Fatal(err)
	}
	decisions := map[string]bool{}
	for _, e := range page.Items {
		decisions[e.Decision] = true
	}
	if !decisions[domain.DecisionEscalated] || !decisions[domain.DecisionApproved] {
		t.Fatalf("expected escalated and approved audit rows, got %+v", page.Items)
	}
}

func TestLowTrustHoldsForApproval(t *testing.T) {
	env := newTestEnv(t, succeed("ok"))
	if _, err := env.Engine.Guardrails.Update(env.Ctx, acct, guardrail.Patch{Trust: map[string]int{domain.CategoryTaskExecution: 1}}, "ops"); err != nil {
		t.Fatalf("lower trust: %v", err)
	}
	a := env.agent(t, engine.AgentCreateOptions{})
	task := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})
	exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != domain.ExecAwaitingApproval {
		t.Fatalf("expected held execution under low trust, got %s", exec.Status)
	}
}

func TestRejectFailsTaskWithoutTouchingHealth(t *testing.T) {
	env := newTestEnv(t, succeed("bad idea"))
	a := env.agent(t, engine.AgentCreateOptions{RequiresApprovalCategories: []string{domain.CategoryTaskExecution}})
	task := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})
	exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	exec, err = env.Engine.Reject(env.Ctx, exec.ID, "boss", "off brand")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if exec.Status != domain.ExecFailed || exec.ErrorMessage != "off brand" {
		t.Fatalf("unexpected rejected execution %+v", exec)
	}
	if got := env.reload(t, task.ID); got.Status != domain.TaskFailed {
		t.Fatalf("rejected task should fail, got %s", got.Status)
	}
	agent, err := env.Engine.Repo.GetAgent(env.Ctx, nil, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.ConsecutiveFailures != 0 || agent.HealthStatus != domain.HealthHealthy {
		t.Fatalf("rejection must not count as a failure, got %d %s", agent.ConsecutiveFailures, agent.HealthStatus)
	}
}

func TestCancelDiscardsLateResult(t *testing.T) {
	g := newGate()
	env := newTestEnv(t, g.runner("too late"))
	a := env.agent(t, engine.AgentCreateOptions{})
	task := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})

	done := make(chan runResult, 1)
	go func() {
		exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID})
		done <- runResult{exec, err}
	}()
	<-g.started
	cancelled, err := env.Engine.Cancel(env.Ctx, task.ID, "boss")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.TaskCancelled {
		t.Fatalf("expected cancelled task, got %s", cancelled.Status)
	}
	if len(env.Engine.ActiveRuns()) != 0 {
		t.Fatalf("cancel should drop the tracked run")
	}
	close(g.release)
	res := <-done
	if res.err != nil {
		t.Fatalf("late result: %v", res.err)
	}
	if res.exec.Status != domain.ExecCancelled || res.exec.OutputContent != "" {
		t.Fatalf("late result must not overwrite cancel, got %+v", res.exec)
	}
	if got := env.reload(t, task.ID); got.Status != domain.TaskCancelled || got.OutputJSON != nil {
		t.Fatalf("task must stay cancelled without output, got %s", got.Status)
	}
	if _, err := env.Engine.Cancel(env.Ctx, task.ID, "boss"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("second cancel should conflict, got %v", err)
	}
}

func TestCancelClosesHeldExecution(t *testing.T) {
	env := newTestEnv(t, succeed("draft"))
	a := env.agent(t, engine.AgentCreateOptions{RequiresApprovalCategories: []string{domain.CategoryTaskExecution}})
	task := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})
	exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != domain.ExecAwaitingApproval {
		t.Fatalf("expected held execution, got %s", exec.Status)
	}
	if _, err := env.Engine.Cancel(env.Ctx, task.ID, "boss"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	held, err := env.Engine.Repo.GetExecution(env.Ctx, nil, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if held.Status != domain.ExecCancelled {
		t.Fatalf("held execution should be cancelled with its task, got %s", held.Status)
	}
	if _, err := env.Engine.Approve(env.Ctx, exec.ID, "boss"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("approve after cancel should conflict, got %v", err)
	}
	if got := env.reload(t, task.ID); got.Status != domain.TaskCancelled {
		t.Fatalf("task must stay cancelled, got %s", got.Status)
	}
}

func TestApproveRefusedWhenTaskLeftReview(t *testing.T) {
	env := newTestEnv(t, succeed("draft"))
	a := env.agent(t, engine.AgentCreateOptions{RequiresApprovalCategories: []string{domain.CategoryTaskExecution}})
	task := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})
	exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	// Move the task out of review behind the engine's back.
	if _, err := env.Engine.Repo.DB.ExecContext(env.Ctx, `UPDATE tasks SET status=? WHERE id=?`, domain.TaskFailed, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Approve(env.Ctx, exec.ID, "boss"); !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("approve outside review should conflict, got %v", err)
	}
	held, err := env.Engine.Repo.GetExecution(env.Ctx, nil, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if held.Status != domain.ExecAwaitingApproval || held.ApprovedBy != nil {
		t.Fatalf("refused approval must not touch the execution, got %+v", held)
	}
}

func TestArtifactsStoredAsAttachments(t *testing.T) {
	out := "Here you go.\n```go file=cmd/main.go\npackage main\n```\n"
	env := newTestEnv(t, succeed(out))
	a := env.agent(t, engine.AgentCreateOptions{})
	task := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})
	exec, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	atts, err := env.Engine.Repo.ListAttachments(env.Ctx, exec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(atts) != 1 || atts[0].Filename != "cmd/main.go" || atts[0].Language != "go" || atts[0].Content != "package main" {
		t.Fatalf("unexpected attachments %+v", atts)
	}
}

func TestRunReady(t *testing.T) {
	env := newTestEnv(t, succeed("ok"))
	a := env.agent(t, engine.AgentCreateOptions{})
	orch := env.agent(t, engine.AgentCreateOptions{Name: "orchestrator"})
	assigned := env.task(t, engine.TaskCreateOptions{Title: "assigned", AssignedTo: a.ID})
	loose := env.task(t, engine.TaskCreateOptions{Title: "loose"})
	env.task(t, engine.TaskCreateOptions{Title: "draft", Draft: true, AssignedTo: a.ID})

	rep, err := env.Engine.RunReady(env.Ctx, acct, "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Started != 1 || rep.Skipped != 1 || len(rep.Items) != 2 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if got := env.reload(t, assigned.ID); got.Status != domain.TaskReview {
		t.Fatalf("assigned task should have run, got %s", got.Status)
	}

	on := true
	if _, err := env.Engine.Guardrails.Update(env.Ctx, acct, guardrail.Patch{OrchestratorAgentID: &orch.ID, AutoRouteRootTasks: &on}, "ops"); err != nil {
		t.Fatal(err)
	}
	rep, err = env.Engine.RunReady(env.Ctx, acct, "u1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Started != 1 || rep.Items[0].AgentID != orch.ID {
		t.Fatalf("expected loose task routed to orchestrator, got %+v", rep)
	}
	got := env.reload(t, loose.ID)
	if got.AssignedTo == nil || *got.AssignedTo != orch.ID {
		t.Fatalf("expected assignment to orchestrator, got %v", got.AssignedTo)
	}
}

func TestReconcileRestoresRunningSlots(t *testing.T) {
	env := newTestEnv(t, succeed("ok"))
	one := 1
	a := env.agent(t, engine.AgentCreateOptions{MaxConcurrentTasks: &one})
	stuck := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})
	other := env.task(t, engine.TaskCreateOptions{AssignedTo: a.ID})

	// an execution left running by a process that died
	now := "2024-01-01T00:00:00Z"
	err := env.Engine.Repo.InTx(env.Ctx, func(tx *sql.Tx) error {
		if err := env.Engine.Repo.InsertExecution(env.Ctx, tx, domain.Execution{
			ID: "exec-stuck", TaskID: stuck.ID, AgentID: a.ID, AccountID: acct, Status: domain.ExecPending, CreatedAt: now,
		}); err != nil {
			return err
		}
		return env.Engine.Repo.StartExecution(env.Ctx, tx, "exec-stuck", now)
	})
	if err != nil {
		t.Fatal(err)
	}

	rep, err := env.Engine.Reconcile(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Mode != "memory" || rep.Agents != 1 || rep.Running != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	stats, err := env.Engine.Admission.Stats(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.RunningCount != 1 || stats.HourlyCount != 1 {
		t.Fatalf("unexpected restored stats %+v", stats)
	}
	_, err = env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: other.ID})
	if ae, ok := engine.AsAdmission(err); !ok || ae.Kind != admission.KindCapacity {
		t.Fatalf("expected capacity denial after reconcile, got %v", err)
	}
}

func TestRunWithoutRunner(t *testing.T) {
	env := newTestEnv(t, nil)
	task := env.task(t, engine.TaskCreateOptions{})
	if _, err := env.Engine.Run(env.Ctx, engine.RunOptions{TaskID: task.ID}); !errors.Is(err, runner.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}
