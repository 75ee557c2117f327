package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustloop/internal/admission"
	"trustloop/internal/app"
	"trustloop/internal/config"
	"trustloop/internal/domain"
	"trustloop/internal/engine"
	"trustloop/internal/guardrail"
	"trustloop/internal/repo"
	"trustloop/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "trustloop",
	Short: "Trustloop agent execution orchestrator",
	Long: `Trustloop runs tasks through AI agent personas under human guardrails.
Core concepts:
- Agents: personas with capabilities, hourly and concurrency limits, and a circuit breaker that pauses them after repeated failures.
- Tasks: work items with parents and prerequisites; statuses go pending -> queued -> in_progress -> review -> completed (failed/cancelled are exits).
- Admission: a task only starts when its agent has a free slot, hourly budget and no unfinished prerequisites.
- Trust levels: per-category guardrails (0-4); low trust holds agent output for human approval and every decision is audited.
- Annealing: each outcome updates agent health and pattern statistics.
- Notifications: queued per subscribed channel and delivered with exponential backoff.
- Event log: diary of changes, view with 'trustloop log tail'.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TRUSTLOOP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().StringP("account", "a", "", "account id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("account", rootCmd.PersistentFlags().Lookup("account"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(runReadyCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(execCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(channelCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(patternCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace and a default trustloop.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, created, err := app.Init(viper.GetString("workspace"), force)
			if err != nil {
				return err
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				if acct := viper.GetString("account"); acct != "" {
					if _, err := w.Account(ctx, acct); err != nil {
						return err
					}
				}
				if created {
					fmt.Printf("Wrote %s\n", path)
				} else {
					fmt.Printf("Kept existing %s (use --force to overwrite)\n", path)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server and notification dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				if addr == "" {
					addr = w.Config.Server.Addr
				}
				if basePath == "" {
					basePath = w.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowActorHeader: w.Config.Server.AllowActorHeader,
					Logger:           w.Logger,
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowActorHeader {
					return fmt.Errorf("TRUSTLOOP_JWT_SECRET is required for bearer auth")
				}
				rep := w.Admission
				w.Logger.Info("admission reconciled", "mode", rep.Mode, "agents", rep.Agents, "running", rep.Running)

				d := w.Dispatcher()
				handler, err := server.New(server.Config{Engine: w.Engine, Dispatcher: &d, BasePath: basePath, Auth: authCfg, Logger: w.Logger})
				if err != nil {
					return err
				}
				server.StartDispatcher(ctx, d, w.Config.Notifications.Interval, w.Logger)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving trustloop API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs, metrics at /metrics)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agent personas"}
	agent.AddCommand(agentCreateCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentActiveCmd("pause", false))
	agent.AddCommand(agentActiveCmd("resume", true))
	agent.AddCommand(agentResetCmd())
	agent.AddCommand(agentAdmissionCmd())
	return agent
}

func agentCreateCmd() *cobra.Command {
	var opts engine.AgentCreateOptions
	var maxPerHour, maxConcurrent int
	var maxCost float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-per-hour") {
				opts.MaxActionsPerHour = &maxPerHour
			}
			if cmd.Flags().Changed("max-concurrent") {
				opts.MaxConcurrentTasks = &maxConcurrent
			}
			if cmd.Flags().Changed("max-cost") {
				opts.MaxCostPerAction = &maxCost
			}
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				opts.AccountID = acct
				opts.ActorID = viper.GetString("actor-id")
				a, err := w.Engine.CreateAgent(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Printf("Created agent %s (%s)\n", a.ID, a.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "agent id (default generated)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "agent name")
	cmd.Flags().StringVar(&opts.Role, "role", "", "agent role (qa/review marks a reviewer)")
	cmd.Flags().StringSliceVar(&opts.Capabilities, "capability", nil, "capability (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Restrictions, "restriction", nil, "restriction (repeatable)")
	cmd.Flags().IntVar(&opts.AutonomyLevel, "autonomy", 0, "autonomy level 0-4")
	cmd.Flags().StringSliceVar(&opts.RequiresApprovalCategories, "requires-approval", nil, "guardrail category that always needs a human (repeatable)")
	cmd.Flags().IntVar(&opts.MaxConsecutiveFailures, "max-failures", 0, "failures before the circuit opens (default 3)")
	cmd.Flags().IntVar(&maxPerHour, "max-per-hour", 0, "runs allowed per rolling hour")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "tasks allowed at once")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "cost ceiling per action")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				agents, err := w.Engine.Repo.ListAgents(ctx, acct)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := newTable(table.Row{"ID", "Name", "Role", "Active", "Health", "Failures", "Paused"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, a.IsActive, a.HealthStatus,
						fmt.Sprintf("%d/%d", a.ConsecutiveFailures, a.MaxConsecutiveFailures), deref(a.PausedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent with run statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				a, err := w.Engine.Repo.GetAgent(ctx, nil, args[0])
				if err != nil {
					return err
				}
				stats, err := w.Engine.Repo.GetAgentStats(ctx, nil, a.ID)
				if err != nil && !errors.Is(err, repo.ErrNotFound) {
					return err
				}
				return printJSON(map[string]any{"agent": a, "stats": stats})
			})
		},
	}
}

func agentActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <agent-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				a, err := w.Engine.SetAgentActive(ctx, args[0], active)
				if err != nil {
					return err
				}
				return printJSONOrText(a, fmt.Sprintf("Agent %s active=%t", a.ID, a.IsActive))
			})
		},
	}
}

func agentResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <agent-id>",
		Short: "Clear a tripped circuit breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				a, err := w.Engine.ResetAgent(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(a, fmt.Sprintf("Agent %s reset (%s)", a.ID, a.HealthStatus))
			})
		},
	}
}

func agentAdmissionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admission <agent-id>",
		Short: "Show whether the agent can take another task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				a, err := w.Engine.Repo.GetAgent(ctx, nil, args[0])
				if err != nil {
					return err
				}
				lim := admission.LimitsFor(a, w.Config.Admission.DefaultMaxConcurrent)
				dec, err := w.Engine.Admission.CanAccept(ctx, a.ID, lim)
				if err != nil {
					return err
				}
				stats, err := w.Engine.Admission.Stats(ctx, a.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"decision": dec, "stats": stats})
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskDepCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	var priority int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				opts.AccountID = acct
				opts.ActorID = viper.GetString("actor-id")
				t, err := w.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				fmt.Printf("Created task %s [%s]\n", t.ID, t.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (default generated)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "task title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "task description")
	cmd.Flags().StringVar(&opts.Category, "category", "", "task category")
	cmd.Flags().StringVar(&opts.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&opts.AssignedTo, "assign", "", "assignee id")
	cmd.Flags().StringVar(&opts.AssignedToType, "assign-type", "", "assignee type (agent|user)")
	cmd.Flags().IntVar(&priority, "priority", 0, "priority")
	cmd.Flags().BoolVar(&opts.Draft, "draft", false, "create as draft")
	cmd.Flags().StringSliceVar(&opts.DependsOn, "depends-on", nil, "prerequisite task id (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				f.AccountID = acct
				if status != "" {
					f.Statuses = strings.Split(status, ",")
				}
				tasks, err := w.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Assignee", "Parent", "Blocked"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, deref(t.AssignedTo), deref(t.ParentID), t.BlockedCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (comma separated)")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&f.AssignedTo, "assignee", "", "assignee filter")
	cmd.Flags().BoolVar(&f.IncludeDeleted, "deleted", false, "include soft-deleted tasks")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with status history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				t, err := w.Engine.Repo.GetTask(ctx, nil, args[0])
				if err != nil {
					return err
				}
				history, err := w.Engine.Repo.ListStatusHistory(ctx, nil, t.ID)
				if err != nil {
					return err
				}
				t.StatusHistory = history
				return printJSON(t)
			})
		},
	}
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Change a task's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				t, err := w.Engine.UpdateTaskStatus(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(t, fmt.Sprintf("Task %s is %s", t.ID, t.Status))
			})
		},
	}
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Soft delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				if err := w.Engine.SoftDeleteTask(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Deleted task %s\n", args[0])
				return nil
			})
		},
	}
}

func taskDepCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage task prerequisites"}
	var depType string
	var lag int
	add := &cobra.Command{
		Use:   "add <task-id> <depends-on-task-id>",
		Short: "Add a prerequisite",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				d, err := w.Engine.AddDependency(ctx, args[0], args[1], depType, lag, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(d, fmt.Sprintf("%s now depends on %s (%s)", d.TaskID, d.DependsOnTaskID, d.Type))
			})
		},
	}
	add.Flags().StringVar(&depType, "type", domain.DepFinishToStart, "dependency type (FS|SS|FF|SF)")
	add.Flags().IntVar(&lag, "lag", 0, "lag in days")
	rm := &cobra.Command{
		Use:   "rm <task-id> <depends-on-task-id>",
		Short: "Remove a prerequisite",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				if err := w.Engine.RemoveDependency(ctx, args[0], args[1], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Removed %s -> %s\n", args[0], args[1])
				return nil
			})
		},
	}
	dep.AddCommand(add, rm)
	return dep
}

func runCmd() *cobra.Command {
	var opts engine.RunOptions
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run <task-id>",
		Short: "Execute a task with its agent and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.TaskID = args[0]
			if cmd.Flags().Changed("dry-run") {
				opts.DryRun = &dryRun
			}
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				opts.UserID = viper.GetString("actor-id")
				exec, err := w.Engine.Run(ctx, opts)
				if ae, ok := engine.AsAdmission(err); ok && ae.Retryable() {
					fmt.Printf("Task %s deferred (%s): %s\n", ae.TaskID, ae.Kind, ae.Reason)
					return nil
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(exec)
				}
				fmt.Printf("Execution %s %s\n", exec.ID, exec.Status)
				if exec.ErrorMessage != "" {
					fmt.Println("error:", exec.ErrorMessage)
				}
				if exec.OutputContent != "" {
					fmt.Println(exec.OutputContent)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "agent id (default assignee)")
	cmd.Flags().StringVar(&opts.SkillID, "skill", "", "skill id")
	cmd.Flags().StringVar(&opts.AdditionalContext, "context", "", "additional context for the agent")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "disable tool use for this run")
	cmd.Flags().StringVar(&opts.PatternKey, "pattern", "", "pattern key to record the outcome under")
	return cmd
}

func runReadyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "run-ready",
		Short: "Run every pending or queued task that can start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				rep, err := w.Engine.RunReady(ctx, acct, viper.GetString("actor-id"), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := newTable(table.Row{"Task", "Agent", "Execution", "Status", "Reason"})
				for _, it := range rep.Items {
					tw.AppendRow(table.Row{it.TaskID, it.AgentID, it.ExecutionID, it.Status, it.Reason})
				}
				tw.AppendFooter(table.Row{"", "", "", fmt.Sprintf("started %d", rep.Started), fmt.Sprintf("deferred %d, skipped %d, errors %d", rep.Deferred, rep.Skipped, rep.Errors)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max tasks to consider (default 20)")
	return cmd
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <execution-id>",
		Short: "Approve an execution held for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				exec, err := w.Engine.Approve(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(exec, fmt.Sprintf("Execution %s %s", exec.ID, exec.Status))
			})
		},
	}
}

func rejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <execution-id>",
		Short: "Reject an execution held for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				exec, err := w.Engine.Reject(ctx, args[0], viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrText(exec, fmt.Sprintf("Execution %s %s", exec.ID, exec.Status))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the output was rejected")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task and its running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				t, err := w.Engine.Cancel(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrText(t, fmt.Sprintf("Task %s %s", t.ID, t.Status))
			})
		},
	}
}

func execCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exec", Short: "Inspect executions"}
	var f repo.ExecutionFilters
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				f.AccountID = acct
				if status != "" {
					f.Statuses = strings.Split(status, ",")
				}
				items, err := w.Engine.Repo.ListExecutions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Task", "Agent", "Status", "Approval", "Completed"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TaskID, e.AgentID, e.Status, e.RequiresApproval, deref(e.CompletedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	list.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	list.Flags().StringVar(&status, "status", "", "status filter (comma separated)")
	list.Flags().IntVar(&f.Limit, "limit", 0, "max executions")
	show := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution with its attachments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				e, err := w.Engine.Repo.GetExecution(ctx, nil, args[0])
				if err != nil {
					return err
				}
				atts, err := w.Engine.Repo.ListAttachments(ctx, e.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"execution": e, "attachments": atts})
			})
		},
	}
	active := &cobra.Command{
		Use:   "active",
		Short: "List executions still marked running",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				items, err := w.Engine.Repo.ListExecutions(ctx, repo.ExecutionFilters{AccountID: acct, Statuses: []string{domain.ExecRunning}})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	ex.AddCommand(list, show, active)
	return ex
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Guardrail configuration and trustloop.yml"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configSetCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	var file bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the account's guardrail config (or trustloop.yml with --file)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file {
				cfg, err := config.LoadOptional(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				return printJSON(cfg)
			}
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				guard, err := w.Engine.Guardrails.Get(ctx, acct)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(guard)
				}
				tw := newTable(table.Row{"Category", "Trust"})
				for _, cat := range domain.Categories {
					tw.AppendRow(table.Row{cat, guard.Trust.Level(cat)})
				}
				tw.AppendFooter(table.Row{"orchestrator", guard.OrchestratorAgentID})
				tw.Render()
				fmt.Printf("dry_run_default=%t auto_route_root_tasks=%t\n", guard.DryRunDefault, guard.AutoRouteRootTasks)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&file, "file", false, "show the workspace config file instead")
	return cmd
}

func configSetCmd() *cobra.Command {
	var trust map[string]int
	var orchestrator string
	var dryRun, autoRoute bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change trust levels or orchestrator settings",
		Example: `  trustloop config set --account acme --trust spending=3 --trust content_publishing=2
  trustloop config set --account acme --orchestrator agent-1 --auto-route`,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := guardrail.Patch{Trust: trust}
			if cmd.Flags().Changed("orchestrator") {
				p.OrchestratorAgentID = &orchestrator
			}
			if cmd.Flags().Changed("dry-run") {
				p.DryRunDefault = &dryRun
			}
			if cmd.Flags().Changed("auto-route") {
				p.AutoRouteRootTasks = &autoRoute
			}
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				res, err := w.Engine.Guardrails.Update(ctx, acct, p, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, c := range res.Changes {
					fmt.Printf("%s: %d -> %d\n", c.Category, c.From, c.To)
				}
				if res.AuditGaps > 0 {
					fmt.Printf("warning: %d trust change(s) could not be audited\n", res.AuditGaps)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringToIntVar(&trust, "trust", nil, "category=level (repeatable)")
	cmd.Flags().StringVar(&orchestrator, "orchestrator", "", "orchestrator agent id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "default runs to dry-run")
	cmd.Flags().BoolVar(&autoRoute, "auto-route", false, "route unassigned root tasks to the orchestrator")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate trustloop.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	}
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{Use: "audit", Short: "Guardrail audit log"}
	var q guardrail.AuditQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				q.AccountID = acct
				page, err := w.Engine.Guardrails.ListAudit(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable(table.Row{"When", "Category", "Decision", "By", "Trust", "Action"})
				for _, e := range page.Items {
					tw.AppendRow(table.Row{e.CreatedAt, e.Category, e.Decision, e.DecidedBy + ":" + e.ActorID,
						fmt.Sprintf("%d/%d", e.TrustLevelCurrent, e.TrustLevelRequired), e.Action})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Println("next cursor:", page.NextCursor)
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&q.Category, "category", "", "category filter")
	list.Flags().StringVar(&q.Decision, "decision", "", "decision filter (approved|escalated|rejected)")
	list.Flags().IntVar(&q.Limit, "limit", 0, "page size")
	list.Flags().StringVar(&q.Cursor, "cursor", "", "cursor from a previous page")
	audit.AddCommand(list)
	return audit
}

func channelCmd() *cobra.Command {
	ch := &cobra.Command{Use: "channel", Short: "Notification channels"}
	var c domain.NotificationChannel
	var disabled bool
	add := &cobra.Command{
		Use:   "add",
		Short: "Register a notification channel",
		Example: `  trustloop channel add --account acme --type webhook --config '{"url":"https://example.com/hook"}'
  trustloop channel add --account acme --type in_app --event execution.awaiting_approval`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.ConfigJSON != "" && !json.Valid([]byte(c.ConfigJSON)) {
				return fmt.Errorf("--config must be a JSON object")
			}
			c.Enabled = !disabled
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				c.AccountID = acct
				saved, err := w.Dispatcher().AddChannel(ctx, c)
				if err != nil {
					return err
				}
				return printJSONOrText(saved, fmt.Sprintf("Added %s channel %s", saved.Type, saved.ID))
			})
		},
	}
	add.Flags().StringVar(&c.ID, "id", "", "channel id (default generated)")
	add.Flags().StringVar(&c.Type, "type", "", "channel type (email|chat_webhook|bot_api|webhook|in_app)")
	add.Flags().StringVar(&c.Name, "name", "", "channel name")
	add.Flags().StringVar(&c.ConfigJSON, "config", "", "channel config as JSON")
	add.Flags().StringSliceVar(&c.Events, "event", nil, "subscribed event type (repeatable, default all)")
	add.Flags().BoolVar(&disabled, "disabled", false, "register without enabling")
	_ = add.MarkFlagRequired("type")
	list := &cobra.Command{
		Use:   "list",
		Short: "List notification channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				items, err := w.Engine.Repo.ListChannels(ctx, acct, false)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Type", "Name", "Enabled", "Events", "Sent"})
				for _, c := range items {
					events := "*"
					if len(c.Events) > 0 {
						events = strings.Join(c.Events, ",")
					}
					tw.AppendRow(table.Row{c.ID, c.Type, c.Name, c.Enabled, events, c.SendCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	ch.AddCommand(add, list)
	return ch
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Notification queue"}
	dispatch := &cobra.Command{
		Use:   "dispatch",
		Short: "Deliver one batch of due notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				res, err := w.Dispatcher().ProcessBatch(ctx)
				if err != nil {
					return err
				}
				return printJSONOrText(res, fmt.Sprintf("claimed %d, sent %d, retried %d, failed %d, reclaimed %d",
					res.Claimed, res.Sent, res.Retried, res.Failed, res.Reclaimed))
			})
		},
	}
	var f repo.NotificationFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				f.AccountID = acct
				items, err := w.Engine.Repo.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Event", "Channel", "Status", "Attempts", "Next", "Error"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.EventType, n.ChannelID, n.Status, fmt.Sprintf("%d/%d", n.Attempts, n.MaxAttempts), n.NextAttemptAt, n.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().IntVar(&f.Limit, "limit", 0, "max notifications")
	var unread bool
	inbox := &cobra.Command{
		Use:   "inbox",
		Short: "Show in-app notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				items, err := w.Engine.Repo.ListInbox(ctx, acct, unread, 50)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	inbox.Flags().BoolVar(&unread, "unread", false, "only unread messages")
	read := &cobra.Command{
		Use:   "read <message-id>",
		Short: "Mark an in-app notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				return w.Engine.Repo.MarkInboxRead(ctx, args[0], time.Now().UTC().Format(time.RFC3339))
			})
		},
	}
	n.AddCommand(dispatch, list, inbox, read)
	return n
}

func patternCmd() *cobra.Command {
	p := &cobra.Command{Use: "pattern", Short: "Self-annealing pattern statistics"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List pattern success and failure counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAccount(cmd.Context(), func(ctx context.Context, w *app.Workspace, acct string) error {
				items, err := w.Engine.Repo.ListPatternStats(ctx, acct)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Pattern", "Success", "Failure", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.PatternKey, s.SuccessCount, s.FailureCount, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	p.AddCommand(list)
	return p
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Rebuild admission state from running executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				rep, err := w.Engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSONOrText(rep, fmt.Sprintf("%s admission: %d running across %d agents", rep.Mode, rep.Running, rep.Agents))
			})
		},
	}
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "api-key", Short: "API keys for the HTTP server"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			secret := "tl_" + hex.EncodeToString(buf)
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				key := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := w.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": key.ActorID, "key": secret})
				}
				fmt.Printf("Created key %s for %s\n%s\n", key.ID, key.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default --actor-id)")
	create.Flags().StringVar(&name, "name", "", "label")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				keys, err := w.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				tw := newTable(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "actor filter")
	revoke := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				return w.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	k.AddCommand(create, list, revoke)
	return k
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(cmd.Context(), func(ctx context.Context, w *app.Workspace) error {
				f.AccountID = viper.GetString("account")
				events, err := w.Engine.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func withWorkspace(ctx context.Context, fn func(context.Context, *app.Workspace) error) error {
	w, err := app.Open(ctx, viper.GetString("workspace"), os.Stderr)
	if err != nil {
		return err
	}
	defer w.Close()
	return fn(ctx, w)
}

// withAccount opens the workspace and seeds the --account guardrail row.
func withAccount(ctx context.Context, fn func(context.Context, *app.Workspace, string) error) error {
	return withWorkspace(ctx, func(ctx context.Context, w *app.Workspace) error {
		acct := strings.TrimSpace(viper.GetString("account"))
		if _, err := w.Account(ctx, acct); err != nil {
			return err
		}
		return fn(ctx, w, acct)
	})
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSONOrText(v any, text string) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(text)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
