package domain

import "slices"

const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthFailing  = "failing"
)

type Agent struct {
	ID                         string   `json:"id"`
	AccountID                  string   `json:"account_id"`
	Name                       string   `json:"name"`
	Role                       string   `json:"role,omitempty"`
	Capabilities               []string `json:"capabilities"`
	Restrictions               []string `json:"restrictions"`
	AutonomyLevel              int      `json:"autonomy_level"`
	RequiresApprovalCategories []string `json:"requires_approval_categories"`
	IsActive                   bool     `json:"is_active"`
	PausedAt                   *string  `json:"paused_at,omitempty" format:"date-time"`
	ConsecutiveFailures        int      `json:"consecutive_failures"`
	MaxConsecutiveFailures     int      `json:"max_consecutive_failures"`
	HealthStatus               string   `json:"health_status" enum:"healthy,degraded,failing"`
	MaxActionsPerHour          *int     `json:"max_actions_per_hour,omitempty"`
	MaxConcurrentTasks         *int     `json:"max_concurrent_tasks,omitempty"`
	MaxCostPerAction           *float64 `json:"max_cost_per_action,omitempty"`
	Version                    int      `json:"version"`
	CreatedAt                  string   `json:"created_at" format:"date-time"`
	UpdatedAt                  string   `json:"updated_at" format:"date-time"`
}

// IsReviewer reports whether the agent does QA/review work. Review output
// always goes back to a human before a task is final.
func (a Agent) IsReviewer() bool {
	switch a.Role {
	case "qa", "review", "reviewer":
		return true
	}
	return slices.Contains(a.Capabilities, "qa") || slices.Contains(a.Capabilities, "review")
}

// RequiresApprovalFor reports whether the agent is configured to wait for a
// human on the given guardrail category.
func (a Agent) RequiresApprovalFor(category string) bool {
	return slices.Contains(a.RequiresApprovalCategories, category)
}

const (
	TaskDraft      = "draft"
	TaskPending    = "pending"
	TaskQueued     = "queued"
	TaskInProgress = "in_progress"
	TaskReview     = "review"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

type Task struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	ParentID       *string        `json:"parent_id,omitempty"`
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Category       string         `json:"category,omitempty"`
	Status         string         `json:"status" enum:"draft,pending,queued,in_progress,review,completed,failed,cancelled"`
	Priority       *int           `json:"priority,omitempty"`
	AssignedTo     *string        `json:"assigned_to,omitempty"`
	AssignedToType string         `json:"assigned_to_type,omitempty" enum:"agent,user,"`
	OutputJSON     *string        `json:"output_json,omitempty"`
	BlockedCount   int            `json:"blocked_count"`
	StatusHistory  []StatusChange `json:"status_history,omitempty"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	CompletedAt    *string        `json:"completed_at,omitempty" format:"date-time"`
	DeletedAt      *string        `json:"deleted_at,omitempty" format:"date-time"`
}

// Resolved reports whether the task no longer holds up its dependents.
func (t Task) Resolved() bool {
	return t.Status == TaskCompleted || t.Status == TaskCancelled
}

type StatusChange struct {
	From      string `json:"from"`
	To        string `json:"to"`
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type" enum:"human,agent,system"`
	TS        string `json:"ts" format:"date-time"`
}

const (
	DepFinishToStart  = "FS"
	DepStartToStart   = "SS"
	DepFinishToFinish = "FF"
	DepStartToFinish  = "SF"
)

type TaskDependency struct {
	TaskID          string `json:"task_id"`
	DependsOnTaskID string `json:"depends_on_task_id"`
	Type            string `json:"type" enum:"FS,SS,FF,SF"`
	LagDays         int    `json:"lag_days"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Skill struct {
	ID           string `json:"id"`
	AccountID    string `json:"account_id"`
	Name         string `json:"name"`
	Instructions string `json:"instructions,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

const (
	ExecPending          = "pending"
	ExecRunning          = "running"
	ExecCompleted        = "completed"
	ExecFailed           = "failed"
	ExecCancelled        = "cancelled"
	ExecAwaitingApproval = "awaiting_approval"
)

type Execution struct {
	ID               string          `json:"id"`
	TaskID           string          `json:"task_id"`
	AgentID          string          `json:"agent_id"`
	AccountID        string          `json:"account_id"`
	SkillID          *string         `json:"skill_id,omitempty"`
	UserID           string          `json:"user_id,omitempty"`
	Status           string          `json:"status" enum:"pending,running,completed,failed,cancelled,awaiting_approval"`
	InputContextJSON string          `json:"input_context_json,omitempty"`
	OutputContent    string          `json:"output_content,omitempty"`
	OutputMetadata   *OutputMetadata `json:"output_metadata,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	ApprovedBy       *string         `json:"approved_by,omitempty"`
	ApprovedAt       *string         `json:"approved_at,omitempty" format:"date-time"`
	StartedAt        *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt      *string         `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt        string          `json:"created_at" format:"date-time"`
}

// Terminal reports whether the execution has reached a final status.
func (e Execution) Terminal() bool {
	return e.Status == ExecCompleted || e.Status == ExecFailed || e.Status == ExecCancelled
}

type OutputMetadata struct {
	Model        string     `json:"model,omitempty"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	DurationMs   int64      `json:"duration_ms"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

type ToolCall struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

type Attachment struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	Filename    string `json:"filename"`
	Language    string `json:"language,omitempty"`
	Content     string `json:"content"`
	SizeBytes   int    `json:"size_bytes"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Guardrail categories, one trust level each.
const (
	CategoryTaskExecution     = "task_execution"
	CategoryDecomposition     = "decomposition"
	CategorySkillCreation     = "skill_creation"
	CategoryToolUsage         = "tool_usage"
	CategoryContentPublishing = "content_publishing"
	CategoryExternalActions   = "external_actions"
	CategorySpending          = "spending"
	CategoryAgentCreation     = "agent_creation"
)

// Categories lists every guardrail category in a stable order.
var Categories = []string{
	CategoryTaskExecution,
	CategoryDecomposition,
	CategorySkillCreation,
	CategoryToolUsage,
	CategoryContentPublishing,
	CategoryExternalActions,
	CategorySpending,
	CategoryAgentCreation,
}

func IsCategory(c string) bool {
	return slices.Contains(Categories, c)
}

type TrustLevels struct {
	TaskExecution     int `json:"task_execution" yaml:"task_execution" validate:"gte=0,lte=4"`
	Decomposition     int `json:"decomposition" yaml:"decomposition" validate:"gte=0,lte=4"`
	SkillCreation     int `json:"skill_creation" yaml:"skill_creation" validate:"gte=0,lte=4"`
	ToolUsage         int `json:"tool_usage" yaml:"tool_usage" validate:"gte=0,lte=4"`
	ContentPublishing int `json:"content_publishing" yaml:"content_publishing" validate:"gte=0,lte=4"`
	ExternalActions   int `json:"external_actions" yaml:"external_actions" validate:"gte=0,lte=4"`
	Spending          int `json:"spending" yaml:"spending" validate:"gte=0,lte=4"`
	AgentCreation     int `json:"agent_creation" yaml:"agent_creation" validate:"gte=0,lte=4"`
}

func (t *TrustLevels) field(category string) *int {
	switch category {
	case CategoryTaskExecution:
		return &t.TaskExecution
	case CategoryDecomposition:
		return &t.Decomposition
	case CategorySkillCreation:
		return &t.SkillCreation
	case CategoryToolUsage:
		return &t.ToolUsage
	case CategoryContentPublishing:
		return &t.ContentPublishing
	case CategoryExternalActions:
		return &t.ExternalActions
	case CategorySpending:
		return &t.Spending
	case CategoryAgentCreation:
		return &t.AgentCreation
	}
	return nil
}

// Level returns the trust level for a category, or -1 when unknown.
func (t TrustLevels) Level(category string) int {
	if p := t.field(category); p != nil {
		return *p
	}
	return -1
}

// Set assigns a level and reports whether the category exists.
func (t *TrustLevels) Set(category string, level int) bool {
	p := t.field(category)
	if p == nil {
		return false
	}
	*p = level
	return true
}

type OrchestratorConfig struct {
	AccountID           string      `json:"account_id"`
	OrchestratorAgentID string      `json:"orchestrator_agent_id,omitempty"`
	Trust               TrustLevels `json:"trust"`
	DryRunDefault       bool        `json:"dry_run_default"`
	AutoRouteRootTasks  bool        `json:"auto_route_root_tasks"`
	CreatedAt           string      `json:"created_at" format:"date-time"`
	UpdatedAt           string      `json:"updated_at" format:"date-time"`
}

const (
	DecisionApproved  = "approved"
	DecisionEscalated = "escalated"
	DecisionRejected  = "rejected"

	DecidedByHuman  = "human"
	DecidedByAgent  = "agent"
	DecidedBySystem = "system"
)

type GuardrailAuditEntry struct {
	ID                 string `json:"id"`
	AccountID          string `json:"account_id"`
	Category           string `json:"category"`
	Action             string `json:"action"`
	Decision           string `json:"decision" enum:"approved,escalated,rejected"`
	DecidedBy          string `json:"decided_by" enum:"human,agent,system"`
	ActorID            string `json:"actor_id,omitempty"`
	TrustLevelRequired int    `json:"trust_level_required"`
	TrustLevelCurrent  int    `json:"trust_level_current"`
	Rationale          string `json:"rationale,omitempty"`
	MetadataJSON       string `json:"metadata_json,omitempty"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

const (
	ChannelEmail       = "email"
	ChannelChatWebhook = "chat_webhook"
	ChannelBotAPI      = "bot_api"
	ChannelWebhook     = "webhook"
	ChannelInApp       = "in_app"
)

type NotificationChannel struct {
	ID         string   `json:"id"`
	AccountID  string   `json:"account_id"`
	Type       string   `json:"type" enum:"email,chat_webhook,bot_api,webhook,in_app"`
	Name       string   `json:"name"`
	ConfigJSON string   `json:"config_json,omitempty"`
	Events     []string `json:"events,omitempty"`
	Enabled    bool     `json:"enabled"`
	SendCount  int      `json:"send_count"`
	LastSentAt *string  `json:"last_sent_at,omitempty" format:"date-time"`
	CreatedAt  string   `json:"created_at" format:"date-time"`
}

// Subscribed reports whether the channel wants events of the given type.
// An empty subscription list is a wildcard.
func (c NotificationChannel) Subscribed(eventType string) bool {
	return len(c.Events) == 0 || slices.Contains(c.Events, eventType)
}

const (
	NotificationPending = "pending"
	NotificationSending = "sending"
	NotificationSent    = "sent"
	NotificationFailed  = "failed"
)

type Notification struct {
	ID            string  `json:"id"`
	AccountID     string  `json:"account_id"`
	ChannelID     string  `json:"channel_id"`
	EventType     string  `json:"event_type"`
	Subject       string  `json:"subject"`
	Body          string  `json:"body"`
	ContextJSON   string  `json:"context_json,omitempty"`
	Status        string  `json:"status" enum:"pending,sending,sent,failed"`
	Attempts      int     `json:"attempts"`
	MaxAttempts   int     `json:"max_attempts"`
	NextAttemptAt string  `json:"next_attempt_at" format:"date-time"`
	LastError     string  `json:"last_error,omitempty"`
	ExternalID    *string `json:"external_id,omitempty"`
	SentAt        *string `json:"sent_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type InboxMessage struct {
	ID        string  `json:"id"`
	AccountID string  `json:"account_id"`
	UserID    string  `json:"user_id,omitempty"`
	Subject   string  `json:"subject"`
	Body      string  `json:"body"`
	ReadAt    *string `json:"read_at,omitempty" format:"date-time"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AccountID  string `json:"account_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
