package server

import (
	"encoding/json"

	"trustloop/internal/domain"
)

// Request payloads

type CreateAgentRequest struct {
	ID                         *string  `json:"id,omitempty"`
	Name                       string   `json:"name"`
	Role                       string   `json:"role,omitempty"`
	Capabilities               []string `json:"capabilities,omitempty"`
	Restrictions               []string `json:"restrictions,omitempty"`
	AutonomyLevel              int      `json:"autonomy_level,omitempty" minimum:"0" maximum:"4"`
	RequiresApprovalCategories []string `json:"requires_approval_categories,omitempty"`
	MaxConsecutiveFailures     int      `json:"max_consecutive_failures,omitempty" minimum:"0"`
	MaxActionsPerHour          *int     `json:"max_actions_per_hour,omitempty"`
	MaxConcurrentTasks         *int     `json:"max_concurrent_tasks,omitempty"`
	MaxCostPerAction           *float64 `json:"max_cost_per_action,omitempty"`
}

type SetAgentActiveRequest struct {
	Active bool `json:"active"`
}

type CreateTaskRequest struct {
	ID             *string  `json:"id,omitempty"`
	ParentID       *string  `json:"parent_id,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Category       string   `json:"category,omitempty"`
	Priority       *int     `json:"priority,omitempty"`
	AssignedTo     *string  `json:"assigned_to,omitempty"`
	AssignedToType string   `json:"assigned_to_type,omitempty" enum:"agent,user"`
	Draft          bool     `json:"draft,omitempty"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

type SetTaskStatusRequest struct {
	Status string `json:"status" enum:"draft,pending,queued,in_progress,review,completed,failed,cancelled"`
}

type AddDependencyRequest struct {
	DependsOn string `json:"depends_on_task_id"`
	Type      string `json:"type,omitempty" enum:"FS,SS,FF,SF"`
	LagDays   int    `json:"lag_days,omitempty" minimum:"0"`
}

type RunTaskRequest struct {
	AgentID           string `json:"agent_id,omitempty"`
	SkillID           string `json:"skill_id,omitempty"`
	AdditionalContext string `json:"additional_context,omitempty"`
	DryRun            *bool  `json:"dry_run,omitempty"`
	PatternKey        string `json:"pattern_key,omitempty"`
}

type RunReadyRequest struct {
	Limit int `json:"limit,omitempty" minimum:"0" maximum:"200"`
}

type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

type UpdateConfigRequest struct {
	Trust               map[string]int `json:"trust,omitempty"`
	OrchestratorAgentID *string        `json:"orchestrator_agent_id,omitempty"`
	DryRunDefault       *bool          `json:"dry_run_default,omitempty"`
	AutoRouteRootTasks  *bool          `json:"auto_route_root_tasks,omitempty"`
}

type CreateChannelRequest struct {
	ID      *string        `json:"id,omitempty"`
	Type    string         `json:"type" enum:"email,chat_webhook,bot_api,webhook,in_app"`
	Name    string         `json:"name,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
	Events  []string       `json:"events,omitempty"`
	Enabled *bool          `json:"enabled,omitempty"`
}

// Response payloads

type TaskResponse struct {
	ID             string                `json:"id"`
	AccountID      string                `json:"account_id"`
	ParentID       *string               `json:"parent_id,omitempty"`
	Title          string                `json:"title"`
	Description    string                `json:"description,omitempty"`
	Category       string                `json:"category,omitempty"`
	Status         string                `json:"status" enum:"draft,pending,queued,in_progress,review,completed,failed,cancelled"`
	Priority       *int                  `json:"priority,omitempty"`
	AssignedTo     *string               `json:"assigned_to,omitempty"`
	AssignedToType string                `json:"assigned_to_type,omitempty"`
	Output         map[string]any        `json:"output,omitempty"`
	BlockedCount   int                   `json:"blocked_count"`
	StatusHistory  []domain.StatusChange `json:"status_history,omitempty"`
	CreatedAt      string                `json:"created_at" format:"date-time"`
	UpdatedAt      string                `json:"updated_at" format:"date-time"`
	CompletedAt    *string               `json:"completed_at,omitempty" format:"date-time"`
	DeletedAt      *string               `json:"deleted_at,omitempty" format:"date-time"`
}

type ExecutionResponse struct {
	Execution   domain.Execution    `json:"execution"`
	Attachments []domain.Attachment `json:"attachments"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	AccountID  string         `json:"account_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type AdmissionResponse struct {
	AgentID        string   `json:"agent_id"`
	Allowed        bool     `json:"allowed"`
	Kind           string   `json:"kind,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	RunningCount   int      `json:"running_count"`
	RunningTaskIDs []string `json:"running_task_ids"`
	HourlyCount    int      `json:"hourly_count"`
	WindowStart    string   `json:"window_start" format:"date-time"`
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:             t.ID,
		AccountID:      t.AccountID,
		ParentID:       t.ParentID,
		Title:          t.Title,
		Description:    t.Description,
		Category:       t.Category,
		Status:         t.Status,
		Priority:       t.Priority,
		AssignedTo:     t.AssignedTo,
		AssignedToType: t.AssignedToType,
		Output:         decodeJSONMap(t.OutputJSON),
		BlockedCount:   t.BlockedCount,
		StatusHistory:  t.StatusHistory,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		CompletedAt:    t.CompletedAt,
		DeletedAt:      t.DeletedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		AccountID:  e.AccountID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(&e.Payload),
	}
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(*raw), &out); err != nil {
		return map[string]any{"raw": *raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
