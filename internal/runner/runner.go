// Package runner is the boundary to the agent runtime that actually performs
// a task. The orchestrator treats it as opaque: a request goes in, a
// success flag, content and usage metadata come out.
package runner

import (
	"context"
	"errors"

	"trustloop/internal/config"
	"trustloop/internal/domain"
)

// ErrNotConfigured is returned by FromConfig when no runner endpoint is set.
var ErrNotConfigured = errors.New("runner base_url not configured")

type Request struct {
	Task              domain.Task     `json:"task"`
	Agent             domain.Agent    `json:"agent"`
	Skill             *domain.Skill   `json:"skill,omitempty"`
	AdditionalContext string          `json:"additional_context,omitempty"`
	AccountID         string          `json:"account_id"`
	UserID            string          `json:"user_id"`
	EnableTools       bool            `json:"enable_tools"`
	Siblings          []SiblingOutput `json:"siblings,omitempty"`
}

// SiblingOutput is the finished work of another subtask under the same parent.
type SiblingOutput struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title"`
	Output string `json:"output"`
}

type Metadata struct {
	Model        string            `json:"model,omitempty"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	DurationMs   int64             `json:"duration_ms"`
	ToolsUsed    []domain.ToolCall `json:"tools_used,omitempty"`
}

type Result struct {
	Success  bool     `json:"success"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
	Error    string   `json:"error,omitempty"`
}

// Runner executes one task on behalf of an agent. A returned error means the
// call itself broke; a task the agent could not do comes back as
// Result{Success: false}.
type Runner interface {
	ExecuteTask(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) ExecuteTask(ctx context.Context, req Request) (Result, error) { return f(ctx, req) }

// FromConfig returns the HTTP runner described by cfg.
func FromConfig(cfg config.Runner) (Runner, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	return NewHTTP(cfg.BaseURL, cfg.APIKey, cfg.Timeout), nil
}
