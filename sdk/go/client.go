package trustloopsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal trustloop HTTP API client scoped to one account.
type Client struct {
	BaseURL     string
	AccountID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Runs block until the agent
// answers, so the default timeout is generous.
func New(baseURL, accountID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		AccountID: accountID,
		Timeout:   5 * time.Minute,
	}
}

// Agent represents the API agent model (partial).
type Agent struct {
	ID                  string `json:"id"`
	AccountID           string `json:"account_id"`
	Name                string `json:"name"`
	Role                string `json:"role,omitempty"`
	IsActive            bool   `json:"is_active"`
	HealthStatus        string `json:"health_status"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
}

// Task represents the API task model (partial).
type Task struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	ParentID     *string        `json:"parent_id,omitempty"`
	Title        string         `json:"title"`
	Status       string         `json:"status"`
	AssignedTo   *string        `json:"assigned_to,omitempty"`
	BlockedCount int            `json:"blocked_count"`
	Output       map[string]any `json:"output,omitempty"`
}

// Execution is one agent run of a task.
type Execution struct {
	ID               string  `json:"id"`
	TaskID           string  `json:"task_id"`
	AgentID          string  `json:"agent_id"`
	Status           string  `json:"status"`
	OutputContent    string  `json:"output_content,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	RequiresApproval bool    `json:"requires_approval"`
	ApprovedBy       *string `json:"approved_by,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	AccountID  string         `json:"account_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// TaskInput holds the fields for CreateTask.
type TaskInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Category    string   `json:"category,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	AssignedTo  string   `json:"assigned_to,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// RunInput holds optional overrides for RunTask.
type RunInput struct {
	AgentID           string `json:"agent_id,omitempty"`
	SkillID           string `json:"skill_id,omitempty"`
	AdditionalContext string `json:"additional_context,omitempty"`
	DryRun            *bool  `json:"dry_run,omitempty"`
	PatternKey        string `json:"pattern_key,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsQueued reports whether err is an admission denial the server will retry.
func IsQueued(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "queued_will_retry"
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateAgent registers an agent persona.
func (c *Client) CreateAgent(ctx context.Context, name, role string, capabilities []string) (Agent, error) {
	body := map[string]any{
		"name":         name,
		"role":         role,
		"capabilities": capabilities,
	}
	var resp Agent
	err := c.do(ctx, http.MethodPost, c.accountPath("agents"), body, &resp)
	return resp, err
}

// CreateTask creates a task.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.accountPath("tasks"), in, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v1/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RunTask executes a task and waits for the agent. Use IsQueued on the error
// to tell a deferred run from a failure.
func (c *Client) RunTask(ctx context.Context, taskID string, in RunInput) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/tasks/%s/run", url.PathEscape(taskID)), in, &resp)
	return resp, err
}

// CancelTask cancels a task and its running execution.
func (c *Client) CancelTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/tasks/%s/cancel", url.PathEscape(taskID)), nil, &resp)
	return resp, err
}

// Approve releases an execution held for review.
func (c *Client) Approve(ctx context.Context, executionID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/executions/%s/approve", url.PathEscape(executionID)), nil, &resp)
	return resp, err
}

// Reject fails an execution held for review.
func (c *Client) Reject(ctx context.Context, executionID, reason string) (Execution, error) {
	var resp Execution
	body := map[string]any{"reason": reason}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v1/executions/%s/reject", url.PathEscape(executionID)), body, &resp)
	return resp, err
}

// SetTrust changes trust levels for the account's guardrail categories.
func (c *Client) SetTrust(ctx context.Context, levels map[string]int) error {
	return c.do(ctx, http.MethodPatch, c.accountPath("config"), map[string]any{"trust": levels}, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.accountPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
	}
	return apiErr
}

func (c *Client) accountPath(p string) string {
	account := url.PathEscape(c.AccountID)
	return fmt.Sprintf("v1/accounts/%s/%s", account, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
