// Package guardrail stores per-account trust levels and the append-only
// audit trail of decisions made against them.
package guardrail

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"trustloop/internal/domain"
	"trustloop/internal/events"
	"trustloop/internal/metrics"
	"trustloop/internal/repo"
)

// MaxTrustLevel is the top of the trust scale; 0 is the bottom.
const MaxTrustLevel = 4

// AuditWriter persists audit rows. Repo satisfies it.
type AuditWriter interface {
	InsertAuditEntry(ctx context.Context, tx *sql.Tx, e domain.GuardrailAuditEntry) error
}

type Store struct {
	Repo     repo.Repo
	Audit    AuditWriter
	Events   events.Writer
	Defaults domain.TrustLevels
	Now      func() time.Time
	Logger   *slog.Logger
}

func New(r repo.Repo, defaults domain.TrustLevels) Store {
	return Store{Repo: r, Audit: r, Defaults: defaults, Now: time.Now, Logger: slog.Default()}
}

func (s Store) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

func (s Store) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s Store) audit() AuditWriter {
	if s.Audit == nil {
		return s.Repo
	}
	return s.Audit
}

// Get returns the account's config or repo.ErrNotFound.
func (s Store) Get(ctx context.Context, accountID string) (domain.OrchestratorConfig, error) {
	return s.Repo.GetOrchestratorConfig(ctx, nil, accountID)
}

// Create seeds an account with the default trust levels.
func (s Store) Create(ctx context.Context, accountID, orchestratorAgentID string) (domain.OrchestratorConfig, error) {
	if accountID == "" {
		return domain.OrchestratorConfig{}, errors.New("account id required")
	}
	if err := validateLevels(s.Defaults); err != nil {
		return domain.OrchestratorConfig{}, fmt.Errorf("default trust levels: %w", err)
	}
	now := s.now()
	cfg := domain.OrchestratorConfig{
		AccountID:           accountID,
		OrchestratorAgentID: orchestratorAgentID,
		Trust:               s.Defaults,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	err := s.Repo.InTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertOrchestratorConfig(ctx, tx, cfg); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.GuardrailConfigCreated, accountID, "orchestrator_config", accountID, "", events.EventPayload{
			"trust": cfg.Trust, "orchestrator_agent_id": orchestratorAgentID,
		})
	})
	return cfg, err
}

// Ensure returns the account's config, creating it with defaults when missing.
func (s Store) Ensure(ctx context.Context, accountID string) (domain.OrchestratorConfig, error) {
	cfg, err := s.Get(ctx, accountID)
	if !errors.Is(err, repo.ErrNotFound) {
		return cfg, err
	}
	cfg, err = s.Create(ctx, accountID, "")
	if errors.Is(err, repo.ErrConflict) {
		return s.Get(ctx, accountID)
	}
	return cfg, err
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Trust               map[string]int `json:"trust,omitempty"`
	OrchestratorAgentID *string        `json:"orchestrator_agent_id,omitempty"`
	DryRunDefault       *bool          `json:"dry_run_default,omitempty"`
	AutoRouteRootTasks  *bool          `json:"auto_route_root_tasks,omitempty"`
}

type TrustChange struct {
	Category string `json:"category"`
	From     int    `json:"from"`
	To       int    `json:"to"`
}

type UpdateResult struct {
	Config  domain.OrchestratorConfig    `json:"config"`
	Changes []TrustChange                `json:"changes"`
	Audit   []domain.GuardrailAuditEntry `json:"audit"`
	// AuditGaps counts trust changes whose audit row could not be written.
	AuditGaps int `json:"audit_gaps"`
}

// Update applies a patch. The config row and a config_updated event carrying
// the trust diff commit together; one audit row per changed trust level is
// written afterwards, and a failed audit write never undoes the change.
func (s Store) Update(ctx context.Context, accountID string, p Patch, actorID string) (UpdateResult, error) {
	for cat, lvl := range p.Trust {
		if !domain.IsCategory(cat) {
			return UpdateResult{}, fmt.Errorf("unknown guardrail category %q", cat)
		}
		if lvl < 0 || lvl > MaxTrustLevel {
			return UpdateResult{}, fmt.Errorf("trust level for %s must be between 0 and %d", cat, MaxTrustLevel)
		}
	}
	var res UpdateResult
	err := s.Repo.InTx(ctx, func(tx *sql.Tx) error {
		prev, err := s.Repo.GetOrchestratorConfig(ctx, tx, accountID)
		if err != nil {
			return err
		}
		next := prev
		res.Changes = res.Changes[:0]
		for _, cat := range domain.Categories {
			lvl, ok := p.Trust[cat]
			if !ok {
				continue
			}
			if old := prev.Trust.Level(cat); old != lvl {
				next.Trust.Set(cat, lvl)
				res.Changes = append(res.Changes, TrustChange{Category: cat, From: old, To: lvl})
			}
		}
		if p.OrchestratorAgentID != nil {
			next.OrchestratorAgentID = *p.OrchestratorAgentID
		}
		if p.DryRunDefault != nil {
			next.DryRunDefault = *p.DryRunDefault
		}
		if p.AutoRouteRootTasks != nil {
			next.AutoRouteRootTasks = *p.AutoRouteRootTasks
		}
		next.UpdatedAt = s.now()
		if err := s.Repo.UpdateOrchestratorConfig(ctx, tx, next, prev.UpdatedAt); err != nil {
			return err
		}
		res.Config = next
		return s.Events.Append(ctx, tx, events.GuardrailConfigUpdated, accountID, "orchestrator_config", accountID, actorID, events.EventPayload{
			"changes": res.Changes,
		})
	})
	if err != nil {
		return UpdateResult{}, err
	}
	res.Audit = []domain.GuardrailAuditEntry{}
	for _, c := range res.Changes {
		decision := domain.DecisionApproved
		if c.To > c.From {
			decision = domain.DecisionEscalated
		}
		entry := domain.GuardrailAuditEntry{
			AccountID:          accountID,
			Category:           c.Category,
			Action:             fmt.Sprintf("trust level for %s changed from %d to %d", c.Category, c.From, c.To),
			Decision:           decision,
			DecidedBy:          domain.DecidedByHuman,
			ActorID:            actorID,
			TrustLevelRequired: c.To,
			TrustLevelCurrent:  c.From,
		}
		written, err := s.Record(ctx, entry)
		if err != nil {
			res.AuditGaps++
			continue
		}
		res.Audit = append(res.Audit, written)
	}
	return res, nil
}

// Record appends one audit entry. Failures are logged and counted as a
// logging gap and returned so callers can report them, but callers are not
// expected to fail their own operation.
func (s Store) Record(ctx context.Context, e domain.GuardrailAuditEntry) (domain.GuardrailAuditEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt == "" {
		e.CreatedAt = s.now()
	}
	err := repo.RetryOnBusy(ctx, 3, func() error {
		return s.audit().InsertAuditEntry(ctx, nil, e)
	})
	if err != nil {
		metrics.AuditWriteFailures.Inc()
		s.logger().Error("guardrail audit write failed",
			"account_id", e.AccountID, "category", e.Category, "decision", e.Decision, "action", e.Action, "error", err)
		return e, err
	}
	metrics.AuditWrites.WithLabelValues(e.Decision).Inc()
	return e, nil
}

type AuditQuery struct {
	AccountID string
	Category  string
	Decision  string
	Limit     int
	Cursor    string
}

type AuditPage struct {
	Items      []domain.GuardrailAuditEntry `json:"items"`
	NextCursor string                       `json:"next_cursor,omitempty"`
}

// ListAudit returns one page of audit entries, newest first.
func (s Store) ListAudit(ctx context.Context, q AuditQuery) (AuditPage, error) {
	if q.Category != "" && !domain.IsCategory(q.Category) {
		return AuditPage{}, fmt.Errorf("unknown guardrail category %q", q.Category)
	}
	switch q.Decision {
	case "", domain.DecisionApproved, domain.DecisionEscalated, domain.DecisionRejected:
	default:
		return AuditPage{}, fmt.Errorf("unknown decision %q", q.Decision)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	f := repo.AuditFilters{AccountID: q.AccountID, Category: q.Category, Decision: q.Decision, Limit: limit + 1}
	if q.Cursor != "" {
		ts, id, err := ParseCursor(q.Cursor)
		if err != nil {
			return AuditPage{}, err
		}
		f.CursorCreatedAt, f.CursorID = ts, id
	}
	items, err := s.Repo.ListAudit(ctx, f)
	if err != nil {
		return AuditPage{}, err
	}
	page := AuditPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = ComposeCursor(last.CreatedAt, last.ID)
	}
	if page.Items == nil {
		page.Items = []domain.GuardrailAuditEntry{}
	}
	return page, nil
}

// Evaluation is the outcome of checking an action against the guardrails.
type Evaluation struct {
	RequiresApproval bool   `json:"requires_approval"`
	Required         int    `json:"required"`
	Current          int    `json:"current"`
	Reason           string `json:"reason,omitempty"`
}

// Evaluate decides whether an action in category needs a human before it is
// final. It does when the agent is configured to ask for that category, or
// when the account trusts the category less than autonomousLevel.
func Evaluate(cfg domain.OrchestratorConfig, agent domain.Agent, category string, autonomousLevel int) Evaluation {
	current := cfg.Trust.Level(category)
	ev := Evaluation{Required: autonomousLevel, Current: current}
	switch {
	case agent.RequiresApprovalFor(category):
		ev.RequiresApproval = true
		ev.Reason = fmt.Sprintf("agent %s requires approval for %s", agent.Name, category)
	case current >= 0 && current < autonomousLevel:
		ev.RequiresApproval = true
		ev.Reason = fmt.Sprintf("trust level %d for %s is below autonomous level %d", current, category, autonomousLevel)
	}
	return ev
}

// MetadataJSON encodes v for an audit entry's metadata, or "" on failure.
func MetadataJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func validateLevels(t domain.TrustLevels) error {
	for _, cat := range domain.Categories {
		if l := t.Level(cat); l < 0 || l > MaxTrustLevel {
			return fmt.Errorf("trust level for %s must be between 0 and %d", cat, MaxTrustLevel)
		}
	}
	return nil
}
