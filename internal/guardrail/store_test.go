package guardrail

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustloop/internal/config"
	"trustloop/internal/db"
	"trustloop/internal/domain"
	"trustloop/internal/migrate"
	"trustloop/internal/repo"
)

func newStore(t *testing.T) Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	s := New(repo.Repo{DB: conn}, config.Default().Guardrails.Defaults)
	s.Now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestSpendingEscalationWritesOneAuditEntry(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "acct-1", "")
	require.NoError(t, err)

	res, err := s.Update(ctx, "acct-1", Patch{Trust: map[string]int{domain.CategorySpending: 3}}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Config.Trust.Spending)
	assert.Zero(t, res.AuditGaps)

	page, err := s.ListAudit(ctx, AuditQuery{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	e := page.Items[0]
	assert.Equal(t, domain.CategorySpending, e.Category)
	assert.Equal(t, domain.DecisionEscalated, e.Decision)
	assert.Equal(t, domain.DecidedByHuman, e.DecidedBy)
	assert.Equal(t, 3, e.TrustLevelRequired)
	assert.Equal(t, 1, e.TrustLevelCurrent)
}

func TestLoweringTrustIsApprovedAndUnchangedIsSilent(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "acct-1", "")
	require.NoError(t, err)

	res, err := s.Update(ctx, "acct-1", Patch{Trust: map[string]int{
		domain.CategoryTaskExecution: 0,
		domain.CategorySpending:      1,
	}}, "user-1")
	require.NoError(t, err)
	require.Len(t, res.Changes, 1)
	require.Len(t, res.Audit, 1)
	assert.Equal(t, domain.DecisionApproved, res.Audit[0].Decision)
	assert.Equal(t, domain.CategoryTaskExecution, res.Audit[0].Category)
}

func TestUpdateRejectsOutOfRangeLevels(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "acct-1", "")
	require.NoError(t, err)
	_, err = s.Update(ctx, "acct-1", Patch{Trust: map[string]int{domain.CategorySpending: 7}}, "user-1")
	assert.Error(t, err)
	_, err = s.Update(ctx, "acct-1", Patch{Trust: map[string]int{"teleport": 1}}, "user-1")
	assert.Error(t, err)
	_, err = s.Update(ctx, "missing", Patch{}, "user-1")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

type failingAudit struct{}

func (failingAudit) InsertAuditEntry(context.Context, *sql.Tx, domain.GuardrailAuditEntry) error {
	return errors.New("audit store offline")
}

func TestAuditOutageDoesNotBlockTrustChange(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "acct-1", "")
	require.NoError(t, err)

	s.Audit = failingAudit{}
	res, err := s.Update(ctx, "acct-1", Patch{Trust: map[string]int{domain.CategorySpending: 2}}, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.AuditGaps)

	cfg, err := s.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Trust.Spending)

	// the committed event still carries the diff, so the gap is detectable
	evts, err := s.Repo.ListEvents(ctx, repo.EventFilters{AccountID: "acct-1", Type: "guardrail.config_updated"})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Contains(t, evts[0].Payload, `"category":"spending"`)
}

func TestListAuditFiltersAndPaginates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Create(ctx, "acct-1", "")
	require.NoError(t, err)
	_, err = s.Update(ctx, "acct-1", Patch{Trust: map[string]int{
		domain.CategorySpending:      3,
		domain.CategoryAgentCreation: 2,
		domain.CategoryTaskExecution: 1,
		domain.CategoryDecomposition: 3,
	}}, "user-1")
	require.NoError(t, err)

	page, err := s.ListAudit(ctx, AuditQuery{AccountID: "acct-1", Decision: domain.DecisionEscalated})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)

	page, err = s.ListAudit(ctx, AuditQuery{AccountID: "acct-1", Category: domain.CategoryTaskExecution})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, domain.DecisionApproved, page.Items[0].Decision)

	seen := map[string]bool{}
	cursor := ""
	for i := 0; i < 4; i++ {
		page, err = s.ListAudit(ctx, AuditQuery{AccountID: "acct-1", Limit: 1, Cursor: cursor})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		seen[page.Items[0].ID] = true
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 4)
	assert.Empty(t, cursor)

	_, err = s.ListAudit(ctx, AuditQuery{AccountID: "acct-1", Decision: "maybe"})
	assert.Error(t, err)
}

func TestAuditRowsAreAppendOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	_, err := s.Record(ctx, domain.GuardrailAuditEntry{AccountID: "acct-1", Category: domain.CategorySpending, Action: "x",
		Decision: domain.DecisionApproved, DecidedBy: domain.DecidedBySystem})
	require.NoError(t, err)
	_, err = s.Repo.DB.ExecContext(ctx, `UPDATE guardrail_audit SET decision='rejected'`)
	assert.Error(t, err)
	_, err = s.Repo.DB.ExecContext(ctx, `DELETE FROM guardrail_audit`)
	assert.Error(t, err)
}

func TestEvaluate(t *testing.T) {
	cfg := domain.OrchestratorConfig{Trust: config.Default().Guardrails.Defaults}
	agent := domain.Agent{Name: "writer"}

	ev := Evaluate(cfg, agent, domain.CategoryTaskExecution, 2)
	assert.False(t, ev.RequiresApproval)

	cfg.Trust.TaskExecution = 1
	ev = Evaluate(cfg, agent, domain.CategoryTaskExecution, 2)
	assert.True(t, ev.RequiresApproval)
	assert.Equal(t, 1, ev.Current)

	cfg.Trust.TaskExecution = 4
	agent.RequiresApprovalCategories = []string{domain.CategoryTaskExecution}
	ev = Evaluate(cfg, agent, domain.CategoryTaskExecution, 2)
	assert.True(t, ev.RequiresApproval)
}
