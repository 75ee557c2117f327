package anneal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustloop/internal/admission"
	"trustloop/internal/db"
	"trustloop/internal/domain"
	"trustloop/internal/migrate"
	"trustloop/internal/repo"
)

func newEngine(t *testing.T) Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	e := New(repo.Repo{DB: conn})
	e.Now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	return e
}

func seedAgent(t *testing.T, e Engine, id string, maxFailures int) {
	t.Helper()
	ts := "2024-05-01T08:00:00Z"
	require.NoError(t, e.Repo.InsertAgent(context.Background(), nil, domain.Agent{
		ID: id, AccountID: "acct", Name: id, IsActive: true, AutonomyLevel: 1,
		MaxConsecutiveFailures: maxFailures, HealthStatus: domain.HealthHealthy, CreatedAt: ts, UpdatedAt: ts,
	}))
}

func TestNext(t *testing.T) {
	a := domain.Agent{MaxConsecutiveFailures: 2, HealthStatus: domain.HealthHealthy}
	a = Next(a, false, "t1")
	assert.Equal(t, domain.HealthDegraded, a.HealthStatus)
	assert.Nil(t, a.PausedAt)
	a = Next(a, false, "t2")
	assert.Equal(t, domain.HealthFailing, a.HealthStatus)
	require.NotNil(t, a.PausedAt)
	assert.Equal(t, "t2", *a.PausedAt)
	a = Next(a, true, "t3")
	assert.Equal(t, domain.HealthFailing, a.HealthStatus)
	assert.Equal(t, 2, a.ConsecutiveFailures)
	assert.NotNil(t, a.PausedAt)

	b := Next(domain.Agent{MaxConsecutiveFailures: 2, HealthStatus: domain.HealthDegraded, ConsecutiveFailures: 1}, true, "t4")
	assert.Equal(t, domain.HealthHealthy, b.HealthStatus)
	assert.Zero(t, b.ConsecutiveFailures)
}

func TestLateSuccessKeepsCircuitOpen(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	seedAgent(t, e, "agent-1", 2)

	for i := 0; i < 2; i++ {
		_, err := e.ProcessOutcome(ctx, Outcome{AgentID: "agent-1", TaskID: fmt.Sprintf("fail-%d", i), Success: false})
		require.NoError(t, err)
	}
	// A run that started before the breaker tripped finishes now.
	res, err := e.ProcessOutcome(ctx, Outcome{AgentID: "agent-1", TaskID: "slow", Success: true})
	require.NoError(t, err)
	assert.Equal(t, domain.HealthFailing, res.Agent.HealthStatus)

	agent, err := e.Repo.GetAgent(ctx, nil, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthFailing, agent.HealthStatus)
	assert.NotNil(t, agent.PausedAt)

	d, err := admission.NewQueue().CanAccept(ctx, agent.ID, admission.LimitsFor(agent, 2))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, admission.KindCircuitOpen, d.Kind)
	assert.Contains(t, d.Reason, "needs manual reset")
}

func TestThreeFailuresOpenCircuit(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	seedAgent(t, e, "agent-1", 3)

	var res Result
	var err error
	for i := 0; i < 3; i++ {
		res, err = e.ProcessOutcome(ctx, Outcome{AgentID: "agent-1", TaskID: fmt.Sprintf("t%d", i), Success: false})
		require.NoError(t, err)
	}
	assert.True(t, res.CircuitOpened)
	assert.Equal(t, domain.HealthFailing, res.Agent.HealthStatus)
	assert.Equal(t, 3, res.Agent.ConsecutiveFailures)

	agent, err := e.Repo.GetAgent(ctx, nil, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthFailing, agent.HealthStatus)
	assert.NotNil(t, agent.PausedAt)
	assert.Equal(t, 4, agent.Version)

	q := admission.NewQueue()
	d, err := q.CanAccept(ctx, agent.ID, admission.LimitsFor(agent, 2))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, admission.KindCircuitOpen, d.Kind)
	assert.Contains(t, d.Reason, "needs manual reset")

	opened, err := e.Repo.ListEvents(ctx, repo.EventFilters{Type: "agent.circuit_open"})
	require.NoError(t, err)
	assert.Len(t, opened, 1)

	agent, err = e.Reset(ctx, "agent-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.HealthHealthy, agent.HealthStatus)
	assert.Nil(t, agent.PausedAt)
	d, err = q.CanAccept(ctx, agent.ID, admission.LimitsFor(agent, 2))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSuccessResetsStreakAndRecordsStats(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	seedAgent(t, e, "agent-1", 3)

	_, err := e.ProcessOutcome(ctx, Outcome{AgentID: "agent-1", Success: false, PatternKey: "research"})
	require.NoError(t, err)
	res, err := e.ProcessOutcome(ctx, Outcome{AgentID: "agent-1", Success: true, InputTokens: 10, OutputTokens: 20, DurationMs: 300, PatternKey: "research"})
	require.NoError(t, err)
	assert.Equal(t, domain.HealthDegraded, res.PreviousHealth)
	assert.Equal(t, domain.HealthHealthy, res.Agent.HealthStatus)
	assert.Zero(t, res.Agent.ConsecutiveFailures)

	st, err := e.Repo.GetAgentStats(ctx, nil, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalRuns)
	assert.InDelta(t, 0.5, st.SuccessRate(), 0.001)

	patterns, err := e.Repo.ListPatternStats(ctx, "acct")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "research", patterns[0].PatternKey)
}

func TestTrustRecommendationAfterSustainedSuccess(t *testing.T) {
	e := newEngine(t)
	e.RecommendEvery = 5
	ctx := context.Background()
	seedAgent(t, e, "agent-1", 3)

	var last Result
	for i := 0; i < 5; i++ {
		var err error
		last, err = e.ProcessOutcome(ctx, Outcome{AgentID: "agent-1", Success: true})
		require.NoError(t, err)
	}
	require.NotNil(t, last.Recommendation)
	assert.Equal(t, 1, last.Recommendation.CurrentAutonomy)
	assert.Equal(t, 2, last.Recommendation.SuggestedAutonomy)

	evts, err := e.Repo.ListEvents(ctx, repo.EventFilters{Type: "agent.trust.recommended"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestProcessOutcomeUnknownAgent(t *testing.T) {
	e := newEngine(t)
	_, err := e.ProcessOutcome(context.Background(), Outcome{AgentID: "ghost"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
