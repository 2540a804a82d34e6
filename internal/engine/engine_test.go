package engine_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adrkeeper/internal/config"
	"adrkeeper/internal/db"
	"adrkeeper/internal/domain"
	"adrkeeper/internal/engine"
	"adrkeeper/internal/events"
	"adrkeeper/internal/migrate"
	"adrkeeper/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	DB     *sql.DB
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	eng := engine.New(conn, config.Default())
	clock := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return testEnv{Engine: eng, Ctx: engine.WithActor(context.Background(), "tester"), DB: conn}
}

func (env testEnv) createDecision(t *testing.T, opts engine.DecisionCreateOptions) domain.DecisionRecord {
	t.Helper()
	if opts.Title == "" {
		opts.Title = "Use SQLite"
	}
	d, err := env.Engine.CreateDecision(env.Ctx, opts)
	require.NoError(t, err)
	return d
}

func strPtr(s string) *string { return &s }

func TestCreateDecisionSeedsHistory(t *testing.T) {
	env := newTestEnv(t)
	for _, st := range domain.Statuses {
		d := env.createDecision(t, engine.DecisionCreateOptions{Status: string(st)})
		require.Len(t, d.StatusHistory, 1)
		first := d.StatusHistory[0]
		assert.Equal(t, domain.Status(""), first.From)
		assert.Equal(t, st, first.To)
		assert.Equal(t, domain.InitialReason, first.Reason)
		assert.Equal(t, int64(1), d.Version)
		assert.Equal(t, d.CreatedAt, d.UpdatedAt)
	}
}

func TestCreateDecisionValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateDecision(env.Ctx, engine.DecisionCreateOptions{Title: "  "})
	var ve *engine.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "title", ve.Field)

	_, err = env.Engine.CreateDecision(env.Ctx, engine.DecisionCreateOptions{Title: "x", Status: "maybe"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "status", ve.Field)

	list, err := env.Engine.ListDecisions(env.Ctx, repo.DecisionFilters{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateGetRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	created := env.createDecision(t, engine.DecisionCreateOptions{
		Title:    "Adopt event log",
		Status:   "hypothesized",
		Problem:  "No audit trail",
		Context:  "Multiple writers",
		Decision: "Append events in the mutation transaction",
		Outcome:  "",
		Options: []domain.Option{
			{Title: "Triggers", Pros: []string{"automatic"}, Cons: []string{"opaque"}},
			{ID: "opt-2", Title: "App writes"},
		},
		Tags:           []string{"storage", "audit"},
		RelatedADRs:    []string{"missing-adr"},
		CodeReferences: []domain.CodeReference{{Path: "internal/events/writer.go", Description: "writer"}},
		ProjectID:      "proj-1",
	})
	assert.NotEmpty(t, created.Options[0].ID)
	assert.Equal(t, "opt-2", created.Options[1].ID)
	assert.NotEmpty(t, created.CodeReferences[0].ID)

	got, err := env.Engine.GetDecision(env.Ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created, *got)
}

func TestTransitionStatusAlwaysAppends(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, engine.DecisionCreateOptions{Status: "proposed"})
	steps := []string{"accepted", "accepted", "deprecated", "proposed", "accepted"}
	var err error
	for i, st := range steps {
		d, err = env.Engine.TransitionStatus(env.Ctx, d.ID, st, "step", nil)
		require.NoError(t, err)
		assert.Len(t, d.StatusHistory, i+2)
		last, ok := d.LastStatusChange()
		require.True(t, ok)
		assert.Equal(t, d.Status, last.To)
	}
	assert.Equal(t, int64(len(steps)+1), d.Version)

	history, err := env.Engine.DecisionHistory(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.StatusHistory, history)
	assert.Equal(t, domain.StatusAccepted, history[1].To)
	assert.Equal(t, domain.StatusAccepted, history[2].From)
	assert.Equal(t, domain.StatusAccepted, history[2].To)
}

func TestTransitionScenario(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, engine.DecisionCreateOptions{Status: "proposed"})
	d, err := env.Engine.TransitionStatus(env.Ctx, d.ID, "accepted", "team agreed", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAccepted, d.Status)
	require.Len(t, d.StatusHistory, 2)
	assert.Equal(t, domain.StatusChange{ID: d.StatusHistory[0].ID, From: "", To: domain.StatusProposed, Date: d.CreatedAt, Reason: "Initial creation"}, d.StatusHistory[0])
	assert.Equal(t, domain.StatusProposed, d.StatusHistory[1].From)
	assert.Equal(t, domain.StatusAccepted, d.StatusHistory[1].To)
	assert.Equal(t, "team agreed", d.StatusHistory[1].Reason)
	assert.Equal(t, d.UpdatedAt, d.StatusHistory[1].Date)
	assert.True(t, d.UpdatedAt.After(d.CreatedAt))
}

func TestTransitionStatusErrors(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, engine.DecisionCreateOptions{})

	_, err := env.Engine.TransitionStatus(env.Ctx, "nope", "accepted", "why", nil)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	var ve *engine.ValidationError
	_, err = env.Engine.TransitionStatus(env.Ctx, d.ID, "accepted", " ", nil)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "reason", ve.Field)

	_, err = env.Engine.TransitionStatus(env.Ctx, d.ID, "shipped", "why", nil)
	require.ErrorAs(t, err, &ve)

	got, err := env.Engine.GetDecision(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, got.StatusHistory, 1)
	assert.Equal(t, int64(1), got.Version)
}

func TestPatchDecisionStatusHistory(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, engine.DecisionCreateOptions{Status: "proposed"})

	same, err := env.Engine.PatchDecision(env.Ctx, engine.DecisionPatch{ID: d.ID, Status: strPtr("proposed"), Title: strPtr("Renamed")})
	require.NoError(t, err)
	assert.Equal(t, d.StatusHistory, same.StatusHistory)
	assert.Equal(t, "Renamed", same.Title)
	assert.True(t, same.UpdatedAt.After(d.UpdatedAt))
	assert.Equal(t, d.CreatedAt, same.CreatedAt)

	changed, err := env.Engine.PatchDecision(env.Ctx, engine.DecisionPatch{ID: d.ID, Status: strPtr("rejected")})
	require.NoError(t, err)
	require.Len(t, changed.StatusHistory, 2)
	assert.Equal(t, domain.PatchReason, changed.StatusHistory[1].Reason)
	assert.Equal(t, domain.StatusProposed, changed.StatusHistory[1].From)
	assert.Equal(t, domain.StatusRejected, changed.Status)
	assert.Equal(t, int64(3), changed.Version)
}

func TestPatchDecisionReplacesArraysWholesale(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, engine.DecisionCreateOptions{Tags: []string{"a", "b"}, Problem: "p"})
	tags := []string{"c"}
	empty := []string{}
	got, err := env.Engine.PatchDecision(env.Ctx, engine.DecisionPatch{ID: d.ID, Tags: &tags, RelatedADRs: &empty, ProjectID: strPtr("proj")})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, got.Tags)
	assert.Equal(t, "p", got.Problem)
	require.NotNil(t, got.ProjectID)

	got, err = env.Engine.PatchDecision(env.Ctx, engine.DecisionPatch{ID: d.ID, ProjectID: strPtr("")})
	require.NoError(t, err)
	assert.Nil(t, got.ProjectID)

	_, err = env.Engine.PatchDecision(env.Ctx, engine.DecisionPatch{ID: "missing", Title: strPtr("x")})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	var ve *engine.ValidationError
	_, err = env.Engine.PatchDecision(env.Ctx, engine.DecisionPatch{ID: d.ID, Status: strPtr("later")})
	assert.ErrorAs(t, err, &ve)
}

func TestExpectedVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, engine.DecisionCreateOptions{})
	v := d.Version
	d, err := env.Engine.TransitionStatus(env.Ctx, d.ID, "accepted", "ok", &v)
	require.NoError(t, err)
	assert.Equal(t, v+1, d.Version)

	_, err = env.Engine.TransitionStatus(env.Ctx, d.ID, "rejected", "late", &v)
	assert.ErrorIs(t, err, engine.ErrConflict)
	_, err = env.Engine.PatchDecision(env.Ctx, engine.DecisionPatch{ID: d.ID, Title: strPtr("x"), ExpectedVersion: &v})
	assert.ErrorIs(t, err, engine.ErrConflict)

	got, err := env.Engine.GetDecision(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Len(t, got.StatusHistory, 2)
}

func TestRepoCompareAndSwapRejectsStaleWrite(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, engine.DecisionCreateOptions{})
	_, err := env.Engine.TransitionStatus(env.Ctx, d.ID, "accepted", "first", nil)
	require.NoError(t, err)

	tx, err := env.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	stale := d
	stale.Version = 2
	stale.Title = "lost update"
	err = env.Engine.Repo.UpdateDecision(env.Ctx, tx, stale, 1)
	assert.ErrorIs(t, err, repo.ErrStaleVersion)

	stale.ID = "gone"
	err = env.Engine.Repo.UpdateDecision(env.Ctx, tx, stale, 1)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestConcurrentTransitionsAllApply(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, engine.DecisionCreateOptions{})
	eng := env.Engine
	eng.Now = nil

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.TransitionStatus(env.Ctx, d.ID, "accepted", "parallel review", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	got, err := eng.GetDecision(env.Ctx, d.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.StatusHistory, writers+1)
	assert.Equal(t, int64(writers+1), got.Version)

	evts, err := eng.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.DecisionStatusChanged, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, evts, writers)
}

func TestListsStayConsistentDuringTransitions(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, engine.DecisionCreateOptions{})
	eng := env.Engine
	eng.Now = nil

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i, st := range []string{"accepted", "deprecated", "proposed", "accepted", "superseded", "accepted"} {
			_, err := eng.TransitionStatus(env.Ctx, d.ID, st, fmt.Sprintf("step %d", i), nil)
			assert.NoError(t, err)
		}
	}()
	for {
		select {
		case <-done:
			return
		default:
		}
		items, err := eng.ListDecisions(env.Ctx, repo.DecisionFilters{})
		require.NoError(t, err)
		require.Len(t, items, 1)
		last, ok := items[0].LastStatusChange()
		require.True(t, ok)
		require.Equal(t, items[0].Status, last.To)
		require.Len(t, items[0].StatusHistory, int(items[0].Version))
	}
}

func TestConcurrentInsightPatchesAllApply(t *testing.T) {
	env := newTestEnv(t)
	in, err := env.Engine.CreateInsight(env.Ctx, engine.InsightCreateOptions{Title: "Flaky deploys"})
	require.NoError(t, err)
	eng := env.Engine
	eng.Now = nil

	const writers = 6
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.PatchInsight(env.Ctx, engine.InsightPatch{ID: in.ID, Content: strPtr("seen again")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	evts, err := eng.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.InsightUpdated, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, evts, writers)
}

func TestDeleteDecisionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	d := env.createDecision(t, engine.DecisionCreateOptions{})
	_, err := env.Engine.TransitionStatus(env.Ctx, d.ID, "accepted", "ok", nil)
	require.NoError(t, err)

	require.NoError(t, env.Engine.DeleteDecision(env.Ctx, d.ID))
	got, err := env.Engine.GetDecision(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, env.Engine.DeleteDecision(env.Ctx, d.ID))

	_, err = env.Engine.DecisionHistory(env.Ctx, d.ID)
	assert.ErrorIs(t, err, repo.ErrNotFound)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.DecisionDeleted})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "tester", evts[0].ActorID)
}

func TestListDecisionsFilters(t *testing.T) {
	env := newTestEnv(t)
	a := env.createDecision(t, engine.DecisionCreateOptions{Title: "a", Status: "accepted", Tags: []string{"db"}, ProjectID: "p1"})
	env.createDecision(t, engine.DecisionCreateOptions{Title: "b", Status: "proposed", Tags: []string{"api"}, ProjectID: "p2"})

	byStatus, err := env.Engine.ListDecisions(env.Ctx, repo.DecisionFilters{Status: "accepted"})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, a.ID, byStatus[0].ID)
	assert.Len(t, byStatus[0].StatusHistory, 1)

	byTag, err := env.Engine.ListDecisions(env.Ctx, repo.DecisionFilters{Tag: "db"})
	require.NoError(t, err)
	require.Len(t, byTag, 1)

	byProject, err := env.Engine.ListDecisions(env.Ctx, repo.DecisionFilters{ProjectID: "p2"})
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, "b", byProject[0].Title)

	all, err := env.Engine.ListDecisions(env.Ctx, repo.DecisionFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestResolveRelatedReportsDangling(t *testing.T) {
	env := newTestEnv(t)
	a := env.createDecision(t, engine.DecisionCreateOptions{Title: "a"})
	b := env.createDecision(t, engine.DecisionCreateOptions{Title: "b", RelatedADRs: []string{a.ID, "ghost", a.ID}})
	rel, err := env.Engine.ResolveRelated(env.Ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, rel.Found, 1)
	assert.Equal(t, a.ID, rel.Found[0].ID)
	assert.Equal(t, []string{"ghost"}, rel.Missing)
}
