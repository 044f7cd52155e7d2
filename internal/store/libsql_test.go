package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orca/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *LibSQLStore, goal string) *Run {
	t.Helper()
	run := &Run{ID: uuid.NewString(), Goal: goal}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 2, version)
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations()
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].Version)
	assert.Equal(t, "initial_schema", ms[0].Name)
	assert.Equal(t, "run_metadata", ms[len(ms)-1].Name)
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- header only;\nCREATE TABLE a (x INT);\n\n-- note\nCREATE INDEX i ON a(x);")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX i")
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := seedRun(t, s, "count orders per region")
	assert.Equal(t, schema.RunStatusPending, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "count orders per region", got.Goal)
	assert.Equal(t, schema.RunStatusPending, got.Status)
	assert.Empty(t, got.Intent)
	assert.Nil(t, got.Plan)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.Metadata)
	assert.False(t, got.CreatedAt.IsZero())

	tagged := &Run{ID: uuid.NewString(), Goal: "nightly", Metadata: json.RawMessage(`{"schedule":"nightly"}`)}
	require.NoError(t, s.CreateRun(ctx, tagged))
	got, err = s.GetRun(ctx, tagged.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"schedule":"nightly"}`, string(got.Metadata))
}

func TestCreateRun_Duplicate(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, "g")

	err := s.CreateRun(context.Background(), &Run{ID: run.ID, Goal: "again"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.CodeOf(err))
}

func TestCreateRun_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.CreateRun(context.Background(), &Run{Goal: "g"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "g")

	active := schema.RunStatusActive
	intent := schema.IntentSQL
	source := "db"
	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:    &active,
		Intent:    &intent,
		Source:    &source,
		Plan:      json.RawMessage(`{"steps":["plan","execute_sql"]}`),
		StartedAt: &started,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusActive, got.Status)
	assert.Equal(t, schema.IntentSQL, got.Intent)
	assert.Equal(t, "db", got.Source)
	assert.JSONEq(t, `{"steps":["plan","execute_sql"]}`, string(got.Plan))
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, started, *got.StartedAt, time.Second)

	failed := schema.RunStatusFailed
	msg, code := "boom", schema.ErrCodeGraphStuck
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &failed, Error: &msg, ErrorCode: &code}))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.Equal(t, schema.ErrCodeGraphStuck, got.ErrorCode)
}

func TestUpdateRun_NoFieldsIsNoop(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.UpdateRun(context.Background(), "missing", RunUpdate{}))
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	active := schema.RunStatusActive
	err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: &active})
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	for i, goal := range []string{"first", "second", "third"} {
		run := &Run{ID: uuid.NewString(), Goal: goal, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, s.CreateRun(ctx, run))
		if goal == "second" {
			done := schema.RunStatusCompleted
			require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &done}))
		}
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].Goal)
	assert.Equal(t, "first", all[2].Goal)

	completed := schema.RunStatusCompleted
	done, err := s.ListRuns(ctx, RunFilter{Status: &completed})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "second", done[0].Goal)

	second, err := s.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "second", second[0].Goal)

	cutoff := base.Add(90 * time.Second)
	old, err := s.ListRuns(ctx, RunFilter{Before: &cutoff})
	require.NoError(t, err)
	require.Len(t, old, 2)
	assert.Equal(t, "second", old[0].Goal)
	assert.Equal(t, "first", old[1].Goal)
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	seedRun(t, s, "g")
	assert.NoError(t, s.Vacuum(context.Background()))
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "g")

	require.NoError(t, s.DeleteRun(ctx, run.ID))
	_, err := s.GetRun(ctx, run.ID)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(s.DeleteRun(ctx, run.ID)))
}

func TestAppendEvent_SequencePerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedRun(t, s, "a")
	b := seedRun(t, s, "b")

	for i := 0; i < 3; i++ {
		e := &Event{RunID: a.ID, StepID: "s1", Kind: schema.EventStepStarted}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.NotZero(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
	e := &Event{RunID: b.ID, Kind: schema.EventPlanProposed, Payload: json.RawMessage(`{"plan":{}}`)}
	require.NoError(t, s.AppendEvent(ctx, e))
	assert.Equal(t, int64(1), e.Sequence)

	events, err := s.GetEvents(ctx, a.ID, 1)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].Sequence)
	assert.Equal(t, "s1", events[0].StepID)
	assert.Nil(t, events[0].Payload)

	other, err := s.GetEvents(ctx, b.ID, 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Empty(t, other[0].StepID)
	assert.JSONEq(t, `{"plan":{}}`, string(other[0].Payload))
}

func TestListEvents_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "g")

	for _, k := range []schema.EventKind{schema.EventStepStarted, schema.EventSQLExecution, schema.EventSQLExecution, schema.EventStepCompleted} {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, StepID: "execute_sql", Kind: k}))
	}

	sqlEvents, err := s.ListEvents(ctx, EventFilter{RunID: run.ID, Kind: schema.EventSQLExecution})
	require.NoError(t, err)
	require.Len(t, sqlEvents, 2)
	assert.Equal(t, int64(3), sqlEvents[0].Sequence)

	limited, err := s.ListEvents(ctx, EventFilter{StepID: "execute_sql", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, schema.EventStepCompleted, limited[0].Kind)
}
