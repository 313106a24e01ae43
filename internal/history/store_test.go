package history

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// --- helpers ---

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "file:" + filepath.Join(t.TempDir(), "history.db")
	store, err := Open(path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func sampleSummary(planID string, startedAt time.Time) *schema.Summary {
	completed := startedAt.Add(2 * time.Second)
	return &schema.Summary{
		PlanID:         planID,
		TransactionID:  "txn-" + planID,
		Goal:           "test goal",
		Success:        true,
		StepsTotal:     3,
		StepsCompleted: 3,
		StartedAt:      startedAt,
		CompletedAt:    &completed,
		Variables:      map[string]any{"build_dir": "/tmp/out"},
	}
}

// --- migrations ---

func TestStore_MigrateIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, store.Migrate(context.Background()))
}

// --- runs ---

func TestStore_RecordAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Truncate(time.Second)
	id, err := store.RecordRun(ctx, sampleSummary("deploy", started), false, "txn-deploy")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	run, err := store.GetRun(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, "deploy", run.PlanID)
	assert.Equal(t, "test goal", run.Goal)
	assert.True(t, run.Success)
	assert.Equal(t, 3, run.StepsCompleted)
	assert.Equal(t, 3, run.StepsTotal)
	assert.False(t, run.DryRun)
	assert.Equal(t, "txn-deploy", run.TransactionID)
	require.NotNil(t, run.Summary)
	assert.Equal(t, "/tmp/out", run.Summary.Variables["build_dir"])
}

func TestStore_GetRun_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRun(context.Background(), "no-such-run")
	require.Error(t, err)
	ee := &schema.EngineError{}
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

func TestStore_ListRuns_NewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, planID := range []string{"old", "mid", "new"} {
		_, err := store.RecordRun(ctx, sampleSummary(planID, base.Add(time.Duration(i)*time.Minute)), false, "")
		require.NoError(t, err)
	}

	runs, err := store.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].PlanID)
	assert.Equal(t, "mid", runs[1].PlanID)
}

func TestStore_RecordRun_DryRunFlag(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.RecordRun(ctx, sampleSummary("preview", time.Now().UTC()), true, "")
	require.NoError(t, err)

	run, err := store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.True(t, run.DryRun)
}

// --- rollback journal ---

func TestStore_StepSuccessJournal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.RecordStepSuccess(ctx, "mkdir", "mkdir -p /tmp/out", map[string]any{"exit_code": float64(0)}, "txn-1")
	store.RecordStepSuccess(ctx, "copy", "cp a b", nil, "txn-1")
	store.RecordStepSuccess(ctx, "other", "true", nil, "txn-2")

	entries, err := store.StepSuccesses(ctx, "txn-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "mkdir", entries[0].StepID)
	assert.Equal(t, "mkdir -p /tmp/out", entries[0].Command)
	assert.Equal(t, float64(0), entries[0].Outputs["exit_code"])
	assert.Equal(t, "copy", entries[1].StepID)
	assert.Less(t, entries[0].Seq, entries[1].Seq)
}

func TestStore_StepSuccesses_EmptyTransaction(t *testing.T) {
	store := newTestStore(t)

	entries, err := store.StepSuccesses(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// --- secrets ---

func TestStore_SecretCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreSecret(ctx, "API_KEY", []byte("ciphertext-1")))

	value, err := store.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-1"), value)

	// Upsert replaces the value.
	require.NoError(t, store.StoreSecret(ctx, "API_KEY", []byte("ciphertext-2")))
	value, err = store.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-2"), value)

	require.NoError(t, store.DeleteSecret(ctx, "API_KEY"))
	_, err = store.GetSecret(ctx, "API_KEY")
	require.Error(t, err)
}

func TestStore_ListSecrets_SortedKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.StoreSecret(ctx, "ZETA", []byte("z")))
	require.NoError(t, store.StoreSecret(ctx, "ALPHA", []byte("a")))

	keys, err := store.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ALPHA", "ZETA"}, keys)
}

func TestStore_DeleteSecret_NotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.DeleteSecret(context.Background(), "GHOST")
	require.Error(t, err)
	ee := &schema.EngineError{}
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, schema.ErrCodeNotFound, ee.Code)
}

// --- scheduled plans ---

func TestStore_ScheduledPlanLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sp := &ScheduledPlan{
		Name:         "nightly-cleanup",
		CronExpr:     "0 3 * * *",
		PlanDocument: `{"id":"cleanup","goal":"g","steps":{},"entry_points":[]}`,
		Enabled:      true,
	}
	require.NoError(t, store.CreateScheduledPlan(ctx, sp))
	assert.NotEmpty(t, sp.ID)

	disabled := &ScheduledPlan{Name: "paused", CronExpr: "@hourly", PlanDocument: "{}"}
	require.NoError(t, store.CreateScheduledPlan(ctx, disabled))

	all, err := store.ListScheduledPlans(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	enabled, err := store.ListScheduledPlans(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "nightly-cleanup", enabled[0].Name)
	assert.Nil(t, enabled[0].LastRunAt)

	ranAt := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.MarkScheduledRun(ctx, sp.ID, "success", ranAt))

	enabled, err = store.ListScheduledPlans(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	require.NotNil(t, enabled[0].LastRunAt)
	assert.Equal(t, "success", enabled[0].LastStatus)

	require.NoError(t, store.DeleteScheduledPlan(ctx, sp.ID))
	err = store.DeleteScheduledPlan(ctx, sp.ID)
	require.Error(t, err)
}
