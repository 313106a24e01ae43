package e2e

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CarterPerez-dev/angela-cli-sub000/internal/engine"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/executors"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/expressions"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/history"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/recovery"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/safety"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/sandbox"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/streaming"
	"github.com/CarterPerez-dev/angela-cli-sub000/internal/validation"
	"github.com/CarterPerez-dev/angela-cli-sub000/pkg/schema"
)

// --- Test harness ---

// harness wires the full production object graph against a temp database,
// mirroring the cmd/angela composition.
type harness struct {
	t         *testing.T
	store     *history.Store
	engine    *engine.Engine
	validator *validation.PlanValidator
	hub       *streaming.MemoryHub
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := history.Open("file:"+filepath.Join(t.TempDir(), "e2e.db"), logger)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	resolver := expressions.NewResolver(nil)
	sb := sandbox.New(logger)

	celEngine, err := expressions.NewCELEngine()
	require.NoError(t, err)
	jq := expressions.NewGoJQEngine()

	registry := executors.NewRegistry()
	for _, exec := range []executors.StepExecutor{
		executors.NewCommandExecutor(safety.NewPatternValidator(), ""),
		executors.NewCodeExecutor(sb),
		executors.NewFileExecutor(),
		executors.NewAPIExecutor(nil, jq),
		executors.NewDecisionExecutor(expressions.NewExprEngine(), celEngine),
	} {
		require.NoError(t, registry.Register(exec))
	}

	hub := streaming.NewMemoryHub()

	eng := engine.New(engine.Config{
		Registry:      registry,
		Resolver:      resolver,
		Recovery:      recovery.None{},
		Rollback:      store,
		Hub:           hub,
		Logger:        logger,
		MaxConcurrent: 4,
	})
	require.NoError(t, registry.Register(executors.NewLoopExecutor(eng, jq)))

	validator, err := validation.NewPlanValidator()
	require.NoError(t, err)

	return &harness{t: t, store: store, engine: eng, validator: validator, hub: hub}
}

// run validates and executes a plan, requiring the validation gate to pass.
func (h *harness) run(plan *schema.Plan, opts engine.Options) *schema.Summary {
	h.t.Helper()
	vres := h.validator.Validate(plan)
	require.True(h.t, vres.Valid(), "plan failed validation: %+v", vres.Errors)

	summary, err := h.engine.Execute(context.Background(), plan, opts)
	require.NoError(h.t, err)
	return summary
}

func sandboxScratchDirs(t *testing.T) []string {
	t.Helper()
	dirs, err := filepath.Glob(filepath.Join(os.TempDir(), "angela-sandbox-*"))
	require.NoError(t, err)
	return dirs
}

// --- scenarios ---

func TestE2E_DecisionFollowsCommandOutcome(t *testing.T) {
	h := newHarness(t)

	plan := &schema.Plan{
		ID:   "branching",
		Goal: "take the success branch",
		Steps: map[string]*schema.Step{
			"greet": {ID: "greet", Type: schema.StepTypeCommand, Command: "echo hi"},
			"check": {ID: "check", Type: schema.StepTypeDecision, Condition: "command success: greet",
				Dependencies: []string{"greet"}, TrueBranch: []string{"celebrate"}, FalseBranch: []string{"mourn"}},
			"celebrate": {ID: "celebrate", Type: schema.StepTypeCommand, Command: "echo taken", Dependencies: []string{"check"}},
			"mourn":     {ID: "mourn", Type: schema.StepTypeCommand, Command: "echo never", Dependencies: []string{"check"}},
		},
		EntryPoints: []string{"greet"},
	}

	summary := h.run(plan, engine.Options{})

	assert.True(t, summary.Success)
	assert.Contains(t, summary.Results, "celebrate")
	assert.NotContains(t, summary.Results, "mourn")
	assert.Contains(t, summary.Results["greet"].Outputs["stdout"], "hi")
	assert.Equal(t, true, summary.Results["check"].Outputs["condition_result"])
}

func TestE2E_LoopOverRange(t *testing.T) {
	h := newHarness(t)

	plan := &schema.Plan{
		ID:   "looping",
		Goal: "run the body three times",
		Steps: map[string]*schema.Step{
			"each": {ID: "each", Type: schema.StepTypeLoop, Items: "range(3)", LoopBody: []string{"speak"}},
			"speak": {ID: "speak", Type: schema.StepTypeCommand,
				Command: `printf 'iteration=%s\nlast=%s\n' "${loop_index}" "${loop_last}"`},
		},
		EntryPoints: []string{"each"},
	}

	summary := h.run(plan, engine.Options{})

	assert.True(t, summary.Success)
	require.Contains(t, summary.Results, "each")
	assert.EqualValues(t, 3, summary.Results["each"].Outputs["iterations"])
	// Harvested body variables propagate; the final iteration wins.
	assert.Equal(t, "2", summary.Variables["iteration"])
	assert.Equal(t, "true", summary.Variables["last"])
	// Loop bookkeeping stays inside the body scope.
	assert.NotContains(t, summary.Variables, "loop_index")
}

func TestE2E_RetrySucceedsOnThirdAttempt(t *testing.T) {
	h := newHarness(t)

	counter := filepath.Join(t.TempDir(), "attempts")
	command := fmt.Sprintf(
		`c=$(cat %s 2>/dev/null || echo 0); c=$((c+1)); echo "$c" > %s; if [ "$c" -ge 3 ]; then echo "attempt=$c"; else exit 1; fi`,
		counter, counter)

	plan := &schema.Plan{
		ID:   "flaky",
		Goal: "succeed after two failures",
		Steps: map[string]*schema.Step{
			"unstable": {ID: "unstable", Type: schema.StepTypeCommand, Command: command, Retry: 2},
		},
		EntryPoints: []string{"unstable"},
	}

	summary := h.run(plan, engine.Options{})

	assert.True(t, summary.Success)
	res := summary.Results["unstable"]
	require.NotNil(t, res)
	assert.True(t, res.Retried)
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, "3", res.Outputs["attempt"])
}

func TestE2E_CodeTimeoutIsBounded(t *testing.T) {
	h := newHarness(t)

	before := sandboxScratchDirs(t)
	plan := &schema.Plan{
		ID:   "spinning",
		Goal: "kill a runaway script",
		Steps: map[string]*schema.Step{
			"spin": {ID: "spin", Type: schema.StepTypeCode, Language: "shell",
				Code: "while true; do :; done", Timeout: "1s"},
		},
		EntryPoints: []string{"spin"},
	}

	start := time.Now()
	summary := h.run(plan, engine.Options{})
	elapsed := time.Since(start)

	assert.False(t, summary.Success)
	assert.Equal(t, "spin", summary.FailedStep)
	assert.Less(t, elapsed, 8*time.Second)
	// The scratch directory is cleaned up even when the payload is killed.
	assert.Equal(t, before, sandboxScratchDirs(t))
}

func TestE2E_LaterWritesShadowVariables(t *testing.T) {
	h := newHarness(t)

	plan := &schema.Plan{
		ID:   "shadowing",
		Goal: "the newest writer wins",
		Steps: map[string]*schema.Step{
			"first":  {ID: "first", Type: schema.StepTypeCommand, Command: "echo x=1"},
			"second": {ID: "second", Type: schema.StepTypeCommand, Command: "echo x=2", Dependencies: []string{"first"}},
			"third":  {ID: "third", Type: schema.StepTypeCommand, Command: `echo "saw=${x}"`, Dependencies: []string{"second"}},
		},
		EntryPoints: []string{"first"},
	}

	summary := h.run(plan, engine.Options{})

	assert.True(t, summary.Success)
	assert.Equal(t, "2", summary.Variables["x"])
	assert.Contains(t, summary.Results["third"].Outputs["stdout"], "saw=2")
}

func TestE2E_CodeOutputsFeedLaterSteps(t *testing.T) {
	h := newHarness(t)

	plan := &schema.Plan{
		ID:   "handoff",
		Goal: "code output feeds a command",
		Steps: map[string]*schema.Step{
			"compute": {ID: "compute", Type: schema.StepTypeCode, Language: "shell", Code: "echo result=42"},
			"report": {ID: "report", Type: schema.StepTypeCommand, Command: `echo "got=${result}"`,
				Dependencies: []string{"compute"}},
		},
		EntryPoints: []string{"compute"},
	}

	summary := h.run(plan, engine.Options{})

	assert.True(t, summary.Success)
	assert.Equal(t, "42", summary.Variables["result"])
	assert.Contains(t, summary.Results["report"].Outputs["stdout"], "got=42")
}

func TestE2E_SafetyGateStopsDestructiveCommand(t *testing.T) {
	h := newHarness(t)

	ch, cancel, err := h.hub.Subscribe(context.Background(), streaming.EventFilter{
		EventTypes: []string{schema.EventSafetyRejected},
	})
	require.NoError(t, err)
	defer cancel()

	plan := &schema.Plan{
		ID:   "dangerous",
		Goal: "never runs",
		Steps: map[string]*schema.Step{
			"wipe": {ID: "wipe", Type: schema.StepTypeCommand, Command: "rm -rf /", Retry: 3},
		},
		EntryPoints: []string{"wipe"},
	}

	summary := h.run(plan, engine.Options{})

	assert.False(t, summary.Success)
	assert.Equal(t, "wipe", summary.FailedStep)
	// The gate rejection is terminal: no retries, one event.
	res := summary.Results["wipe"]
	require.NotNil(t, res)
	assert.False(t, res.Retried)

	select {
	case ev := <-ch:
		assert.Equal(t, "wipe", ev.StepID)
	default:
		t.Fatal("expected a safety_rejected event")
	}
}

func TestE2E_FileWriteReadRoundTrip(t *testing.T) {
	h := newHarness(t)

	target := filepath.Join(t.TempDir(), "notes", "release.md")
	plan := &schema.Plan{
		ID:   "files",
		Goal: "write then read back",
		Steps: map[string]*schema.Step{
			"write": {ID: "write", Type: schema.StepTypeFile, Operation: "write",
				Path: target, Content: "version ${version}"},
			"read": {ID: "read", Type: schema.StepTypeFile, Operation: "read",
				Path: target, Dependencies: []string{"write"}},
		},
		EntryPoints: []string{"write"},
	}

	summary := h.run(plan, engine.Options{
		InitialVariables: map[string]any{"version": "1.4.0"},
	})

	assert.True(t, summary.Success)
	assert.Equal(t, "version 1.4.0", summary.Results["read"].Outputs["content"])
}

func TestE2E_DryRunExecutesNothing(t *testing.T) {
	h := newHarness(t)

	target := filepath.Join(t.TempDir(), "never.txt")
	plan := &schema.Plan{
		ID:   "preview",
		Goal: "simulate only",
		Steps: map[string]*schema.Step{
			"touch": {ID: "touch", Type: schema.StepTypeFile, Operation: "write", Path: target, Content: "x"},
			"speak": {ID: "speak", Type: schema.StepTypeCommand, Command: "echo hi", Dependencies: []string{"touch"}},
		},
		EntryPoints: []string{"touch"},
	}

	summary := h.run(plan, engine.Options{DryRun: true})

	assert.True(t, summary.Success)
	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
	assert.Contains(t, summary.Results["speak"].Outputs["stdout"], "[dry-run]")
}

func TestE2E_RunHistoryRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	plan := &schema.Plan{
		ID:   "journaled",
		Goal: "runs land in history",
		Steps: map[string]*schema.Step{
			"work": {ID: "work", Type: schema.StepTypeCommand, Command: "echo done"},
		},
		EntryPoints: []string{"work"},
	}

	summary := h.run(plan, engine.Options{})
	require.True(t, summary.Success)

	id, err := h.store.RecordRun(ctx, summary, false, summary.TransactionID)
	require.NoError(t, err)

	run, err := h.store.GetRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "journaled", run.PlanID)
	assert.True(t, run.Success)

	// Command successes were journaled for rollback under the same transaction.
	entries, err := h.store.StepSuccesses(ctx, summary.TransactionID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "work", entries[0].StepID)
}
