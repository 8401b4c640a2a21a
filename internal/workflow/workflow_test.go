package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"missioncore/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func ok(data map[string]any) WorkerFunc {
	return func(context.Context, MissionContext) (AgentResult, error) {
		return AgentResult{Success: true, Data: data}, nil
	}
}

func failing(msg string) WorkerFunc {
	return func(context.Context, MissionContext) (AgentResult, error) {
		return AgentResult{Success: false, Error: msg}, nil
	}
}

func statuses(run *Run) map[string]TaskStatus {
	out := make(map[string]TaskStatus, len(run.Tasks))
	for _, t := range run.Tasks {
		out[t.ID] = t.Status
	}
	return out
}

func task(id string, deps ...string) Task {
	return Task{ID: id, Agent: id, DependsOn: deps, Status: StatusPending}
}

func TestBuildWorkflowFromDefaults(t *testing.T) {
	cfg := config.Default()
	tasks, err := BuildWorkflow(cfg.Workflows, "campaign_execution", map[string]any{"campaign_id": "camp-9"})
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	for _, tk := range tasks {
		assert.Equal(t, StatusPending, tk.Status)
		assert.Equal(t, "camp-9", tk.Params["campaign_id"])
	}

	levels, err := Plan(tasks)
	require.NoError(t, err)
	want := [][]string{
		{"enrichment_agent"},
		{"lead_scoring_agent", "personalization_agent"},
		{"outreach_agent"},
	}
	if diff := cmp.Diff(want, levels); diff != "" {
		t.Fatalf("plan mismatch (-want +got):\n%s", diff)
	}
}

func TestBuildWorkflowMissionParamsOverlayTemplate(t *testing.T) {
	templates := map[string]config.Workflow{
		"wf": {Tasks: []config.WorkflowTask{{Agent: "a", Params: map[string]any{"tone": "formal", "limit": 10}}}},
	}
	tasks, err := BuildWorkflow(templates, "wf", map[string]any{"tone": "casual"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tone": "casual", "limit": 10}, tasks[0].Params)
}

func TestBuildWorkflowRejectsBadTemplates(t *testing.T) {
	cases := map[string]config.Workflow{
		"unknown dep": {Tasks: []config.WorkflowTask{{Agent: "a", DependsOn: []string{"ghost"}}}},
		"duplicate":   {Tasks: []config.WorkflowTask{{Agent: "a"}, {Agent: "a"}}},
		"no agent":    {Tasks: []config.WorkflowTask{{ID: "x"}}},
		"empty":       {},
	}
	for name, wf := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := BuildWorkflow(map[string]config.Workflow{"wf": wf}, "wf", nil)
			assert.Error(t, err)
		})
	}
	_, err := BuildWorkflow(nil, "missing", nil)
	assert.Error(t, err)
}

func TestExecutePassesDependencyResults(t *testing.T) {
	reg := NewRegistry()
	reg.Register("enrich", ok(map[string]any{"leads": 12}))
	var got MissionContext
	reg.Register("score", WorkerFunc(func(_ context.Context, mc MissionContext) (AgentResult, error) {
		got = mc
		return AgentResult{Success: true, Data: map[string]any{"scored": 12}}, nil
	}))
	ex := NewExecutor(reg, 4, nil, nil)

	enrich := task("enrich")
	enrich.Params = map[string]any{"segment": "fintech"}
	score := task("score", "enrich")
	score.Params = map[string]any{"segment": "fintech"}
	run, err := ex.ExecuteWorkflow(context.Background(), "m1", []Task{enrich, score})
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, 2, run.Rounds)
	assert.Equal(t, "m1:score", got.IdempotencyKey)
	assert.Equal(t, map[string]any{"leads": 12}, got.Params["enrich_result"])
	assert.Equal(t, "fintech", got.Params["segment"])
	assert.Equal(t, map[string]any{"scored": 12}, run.Results["score"])
	assert.Equal(t, 2, run.Counts[StatusCompleted])
}

// A succeeds, B fails, critical C depends on both and never runs.
func TestFailedDependencyFailsDependent(t *testing.T) {
	reg := NewRegistry()
	reg.Register("A", ok(nil))
	reg.Register("B", failing("crm down"))
	var cRan atomic.Bool
	reg.Register("C", WorkerFunc(func(context.Context, MissionContext) (AgentResult, error) {
		cRan.Store(true)
		return AgentResult{Success: true}, nil
	}))
	c := task("C", "A", "B")
	c.Critical = true

	run, err := NewExecutor(reg, 2, nil, nil).ExecuteWorkflow(context.Background(), "m1", []Task{task("A"), task("B"), c})
	require.NoError(t, err)
	assert.False(t, run.Success)
	assert.False(t, cRan.Load())
	want := map[string]TaskStatus{"A": StatusCompleted, "B": StatusFailed, "C": StatusFailed}
	if diff := cmp.Diff(want, statuses(run)); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, ReasonDependencyFailed, run.Tasks[2].Reason)
	assert.Equal(t, "crm down", run.Tasks[1].Error)
}

func TestCriticalFailureAbortsPending(t *testing.T) {
	reg := NewRegistry()
	reg.Register("gate", failing("bad input"))
	reg.Register("slow", ok(nil))
	reg.Register("after", ok(nil))
	gate := task("gate")
	gate.Critical = true

	run, err := NewExecutor(reg, 4, nil, nil).ExecuteWorkflow(context.Background(), "m1",
		[]Task{gate, task("slow"), task("after", "slow")})
	require.NoError(t, err)
	assert.False(t, run.Success)
	assert.Contains(t, run.AbortReason, "gate")
	byID := map[string]Task{}
	for _, tk := range run.Tasks {
		byID[tk.ID] = tk
	}
	assert.Equal(t, StatusCompleted, byID["slow"].Status)
	assert.Equal(t, StatusFailed, byID["after"].Status)
	assert.Equal(t, ReasonAborted, byID["after"].Reason)
}

func TestCycleIsDeadlock(t *testing.T) {
	reg := NewRegistry()
	reg.Register("x", ok(nil))
	reg.Register("y", ok(nil))
	run, err := NewExecutor(reg, 1, nil, nil).ExecuteWorkflow(context.Background(), "m1",
		[]Task{task("x", "y"), task("y", "x")})
	var de *DependencyDeadlockError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{"x", "y"}, de.Pending)
	assert.True(t, IsDeadlock(err))
	for _, tk := range run.Tasks {
		assert.Equal(t, ReasonDeadlock, tk.Reason)
	}

	_, err = Plan([]Task{task("x", "y"), task("y", "x")})
	assert.True(t, IsDeadlock(err))
}

func TestSiblingsRunConcurrently(t *testing.T) {
	reg := NewRegistry()
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	slow := WorkerFunc(func(context.Context, MissionContext) (AgentResult, error) {
		mu.Lock()
		current++
		if current > peak {
			peak = current
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return AgentResult{Success: true}, nil
	})
	for _, id := range []string{"a", "b", "c", "d"} {
		reg.Register(id, slow)
	}
	run, err := NewExecutor(reg, 3, nil, nil).ExecuteWorkflow(context.Background(), "m1",
		[]Task{task("a"), task("b"), task("c"), task("d")})
	require.NoError(t, err)
	assert.True(t, run.Success)
	assert.Equal(t, 1, run.Rounds)
	assert.Equal(t, 3, peak, "parallelism limit caps concurrent siblings")
}

func TestCancellationDiscardsRunningAndSkipsPending(t *testing.T) {
	reg := NewRegistry()
	started := make(chan struct{})
	reg.Register("long", WorkerFunc(func(ctx context.Context, _ MissionContext) (AgentResult, error) {
		close(started)
		<-ctx.Done()
		return AgentResult{Success: true, Data: map[string]any{"late": true}}, nil
	}))
	reg.Register("next", ok(nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	run, err := NewExecutor(reg, 2, nil, nil).ExecuteWorkflow(ctx, "m1", []Task{task("long"), task("next", "long")})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, run.Success)
	for _, tk := range run.Tasks {
		assert.Equal(t, StatusCancelled, tk.Status, tk.ID)
		assert.Nil(t, tk.Result, tk.ID)
	}
}

func TestMissingWorkerAndPanicFailTask(t *testing.T) {
	reg := NewRegistry()
	reg.Register("boom", WorkerFunc(func(context.Context, MissionContext) (AgentResult, error) {
		panic("nil map")
	}))
	run, err := NewExecutor(reg, 2, nil, nil).ExecuteWorkflow(context.Background(), "m1", []Task{task("ghost"), task("boom")})
	require.NoError(t, err)
	assert.False(t, run.Success)
	assert.Contains(t, run.Tasks[0].Error, "no worker registered")
	assert.Contains(t, run.Tasks[1].Error, "panicked")

	reg.Register("err", WorkerFunc(func(context.Context, MissionContext) (AgentResult, error) {
		return AgentResult{}, errors.New("quota")
	}))
	run, err = NewExecutor(reg, 1, nil, nil).ExecuteWorkflow(context.Background(), "m2", []Task{task("err")})
	require.NoError(t, err)
	assert.Equal(t, "quota", run.Tasks[0].Error)
}

func TestRegistryCovers(t *testing.T) {
	reg := NewRegistry()
	reg.Register("a", ok(nil))
	assert.True(t, reg.Covers([]string{"a"}))
	assert.False(t, reg.Covers([]string{"a", "b"}))
	assert.False(t, reg.Covers(nil))
}
