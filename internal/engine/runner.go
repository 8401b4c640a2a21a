package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"missioncore/internal/bus"
	"missioncore/internal/domain"
	"missioncore/internal/workflow"
)

const (
	runnerSender = "workflow-runner"
	// keepRuns bounds how many finished runs are kept for status lookups.
	keepRuns = 500
)

// runner tracks in-process workflow runs so they can be cancelled and
// inspected.
type runner struct {
	mu       sync.Mutex
	base     context.Context
	stopBase context.CancelFunc
	active   map[string]context.CancelFunc
	finished map[string]*workflow.Run
	order    []string
	wg       sync.WaitGroup
}

func newRunner() *runner {
	return &runner{
		active:   make(map[string]context.CancelFunc),
		finished: make(map[string]*workflow.Run),
	}
}

func (r *runner) start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base, r.stopBase = context.WithCancel(ctx)
}

// begin registers a run for missionID. It fails if the runner is not started
// or the mission already has a run.
func (r *runner) begin(missionID string) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.base == nil || r.base.Err() != nil {
		return nil, false
	}
	if _, ok := r.active[missionID]; ok {
		return nil, false
	}
	ctx, cancel := context.WithCancel(r.base)
	r.active[missionID] = cancel
	r.wg.Add(1)
	return ctx, true
}

func (r *runner) finish(missionID string, run *workflow.Run) {
	r.mu.Lock()
	if cancel, ok := r.active[missionID]; ok {
		cancel()
		delete(r.active, missionID)
	}
	if run != nil {
		if _, seen := r.finished[missionID]; !seen {
			r.order = append(r.order, missionID)
		}
		r.finished[missionID] = run
		for len(r.order) > keepRuns {
			delete(r.finished, r.order[0])
			r.order = r.order[1:]
		}
	}
	r.mu.Unlock()
	r.wg.Done()
}

// cancel stops the in-process run of a mission, if any.
func (r *runner) cancel(missionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.active[missionID]; ok {
		cancel()
	}
}

func (r *runner) last(missionID string) *workflow.Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished[missionID]
}

// stopAll cancels every run and waits for them to return.
func (r *runner) stopAll() {
	r.mu.Lock()
	if r.stopBase != nil {
		r.stopBase()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// startRunner subscribes the workflow runner to every crew channel and
// returns a func that unsubscribes and waits for running workflows.
func (e Engine) startRunner(ctx context.Context) func() {
	e.runs.start(ctx)
	var unsubscribe []func()
	for _, crew := range e.Config.CrewNames() {
		unsubscribe = append(unsubscribe, e.Bus.Subscribe(bus.CrewChannel(crew), e.onCrewMessage))
	}
	return func() {
		for _, u := range unsubscribe {
			u()
		}
		e.runs.stopAll()
	}
}

func (e Engine) onCrewMessage(_ context.Context, msg bus.Message) error {
	switch msg.Type {
	case bus.TypeMissionAssigned:
		return e.onAssigned(msg)
	case bus.TypeMissionCancelled:
		e.runs.cancel(msg.MissionID)
	}
	return nil
}

func (e Engine) onAssigned(msg bus.Message) error {
	mt, ok := e.Config.MissionTypes[msg.String("mission_type")]
	if !ok || mt.Workflow == "" {
		return nil
	}
	params, _ := msg.Data["params"].(map[string]any)
	tasks, err := workflow.BuildWorkflow(e.Config.Workflows, mt.Workflow, params)
	if err != nil {
		return fmt.Errorf("mission %s: %w", msg.MissionID, err)
	}
	agents := make([]string, 0, len(tasks))
	for _, t := range tasks {
		agents = append(agents, t.Agent)
	}
	if !e.Workers.Covers(agents) {
		return nil
	}
	ctx, ok := e.runs.begin(msg.MissionID)
	if !ok {
		return nil
	}
	go e.execute(ctx, msg.MissionID, tasks)
	return nil
}

// execute runs a mission's workflow and reports the outcome on the bus the
// way an external worker would.
func (e Engine) execute(ctx context.Context, missionID string, tasks []workflow.Task) {
	var run *workflow.Run
	defer func() { e.runs.finish(missionID, run) }()
	log := e.Log.With(zap.String("mission_id", missionID))

	if err := e.publishReport(ctx, missionID, bus.TypeMissionStarted, map[string]any{"stage": "workflow"}); err != nil {
		log.Warn("report start", zap.Error(err))
		return
	}
	run, err := e.Executor.ExecuteWorkflow(ctx, missionID, tasks)
	if ctx.Err() != nil {
		log.Info("workflow run stopped")
		return
	}

	var data map[string]any
	typ := bus.TypeMissionFailed
	switch {
	case workflow.IsDeadlock(err):
		data = map[string]any{"kind": string(domain.ErrorDependencyDeadlock), "recoverable": false, "error": err.Error()}
	case err != nil:
		data = map[string]any{"kind": string(domain.ErrorTaskExecution), "recoverable": true, "error": err.Error()}
	case !run.Success:
		t, _ := run.Failed()
		msg := t.Error
		if run.AbortReason != "" {
			msg = run.AbortReason + ": " + t.Error
		}
		data = map[string]any{"kind": string(domain.ErrorTaskExecution), "recoverable": true, "task": t.ID, "error": msg}
	default:
		typ = bus.TypeMissionCompleted
		result := make(map[string]any, len(run.Results))
		for agent, r := range run.Results {
			result[agent] = r
		}
		data = map[string]any{"result": result}
	}
	if err := e.publishReport(ctx, missionID, typ, data); err != nil {
		log.Warn("report outcome", zap.String("type", typ), zap.Error(err))
	}
}

func (e Engine) publishReport(ctx context.Context, missionID, typ string, data map[string]any) error {
	_, err := e.Bus.Publish(ctx, bus.Message{Type: typ, Sender: runnerSender, MissionID: missionID, Data: data})
	return err
}
