package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"missioncore/internal/logging"
	"missioncore/internal/metrics"
)

// MissionContext is what a worker receives for one task.
type MissionContext struct {
	MissionID      string         `json:"mission_id"`
	TaskID         string         `json:"task_id"`
	Agent          string         `json:"agent"`
	Params         map[string]any `json:"params"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type AgentResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Worker executes a single task for an agent.
type Worker interface {
	HandleMission(ctx context.Context, mc MissionContext) (AgentResult, error)
}

type WorkerFunc func(ctx context.Context, mc MissionContext) (AgentResult, error)

func (f WorkerFunc) HandleMission(ctx context.Context, mc MissionContext) (AgentResult, error) {
	return f(ctx, mc)
}

// Registry maps agent names to workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
}

func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

func (r *Registry) Register(agent string, w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[agent] = w
}

func (r *Registry) Lookup(agent string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[agent]
	return w, ok
}

// Covers reports whether every agent has a registered worker.
func (r *Registry) Covers(agents []string) bool {
	if len(agents) == 0 {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range agents {
		if _, ok := r.workers[a]; !ok {
			return false
		}
	}
	return true
}

type Run struct {
	MissionID   string                    `json:"mission_id"`
	Tasks       []Task                    `json:"tasks"`
	Success     bool                      `json:"success"`
	Results     map[string]map[string]any `json:"results"`
	Counts      map[TaskStatus]int        `json:"counts"`
	AbortReason string                    `json:"abort_reason,omitempty"`
	Rounds      int                       `json:"rounds"`
}

type Executor struct {
	Workers     *Registry
	Parallelism int
	Now         func() time.Time
	Log         *zap.Logger
	Metrics     *metrics.Metrics
}

func NewExecutor(workers *Registry, parallelism int, log *zap.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		Workers:     workers,
		Parallelism: parallelism,
		Now:         time.Now,
		Log:         logging.OrNop(log).Named("workflow"),
		Metrics:     m,
	}
}

func (e *Executor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// ExecuteWorkflow runs tasks to completion. Task failures are reported in the
// returned Run; the error is non-nil only for a dependency deadlock or
// cancellation, in which case the Run is still returned.
func (e *Executor) ExecuteWorkflow(ctx context.Context, missionID string, tasks []Task) (*Run, error) {
	run := &Run{MissionID: missionID, Tasks: make([]Task, len(tasks))}
	copy(run.Tasks, tasks)
	index := make(map[string]int, len(run.Tasks))
	for i := range run.Tasks {
		if run.Tasks[i].Status == "" {
			run.Tasks[i].Status = StatusPending
		}
		index[run.Tasks[i].ID] = i
	}
	log := logging.OrNop(e.Log).With(zap.String("mission_id", missionID))

	var runErr error
	maxRounds := 2 * len(run.Tasks)
	for run.Rounds < maxRounds {
		if err := ctx.Err(); err != nil {
			e.cancelPending(run)
			runErr = err
			break
		}
		e.failBlocked(run, index)
		if id, ok := criticalFailure(run); ok && run.AbortReason == "" {
			run.AbortReason = fmt.Sprintf("critical task %s failed", id)
			for i := range run.Tasks {
				if run.Tasks[i].Status == StatusPending {
					e.finish(&run.Tasks[i], StatusFailed, ReasonAborted, run.AbortReason)
				}
			}
			log.Warn("workflow aborted", zap.String("task_id", id))
			break
		}

		var ready []int
		pending := 0
		for i, t := range run.Tasks {
			if t.Status != StatusPending {
				continue
			}
			pending++
			if e.depsCompleted(run, index, t) {
				ready = append(ready, i)
			}
		}
		if pending == 0 {
			break
		}
		if len(ready) == 0 {
			runErr = e.deadlock(run)
			break
		}
		run.Rounds++
		e.runRound(ctx, run, index, ready, missionID)

		if ctx.Err() != nil {
			e.cancelPending(run)
			runErr = ctx.Err()
			break
		}
	}
	if runErr == nil {
		for _, t := range run.Tasks {
			if t.Status == StatusPending {
				runErr = e.deadlock(run)
				break
			}
		}
	}
	e.summarize(run)
	if runErr != nil {
		log.Warn("workflow stopped", zap.Error(runErr))
	} else {
		log.Debug("workflow finished", zap.Bool("success", run.Success), zap.Int("rounds", run.Rounds))
	}
	return run, runErr
}

// failBlocked marks pending tasks with a failed or cancelled dependency,
// repeating until no more tasks change.
func (e *Executor) failBlocked(run *Run, index map[string]int) {
	for changed := true; changed; {
		changed = false
		for i := range run.Tasks {
			t := &run.Tasks[i]
			if t.Status != StatusPending {
				continue
			}
			for _, dep := range t.DependsOn {
				ds := run.Tasks[index[dep]].Status
				if ds == StatusFailed || ds == StatusCancelled {
					e.finish(t, StatusFailed, ReasonDependencyFailed, fmt.Sprintf("dependency %s %s", dep, ds))
					changed = true
					break
				}
			}
		}
	}
}

func (e *Executor) depsCompleted(run *Run, index map[string]int, t Task) bool {
	for _, dep := range t.DependsOn {
		i, ok := index[dep]
		if !ok || run.Tasks[i].Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (e *Executor) runRound(ctx context.Context, run *Run, index map[string]int, ready []int, missionID string) {
	inputs := make([]map[string]any, len(ready))
	for n, i := range ready {
		t := run.Tasks[i]
		in := make(map[string]any, len(t.Params)+len(t.DependsOn))
		for k, v := range t.Params {
			in[k] = v
		}
		for _, dep := range t.DependsOn {
			d := run.Tasks[index[dep]]
			in[d.Agent+"_result"] = d.Result
		}
		inputs[n] = in
	}

	g := new(errgroup.Group)
	if e.Parallelism > 0 {
		g.SetLimit(e.Parallelism)
	}
	for n, i := range ready {
		task := &run.Tasks[i]
		params := inputs[n]
		g.Go(func() error {
			if ctx.Err() != nil {
				e.finish(task, StatusCancelled, ReasonCancelled, "cancelled before start")
				return nil
			}
			started := e.now()
			task.Status = StatusRunning
			task.StartedAt = &started
			e.Metrics.Task(string(StatusRunning))

			res, err := e.invoke(ctx, MissionContext{
				MissionID:      missionID,
				TaskID:         task.ID,
				Agent:          task.Agent,
				Params:         params,
				IdempotencyKey: missionID + ":" + task.ID,
			})
			switch {
			case ctx.Err() != nil:
				e.finish(task, StatusCancelled, ReasonCancelled, "cancelled while running")
			case err != nil:
				e.finish(task, StatusFailed, ReasonError, err.Error())
			case !res.Success:
				msg := res.Error
				if msg == "" {
					msg = "agent reported failure"
				}
				e.finish(task, StatusFailed, ReasonError, msg)
			default:
				task.Result = res.Data
				e.finish(task, StatusCompleted, "", "")
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Executor) invoke(ctx context.Context, mc MissionContext) (res AgentResult, err error) {
	var w Worker
	ok := false
	if e.Workers != nil {
		w, ok = e.Workers.Lookup(mc.Agent)
	}
	if !ok {
		return AgentResult{}, fmt.Errorf("no worker registered for agent %s", mc.Agent)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent %s panicked: %v", mc.Agent, r)
		}
	}()
	return w.HandleMission(ctx, mc)
}

func (e *Executor) finish(t *Task, status TaskStatus, reason Reason, msg string) {
	now := e.now()
	t.Status = status
	t.Reason = reason
	t.Error = msg
	t.FinishedAt = &now
	e.Metrics.Task(string(status))
}

func (e *Executor) cancelPending(run *Run) {
	for i := range run.Tasks {
		if run.Tasks[i].Status == StatusPending {
			e.finish(&run.Tasks[i], StatusCancelled, ReasonCancelled, "workflow cancelled")
		}
	}
}

func (e *Executor) deadlock(run *Run) error {
	var pending []string
	for i := range run.Tasks {
		if run.Tasks[i].Status == StatusPending {
			pending = append(pending, run.Tasks[i].ID)
			e.finish(&run.Tasks[i], StatusFailed, ReasonDeadlock, "dependencies can never complete")
		}
	}
	sort.Strings(pending)
	err := &DependencyDeadlockError{MissionID: run.MissionID, Pending: pending}
	run.AbortReason = err.Error()
	return err
}

func criticalFailure(run *Run) (string, bool) {
	for _, t := range run.Tasks {
		if t.Critical && t.Status == StatusFailed {
			return t.ID, true
		}
	}
	return "", false
}

func (e *Executor) summarize(run *Run) {
	run.Results = make(map[string]map[string]any)
	run.Counts = make(map[TaskStatus]int)
	run.Success = len(run.Tasks) > 0
	for _, t := range run.Tasks {
		run.Counts[t.Status]++
		if t.Status == StatusCompleted {
			run.Results[t.Agent] = t.Result
		} else {
			run.Success = false
		}
	}
}

// Failed returns the first non-completed task, for error reporting.
func (r *Run) Failed() (Task, bool) {
	for _, t := range r.Tasks {
		if t.Status != StatusCompleted {
			return t, true
		}
	}
	return Task{}, false
}

// IsDeadlock reports whether err is a DependencyDeadlockError.
func IsDeadlock(err error) bool {
	var de *DependencyDeadlockError
	return errors.As(err, &de)
}
