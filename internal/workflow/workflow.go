// Package workflow expands workflow templates into task graphs and executes
// them, running every task whose dependencies have completed concurrently.
package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"missioncore/internal/config"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// Reason explains why a task did not complete.
type Reason string

const (
	ReasonError            Reason = "error"
	ReasonDependencyFailed Reason = "dependency_failed"
	ReasonAborted          Reason = "aborted"
	ReasonDeadlock         Reason = "deadlock"
	ReasonCancelled        Reason = "cancelled"
)

type Task struct {
	ID         string         `json:"id"`
	Agent      string         `json:"agent"`
	Params     map[string]any `json:"params,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Critical   bool           `json:"critical"`
	Status     TaskStatus     `json:"status"`
	Reason     Reason         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// DependencyDeadlockError reports tasks that can never become ready.
type DependencyDeadlockError struct {
	MissionID string
	Pending   []string
}

func (e *DependencyDeadlockError) Error() string {
	if e.MissionID == "" {
		return fmt.Sprintf("dependency deadlock: tasks %s can never run", strings.Join(e.Pending, ", "))
	}
	return fmt.Sprintf("mission %s: dependency deadlock: tasks %s can never run", e.MissionID, strings.Join(e.Pending, ", "))
}

// BuildWorkflow expands a template into pending tasks. Mission params
// overlay each task's template params.
func BuildWorkflow(templates map[string]config.Workflow, templateID string, params map[string]any) ([]Task, error) {
	tmpl, ok := templates[templateID]
	if !ok {
		return nil, fmt.Errorf("unknown workflow template %q", templateID)
	}
	if len(tmpl.Tasks) == 0 {
		return nil, fmt.Errorf("workflow template %s has no tasks", templateID)
	}
	tasks := make([]Task, 0, len(tmpl.Tasks))
	seen := make(map[string]bool, len(tmpl.Tasks))
	for _, wt := range tmpl.Tasks {
		if wt.Agent == "" {
			return nil, fmt.Errorf("workflow %s: task %q has no agent", templateID, wt.ID)
		}
		key := wt.Key()
		if seen[key] {
			return nil, fmt.Errorf("workflow %s: duplicate task %s", templateID, key)
		}
		seen[key] = true
		merged := make(map[string]any, len(wt.Params)+len(params))
		for k, v := range wt.Params {
			merged[k] = v
		}
		for k, v := range params {
			merged[k] = v
		}
		tasks = append(tasks, Task{
			ID:        key,
			Agent:     wt.Agent,
			Params:    merged,
			DependsOn: append([]string(nil), wt.DependsOn...),
			Critical:  wt.Critical,
			Status:    StatusPending,
		})
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("workflow %s: task %s depends on unknown task %s", templateID, t.ID, dep)
			}
		}
	}
	return tasks, nil
}

// Plan groups tasks into the rounds they would run in if every task
// succeeded. A cycle yields a DependencyDeadlockError.
func Plan(tasks []Task) ([][]string, error) {
	done := make(map[string]bool, len(tasks))
	var levels [][]string
	for len(done) < len(tasks) {
		var level []string
		for _, t := range tasks {
			if done[t.ID] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				level = append(level, t.ID)
			}
		}
		if len(level) == 0 {
			var pending []string
			for _, t := range tasks {
				if !done[t.ID] {
					pending = append(pending, t.ID)
				}
			}
			sort.Strings(pending)
			return levels, &DependencyDeadlockError{Pending: pending}
		}
		for _, id := range level {
			done[id] = true
		}
		levels = append(levels, level)
	}
	return levels, nil
}
