// Package decision maps a mission and an orchestration event to the next
// action. The rule engine is pure; an optional advisor may break ties on
// ambiguous failures but its answer is always validated against the rules'
// closed action set.
package decision

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"missioncore/internal/config"
	"missioncore/internal/domain"
	"missioncore/internal/logging"
	"missioncore/internal/metrics"
)

type Action string

const (
	ActionAssign        Action = "assign"
	ActionBoostPriority Action = "boost_priority"
	ActionRetry         Action = "retry_mission"
	ActionEscalate      Action = "escalate_error"
	ActionNoOp          Action = "no_op"
)

func (a Action) Valid() bool {
	switch a {
	case ActionAssign, ActionBoostPriority, ActionRetry, ActionEscalate, ActionNoOp:
		return true
	default:
		return false
	}
}

type EventKind string

const (
	EventResourcesGranted     EventKind = "resources_granted"
	EventResourcesUnavailable EventKind = "resources_unavailable"
	EventMissionFailed        EventKind = "mission_failed"
	EventMissionTimeout       EventKind = "mission_timeout"
)

type Event struct {
	Kind   EventKind
	Now    time.Time
	Reason string
	Error  *domain.ErrorRecord
}

const (
	SourceRules   = "rules"
	SourceAdvisor = "advisor"
)

type Decision struct {
	Action      Action        `json:"action"`
	NewPriority int           `json:"new_priority,omitempty"`
	Backoff     time.Duration `json:"backoff,omitempty"`
	RetryCount  int           `json:"retry_count,omitempty"`
	Reason      string        `json:"reason"`
	Source      string        `json:"source"`
}

type Thresholds struct {
	BoostAfter  time.Duration
	BoostStep   int
	MaxPriority int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func ThresholdsFrom(cfg config.Decision) Thresholds {
	t := Thresholds{
		BoostAfter:  cfg.BoostAfter,
		BoostStep:   cfg.BoostStep,
		MaxPriority: cfg.MaxPriority,
		MaxRetries:  cfg.MaxRetries,
		BaseBackoff: cfg.BaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
	}
	if t.BoostStep <= 0 {
		t.BoostStep = 1
	}
	return t
}

type Engine struct {
	Thresholds Thresholds
	Advisor    Advisor
	Log        *zap.Logger
	Metrics    *metrics.Metrics
}

func New(cfg config.Decision, advisor Advisor, log *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		Thresholds: ThresholdsFrom(cfg),
		Advisor:    advisor,
		Log:        logging.OrNop(log).Named("decision"),
		Metrics:    m,
	}
}

// Decide applies the rules. It depends only on its arguments and the thresholds.
func (e *Engine) Decide(m domain.Mission, ev Event) Decision {
	t := e.Thresholds
	switch ev.Kind {
	case EventResourcesGranted:
		return Decision{Action: ActionAssign, Reason: "resources reserved", Source: SourceRules}
	case EventResourcesUnavailable:
		return boostDecision(t, m, ev)
	case EventMissionFailed:
		return failureDecision(t, m, ev)
	case EventMissionTimeout:
		return Decision{Action: ActionEscalate, Reason: "mission exceeded its execution timeout", Source: SourceRules}
	default:
		return Decision{Action: ActionNoOp, Reason: fmt.Sprintf("unhandled event %q", ev.Kind), Source: SourceRules}
	}
}

func boostDecision(t Thresholds, m domain.Mission, ev Event) Decision {
	if m.Priority >= t.MaxPriority {
		return Decision{Action: ActionNoOp, Reason: "already at max priority; " + ev.Reason, Source: SourceRules}
	}
	since := m.CreatedAt
	if m.LastBoostedAt != nil && m.LastBoostedAt.After(since) {
		since = *m.LastBoostedAt
	}
	threshold := BoostThreshold(t, m.Priority)
	waited := ev.Now.Sub(since)
	if waited <= threshold {
		return Decision{Action: ActionNoOp, Reason: fmt.Sprintf("waiting %s of %s; %s", waited.Round(time.Second), threshold, ev.Reason), Source: SourceRules}
	}
	next := m.Priority + t.BoostStep
	if next > t.MaxPriority {
		next = t.MaxPriority
	}
	return Decision{
		Action:      ActionBoostPriority,
		NewPriority: next,
		Reason:      fmt.Sprintf("queued %s beyond %s", waited.Round(time.Second), threshold),
		Source:      SourceRules,
	}
}

// BoostThreshold is the queue wait after which a mission of the given priority is boosted.
// Higher priorities wait less.
func BoostThreshold(t Thresholds, priority int) time.Duration {
	if priority < 1 {
		priority = 1
	}
	return t.BoostAfter / time.Duration(priority)
}

func failureDecision(t Thresholds, m domain.Mission, ev Event) Decision {
	if ev.Error != nil && !ev.Error.Recoverable && ev.Error.Kind != domain.ErrorUnclassified {
		return Decision{Action: ActionEscalate, Reason: "unrecoverable " + string(ev.Error.Kind), Source: SourceRules}
	}
	if m.RetryCount >= t.MaxRetries {
		return Decision{Action: ActionEscalate, Reason: fmt.Sprintf("retries exhausted (%d/%d)", m.RetryCount, t.MaxRetries), Source: SourceRules}
	}
	return retryDecision(t, m)
}

func retryDecision(t Thresholds, m domain.Mission) Decision {
	backoff := Backoff(t, m.RetryCount)
	return Decision{
		Action:     ActionRetry,
		Backoff:    backoff,
		RetryCount: m.RetryCount + 1,
		Reason:     fmt.Sprintf("retry %d/%d after %s", m.RetryCount+1, t.MaxRetries, backoff),
		Source:     SourceRules,
	}
}

// Backoff returns base * 2^retry, capped at the max backoff.
func Backoff(t Thresholds, retry int) time.Duration {
	d := t.BaseBackoff
	for i := 0; i < retry; i++ {
		d *= 2
		if d >= t.MaxBackoff {
			return t.MaxBackoff
		}
	}
	if t.MaxBackoff > 0 && d > t.MaxBackoff {
		return t.MaxBackoff
	}
	return d
}

// ambiguous reports whether the rules would like a second opinion: an
// unclassified failure with retries left could go either way.
func (e *Engine) ambiguous(m domain.Mission, ev Event) bool {
	if ev.Kind != EventMissionFailed || m.RetryCount >= e.Thresholds.MaxRetries {
		return false
	}
	return ev.Error == nil || ev.Error.Kind == domain.ErrorUnclassified
}

// Advise decides like Decide, consulting the advisor on ambiguous failures.
// Any advisor error or out-of-set answer falls back to the rule result.
func (e *Engine) Advise(ctx context.Context, m domain.Mission, ev Event) Decision {
	rule := e.Decide(m, ev)
	if e.Advisor == nil || !e.ambiguous(m, ev) {
		e.Metrics.Decision(string(rule.Action), rule.Source)
		return rule
	}
	allowed := []Action{ActionRetry, ActionEscalate}
	raw, err := e.Advisor.Suggest(ctx, Request{Mission: m, Event: ev, Rule: rule, Allowed: allowed})
	if err != nil {
		e.Log.Warn("advisor unavailable; using rules", zap.String("mission_id", m.ID), zap.Error(err))
		e.Metrics.Decision(string(rule.Action), rule.Source)
		return rule
	}
	action, err := ParseSuggestion(raw, allowed)
	if err != nil {
		e.Log.Warn("advisor answer rejected; using rules", zap.String("mission_id", m.ID), zap.String("raw", truncate(raw, 200)), zap.Error(err))
		e.Metrics.Decision(string(rule.Action), rule.Source)
		return rule
	}
	var d Decision
	switch action {
	case ActionRetry:
		d = retryDecision(e.Thresholds, m)
	case ActionEscalate:
		d = Decision{Action: ActionEscalate, Reason: "advisor escalated unclassified failure"}
	default:
		e.Metrics.Decision(string(rule.Action), rule.Source)
		return rule
	}
	d.Source = SourceAdvisor
	e.Log.Debug("advisor decision", zap.String("mission_id", m.ID), zap.String("action", string(d.Action)))
	e.Metrics.Decision(string(d.Action), d.Source)
	return d
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
