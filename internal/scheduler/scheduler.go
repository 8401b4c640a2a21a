// Package scheduler drives missions through their lifecycle. Three
// independent loops (assignment, progress monitor and error recovery) share
// state only through the store and the allocator; worker reports arrive as
// bus messages.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"missioncore/internal/allocator"
	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/decision"
	"missioncore/internal/domain"
	"missioncore/internal/events"
	"missioncore/internal/logging"
	"missioncore/internal/metrics"
	"missioncore/internal/repo"
)

const sender = "scheduler"

var inFlight = []domain.MissionState{domain.StateAssigned, domain.StateExecuting, domain.StateWaiting}

type Options struct {
	Repo    repo.Repo
	Alloc   *allocator.Allocator
	Decider *decision.Engine
	Bus     *bus.Bus
	Config  config.Scheduler
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// OnTerminal is called after a mission is escalated by the scheduler, so
	// in-process work for it can be stopped.
	OnTerminal func(missionID string)
}

type Scheduler struct {
	repo       repo.Repo
	alloc      *allocator.Allocator
	decider    *decision.Engine
	bus        *bus.Bus
	cfg        config.Scheduler
	now        func() time.Time
	log        *zap.Logger
	metrics    *metrics.Metrics
	onTerminal func(string)
}

func New(opts Options) *Scheduler {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		repo:       opts.Repo,
		alloc:      opts.Alloc,
		decider:    opts.Decider,
		bus:        opts.Bus,
		cfg:        opts.Config,
		now:        func() time.Time { return now().UTC() },
		log:        logging.OrNop(opts.Log).Named("scheduler"),
		metrics:    opts.Metrics,
		onTerminal: opts.OnTerminal,
	}
}

// Run registers the worker report handlers and runs the three loops until
// ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	unregister := s.RegisterHandlers()
	defer unregister()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(ctx, "assign", s.cfg.AssignInterval, s.AssignPass) })
	g.Go(func() error { return s.loop(ctx, "monitor", s.cfg.MonitorInterval, s.MonitorPass) })
	g.Go(func() error { return s.loop(ctx, "recovery", s.cfg.RecoveryInterval, s.RecoveryPass) })
	s.log.Info("scheduler started",
		zap.Duration("assign_interval", s.cfg.AssignInterval),
		zap.Duration("monitor_interval", s.cfg.MonitorInterval),
		zap.Duration("recovery_interval", s.cfg.RecoveryInterval))
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("%s loop: interval must be positive", name)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			if err := pass(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("pass failed", zap.String("loop", name), zap.Error(err))
			}
			s.metrics.ObservePass(name, time.Since(start).Seconds())
		}
	}
}

// transition wraps the store's compare-and-transition and records the
// transition metric.
func (s *Scheduler) transition(ctx context.Context, id string, c repo.Change) (domain.Mission, error) {
	var from domain.MissionState
	mutate := c.Mutate
	c.Mutate = func(m *domain.Mission) error {
		from = m.State
		if mutate != nil {
			return mutate(m)
		}
		return nil
	}
	if c.ActorID == "" {
		c.ActorID = sender
	}
	m, err := s.repo.TransitionMission(ctx, id, c)
	if err == nil && from != m.State {
		s.metrics.Transition(string(from), string(m.State))
	}
	return m, err
}

// AssignPass reserves resources for the highest priority queued missions and
// assigns those that got them. Missions left waiting may be boosted.
func (s *Scheduler) AssignPass(ctx context.Context) error {
	queued, err := s.repo.ListQueued(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list queued: %w", err)
	}
	for _, m := range queued {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.assign(ctx, m)
	}
	return nil
}

func (s *Scheduler) assign(ctx context.Context, m domain.Mission) {
	log := s.log.With(zap.String("mission_id", m.ID), zap.String("mission_type", m.Type))
	now := s.now()
	res, err := s.alloc.CheckAvailability(ctx, m)
	if err != nil {
		log.Warn("assignment failure; mission stays queued", zap.Error(err))
		return
	}
	if !res.Available {
		d := s.decider.Decide(m, decision.Event{Kind: decision.EventResourcesUnavailable, Now: now, Reason: res.Reason})
		s.metrics.Decision(string(d.Action), d.Source)
		log.Debug("resources unavailable", zap.String("class", string(res.Class)), zap.String("reason", res.Reason), zap.String("action", string(d.Action)))
		if d.Action == decision.ActionBoostPriority {
			s.boost(ctx, m, d, now)
		}
		return
	}

	d := s.decider.Decide(m, decision.Event{Kind: decision.EventResourcesGranted, Now: now})
	s.metrics.Decision(string(d.Action), d.Source)
	alloc := res.Allocation
	updated, err := s.transition(ctx, m.ID, repo.Change{
		From: []domain.MissionState{domain.StateQueued},
		To:   domain.StateAssigned,
		Mutate: func(mm *domain.Mission) error {
			a := alloc
			mm.Allocation = &a
			mm.AssignedCrew = alloc.Crew
			mm.AssignedAt = &now
			mm.NextRetryAt = nil
			mm.Stage = ""
			return nil
		},
		Payload: map[string]any{"crew": alloc.Crew, "domain_identity": alloc.DomainIdentity},
	})
	if err != nil {
		if relErr := s.alloc.Release(ctx, m.ID); relErr != nil {
			log.Error("release after lost assignment", zap.Error(relErr))
		}
		if errors.Is(err, repo.ErrConflict) {
			log.Info("mission changed while assigning; reservation released")
			return
		}
		log.Error("assignment failure", zap.Error(err))
		return
	}
	log.Info("mission assigned", zap.String("crew", alloc.Crew), zap.String("domain_identity", alloc.DomainIdentity))
	_, err = s.bus.Publish(ctx, bus.Message{
		Type:      bus.TypeMissionAssigned,
		Sender:    sender,
		Recipient: alloc.Crew,
		MissionID: updated.ID,
		Data: map[string]any{
			"mission_type":    updated.Type,
			"priority":        updated.Priority,
			"campaign_id":     updated.Campaign(),
			"agents":          alloc.Agents,
			"domain_identity": alloc.DomainIdentity,
			"params":          updated.Params,
			"attempt":         updated.RetryCount,
		},
	})
	if err != nil {
		// The monitor times the mission out if no worker ever picks it up.
		log.Error("publish assignment", zap.Error(err))
	}
}

func (s *Scheduler) boost(ctx context.Context, m domain.Mission, d decision.Decision, now time.Time) {
	_, err := s.transition(ctx, m.ID, repo.Change{
		From:  []domain.MissionState{domain.StateQueued},
		Event: events.MissionBoosted,
		Mutate: func(mm *domain.Mission) error {
			if mm.Priority != m.Priority {
				return fmt.Errorf("priority changed to %d: %w", mm.Priority, repo.ErrConflict)
			}
			mm.Priority = d.NewPriority
			mm.LastBoostedAt = &now
			return nil
		},
		Payload: map[string]any{"from_priority": m.Priority, "to_priority": d.NewPriority, "reason": d.Reason},
	})
	if err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			s.log.Error("boost priority", zap.String("mission_id", m.ID), zap.Error(err))
		}
		return
	}
	s.log.Info("priority boosted", zap.String("mission_id", m.ID), zap.Int("from", m.Priority), zap.Int("to", d.NewPriority))
}

// MonitorPass escalates in-flight missions assigned longer ago than the
// mission timeout.
func (s *Scheduler) MonitorPass(ctx context.Context) error {
	now := s.now()
	stale, err := s.repo.StaleInFlight(ctx, now.Add(-s.cfg.MissionTimeout))
	if err != nil {
		return fmt.Errorf("list stale missions: %w", err)
	}
	for _, m := range stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		d := s.decider.Decide(m, decision.Event{Kind: decision.EventMissionTimeout, Now: now})
		s.metrics.Decision(string(d.Action), d.Source)
		if d.Action != decision.ActionEscalate {
			continue
		}
		rec := domain.ErrorRecord{
			Kind:    domain.ErrorMissionTimeout,
			Message: fmt.Sprintf("no completion within %s of assignment", s.cfg.MissionTimeout),
			At:      now,
		}
		s.escalate(ctx, m, inFlight, &rec, d.Reason)
	}
	s.reconcileReservations(ctx)
	return nil
}

// reservationGrace covers the gap between reserving resources and the
// queued -> assigned write in the assign pass.
const reservationGrace = 30 * time.Second

// reconcileReservations drops reservations whose mission left the in-flight
// states outside this process, such as a cancel issued from the CLI.
func (s *Scheduler) reconcileReservations(ctx context.Context) {
	now := s.now()
	for _, a := range s.alloc.Snapshot().Reservations {
		if now.Sub(a.ReservedAt) < reservationGrace {
			continue
		}
		m, err := s.repo.GetMission(ctx, a.MissionID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			s.log.Warn("reconcile reservation", zap.String("mission_id", a.MissionID), zap.Error(err))
			continue
		}
		if err == nil && m.State.InFlight() {
			continue
		}
		if err := s.alloc.Release(ctx, a.MissionID); err != nil {
			s.log.Warn("release orphaned reservation", zap.String("mission_id", a.MissionID), zap.Error(err))
			continue
		}
		s.log.Info("orphaned reservation released", zap.String("mission_id", a.MissionID))
		if m.ID != "" && m.State.Terminal() && s.onTerminal != nil {
			s.onTerminal(m.ID)
		}
	}
}

// RecoveryPass decides on fresh failures and requeues failures whose backoff
// has elapsed.
func (s *Scheduler) RecoveryPass(ctx context.Context) error {
	now := s.now()
	failed, err := s.repo.ListByState(ctx, domain.StateFailed, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list failed: %w", err)
	}
	for _, m := range failed {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.NextRetryAt != nil {
			if now.Before(*m.NextRetryAt) {
				continue
			}
			s.requeue(ctx, m)
			continue
		}
		d := s.decider.Advise(ctx, m, decision.Event{Kind: decision.EventMissionFailed, Now: now, Error: m.Error})
		switch d.Action {
		case decision.ActionRetry:
			s.scheduleRetry(ctx, m, d, now)
		case decision.ActionEscalate:
			s.escalate(ctx, m, []domain.MissionState{domain.StateFailed}, nil, d.Reason)
		default:
			s.log.Warn("unexpected recovery decision", zap.String("mission_id", m.ID), zap.String("action", string(d.Action)))
		}
	}
	return nil
}

func (s *Scheduler) scheduleRetry(ctx context.Context, m domain.Mission, d decision.Decision, now time.Time) {
	at := now.Add(d.Backoff)
	_, err := s.transition(ctx, m.ID, repo.Change{
		From:  []domain.MissionState{domain.StateFailed},
		Event: events.MissionRetried,
		Mutate: func(mm *domain.Mission) error {
			if mm.NextRetryAt != nil {
				return fmt.Errorf("retry already scheduled: %w", repo.ErrConflict)
			}
			mm.RetryCount = d.RetryCount
			mm.NextRetryAt = &at
			return nil
		},
		Payload: map[string]any{"retry_count": d.RetryCount, "backoff_seconds": d.Backoff.Seconds(), "source": d.Source},
	})
	if err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			s.log.Error("schedule retry", zap.String("mission_id", m.ID), zap.Error(err))
		}
		return
	}
	s.log.Info("retry scheduled", zap.String("mission_id", m.ID), zap.Int("retry_count", d.RetryCount), zap.Duration("backoff", d.Backoff), zap.String("source", d.Source))
}

func (s *Scheduler) requeue(ctx context.Context, m domain.Mission) {
	updated, err := s.transition(ctx, m.ID, repo.Change{
		From: []domain.MissionState{domain.StateFailed},
		To:   domain.StateQueued,
		Mutate: func(mm *domain.Mission) error {
			mm.NextRetryAt = nil
			mm.Allocation = nil
			mm.AssignedCrew = ""
			mm.AssignedAt = nil
			mm.StartedAt = nil
			mm.Stage = ""
			return nil
		},
		Payload: map[string]any{"retry_count": m.RetryCount},
	})
	if err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			s.log.Error("requeue", zap.String("mission_id", m.ID), zap.Error(err))
		}
		return
	}
	s.log.Info("mission requeued", zap.String("mission_id", m.ID), zap.Int("retry_count", updated.RetryCount))
	s.publish(ctx, bus.Message{Type: bus.TypeMissionRequeued, MissionID: m.ID, Data: map[string]any{"retry_count": updated.RetryCount}})
}

// escalate moves a mission to ESCALATED, releases its resources and raises
// an error message. rec, when set, becomes the mission's current error.
func (s *Scheduler) escalate(ctx context.Context, m domain.Mission, from []domain.MissionState, rec *domain.ErrorRecord, reason string) {
	now := s.now()
	updated, err := s.transition(ctx, m.ID, repo.Change{
		From: from,
		To:   domain.StateEscalated,
		Mutate: func(mm *domain.Mission) error {
			if rec != nil {
				mm.RecordError(*rec)
			}
			mm.NextRetryAt = nil
			mm.CompletedAt = &now
			return nil
		},
		Payload: map[string]any{"reason": reason},
	})
	if err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			s.log.Error("escalate", zap.String("mission_id", m.ID), zap.Error(err))
		}
		return
	}
	if err := s.alloc.Release(ctx, m.ID); err != nil {
		s.log.Error("release escalated mission", zap.String("mission_id", m.ID), zap.Error(err))
	}
	if s.onTerminal != nil {
		s.onTerminal(m.ID)
	}
	s.log.Warn("mission escalated", zap.String("mission_id", m.ID), zap.String("reason", reason))

	data := map[string]any{"mission_type": updated.Type, "reason": reason, "retry_count": updated.RetryCount}
	if updated.Error != nil {
		data["error_kind"] = string(updated.Error.Kind)
		data["error"] = updated.Error.Message
	}
	s.publish(ctx, bus.Message{Type: bus.TypeMissionEscalated, MissionID: m.ID, Data: data})
	s.Telemetry(ctx, updated, bus.OutcomeEscalated)
}

func (s *Scheduler) publish(ctx context.Context, msg bus.Message) {
	if msg.Sender == "" {
		msg.Sender = sender
	}
	if _, err := s.bus.Publish(ctx, msg); err != nil {
		s.log.Warn("publish", zap.String("type", msg.Type), zap.String("mission_id", msg.MissionID), zap.Error(err))
	}
}

// Telemetry reports a mission outcome to the analytics channel.
func (s *Scheduler) Telemetry(ctx context.Context, m domain.Mission, outcome string) {
	start := m.CreatedAt
	if m.AssignedAt != nil {
		start = *m.AssignedAt
	}
	s.publish(ctx, bus.Message{
		Type:      bus.TypeTelemetry,
		MissionID: m.ID,
		Data: map[string]any{
			"mission_type":     m.Type,
			"outcome":          outcome,
			"duration_seconds": s.now().Sub(start).Seconds(),
			"retries":          m.RetryCount,
		},
	})
}
