package scheduler

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"missioncore/internal/bus"
	"missioncore/internal/domain"
	"missioncore/internal/events"
	"missioncore/internal/repo"
)

// RegisterHandlers subscribes the worker report handlers to the missions
// channel and returns a func that removes them. One subscription keeps the
// reports of a worker in the order it published them.
func (s *Scheduler) RegisterHandlers() func() {
	return s.bus.Subscribe(bus.ChannelMissions, s.dispatch)
}

func (s *Scheduler) dispatch(ctx context.Context, msg bus.Message) error {
	switch msg.Type {
	case bus.TypeMissionStarted:
		return s.onStarted(ctx, msg)
	case bus.TypeMissionStage:
		return s.onStage(ctx, msg)
	case bus.TypeMissionCompleted:
		return s.onCompleted(ctx, msg)
	case bus.TypeMissionFailed:
		return s.onFailed(ctx, msg)
	default:
		return nil
	}
}

// ignored reports whether err means the report no longer applies to the
// mission, e.g. a late result for a cancelled mission.
func (s *Scheduler) ignored(msg bus.Message, err error) bool {
	if errors.Is(err, repo.ErrConflict) || errors.Is(err, repo.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
		s.log.Warn("report ignored", zap.String("type", msg.Type), zap.String("mission_id", msg.MissionID), zap.String("sender", msg.Sender), zap.Error(err))
		return true
	}
	return false
}

func (s *Scheduler) onStarted(ctx context.Context, msg bus.Message) error {
	now := s.now()
	_, err := s.transition(ctx, msg.MissionID, repo.Change{
		From: []domain.MissionState{domain.StateAssigned},
		To:   domain.StateExecuting,
		Mutate: func(m *domain.Mission) error {
			m.StartedAt = &now
			if stage := msg.String("stage"); stage != "" {
				m.Stage = stage
			}
			return nil
		},
		ActorID: msg.Sender,
	})
	if err != nil && !s.ignored(msg, err) {
		return err
	}
	return nil
}

func (s *Scheduler) onStage(ctx context.Context, msg bus.Message) error {
	to := domain.StateExecuting
	if msg.Bool("waiting") {
		to = domain.StateWaiting
	}
	stage := msg.String("stage")
	_, err := s.transition(ctx, msg.MissionID, repo.Change{
		From: []domain.MissionState{domain.StateExecuting, domain.StateWaiting},
		To:   to,
		Mutate: func(m *domain.Mission) error {
			if stage != "" {
				m.Stage = stage
			}
			return nil
		},
		ActorID: msg.Sender,
		Payload: map[string]any{"stage": stage},
	})
	if err != nil && !s.ignored(msg, err) {
		return err
	}
	return nil
}

func (s *Scheduler) onCompleted(ctx context.Context, msg bus.Message) error {
	now := s.now()
	result, ok := msg.Data["result"].(map[string]any)
	if !ok {
		result = msg.Data
	}
	m, err := s.transition(ctx, msg.MissionID, repo.Change{
		From: []domain.MissionState{domain.StateExecuting, domain.StateWaiting},
		To:   domain.StateCompleted,
		Mutate: func(m *domain.Mission) error {
			m.Result = result
			m.CompletedAt = &now
			m.Stage = "completed"
			return nil
		},
		ActorID: msg.Sender,
	})
	if err != nil {
		if s.ignored(msg, err) {
			return nil
		}
		return err
	}
	if err := s.alloc.Release(ctx, m.ID); err != nil {
		return err
	}
	s.log.Info("mission completed", zap.String("mission_id", m.ID))
	s.Telemetry(ctx, m, bus.OutcomeCompleted)
	return nil
}

func (s *Scheduler) onFailed(ctx context.Context, msg bus.Message) error {
	now := s.now()
	rec := ErrorFromReport(msg)
	rec.At = now
	m, err := s.transition(ctx, msg.MissionID, repo.Change{
		From:  []domain.MissionState{domain.StateAssigned, domain.StateExecuting, domain.StateWaiting},
		To:    domain.StateFailed,
		Event: events.MissionError,
		Mutate: func(m *domain.Mission) error {
			m.RecordError(rec)
			m.NextRetryAt = nil
			return nil
		},
		ActorID: msg.Sender,
		Payload: map[string]any{"kind": string(rec.Kind), "message": rec.Message, "recoverable": rec.Recoverable, "task": rec.Task},
	})
	if err != nil {
		if s.ignored(msg, err) {
			return nil
		}
		return err
	}
	if err := s.alloc.Release(ctx, m.ID); err != nil {
		return err
	}
	s.log.Warn("mission failed", zap.String("mission_id", m.ID), zap.String("kind", string(rec.Kind)), zap.Bool("recoverable", rec.Recoverable), zap.String("error", rec.Message))
	s.Telemetry(ctx, m, bus.OutcomeFailed)
	return nil
}

// ErrorFromReport builds the error record carried by a mission.failed
// report. Only a report that does not say whether the failure is
// recoverable is unclassified, whatever kind it names.
func ErrorFromReport(msg bus.Message) domain.ErrorRecord {
	rec := domain.ErrorRecord{
		Message:     msg.String("error"),
		Recoverable: msg.Bool("recoverable"),
		Task:        msg.String("task"),
	}
	_, classified := msg.Data["recoverable"]
	switch kind := domain.ErrorKind(msg.String("kind")); {
	case kind.Valid() && kind != domain.ErrorUnclassified:
		rec.Kind = kind
	case classified:
		rec.Kind = domain.ErrorTaskExecution
	default:
		rec.Kind = domain.ErrorUnclassified
	}
	if rec.Message == "" {
		rec.Message = "worker reported failure"
	}
	return rec
}
