// Package engine wires the scheduler, allocator, bus, decision engine,
// workflow executor and anomaly watcher together and exposes the Mission API.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"missioncore/internal/allocator"
	"missioncore/internal/analytics"
	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/decision"
	"missioncore/internal/domain"
	"missioncore/internal/logging"
	"missioncore/internal/metrics"
	"missioncore/internal/repo"
	"missioncore/internal/scheduler"
	"missioncore/internal/workflow"
)

// DefaultPriority applies when neither the caller nor the mission type sets one.
const DefaultPriority = 5

var ErrInvalidInput = errors.New("invalid input")

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Now       func() time.Time
	Log       *zap.Logger
	Metrics   *metrics.Metrics
	Bus       *bus.Bus
	Alloc     *allocator.Allocator
	Decider   *decision.Engine
	Scheduler *scheduler.Scheduler
	Executor  *workflow.Executor
	Analytics *analytics.Watcher
	Workers   *workflow.Registry

	runs *runner
}

// Options tune an Engine. Zero values are fine.
type Options struct {
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// Advisor overrides the advisor built from config.Advisor.
	Advisor decision.Advisor
}

func New(db *sql.DB, cfg *config.Config, opts Options) Engine {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := logging.OrNop(opts.Log)
	advisor := opts.Advisor
	if advisor == nil && cfg.Advisor.Enabled {
		a, err := decision.NewAnthropicAdvisor(cfg.Advisor)
		if err != nil {
			log.Warn("advisor disabled", zap.Error(err))
		} else {
			advisor = a
		}
	}
	r := repo.New(db, now)
	e := Engine{
		DB:      db,
		Repo:    r,
		Config:  cfg,
		Now:     now,
		Log:     log.Named("engine"),
		Metrics: opts.Metrics,
		Bus: bus.New(bus.Options{
			Crews:           cfg.CrewNames(),
			Buffer:          cfg.Bus.Buffer,
			DeadLetterLimit: cfg.Bus.DeadLetterLimit,
			Now:             now,
			Log:             log,
			Metrics:         opts.Metrics,
		}),
		Alloc:   allocator.New(cfg, allocator.Options{Store: r, Now: now, Log: log, Metrics: opts.Metrics}),
		Decider: decision.New(cfg.Decision, advisor, log, opts.Metrics),
		Workers: workflow.NewRegistry(),
		runs:    newRunner(),
	}
	e.Executor = workflow.NewExecutor(e.Workers, cfg.Scheduler.WorkflowParallelism, log, opts.Metrics)
	e.Executor.Now = now
	e.Scheduler = scheduler.New(scheduler.Options{
		Repo:       r,
		Alloc:      e.Alloc,
		Decider:    e.Decider,
		Bus:        e.Bus,
		Config:     cfg.Scheduler,
		Now:        now,
		Log:        log,
		Metrics:    opts.Metrics,
		OnTerminal: e.runs.cancel,
	})
	e.Analytics = analytics.New(analytics.Options{
		Bus:     e.Bus,
		Config:  cfg.Analytics,
		Now:     now,
		Log:     log,
		Metrics: opts.Metrics,
	})
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// RegisterAgent makes the in-process workflow runner handle an agent. A
// mission is run in process only when every agent of its workflow is
// registered; otherwise external workers on the crew channel handle it.
func (e Engine) RegisterAgent(agent string, w workflow.Worker) {
	e.Workers.Register(agent, w)
}

// Start rebuilds reservations from the store, then runs the scheduler loops,
// the workflow runner and the anomaly watcher until ctx is done.
func (e Engine) Start(ctx context.Context) error {
	holding, err := e.Repo.MissionsHolding(ctx)
	if err != nil {
		return fmt.Errorf("restore allocations: %w", err)
	}
	e.Alloc.Restore(holding)
	e.Log.Info("allocations restored", zap.Int("missions", len(holding)))

	stop := e.startRunner(ctx)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Scheduler.Run(gctx) })
	g.Go(func() error { return e.Analytics.Run(gctx) })
	return g.Wait()
}

// Close stops in-process workflow runs and shuts the bus down.
func (e Engine) Close() {
	e.runs.stopAll()
	e.Bus.Close()
}

// CreateOptions are parameters for creating a mission.
type CreateOptions struct {
	ID         string
	Type       string
	Priority   int
	Owner      string
	CampaignID string
	Params     map[string]any
	ActorID    string
}

// CreateMission validates and stores a new QUEUED mission.
func (e Engine) CreateMission(ctx context.Context, opts CreateOptions) (domain.Mission, error) {
	if e.Config == nil {
		return domain.Mission{}, errors.New("config not loaded")
	}
	if opts.Type == "" {
		return domain.Mission{}, fmt.Errorf("mission type is required: %w", ErrInvalidInput)
	}
	mt, ok := e.Config.MissionTypes[opts.Type]
	if !ok {
		return domain.Mission{}, fmt.Errorf("unknown mission type %q: %w", opts.Type, ErrInvalidInput)
	}
	priority := opts.Priority
	if priority == 0 {
		priority = mt.DefaultPriority
	}
	if priority == 0 {
		priority = DefaultPriority
	}
	if top := e.Config.Decision.MaxPriority; priority < 1 || priority > top {
		return domain.Mission{}, fmt.Errorf("priority %d outside 1..%d: %w", priority, top, ErrInvalidInput)
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	m := domain.Mission{
		ID:         id,
		Type:       opts.Type,
		State:      domain.StateQueued,
		Priority:   priority,
		Owner:      opts.Owner,
		CampaignID: opts.CampaignID,
		Params:     opts.Params,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	actor := opts.ActorID
	if actor == "" {
		actor = opts.Owner
	}
	if err := e.Repo.InsertMission(ctx, m, actor); err != nil {
		return domain.Mission{}, err
	}
	e.Log.Info("mission created", zap.String("mission_id", m.ID), zap.String("mission_type", m.Type), zap.Int("priority", m.Priority))
	return m, nil
}

// CancelMission moves a non-terminal mission to CANCELLED, releases its
// resources and stops its in-process run. It reports false when the mission
// had already reached a terminal state.
func (e Engine) CancelMission(ctx context.Context, id, actorID string) (bool, error) {
	var m domain.Mission
	for attempt := 0; ; attempt++ {
		current, err := e.Repo.GetMission(ctx, id)
		if err != nil {
			return false, err
		}
		if current.State.Terminal() {
			return false, nil
		}
		now := e.now()
		m, err = e.Repo.TransitionMission(ctx, id, repo.Change{
			From: []domain.MissionState{current.State},
			To:   domain.StateCancelled,
			Mutate: func(mm *domain.Mission) error {
				mm.CompletedAt = &now
				mm.NextRetryAt = nil
				return nil
			},
			ActorID: actorID,
		})
		if err == nil {
			e.Metrics.Transition(string(current.State), string(domain.StateCancelled))
			break
		}
		// A loop moved the mission between the read and the write.
		if errors.Is(err, repo.ErrConflict) && attempt < 3 {
			continue
		}
		return false, err
	}
	if err := e.Alloc.Release(ctx, id); err != nil {
		return true, fmt.Errorf("release resources: %w", err)
	}
	e.runs.cancel(id)
	e.Log.Info("mission cancelled", zap.String("mission_id", id), zap.String("actor", actorID))
	if m.AssignedCrew != "" {
		if _, err := e.Bus.Publish(ctx, bus.Message{
			Type:      bus.TypeMissionCancelled,
			Sender:    "api",
			Recipient: m.AssignedCrew,
			MissionID: id,
			Data:      map[string]any{"actor": actorID},
		}); err != nil {
			e.Log.Warn("publish cancellation", zap.String("mission_id", id), zap.Error(err))
		}
	}
	e.Scheduler.Telemetry(ctx, m, bus.OutcomeCancelled)
	return true, nil
}

// Status is the user-visible view of a mission.
type Status struct {
	Mission        domain.Mission       `json:"mission"`
	Terminal       bool                 `json:"terminal"`
	Classification string               `json:"classification,omitempty"`
	Holding        bool                 `json:"holding_resources"`
	Run            *workflow.Run        `json:"run,omitempty"`
	History        []domain.Event       `json:"history,omitempty"`
	Error          *domain.ErrorRecord  `json:"error,omitempty"`
	ErrorHistory   []domain.ErrorRecord `json:"error_history,omitempty"`
	RetryCount     int                  `json:"retry_count"`
}

// GetStatus returns the mission with its terminal classification, current
// error, retry count, error history and most recent audit events.
func (e Engine) GetStatus(ctx context.Context, id string) (Status, error) {
	m, err := e.Repo.GetMission(ctx, id)
	if err != nil {
		return Status{}, err
	}
	history, err := e.Repo.LatestEvents(ctx, repo.EventFilters{EntityKind: "mission", EntityID: id, Limit: 20})
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Mission:      m,
		Terminal:     m.State.Terminal(),
		Holding:      e.Alloc.Holds(id),
		Run:          e.runs.last(id),
		History:      history,
		Error:        m.Error,
		ErrorHistory: m.ErrorHistory,
		RetryCount:   m.RetryCount,
	}
	if st.Terminal {
		st.Classification = string(m.State)
	}
	return st, nil
}

func (e Engine) ListMissions(ctx context.Context, f repo.MissionFilters) ([]domain.Mission, error) {
	if f.State != "" && !domain.MissionState(f.State).Valid() {
		return nil, fmt.Errorf("unknown state %q: %w", f.State, ErrInvalidInput)
	}
	return e.Repo.ListMissions(ctx, f)
}

// reportTypes are the message types a worker may report through the API.
var reportTypes = map[string]bool{
	bus.TypeMissionStarted:   true,
	bus.TypeMissionStage:     true,
	bus.TypeMissionCompleted: true,
	bus.TypeMissionFailed:    true,
}

// ReportOptions describe a worker report submitted outside the bus.
type ReportOptions struct {
	MissionID string
	Type      string
	Sender    string
	Data      map[string]any
}

// Report publishes a worker report onto the bus, where the scheduler applies
// it like any in-process report. It returns the message id.
func (e Engine) Report(ctx context.Context, opts ReportOptions) (string, error) {
	if !reportTypes[opts.Type] {
		return "", fmt.Errorf("report type %q not accepted: %w", opts.Type, ErrInvalidInput)
	}
	if _, err := e.Repo.GetMission(ctx, opts.MissionID); err != nil {
		return "", err
	}
	return e.Bus.Publish(ctx, bus.Message{
		Type:      opts.Type,
		Sender:    opts.Sender,
		MissionID: opts.MissionID,
		Data:      opts.Data,
	})
}

// Resources is a point-in-time view of crews, quotas and the domain pool.
type Resources struct {
	Allocator  allocator.Snapshot      `json:"allocator"`
	Identities []domain.DomainIdentity `json:"identities"`
	States     map[string]int          `json:"states"`
}

func (e Engine) Resources(ctx context.Context) (Resources, error) {
	ids, err := e.Repo.ListIdentities(ctx)
	if err != nil {
		return Resources{}, err
	}
	states, err := e.Repo.CountByState(ctx)
	if err != nil {
		return Resources{}, err
	}
	return Resources{Allocator: e.Alloc.Snapshot(), Identities: ids, States: states}, nil
}

// AddIdentity adds or updates a sending identity in the pool.
func (e Engine) AddIdentity(ctx context.Context, d domain.DomainIdentity) error {
	if d.Identity == "" || d.Type == "" {
		return fmt.Errorf("identity and type are required: %w", ErrInvalidInput)
	}
	if d.Status == "" {
		d.Status = domain.IdentityCold
	}
	switch d.Status {
	case domain.IdentityActive, domain.IdentityCold, domain.IdentitySuspended:
	default:
		return fmt.Errorf("unknown identity status %q: %w", d.Status, ErrInvalidInput)
	}
	return e.Repo.UpsertIdentity(ctx, d)
}

// ReleaseCampaign drops a finished campaign's claim on its sending
// identities and returns how many were freed. Identities still held by a
// mission keep their affinity.
func (e Engine) ReleaseCampaign(ctx context.Context, campaignID string) (int, error) {
	if campaignID == "" {
		return 0, fmt.Errorf("campaign id is required: %w", ErrInvalidInput)
	}
	return e.Alloc.ReleaseCampaign(ctx, campaignID)
}

// ApplyConfig hot-applies the parts of cfg that can change without a
// restart: crew capacities and the crew channel set.
func (e Engine) ApplyConfig(cfg *config.Config) {
	e.Alloc.UpdateCrews(cfg.Crews)
	e.Bus.SetCrews(cfg.CrewNames())
	e.Log.Info("crew configuration applied", zap.Strings("crews", cfg.CrewNames()))
}
