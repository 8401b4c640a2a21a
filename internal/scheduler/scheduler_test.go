package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"missioncore/internal/allocator"
	"missioncore/internal/bus"
	"missioncore/internal/config"
	"missioncore/internal/db"
	"missioncore/internal/decision"
	"missioncore/internal/domain"
	"missioncore/internal/events"
	"missioncore/internal/migrate"
	"missioncore/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) handle(_ context.Context, m bus.Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(typ string) []bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Message
	for _, m := range r.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	sched      *Scheduler
	repo       repo.Repo
	alloc      *allocator.Allocator
	bus        *bus.Bus
	clock      *clock
	cfg        *config.Config
	rec        *recorder
	terminated []string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())
	clk := &clock{t: time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)}
	r := repo.New(conn, clk.Now)
	b := bus.New(bus.Options{Crews: cfg.CrewNames(), Now: clk.Now})
	t.Cleanup(b.Close)

	h := &harness{repo: r, bus: b, clock: clk, cfg: cfg, rec: &recorder{}}
	for _, ch := range []string{bus.ChannelErrors, bus.ChannelAnalytics, bus.ChannelMissions} {
		b.Subscribe(ch, h.rec.handle)
	}
	for _, crew := range cfg.CrewNames() {
		b.Subscribe(bus.CrewChannel(crew), h.rec.handle)
	}
	h.alloc = allocator.New(cfg, allocator.Options{Store: r, Now: clk.Now})
	h.sched = New(Options{
		Repo:       r,
		Alloc:      h.alloc,
		Decider:    decision.New(cfg.Decision, nil, nil, nil),
		Bus:        b,
		Config:     cfg.Scheduler,
		Now:        clk.Now,
		OnTerminal: func(id string) { h.terminated = append(h.terminated, id) },
	})
	return h
}

func (h *harness) queue(t *testing.T, id, typ string, priority int) {
	t.Helper()
	now := h.clock.Now()
	require.NoError(t, h.repo.InsertMission(context.Background(), domain.Mission{
		ID: id, Type: typ, State: domain.StateQueued, Priority: priority, CreatedAt: now, UpdatedAt: now,
	}, "tester"))
}

func (h *harness) state(t *testing.T, id string) domain.Mission {
	t.Helper()
	m, err := h.repo.GetMission(context.Background(), id)
	require.NoError(t, err)
	return m
}

func (h *harness) crewActive(crew string) int {
	for _, c := range h.alloc.Snapshot().Crews {
		if c.Crew == crew {
			return c.Active
		}
	}
	return -1
}

func report(typ, missionID string, data map[string]any) bus.Message {
	return bus.Message{ID: "r-" + missionID, Type: typ, Sender: "worker", MissionID: missionID, Data: data}
}

func TestAssignPassHonoursPriorityAndCapacity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	// deliverability_crew has capacity 2.
	h.queue(t, "low", "domain_warmup", 3)
	h.queue(t, "high", "domain_warmup", 9)
	h.queue(t, "mid", "domain_warmup", 5)

	require.NoError(t, h.sched.AssignPass(ctx))
	assert.Equal(t, domain.StateAssigned, h.state(t, "high").State)
	assert.Equal(t, domain.StateAssigned, h.state(t, "mid").State)
	low := h.state(t, "low")
	assert.Equal(t, domain.StateQueued, low.State)

	high := h.state(t, "high")
	require.NotNil(t, high.Allocation)
	assert.Equal(t, "deliverability_crew", high.AssignedCrew)
	assert.Equal(t, []string{"warmup_agent"}, high.Allocation.Agents)
	require.NotNil(t, high.AssignedAt)

	require.Eventually(t, func() bool { return len(h.rec.ofType(bus.TypeMissionAssigned)) == 2 }, time.Second, 5*time.Millisecond)
	for _, m := range h.rec.ofType(bus.TypeMissionAssigned) {
		assert.Equal(t, "deliverability_crew", m.Recipient)
	}

	// Completing one mission frees its slot for the queued one.
	require.NoError(t, h.sched.dispatch(ctx, report(bus.TypeMissionStarted, "high", nil)))
	require.NoError(t, h.sched.dispatch(ctx, report(bus.TypeMissionCompleted, "high", map[string]any{"result": map[string]any{"warmed": true}})))
	assert.Equal(t, domain.StateCompleted, h.state(t, "high").State)
	assert.Equal(t, 1, h.crewActive("deliverability_crew"))

	require.NoError(t, h.sched.AssignPass(ctx))
	assert.Equal(t, domain.StateAssigned, h.state(t, "low").State)
	assert.Equal(t, domain.StateAssigned, h.state(t, "mid").State)
	assert.Equal(t, 2, h.crewActive("deliverability_crew"))
}

func TestAssignPassBoostsStarvedMission(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.queue(t, "a", "domain_warmup", 5)
	h.queue(t, "b", "domain_warmup", 5)
	require.NoError(t, h.sched.AssignPass(ctx))
	h.queue(t, "starved", "domain_warmup", 5)

	require.NoError(t, h.sched.AssignPass(ctx))
	assert.Equal(t, 5, h.state(t, "starved").Priority, "not yet past 30m/5")

	h.clock.Advance(7 * time.Minute)
	require.NoError(t, h.sched.AssignPass(ctx))
	m := h.state(t, "starved")
	assert.Equal(t, domain.StateQueued, m.State)
	assert.Equal(t, 6, m.Priority)
	require.NotNil(t, m.LastBoostedAt)
	assert.True(t, m.LastBoostedAt.Equal(h.clock.Now()))

	evts, err := h.repo.LatestEvents(ctx, repo.EventFilters{Type: events.MissionBoosted, EntityID: "starved", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestDomainMissionWaitsForIdentity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.queue(t, "camp", "campaign_execution", 5)
	require.NoError(t, h.sched.AssignPass(ctx))
	assert.Equal(t, domain.StateQueued, h.state(t, "camp").State)

	require.NoError(t, h.repo.UpsertIdentity(ctx, domain.DomainIdentity{Identity: "mail.acme.io", Type: "sending", ReputationScore: 88}))
	require.NoError(t, h.sched.AssignPass(ctx))
	m := h.state(t, "camp")
	assert.Equal(t, domain.StateAssigned, m.State)
	assert.Equal(t, "mail.acme.io", m.Allocation.DomainIdentity)
}

// A recoverable failure is retried after 10s, 20s and 40s, then escalated.
func TestRecoverableFailureBacksOffThenEscalates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.queue(t, "m1", "lead_research", 5)

	backoffs := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second}
	for attempt := 0; attempt <= len(backoffs); attempt++ {
		require.NoError(t, h.sched.AssignPass(ctx))
		require.Equal(t, domain.StateAssigned, h.state(t, "m1").State, "attempt %d", attempt)
		require.NoError(t, h.sched.onStarted(ctx, report(bus.TypeMissionStarted, "m1", nil)))
		require.NoError(t, h.sched.onFailed(ctx, report(bus.TypeMissionFailed, "m1", map[string]any{
			"error": fmt.Sprintf("enrichment provider 503 (%d)", attempt), "recoverable": true,
		})))
		require.Equal(t, domain.StateFailed, h.state(t, "m1").State)
		assert.False(t, h.alloc.Holds("m1"))

		require.NoError(t, h.sched.RecoveryPass(ctx))
		if attempt == len(backoffs) {
			break
		}
		m := h.state(t, "m1")
		require.Equal(t, domain.StateFailed, m.State)
		require.NotNil(t, m.NextRetryAt)
		assert.Equal(t, attempt+1, m.RetryCount)
		assert.Equal(t, backoffs[attempt], m.NextRetryAt.Sub(h.clock.Now()))

		h.clock.Advance(backoffs[attempt] - time.Second)
		require.NoError(t, h.sched.RecoveryPass(ctx))
		assert.Equal(t, domain.StateFailed, h.state(t, "m1").State, "backoff not elapsed")

		h.clock.Advance(time.Second)
		require.NoError(t, h.sched.RecoveryPass(ctx))
		assert.Equal(t, domain.StateQueued, h.state(t, "m1").State)
	}

	m := h.state(t, "m1")
	assert.Equal(t, domain.StateEscalated, m.State)
	assert.Equal(t, 3, m.RetryCount)
	require.Len(t, m.ErrorHistory, 4)
	assert.Equal(t, domain.ErrorTaskExecution, m.Error.Kind)
	for i, rec := range m.ErrorHistory {
		assert.Equal(t, i, rec.Attempt)
	}
	require.Eventually(t, func() bool { return len(h.rec.ofType(bus.TypeMissionEscalated)) == 1 }, time.Second, 5*time.Millisecond)
}

func TestUnrecoverableFailureEscalatesAtOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.queue(t, "m1", "lead_research", 5)
	require.NoError(t, h.sched.AssignPass(ctx))
	require.NoError(t, h.sched.onFailed(ctx, report(bus.TypeMissionFailed, "m1", map[string]any{
		"error": "invalid lead list", "recoverable": false, "task": "enrichment_agent",
	})))
	require.NoError(t, h.sched.RecoveryPass(ctx))
	m := h.state(t, "m1")
	assert.Equal(t, domain.StateEscalated, m.State)
	assert.Equal(t, "enrichment_agent", m.Error.Task)
	assert.Equal(t, []string{"m1"}, h.terminated)
}

func TestMonitorEscalatesTimedOutMissions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.queue(t, "slow", "lead_research", 5)
	require.NoError(t, h.sched.AssignPass(ctx))
	require.NoError(t, h.sched.onStarted(ctx, report(bus.TypeMissionStarted, "slow", nil)))

	h.clock.Advance(time.Hour)
	require.NoError(t, h.sched.MonitorPass(ctx))
	assert.Equal(t, domain.StateExecuting, h.state(t, "slow").State)

	h.clock.Advance(time.Hour + time.Second)
	require.NoError(t, h.sched.MonitorPass(ctx))
	m := h.state(t, "slow")
	assert.Equal(t, domain.StateEscalated, m.State)
	require.NotNil(t, m.Error)
	assert.Equal(t, domain.ErrorMissionTimeout, m.Error.Kind)
	assert.False(t, h.alloc.Holds("slow"))
	assert.Equal(t, []string{"slow"}, h.terminated)

	require.Eventually(t, func() bool {
		msgs := h.rec.ofType(bus.TypeMissionEscalated)
		return len(msgs) == 1 && msgs[0].String("error_kind") == string(domain.ErrorMissionTimeout)
	}, time.Second, 5*time.Millisecond)
}

func TestStageReportsToggleWaiting(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.queue(t, "m1", "domain_warmup", 5)
	require.NoError(t, h.sched.AssignPass(ctx))
	require.NoError(t, h.sched.onStarted(ctx, report(bus.TypeMissionStarted, "m1", nil)))

	require.NoError(t, h.sched.onStage(ctx, report(bus.TypeMissionStage, "m1", map[string]any{"stage": "awaiting_reply", "waiting": true})))
	m := h.state(t, "m1")
	assert.Equal(t, domain.StateWaiting, m.State)
	assert.Equal(t, "awaiting_reply", m.Stage)

	require.NoError(t, h.sched.onStage(ctx, report(bus.TypeMissionStage, "m1", map[string]any{"stage": "reply_received"})))
	assert.Equal(t, domain.StateExecuting, h.state(t, "m1").State)

	require.NoError(t, h.sched.onCompleted(ctx, report(bus.TypeMissionCompleted, "m1", map[string]any{"result": map[string]any{"warmed": 40}})))
	m = h.state(t, "m1")
	assert.Equal(t, domain.StateCompleted, m.State)
	assert.EqualValues(t, 40, m.Result["warmed"])
	assert.False(t, h.alloc.Holds("m1"))
}

func TestLateReportForCancelledMissionIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.queue(t, "m1", "domain_warmup", 5)
	require.NoError(t, h.sched.AssignPass(ctx))
	_, err := h.repo.TransitionMission(ctx, "m1", repo.Change{To: domain.StateCancelled})
	require.NoError(t, err)

	require.NoError(t, h.sched.onStarted(ctx, report(bus.TypeMissionStarted, "m1", nil)))
	require.NoError(t, h.sched.onCompleted(ctx, report(bus.TypeMissionCompleted, "m1", map[string]any{"ok": true})))
	require.NoError(t, h.sched.onFailed(ctx, report(bus.TypeMissionFailed, "ghost", nil)))
	m := h.state(t, "m1")
	assert.Equal(t, domain.StateCancelled, m.State)
	assert.Nil(t, m.Result)
}

func TestErrorFromReport(t *testing.T) {
	assert.Equal(t, domain.ErrorUnclassified, ErrorFromReport(report(bus.TypeMissionFailed, "m", map[string]any{"error": "?"})).Kind)
	assert.Equal(t, domain.ErrorTaskExecution, ErrorFromReport(report(bus.TypeMissionFailed, "m", map[string]any{"recoverable": true})).Kind)
	rec := ErrorFromReport(report(bus.TypeMissionFailed, "m", map[string]any{"kind": "dependency_deadlock"}))
	assert.Equal(t, domain.ErrorDependencyDeadlock, rec.Kind)
	assert.Equal(t, "worker reported failure", rec.Message)

	// An explicit recoverable flag classifies the failure even when the
	// worker names the unclassified kind.
	rec = ErrorFromReport(report(bus.TypeMissionFailed, "m", map[string]any{"kind": "unclassified", "recoverable": false}))
	assert.Equal(t, domain.ErrorTaskExecution, rec.Kind)
	assert.False(t, rec.Recoverable)
	d := decision.New(config.Default().Decision, nil, nil, nil).Decide(
		domain.Mission{ID: "m", State: domain.StateFailed},
		decision.Event{Kind: decision.EventMissionFailed, Now: time.Now(), Error: &rec})
	assert.Equal(t, decision.ActionEscalate, d.Action)
}

// End to end through the loops: a worker on the crew channel completes the mission.
func TestRunCompletesMissionThroughBus(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Scheduler.AssignInterval = 5 * time.Millisecond
		c.Scheduler.MonitorInterval = 5 * time.Millisecond
		c.Scheduler.RecoveryInterval = 5 * time.Millisecond
	})
	h.bus.Subscribe(bus.CrewChannel("research_crew"), func(ctx context.Context, m bus.Message) error {
		if m.Type != bus.TypeMissionAssigned {
			return nil
		}
		if _, err := h.bus.Publish(ctx, bus.Message{Type: bus.TypeMissionStarted, Sender: "research_worker", MissionID: m.MissionID}); err != nil {
			return err
		}
		_, err := h.bus.Publish(ctx, bus.Message{Type: bus.TypeMissionCompleted, Sender: "research_worker", MissionID: m.MissionID,
			Data: map[string]any{"result": map[string]any{"leads": 7}}})
		return err
	})
	h.queue(t, "m1", "lead_research", 5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	require.Eventually(t, func() bool { return h.state(t, "m1").State == domain.StateCompleted }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, h.alloc.Holds("m1"))
	require.Eventually(t, func() bool { return len(h.rec.ofType(bus.TypeTelemetry)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, bus.OutcomeCompleted, h.rec.ofType(bus.TypeTelemetry)[0].String("outcome"))
}

func TestMonitorReleasesReservationOfMissionCancelledElsewhere(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.queue(t, "m1", "lead_research", 5)
	require.NoError(t, h.sched.AssignPass(ctx))
	require.True(t, h.alloc.Holds("m1"))

	_, err := h.repo.TransitionMission(ctx, "m1", repo.Change{To: domain.StateCancelled})
	require.NoError(t, err)

	require.NoError(t, h.sched.MonitorPass(ctx))
	assert.True(t, h.alloc.Holds("m1"), "reservations inside the grace window are kept")

	h.clock.Advance(time.Minute)
	require.NoError(t, h.sched.MonitorPass(ctx))
	assert.False(t, h.alloc.Holds("m1"))
	assert.Equal(t, []string{"m1"}, h.terminated)
}
