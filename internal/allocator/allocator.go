// Package allocator reserves the resources a mission needs before it may be
// assigned: a crew slot, per-minute API quota and, for sending missions, an
// exclusive domain identity. A reservation is all-or-nothing.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"missioncore/internal/config"
	"missioncore/internal/domain"
	"missioncore/internal/logging"
	"missioncore/internal/metrics"
	"missioncore/internal/repo"
)

// Class names the resource class that denied a reservation.
type Class string

const (
	ClassCrew       Class = "crew"
	ClassQuota      Class = "quota"
	ClassDomainPool Class = "domain_pool"
)

type Result struct {
	Available  bool
	Allocation domain.Allocation
	Class      Class
	Reason     string
}

// IdentityStore is the persistent domain pool.
type IdentityStore interface {
	FreeIdentities(ctx context.Context, identityType string) ([]domain.DomainIdentity, error)
	BindIdentity(ctx context.Context, identity, campaignID, missionID string, promote bool) error
	ReleaseIdentity(ctx context.Context, identity, missionID string) (bool, error)
	ClearCampaign(ctx context.Context, campaignID string) (int, error)
}

var _ IdentityStore = repo.Repo{}

type quotaBucket struct {
	window time.Time
	used   int
}

type Allocator struct {
	mu           sync.Mutex
	crews        map[string]config.Crew
	missionTypes map[string]config.MissionType
	integrations map[string]config.Integration
	floor        float64
	active       map[string]int
	quotas       map[string]*quotaBucket
	reservations map[string]domain.Allocation

	store   IdentityStore
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Options struct {
	Store   IdentityStore
	Now     func() time.Time
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func New(cfg *config.Config, opts Options) *Allocator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Allocator{
		crews:        make(map[string]config.Crew),
		missionTypes: cfg.MissionTypes,
		integrations: cfg.Integrations,
		floor:        cfg.DomainPool.ReputationFloor,
		active:       make(map[string]int),
		quotas:       make(map[string]*quotaBucket),
		reservations: make(map[string]domain.Allocation),
		store:        opts.Store,
		now:          now,
		log:          logging.OrNop(opts.Log).Named("allocator"),
		metrics:      opts.Metrics,
	}
	for name, crew := range cfg.Crews {
		a.crews[name] = crew
	}
	return a
}

// CheckAvailability reserves everything mission needs or nothing. On denial
// Class and Reason name the first class that could not be satisfied.
func (a *Allocator) CheckAvailability(ctx context.Context, m domain.Mission) (Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.reservations[m.ID]; ok {
		return Result{Available: true, Allocation: existing}, nil
	}
	mt, ok := a.missionTypes[m.Type]
	if !ok {
		return Result{}, fmt.Errorf("unknown mission type %q", m.Type)
	}
	crewName := mt.Crew
	crew, ok := a.crews[crewName]
	if !ok {
		return Result{}, fmt.Errorf("mission type %s has no crew %q", m.Type, crewName)
	}
	if a.active[crewName] >= crew.Capacity {
		return a.deny(ClassCrew, "crew %s at capacity (%d/%d)", crewName, a.active[crewName], crew.Capacity), nil
	}

	now := a.now()
	window := now.UTC().Truncate(time.Minute)
	for _, integ := range sortedKeys(mt.Usage) {
		need := mt.Usage[integ]
		limit := a.integrations[integ].PerMinute
		used := a.bucket(integ, window).used
		if used+need > limit {
			return a.deny(ClassQuota, "quota %s exhausted (%d used + %d needed > %d per minute)", integ, used, need, limit), nil
		}
	}

	var identity string
	if mt.RequiresDomain {
		picked, err := a.bindIdentity(ctx, m, mt.DomainType)
		if err != nil {
			return Result{}, err
		}
		if picked == "" {
			return a.deny(ClassDomainPool, "domain pool exhausted for campaign %s", m.Campaign()), nil
		}
		identity = picked
	}

	// Commit. Nothing below can fail.
	alloc := domain.Allocation{
		MissionID:      m.ID,
		Crew:           crewName,
		Agents:         append([]string(nil), crew.Agents...),
		DomainIdentity: identity,
		Quotas:         make(map[string]int, len(mt.Usage)),
		ReservedAt:     now,
	}
	for integ, need := range mt.Usage {
		b := a.bucket(integ, window)
		b.used += need
		alloc.Quotas[integ] = need
		a.metrics.SetQuotaUsed(integ, b.used)
	}
	a.active[crewName]++
	a.reservations[m.ID] = alloc
	a.metrics.SetCrewActive(crewName, a.active[crewName])
	a.log.Debug("reserved", zap.String("mission_id", m.ID), zap.String("crew", crewName), zap.String("identity", identity))
	return Result{Available: true, Allocation: alloc}, nil
}

func (a *Allocator) deny(class Class, format string, args ...any) Result {
	a.metrics.Denied(string(class))
	return Result{Class: class, Reason: fmt.Sprintf(format, args...)}
}

func (a *Allocator) bucket(integ string, window time.Time) *quotaBucket {
	b, ok := a.quotas[integ]
	if !ok {
		b = &quotaBucket{window: window}
		a.quotas[integ] = b
	}
	if !b.window.Equal(window) {
		b.window = window
		b.used = 0
	}
	return b
}

// bindIdentity selects and binds an identity: one already tied to this
// campaign, then a free one above the reputation floor, then a cold one
// promoted to active. Losing a bind race moves on to the next candidate.
// It returns "" when the pool has nothing to offer.
func (a *Allocator) bindIdentity(ctx context.Context, m domain.Mission, identityType string) (string, error) {
	if a.store == nil {
		return "", errors.New("no identity store configured")
	}
	free, err := a.store.FreeIdentities(ctx, identityType)
	if err != nil {
		return "", fmt.Errorf("list free identities: %w", err)
	}
	campaign := m.Campaign()
	var bound, open, cold []domain.DomainIdentity
	for _, id := range free {
		switch {
		case id.AssignedCampaign == campaign:
			bound = append(bound, id)
		case id.AssignedCampaign != "":
			// Tied to another campaign.
		case id.Status == domain.IdentityCold:
			cold = append(cold, id)
		case id.Status == domain.IdentityActive && id.ReputationScore >= a.floor:
			open = append(open, id)
		}
	}
	tiers := []struct {
		ids     []domain.DomainIdentity
		promote bool
	}{{bound, false}, {open, false}, {cold, true}}
	for _, tier := range tiers {
		for _, id := range tier.ids {
			promote := tier.promote || id.Status == domain.IdentityCold
			err := a.store.BindIdentity(ctx, id.Identity, campaign, m.ID, promote)
			if err == nil {
				if promote {
					a.log.Info("promoted cold identity", zap.String("identity", id.Identity), zap.String("campaign", campaign))
				}
				return id.Identity, nil
			}
			if !errors.Is(err, repo.ErrConflict) {
				return "", fmt.Errorf("bind identity %s: %w", id.Identity, err)
			}
		}
	}
	return "", nil
}

// Release returns a mission's crew slot and domain identity. Releasing an
// unknown or already released mission is a no-op. Consumed quota is not refunded.
func (a *Allocator) Release(ctx context.Context, missionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.reservations[missionID]
	if !ok {
		return nil
	}
	if alloc.DomainIdentity != "" && a.store != nil {
		if _, err := a.store.ReleaseIdentity(ctx, alloc.DomainIdentity, missionID); err != nil {
			return fmt.Errorf("release identity %s: %w", alloc.DomainIdentity, err)
		}
	}
	delete(a.reservations, missionID)
	if a.active[alloc.Crew] > 0 {
		a.active[alloc.Crew]--
	}
	a.metrics.SetCrewActive(alloc.Crew, a.active[alloc.Crew])
	a.log.Debug("released", zap.String("mission_id", missionID), zap.String("crew", alloc.Crew))
	return nil
}

// Restore rebuilds reservations from missions that already hold resources,
// e.g. after a restart. Identity holds live in the store and are not rebound.
func (a *Allocator) Restore(missions []domain.Mission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range missions {
		if m.Allocation == nil || !m.State.InFlight() {
			continue
		}
		if _, ok := a.reservations[m.ID]; ok {
			continue
		}
		a.reservations[m.ID] = *m.Allocation
		a.active[m.Allocation.Crew]++
	}
	for crew, n := range a.active {
		a.metrics.SetCrewActive(crew, n)
	}
}

// UpdateCrews swaps crew capacities and agents. Lowering a capacity below the
// current load only blocks new reservations.
func (a *Allocator) UpdateCrews(crews map[string]config.Crew) {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := make(map[string]config.Crew, len(crews))
	for name, crew := range crews {
		next[name] = crew
	}
	a.crews = next
	a.log.Info("crew capacities updated", zap.Int("crews", len(next)))
}

// ReleaseCampaign removes the campaign's identity affinity so the pool can
// hand those identities to other campaigns.
func (a *Allocator) ReleaseCampaign(ctx context.Context, campaignID string) (int, error) {
	if a.store == nil {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.ClearCampaign(ctx, campaignID)
}

// Holds reports whether missionID currently holds a reservation.
func (a *Allocator) Holds(missionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.reservations[missionID]
	return ok
}

type CrewUsage struct {
	Crew     string `json:"crew"`
	Active   int    `json:"active"`
	Capacity int    `json:"capacity"`
}

type QuotaUsage struct {
	Integration string `json:"integration"`
	Used        int    `json:"used"`
	PerMinute   int    `json:"per_minute"`
}

type Snapshot struct {
	Crews        []CrewUsage         `json:"crews"`
	Quotas       []QuotaUsage        `json:"quotas"`
	Reservations []domain.Allocation `json:"reservations"`
}

// Snapshot returns current usage, sorted for stable output.
func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	window := a.now().UTC().Truncate(time.Minute)
	var s Snapshot
	for _, name := range sortedKeys(a.crews) {
		s.Crews = append(s.Crews, CrewUsage{Crew: name, Active: a.active[name], Capacity: a.crews[name].Capacity})
	}
	for _, name := range sortedKeys(a.integrations) {
		used := 0
		if b, ok := a.quotas[name]; ok && b.window.Equal(window) {
			used = b.used
		}
		s.Quotas = append(s.Quotas, QuotaUsage{Integration: name, Used: used, PerMinute: a.integrations[name].PerMinute})
	}
	for _, alloc := range a.reservations {
		s.Reservations = append(s.Reservations, alloc)
	}
	sort.Slice(s.Reservations, func(i, j int) bool { return s.Reservations[i].MissionID < s.Reservations[j].MissionID })
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
