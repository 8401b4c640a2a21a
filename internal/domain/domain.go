package domain

import (
	"errors"
	"fmt"
	"time"
)

// MissionState is the lifecycle state of a mission.
type MissionState string

const (
	StateQueued    MissionState = "queued"
	StateAssigned  MissionState = "assigned"
	StateExecuting MissionState = "executing"
	StateWaiting   MissionState = "waiting"
	StateCompleted MissionState = "completed"
	StateFailed    MissionState = "failed"
	StateEscalated MissionState = "escalated"
	StateCancelled MissionState = "cancelled"
)

var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[MissionState]map[MissionState]bool{
	StateQueued: {
		StateAssigned:  true,
		StateCancelled: true,
	},
	StateAssigned: {
		StateExecuting: true,
		StateQueued:    true,
		StateFailed:    true,
		StateEscalated: true,
		StateCancelled: true,
	},
	StateExecuting: {
		StateWaiting:   true,
		StateCompleted: true,
		StateFailed:    true,
		StateEscalated: true,
		StateCancelled: true,
	},
	StateWaiting: {
		StateExecuting: true,
		StateCompleted: true,
		StateFailed:    true,
		StateEscalated: true,
		StateCancelled: true,
	},
	StateFailed: {
		StateQueued:    true,
		StateEscalated: true,
		StateCancelled: true,
	},
}

var terminalStates = map[MissionState]bool{
	StateCompleted: true,
	StateEscalated: true,
	StateCancelled: true,
}

// AllStates lists every mission state in lifecycle order.
func AllStates() []MissionState {
	return []MissionState{
		StateQueued, StateAssigned, StateExecuting, StateWaiting,
		StateCompleted, StateFailed, StateEscalated, StateCancelled,
	}
}

func (s MissionState) Valid() bool {
	switch s {
	case StateQueued, StateAssigned, StateExecuting, StateWaiting,
		StateCompleted, StateFailed, StateEscalated, StateCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s MissionState) Terminal() bool {
	return terminalStates[s]
}

// InFlight reports whether a mission in this state holds resources.
func (s MissionState) InFlight() bool {
	return s == StateAssigned || s == StateExecuting || s == StateWaiting
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to MissionState) bool {
	return validTransitions[from][to]
}

// ValidateTransition returns ErrInvalidTransition when from -> to is not allowed.
func ValidateTransition(from, to MissionState) error {
	if !from.Valid() {
		return fmt.Errorf("unknown state %q: %w", from, ErrInvalidTransition)
	}
	if !to.Valid() {
		return fmt.Errorf("unknown state %q: %w", to, ErrInvalidTransition)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%s -> %s: %w", from, to, ErrInvalidTransition)
	}
	return nil
}

// ErrorKind classifies mission failures.
type ErrorKind string

const (
	ErrorResourceUnavailable ErrorKind = "resource_unavailable"
	ErrorAssignmentFailure   ErrorKind = "assignment_failure"
	ErrorTaskExecution       ErrorKind = "task_execution_failure"
	ErrorMissionTimeout      ErrorKind = "mission_timeout"
	ErrorDependencyDeadlock  ErrorKind = "dependency_deadlock"
	ErrorHandlerFailure      ErrorKind = "handler_failure"
	ErrorUnclassified        ErrorKind = "unclassified"
)

func (k ErrorKind) Valid() bool {
	switch k {
	case ErrorResourceUnavailable, ErrorAssignmentFailure, ErrorTaskExecution, ErrorMissionTimeout,
		ErrorDependencyDeadlock, ErrorHandlerFailure, ErrorUnclassified:
		return true
	default:
		return false
	}
}

// ErrorRecord is the structured error attached to a mission.
type ErrorRecord struct {
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Attempt     int       `json:"attempt"`
	Task        string    `json:"task,omitempty"`
	At          time.Time `json:"at" format:"date-time"`
}

// Allocation is the snapshot of resources reserved for a mission.
type Allocation struct {
	MissionID      string         `json:"mission_id"`
	Crew           string         `json:"crew"`
	Agents         []string       `json:"agents,omitempty"`
	DomainIdentity string         `json:"domain_identity,omitempty"`
	Quotas         map[string]int `json:"quotas,omitempty"`
	ReservedAt     time.Time      `json:"reserved_at" format:"date-time"`
}

type Mission struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	State         MissionState   `json:"state" enum:"queued,assigned,executing,waiting,completed,failed,escalated,cancelled"`
	Priority      int            `json:"priority"`
	Owner         string         `json:"owner,omitempty"`
	CampaignID    string         `json:"campaign_id,omitempty"`
	Params        map[string]any `json:"params,omitempty"`
	Stage         string         `json:"stage,omitempty"`
	AssignedCrew  string         `json:"assigned_crew,omitempty"`
	Allocation    *Allocation    `json:"allocation,omitempty"`
	Error         *ErrorRecord   `json:"error,omitempty"`
	ErrorHistory  []ErrorRecord  `json:"error_history,omitempty"`
	RetryCount    int            `json:"retry_count"`
	NextRetryAt   *time.Time     `json:"next_retry_at,omitempty" format:"date-time"`
	LastBoostedAt *time.Time     `json:"last_boosted_at,omitempty" format:"date-time"`
	Result        map[string]any `json:"result,omitempty"`
	CreatedAt     time.Time      `json:"created_at" format:"date-time"`
	AssignedAt    *time.Time     `json:"assigned_at,omitempty" format:"date-time"`
	StartedAt     *time.Time     `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt     time.Time      `json:"updated_at" format:"date-time"`
}

// Campaign returns the campaign a mission belongs to, defaulting to the mission itself.
func (m Mission) Campaign() string {
	if m.CampaignID != "" {
		return m.CampaignID
	}
	return m.ID
}

// RecordError sets the current error and appends it to the history.
func (m *Mission) RecordError(rec ErrorRecord) {
	rec.Attempt = m.RetryCount
	m.Error = &rec
	m.ErrorHistory = append(m.ErrorHistory, rec)
}

// IdentityStatus is the lifecycle status of a sending domain identity.
type IdentityStatus string

const (
	IdentityActive    IdentityStatus = "active"
	IdentityCold      IdentityStatus = "cold"
	IdentitySuspended IdentityStatus = "suspended"
)

// DomainIdentity is an exclusive sending identity from the domain pool.
type DomainIdentity struct {
	Identity         string         `json:"identity"`
	Status           IdentityStatus `json:"status" enum:"active,cold,suspended"`
	Type             string         `json:"type"`
	ReputationScore  float64        `json:"reputation_score"`
	AssignedCampaign string         `json:"assigned_campaign,omitempty"`
	HeldByMission    string         `json:"held_by_mission,omitempty"`
	LastUsedAt       *time.Time     `json:"last_used_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
