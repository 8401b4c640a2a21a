package server

import (
	"encoding/json"
	"time"

	"missioncore/internal/allocator"
	"missioncore/internal/analytics"
	"missioncore/internal/bus"
	"missioncore/internal/domain"
	"missioncore/internal/engine"
)

// Request payloads

type CreateMissionRequest struct {
	ID         *string        `json:"id,omitempty"`
	Type       string         `json:"type" minLength:"1"`
	Priority   int            `json:"priority,omitempty" minimum:"0" maximum:"100"`
	Owner      *string        `json:"owner,omitempty"`
	CampaignID *string        `json:"campaign_id,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

type ReportRequest struct {
	Type string         `json:"type" enum:"mission.started,mission.stage,mission.completed,mission.failed"`
	Data map[string]any `json:"data,omitempty"`
}

type AddIdentityRequest struct {
	Identity        string  `json:"identity" minLength:"1"`
	Type            string  `json:"type" minLength:"1"`
	Status          string  `json:"status,omitempty" enum:"active,cold,suspended"`
	ReputationScore float64 `json:"reputation_score" minimum:"0" maximum:"100"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Responses

type MissionStatusResponse = engine.Status

type paginatedMissions struct {
	Items      []domain.Mission `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type CancelResponse struct {
	Cancelled bool           `json:"cancelled"`
	Mission   domain.Mission `json:"mission"`
}

type ReportResponse struct {
	MessageID string `json:"message_id"`
}

type ResourcesResponse struct {
	Crews        []allocator.CrewUsage   `json:"crews"`
	Quotas       []allocator.QuotaUsage  `json:"quotas"`
	Reservations []domain.Allocation     `json:"reservations"`
	Identities   []domain.DomainIdentity `json:"identities"`
	States       map[string]int          `json:"states"`
}

type ReleaseCampaignResponse struct {
	CampaignID string `json:"campaign_id"`
	Released   int    `json:"released"`
}

type DeadLetterResponse struct {
	Message  bus.Message `json:"message"`
	Handler  string      `json:"handler"`
	Error    string      `json:"error"`
	FailedAt time.Time   `json:"failed_at" format:"date-time"`
}

type AnalyticsResponse struct {
	Stats []analytics.TypeStats `json:"stats"`
	Bus   bus.Stats             `json:"bus"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Conversion helpers

func resourcesResponse(r engine.Resources) ResourcesResponse {
	return ResourcesResponse{
		Crews:        nonNilSlice(r.Allocator.Crews),
		Quotas:       nonNilSlice(r.Allocator.Quotas),
		Reservations: nonNilSlice(r.Allocator.Reservations),
		Identities:   nonNilSlice(r.Identities),
		States:       r.States,
	}
}

func deadLetterResponse(d bus.DeadLetter) DeadLetterResponse {
	return DeadLetterResponse(d)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{"raw": raw}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func strValue(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
