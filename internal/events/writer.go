package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is a fixed-width UTC layout, so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Event types written to the audit log.
const (
	MissionCreated    = "mission.created"
	MissionTransition = "mission.transition"
	MissionBoosted    = "mission.priority_boosted"
	MissionRetried    = "mission.retry_scheduled"
	MissionError      = "mission.error"
	DomainBound       = "domain.bound"
	DomainReleased    = "domain.released"
	DomainUpserted    = "domain.upserted"
	ConfigImported    = "config.imported"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(TimeLayout)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
