package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"missioncore/internal/domain"
	"missioncore/internal/events"
)

const missionColumns = `id,type,state,priority,owner,campaign_id,params_json,stage,assigned_crew,allocation_json,error_json,error_history_json,retry_count,next_retry_at,last_boosted_at,result_json,created_at,assigned_at,started_at,completed_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (domain.Mission, error) {
	var m domain.Mission
	var state, createdAt, updatedAt string
	var owner, campaign, params, stage, crew, alloc, errJSON, history, nextRetry, boosted, result, assignedAt, startedAt, completedAt sql.NullString
	err := row.Scan(&m.ID, &m.Type, &state, &m.Priority, &owner, &campaign, &params, &stage, &crew, &alloc, &errJSON, &history,
		&m.RetryCount, &nextRetry, &boosted, &result, &createdAt, &assignedAt, &startedAt, &completedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.State = domain.MissionState(state)
	m.Owner = owner.String
	m.CampaignID = campaign.String
	m.Stage = stage.String
	m.AssignedCrew = crew.String
	if err := decodeJSON(params, &m.Params); err != nil {
		return m, fmt.Errorf("mission %s params: %w", m.ID, err)
	}
	if alloc.Valid {
		m.Allocation = &domain.Allocation{}
		if err := decodeJSON(alloc, m.Allocation); err != nil {
			return m, fmt.Errorf("mission %s allocation: %w", m.ID, err)
		}
	}
	if errJSON.Valid {
		m.Error = &domain.ErrorRecord{}
		if err := decodeJSON(errJSON, m.Error); err != nil {
			return m, fmt.Errorf("mission %s error: %w", m.ID, err)
		}
	}
	if err := decodeJSON(history, &m.ErrorHistory); err != nil {
		return m, fmt.Errorf("mission %s error history: %w", m.ID, err)
	}
	if err := decodeJSON(result, &m.Result); err != nil {
		return m, fmt.Errorf("mission %s result: %w", m.ID, err)
	}
	m.NextRetryAt = parseNullTime(nextRetry)
	m.LastBoostedAt = parseNullTime(boosted)
	m.AssignedAt = parseNullTime(assignedAt)
	m.StartedAt = parseNullTime(startedAt)
	m.CompletedAt = parseNullTime(completedAt)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return m, nil
}

// missionArgs returns the mutable columns in missionColumns order, id excluded.
func missionArgs(m domain.Mission) ([]any, error) {
	params, err := nullableJSON(m.Params)
	if err != nil {
		return nil, err
	}
	var alloc, errJSON, history, result any
	if m.Allocation != nil {
		if alloc, err = nullableJSON(m.Allocation); err != nil {
			return nil, err
		}
	}
	if m.Error != nil {
		if errJSON, err = nullableJSON(m.Error); err != nil {
			return nil, err
		}
	}
	if len(m.ErrorHistory) > 0 {
		if history, err = nullableJSON(m.ErrorHistory); err != nil {
			return nil, err
		}
	}
	if len(m.Result) > 0 {
		if result, err = nullableJSON(m.Result); err != nil {
			return nil, err
		}
	}
	return []any{
		m.Type, string(m.State), m.Priority, nullable(m.Owner), nullable(m.CampaignID), params, nullable(m.Stage),
		nullable(m.AssignedCrew), alloc, errJSON, history, m.RetryCount, nullableTime(m.NextRetryAt),
		nullableTime(m.LastBoostedAt), result, formatTime(m.CreatedAt), nullableTime(m.AssignedAt),
		nullableTime(m.StartedAt), nullableTime(m.CompletedAt), formatTime(m.UpdatedAt),
	}, nil
}

// InsertMission stores a new mission and its creation event.
func (r Repo) InsertMission(ctx context.Context, m domain.Mission, actorID string) error {
	args, err := missionArgs(m)
	if err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", 21), ",")
	if _, err := tx.ExecContext(ctx, `INSERT INTO missions(`+missionColumns+`) VALUES (`+placeholders+`)`, append([]any{m.ID}, args...)...); err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}
	if err := r.Events.Append(ctx, tx, events.MissionCreated, "mission", m.ID, actorID, events.EventPayload{
		"type":     m.Type,
		"priority": m.Priority,
		"campaign": m.CampaignID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(tx.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

type MissionFilters struct {
	State           string
	Type            string
	Owner           string
	CampaignID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListMissions returns missions newest first.
func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var clauses []string
	var args []any
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Owner != "" {
		clauses = append(clauses, "owner=?")
		args = append(args, f.Owner)
	}
	if f.CampaignID != "" {
		clauses = append(clauses, "campaign_id=?")
		args = append(args, f.CampaignID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + missionColumns + ` FROM missions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryMissions(ctx, query, args...)
}

// ListQueued returns up to limit queued missions, highest priority first, then oldest.
func (r Repo) ListQueued(ctx context.Context, limit int) ([]domain.Mission, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.queryMissions(ctx, `SELECT `+missionColumns+` FROM missions WHERE state=? ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?`,
		string(domain.StateQueued), limit)
}

// ListInFlight returns missions holding resources.
func (r Repo) ListInFlight(ctx context.Context) ([]domain.Mission, error) {
	return r.queryMissions(ctx, `SELECT `+missionColumns+` FROM missions WHERE state IN (?,?,?) ORDER BY assigned_at ASC, id ASC`,
		string(domain.StateAssigned), string(domain.StateExecuting), string(domain.StateWaiting))
}

// ListByState returns missions in one state, oldest update first.
func (r Repo) ListByState(ctx context.Context, state domain.MissionState, limit int) ([]domain.Mission, error) {
	query := `SELECT ` + missionColumns + ` FROM missions WHERE state=? ORDER BY updated_at ASC, id ASC`
	args := []any{string(state)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryMissions(ctx, query, args...)
}

// CountByState returns mission counts keyed by state.
func (r Repo) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM missions GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[string]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[state] = n
	}
	return res, rows.Err()
}

func (r Repo) queryMissions(ctx context.Context, query string, args ...any) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// Change describes a guarded mission update.
type Change struct {
	// From lists the states the mission must currently be in. Empty means any.
	From []domain.MissionState
	// To is the target state. Empty keeps the current state.
	To domain.MissionState
	// Mutate edits the loaded mission before it is written. Returning an error aborts.
	Mutate  func(*domain.Mission) error
	Event   string
	ActorID string
	Payload map[string]any
}

// TransitionMission applies a compare-and-transition update: the row is
// written only if it is still in the state it was loaded in.
func (r Repo) TransitionMission(ctx context.Context, id string, c Change) (domain.Mission, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()
	m, err := r.GetMissionTx(ctx, tx, id)
	if err != nil {
		return m, err
	}
	from := m.State
	if len(c.From) > 0 && !containsState(c.From, from) {
		return m, fmt.Errorf("mission %s is %s: %w", id, from, ErrConflict)
	}
	to := c.To
	if to == "" {
		to = from
	}
	if to != from {
		if err := domain.ValidateTransition(from, to); err != nil {
			return m, err
		}
	}
	if c.Mutate != nil {
		if err := c.Mutate(&m); err != nil {
			return m, err
		}
	}
	m.State = to
	m.UpdatedAt = r.now()
	args, err := missionArgs(m)
	if err != nil {
		return m, err
	}
	sets := strings.Split(missionColumns, ",")[1:]
	for i := range sets {
		sets[i] += "=?"
	}
	args = append(args, id, string(from))
	res, err := tx.ExecContext(ctx, `UPDATE missions SET `+strings.Join(sets, ",")+` WHERE id=? AND state=?`, args...)
	if err != nil {
		return m, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return m, fmt.Errorf("mission %s left %s: %w", id, from, ErrConflict)
	}
	evt := c.Event
	if evt == "" {
		evt = events.MissionTransition
	}
	payload := events.EventPayload{"from": string(from), "to": string(to)}
	for k, v := range c.Payload {
		payload[k] = v
	}
	if err := r.Events.Append(ctx, tx, evt, "mission", id, c.ActorID, payload); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

func containsState(states []domain.MissionState, s domain.MissionState) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// MissionsHolding returns in-flight missions with an allocation, for rebuilding reservations.
func (r Repo) MissionsHolding(ctx context.Context) ([]domain.Mission, error) {
	ms, err := r.ListInFlight(ctx)
	if err != nil {
		return nil, err
	}
	res := ms[:0]
	for _, m := range ms {
		if m.Allocation != nil {
			res = append(res, m)
		}
	}
	return res, nil
}

// StaleInFlight returns in-flight missions assigned before the cutoff.
func (r Repo) StaleInFlight(ctx context.Context, cutoff time.Time) ([]domain.Mission, error) {
	return r.queryMissions(ctx, `SELECT `+missionColumns+` FROM missions WHERE state IN (?,?,?) AND assigned_at IS NOT NULL AND assigned_at < ? ORDER BY assigned_at ASC, id ASC`,
		string(domain.StateAssigned), string(domain.StateExecuting), string(domain.StateWaiting), formatTime(cutoff))
}
