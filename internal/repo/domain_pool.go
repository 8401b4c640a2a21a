package repo

import (
	"context"
	"database/sql"
	"fmt"

	"missioncore/internal/domain"
	"missioncore/internal/events"
)

const identityColumns = `identity,status,type,reputation_score,COALESCE(assigned_campaign,''),COALESCE(held_by_mission,''),last_used_at`

func scanIdentity(row rowScanner) (domain.DomainIdentity, error) {
	var d domain.DomainIdentity
	var status string
	var lastUsed sql.NullString
	err := row.Scan(&d.Identity, &status, &d.Type, &d.ReputationScore, &d.AssignedCampaign, &d.HeldByMission, &lastUsed)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	d.Status = domain.IdentityStatus(status)
	d.LastUsedAt = parseNullTime(lastUsed)
	return d, err
}

// UpsertIdentity inserts a pool identity or refreshes its status, type and
// reputation. Bindings are left untouched.
func (r Repo) UpsertIdentity(ctx context.Context, d domain.DomainIdentity) error {
	if d.Identity == "" {
		return fmt.Errorf("identity required")
	}
	if d.Status == "" {
		d.Status = domain.IdentityActive
	}
	if d.Type == "" {
		d.Type = "sending"
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO domain_pool(identity,status,type,reputation_score) VALUES (?,?,?,?)
ON CONFLICT(identity) DO UPDATE SET status=excluded.status, type=excluded.type, reputation_score=excluded.reputation_score`,
		d.Identity, string(d.Status), d.Type, d.ReputationScore)
	if err != nil {
		return err
	}
	payload := events.EventPayload{"status": string(d.Status), "type": d.Type, "reputation_score": d.ReputationScore}
	if err := r.Events.Append(ctx, tx, events.DomainUpserted, "domain", d.Identity, "", payload); err != nil {
		return err
	}
	return tx.Commit()
}

// SeedIdentity inserts a pool identity only if it does not exist yet.
func (r Repo) SeedIdentity(ctx context.Context, d domain.DomainIdentity) error {
	if d.Status == "" {
		d.Status = domain.IdentityActive
	}
	if d.Type == "" {
		d.Type = "sending"
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO domain_pool(identity,status,type,reputation_score) VALUES (?,?,?,?) ON CONFLICT(identity) DO NOTHING`,
		d.Identity, string(d.Status), d.Type, d.ReputationScore)
	return err
}

func (r Repo) GetIdentity(ctx context.Context, identity string) (domain.DomainIdentity, error) {
	return scanIdentity(r.DB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM domain_pool WHERE identity=?`, identity))
}

// ListIdentities returns the pool, best reputation first.
func (r Repo) ListIdentities(ctx context.Context) ([]domain.DomainIdentity, error) {
	return r.queryIdentities(ctx, `SELECT `+identityColumns+` FROM domain_pool ORDER BY reputation_score DESC, identity ASC`)
}

// FreeIdentities returns identities not held by any mission and not suspended,
// optionally restricted to one identity type, best reputation first.
func (r Repo) FreeIdentities(ctx context.Context, identityType string) ([]domain.DomainIdentity, error) {
	query := `SELECT ` + identityColumns + ` FROM domain_pool WHERE held_by_mission IS NULL AND status != ?`
	args := []any{string(domain.IdentitySuspended)}
	if identityType != "" {
		query += ` AND type=?`
		args = append(args, identityType)
	}
	query += ` ORDER BY reputation_score DESC, identity ASC`
	return r.queryIdentities(ctx, query, args...)
}

func (r Repo) queryIdentities(ctx context.Context, query string, args ...any) ([]domain.DomainIdentity, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DomainIdentity
	for rows.Next() {
		d, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// BindIdentity gives missionID an exclusive hold on identity and ties it to the
// campaign. The update only matches a free identity with no other campaign
// affinity; otherwise ErrConflict. promote activates a cold identity.
func (r Repo) BindIdentity(ctx context.Context, identity, campaignID, missionID string, promote bool) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	status := "status"
	if promote {
		status = "'" + string(domain.IdentityActive) + "'"
	}
	res, err := tx.ExecContext(ctx, `UPDATE domain_pool SET held_by_mission=?, assigned_campaign=?, status=`+status+`, last_used_at=?
WHERE identity=? AND held_by_mission IS NULL AND status != ? AND (assigned_campaign IS NULL OR assigned_campaign=?)`,
		missionID, campaignID, formatTime(r.now()), identity, string(domain.IdentitySuspended), campaignID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identity %s: %w", identity, ErrConflict)
	}
	if err := r.Events.Append(ctx, tx, events.DomainBound, "domain", identity, "", events.EventPayload{
		"mission":  missionID,
		"campaign": campaignID,
		"promoted": promote,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ReleaseIdentity drops missionID's hold on identity. It reports whether a hold existed.
// Affinity to a real campaign survives the release. A mission without a
// campaign binds under its own id, and that affinity is cleared here.
func (r Repo) ReleaseIdentity(ctx context.Context, identity, missionID string) (bool, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE domain_pool SET held_by_mission=NULL,
assigned_campaign=CASE WHEN assigned_campaign=? THEN NULL ELSE assigned_campaign END
WHERE identity=? AND held_by_mission=?`, missionID, identity, missionID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if err := r.Events.Append(ctx, tx, events.DomainReleased, "domain", identity, "", events.EventPayload{"mission": missionID}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ClearCampaign removes campaign affinity from identities no mission holds.
func (r Repo) ClearCampaign(ctx context.Context, campaignID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE domain_pool SET assigned_campaign=NULL WHERE assigned_campaign=? AND held_by_mission IS NULL`, campaignID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
