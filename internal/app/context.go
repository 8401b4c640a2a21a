package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"missioncore/internal/config"
	"missioncore/internal/db"
	"missioncore/internal/domain"
	"missioncore/internal/migrate"
	"missioncore/internal/repo"
)

// ConfigName is the configs row the service runs with.
const ConfigName = "default"

// Open opens the workspace database and applies pending migrations.
func Open(ctx context.Context, workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return conn, nil
}

// ResolveConfig loads the stored configuration, seeding the default document
// when none has been imported yet. Pool identities named in the config are
// seeded without touching identities that already exist.
func ResolveConfig(ctx context.Context, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx, ConfigName)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		cfg = config.Default()
		if err := r.UpsertConfig(ctx, ConfigName, cfg); err != nil {
			return nil, fmt.Errorf("seed config: %w", err)
		}
	}
	if _, err := SeedPool(ctx, r, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SeedPool inserts the config's pool identities that are not stored yet and
// returns how many it added.
func SeedPool(ctx context.Context, r repo.Repo, cfg *config.Config) (int, error) {
	added := 0
	for _, id := range cfg.DomainPool.Identities {
		if _, err := r.GetIdentity(ctx, id.Identity); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return added, err
		}
		if err := r.SeedIdentity(ctx, domain.DomainIdentity{
			Identity:        id.Identity,
			Status:          domain.IdentityStatus(id.Status),
			Type:            id.Type,
			ReputationScore: id.ReputationScore,
		}); err != nil {
			return added, fmt.Errorf("seed identity %s: %w", id.Identity, err)
		}
		added++
	}
	return added, nil
}
