// Package fleet persists bot profiles and bot instances — the tenant-facing
// units that the migration and recovery engines move between nodes.
package fleet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hiverun/controlplane/internal/apperr"
)

// Profile is a bot's deployable image and runtime policy.
type Profile struct {
	ID             uuid.UUID
	Image          string
	Env            json.RawMessage
	RestartPolicy  string
	UpdatePolicy   string
	ReleaseChannel string
}

// Instance is one tenant's running (or placed) bot.
type Instance struct {
	ID           uuid.UUID
	TenantID     string
	Name         string
	NodeID       *string
	ProfileID    uuid.UUID
	BillingState string
	EstimatedMB  int64
	DestroyAfter *time.Time
	CreatedAt    time.Time
}

// Store is the pgx-backed fleet store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// CreateProfile inserts a new bot profile.
func (s *Store) CreateProfile(ctx context.Context, p Profile) (*Profile, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Env == nil {
		p.Env = json.RawMessage("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_profiles (id, image, env, restart_policy, update_policy, release_channel)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		p.ID, p.Image, p.Env, p.RestartPolicy, p.UpdatePolicy, p.ReleaseChannel)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "creating bot profile", err)
	}
	return &p, nil
}

// GetProfile returns a single bot profile by id.
func (s *Store) GetProfile(ctx context.Context, id uuid.UUID) (*Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx, `
		SELECT id, image, env, restart_policy, update_policy, release_channel
		FROM bot_profiles WHERE id = $1`, id,
	).Scan(&p.ID, &p.Image, &p.Env, &p.RestartPolicy, &p.UpdatePolicy, &p.ReleaseChannel)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "bot profile not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "fetching bot profile", err)
	}
	return &p, nil
}

// CreateInstance places a new bot instance record. NodeID is nil until
// placement assigns one.
func (s *Store) CreateInstance(ctx context.Context, in Instance) (*Instance, error) {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.BillingState == "" {
		in.BillingState = "active"
	}
	if in.EstimatedMB == 0 {
		in.EstimatedMB = 100
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO bot_instances (id, tenant_id, name, node_id, profile_id, billing_state, estimated_mb, destroy_after)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		in.ID, in.TenantID, in.Name, in.NodeID, in.ProfileID, in.BillingState, in.EstimatedMB, in.DestroyAfter,
	).Scan(&in.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "creating bot instance", err)
	}
	return &in, nil
}

// GetInstance returns a single instance by id.
func (s *Store) GetInstance(ctx context.Context, id uuid.UUID) (*Instance, error) {
	row := s.pool.QueryRow(ctx, selectInstanceSQL+` WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "bot instance not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "fetching bot instance", err)
	}
	return inst, nil
}

// ListByNode returns every instance currently assigned to nodeID.
func (s *Store) ListByNode(ctx context.Context, nodeID string) ([]Instance, error) {
	return s.queryInstances(ctx, selectInstanceSQL+` WHERE node_id = $1 ORDER BY id`, nodeID)
}

// ListByTenant returns every instance owned by tenantID.
func (s *Store) ListByTenant(ctx context.Context, tenantID string) ([]Instance, error) {
	return s.queryInstances(ctx, selectInstanceSQL+` WHERE tenant_id = $1 ORDER BY id`, tenantID)
}

// Reassign atomically moves an instance to a new node (or clears it to nil
// when targetNode is nil, e.g. a waiting recovery item).
func (s *Store) Reassign(ctx context.Context, id uuid.UUID, targetNode *string) error {
	_, err := s.pool.Exec(ctx, `UPDATE bot_instances SET node_id = $1 WHERE id = $2`, targetNode, id)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "reassigning bot instance", err)
	}
	return nil
}

const selectInstanceSQL = `
	SELECT id, tenant_id, name, node_id, profile_id, billing_state, estimated_mb, destroy_after, created_at
	FROM bot_instances`

func (s *Store) queryInstances(ctx context.Context, sql string, args ...any) ([]Instance, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "listing bot instances", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "scanning bot instance row", err)
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func scanInstance(row pgx.Row) (*Instance, error) {
	var inst Instance
	if err := row.Scan(&inst.ID, &inst.TenantID, &inst.Name, &inst.NodeID, &inst.ProfileID,
		&inst.BillingState, &inst.EstimatedMB, &inst.DestroyAfter, &inst.CreatedAt); err != nil {
		return nil, err
	}
	return &inst, nil
}
