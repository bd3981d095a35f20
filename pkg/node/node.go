// Package node implements the capacity-aware worker node registry: status
// lifecycle, heartbeats, and the liveness sweeper that detects dead nodes.
package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hiverun/controlplane/internal/apperr"
)

// Status values for a Node.
const (
	StatusActive     = "active"
	StatusDraining   = "draining"
	StatusOffline    = "offline"
	StatusUnhealthy  = "unhealthy"
	StatusRecovering = "recovering"
)

// Node is a worker host advertising capacity.
type Node struct {
	ID              string
	Host            string
	Status          string
	CapacityMB      int64
	UsedMB          int64
	LastHeartbeatAt *time.Time
	RegisteredAt    time.Time
}

// AvailableMB returns the node's free capacity.
func (n Node) AvailableMB() int64 { return n.CapacityMB - n.UsedMB }

// RecoveryTrigger is notified when a node transitions to unhealthy so
// recovery can begin, and when a new node registers so waiting tenants can
// be retried against the fresh capacity.
type RecoveryTrigger interface {
	TriggerRecovery(ctx context.Context, nodeID, trigger string)
	OnNodeRegistered(ctx context.Context, nodeID string)
}

// Registry is the pgx-backed node registry.
type Registry struct {
	pool             *pgxpool.Pool
	logger           *slog.Logger
	recovery         RecoveryTrigger
	heartbeatTimeout time.Duration
}

// New creates a Registry. recovery may be nil and set later via
// SetRecoveryTrigger — useful since the recovery manager itself needs a
// *Registry to construct.
func New(pool *pgxpool.Pool, logger *slog.Logger, recovery RecoveryTrigger, heartbeatTimeout time.Duration) *Registry {
	return &Registry{pool: pool, logger: logger, recovery: recovery, heartbeatTimeout: heartbeatTimeout}
}

// SetRecoveryTrigger wires the recovery manager in after construction,
// breaking the Registry/Manager construction cycle.
func (r *Registry) SetRecoveryTrigger(recovery RecoveryTrigger) {
	r.recovery = recovery
}

// Register creates or re-activates a node. A node that re-registers after
// going offline returns to active.
func (r *Registry) Register(ctx context.Context, id, host string, capacityMB int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO nodes (id, host, status, capacity_mb, used_mb, last_heartbeat_at, registered_at)
		VALUES ($1,$2,$3,$4,0,now(),now())
		ON CONFLICT (id) DO UPDATE SET host = $2, status = $3, last_heartbeat_at = now()`,
		id, host, StatusActive, capacityMB)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "registering node", err)
	}

	if r.recovery != nil {
		r.recovery.OnNodeRegistered(ctx, id)
	}
	return nil
}

// Heartbeat updates a known node's liveness and used_mb. Unknown-node
// heartbeats are rejected — the node must register first.
func (r *Registry) Heartbeat(ctx context.Context, id string, usedMB int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nodes SET used_mb = $1, last_heartbeat_at = now()
		WHERE id = $2`, usedMB, id)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "recording heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindNotFound, "heartbeat from unregistered node")
	}
	return nil
}

// Get returns a single node by id.
func (r *Registry) Get(ctx context.Context, id string) (*Node, error) {
	n, err := scanNode(r.pool.QueryRow(ctx, selectNodeSQL+` WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "node not found")
	}
	return n, err
}

// ListActive returns all nodes with status=active.
func (r *Registry) ListActive(ctx context.Context) ([]Node, error) {
	return r.queryNodes(ctx, selectNodeSQL+` WHERE status = $1 ORDER BY id`, StatusActive)
}

// List returns every node.
func (r *Registry) List(ctx context.Context) ([]Node, error) {
	return r.queryNodes(ctx, selectNodeSQL+` ORDER BY id`)
}

// AddNodeCapacity adjusts used_mb by delta (positive or negative). Callers
// (placement, migration, recovery) are responsible for keeping it
// consistent with reality.
func (r *Registry) AddNodeCapacity(ctx context.Context, id string, delta int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE nodes SET used_mb = used_mb + $1 WHERE id = $2`, delta, id)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "adjusting node capacity", err)
	}
	return nil
}

// Drain marks a node draining.
func (r *Registry) Drain(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusDraining)
}

// Offline marks a node offline.
func (r *Registry) Offline(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, StatusOffline)
}

func (r *Registry) setStatus(ctx context.Context, id, status string) error {
	_, err := r.pool.Exec(ctx, `UPDATE nodes SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "updating node status", err)
	}
	return nil
}

// RunLivenessSweep transitions nodes whose last heartbeat is older than
// heartbeatTimeout from active to unhealthy, and fires recovery for each.
// It runs once immediately, then on every tick of interval.
func (r *Registry) RunLivenessSweep(ctx context.Context, interval time.Duration) {
	r.sweep(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.heartbeatTimeout)

	rows, err := r.pool.Query(ctx, `
		UPDATE nodes SET status = $1
		WHERE status = $2 AND last_heartbeat_at < $3
		RETURNING id`, StatusUnhealthy, StatusActive, cutoff)
	if err != nil {
		r.logger.Error("sweeping for dead nodes", "error", err)
		return
	}

	var deadIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			r.logger.Error("scanning dead node id", "error", err)
			continue
		}
		deadIDs = append(deadIDs, id)
	}
	rows.Close()

	for _, id := range deadIDs {
		r.logger.Warn("node missed heartbeat deadline, marking unhealthy", "node_id", id)
		if r.recovery != nil {
			r.recovery.TriggerRecovery(ctx, id, "heartbeat_timeout")
		}
	}
}

const selectNodeSQL = `SELECT id, host, status, capacity_mb, used_mb, last_heartbeat_at, registered_at FROM nodes`

func (r *Registry) queryNodes(ctx context.Context, sql string, args ...any) ([]Node, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "listing nodes", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		var n Node
		if err := rows.Scan(&n.ID, &n.Host, &n.Status, &n.CapacityMB, &n.UsedMB, &n.LastHeartbeatAt, &n.RegisteredAt); err != nil {
			return nil, apperr.Wrap(apperr.KindTransient, "scanning node row", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNode(row pgx.Row) (*Node, error) {
	var n Node
	if err := row.Scan(&n.ID, &n.Host, &n.Status, &n.CapacityMB, &n.UsedMB, &n.LastHeartbeatAt, &n.RegisteredAt); err != nil {
		return nil, err
	}
	return &n, nil
}
