// Package recovery re-places tenants whose node died. A dead node triggers
// a RecoveryEvent with one RecoveryItem per affected tenant; items that
// find no capacity wait and are retried on a timer, on every node
// registration, and are capped at a 24h time budget and a per-item retry
// count before failing terminally.
package recovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/pkg/fleet"
	"github.com/hiverun/controlplane/pkg/node"
	"github.com/hiverun/controlplane/pkg/nodechannel"
	"github.com/hiverun/controlplane/pkg/notifyqueue"
	"github.com/hiverun/controlplane/pkg/placement"
)

const (
	maxItemRetries = 5
	itemTimeCap    = 24 * time.Hour

	// defaultImportImage is used when a recovering instance's BotProfile
	// can no longer be found.
	defaultImportImage = "hiverun/bot:latest"
)

// Item statuses.
const (
	ItemPending   = "pending"
	ItemRecovered = "recovered"
	ItemRetried   = "retried"
	ItemWaiting   = "waiting"
	ItemFailed    = "failed"
)

// Event statuses.
const (
	EventInProgress = "in_progress"
	EventCompleted  = "completed"
	EventPartial    = "partial"
)

// Manager orchestrates recovery events.
type Manager struct {
	pool     *pgxpool.Pool
	fleet    *fleet.Store
	nodes    *node.Registry
	channel  *nodechannel.Registry
	notifier *notifyqueue.Queue
	logger   *slog.Logger
}

// New creates a Manager.
func New(pool *pgxpool.Pool, fleetStore *fleet.Store, nodes *node.Registry, channel *nodechannel.Registry, notifier *notifyqueue.Queue, logger *slog.Logger) *Manager {
	return &Manager{pool: pool, fleet: fleetStore, nodes: nodes, channel: channel, notifier: notifier, logger: logger}
}

// TriggerRecovery creates a RecoveryEvent for deadNode and attempts to
// re-place every tenant that was running on it. Implements
// node.RecoveryTrigger.
func (m *Manager) TriggerRecovery(ctx context.Context, deadNode, trigger string) {
	if err := m.triggerRecovery(ctx, deadNode, trigger); err != nil {
		m.logger.Error("triggering recovery", "node_id", deadNode, "error", err)
	}
}

func (m *Manager) triggerRecovery(ctx context.Context, deadNode, trigger string) error {
	instances, err := m.fleet.ListByNode(ctx, deadNode)
	if err != nil {
		return err
	}

	eventID := uuid.New()
	if _, err := m.pool.Exec(ctx, `
		INSERT INTO recovery_events (id, node_id, trigger, status, tenants_total)
		VALUES ($1,$2,$3,$4,$5)`,
		eventID, deadNode, trigger, EventInProgress, len(instances)); err != nil {
		return apperr.Wrap(apperr.KindTransient, "creating recovery event", err)
	}

	var recovered, failed, waiting int

	active, err := m.nodes.ListActive(ctx)
	if err != nil {
		return err
	}

	for _, inst := range instances {
		status, targetNode, reason := m.attemptPlacement(ctx, active, inst, []string{deadNode})

		itemID := uuid.New()
		if _, err := m.pool.Exec(ctx, `
			INSERT INTO recovery_items (id, recovery_event_id, tenant, source_node, target_node, status, reason)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			itemID, eventID, inst.TenantID, deadNode, targetNode, status, reason); err != nil {
			m.logger.Error("recording recovery item", "error", err)
			continue
		}

		switch status {
		case ItemRecovered:
			recovered++
			if err := m.dispatchImport(ctx, *targetNode, inst.TenantID, inst.ProfileID); err != nil {
				m.logger.Error("dispatching bot.import for recovered instance", "instance_id", inst.ID, "target_node", *targetNode, "error", err)
			}
			if err := m.fleet.Reassign(ctx, inst.ID, targetNode); err != nil {
				m.logger.Error("reassigning recovered instance", "error", err)
			}
			if err := m.nodes.AddNodeCapacity(ctx, *targetNode, inst.EstimatedMB); err != nil {
				m.logger.Error("claiming capacity for recovered instance", "error", err)
			}
		case ItemWaiting:
			waiting++
		default:
			failed++
		}
	}

	status := EventCompleted
	if failed > 0 || waiting > 0 {
		status = EventPartial
	}

	if _, err := m.pool.Exec(ctx, `
		UPDATE recovery_events
		SET status = $1, tenants_recovered = $2, tenants_failed = $3, tenants_waiting = $4,
			completed_at = CASE WHEN $5 THEN now() ELSE completed_at END
		WHERE id = $6`,
		status, recovered, failed, waiting, waiting == 0, eventID); err != nil {
		return apperr.Wrap(apperr.KindTransient, "finalizing recovery event", err)
	}

	if status == EventCompleted {
		if err := m.nodes.Offline(ctx, deadNode); err != nil {
			m.logger.Error("taking dead node offline after recovery", "node_id", deadNode, "error", err)
		}
	}

	if failed > 0 && m.notifier != nil {
		payload, _ := json.Marshal(map[string]any{
			"node_id": deadNode, "recovered": recovered, "failed": failed, "waiting": waiting,
		})
		if _, err := m.notifier.Enqueue(ctx, notifyqueue.Input{
			TenantID: "system", EmailType: "recovery_failures", Payload: payload,
		}); err != nil {
			m.logger.Error("enqueuing recovery-failures notification", "error", err)
		}
	}

	return nil
}

// attemptPlacement tries to place inst onto any active node excluding
// excludedNodes. Returns the resulting item status, the chosen node (nil if
// none), and a machine-readable reason.
func (m *Manager) attemptPlacement(ctx context.Context, active []node.Node, inst fleet.Instance, excludedNodes []string) (status string, targetNode *string, reason string) {
	cand := placement.FindPlacementExcluding(active, excludedNodes, inst.EstimatedMB)
	if cand == nil {
		return ItemWaiting, nil, "no_capacity"
	}
	id := cand.ID
	return ItemRecovered, &id, ""
}

// dispatchImport reconstructs the bot.import command from the tenant's
// BotProfile — image and env, falling back to an empty env when the
// profile is missing or its env JSON is corrupt, and to a default image
// when the profile itself is missing — and pushes it to targetNode.
func (m *Manager) dispatchImport(ctx context.Context, targetNode, tenantID string, profileID uuid.UUID) error {
	image := defaultImportImage
	env := map[string]string{}

	profile, err := m.fleet.GetProfile(ctx, profileID)
	if err != nil {
		m.logger.Warn("loading bot profile for recovery import, using defaults", "tenant", tenantID, "error", err)
	} else {
		image = profile.Image
		if len(profile.Env) > 0 {
			var parsedEnv map[string]string
			if uerr := json.Unmarshal(profile.Env, &parsedEnv); uerr != nil {
				m.logger.Warn("bot profile env corrupt for recovery import, using empty env", "tenant", tenantID, "error", uerr)
			} else {
				env = parsedEnv
			}
		}
	}

	payload, err := json.Marshal(map[string]any{
		"name":  "tenant_" + tenantID,
		"image": image,
		"env":   env,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "encoding bot.import payload", err)
	}

	result, err := m.channel.SendCommand(ctx, targetNode, "bot.import", payload)
	if err != nil {
		return err
	}
	if !result.Success {
		return apperr.New(apperr.KindFatal, "bot.import failed on node "+targetNode+": "+result.Error)
	}
	return nil
}

// CheckAndRetryWaiting re-attempts placement for every waiting item. Items
// older than the 24h time cap, or that have exhausted their retry count,
// fail terminally and trigger an admin notification; otherwise a retry is
// attempted against current capacity. Any recovery event left with zero
// waiting items after this pass is finalized: its status moves to
// completed and the dead node it was opened for is taken offline.
func (m *Manager) CheckAndRetryWaiting(ctx context.Context) error {
	rows, err := m.pool.Query(ctx, `
		SELECT ri.id, ri.recovery_event_id, ri.tenant, ri.source_node, ri.retry_count, ri.started_at,
		       bi.id, bi.estimated_mb, bi.profile_id, re.node_id
		FROM recovery_items ri
		JOIN bot_instances bi ON bi.tenant_id = ri.tenant
		JOIN recovery_events re ON re.id = ri.recovery_event_id
		WHERE ri.status = $1`, ItemWaiting)
	if err != nil {
		return apperr.Wrap(apperr.KindTransient, "listing waiting recovery items", err)
	}

	type waitingItem struct {
		itemID, eventID    uuid.UUID
		tenant, sourceNode string
		retryCount         int
		startedAt          time.Time
		instanceID         uuid.UUID
		estimatedMB        int64
		profileID          uuid.UUID
		eventNodeID        string
	}
	var items []waitingItem
	for rows.Next() {
		var w waitingItem
		if err := rows.Scan(&w.itemID, &w.eventID, &w.tenant, &w.sourceNode, &w.retryCount, &w.startedAt,
			&w.instanceID, &w.estimatedMB, &w.profileID, &w.eventNodeID); err != nil {
			rows.Close()
			return apperr.Wrap(apperr.KindTransient, "scanning waiting recovery item", err)
		}
		items = append(items, w)
	}
	rows.Close()

	if len(items) == 0 {
		return nil
	}

	active, err := m.nodes.ListActive(ctx)
	if err != nil {
		return err
	}

	touchedEvents := make(map[uuid.UUID]string)

	for _, w := range items {
		touchedEvents[w.eventID] = w.eventNodeID

		if time.Since(w.startedAt) > itemTimeCap {
			m.failItem(ctx, w.itemID, "time_cap_exceeded")
			continue
		}
		if w.retryCount >= maxItemRetries {
			m.failItem(ctx, w.itemID, "max_retries_exceeded")
			continue
		}

		cand := placement.FindPlacementExcluding(active, []string{w.sourceNode}, w.estimatedMB)
		if cand == nil {
			if _, err := m.pool.Exec(ctx, `UPDATE recovery_items SET retry_count = retry_count + 1 WHERE id = $1`, w.itemID); err != nil {
				m.logger.Error("incrementing recovery item retry count", "error", err)
			}
			continue
		}

		if err := m.dispatchImport(ctx, cand.ID, w.tenant, w.profileID); err != nil {
			m.logger.Error("dispatching bot.import on recovery retry", "tenant", w.tenant, "target_node", cand.ID, "error", err)
			if _, err := m.pool.Exec(ctx, `UPDATE recovery_items SET retry_count = retry_count + 1 WHERE id = $1`, w.itemID); err != nil {
				m.logger.Error("incrementing recovery item retry count", "error", err)
			}
			continue
		}

		if _, err := m.pool.Exec(ctx, `
			UPDATE recovery_items SET status = $1, target_node = $2, completed_at = now() WHERE id = $3`,
			ItemRetried, cand.ID, w.itemID); err != nil {
			m.logger.Error("marking recovery item retried", "error", err)
			continue
		}
		if err := m.fleet.Reassign(ctx, w.instanceID, &cand.ID); err != nil {
			m.logger.Error("reassigning recovered instance", "error", err)
		}
		if err := m.nodes.AddNodeCapacity(ctx, cand.ID, w.estimatedMB); err != nil {
			m.logger.Error("claiming capacity for recovered instance", "error", err)
		}
	}

	for eventID, deadNode := range touchedEvents {
		m.finalizeEventIfDone(ctx, eventID, deadNode)
	}

	return nil
}

// finalizeEventIfDone recounts a recovery event's outcomes and, if no
// waiting items remain, marks it completed and takes its dead node
// offline.
func (m *Manager) finalizeEventIfDone(ctx context.Context, eventID uuid.UUID, deadNode string) {
	var recoveredN, retriedN, failedN, waitingN int
	rows, err := m.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM recovery_items WHERE recovery_event_id = $1 GROUP BY status`, eventID)
	if err != nil {
		m.logger.Error("counting recovery item outcomes", "event_id", eventID, "error", err)
		return
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			m.logger.Error("scanning recovery item outcome count", "event_id", eventID, "error", err)
			return
		}
		switch status {
		case ItemRecovered:
			recoveredN = count
		case ItemRetried:
			retriedN = count
		case ItemFailed:
			failedN = count
		case ItemWaiting:
			waitingN = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		m.logger.Error("iterating recovery item outcome counts", "event_id", eventID, "error", err)
		return
	}

	if waitingN > 0 {
		if _, err := m.pool.Exec(ctx, `
			UPDATE recovery_events SET tenants_recovered = $1, tenants_failed = $2, tenants_waiting = $3 WHERE id = $4`,
			recoveredN+retriedN, failedN, waitingN, eventID); err != nil {
			m.logger.Error("updating recovery event counts", "event_id", eventID, "error", err)
		}
		return
	}

	if _, err := m.pool.Exec(ctx, `
		UPDATE recovery_events
		SET status = $1, tenants_recovered = $2, tenants_failed = $3, tenants_waiting = 0, completed_at = now()
		WHERE id = $4`,
		EventCompleted, recoveredN+retriedN, failedN, eventID); err != nil {
		m.logger.Error("finalizing recovery event", "event_id", eventID, "error", err)
		return
	}

	if err := m.nodes.Offline(ctx, deadNode); err != nil {
		m.logger.Error("taking dead node offline after recovery", "node_id", deadNode, "error", err)
	}
}

func (m *Manager) failItem(ctx context.Context, itemID uuid.UUID, reason string) {
	if _, err := m.pool.Exec(ctx, `
		UPDATE recovery_items SET status = $1, reason = $2, completed_at = now() WHERE id = $3`,
		ItemFailed, reason, itemID); err != nil {
		m.logger.Error("marking recovery item failed", "error", err)
		return
	}

	if m.notifier != nil {
		payload, _ := json.Marshal(map[string]any{"recovery_item_id": itemID.String(), "reason": reason})
		if _, err := m.notifier.Enqueue(ctx, notifyqueue.Input{
			TenantID: "system", EmailType: "recovery_item_failed", Payload: payload,
		}); err != nil {
			m.logger.Error("enqueuing recovery-item-failed notification", "error", err)
		}
	}
}

// OnNodeRegistered triggers an immediate retry pass when a node registers,
// since fresh capacity may satisfy waiting items. Implements
// node.RecoveryTrigger.
func (m *Manager) OnNodeRegistered(ctx context.Context, nodeID string) {
	if err := m.CheckAndRetryWaiting(ctx); err != nil {
		m.logger.Error("retrying waiting recovery items after node registration", "node_id", nodeID, "error", err)
	}
}

// RunRetryLoop polls CheckAndRetryWaiting on every tick until ctx is done.
func (m *Manager) RunRetryLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.CheckAndRetryWaiting(ctx); err != nil {
				m.logger.Error("recovery retry loop tick", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
