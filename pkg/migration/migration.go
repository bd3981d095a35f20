// Package migration moves a tenant's bot instance from one node to
// another: export on the source, relay the backup through blob storage,
// import on the destination, and verify — all-or-nothing, with no routing
// change unless every step succeeds.
package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hiverun/controlplane/internal/apperr"
	"github.com/hiverun/controlplane/pkg/fleet"
	"github.com/hiverun/controlplane/pkg/node"
	"github.com/hiverun/controlplane/pkg/nodechannel"
	"github.com/hiverun/controlplane/pkg/notifyqueue"
	"github.com/hiverun/controlplane/pkg/placement"
)

const commandTimeout = 2 * time.Minute

// defaultImportImage is used when a migrating instance's BotProfile can no
// longer be found.
const defaultImportImage = "hiverun/bot:latest"

// Result reports the outcome of a single migration.
type Result struct {
	InstanceID string
	FromNode   string
	ToNode     string
	DowntimeMS int64
}

// Engine carries out migrations and node drains.
type Engine struct {
	fleet    *fleet.Store
	nodes    *node.Registry
	channel  *nodechannel.Registry
	notifier *notifyqueue.Queue
	logger   *slog.Logger
}

// New creates an Engine.
func New(fleetStore *fleet.Store, nodes *node.Registry, channel *nodechannel.Registry, notifier *notifyqueue.Queue, logger *slog.Logger) *Engine {
	return &Engine{fleet: fleetStore, nodes: nodes, channel: channel, notifier: notifier, logger: logger}
}

// MigrateTenant moves instanceID off its current node. If targetNode is
// empty, placement picks the best active node excluding the source. The
// six-step sequence is all-or-nothing: on any failure the instance's
// routing is left untouched and no capacity is adjusted.
func (e *Engine) MigrateTenant(ctx context.Context, instanceID uuid.UUID, targetNode string) (*Result, error) {
	inst, err := e.fleet.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.NodeID == nil {
		return nil, apperr.New(apperr.KindInvalidInput, "instance has no current node to migrate from")
	}
	sourceNode := *inst.NodeID

	if targetNode == "" {
		active, err := e.nodes.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		cand := placement.FindPlacementExcluding(active, []string{sourceNode}, inst.EstimatedMB)
		if cand == nil {
			return nil, apperr.New(apperr.KindNoCapacity, "no node has capacity for this migration")
		}
		targetNode = cand.ID
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	name := tenantBotName(inst.TenantID)
	filename := backupFilename(inst.TenantID)

	if _, err := e.send(ctx, sourceNode, "bot.export", map[string]any{"name": name}); err != nil {
		return nil, fmt.Errorf("exporting from source node: %w", err)
	}

	if _, err := e.send(ctx, sourceNode, "backup.upload", map[string]any{"filename": filename}); err != nil {
		return nil, fmt.Errorf("uploading backup: %w", err)
	}

	if _, err := e.send(ctx, targetNode, "backup.download", map[string]any{"filename": filename}); err != nil {
		return nil, fmt.Errorf("downloading backup to target node: %w", err)
	}

	downtimeStart := time.Now()

	if _, err := e.send(ctx, sourceNode, "bot.stop", map[string]any{"name": name}); err != nil {
		return nil, fmt.Errorf("stopping bot on source node: %w", err)
	}

	importPayload, err := e.buildImportPayload(ctx, name, inst.ProfileID)
	if err != nil {
		return nil, fmt.Errorf("building import payload: %w", err)
	}
	if _, err := e.send(ctx, targetNode, "bot.import", importPayload); err != nil {
		return nil, fmt.Errorf("importing bot on target node: %w", err)
	}

	if _, err := e.send(ctx, targetNode, "bot.inspect", map[string]any{"name": name}); err != nil {
		return nil, fmt.Errorf("inspecting bot on target node: %w", err)
	}

	downtime := time.Since(downtimeStart)

	if err := e.fleet.Reassign(ctx, inst.ID, &targetNode); err != nil {
		return nil, err
	}
	if err := e.nodes.AddNodeCapacity(ctx, sourceNode, -inst.EstimatedMB); err != nil {
		e.logger.Error("releasing source node capacity after migration", "error", err)
	}
	if err := e.nodes.AddNodeCapacity(ctx, targetNode, inst.EstimatedMB); err != nil {
		e.logger.Error("claiming target node capacity after migration", "error", err)
	}

	return &Result{
		InstanceID: inst.ID.String(),
		FromNode:   sourceNode,
		ToNode:     targetNode,
		DowntimeMS: downtime.Milliseconds(),
	}, nil
}

func (e *Engine) send(ctx context.Context, nodeID, cmdType string, payload any) (*nodechannel.Result, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidInput, "encoding command payload", err)
	}

	result, err := e.channel.SendCommand(ctx, nodeID, cmdType, data)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, apperr.New(apperr.KindFatal, fmt.Sprintf("%s failed on node %s: %s", cmdType, nodeID, result.Error))
	}
	return result, nil
}

// tenantBotName is the node-local container/process name for a tenant's bot.
func tenantBotName(tenantID string) string {
	return "tenant_" + tenantID
}

// backupFilename is the blob storage key a tenant's export backup is
// uploaded and downloaded under.
func backupFilename(tenantID string) string {
	return "tenant_" + tenantID + ".tar.gz"
}

// buildImportPayload reconstructs the bot.import command from the tenant's
// BotProfile — image and env, falling back to an empty env when the
// profile is missing or its env JSON is corrupt, and to a default image
// when the profile itself is missing.
func (e *Engine) buildImportPayload(ctx context.Context, name string, profileID uuid.UUID) (map[string]any, error) {
	image := defaultImportImage
	env := map[string]string{}

	profile, err := e.fleet.GetProfile(ctx, profileID)
	if err != nil {
		e.logger.Warn("loading bot profile for import, using defaults", "profile_id", profileID, "error", err)
	} else {
		image = profile.Image
		if len(profile.Env) > 0 {
			var parsedEnv map[string]string
			if uerr := json.Unmarshal(profile.Env, &parsedEnv); uerr != nil {
				e.logger.Warn("bot profile env corrupt, using empty env", "profile_id", profileID, "error", uerr)
			} else {
				env = parsedEnv
			}
		}
	}

	return map[string]any{"name": name, "image": image, "env": env}, nil
}

// DrainResult reports the outcome of draining a node.
type DrainResult struct {
	Migrated int
	Failed   int
}

// DrainNode marks nodeID draining, migrates every instance off it, then
// takes it fully offline if every migration succeeded. If any migration
// fails the node stays draining and an admin notification is enqueued with
// the success/failure counts.
func (e *Engine) DrainNode(ctx context.Context, nodeID string) (*DrainResult, error) {
	if err := e.nodes.Drain(ctx, nodeID); err != nil {
		return nil, err
	}

	instances, err := e.fleet.ListByNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	result := &DrainResult{}
	for _, inst := range instances {
		if _, err := e.MigrateTenant(ctx, inst.ID, ""); err != nil {
			e.logger.Error("migrating instance off draining node", "instance_id", inst.ID, "node_id", nodeID, "error", err)
			result.Failed++
			continue
		}
		result.Migrated++
	}

	if result.Failed == 0 {
		if err := e.nodes.Offline(ctx, nodeID); err != nil {
			return nil, err
		}
		return result, nil
	}

	if e.notifier != nil {
		payload, _ := json.Marshal(map[string]any{
			"node_id":  nodeID,
			"migrated": result.Migrated,
			"failed":   result.Failed,
		})
		if _, err := e.notifier.Enqueue(ctx, notifyqueue.Input{
			TenantID:  "system",
			EmailType: "drain_incomplete",
			Payload:   payload,
		}); err != nil {
			e.logger.Error("enqueuing drain-incomplete notification", "error", err)
		}
	}

	return result, nil
}
