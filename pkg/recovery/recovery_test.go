package recovery

import (
	"context"
	"log/slog"
	"testing"

	"github.com/hiverun/controlplane/pkg/fleet"
	"github.com/hiverun/controlplane/pkg/node"
)

func TestAttemptPlacement_WaitingWhenNoCapacity(t *testing.T) {
	m := New(nil, nil, nil, nil, nil, slog.Default())
	active := []node.Node{
		{ID: "only-node", Status: node.StatusActive, CapacityMB: 100, UsedMB: 100},
	}

	status, target, reason := m.attemptPlacement(context.Background(), active, fleet.Instance{TenantID: "t1", EstimatedMB: 50}, nil)
	if status != ItemWaiting || target != nil || reason == "" {
		t.Fatalf("got status=%s target=%v reason=%q, want waiting/nil/non-empty", status, target, reason)
	}
}

func TestAttemptPlacement_RecoversOntoAvailableNode(t *testing.T) {
	m := New(nil, nil, nil, nil, nil, slog.Default())
	active := []node.Node{
		{ID: "dead", Status: node.StatusActive, CapacityMB: 1000, UsedMB: 0},
		{ID: "healthy", Status: node.StatusActive, CapacityMB: 1000, UsedMB: 100},
	}

	status, target, reason := m.attemptPlacement(context.Background(), active, fleet.Instance{TenantID: "t1", EstimatedMB: 50}, []string{"dead"})
	if status != ItemRecovered || target == nil || *target != "healthy" || reason != "" {
		t.Fatalf("got status=%s target=%v reason=%q, want recovered/healthy/empty", status, target, reason)
	}
}
