package placement

import (
	"testing"

	"github.com/hiverun/controlplane/pkg/node"
)

func nodes() []node.Node {
	return []node.Node{
		{ID: "a", Status: node.StatusActive, CapacityMB: 1000, UsedMB: 900},
		{ID: "b", Status: node.StatusActive, CapacityMB: 1000, UsedMB: 100},
		{ID: "c", Status: node.StatusDraining, CapacityMB: 1000, UsedMB: 0},
		{ID: "d", Status: node.StatusUnhealthy, CapacityMB: 1000, UsedMB: 0},
	}
}

func TestFindPlacement_PicksMostAvailable(t *testing.T) {
	got := FindPlacement(nodes(), 100)
	if got == nil || got.ID != "b" {
		t.Fatalf("got %+v, want node b", got)
	}
}

func TestFindPlacement_SkipsNonActiveNodes(t *testing.T) {
	got := FindPlacement(nodes(), 950)
	if got != nil {
		t.Fatalf("got %+v, want nil (only draining/unhealthy nodes have room)", got)
	}
}

func TestFindPlacementExcluding_SkipsExcludedNode(t *testing.T) {
	got := FindPlacementExcluding(nodes(), []string{"b"}, 50)
	if got == nil || got.ID != "a" {
		t.Fatalf("got %+v, want node a", got)
	}
}

func TestFindPlacement_NoneWhenCapacityInsufficient(t *testing.T) {
	got := FindPlacement(nodes(), 10000)
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}
