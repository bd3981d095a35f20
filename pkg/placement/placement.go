// Package placement picks a destination node for a tenant's bot instance.
// It is deliberately pure and storage-free: it operates on a snapshot of
// nodes supplied by the caller (the node registry) so it can be unit tested
// without a database.
package placement

import "github.com/hiverun/controlplane/pkg/node"

// Candidate is the subset of node.Node fields placement needs.
type Candidate struct {
	ID          string
	Status      string
	AvailableMB int64
}

func candidatesFrom(nodes []node.Node) []Candidate {
	out := make([]Candidate, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, Candidate{ID: n.ID, Status: n.Status, AvailableMB: n.AvailableMB()})
	}
	return out
}

// FindPlacement returns the active node with the most available capacity
// that can fit requiredMB, or nil if none qualify.
func FindPlacement(nodes []node.Node, requiredMB int64) *Candidate {
	return FindPlacementExcluding(nodes, nil, requiredMB)
}

// FindPlacementExcluding is FindPlacement with a set of node ids skipped
// entirely — used by migration and recovery to avoid re-placing onto a node
// known to be bad for this tenant.
func FindPlacementExcluding(nodes []node.Node, excluded []string, requiredMB int64) *Candidate {
	skip := make(map[string]bool, len(excluded))
	for _, id := range excluded {
		skip[id] = true
	}

	var best *Candidate
	for _, c := range candidatesFrom(nodes) {
		if c.Status != node.StatusActive || skip[c.ID] {
			continue
		}
		if c.AvailableMB < requiredMB {
			continue
		}
		if best == nil || c.AvailableMB > best.AvailableMB || (c.AvailableMB == best.AvailableMB && c.ID < best.ID) {
			cc := c
			best = &cc
		}
	}
	return best
}
