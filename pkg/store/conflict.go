package store

import "time"

// ConflictReason classifies how a conflict was detected.
type ConflictReason int

const (
	// ReasonVersionMismatch: the incoming update's base version differs
	// from the store's current version.
	ReasonVersionMismatch ConflictReason = iota
	// ReasonConcurrentEdit: base versions match but the incoming update
	// overlaps a still-pending local update within the conflict window.
	ReasonConcurrentEdit
)

func (r ConflictReason) String() string {
	if r == ReasonConcurrentEdit {
		return "concurrent-edit"
	}
	return "version-mismatch"
}

// Conflict pairs an incoming update with the pending local update it
// collided with. Pending is nil for a pure version mismatch with no
// overlapping local edit.
type Conflict struct {
	NodeID     string
	Reason     ConflictReason
	Pending    *Update
	Incoming   *Update
	DetectedAt time.Time
}

// Resolution is the outcome of resolving a conflict: the merged node
// state, which update lost, and the strategy that decided.
type Resolution struct {
	Node      *Node
	Discarded *Update
	Strategy  string
}

// Resolver decides the merged state for a detected conflict. Resolution
// is synchronous and never surfaces as an error; a resolver that cannot
// improve on the incoming state should still return a deterministic
// merge.
type Resolver interface {
	Name() string
	Resolve(current *Node, c *Conflict) *Resolution
}

// LastWriteWins is the default strategy: the incoming update's values
// prevail. When a pending local update overlaps, its fields are first
// reverted to the values they overwrote, so the result equals the
// incoming changes merged onto the pre-conflict base.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return "last-write-wins" }

func (LastWriteWins) Resolve(current *Node, c *Conflict) *Resolution {
	merged := current.Copy()
	if c.Pending != nil {
		applyChanges(merged, c.Pending.Previous)
	}
	applyChanges(merged, c.Incoming.Changes)

	return &Resolution{
		Node:      merged,
		Discarded: c.Pending,
		Strategy:  LastWriteWins{}.Name(),
	}
}

// detectConflict runs the two checks in order. Callers hold the store
// lock. Returns nil when the update applies cleanly.
func (s *NodeStore) detectConflict(node *Node, incoming *Update) *Conflict {
	now := incoming.Timestamp

	// Newest overlapping pending update inside the conflict window.
	// Pattern conversions (type + content in one update) are exempt:
	// they never conflict with an overlapping content edit.
	var overlapping *Update
	if !incoming.Changes.IsPatternConversion() {
		pend := s.pending[node.ID]
		for i := len(pend) - 1; i >= 0; i-- {
			u := pend[i]
			if now.Sub(u.Timestamp) > s.conflictWindow {
				break
			}
			if u.ID == incoming.ID {
				continue
			}
			if u.Changes.Overlaps(incoming.Changes) {
				overlapping = u
				break
			}
		}
	}

	if incoming.PreviousVersion != node.Version {
		return &Conflict{
			NodeID:     node.ID,
			Reason:     ReasonVersionMismatch,
			Pending:    overlapping,
			Incoming:   incoming,
			DetectedAt: now,
		}
	}

	if overlapping != nil && !sameWriter(incoming, overlapping) {
		return &Conflict{
			NodeID:     node.ID,
			Reason:     ReasonConcurrentEdit,
			Pending:    overlapping,
			Incoming:   incoming,
			DetectedAt: now,
		}
	}

	return nil
}

// sameWriter reports whether both updates came from this client's own
// viewer. Rapid local typing stacks overlapping pending edits on the
// same field constantly; only overlap across writers is a concurrent
// edit. Version-mismatch detection is unaffected.
func sameWriter(a, b *Update) bool {
	return a.Source == SourceLocal && b.Source == SourceLocal
}
