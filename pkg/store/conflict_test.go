package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munin/pkg/persist"
)

func TestConflict_VersionMismatch(t *testing.T) {
	// A local edit based on version 1 while another local edit already
	// advanced the node to version 2: the stale edit conflicts and
	// last-write-wins keeps its values.
	s, _, _ := newTestStore(t, time.Hour)
	mustSet(t, s, &Node{ID: "n1", Content: "base"})

	_, err := s.Update("n1", Changes{FieldContent: "first"}, SourceLocal, nil)
	require.NoError(t, err)

	_, err = s.Update("n1", Changes{FieldContent: "second"}, SourceLocal, &UpdateOptions{
		PreviousVersion: 1,
	})
	require.NoError(t, err)

	got, _ := s.Get("n1")
	assert.Equal(t, "second", got.Content)
	assert.Equal(t, int64(3), got.Version)

	m := s.Metrics()
	assert.Equal(t, int64(1), m.Conflicts)

	conflicts := s.RecentConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, ReasonVersionMismatch, conflicts[0].Reason)
	assert.Equal(t, "n1", conflicts[0].NodeID)
}

func TestConflict_ConcurrentEditDiscardsPending(t *testing.T) {
	// Scenario: a pending local edit overlaps an incoming stale edit on
	// the same field. The resolver reverts the pending edit's values,
	// applies the incoming ones, and exactly the pending update is
	// discarded from the to-persist list.
	s, _, _ := newTestStore(t, time.Hour)
	mustSet(t, s, &Node{ID: "n1", Content: "base"}) // version 1

	// U1: pending local edit, node goes to version 2.
	_, err := s.Update("n1", Changes{FieldContent: "local-edit"}, SourceLocal, nil)
	require.NoError(t, err)

	// U2 was authored against version 1 and touches the same field.
	_, err = s.Update("n1", Changes{FieldContent: "late-edit"}, SourceLocal, &UpdateOptions{
		PreviousVersion: 1,
	})
	require.NoError(t, err)

	got, _ := s.Get("n1")
	assert.Equal(t, "late-edit", got.Content)

	// U1 was discarded: only U2 remains pending.
	m := s.Metrics()
	assert.Equal(t, 1, m.PendingUpdates)
	assert.Equal(t, int64(1), m.Conflicts)

	conflicts := s.RecentConflicts()
	require.Len(t, conflicts, 1)
	require.NotNil(t, conflicts[0].Pending)
	assert.Equal(t, Changes{FieldContent: "local-edit"}, conflicts[0].Pending.Changes)
}

func TestConflict_ConcurrentEditReason(t *testing.T) {
	// Matching base versions but an overlapping pending edit from a
	// different writer inside the window: detected as a concurrent edit,
	// not a version mismatch.
	s, _, _ := newTestStore(t, time.Hour)
	mustSet(t, s, &Node{ID: "n1", Content: "base"})

	_, err := s.Update("n1", Changes{FieldContent: "first"}, SourceLocal, nil)
	require.NoError(t, err)

	// Based on the current version, so only the overlap triggers.
	_, err = s.Update("n1", Changes{FieldContent: "second"}, SourceAutomation, nil)
	require.NoError(t, err)

	conflicts := s.RecentConflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, ReasonConcurrentEdit, conflicts[0].Reason)

	got, _ := s.Get("n1")
	assert.Equal(t, "second", got.Content)
	assert.Equal(t, 1, s.Metrics().PendingUpdates)
}

func TestConflict_SameWriterRapidEdits(t *testing.T) {
	// Rapid local typing stacks overlapping edits on one field; none of
	// that is a conflict, and nothing pending is discarded.
	s, _, _ := newTestStore(t, time.Hour)
	mustSet(t, s, &Node{ID: "n1", Content: "base"})

	for _, c := range []string{"h", "he", "hel", "hell", "hello"} {
		_, err := s.Update("n1", Changes{FieldContent: c}, SourceLocal, nil)
		require.NoError(t, err)
	}

	assert.Zero(t, s.Metrics().Conflicts)
	assert.Equal(t, 5, s.Metrics().PendingUpdates)
	assert.Empty(t, s.RecentConflicts())
	got, _ := s.Get("n1")
	assert.Equal(t, "hello", got.Content)
}

func TestConflict_ResolvedUpdateKeepsPrevious(t *testing.T) {
	// A conflict-resolved update still records the values it overwrote,
	// so a later resolution against it can revert its fields.
	s, _, _ := newTestStore(t, time.Hour)
	mustSet(t, s, &Node{ID: "n1", Content: "base"})

	_, err := s.Update("n1", Changes{FieldContent: "local"}, SourceLocal, nil)
	require.NoError(t, err)
	_, err = s.Update("n1", Changes{FieldContent: "auto"}, SourceAutomation, nil)
	require.NoError(t, err)

	require.Equal(t, int64(1), s.Metrics().Conflicts)
	pend := s.pending["n1"]
	require.Len(t, pend, 1)
	assert.Equal(t, Changes{FieldContent: "auto"}, pend[0].Changes)
	require.NotNil(t, pend[0].Previous)
	assert.Equal(t, "local", pend[0].Previous[FieldContent])
}

func TestConflict_WindowExpiry(t *testing.T) {
	// A pending edit older than the conflict window no longer counts as
	// concurrent.
	mt := NewMemoryTransport()
	coord := persist.NewCoordinator(&persist.Config{DebounceWindow: time.Hour})
	s := NewNodeStore(mt, coord, &StoreConfig{
		ConflictWindow: 30 * time.Millisecond,
	})
	t.Cleanup(func() {
		coord.Close()
		s.Close()
		mt.Close()
	})

	_, err := s.Set(&Node{ID: "n1", Content: "base"}, SourceLocal, true)
	require.NoError(t, err)

	_, err = s.Update("n1", Changes{FieldContent: "old-edit"}, SourceLocal, nil)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	// Same field, different writer, current version: outside the window
	// there is no concurrent-edit conflict.
	_, err = s.Update("n1", Changes{FieldContent: "new-edit"}, SourceAutomation, nil)
	require.NoError(t, err)

	assert.Zero(t, s.Metrics().Conflicts)
	assert.Equal(t, 2, s.Metrics().PendingUpdates)
}

func TestConflict_NonOverlappingFieldsDoNotConflict(t *testing.T) {
	s, _, _ := newTestStore(t, time.Hour)
	mustSet(t, s, &Node{ID: "n1", Content: "base"})

	_, err := s.Update("n1", Changes{FieldContent: "edit"}, SourceLocal, nil)
	require.NoError(t, err)

	// Different field, different writer, current version: clean apply.
	_, err = s.Update("n1", Changes{FieldOrderKey: 5.0}, SourceAutomation, nil)
	require.NoError(t, err)

	assert.Zero(t, s.Metrics().Conflicts)
	assert.Equal(t, 2, s.Metrics().PendingUpdates)
}

func TestConflict_PatternConversionExempt(t *testing.T) {
	// Converting a node from one type to another rewrites type and
	// content together; a pending content edit must not block it.
	s, _, _ := newTestStore(t, time.Hour)
	mustSet(t, s, &Node{ID: "n1", Type: "note", Content: "base"})

	_, err := s.Update("n1", Changes{FieldContent: "draft"}, SourceLocal, nil)
	require.NoError(t, err)

	_, err = s.Update("n1", Changes{
		FieldType:    "task",
		FieldContent: "[ ] draft",
	}, SourceAutomation, nil)
	require.NoError(t, err)

	got, _ := s.Get("n1")
	assert.Equal(t, "task", got.Type)
	assert.Equal(t, "[ ] draft", got.Content)
	assert.Zero(t, s.Metrics().Conflicts)
	// Both updates stay pending; nothing was discarded.
	assert.Equal(t, 2, s.Metrics().PendingUpdates)
}

func TestConflict_SkipConflictCheck(t *testing.T) {
	s, _, _ := newTestStore(t, time.Hour)
	mustSet(t, s, &Node{ID: "n1", Content: "base"})

	_, err := s.Update("n1", Changes{FieldContent: "a"}, SourceLocal, nil)
	require.NoError(t, err)
	_, err = s.Update("n1", Changes{FieldContent: "b"}, SourceLocal, &UpdateOptions{
		SkipConflictCheck: true,
		PreviousVersion:   1,
	})
	require.NoError(t, err)

	assert.Zero(t, s.Metrics().Conflicts)
}

func TestLastWriteWins_Resolve(t *testing.T) {
	current := &Node{ID: "n1", Content: "pending-value", Version: 2}
	pending := &Update{
		ID:       newUpdateID(),
		NodeID:   "n1",
		Changes:  Changes{FieldContent: "pending-value"},
		Previous: Changes{FieldContent: "original"},
	}
	incoming := &Update{
		ID:      newUpdateID(),
		NodeID:  "n1",
		Changes: Changes{FieldContent: "winner"},
	}
	c := &Conflict{
		NodeID:   "n1",
		Reason:   ReasonConcurrentEdit,
		Pending:  pending,
		Incoming: incoming,
	}

	res := LastWriteWins{}.Resolve(current, c)
	require.NotNil(t, res)
	assert.Equal(t, "winner", res.Node.Content)
	assert.Same(t, pending, res.Discarded)
	assert.Equal(t, "last-write-wins", res.Strategy)
}

func TestLastWriteWins_RevertsUntouchedFields(t *testing.T) {
	// The incoming edit touches content only; the pending edit also
	// moved the node. Reverting the pending edit restores the old
	// parent because the incoming update says nothing about it.
	current := &Node{ID: "n1", Content: "pending", ParentID: "new-parent", Version: 2}
	pending := &Update{
		ID:     newUpdateID(),
		NodeID: "n1",
		Changes: Changes{
			FieldContent: "pending",
			FieldParent:  "new-parent",
		},
		Previous: Changes{
			FieldContent: "original",
			FieldParent:  "old-parent",
		},
	}
	incoming := &Update{
		ID:      newUpdateID(),
		NodeID:  "n1",
		Changes: Changes{FieldContent: "winner"},
	}

	res := LastWriteWins{}.Resolve(current, &Conflict{
		NodeID:   "n1",
		Reason:   ReasonConcurrentEdit,
		Pending:  pending,
		Incoming: incoming,
	})
	assert.Equal(t, "winner", res.Node.Content)
	assert.Equal(t, "old-parent", res.Node.ParentID)
}

func TestConflict_ResolvedStatePersists(t *testing.T) {
	// After resolution the durable write carries the winner, and the
	// discarded update's values never reach the transport.
	s, mt, _ := newTestStore(t, 30*time.Millisecond)
	mustSet(t, s, &Node{ID: "n1", Content: "base"})

	_, err := s.Update("n1", Changes{FieldContent: "loser"}, SourceLocal, nil)
	require.NoError(t, err)
	h, err := s.Update("n1", Changes{FieldContent: "winner"}, SourceLocal, &UpdateOptions{
		PreviousVersion: 1,
	})
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))

	remote, err := mt.Get(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "winner", remote.Content)
}
