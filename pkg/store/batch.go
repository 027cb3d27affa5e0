package store

import (
	"context"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/orneryd/munin/pkg/persist"
)

// activeBatch groups partial updates to one node into a single
// indivisible persistence transaction. The accumulated change set is
// the node's pending-update list (later field-write wins when merged);
// the batch itself owns only identity and the inactivity timer.
type activeBatch struct {
	id      string
	nodeID  string
	idle    time.Duration
	timer   *time.Timer
	opened  time.Time
	updates int
}

// StartBatch opens an atomic batch for the node. Any previous batch for
// the node is discarded and any unbatched scheduled write is cancelled,
// so a stale debounce can never persist a half-finished state. idle of
// zero uses the configured default; the timer auto-commits as a safety
// net.
func (s *NodeStore) StartBatch(nodeID string, idle time.Duration) (string, error) {
	if idle <= 0 {
		idle = s.batchIdle
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	if old := s.batches[nodeID]; old != nil {
		old.timer.Stop()
		log.Printf("munin: batch %s on %s replaced before commit", old.id, nodeID)
	}
	b := &activeBatch{
		id:     ulid.Make().String(),
		nodeID: nodeID,
		idle:   idle,
		opened: time.Now(),
	}
	b.timer = time.AfterFunc(idle, func() { s.autoCommit(nodeID, b.id) })
	s.batches[nodeID] = b
	s.mu.Unlock()

	s.coord.CancelPending(nodeID)
	return b.id, nil
}

// AddToBatch merges changes into the node's open batch: the change
// applies optimistically to memory immediately and the inactivity timer
// restarts. Returns ErrNoActiveBatch when no batch is open.
func (s *NodeStore) AddToBatch(nodeID string, changes Changes) error {
	s.mu.RLock()
	b := s.batches[nodeID]
	s.mu.RUnlock()
	if b == nil {
		return ErrNoActiveBatch
	}
	// Update routes into the open batch itself: optimistic apply,
	// accumulator merge, timer reset.
	_, err := s.Update(nodeID, changes, SourceLocal, nil)
	return err
}

// extendBatch counts an update into the open batch and restarts its
// inactivity timer.
func (s *NodeStore) extendBatch(nodeID string) {
	s.mu.Lock()
	if b := s.batches[nodeID]; b != nil {
		b.updates++
		b.timer.Reset(b.idle)
	}
	s.mu.Unlock()
}

// ensureImplicitBatch opens a batch for a type whose persister demands
// atomic multi-field persistence, unless one is already open.
func (s *NodeStore) ensureImplicitBatch(nodeID string) {
	s.mu.RLock()
	_, open := s.batches[nodeID]
	s.mu.RUnlock()
	if open {
		s.extendBatch(nodeID)
		return
	}
	if _, err := s.StartBatch(nodeID, 0); err == nil {
		s.extendBatch(nodeID)
	}
}

// CommitBatch issues exactly one persistence call carrying the union of
// the batch's accumulated changes; the durable store sees all of them
// or none. If the node's create landed through an unrelated path while
// the batch was open, the commit falls back to an update instead of
// erroring on a duplicate create.
//
// Batch bookkeeping is removed before the write is attempted, so a
// failing commit propagates its error with the batch already cleaned
// up.
func (s *NodeStore) CommitBatch(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	b := s.batches[nodeID]
	if b == nil {
		s.mu.Unlock()
		return ErrNoActiveBatch
	}
	b.timer.Stop()
	delete(s.batches, nodeID)
	s.mu.Unlock()

	h := s.coord.Persist(nodeID, s.persistNode(nodeID), persist.Options{Mode: persist.ModeImmediate})
	return h.Wait(ctx)
}

// CancelBatch discards the open batch without persisting, e.g. when the
// node was deleted mid-batch. Optimistically applied values stay in
// memory; they simply never reach the durable store through this batch.
func (s *NodeStore) CancelBatch(nodeID string) error {
	s.mu.Lock()
	b := s.batches[nodeID]
	if b == nil {
		s.mu.Unlock()
		return ErrNoActiveBatch
	}
	b.timer.Stop()
	delete(s.batches, nodeID)
	delete(s.pending, nodeID)
	s.mu.Unlock()
	return nil
}

// autoCommit fires when a batch sits idle past its timeout. Losing the
// race against an explicit commit or cancel is fine; the batch ID check
// makes the timer a no-op then.
func (s *NodeStore) autoCommit(nodeID, batchID string) {
	s.mu.RLock()
	b := s.batches[nodeID]
	current := b != nil && b.id == batchID
	s.mu.RUnlock()
	if !current {
		return
	}
	log.Printf("munin: batch %s on %s auto-committed after idle timeout", batchID, nodeID)
	if err := s.CommitBatch(context.Background(), nodeID); err != nil && err != ErrNoActiveBatch {
		log.Printf("munin: auto-commit of %s failed: %v", nodeID, err)
	}
}
