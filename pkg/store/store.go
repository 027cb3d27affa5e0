package store

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/orneryd/munin/pkg/persist"
)

// StoreConfig tunes the node store. Correctness holds for any positive
// durations; the defaults match interactive editing.
type StoreConfig struct {
	// ConflictWindow bounds how far back a pending local update can be
	// and still count as a concurrent edit. Default: 5s.
	ConflictWindow time.Duration

	// BatchIdleTimeout auto-commits an inactive batch. Default: 2s.
	BatchIdleTimeout time.Duration

	// Resolver decides conflicts. Default: LastWriteWins.
	Resolver Resolver

	// Registry maps type tags to persistence paths. Default: a registry
	// with only the plain transport path.
	Registry *PersisterRegistry
}

// DefaultStoreConfig returns sensible defaults.
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		ConflictWindow:   5 * time.Second,
		BatchIdleTimeout: 2 * time.Second,
		Resolver:         LastWriteWins{},
		Registry:         NewPersisterRegistry(),
	}
}

// Metrics is the store's slice of the observability surface.
type Metrics struct {
	Updates        int64
	Conflicts      int64
	Rollbacks      int64
	PendingUpdates int
	ActiveBatches  int
}

// NodeStore is the authoritative in-memory entity table.
//
// All state lives behind one mutex; every in-memory transition runs to
// completion before the lock releases. Blocking work (transport writes,
// debounce timers) happens on coordinator goroutines, never under the
// lock. Subscribers are notified synchronously on the mutating
// goroutine right after the lock is released.
type NodeStore struct {
	mu            sync.RWMutex
	nodes         map[string]*Node
	lastPersisted map[string]*Node     // last state known durable remotely
	pending       map[string][]*Update // local updates awaiting persistence
	batches       map[string]*activeBatch

	transport Transport
	coord     *persist.Coordinator
	resolver  Resolver
	registry  *PersisterRegistry
	notifier  *notifier

	conflictWindow time.Duration
	batchIdle      time.Duration
	closed         bool

	nUpdates   int64
	nConflicts int64
	nRollbacks int64
	conflicts  []*Conflict // bounded recent-conflict log
}

// NewNodeStore wires a store to its transport and coordinator. There is
// no package-level singleton: construct one store per application
// context and pass it by reference.
func NewNodeStore(transport Transport, coord *persist.Coordinator, cfg *StoreConfig) *NodeStore {
	if cfg == nil {
		cfg = DefaultStoreConfig()
	}
	s := &NodeStore{
		nodes:          make(map[string]*Node),
		lastPersisted:  make(map[string]*Node),
		pending:        make(map[string][]*Update),
		batches:        make(map[string]*activeBatch),
		transport:      transport,
		coord:          coord,
		resolver:       cfg.Resolver,
		registry:       cfg.Registry,
		notifier:       newNotifier(),
		conflictWindow: cfg.ConflictWindow,
		batchIdle:      cfg.BatchIdleTimeout,
	}
	if s.resolver == nil {
		s.resolver = LastWriteWins{}
	}
	if s.registry == nil {
		s.registry = NewPersisterRegistry()
	}
	if s.conflictWindow <= 0 {
		s.conflictWindow = DefaultStoreConfig().ConflictWindow
	}
	if s.batchIdle <= 0 {
		s.batchIdle = DefaultStoreConfig().BatchIdleTimeout
	}
	return s
}

// Registry returns the type-persister registry for capability
// registration.
func (s *NodeStore) Registry() *PersisterRegistry { return s.registry }

// Get returns a copy of the node, O(1).
func (s *NodeStore) Get(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Copy(), true
}

// Parent returns the node's parent ID ("" for roots). ok is false when
// the node is unknown.
func (s *NodeStore) Parent(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return "", false
	}
	return n.ParentID, true
}

// Version returns the node's current version.
func (s *NodeStore) Version(id string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	if !ok {
		return 0, false
	}
	return n.Version, true
}

// ChildrenOf returns copies of the in-memory children of parentID (""
// for roots) in sibling order. Unlike the transport's ListChildren it
// sees nodes whose creates have not flushed yet.
func (s *NodeStore) ChildrenOf(parentID string) []*Node {
	s.mu.RLock()
	var kids []*Node
	for _, n := range s.nodes {
		if n.ParentID == parentID {
			kids = append(kids, n.Copy())
		}
	}
	s.mu.RUnlock()
	SortSiblings(kids)
	return kids
}

// Len returns the number of nodes in memory.
func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Subscribe registers fn for one node ID or the Wildcard. The returned
// func unsubscribes. Callbacks fire synchronously right after each
// in-memory change, except inside batch operations where all
// notifications fire together after every node is applied.
func (s *NodeStore) Subscribe(key string, fn SubscriberFunc) func() {
	return s.notifier.subscribe(key, fn)
}

// UpdateOptions modify a single Update call. The zero value is the
// common case: conflict detection on, persistence scheduled with
// trailing debounce, base version taken from the store.
type UpdateOptions struct {
	// SkipConflictCheck bypasses detection entirely.
	SkipConflictCheck bool

	// SkipPersistence applies the change in memory only. Remote echoes
	// always skip persistence regardless of this flag.
	SkipPersistence bool

	// PreviousVersion is the version the writer based its edit on.
	// Zero means "the store's current version" (versions start at 1).
	PreviousVersion int64

	// Mode overrides the persistence scheduling mode.
	Mode persist.Mode
}

// Update applies a partial change to a node.
//
// A missing node is a benign race (the node was deleted under the
// caller): the update is absorbed as a no-op with a warning, never an
// error. Otherwise the change is conflict-checked, merged, assigned a
// fresh version, announced to subscribers, and its durable write is
// scheduled — or routed into the node's active/implicit batch when one
// applies.
//
// The returned handle completes when the durable write lands or fails;
// it is nil when the update was absorbed, batched, or not persisted.
// VersionConflict and transport failures are delivered on the handle
// after rollback has already restored the last known-good state.
func (s *NodeStore) Update(id string, changes Changes, source Source, opts *UpdateOptions) (*persist.Handle, error) {
	if opts == nil {
		opts = &UpdateOptions{}
	}
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	node, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		log.Printf("munin: update of missing node %s from %s ignored (%d fields)", id, source, len(changes))
		return nil, nil
	}

	prevVersion := opts.PreviousVersion
	if prevVersion == 0 {
		prevVersion = node.Version
	}
	upd := &Update{
		ID:              newUpdateID(),
		NodeID:          id,
		Changes:         changes.Copy(),
		Source:          source,
		Timestamp:       now,
		PreviousVersion: prevVersion,
	}

	// Captured before resolution so a conflict-resolved update can still
	// be reverted field by field later.
	upd.Previous = captureChanges(node, upd.Changes)

	var merged *Node
	if !opts.SkipConflictCheck {
		if c := s.detectConflict(node, upd); c != nil {
			merged = s.resolveLocked(node, c)
		}
	}
	if merged == nil {
		merged = node.Copy()
		applyChanges(merged, upd.Changes)
	}
	merged.Version = node.Version + 1
	merged.ModifiedAt = now
	upd.Version = merged.Version
	s.nodes[id] = merged
	s.nUpdates++

	if source == SourceRemote {
		// The echo is already durable; it becomes the new baseline and
		// never joins the pending (to-persist) list.
		s.lastPersisted[id] = merged.Copy()
	} else {
		s.pending[id] = append(s.pending[id], upd)
	}

	batch := s.batches[id]
	persister := s.registry.For(merged.Type)
	ev := Event{
		Kind:             EventUpdated,
		NodeID:           id,
		Node:             merged.Copy(),
		Source:           source,
		HierarchyChanged: changes.touchesHierarchy(),
		OldParentID:      node.ParentID,
	}
	s.mu.Unlock()

	s.notifier.dispatch(ev)

	if source == SourceRemote {
		// Nothing local left to persist means the node's scheduled
		// write would be an empty no-op; drop it.
		s.mu.RLock()
		quiet := len(s.pending[id]) == 0
		s.mu.RUnlock()
		if quiet {
			s.coord.CancelPending(id)
		}
		return nil, nil
	}
	if opts.SkipPersistence {
		return nil, nil
	}
	if batch != nil {
		s.extendBatch(id)
		return nil, nil
	}
	if persister.Atomic() {
		// Types with atomic multi-field persistence accumulate into an
		// implicit batch instead of writing field by field.
		s.ensureImplicitBatch(id)
		return nil, nil
	}

	h := s.coord.Persist(id, s.persistNode(id), persist.Options{Mode: opts.Mode})
	return h, nil
}

// resolveLocked runs the resolver and records the conflict. Callers
// hold the write lock. Returns the merged node (version not yet
// assigned).
func (s *NodeStore) resolveLocked(node *Node, c *Conflict) *Node {
	res := s.resolver.Resolve(node, c)
	s.nConflicts++
	if len(s.conflicts) >= 64 {
		s.conflicts = s.conflicts[1:]
	}
	s.conflicts = append(s.conflicts, c)

	if res.Discarded != nil {
		s.dropPendingLocked(node.ID, res.Discarded.ID)
	}
	log.Printf("munin: conflict on %s resolved by %s (%s), discarded=%v",
		node.ID, res.Strategy, c.Reason, res.Discarded != nil)
	return res.Node
}

func (s *NodeStore) dropPendingLocked(nodeID, updateID string) {
	pend := s.pending[nodeID]
	for i, u := range pend {
		if u.ID == updateID {
			s.pending[nodeID] = append(pend[:i:i], pend[i+1:]...)
			return
		}
	}
}

// Set creates or fully replaces a node. New nodes persist immediately,
// even empty placeholders, unless skipPersistence is set. Remote-echo
// sets advance the durable baseline instead of scheduling a write.
func (s *NodeStore) Set(node *Node, source Source, skipPersistence bool) (*persist.Handle, error) {
	if node == nil || node.ID == "" {
		return nil, ErrInvalidID
	}
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	old, existed := s.nodes[node.ID]
	stored := node.Copy()
	if stored.Version == 0 {
		stored.Version = 1
		if existed {
			stored.Version = old.Version + 1
		}
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.ModifiedAt.IsZero() {
		stored.ModifiedAt = now
	}
	s.nodes[node.ID] = stored
	if source == SourceRemote {
		s.lastPersisted[node.ID] = stored.Copy()
		delete(s.pending, node.ID)
	} else if s.lastPersisted[node.ID] != nil {
		// Replacing an already-durable node: without a pending entry the
		// coalesced write sees nothing unconfirmed and drops the
		// replacement.
		upd := &Update{
			ID:        newUpdateID(),
			NodeID:    node.ID,
			Changes:   fullChanges(stored),
			Source:    source,
			Timestamp: now,
			Version:   stored.Version,
		}
		if old != nil {
			upd.PreviousVersion = old.Version
			upd.Previous = captureChanges(old, upd.Changes)
		}
		s.pending[node.ID] = append(s.pending[node.ID], upd)
	}
	kind := EventCreated
	if existed {
		kind = EventUpdated
	}
	ev := Event{
		Kind:             kind,
		NodeID:           node.ID,
		Node:             stored.Copy(),
		Source:           source,
		HierarchyChanged: true,
	}
	s.mu.Unlock()

	s.notifier.dispatch(ev)

	if skipPersistence || source == SourceRemote {
		return nil, nil
	}
	h := s.coord.Persist(node.ID, s.persistNode(node.ID), persist.Options{Mode: persist.ModeImmediate})
	return h, nil
}

// BatchSet applies many nodes and fires exactly one notification pass
// after all of them are in memory, so a bulk hierarchy load does not
// trigger N separate downstream recomputations.
func (s *NodeStore) BatchSet(nodes []*Node, source Source, skipPersistence bool) ([]*persist.Handle, error) {
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	events := make([]Event, 0, len(nodes))
	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if node == nil || node.ID == "" {
			continue
		}
		old, existed := s.nodes[node.ID]
		stored := node.Copy()
		if stored.Version == 0 {
			stored.Version = 1
			if existed {
				stored.Version = old.Version + 1
			}
		}
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if stored.ModifiedAt.IsZero() {
			stored.ModifiedAt = now
		}
		s.nodes[node.ID] = stored
		if source == SourceRemote {
			s.lastPersisted[node.ID] = stored.Copy()
			delete(s.pending, node.ID)
		} else if s.lastPersisted[node.ID] != nil {
			// Same as Set: a replace of a durable node needs a pending
			// entry or the coalesced write drops it.
			upd := &Update{
				ID:        newUpdateID(),
				NodeID:    node.ID,
				Changes:   fullChanges(stored),
				Source:    source,
				Timestamp: now,
				Version:   stored.Version,
			}
			if old != nil {
				upd.PreviousVersion = old.Version
				upd.Previous = captureChanges(old, upd.Changes)
			}
			s.pending[node.ID] = append(s.pending[node.ID], upd)
		}
		kind := EventCreated
		if existed {
			kind = EventUpdated
		}
		events = append(events, Event{
			Kind:             kind,
			NodeID:           node.ID,
			Node:             stored.Copy(),
			Source:           source,
			HierarchyChanged: true,
		})
		ids = append(ids, node.ID)
	}
	s.mu.Unlock()

	s.notifier.dispatchAll(events)

	if skipPersistence || source == SourceRemote {
		return nil, nil
	}
	handles := make([]*persist.Handle, 0, len(ids))
	for _, id := range ids {
		handles = append(handles, s.coord.Persist(id, s.persistNode(id), persist.Options{Mode: persist.ModeImmediate}))
	}
	return handles, nil
}

// Delete removes a node from memory and all caches. The durable delete
// can be ordered after other nodes' pending persistence via
// dependencies, so a node is never deleted remotely before a node it
// depends on has finished creating.
//
// Deleting an absent node is a benign no-op; applying the same delete
// notification twice equals applying it once.
func (s *NodeStore) Delete(id string, source Source, skipPersistence bool, dependencies []string) (*persist.Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	node, ok := s.nodes[id]
	if !ok {
		s.mu.Unlock()
		log.Printf("munin: delete of missing node %s from %s ignored", id, source)
		return nil, nil
	}
	delete(s.nodes, id)
	delete(s.pending, id)
	if b := s.batches[id]; b != nil {
		b.timer.Stop()
		delete(s.batches, id)
	}
	base := s.lastPersisted[id]
	if source == SourceRemote {
		delete(s.lastPersisted, id)
	}
	ev := Event{
		Kind:             EventDeleted,
		NodeID:           id,
		Node:             node.Copy(),
		Source:           source,
		HierarchyChanged: true,
		OldParentID:      node.ParentID,
	}
	s.mu.Unlock()

	s.notifier.dispatch(ev)

	if skipPersistence || source == SourceRemote {
		s.coord.CancelPending(id)
		return nil, nil
	}

	expected := int64(-1)
	if base != nil {
		expected = base.Version
	}
	deps := make([]persist.Dependency, 0, len(dependencies))
	for _, dep := range dependencies {
		deps = append(deps, persist.Dependency{NodeID: dep})
	}
	h := s.coord.Persist(id, s.deleteNode(id, expected), persist.Options{
		Mode:         persist.ModeImmediate,
		Dependencies: deps,
	})
	return h, nil
}

// deleteNode builds the durable-delete write. ErrNotFound from the
// transport is success: the remote side never knew the node or another
// writer already removed it. Any other failure rolls the delete back —
// the remote still holds the node, so memory gets it back from the
// durable baseline.
func (s *NodeStore) deleteNode(id string, expectedVersion int64) persist.WriteFunc {
	return func(ctx context.Context) error {
		err := s.transport.Delete(ctx, id, expectedVersion)
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.restoreDeleted(id, err)
			return err
		}
		s.mu.Lock()
		delete(s.lastPersisted, id)
		s.mu.Unlock()
		return nil
	}
}

// restoreDeleted reinstates a node whose durable delete failed and
// re-notifies subscribers. A node recreated while the delete was in
// flight is left alone.
func (s *NodeStore) restoreDeleted(id string, cause error) {
	s.mu.Lock()
	base := s.lastPersisted[id]
	_, exists := s.nodes[id]
	if base == nil || exists || s.closed {
		s.mu.Unlock()
		log.Printf("munin: durable delete of %s failed: %v", id, cause)
		return
	}
	restored := base.Copy()
	s.nodes[id] = restored
	s.nRollbacks++
	ev := Event{
		Kind:             EventCreated,
		NodeID:           id,
		Node:             restored.Copy(),
		Source:           SourceLocal,
		HierarchyChanged: true,
	}
	s.mu.Unlock()

	log.Printf("munin: durable delete of %s failed, node restored: %v", id, cause)
	s.notifier.dispatch(ev)
}

// persistNode builds the coalesced durable write for a node. It runs on
// a coordinator goroutine: it snapshots state under the lock, writes
// without the lock, and either advances the durable baseline or rolls
// back.
func (s *NodeStore) persistNode(id string) persist.WriteFunc {
	return func(ctx context.Context) error {
		s.mu.Lock()
		node, ok := s.nodes[id]
		if !ok || s.closed {
			// Deleted (or shut down) while the write was queued.
			s.mu.Unlock()
			return nil
		}
		snapshot := node.Copy()
		base := s.lastPersisted[id]
		pend := append([]*Update(nil), s.pending[id]...)
		if base != nil && len(pend) == 0 {
			// Everything already confirmed by a remote echo.
			s.mu.Unlock()
			return nil
		}
		changes := mergePending(pend)
		changes[FieldVersion] = snapshot.Version
		persister := s.registry.For(snapshot.Type)
		s.mu.Unlock()

		var err error
		if base == nil {
			err = s.transport.Create(ctx, snapshot)
			if errors.Is(err, ErrAlreadyExists) {
				// The create landed through an unrelated path (another
				// viewer, an earlier session); reconcile with an update
				// against the remote version.
				err = s.updateAgainstRemote(ctx, persister, id, changes)
			}
		} else {
			_, err = persister.Update(ctx, s.transport, id, base.Version, changes)
			if errors.Is(err, ErrNotFound) {
				// Client/server drift: the remote side lost or never had
				// the node. Recreate it from the full snapshot.
				err = s.transport.Create(ctx, snapshot)
			}
		}

		if err != nil {
			s.rollback(id, err)
			return err
		}

		s.mu.Lock()
		s.lastPersisted[id] = snapshot
		s.removePendingLocked(id, pend)
		s.mu.Unlock()
		return nil
	}
}

// updateAgainstRemote refreshes the remote version and retries the
// update once. Used when a create collides with an existing remote
// node.
func (s *NodeStore) updateAgainstRemote(ctx context.Context, p TypePersister, id string, changes Changes) error {
	remote, err := s.transport.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = p.Update(ctx, s.transport, id, remote.Version, changes)
	return err
}

// removePendingLocked drops exactly the captured updates; anything
// appended after the snapshot stays pending for the next write.
func (s *NodeStore) removePendingLocked(id string, written []*Update) {
	if len(written) == 0 {
		return
	}
	set := make(map[string]struct{}, len(written))
	for _, u := range written {
		set[u.ID] = struct{}{}
	}
	kept := s.pending[id][:0]
	for _, u := range s.pending[id] {
		if _, ok := set[u.ID]; !ok {
			kept = append(kept, u)
		}
	}
	if len(kept) == 0 {
		delete(s.pending, id)
	} else {
		s.pending[id] = kept
	}
}

// rollback restores the node to its last known-good state after a
// failed durable write and re-notifies subscribers. A node that never
// persisted reverts to absence. Consumers may already have observed the
// optimistic state; the guarantee is that the reverted state is
// consistent, not that the intermediate one was never seen.
func (s *NodeStore) rollback(id string, cause error) {
	s.mu.Lock()
	base := s.lastPersisted[id]
	var ev Event
	if base == nil {
		node := s.nodes[id]
		delete(s.nodes, id)
		delete(s.pending, id)
		ev = Event{Kind: EventDeleted, NodeID: id, Node: node.Copy(), Source: SourceLocal, HierarchyChanged: true}
		if node != nil {
			ev.OldParentID = node.ParentID
		}
	} else {
		reverted := base.Copy()
		s.nodes[id] = reverted
		delete(s.pending, id)
		ev = Event{Kind: EventUpdated, NodeID: id, Node: reverted.Copy(), Source: SourceLocal, HierarchyChanged: true}
	}
	s.nRollbacks++
	s.mu.Unlock()

	log.Printf("munin: persistence failed for %s, rolled back: %v", id, cause)
	s.notifier.dispatch(ev)
}

// Metrics returns a snapshot of store counters.
func (s *NodeStore) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pendingCount := 0
	for _, p := range s.pending {
		pendingCount += len(p)
	}
	return Metrics{
		Updates:        s.nUpdates,
		Conflicts:      s.nConflicts,
		Rollbacks:      s.nRollbacks,
		PendingUpdates: pendingCount,
		ActiveBatches:  len(s.batches),
	}
}

// RecentConflicts returns a copy of the bounded recent-conflict log.
func (s *NodeStore) RecentConflicts() []*Conflict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Conflict(nil), s.conflicts...)
}

// Close marks the store closed and stops batch timers. Pending durable
// writes are the coordinator's to drain; flush it before closing the
// store to avoid silent data loss.
func (s *NodeStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for id, b := range s.batches {
		b.timer.Stop()
		delete(s.batches, id)
	}
	return nil
}
