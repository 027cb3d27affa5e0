package store

import (
	"context"
	"sync"
)

// MemoryTransport is an in-memory Transport implementation.
// It's useful for:
// - Unit testing (no network or disk I/O, deterministic failure injection)
// - Ephemeral sessions that never touch a durable backend
type MemoryTransport struct {
	mu     sync.RWMutex
	nodes  map[string]*Node
	closed bool

	// Failure injection: when set, the hook runs before every write and
	// its non-nil error aborts the operation.
	failHook func(op, id string) error

	creates int64
	updates int64
	deletes int64
}

// NewMemoryTransport creates an empty in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{nodes: make(map[string]*Node)}
}

// SetFailureHook installs a hook consulted before each write ("create",
// "update", "delete", "tree"). A nil hook clears injection.
func (m *MemoryTransport) SetFailureHook(hook func(op, id string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failHook = hook
}

// WriteCounts reports how many durable writes of each kind were
// accepted.
func (m *MemoryTransport) WriteCounts() (creates, updates, deletes int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creates, m.updates, m.deletes
}

func (m *MemoryTransport) Create(ctx context.Context, node *Node) error {
	if node == nil || node.ID == "" {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failHook != nil {
		if err := m.failHook("create", node.ID); err != nil {
			return err
		}
	}
	if _, exists := m.nodes[node.ID]; exists {
		return ErrAlreadyExists
	}
	m.nodes[node.ID] = node.Copy()
	m.creates++
	return nil
}

func (m *MemoryTransport) Get(ctx context.Context, id string) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	node, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return node.Copy(), nil
}

func (m *MemoryTransport) Update(ctx context.Context, id string, expectedVersion int64, changes Changes) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.failHook != nil {
		if err := m.failHook("update", id); err != nil {
			return nil, err
		}
	}
	node, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	if node.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	updated := node.Copy()
	applyChanges(updated, changes)
	if _, hasVersion := changes[FieldVersion]; !hasVersion {
		updated.Version = expectedVersion + 1
	}
	m.nodes[id] = updated
	m.updates++
	return updated.Copy(), nil
}

func (m *MemoryTransport) Delete(ctx context.Context, id string, expectedVersion int64) error {
	if id == "" {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failHook != nil {
		if err := m.failHook("delete", id); err != nil {
			return err
		}
	}
	node, ok := m.nodes[id]
	if !ok {
		return ErrNotFound
	}
	if expectedVersion >= 0 && node.Version != expectedVersion {
		return ErrVersionConflict
	}
	delete(m.nodes, id)
	m.deletes++
	return nil
}

func (m *MemoryTransport) ListChildren(ctx context.Context, parentID string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	children := make([]*Node, 0)
	for _, node := range m.nodes {
		if node.ParentID == parentID {
			children = append(children, node.Copy())
		}
	}
	SortSiblings(children)
	return children, nil
}

func (m *MemoryTransport) BulkGet(ctx context.Context, ids []string) (map[string]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]*Node, len(ids))
	for _, id := range ids {
		if node, ok := m.nodes[id]; ok {
			out[id] = node.Copy()
		}
	}
	return out, nil
}

func (m *MemoryTransport) CreateTree(ctx context.Context, nodes []*Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failHook != nil {
		if err := m.failHook("tree", ""); err != nil {
			return err
		}
	}
	// Validate first so the batch applies all-or-nothing.
	for _, node := range nodes {
		if node == nil || node.ID == "" {
			return ErrInvalidID
		}
		if _, exists := m.nodes[node.ID]; exists {
			return ErrAlreadyExists
		}
	}
	for _, node := range nodes {
		m.nodes[node.ID] = node.Copy()
		m.creates++
	}
	return nil
}

// NodeCount returns the number of stored nodes.
func (m *MemoryTransport) NodeCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.nodes = nil
	return nil
}

// Verify MemoryTransport implements Transport.
var _ Transport = (*MemoryTransport)(nil)
