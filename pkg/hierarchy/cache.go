// Package hierarchy derives and memoizes parent/child/sibling/depth
// relations over the node graph.
//
// The cache is a read-side projection: it owns no structural truth.
// Parents come from the node store, ordered children from an external
// edge source, and both are memoized until a domain event invalidates
// the minimal affected key set. Nothing here is recomputed from
// scratch on change.
package hierarchy

import (
	"context"
	"sync"

	"github.com/orneryd/munin/pkg/store"
)

// RootKey is the reserved parent key under which root nodes are
// grouped, so "siblings of a root" is an ordinary children query.
const RootKey = "__root__"

// maxDepthWalk bounds parent-chain walks so a corrupted graph with a
// parent cycle cannot spin the cache.
const maxDepthWalk = 1 << 14

// Graph resolves a node's parent. ok is false for unknown nodes.
type Graph interface {
	Parent(id string) (parentID string, ok bool)
}

// EdgeSource answers ordered-children queries against the external edge
// store. The key is a node ID or RootKey. Implementations decide how
// sibling order is represented; the cache only consumes the ordering.
type EdgeSource interface {
	ChildrenOf(ctx context.Context, parentKey string) ([]string, error)
}

// TransportSource adapts a store.Transport's ListChildren into an
// EdgeSource.
func TransportSource(t store.Transport) EdgeSource {
	return transportSource{t: t}
}

type transportSource struct {
	t store.Transport
}

func (s transportSource) ChildrenOf(ctx context.Context, parentKey string) ([]string, error) {
	parent := parentKey
	if parentKey == RootKey {
		parent = ""
	}
	nodes, err := s.t.ListChildren(ctx, parent)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids, nil
}

// Cache memoizes hierarchy lookups keyed by node ID (depth) and parent
// key (children lists). Entries are tagged with an invalidation epoch
// that InvalidateAll bumps. Safe for concurrent use: store events
// arrive from persistence goroutines while readers query.
type Cache struct {
	graph  Graph
	source EdgeSource

	mu       sync.Mutex
	depths   map[string]int
	children map[string][]string
	epoch    uint64
	hits     uint64
	misses   uint64
}

// New creates an empty cache over the given parent resolver and edge
// source.
func New(graph Graph, source EdgeSource) *Cache {
	return &Cache{
		graph:    graph,
		source:   source,
		depths:   make(map[string]int),
		children: make(map[string][]string),
	}
}

// Depth returns the node's distance from its root. The walk up the
// parent chain memoizes every node it visits, so later queries for any
// ancestor are O(1). A node whose parent cannot be resolved is treated
// as a root: depth 0.
func (c *Cache) Depth(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.depths[id]; ok {
		c.hits++
		return d
	}
	c.misses++

	// Walk up until a memoized ancestor or a root, then assign depths
	// back down the path.
	path := []string{id}
	base := 0
	cur := id
	for {
		parent, ok := c.graph.Parent(cur)
		if !ok || parent == "" {
			break
		}
		if d, ok := c.depths[parent]; ok {
			base = d + 1
			break
		}
		path = append(path, parent)
		cur = parent
	}
	for i := len(path) - 1; i >= 0; i-- {
		c.depths[path[i]] = base + (len(path) - 1 - i)
	}
	return c.depths[id]
}

// Children returns the ordered child IDs of a node (or of the roots for
// RootKey). A miss fetches from the edge source and caches the list.
func (c *Cache) Children(ctx context.Context, parentKey string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childrenLocked(ctx, parentKey)
}

func (c *Cache) childrenLocked(ctx context.Context, parentKey string) ([]string, error) {
	if ids, ok := c.children[parentKey]; ok {
		c.hits++
		return append([]string(nil), ids...), nil
	}
	c.misses++
	ids, err := c.source.ChildrenOf(ctx, parentKey)
	if err != nil {
		return nil, err
	}
	c.children[parentKey] = ids
	return append([]string(nil), ids...), nil
}

// parentKeyOf resolves the cache key grouping id's siblings.
func (c *Cache) parentKeyOf(id string) string {
	parent, ok := c.graph.Parent(id)
	if !ok || parent == "" {
		return RootKey
	}
	return parent
}

// Siblings returns the ordered sibling list containing id (id
// included), resolved through its parent key.
func (c *Cache) Siblings(ctx context.Context, id string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.childrenLocked(ctx, c.parentKeyOf(id))
}

// Position returns id's index among its siblings, -1 when absent.
func (c *Cache) Position(ctx context.Context, id string) (int, error) {
	sibs, err := c.Siblings(ctx, id)
	if err != nil {
		return -1, err
	}
	for i, sib := range sibs {
		if sib == id {
			return i, nil
		}
	}
	return -1, nil
}

// NextSibling returns the sibling after id, "" at the end.
func (c *Cache) NextSibling(ctx context.Context, id string) (string, error) {
	sibs, err := c.Siblings(ctx, id)
	if err != nil {
		return "", err
	}
	for i, sib := range sibs {
		if sib == id && i+1 < len(sibs) {
			return sibs[i+1], nil
		}
	}
	return "", nil
}

// PreviousSibling returns the sibling before id, "" at the start.
func (c *Cache) PreviousSibling(ctx context.Context, id string) (string, error) {
	sibs, err := c.Siblings(ctx, id)
	if err != nil {
		return "", err
	}
	for i, sib := range sibs {
		if sib == id && i > 0 {
			return sibs[i-1], nil
		}
	}
	return "", nil
}

// Descendants expands the subtree under id breadth-first via Children.
// The result is not separately cached; the per-level children lists
// are.
func (c *Cache) Descendants(ctx context.Context, id string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		kids, err := c.childrenLocked(ctx, cur)
		if err != nil {
			return nil, err
		}
		out = append(out, kids...)
		queue = append(queue, kids...)
	}
	return out, nil
}

// Invalidate drops the minimal key set that id's change can have
// staled: its own depth and children list, the sibling list keyed by
// its parent, and the memoized depth of every cached descendant (their
// depth derives from id's).
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked(id)
}

func (c *Cache) invalidateLocked(id string) {
	c.invalidateDescendantDepths(id)
	delete(c.depths, id)
	delete(c.children, id)
	delete(c.children, c.parentKeyOf(id))
}

// invalidateParentKey drops the children list under an explicit parent
// key ("" meaning the roots). Used by event handling when the current
// graph no longer knows a node's old parent.
func (c *Cache) invalidateParentKey(parentID string) {
	if parentID == "" {
		delete(c.children, RootKey)
		return
	}
	delete(c.children, parentID)
}

// invalidateDescendantDepths drops the memoized depth of every cached
// node under id. Cached children lists cover part of the subtree; depth
// walks memoize nodes whose children were never fetched, so the depths
// map is also swept by ancestry.
func (c *Cache) invalidateDescendantDepths(id string) {
	queue := append([]string(nil), c.children[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		delete(c.depths, cur)
		queue = append(queue, c.children[cur]...)
	}
	for cached := range c.depths {
		if cached == id {
			continue
		}
		if c.hasAncestor(cached, id) {
			delete(c.depths, cached)
		}
	}
}

// hasAncestor reports whether id's parent chain passes through ancestor.
func (c *Cache) hasAncestor(id, ancestor string) bool {
	cur := id
	for hops := 0; hops <= maxDepthWalk; hops++ {
		parent, ok := c.graph.Parent(cur)
		if !ok || parent == "" {
			return false
		}
		if parent == ancestor {
			return true
		}
		cur = parent
	}
	return false
}

// InvalidateAll clears everything and bumps the epoch.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depths = make(map[string]int)
	c.children = make(map[string][]string)
	c.epoch++
}

// Epoch returns the current invalidation epoch.
func (c *Cache) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// HitRatio returns cache hits over total lookups, 0 when idle.
func (c *Cache) HitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}

// HandleEvent is the store-event subscription target. Only structural
// events invalidate, and only the affected keys: plain content edits
// leave the cache untouched.
func (c *Cache) HandleEvent(ev store.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case store.EventCreated:
		c.invalidateLocked(ev.NodeID)
		if ev.Node != nil {
			c.invalidateParentKey(ev.Node.ParentID)
		}
	case store.EventUpdated:
		if !ev.HierarchyChanged {
			return
		}
		c.invalidateLocked(ev.NodeID)
		c.invalidateParentKey(ev.OldParentID)
		if ev.Node != nil {
			c.invalidateParentKey(ev.Node.ParentID)
		}
	case store.EventDeleted:
		c.invalidateLocked(ev.NodeID)
		c.invalidateParentKey(ev.OldParentID)
	}
}
