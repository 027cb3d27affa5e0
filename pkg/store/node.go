// Package store provides the authoritative in-memory node table for the
// Munin sync core, together with conflict detection and resolution, the
// atomic batch manager, and the observer-based notification layer.
//
// The store applies mutations optimistically: a change is visible to
// subscribers the moment it lands in memory, while the matching durable
// write is coalesced and scheduled through a persist.Coordinator. When
// the remote side eventually rejects a write, the store rolls the node
// back to its last known-good state and notifies again.
package store

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Errors shared across the store and its transports.
var (
	ErrNotFound        = errors.New("node not found")
	ErrAlreadyExists   = errors.New("node already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrClosed          = errors.New("store is closed")
	ErrNoActiveBatch   = errors.New("no active batch for node")
	ErrInvalidID       = errors.New("invalid node ID")
)

// Well-known change keys. Any other key addresses the node's property
// bag directly; a nil value deletes the property.
const (
	FieldContent  = "content"
	FieldType     = "type"
	FieldParent   = "parent_id"
	FieldOrderKey = "order_key"
	// FieldVersion is set by the store's persistence path only; callers
	// never include it in a mutation.
	FieldVersion = "version"
)

// Node is an addressable content unit in the note graph.
//
// ID is immutable. Version strictly increases on every accepted
// mutation and only the store (or a confirmed remote echo) advances it.
// ParentID of "" means the node is a root. OrderKey is a fractional
// position; siblings sort by (OrderKey, ID).
type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Content    string         `json:"content"`
	ParentID   string         `json:"parent_id,omitempty"`
	OrderKey   float64        `json:"order_key"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	ModifiedAt time.Time      `json:"modified_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// NewNodeID returns a fresh node identifier.
func NewNodeID() string {
	return uuid.NewString()
}

// Copy returns a deep copy. The store hands out and accepts only
// copies, so callers never hold a mutable reference into the table.
func (n *Node) Copy() *Node {
	if n == nil {
		return nil
	}
	c := *n
	if n.Properties != nil {
		c.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	return &c
}

// Changes is a partial update: well-known field keys plus arbitrary
// property-bag keys. Later writes win when merging.
type Changes map[string]any

// Copy returns a shallow copy of the change set.
func (c Changes) Copy() Changes {
	out := make(Changes, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// MergeInto applies c on top of dst, later field-write wins.
func (c Changes) MergeInto(dst Changes) {
	for k, v := range c {
		dst[k] = v
	}
}

// Overlaps reports whether two change sets touch a common field.
// The version key is store bookkeeping and never counts as overlap.
func (c Changes) Overlaps(other Changes) bool {
	for k := range c {
		if k == FieldVersion {
			continue
		}
		if _, ok := other[k]; ok {
			return true
		}
	}
	return false
}

// IsPatternConversion reports whether the change rewrites both the type
// tag and the content. Deliberate conversions of a node from one
// pattern to another must proceed even when a pending content edit
// overlaps, so this shape is exempt from concurrent-edit detection.
func (c Changes) IsPatternConversion() bool {
	_, hasType := c[FieldType]
	_, hasContent := c[FieldContent]
	return hasType && hasContent
}

// touchesHierarchy reports whether the change moves the node or reorders
// it among its siblings.
func (c Changes) touchesHierarchy() bool {
	_, p := c[FieldParent]
	_, o := c[FieldOrderKey]
	return p || o
}

// applyChanges mutates n in place. Unknown keys address the property
// bag; a nil property value removes the entry.
func applyChanges(n *Node, c Changes) {
	for k, v := range c {
		switch k {
		case FieldContent:
			if s, ok := v.(string); ok {
				n.Content = s
			}
		case FieldType:
			if s, ok := v.(string); ok {
				n.Type = s
			}
		case FieldParent:
			if s, ok := v.(string); ok {
				n.ParentID = s
			}
		case FieldOrderKey:
			if f, ok := toFloat(v); ok {
				n.OrderKey = f
			}
		case FieldVersion:
			if i, ok := toInt64(v); ok {
				n.Version = i
			}
		default:
			if v == nil {
				delete(n.Properties, k)
				continue
			}
			if n.Properties == nil {
				n.Properties = make(map[string]any)
			}
			n.Properties[k] = v
		}
	}
}

// ApplyChanges mutates n in place per the change-set semantics above.
// Exported for Transport implementations that replay change sets
// against their stored state.
func ApplyChanges(n *Node, c Changes) { applyChanges(n, c) }

// SortSiblings orders nodes by OrderKey, breaking ties by ID so sibling
// order is deterministic. Transports return children in this order.
func SortSiblings(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].OrderKey != nodes[j].OrderKey {
			return nodes[i].OrderKey < nodes[j].OrderKey
		}
		return nodes[i].ID < nodes[j].ID
	})
}

// fullChanges expresses every replaceable field of a node as one change
// set, so a full replace can ride the same pending-update pipeline as a
// partial edit.
func fullChanges(n *Node) Changes {
	ch := Changes{
		FieldType:     n.Type,
		FieldContent:  n.Content,
		FieldParent:   n.ParentID,
		FieldOrderKey: n.OrderKey,
	}
	for k, v := range n.Properties {
		ch[k] = v
	}
	return ch
}

// captureChanges records the node's current value for every field the
// change set touches, so a discarded or rolled-back update can be
// reverted field by field.
func captureChanges(n *Node, c Changes) Changes {
	prev := make(Changes, len(c))
	for k := range c {
		switch k {
		case FieldContent:
			prev[k] = n.Content
		case FieldType:
			prev[k] = n.Type
		case FieldParent:
			prev[k] = n.ParentID
		case FieldOrderKey:
			prev[k] = n.OrderKey
		case FieldVersion:
			// Versions only move forward; never captured for revert.
		default:
			if v, ok := n.Properties[k]; ok {
				prev[k] = v
			} else {
				prev[k] = nil
			}
		}
	}
	return prev
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	}
	return 0, false
}

// Source describes where an update originated.
type Source int

const (
	// SourceLocal is a mutation from a local viewer.
	SourceLocal Source = iota
	// SourceRemote is an echo of a change already durable remotely.
	SourceRemote
	// SourceAutomation is a programmatic writer (future automation).
	SourceAutomation
)

func (s Source) String() string {
	switch s {
	case SourceLocal:
		return "local"
	case SourceRemote:
		return "remote"
	case SourceAutomation:
		return "automation"
	}
	return "unknown"
}

// Update is one accepted mutation, held pending until its durable write
// lands or is rolled back. IDs are ULIDs so updates sort by time.
type Update struct {
	ID              string
	NodeID          string
	Changes         Changes
	Previous        Changes // values the update overwrote, for revert
	Source          Source
	Timestamp       time.Time
	Version         int64 // version assigned by the store
	PreviousVersion int64 // version the writer based its edit on
}

func newUpdateID() string {
	return ulid.Make().String()
}

// mergePending unions a pending-update list into one change set, later
// writes winning. This is the merge a coalesced durable write carries.
func mergePending(pending []*Update) Changes {
	out := make(Changes)
	for _, u := range pending {
		u.Changes.MergeInto(out)
	}
	return out
}
