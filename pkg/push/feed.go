// Package push consumes the server's change feed over a websocket and
// applies each notification to the node store.
//
// The feed guarantees nothing about ordering or exactly-once delivery;
// it deduplicates by event ID and otherwise leans on the store's
// idempotent remote-apply semantics. Reconnection policy belongs to the
// caller: Run returns when the connection drops.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/orneryd/munin/pkg/store"
)

// Event is the wire format of one change notification.
type Event struct {
	// EventID uniquely identifies the notification for deduplication.
	EventID string `json:"event_id"`

	// Kind is one of "created", "updated", "deleted",
	// "hierarchy-changed".
	Kind string `json:"kind"`

	// NodeID identifies the affected node. Required unless Node is
	// present.
	NodeID string `json:"node_id,omitempty"`

	// PreviousVersion is the version the change was made against, for
	// delta updates.
	PreviousVersion int64 `json:"previous_version,omitempty"`

	// Node carries the full payload when the server includes one.
	Node *store.Node `json:"node,omitempty"`

	// Changes carries a partial update when the server sends deltas.
	Changes store.Changes `json:"changes,omitempty"`
}

// maxSeenEvents bounds the dedupe set. Old entries are evicted FIFO.
const maxSeenEvents = 1024

// Applier is the subset of the node store the feed drives.
type Applier interface {
	ApplyRemote(ctx context.Context, ev store.RemoteEvent) error
}

// Stats counts feed activity.
type Stats struct {
	Received   uint64
	Applied    uint64
	Duplicates uint64
	Failures   uint64
}

// Feed reads change notifications from a websocket connection and
// applies them to the store.
type Feed struct {
	conn    *websocket.Conn
	applier Applier

	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
	stats     Stats
}

// NewFeed wraps an established websocket connection. The caller owns
// dialing; use Dial for the common case.
func NewFeed(conn *websocket.Conn, applier Applier) *Feed {
	return &Feed{
		conn:    conn,
		applier: applier,
		seen:    make(map[string]struct{}),
	}
}

// Dial connects to the feed endpoint and wraps the connection.
func Dial(ctx context.Context, url string, applier Applier) (*Feed, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial change feed %q: %w", url, err)
	}
	return NewFeed(conn, applier), nil
}

// Run reads and applies events until the connection fails or ctx is
// cancelled. A failed apply is logged and counted, not fatal: one bad
// event must not stall the feed.
func (f *Feed) Run(ctx context.Context) error {
	// Unblock ReadMessage on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("change feed read: %w", err)
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("munin: malformed feed event dropped: %v", err)
			f.countFailure()
			continue
		}
		f.Apply(ctx, ev)
	}
}

// Apply processes a single decoded event: dedupe, translate, hand to
// the store. Exposed separately so tests and alternative transports can
// drive the feed without a socket.
func (f *Feed) Apply(ctx context.Context, ev Event) {
	f.mu.Lock()
	f.stats.Received++
	if ev.EventID != "" {
		if _, dup := f.seen[ev.EventID]; dup {
			f.stats.Duplicates++
			f.mu.Unlock()
			return
		}
	}
	f.mu.Unlock()

	remote, err := translate(ev)
	if err != nil {
		log.Printf("munin: feed event %s dropped: %v", ev.EventID, err)
		f.countFailure()
		return
	}
	if err := f.applier.ApplyRemote(ctx, remote); err != nil {
		// Not remembered: a retransmission of this event must get
		// another chance after a transient failure.
		log.Printf("munin: feed event %s apply failed: %v", ev.EventID, err)
		f.countFailure()
		return
	}
	f.mu.Lock()
	if ev.EventID != "" {
		f.remember(ev.EventID)
	}
	f.stats.Applied++
	f.mu.Unlock()
}

// remember adds an event ID to the dedupe set, evicting the oldest
// entry when full. Caller holds f.mu.
func (f *Feed) remember(id string) {
	if len(f.seenOrder) >= maxSeenEvents {
		oldest := f.seenOrder[0]
		f.seenOrder = f.seenOrder[1:]
		delete(f.seen, oldest)
	}
	f.seen[id] = struct{}{}
	f.seenOrder = append(f.seenOrder, id)
}

func (f *Feed) countFailure() {
	f.mu.Lock()
	f.stats.Failures++
	f.mu.Unlock()
}

// Stats returns a snapshot of feed counters.
func (f *Feed) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Close tears down the connection.
func (f *Feed) Close() error {
	return f.conn.Close()
}

func translate(ev Event) (store.RemoteEvent, error) {
	remote := store.RemoteEvent{
		NodeID:          ev.NodeID,
		Node:            ev.Node,
		Changes:         ev.Changes,
		PreviousVersion: ev.PreviousVersion,
	}
	switch ev.Kind {
	case "created":
		remote.Kind = store.RemoteCreated
	case "updated":
		remote.Kind = store.RemoteUpdated
	case "deleted":
		remote.Kind = store.RemoteDeleted
	case "hierarchy-changed":
		remote.Kind = store.RemoteHierarchyChanged
	default:
		return store.RemoteEvent{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	if remote.NodeID == "" && remote.Node == nil {
		return store.RemoteEvent{}, fmt.Errorf("event %s names no node", ev.EventID)
	}
	return remote, nil
}
