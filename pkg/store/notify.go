package store

import "sync"

// Wildcard subscribes to events for every node.
const Wildcard = "*"

// EventKind classifies a committed in-memory change.
type EventKind int

const (
	EventCreated EventKind = iota
	EventUpdated
	EventDeleted
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventUpdated:
		return "updated"
	case EventDeleted:
		return "deleted"
	}
	return "unknown"
}

// Event is delivered synchronously after a change is applied in memory.
// Node is a copy; mutating it has no effect on the store.
//
// HierarchyChanged marks events that moved or reordered the node, and
// OldParentID carries the pre-move parent so structural caches can
// invalidate the minimal key set.
type Event struct {
	Kind             EventKind
	NodeID           string
	Node             *Node
	Source           Source
	HierarchyChanged bool
	OldParentID      string
}

// SubscriberFunc receives committed events. Callbacks run on the
// mutating goroutine after the store lock is released; they may read
// the store but should hand off heavy work.
type SubscriberFunc func(Event)

// notifier is the observer registry: per-node subscriber lists plus a
// wildcard list, fired after each committed change.
type notifier struct {
	mu   sync.RWMutex
	subs map[string]map[int64]SubscriberFunc
	next int64
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[int64]SubscriberFunc)}
}

// subscribe registers fn for a node ID or the Wildcard and returns an
// unsubscribe handle.
func (n *notifier) subscribe(key string, fn SubscriberFunc) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs[key] == nil {
		n.subs[key] = make(map[int64]SubscriberFunc)
	}
	n.next++
	token := n.next
	n.subs[key][token] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if m := n.subs[key]; m != nil {
			delete(m, token)
			if len(m) == 0 {
				delete(n.subs, key)
			}
		}
	}
}

// dispatch delivers one event to the node's subscribers and the
// wildcard subscribers. Callers must not hold the store lock.
func (n *notifier) dispatch(ev Event) {
	n.mu.RLock()
	fns := make([]SubscriberFunc, 0, 4)
	for _, fn := range n.subs[ev.NodeID] {
		fns = append(fns, fn)
	}
	for _, fn := range n.subs[Wildcard] {
		fns = append(fns, fn)
	}
	n.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// dispatchAll delivers a batch of events in one pass, after every node
// in the batch has been applied.
func (n *notifier) dispatchAll(events []Event) {
	for _, ev := range events {
		n.dispatch(ev)
	}
}
