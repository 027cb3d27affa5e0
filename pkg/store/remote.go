package store

import (
	"context"
	"errors"
	"log"
)

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// RemoteEventKind classifies inbound push-channel notifications.
type RemoteEventKind int

const (
	RemoteCreated RemoteEventKind = iota
	RemoteUpdated
	RemoteDeleted
	RemoteHierarchyChanged
)

func (k RemoteEventKind) String() string {
	switch k {
	case RemoteCreated:
		return "created"
	case RemoteUpdated:
		return "updated"
	case RemoteDeleted:
		return "deleted"
	case RemoteHierarchyChanged:
		return "hierarchy-changed"
	}
	return "unknown"
}

// RemoteEvent is one inbound change notification. Node carries the full
// payload when the channel provided one; identifier-only events leave
// it nil and the store fetches on demand. Changes carries a partial
// update when the channel sends deltas.
type RemoteEvent struct {
	Kind            RemoteEventKind
	NodeID          string
	Node            *Node
	Changes         Changes
	PreviousVersion int64
}

// ApplyRemote applies one push-channel notification idempotently.
//
// The channel may deliver events out of order, duplicated, or
// identifier-only: a hierarchy change can precede its node's create, a
// delete can precede its edge removal, and any event can arrive twice.
// Every path here therefore tolerates both "already applied" and "not
// applicable yet" without corrupting state.
func (s *NodeStore) ApplyRemote(ctx context.Context, ev RemoteEvent) error {
	if ev.NodeID == "" && ev.Node != nil {
		ev.NodeID = ev.Node.ID
	}
	if ev.NodeID == "" {
		return ErrInvalidID
	}

	switch ev.Kind {
	case RemoteCreated, RemoteHierarchyChanged:
		node := ev.Node
		if node == nil {
			fetched, err := s.transport.Get(ctx, ev.NodeID)
			if err != nil {
				// A delete raced ahead of this notification; nothing to
				// apply and nothing went wrong.
				if isNotFound(err) {
					return nil
				}
				return err
			}
			node = fetched
		}
		if existing, ok := s.Get(ev.NodeID); ok && existing.Version >= node.Version {
			// Duplicate or stale notification.
			return nil
		}
		_, err := s.Set(node, SourceRemote, true)
		return err

	case RemoteUpdated:
		if _, ok := s.Get(ev.NodeID); !ok {
			// Update outran the create; treat it as one.
			created := ev
			created.Kind = RemoteCreated
			return s.ApplyRemote(ctx, created)
		}
		if len(ev.Changes) > 0 {
			_, err := s.Update(ev.NodeID, ev.Changes, SourceRemote, &UpdateOptions{
				PreviousVersion: ev.PreviousVersion,
			})
			return err
		}
		if ev.Node != nil {
			if existing, ok := s.Get(ev.NodeID); ok && existing.Version >= ev.Node.Version {
				return nil
			}
			_, err := s.Set(ev.Node, SourceRemote, true)
			return err
		}
		// Identifier-only update: fetch the current remote state.
		fetched, err := s.transport.Get(ctx, ev.NodeID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if existing, ok := s.Get(ev.NodeID); ok && existing.Version >= fetched.Version {
			return nil
		}
		_, err = s.Set(fetched, SourceRemote, true)
		return err

	case RemoteDeleted:
		_, err := s.Delete(ev.NodeID, SourceRemote, true, nil)
		return err
	}

	log.Printf("munin: unknown remote event kind %d for %s ignored", ev.Kind, ev.NodeID)
	return nil
}
