// Package transport provides durable Transport implementations for the
// node store. The Badger-backed transport is the default for local
// persistence: nodes live under a single-byte key prefix and a child
// index keyed by parent keeps ListChildren a prefix scan instead of a
// full sweep.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/munin/pkg/store"
)

// Key prefixes for BadgerDB storage organization.
// Using single-byte prefixes for efficiency.
const (
	prefixNode  = byte(0x01) // node:nodeID -> Node JSON
	prefixChild = byte(0x02) // child:parentID 0x00 nodeID -> []byte{}
)

// nodeKey builds the primary key for a node.
func nodeKey(id string) []byte {
	return append([]byte{prefixNode}, []byte(id)...)
}

// childKey builds the child-index key: prefix + parentID + 0x00 + nodeID.
// Root nodes index under the empty parent.
func childKey(parentID, id string) []byte {
	key := make([]byte, 0, len(parentID)+len(id)+2)
	key = append(key, prefixChild)
	key = append(key, []byte(parentID)...)
	key = append(key, 0x00)
	key = append(key, []byte(id)...)
	return key
}

// childPrefix returns the prefix for scanning all children of a parent.
func childPrefix(parentID string) []byte {
	key := make([]byte, 0, len(parentID)+2)
	key = append(key, prefixChild)
	key = append(key, []byte(parentID)...)
	key = append(key, 0x00)
	return key
}

// BadgerOptions configures a BadgerTransport.
type BadgerOptions struct {
	// DataDir is the directory for BadgerDB files. Ignored when
	// InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode. All data is lost on
	// close. Intended for tests and ephemeral sessions.
	InMemory bool

	// Logger receives BadgerDB's internal logging. nil silences it.
	Logger badger.Logger
}

// BadgerTransport is a Transport backed by an embedded BadgerDB.
//
// Every write runs in a single Badger transaction, so a multi-field
// update (or a tree create) is durable all-or-nothing. Optimistic
// version checks happen inside the transaction against the stored
// node, mapping a mismatch to store.ErrVersionConflict.
type BadgerTransport struct {
	db *badger.DB

	mu     sync.Mutex
	closed bool
}

// NewBadgerTransport opens (or creates) the database at opts.DataDir.
func NewBadgerTransport(opts BadgerOptions) (*BadgerTransport, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.DataDir, err)
	}
	return &BadgerTransport{db: db}, nil
}

// NewBadgerTransportInMemory opens a memory-only transport for testing.
func NewBadgerTransportInMemory() (*BadgerTransport, error) {
	return NewBadgerTransport(BadgerOptions{InMemory: true})
}

func (b *BadgerTransport) ensureOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return store.ErrClosed
	}
	return nil
}

func encodeNode(node *store.Node) ([]byte, error) {
	data, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("encode node %s: %w", node.ID, err)
	}
	return data, nil
}

func decodeNode(data []byte) (*store.Node, error) {
	var node store.Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("decode node: %w", err)
	}
	return &node, nil
}

// getNodeTxn loads and decodes a node inside a transaction.
func getNodeTxn(txn *badger.Txn, id string) (*store.Node, error) {
	item, err := txn.Get(nodeKey(id))
	if err == badger.ErrKeyNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var node *store.Node
	err = item.Value(func(val []byte) error {
		decoded, derr := decodeNode(val)
		if derr != nil {
			return derr
		}
		node = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// setNodeTxn stores a node and maintains its child-index entry,
// removing the old entry when the parent changed.
func setNodeTxn(txn *badger.Txn, node *store.Node, oldParentID string, hadOld bool) error {
	data, err := encodeNode(node)
	if err != nil {
		return err
	}
	if err := txn.Set(nodeKey(node.ID), data); err != nil {
		return err
	}
	if hadOld && oldParentID != node.ParentID {
		if err := txn.Delete(childKey(oldParentID, node.ID)); err != nil {
			return err
		}
	}
	return txn.Set(childKey(node.ParentID, node.ID), []byte{})
}

func (b *BadgerTransport) Create(ctx context.Context, node *store.Node) error {
	if node == nil || node.ID == "" {
		return store.ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(nodeKey(node.ID))
		if err == nil {
			return store.ErrAlreadyExists
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		return setNodeTxn(txn, node, "", false)
	})
}

func (b *BadgerTransport) Get(ctx context.Context, id string) (*store.Node, error) {
	if id == "" {
		return nil, store.ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	var node *store.Node
	err := b.db.View(func(txn *badger.Txn) error {
		found, err := getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		node = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (b *BadgerTransport) Update(ctx context.Context, id string, expectedVersion int64, changes store.Changes) (*store.Node, error) {
	if id == "" {
		return nil, store.ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	var updated *store.Node
	err := b.db.Update(func(txn *badger.Txn) error {
		node, err := getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		if node.Version != expectedVersion {
			return store.ErrVersionConflict
		}
		oldParent := node.ParentID
		next := node.Copy()
		store.ApplyChanges(next, changes)
		if _, hasVersion := changes[store.FieldVersion]; !hasVersion {
			next.Version = expectedVersion + 1
		}
		if err := setNodeTxn(txn, next, oldParent, true); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated.Copy(), nil
}

func (b *BadgerTransport) Delete(ctx context.Context, id string, expectedVersion int64) error {
	if id == "" {
		return store.ErrInvalidID
	}
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		node, err := getNodeTxn(txn, id)
		if err != nil {
			return err
		}
		if expectedVersion >= 0 && node.Version != expectedVersion {
			return store.ErrVersionConflict
		}
		if err := txn.Delete(nodeKey(id)); err != nil {
			return err
		}
		return txn.Delete(childKey(node.ParentID, id))
	})
}

func (b *BadgerTransport) ListChildren(ctx context.Context, parentID string) ([]*store.Node, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	var children []*store.Node
	err := b.db.View(func(txn *badger.Txn) error {
		prefix := childPrefix(parentID)
		itOpts := badger.DefaultIteratorOptions
		itOpts.Prefix = prefix
		itOpts.PrefetchValues = false
		it := txn.NewIterator(itOpts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			node, err := getNodeTxn(txn, id)
			if err == store.ErrNotFound {
				// Dangling index entry; skip rather than fail the scan.
				continue
			}
			if err != nil {
				return err
			}
			children = append(children, node)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	store.SortSiblings(children)
	return children, nil
}

func (b *BadgerTransport) BulkGet(ctx context.Context, ids []string) (map[string]*store.Node, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	out := make(map[string]*store.Node, len(ids))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			node, err := getNodeTxn(txn, id)
			if err == store.ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			out[id] = node
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BadgerTransport) CreateTree(ctx context.Context, nodes []*store.Node) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		// Validate first so the batch applies all-or-nothing.
		for _, node := range nodes {
			if node == nil || node.ID == "" {
				return store.ErrInvalidID
			}
			_, err := txn.Get(nodeKey(node.ID))
			if err == nil {
				return store.ErrAlreadyExists
			}
			if err != badger.ErrKeyNotFound {
				return err
			}
		}
		for _, node := range nodes {
			if err := setNodeTxn(txn, node, "", false); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerTransport) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Verify BadgerTransport implements store.Transport.
var _ store.Transport = (*BadgerTransport)(nil)
