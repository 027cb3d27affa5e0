package store

import "context"

// Transport is the narrow CRUD contract to the remote durable store.
//
// Implementations must return the package sentinels so the sync core
// can tell conditions apart with errors.Is:
//   - ErrNotFound for reads/updates/deletes of unknown nodes. The
//     update path relies on this to fall back to Create when the remote
//     side does not yet know a node (client/server drift after reload).
//   - ErrVersionConflict when expectedVersion does not match the stored
//     version (optimistic concurrency rejection).
//   - ErrAlreadyExists for duplicate creates, so an open batch whose
//     node landed through an unrelated path can fall back to an update.
//
// All other errors are treated as transport failures: the store rolls
// back and does not retry.
type Transport interface {
	// Create stores a new node.
	Create(ctx context.Context, node *Node) error

	// Get fetches a node by ID.
	Get(ctx context.Context, id string) (*Node, error)

	// Update applies changes when the stored version equals
	// expectedVersion and returns the node with its new version. If the
	// change set carries FieldVersion that value becomes the stored
	// version, otherwise the version increments.
	Update(ctx context.Context, id string, expectedVersion int64, changes Changes) (*Node, error)

	// Delete removes a node. A negative expectedVersion skips the
	// version check.
	Delete(ctx context.Context, id string, expectedVersion int64) error

	// ListChildren returns the ordered children of parentID
	// (parentID "" lists roots), sorted by (OrderKey, ID).
	ListChildren(ctx context.Context, parentID string) ([]*Node, error)

	// BulkGet fetches many nodes at once; missing IDs are absent from
	// the result rather than an error.
	BulkGet(ctx context.Context, ids []string) (map[string]*Node, error)

	// CreateTree stores a batch of nodes atomically where the backend
	// allows, e.g. an initial hierarchy load.
	CreateTree(ctx context.Context, nodes []*Node) error

	Close() error
}
