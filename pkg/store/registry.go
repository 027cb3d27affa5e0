package store

import "context"

// TypePersister is the capability interface behind type-specific
// persistence paths. The registry resolves one persister per mutation
// by type tag instead of dispatching on type strings at call sites.
//
// A persister reporting Atomic() routes its type's field updates into
// an implicit batch, so multi-field transformations persist together or
// not at all.
type TypePersister interface {
	// CanHandle reports whether this persister owns the type tag.
	CanHandle(nodeType string) bool

	// Atomic reports whether updates to this type must persist as one
	// indivisible batch.
	Atomic() bool

	// Update performs the durable update for this type.
	Update(ctx context.Context, t Transport, id string, expectedVersion int64, changes Changes) (*Node, error)
}

// PersisterRegistry maps type tags to persisters. Registration order is
// precedence; the built-in default handles everything else.
type PersisterRegistry struct {
	persisters []TypePersister
	fallback   TypePersister
}

// NewPersisterRegistry returns a registry with only the default
// transport-update path installed.
func NewPersisterRegistry() *PersisterRegistry {
	return &PersisterRegistry{fallback: defaultPersister{}}
}

// Register installs a persister. Later registrations take precedence
// over earlier ones for types both claim.
func (r *PersisterRegistry) Register(p TypePersister) {
	r.persisters = append([]TypePersister{p}, r.persisters...)
}

// For resolves the persister for a type tag. Never nil.
func (r *PersisterRegistry) For(nodeType string) TypePersister {
	for _, p := range r.persisters {
		if p.CanHandle(nodeType) {
			return p
		}
	}
	return r.fallback
}

// defaultPersister is the plain transport update path.
type defaultPersister struct{}

func (defaultPersister) CanHandle(string) bool { return true }
func (defaultPersister) Atomic() bool          { return false }

func (defaultPersister) Update(ctx context.Context, t Transport, id string, expectedVersion int64, changes Changes) (*Node, error) {
	return t.Update(ctx, id, expectedVersion, changes)
}
