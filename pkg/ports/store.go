package ports

import (
	"context"

	"github.com/aretw0/lattice/pkg/template"
)

// TemplateStore persists template descriptors. Template ids are shared by the
// authority and every renderer, so all replicas must read the same store.
type TemplateStore interface {
	// Save creates or replaces the descriptor with d.ID.
	Save(ctx context.Context, d template.Descriptor) error

	// Load retrieves a descriptor.
	// Returns domain.ErrTemplateNotFound if the id is unknown.
	Load(ctx context.Context, id int) (template.Descriptor, error)

	// Delete removes a descriptor. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id int) error

	// List returns every descriptor ordered by id. It satisfies template.Source.
	List(ctx context.Context) ([]template.Descriptor, error)
}
