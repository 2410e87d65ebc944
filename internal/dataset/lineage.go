package dataset

import (
	"context"

	"voxelcurate/pkg/domain"
)

// Lineage edits belong to the open step like volume edits, so they open one
// when needed and are undone by Cancel.

// AddLink inserts parent -> child; see lineage.Graph.AddLink.
func (d *Dataset) AddLink(ctx context.Context, parent, child domain.ObjectRef) (bool, error) {
	if _, err := d.steps.EnsureOpen(ctx); err != nil {
		return false, err
	}
	return d.graph.AddLink(parent, child)
}

// Link inserts an edge between a and b in time order.
func (d *Dataset) Link(ctx context.Context, a, b domain.ObjectRef) (bool, error) {
	if _, err := d.steps.EnsureOpen(ctx); err != nil {
		return false, err
	}
	return d.graph.Link(a, b)
}

// DelLink removes parent -> child.
func (d *Dataset) DelLink(ctx context.Context, parent, child domain.ObjectRef) (bool, error) {
	if _, err := d.steps.EnsureOpen(ctx); err != nil {
		return false, err
	}
	return d.graph.DelLink(parent, child), nil
}

func (d *Dataset) AddMother(ctx context.Context, child, mother domain.ObjectRef) (bool, error) {
	return d.AddLink(ctx, mother, child)
}

func (d *Dataset) DelMother(ctx context.Context, child, mother domain.ObjectRef) (bool, error) {
	return d.DelLink(ctx, mother, child)
}

func (d *Dataset) AddDaughter(ctx context.Context, mother, daughter domain.ObjectRef) (bool, error) {
	return d.AddLink(ctx, mother, daughter)
}

func (d *Dataset) DelDaughter(ctx context.Context, mother, daughter domain.ObjectRef) (bool, error) {
	return d.DelLink(ctx, mother, daughter)
}

// Mothers returns the objects linked into ref.
func (d *Dataset) Mothers(ref domain.ObjectRef) []domain.ObjectRef { return d.graph.Mothers(ref) }

// Daughters returns the objects ref links to.
func (d *Dataset) Daughters(ref domain.ObjectRef) []domain.ObjectRef { return d.graph.Daughters(ref) }

// Edges returns the whole lineage graph.
func (d *Dataset) Edges() []domain.Edge { return d.graph.Edges() }
