package domain

import "slices"

// Value is a per-object measurement: a scalar is a one element slice.
type Value []float64

// Scalar returns the first component, or 0 for an empty value.
func (v Value) Scalar() float64 {
	if len(v) == 0 {
		return 0
	}
	return v[0]
}

// Equal compares two values component-wise.
func (v Value) Equal(o Value) bool { return slices.Equal(v, o) }

// Table holds one property's values for every object of a key.
type Table map[ObjectID]Value

// Clone deep copies the table.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for id, v := range t {
		out[id] = slices.Clone(v)
	}
	return out
}

// Edge is a directed lineage link from a mother object to a daughter at a
// later time point.
type Edge struct {
	Parent ObjectRef `json:"parent"`
	Child  ObjectRef `json:"child"`
}
