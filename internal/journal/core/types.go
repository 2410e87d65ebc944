// Package core defines the step journal: the ordered, durable record of every
// step of a curation session. Artifact bytes live in the blob store; the
// journal says which step touched which key.
package core

import (
	"context"
	"maps"
	"slices"
	"time"

	"voxelcurate/pkg/domain"
)

// Driver identifies a journal backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// State is the lifecycle stage of a step.
type State string

const (
	// StateOpen marks the step currently receiving edits.
	StateOpen State = "open"
	// StateClosed marks a durable, immutable step.
	StateClosed State = "closed"
	// StateCancelled marks a step being rolled back. Lookups skip it; it is
	// removed once its artifacts are deleted.
	StateCancelled State = "cancelled"
)

// Record describes one step.
type Record struct {
	Index       int                     `json:"index"`
	Session     string                  `json:"session"`
	Description string                  `json:"description"`
	State       State                   `json:"state"`
	StartedAt   time.Time               `json:"started_at"`
	EndedAt     *time.Time              `json:"ended_at,omitempty"`
	Volumes     []domain.Key            `json:"volumes,omitempty"`
	Properties  map[string][]domain.Key `json:"properties,omitempty"`
	Lineage     bool                    `json:"lineage,omitempty"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	out := r
	out.Volumes = slices.Clone(r.Volumes)
	if r.Properties != nil {
		out.Properties = make(map[string][]domain.Key, len(r.Properties))
		for name, keys := range r.Properties {
			out.Properties[name] = slices.Clone(keys)
		}
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return out
}

// HasVolume reports whether the step persisted a volume for k.
func (r Record) HasVolume(k domain.Key) bool { return slices.Contains(r.Volumes, k) }

// HasProperty reports whether the step persisted property name for k.
func (r Record) HasProperty(name string, k domain.Key) bool {
	return slices.Contains(r.Properties[name], k)
}

// AddVolume records k once.
func (r *Record) AddVolume(k domain.Key) bool {
	if r.HasVolume(k) {
		return false
	}
	r.Volumes = append(r.Volumes, k)
	return true
}

// AddProperty records (name, k) once.
func (r *Record) AddProperty(name string, k domain.Key) bool {
	if r.HasProperty(name, k) {
		return false
	}
	if r.Properties == nil {
		r.Properties = make(map[string][]domain.Key)
	}
	r.Properties[name] = append(r.Properties[name], k)
	return true
}

// RemoveProperty forgets (name, k).
func (r *Record) RemoveProperty(name string, k domain.Key) bool {
	i := slices.Index(r.Properties[name], k)
	if i < 0 {
		return false
	}
	r.Properties[name] = slices.Delete(r.Properties[name], i, i+1)
	if len(r.Properties[name]) == 0 {
		delete(r.Properties, name)
	}
	return true
}

// PropertyNames returns the property names written by the step, sorted.
func (r Record) PropertyNames() []string {
	return slices.Sorted(maps.Keys(r.Properties))
}

// Journal persists step records.
type Journal interface {
	// Load returns every record ordered by index.
	Load(ctx context.Context) ([]Record, error)
	// Put inserts or replaces the record with the same index.
	Put(ctx context.Context, rec Record) error
	// Delete removes the record; deleting a missing index is not an error.
	Delete(ctx context.Context, index int) error
	Close() error
	Driver() Driver
}
