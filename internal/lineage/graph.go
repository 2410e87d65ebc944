// Package lineage keeps the temporal mother/daughter graph between objects.
// Edges always point forward in time; a mother with several daughters is a
// division.
package lineage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"voxelcurate/internal/registry"
	"voxelcurate/pkg/domain"
)

type refSet map[domain.ObjectRef]struct{}

// Graph is safe for concurrent use.
type Graph struct {
	reg *registry.Registry

	mu        sync.RWMutex
	mothers   map[domain.ObjectRef]refSet
	daughters map[domain.ObjectRef]refSet
	changed   bool
}

// New returns an empty graph. Endpoints are registered in reg on insertion.
func New(reg *registry.Registry) *Graph {
	if reg == nil {
		reg = registry.New()
	}
	return &Graph{
		reg:       reg,
		mothers:   make(map[domain.ObjectRef]refSet),
		daughters: make(map[domain.ObjectRef]refSet),
	}
}

// AddLink inserts parent -> child. It fails with ErrInvalidLink unless
// child.T > parent.T and reports false if the edge already exists.
func (g *Graph) AddLink(parent, child domain.ObjectRef) (bool, error) {
	if child.T <= parent.T {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidLink, parent, child)
	}
	if parent.ID == domain.Background || child.ID == domain.Background {
		return false, fmt.Errorf("%w: background cannot be linked", domain.ErrInvalidLink)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.daughters[parent][child]; ok {
		return false, nil
	}
	g.reg.GetOrCreate(parent)
	g.reg.GetOrCreate(child)
	add(g.daughters, parent, child)
	add(g.mothers, child, parent)
	g.changed = true
	return true, nil
}

// Link orders a and b by time point before inserting the edge, so either
// argument order produces the same forward edge.
func (g *Graph) Link(a, b domain.ObjectRef) (bool, error) {
	if b.T < a.T {
		a, b = b, a
	}
	return g.AddLink(a, b)
}

// DelLink removes parent -> child and reports whether it existed.
func (g *Graph) DelLink(parent, child domain.ObjectRef) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delLocked(parent, child)
}

// AddMother links mother -> child.
func (g *Graph) AddMother(child, mother domain.ObjectRef) (bool, error) {
	return g.AddLink(mother, child)
}

// DelMother unlinks mother -> child.
func (g *Graph) DelMother(child, mother domain.ObjectRef) bool {
	return g.DelLink(mother, child)
}

// AddDaughter links mother -> daughter.
func (g *Graph) AddDaughter(mother, daughter domain.ObjectRef) (bool, error) {
	return g.AddLink(mother, daughter)
}

// DelDaughter unlinks mother -> daughter.
func (g *Graph) DelDaughter(mother, daughter domain.ObjectRef) bool {
	return g.DelLink(mother, daughter)
}

// Mothers returns the objects linked into ref, sorted.
func (g *Graph) Mothers(ref domain.ObjectRef) []domain.ObjectRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sorted(g.mothers[ref])
}

// Daughters returns the objects ref links to, sorted.
func (g *Graph) Daughters(ref domain.ObjectRef) []domain.ObjectRef {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return sorted(g.daughters[ref])
}

// Detach removes every edge incident to ref and returns them. The object and
// its neighbours stay registered.
func (g *Graph) Detach(ref domain.ObjectRef) []domain.Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	var removed []domain.Edge
	for _, m := range sorted(g.mothers[ref]) {
		g.delLocked(m, ref)
		removed = append(removed, domain.Edge{Parent: m, Child: ref})
	}
	for _, d := range sorted(g.daughters[ref]) {
		g.delLocked(ref, d)
		removed = append(removed, domain.Edge{Parent: ref, Child: d})
	}
	return removed
}

// Edges returns every edge ordered by parent then child.
func (g *Graph) Edges() []domain.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []domain.Edge
	for parent, children := range g.daughters {
		for child := range children {
			out = append(out, domain.Edge{Parent: parent, Child: child})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Parent != out[j].Parent {
			return lessRef(out[i].Parent, out[j].Parent)
		}
		return lessRef(out[i].Child, out[j].Child)
	})
	return out
}

// Len returns the number of edges.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, children := range g.daughters {
		n += len(children)
	}
	return n
}

// Restore replaces the graph with edges. Invalid edges are rejected and leave
// the graph untouched.
func (g *Graph) Restore(edges []domain.Edge) error {
	mothers := make(map[domain.ObjectRef]refSet)
	daughters := make(map[domain.ObjectRef]refSet)
	for _, e := range edges {
		if e.Child.T <= e.Parent.T {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidLink, e.Parent, e.Child)
		}
		add(daughters, e.Parent, e.Child)
		add(mothers, e.Child, e.Parent)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.mothers = mothers
	g.daughters = daughters
	for _, e := range edges {
		g.reg.GetOrCreate(e.Parent)
		g.reg.GetOrCreate(e.Child)
	}
	g.changed = false
	return nil
}

// Changed reports whether edges were added or removed since the last
// MarkClean or Restore.
func (g *Graph) Changed() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.changed
}

// MarkClean resets the change flag once a snapshot has been persisted.
func (g *Graph) MarkClean() {
	g.mu.Lock()
	g.changed = false
	g.mu.Unlock()
}

// MarshalSnapshot encodes the edges as JSON.
func (g *Graph) MarshalSnapshot() ([]byte, error) {
	edges := g.Edges()
	if edges == nil {
		edges = []domain.Edge{}
	}
	return json.MarshalIndent(edges, "", "  ")
}

// UnmarshalSnapshot decodes a snapshot written by MarshalSnapshot.
func UnmarshalSnapshot(data []byte) ([]domain.Edge, error) {
	var edges []domain.Edge
	if err := json.Unmarshal(data, &edges); err != nil {
		return nil, fmt.Errorf("%w: lineage snapshot: %v", domain.ErrCorruptArtifact, err)
	}
	return edges, nil
}

func (g *Graph) delLocked(parent, child domain.ObjectRef) bool {
	if _, ok := g.daughters[parent][child]; !ok {
		return false
	}
	remove(g.daughters, parent, child)
	remove(g.mothers, child, parent)
	g.changed = true
	return true
}

func add(m map[domain.ObjectRef]refSet, from, to domain.ObjectRef) {
	set := m[from]
	if set == nil {
		set = make(refSet)
		m[from] = set
	}
	set[to] = struct{}{}
}

func remove(m map[domain.ObjectRef]refSet, from, to domain.ObjectRef) {
	set := m[from]
	delete(set, to)
	if len(set) == 0 {
		delete(m, from)
	}
}

func sorted(set refSet) []domain.ObjectRef {
	out := make([]domain.ObjectRef, 0, len(set))
	for ref := range set {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return lessRef(out[i], out[j]) })
	return out
}

func lessRef(a, b domain.ObjectRef) bool {
	if a.Key != b.Key {
		return a.Key.Less(b.Key)
	}
	return a.ID < b.ID
}
