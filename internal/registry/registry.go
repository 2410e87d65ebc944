// Package registry is the identity arena for curated objects. Objects are
// created lazily on first reference and carry weak back-references to the
// property tables that hold values for them.
package registry

import (
	"slices"
	"sort"
	"sync"

	"voxelcurate/pkg/domain"
)

// Object is a registered object handle.
type Object struct {
	ref domain.ObjectRef

	mu    sync.Mutex
	props map[string]struct{}
}

// Ref returns the object's identity.
func (o *Object) Ref() domain.ObjectRef { return o.ref }

// Properties returns the names of property tables holding a value for the
// object, sorted.
func (o *Object) Properties() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.props))
	for name := range o.props {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry maps object references to handles.
type Registry struct {
	mu      sync.RWMutex
	objects map[domain.ObjectRef]*Object
	byKey   map[domain.Key]domain.IDSet
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		objects: make(map[domain.ObjectRef]*Object),
		byKey:   make(map[domain.Key]domain.IDSet),
	}
}

// GetOrCreate returns the handle for ref, creating it if needed. The boolean
// reports whether it was created by this call.
func (r *Registry) GetOrCreate(ref domain.ObjectRef) (*Object, bool) {
	r.mu.RLock()
	obj, ok := r.objects[ref]
	r.mu.RUnlock()
	if ok {
		return obj, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, ok := r.objects[ref]; ok {
		return obj, false
	}
	obj = &Object{ref: ref, props: make(map[string]struct{})}
	r.objects[ref] = obj
	ids := r.byKey[ref.Key]
	if ids == nil {
		ids = make(domain.IDSet)
		r.byKey[ref.Key] = ids
	}
	ids[ref.ID] = struct{}{}
	return obj, true
}

// Lookup returns the handle for ref without creating it.
func (r *Registry) Lookup(ref domain.ObjectRef) (*Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[ref]
	return obj, ok
}

// Drop forgets ref. Callers detach lineage edges and purge property values
// first.
func (r *Registry) Drop(ref domain.ObjectRef) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[ref]; !ok {
		return false
	}
	delete(r.objects, ref)
	if ids := r.byKey[ref.Key]; ids != nil {
		delete(ids, ref.ID)
		if len(ids) == 0 {
			delete(r.byKey, ref.Key)
		}
	}
	return true
}

// ListAt returns the registered ids for key in ascending order.
func (r *Registry) ListAt(key domain.Key) []domain.ObjectID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[key].Sorted()
}

// Keys returns every key with at least one registered object.
func (r *Registry) Keys() []domain.Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Key, 0, len(r.byKey))
	for k := range r.byKey {
		out = append(out, k)
	}
	domain.SortKeys(out)
	return out
}

// Len returns the number of registered objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// Absent returns the registered ids of key that are missing from present.
func (r *Registry) Absent(key domain.Key, present domain.IDSet) []domain.ObjectID {
	var out []domain.ObjectID
	for _, id := range r.ListAt(key) {
		if !present.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

// Sync registers every id of present under key that is not yet known.
func (r *Registry) Sync(key domain.Key, present domain.IDSet) {
	ids := present.Sorted()
	for _, id := range ids {
		if id == domain.Background {
			continue
		}
		r.GetOrCreate(domain.ObjectRef{Key: key, ID: id})
	}
}

// NoteProperty records that the table name holds a value for ref.
func (r *Registry) NoteProperty(ref domain.ObjectRef, name string) {
	obj, _ := r.GetOrCreate(ref)
	obj.mu.Lock()
	obj.props[name] = struct{}{}
	obj.mu.Unlock()
}

// ForgetProperty clears the back-reference from ref to table name.
func (r *Registry) ForgetProperty(ref domain.ObjectRef, name string) {
	obj, ok := r.Lookup(ref)
	if !ok {
		return
	}
	obj.mu.Lock()
	delete(obj.props, name)
	obj.mu.Unlock()
}

// HasProperty reports whether the back-reference exists.
func (r *Registry) HasProperty(ref domain.ObjectRef, name string) bool {
	obj, ok := r.Lookup(ref)
	if !ok {
		return false
	}
	return slices.Contains(obj.Properties(), name)
}
