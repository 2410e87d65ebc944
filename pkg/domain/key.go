// Package domain defines the value types shared by the curation session engine:
// volume keys, labeled volumes, object references, property values and lineage
// edges, plus the error taxonomy surfaced to callers.
package domain

import (
	"fmt"
	"sort"
)

// Key addresses one labeled volume of the session.
type Key struct {
	T       int `json:"t"`
	Channel int `json:"channel"`
}

// K is shorthand for Key{T: t, Channel: channel}.
func K(t, channel int) Key { return Key{T: t, Channel: channel} }

// String renders the key in the form used for artifact names, e.g. t0003_c00.
func (k Key) String() string { return fmt.Sprintf("t%04d_c%02d", k.T, k.Channel) }

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	var k Key
	if _, err := fmt.Sscanf(s, "t%04d_c%02d", &k.T, &k.Channel); err != nil {
		return Key{}, fmt.Errorf("parse key %q: %w", s, err)
	}
	return k, nil
}

// Less orders keys by time point then channel.
func (k Key) Less(o Key) bool {
	if k.T != o.T {
		return k.T < o.T
	}
	return k.Channel < o.Channel
}

// SortKeys sorts keys in place by time point then channel.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
}

// ObjectID is the integer label of an object inside a volume.
type ObjectID uint32

// Background is the reserved label for voxels that belong to no object.
const Background ObjectID = 0

// ObjectRef identifies an object across the whole session.
type ObjectRef struct {
	Key
	ID ObjectID `json:"id"`
}

// Obj is shorthand for an ObjectRef at time t on channel 0.
func Obj(t int, id ObjectID) ObjectRef { return ObjectRef{Key: Key{T: t}, ID: id} }

func (o ObjectRef) String() string { return fmt.Sprintf("%s#%d", o.Key, o.ID) }

// IDSet is a set of object ids. A nil IDSet passed as the touched set of an
// edit means "the whole volume".
type IDSet map[ObjectID]struct{}

// NewIDSet builds a set from the given ids.
func NewIDSet(ids ...ObjectID) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s IDSet) Has(id ObjectID) bool {
	_, ok := s[id]
	return ok
}

// Sorted returns the ids in ascending order.
func (s IDSet) Sorted() []ObjectID {
	out := make([]ObjectID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
