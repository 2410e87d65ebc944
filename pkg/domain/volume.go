package domain

import (
	"fmt"
	"slices"
)

// Dims are the voxel extents of a volume along x, y and z.
type Dims struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Len returns the number of voxels.
func (d Dims) Len() int { return d.X * d.Y * d.Z }

// Valid reports whether every extent is positive.
func (d Dims) Valid() bool { return d.X > 0 && d.Y > 0 && d.Z > 0 }

func (d Dims) String() string { return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z) }

// VoxelSize is the physical size of one voxel along x, y and z.
type VoxelSize [3]float64

// UnitVoxel is the default voxel size.
var UnitVoxel = VoxelSize{1, 1, 1}

// Volume is a dense labeled 3D array. Labels are stored x-fastest.
//
// Volumes handed to the session are treated as immutable once installed; use
// Clone before mutating a volume obtained from it.
type Volume struct {
	Dims   Dims       `json:"dims"`
	Voxel  VoxelSize  `json:"voxel"`
	Labels []ObjectID `json:"-"`
}

// NewVolume returns an all-background volume.
func NewVolume(d Dims, voxel VoxelSize) *Volume {
	return &Volume{Dims: d, Voxel: voxel, Labels: make([]ObjectID, d.Len())}
}

// Index returns the flat offset of (x, y, z).
func (v *Volume) Index(x, y, z int) int { return x + v.Dims.X*(y+v.Dims.Y*z) }

// Coord is the inverse of Index.
func (v *Volume) Coord(i int) (x, y, z int) {
	x = i % v.Dims.X
	i /= v.Dims.X
	return x, i % v.Dims.Y, i / v.Dims.Y
}

// At returns the label at (x, y, z).
func (v *Volume) At(x, y, z int) ObjectID { return v.Labels[v.Index(x, y, z)] }

// Set assigns the label at (x, y, z).
func (v *Volume) Set(x, y, z int, id ObjectID) { v.Labels[v.Index(x, y, z)] = id }

// Fill labels the inclusive box [x0,x1]x[y0,y1]x[z0,z1].
func (v *Volume) Fill(x0, y0, z0, x1, y1, z1 int, id ObjectID) {
	for z := z0; z <= z1; z++ {
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				v.Set(x, y, z, id)
			}
		}
	}
}

// Validate checks that the label buffer matches the dimensions.
func (v *Volume) Validate() error {
	if v == nil {
		return fmt.Errorf("nil volume")
	}
	if !v.Dims.Valid() {
		return fmt.Errorf("invalid dims %s", v.Dims)
	}
	if len(v.Labels) != v.Dims.Len() {
		return fmt.Errorf("volume has %d labels, dims %s need %d", len(v.Labels), v.Dims, v.Dims.Len())
	}
	return nil
}

// SizeBytes is the resident size used for cache accounting.
func (v *Volume) SizeBytes() int64 { return int64(len(v.Labels)) * 4 }

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	if v == nil {
		return nil
	}
	return &Volume{Dims: v.Dims, Voxel: v.Voxel, Labels: slices.Clone(v.Labels)}
}

// Equal reports whether two volumes carry identical geometry and labels.
func (v *Volume) Equal(o *Volume) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.Dims == o.Dims && v.Voxel == o.Voxel && slices.Equal(v.Labels, o.Labels)
}

// IDs returns the set of non-background labels present.
func (v *Volume) IDs() IDSet {
	out := make(IDSet)
	for _, id := range v.Labels {
		if id != Background {
			out[id] = struct{}{}
		}
	}
	return out
}
