package props

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"voxelcurate/pkg/domain"
)

// Kind computes one named property for the objects of a volume. A nil ids
// set means every object; otherwise only the listed ids are measured and ids
// absent from the volume get no value.
type Kind interface {
	Name() string
	Compute(v *domain.Volume, ids domain.IDSet) (domain.Table, error)
}

// KindFunc adapts a function to Kind.
type KindFunc struct {
	Label string
	Fn    func(v *domain.Volume, ids domain.IDSet) (domain.Table, error)
}

func (k KindFunc) Name() string { return k.Label }

func (k KindFunc) Compute(v *domain.Volume, ids domain.IDSet) (domain.Table, error) {
	return k.Fn(v, ids)
}

// Builtins returns the stock kinds: area, volume, centroid, bbox and axes.
func Builtins() []Kind {
	return []Kind{Area{}, PhysicalVolume{}, Centroid{}, BoundingBox{}, Axes{}}
}

// moments accumulates the per-object statistics every built-in kind derives
// from. Coordinates are physical (voxel index times voxel size).
type moments struct {
	n        float64
	sum      [3]float64
	sq       [3][3]float64
	min, max [3]int
}

func scan(v *domain.Volume, ids domain.IDSet) map[domain.ObjectID]*moments {
	out := make(map[domain.ObjectID]*moments)
	for i, id := range v.Labels {
		if id == domain.Background {
			continue
		}
		if ids != nil && !ids.Has(id) {
			continue
		}
		x, y, z := v.Coord(i)
		m := out[id]
		if m == nil {
			m = &moments{min: [3]int{x, y, z}, max: [3]int{x, y, z}}
			out[id] = m
		}
		idx := [3]int{x, y, z}
		p := [3]float64{float64(x) * v.Voxel[0], float64(y) * v.Voxel[1], float64(z) * v.Voxel[2]}
		m.n++
		for a := 0; a < 3; a++ {
			m.sum[a] += p[a]
			for b := a; b < 3; b++ {
				m.sq[a][b] += p[a] * p[b]
			}
			m.min[a] = min(m.min[a], idx[a])
			m.max[a] = max(m.max[a], idx[a])
		}
	}
	return out
}

func derive(v *domain.Volume, ids domain.IDSet, fn func(m *moments) (domain.Value, error)) (domain.Table, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	out := make(domain.Table)
	for id, m := range scan(v, ids) {
		val, err := fn(m)
		if err != nil {
			return nil, fmt.Errorf("object %d: %w", id, err)
		}
		out[id] = val
	}
	return out, nil
}

// Area is the voxel count of an object.
type Area struct{}

func (Area) Name() string { return "area" }

func (Area) Compute(v *domain.Volume, ids domain.IDSet) (domain.Table, error) {
	return derive(v, ids, func(m *moments) (domain.Value, error) {
		return domain.Value{m.n}, nil
	})
}

// PhysicalVolume is the voxel count scaled by the voxel volume.
type PhysicalVolume struct{}

func (PhysicalVolume) Name() string { return "volume" }

func (PhysicalVolume) Compute(v *domain.Volume, ids domain.IDSet) (domain.Table, error) {
	unit := v.Voxel[0] * v.Voxel[1] * v.Voxel[2]
	return derive(v, ids, func(m *moments) (domain.Value, error) {
		return domain.Value{m.n * unit}, nil
	})
}

// Centroid is the mean physical position (x, y, z).
type Centroid struct{}

func (Centroid) Name() string { return "centroid" }

func (Centroid) Compute(v *domain.Volume, ids domain.IDSet) (domain.Table, error) {
	return derive(v, ids, func(m *moments) (domain.Value, error) {
		return domain.Value{m.sum[0] / m.n, m.sum[1] / m.n, m.sum[2] / m.n}, nil
	})
}

// BoundingBox is the inclusive voxel index box: min x, y, z then max x, y, z.
type BoundingBox struct{}

func (BoundingBox) Name() string { return "bbox" }

func (BoundingBox) Compute(v *domain.Volume, ids domain.IDSet) (domain.Table, error) {
	return derive(v, ids, func(m *moments) (domain.Value, error) {
		return domain.Value{
			float64(m.min[0]), float64(m.min[1]), float64(m.min[2]),
			float64(m.max[0]), float64(m.max[1]), float64(m.max[2]),
		}, nil
	})
}

// Axes are the principal axis lengths, longest first, of the ellipsoid with
// the same second moments as the object (4 * sqrt of each covariance
// eigenvalue).
type Axes struct{}

func (Axes) Name() string { return "axes" }

func (Axes) Compute(v *domain.Volume, ids domain.IDSet) (domain.Table, error) {
	return derive(v, ids, principalAxes)
}

func principalAxes(m *moments) (domain.Value, error) {
	cov := mat.NewSymDense(3, nil)
	for a := 0; a < 3; a++ {
		for b := a; b < 3; b++ {
			c := m.sq[a][b]/m.n - (m.sum[a]/m.n)*(m.sum[b]/m.n)
			cov.SetSym(a, b, c)
		}
	}
	var eig mat.EigenSym
	if ok := eig.Factorize(cov, false); !ok {
		return nil, fmt.Errorf("eigen decomposition did not converge")
	}
	vals := eig.Values(nil)
	sort.Sort(sort.Reverse(sort.Float64Slice(vals)))
	out := make(domain.Value, len(vals))
	for i, l := range vals {
		// rounding can push a zero eigenvalue slightly negative
		out[i] = 4 * math.Sqrt(math.Max(l, 0))
	}
	return out, nil
}
