package catalogue

import (
	"gonum.org/v1/gonum/spatial/kdtree"

	"skymatch/pkg/skygeom"
)

// SkyIndex is a k-d tree over source positions embedded as 3-D unit vectors,
// so that chord distance is a monotonic proxy for great-circle separation.
// Radius queries are near-linear in the number of results, which keeps the
// local-density and candidate-edge searches away from all-pairs cost.
type SkyIndex struct {
	tree *kdtree.Tree
}

type skyPoint struct {
	vec [3]float64
	idx int
}

func (p skyPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(skyPoint)
	return p.vec[d] - q.vec[d]
}

func (p skyPoint) Dims() int { return 3 }

// Distance returns the squared chord distance between the unit vectors.
func (p skyPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(skyPoint)
	var s float64
	for i := 0; i < 3; i++ {
		d := p.vec[i] - q.vec[i]
		s += d * d
	}
	return s
}

type skyPoints []skyPoint

func (p skyPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p skyPoints) Len() int                      { return len(p) }
func (p skyPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p skyPoints) Pivot(d kdtree.Dim) int {
	return skyPlane{Dim: d, skyPoints: p}.Pivot()
}

type skyPlane struct {
	kdtree.Dim
	skyPoints
}

func (p skyPlane) Less(i, j int) bool {
	return p.skyPoints[i].vec[p.Dim] < p.skyPoints[j].vec[p.Dim]
}
func (p skyPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p skyPlane) Slice(start, end int) kdtree.SortSlicer {
	p.skyPoints = p.skyPoints[start:end]
	return p
}
func (p skyPlane) Swap(i, j int) {
	p.skyPoints[i], p.skyPoints[j] = p.skyPoints[j], p.skyPoints[i]
}

// NewSkyIndex builds an index over the given positions. If keep is non-nil
// only rows for which keep returns true are indexed; returned indices always
// refer to the original slice.
func NewSkyIndex(pos []skygeom.Point, keep func(i int) bool) *SkyIndex {
	pts := make(skyPoints, 0, len(pos))
	for i, p := range pos {
		if keep != nil && !keep(i) {
			continue
		}
		pts = append(pts, skyPoint{vec: p.UnitVector(), idx: i})
	}
	if len(pts) == 0 {
		return &SkyIndex{}
	}
	return &SkyIndex{tree: kdtree.New(pts, false)}
}

// Within returns the original indices of all indexed sources within radiusDeg
// degrees (great-circle) of p.
func (s *SkyIndex) Within(p skygeom.Point, radiusDeg float64) []int {
	if s.tree == nil {
		return nil
	}
	chord := skygeom.ChordLength(radiusDeg)
	keep := kdtree.NewDistKeeper(chord * chord)
	s.tree.NearestSet(keep, skyPoint{vec: p.UnitVector()})

	var out []int
	for _, c := range keep.Heap {
		if c.Comparable == nil {
			continue
		}
		out = append(out, c.Comparable.(skyPoint).idx)
	}
	return out
}
