package auf

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"skymatch/internal/catalogue"
	"skymatch/pkg/skygeom"
)

// DensityMagnitude estimates the completeness turnover of a magnitude
// sample: the mode of its histogram, in dm-wide bins, minus half a
// magnitude. Sources brighter than this limit define the local normalising
// density.
func DensityMagnitude(mags []float64, dm float64) float64 {
	sorted := append([]float64(nil), mags...)
	sort.Float64s(sorted)
	lo := dm * math.Floor(sorted[0]/dm)
	n := int(math.Ceil((sorted[len(sorted)-1]-lo)/dm)) + 1
	dividers := make([]float64, n+1)
	floats.Span(dividers, lo, lo+float64(n)*dm)
	hist := stat.Histogram(nil, dividers, sorted, nil)
	return lo + (float64(floats.MaxIdx(hist))+0.5)*dm - 0.5
}

// LocalDensities returns, for each row of rows, the density of catalogue
// sources brighter than densMag within radius degrees of the row's
// position, in sources per square degree. The search circle's area is
// clipped to its overlap with rect so sources near the region boundary are
// not diluted. A row whose circle contains no bright neighbour is assigned
// a count of one. The estimate depends only on the full catalogue and the
// rectangle, never on how rows is partitioned into processing tiles.
func LocalDensities(cat *catalogue.Catalogue, rows []int, filter int, densMag, radius float64, rect skygeom.Rect) []float64 {
	idx := catalogue.NewSkyIndex(cat.Pos, func(i int) bool {
		return cat.Valid(i) && cat.Detected(i, filter) && cat.Mags[i][filter] < densMag
	})
	out := make([]float64, len(rows))
	for k, row := range rows {
		p := cat.Pos[row]
		n := 0
		for _, j := range idx.Within(p, radius) {
			if j != row {
				n++
			}
		}
		if n == 0 {
			n = 1
		}
		area := skygeom.CircleRectOverlap(p, radius, rect)
		out[k] = float64(n) / area
	}
	return out
}
