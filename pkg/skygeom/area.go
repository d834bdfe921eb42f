package skygeom

import (
	"math"

	"gonum.org/v1/gonum/integrate"
)

const pi = math.Pi

func sinDeg(d float64) float64 { return math.Sin(d * pi / 180) }

func cosDeg(d float64) float64 { return math.Cos(d * pi / 180) }

// circleRectSteps is the quadrature resolution for CircleRectOverlap. 512
// panels keeps the relative error below 1e-5 for radii of interest.
const circleRectSteps = 512

// CircleRectOverlap returns the area, in square degrees, of the intersection
// between a circle of the given radius (degrees) centred on p and the
// rectangle r. The local tangent-plane approximation is used, with longitude
// offsets scaled by cos(latitude); search radii in this pipeline are small
// (arcseconds to a fraction of a degree) so curvature terms are negligible.
//
// Used to normalise local-density counts for sources whose search circle
// extends beyond the survey footprint.
func CircleRectOverlap(p Point, radius float64, r Rect) float64 {
	cosLat := cosDeg(p.Ax2)
	// Local flat coordinates relative to the circle centre.
	x0 := (r.Ax1Min - p.Ax1) * cosLat
	x1 := (r.Ax1Max - p.Ax1) * cosLat
	y0 := r.Ax2Min - p.Ax2
	y1 := r.Ax2Max - p.Ax2

	lo := math.Max(x0, -radius)
	hi := math.Min(x1, radius)
	if lo >= hi {
		return 0
	}

	xs := make([]float64, circleRectSteps+1)
	chord := make([]float64, circleRectSteps+1)
	dx := (hi - lo) / circleRectSteps
	for i := range xs {
		x := lo + float64(i)*dx
		xs[i] = x
		half := math.Sqrt(math.Max(0, radius*radius-x*x))
		top := math.Min(half, y1)
		bot := math.Max(-half, y0)
		if top > bot {
			chord[i] = top - bot
		}
	}
	return integrate.Trapezoidal(xs, chord)
}
