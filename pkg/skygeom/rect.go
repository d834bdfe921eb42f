package skygeom

// Rect is a rectangular sky region [Ax1Min, Ax1Max] x [Ax2Min, Ax2Max] in
// degrees, rectangular in the coordinate axes themselves (i.e. a
// longitude/latitude box, not an equal-area projection).
type Rect struct {
	Ax1Min float64 `json:"ax1_min"`
	Ax1Max float64 `json:"ax1_max"`
	Ax2Min float64 `json:"ax2_min"`
	Ax2Max float64 `json:"ax2_max"`
}

// Contains reports whether p lies within the rectangle expanded by pad
// degrees on every side. Longitude padding is scaled by sec(latitude) so the
// padding is a true on-sky distance; latitude padding is applied directly.
// Monotonic in pad: a larger padding never excludes a point a smaller one
// included.
func (r Rect) Contains(p Point, pad float64) bool {
	if p.Ax2 < r.Ax2Min-pad || p.Ax2 > r.Ax2Max+pad {
		return false
	}
	lonPad := pad / cosDeg(p.Ax2)
	lon := p.Ax1
	// Allow for boxes defined across the 0/360 wrap (Ax1Min negative).
	if r.Ax1Min < 0 && lon > 180 {
		lon -= 360
	}
	return lon >= r.Ax1Min-lonPad && lon <= r.Ax1Max+lonPad
}

// Area returns the spherical area of the rectangle in square degrees.
func (r Rect) Area() float64 {
	return (r.Ax1Max - r.Ax1Min) * (sinDeg(r.Ax2Max) - sinDeg(r.Ax2Min)) * 180 / pi
}

// BoundingRect returns the smallest Rect containing every position, with
// longitude wrap handled by MinMaxLon.
func BoundingRect(points []Point) Rect {
	lons := make([]float64, len(points))
	r := Rect{Ax2Min: 91, Ax2Max: -91}
	for i, p := range points {
		lons[i] = p.Ax1
		if p.Ax2 < r.Ax2Min {
			r.Ax2Min = p.Ax2
		}
		if p.Ax2 > r.Ax2Max {
			r.Ax2Max = p.Ax2
		}
	}
	r.Ax1Min, r.Ax1Max = MinMaxLon(lons)
	return r
}
