// Package skygeom provides spherical-geometry primitives used throughout the
// cross-match pipeline: great-circle separations, longitude-wrap-aware
// bounding, rectangular sky slices, and circle/rectangle overlap areas.
//
// All coordinates are in degrees. Longitudes ("axis 1") may be Right
// Ascension or Galactic longitude; latitudes ("axis 2") Declination or
// Galactic latitude. The package is frame-agnostic.
package skygeom

import (
	"math"
)

// Point represents a sky position in degrees.
type Point struct {
	Ax1 float64 `json:"ax1"`
	Ax2 float64 `json:"ax2"`
}

// Separation returns the great-circle distance between p and other, in
// degrees, using the haversine formula.
func (p Point) Separation(other Point) float64 {
	lon1, lat1 := p.Ax1*math.Pi/180, p.Ax2*math.Pi/180
	lon2, lat2 := other.Ax1*math.Pi/180, other.Ax2*math.Pi/180

	sdLat := math.Sin((lat2 - lat1) / 2)
	sdLon := math.Sin((lon2 - lon1) / 2)
	h := sdLat*sdLat + math.Cos(lat1)*math.Cos(lat2)*sdLon*sdLon
	return 2 * math.Asin(math.Min(1, math.Sqrt(h))) * 180 / math.Pi
}

// UnitVector returns the Cartesian unit vector of the position, for use in
// chord-distance spatial indexing.
func (p Point) UnitVector() [3]float64 {
	lon, lat := p.Ax1*math.Pi/180, p.Ax2*math.Pi/180
	return [3]float64{
		math.Cos(lat) * math.Cos(lon),
		math.Cos(lat) * math.Sin(lon),
		math.Sin(lat),
	}
}

// ChordLength converts a great-circle angle in degrees to the equivalent
// 3-D chord length between unit vectors. Monotonic in the angle, so chord
// comparisons are equivalent to angular comparisons.
func ChordLength(angleDeg float64) float64 {
	return 2 * math.Sin(angleDeg*math.Pi/360)
}

// NearestPoint returns the index of the candidate point with the smallest
// great-circle distance to p.
func NearestPoint(p Point, candidates []Point) int {
	best := 0
	bestSep := math.Inf(1)
	for i, c := range candidates {
		if sep := p.Separation(c); sep < bestSep {
			bestSep = sep
			best = i
		}
	}
	return best
}

// MinMaxLon returns the minimum and maximum longitude of a set of positions,
// accounting for wrap-around at the 0/360 boundary. If the positions straddle
// the boundary the returned minimum is negative (e.g. 359.5 -> -0.5) so that
// max-min spans the true extent.
func MinMaxLon(lons []float64) (float64, float64) {
	min, max := math.Inf(1), math.Inf(-1)
	for _, l := range lons {
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
	}
	if max-min <= 180 {
		return min, max
	}
	// Straddles 0/360: remap to (-180, 180] and recompute.
	min, max = math.Inf(1), math.Inf(-1)
	for _, l := range lons {
		if l > 180 {
			l -= 360
		}
		if l < min {
			min = l
		}
		if l > max {
			max = l
		}
	}
	return min, max
}
