package skygeom

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeparation(t *testing.T) {
	a := Point{Ax1: 10, Ax2: 0}
	b := Point{Ax1: 11, Ax2: 0}
	assert.InDelta(t, 1, a.Separation(b), 1e-10)

	// At dec=60 a degree of RA is half a degree on the sky.
	c := Point{Ax1: 10, Ax2: 60}
	d := Point{Ax1: 11, Ax2: 60}
	assert.InDelta(t, 0.5, c.Separation(d), 1e-3)

	assert.Equal(t, 0.0, a.Separation(a))
}

func TestChordLength(t *testing.T) {
	// Small angles: chord ~ angle in radians.
	assert.InDelta(t, 1.0/3600*math.Pi/180, ChordLength(1.0/3600), 1e-12)
	assert.InDelta(t, 2, ChordLength(180), 1e-12)
}

func TestNearestPoint(t *testing.T) {
	tiles := []Point{{Ax1: 100, Ax2: 0}, {Ax1: 105, Ax2: 0}, {Ax1: 110, Ax2: 0}}
	assert.Equal(t, 0, NearestPoint(Point{Ax1: 101, Ax2: 0.5}, tiles))
	assert.Equal(t, 1, NearestPoint(Point{Ax1: 104.9, Ax2: -1}, tiles))
	assert.Equal(t, 2, NearestPoint(Point{Ax1: 112, Ax2: 2}, tiles))
}

func TestMinMaxLon(t *testing.T) {
	min, max := MinMaxLon([]float64{10, 20, 30})
	assert.Equal(t, 10.0, min)
	assert.Equal(t, 30.0, max)

	// Wrap-around at 0/360.
	min, max = MinMaxLon([]float64{359.5, 0.5, 1.0})
	assert.InDelta(t, -0.5, min, 1e-12)
	assert.InDelta(t, 1.0, max, 1e-12)
}

func TestRectContainsPadding(t *testing.T) {
	r := Rect{Ax1Min: 40, Ax1Max: 60, Ax2Min: 40, Ax2Max: 60}

	inside := Point{Ax1: 50, Ax2: 50}
	nearEdge := Point{Ax1: 39.98, Ax2: 43}
	farOut := Point{Ax1: 10, Ax2: 10}

	assert.True(t, r.Contains(inside, 0))
	assert.False(t, r.Contains(nearEdge, 0))
	assert.True(t, r.Contains(nearEdge, 0.1))
	assert.False(t, r.Contains(farOut, 0.1))

	// Monotonic in padding: anything inside at p1 stays inside at p2 > p1.
	for _, p := range []Point{inside, nearEdge, farOut} {
		if r.Contains(p, 0.05) {
			assert.True(t, r.Contains(p, 0.5))
		}
	}
}

func TestRectArea(t *testing.T) {
	// A 1x1 degree box at the equator is very nearly 1 sq deg.
	r := Rect{Ax1Min: 0, Ax1Max: 1, Ax2Min: -0.5, Ax2Max: 0.5}
	assert.InDelta(t, 1, r.Area(), 1e-4)
}

func TestCircleRectOverlap(t *testing.T) {
	r := Rect{Ax1Min: 0, Ax1Max: 10, Ax2Min: -5, Ax2Max: 5}

	// Fully inside: full circle area.
	a := CircleRectOverlap(Point{Ax1: 5, Ax2: 0}, 0.5, r)
	assert.InDelta(t, math.Pi*0.25, a, 1e-4)

	// Centred on an edge: half the circle.
	a = CircleRectOverlap(Point{Ax1: 0, Ax2: 0}, 0.5, r)
	assert.InDelta(t, math.Pi*0.25/2, a, 1e-4)

	// Centred on a corner: a quarter.
	a = CircleRectOverlap(Point{Ax1: 0, Ax2: 5}, 0.5, r)
	assert.InDelta(t, math.Pi*0.25/4, a, 1e-4)

	// Entirely outside.
	a = CircleRectOverlap(Point{Ax1: 20, Ax2: 0}, 0.5, r)
	assert.Equal(t, 0.0, a)
}

func TestBoundingRect(t *testing.T) {
	pts := []Point{{Ax1: 100, Ax2: -2}, {Ax1: 110, Ax2: 3}, {Ax1: 105, Ax2: 0}}
	r := BoundingRect(pts)
	assert.Equal(t, Rect{Ax1Min: 100, Ax1Max: 110, Ax2Min: -2, Ax2Max: 3}, r)
}
