// Package catalogue holds the in-memory representation of a photometric
// catalogue and the cutout-file interface used to feed the cross-match
// pipeline. Catalogues are immutable once loaded; they are produced by an
// external catalogue-preparation step and consumed read-only here.
package catalogue

import (
	"fmt"
	"math"

	"skymatch/pkg/skygeom"
)

// Catalogue is an ordered set of sources. All slices have the same length;
// Mags and MagErrs are indexed [source][filter], with NaN marking a
// non-detection in that filter. PosErr is the circular-Gaussian positional
// uncertainty in arcseconds. MagRef gives the index of the "best" filter
// for each source.
type Catalogue struct {
	Pos     []skygeom.Point
	PosErr  []float64
	Mags    [][]float64
	MagErrs [][]float64
	MagRef  []int
	Filters []string
}

// Len returns the number of sources.
func (c *Catalogue) Len() int { return len(c.Pos) }

// NFilters returns the number of photometric bands.
func (c *Catalogue) NFilters() int { return len(c.Filters) }

// Valid reports whether source i carries usable astrometry: finite position
// and a positive positional uncertainty. Invalid sources are rejected before
// grouping and counted in the rejection totals.
func (c *Catalogue) Valid(i int) bool {
	p := c.Pos[i]
	return !math.IsNaN(p.Ax1) && !math.IsNaN(p.Ax2) && c.PosErr[i] > 0
}

// Detected reports whether source i has a measured magnitude in filter f.
func (c *Catalogue) Detected(i, f int) bool {
	return !math.IsNaN(c.Mags[i][f])
}

// Validate checks internal consistency of the slice lengths and reference
// indices.
func (c *Catalogue) Validate() error {
	n := len(c.Pos)
	if len(c.PosErr) != n || len(c.Mags) != n || len(c.MagErrs) != n || len(c.MagRef) != n {
		return fmt.Errorf("catalogue: mismatched column lengths (pos=%d poserr=%d mags=%d magerrs=%d magref=%d)",
			n, len(c.PosErr), len(c.Mags), len(c.MagErrs), len(c.MagRef))
	}
	nf := c.NFilters()
	for i := 0; i < n; i++ {
		if len(c.Mags[i]) != nf || len(c.MagErrs[i]) != nf {
			return fmt.Errorf("catalogue: source %d has %d magnitudes, catalogue has %d filters", i, len(c.Mags[i]), nf)
		}
		if c.MagRef[i] < 0 || c.MagRef[i] >= nf {
			return fmt.Errorf("catalogue: source %d best-filter index %d out of range [0,%d)", i, c.MagRef[i], nf)
		}
	}
	return nil
}

// Slice returns the subset of c whose positions fall inside rect expanded by
// pad degrees, along with the original row indices of the kept sources. Row
// order is preserved, and the result is independent of any prior ordering
// operations on equal inputs.
func (c *Catalogue) Slice(rect skygeom.Rect, pad float64) (*Catalogue, []int) {
	var idx []int
	for i, p := range c.Pos {
		if rect.Contains(p, pad) {
			idx = append(idx, i)
		}
	}
	out := &Catalogue{
		Pos:     make([]skygeom.Point, len(idx)),
		PosErr:  make([]float64, len(idx)),
		Mags:    make([][]float64, len(idx)),
		MagErrs: make([][]float64, len(idx)),
		MagRef:  make([]int, len(idx)),
		Filters: c.Filters,
	}
	for j, i := range idx {
		out.Pos[j] = c.Pos[i]
		out.PosErr[j] = c.PosErr[i]
		out.Mags[j] = c.Mags[i]
		out.MagErrs[j] = c.MagErrs[i]
		out.MagRef[j] = c.MagRef[i]
	}
	return out, idx
}
