// Package grid holds the packed lookup containers the perturbation
// simulation writes and the grouping and pairing stages read: per-(combo,
// filter, tile) value vectors in a single backing array, the per-source
// model reference index, and rectangular cutouts of both for memory-bounded
// chunked processing.
package grid

import (
	"fmt"
)

// Fill pads combo slots beyond a (filter, tile) pair's true combo count.
// It only ever appears in the backing store and on disk; accessors bound
// reads by the recorded lengths so callers never see it.
const Fill = -1

// Packed4D is a ragged (value, combo, filter, tile) array packed into one
// column-major backing slice: the value axis varies fastest, so the vector
// for a given (combo, filter, tile) is contiguous. Element (v, c, f, t)
// lives at v + NVals*(c + MaxCombo*(f + NFilters*t)). Slots with
// c >= ComboCount(f, t) hold Fill.
type Packed4D struct {
	NVals    int
	MaxCombo int
	NFilters int
	NTiles   int
	Data     []float64
	lengths  []int // NFilters * NTiles
}

// NewPacked4D allocates a grid with every slot set to Fill and all combo
// counts zero.
func NewPacked4D(nVals, maxCombo, nFilters, nTiles int) *Packed4D {
	g := &Packed4D{
		NVals:    nVals,
		MaxCombo: maxCombo,
		NFilters: nFilters,
		NTiles:   nTiles,
		Data:     make([]float64, nVals*maxCombo*nFilters*nTiles),
		lengths:  make([]int, nFilters*nTiles),
	}
	for i := range g.Data {
		g.Data[i] = Fill
	}
	return g
}

func (g *Packed4D) base(c, f, t int) int {
	return g.NVals * (c + g.MaxCombo*(f+g.NFilters*t))
}

// ComboCount returns the true number of combos stored for (filter, tile).
func (g *Packed4D) ComboCount(f, t int) int {
	return g.lengths[f+g.NFilters*t]
}

// Vector returns the contiguous value vector for one (combo, filter, tile)
// slot. The slice aliases the backing store; treat it as read-only.
func (g *Packed4D) Vector(c, f, t int) ([]float64, error) {
	if f < 0 || f >= g.NFilters || t < 0 || t >= g.NTiles {
		return nil, fmt.Errorf("grid: slot (filter %d, tile %d) out of range [%d, %d)", f, t, g.NFilters, g.NTiles)
	}
	if n := g.ComboCount(f, t); c < 0 || c >= n {
		return nil, fmt.Errorf("grid: combo %d out of range for filter %d tile %d with %d combos", c, f, t, n)
	}
	b := g.base(c, f, t)
	return g.Data[b : b+g.NVals], nil
}

// SetVector stores vals in slot (c, f, t), growing the recorded combo count
// to include c. Vectors must be written densely from combo 0 upward.
func (g *Packed4D) SetVector(c, f, t int, vals []float64) error {
	if len(vals) != g.NVals {
		return fmt.Errorf("grid: vector length %d does not match value axis %d", len(vals), g.NVals)
	}
	if c < 0 || c >= g.MaxCombo {
		return fmt.Errorf("grid: combo %d out of range [0, %d)", c, g.MaxCombo)
	}
	if n := g.ComboCount(f, t); c > n {
		return fmt.Errorf("grid: combo %d written before combo %d for filter %d tile %d", c, n, f, t)
	}
	copy(g.Data[g.base(c, f, t):], vals)
	if c >= g.ComboCount(f, t) {
		g.lengths[f+g.NFilters*t] = c + 1
	}
	return nil
}

// Lengths returns a copy of the per-(filter, tile) combo counts, indexed
// [filter][tile].
func (g *Packed4D) Lengths() [][]int {
	out := make([][]int, g.NFilters)
	for f := range out {
		out[f] = make([]int, g.NTiles)
		for t := range out[f] {
			out[f][t] = g.ComboCount(f, t)
		}
	}
	return out
}
