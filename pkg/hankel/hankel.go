// Package hankel implements the radially-symmetric PDF transform machinery
// used for astrometric-uncertainty convolution. Two radially-symmetric 2-D
// probability density functions are convolved by multiplying their Hankel
// (order-zero Bessel) transforms, which is far cheaper than direct 2-D
// convolution.
//
// Conventions: a real-space radial PDF p is sampled at the bin centres of a
// Grid and is normalised such that sum_i p_i * 2*pi*r_i*dr_i = 1. Its
// transform is F(rho_j) = sum_i p_i * 2*pi*r_i*dr_i * J0(2*pi*r_i*rho_j),
// so F(0) = 1 and the transform of a delta function is identically 1.
package hankel

import (
	"fmt"
	"math"
)

// Grid is a set of contiguous radial bins. Centres and Widths are derived
// from n+1 evenly spaced Edges; a PDF sampled on the grid has len(Centres)
// elements.
type Grid struct {
	Edges   []float64
	Centres []float64
	Widths  []float64
}

// NewGrid returns a Grid of n bins spanning [0, max].
func NewGrid(max float64, n int) *Grid {
	g := &Grid{
		Edges:   make([]float64, n+1),
		Centres: make([]float64, n),
		Widths:  make([]float64, n),
	}
	step := max / float64(n)
	for i := 0; i <= n; i++ {
		g.Edges[i] = float64(i) * step
	}
	for i := 0; i < n; i++ {
		g.Widths[i] = g.Edges[i+1] - g.Edges[i]
		g.Centres[i] = g.Edges[i] + g.Widths[i]/2
	}
	return g
}

// Bin returns the index of the bin containing x, or -1 when x is outside the
// grid.
func (g *Grid) Bin(x float64) int {
	if x < g.Edges[0] || x >= g.Edges[len(g.Edges)-1] {
		return -1
	}
	i := int(x / (g.Edges[1] - g.Edges[0]))
	if i >= len(g.Centres) {
		i = len(g.Centres) - 1
	}
	return i
}

// Table holds the real-space grid R, the transform-space grid Rho, and the
// precomputed Bessel function values J0[i][j] = J0(2*pi*R_i*Rho_j). The
// table is computed once per cross-match run and shared read-only between
// the AUF simulator, the grouping engine, and the pairing solver.
type Table struct {
	R   *Grid
	Rho *Grid
	J0  [][]float64
}

// NewTable precomputes the Bessel lookup for all r-rho combinations.
func NewTable(r, rho *Grid) *Table {
	t := &Table{R: r, Rho: rho, J0: make([][]float64, len(r.Centres))}
	for i, rc := range r.Centres {
		row := make([]float64, len(rho.Centres))
		for j, pc := range rho.Centres {
			row[j] = math.J0(2 * math.Pi * rc * pc)
		}
		t.J0[i] = row
	}
	return t
}

// Transform computes the Hankel transform of the real-space radial PDF,
// sampled on t.R, returning its values on t.Rho.
func (t *Table) Transform(pdf []float64) ([]float64, error) {
	if len(pdf) != len(t.R.Centres) {
		return nil, fmt.Errorf("hankel: pdf has %d samples, grid has %d bins", len(pdf), len(t.R.Centres))
	}
	out := make([]float64, len(t.Rho.Centres))
	for j := range out {
		var sum float64
		for i, p := range pdf {
			if p == 0 {
				continue
			}
			sum += p * 2 * math.Pi * t.R.Centres[i] * t.R.Widths[i] * t.J0[i][j]
		}
		out[j] = sum
	}
	return out, nil
}

// DensityAt inverts the transform-space function f at radial distance d,
// returning the real-space probability density per unit area.
func (t *Table) DensityAt(f []float64, d float64) float64 {
	var sum float64
	for j, fj := range f {
		rho := t.Rho.Centres[j]
		sum += fj * 2 * math.Pi * rho * t.Rho.Widths[j] * math.J0(2*math.Pi*d*rho)
	}
	return sum
}

// CumulativeAt integrates the real-space PDF corresponding to the
// transform-space function f over the disc of radius d: the probability that
// an offset drawn from the distribution lies within d. The radial integral
// has the closed form int_0^d 2*pi*r*J0(2*pi*r*rho) dr = d*J1(2*pi*rho*d)/rho,
// so the result is a single sum over rho with no real-space discretization.
func (t *Table) CumulativeAt(f []float64, d float64) float64 {
	var cum float64
	for j, fj := range f {
		cum += fj * 2 * math.Pi * t.Rho.Widths[j] * d * math.J1(2*math.Pi*t.Rho.Centres[j]*d)
	}
	return cum
}

// GaussianFT returns the transform-space representation of a circular
// Gaussian of width sigma: exp(-2*pi^2*rho^2*sigma^2). This is the
// centroid-uncertainty component of a source's AUF.
func (t *Table) GaussianFT(sigma float64) []float64 {
	out := make([]float64, len(t.Rho.Centres))
	for j, rho := range t.Rho.Centres {
		out[j] = math.Exp(-2 * math.Pi * math.Pi * rho * rho * sigma * sigma)
	}
	return out
}

// DiracPDF returns the real-space delta-function PDF on grid g: all
// probability mass in the first bin, normalised so the cumulative circular
// integral is one.
func DiracPDF(g *Grid) []float64 {
	pdf := make([]float64, len(g.Centres))
	pdf[0] = 1 / (2 * math.Pi * g.Centres[0] * g.Widths[0])
	return pdf
}

// FlatFT returns the transform-space representation of a delta function: one
// at every sampled frequency, preserving any function it multiplies.
func FlatFT(g *Grid) []float64 {
	out := make([]float64, len(g.Centres))
	for i := range out {
		out[i] = 1
	}
	return out
}

// MultiplyFT multiplies transform-space functions element-wise into a new
// slice; this is convolution of the corresponding real-space PDFs.
func MultiplyFT(fs ...[]float64) []float64 {
	out := make([]float64, len(fs[0]))
	for i := range out {
		out[i] = 1
		for _, f := range fs {
			out[i] *= f[i]
		}
	}
	return out
}
