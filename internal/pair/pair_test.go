package pair

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skymatch/internal/auf"
	"skymatch/internal/catalogue"
	"skymatch/internal/grid"
	"skymatch/internal/group"
	"skymatch/pkg/hankel"
	"skymatch/pkg/skygeom"
)

func addSource(c *catalogue.Catalogue, ax1, ax2 float64) int {
	c.Pos = append(c.Pos, skygeom.Point{Ax1: ax1, Ax2: ax2})
	c.PosErr = append(c.PosErr, 0.5)
	c.Mags = append(c.Mags, []float64{14})
	c.MagErrs = append(c.MagErrs, []float64{0.05})
	c.MagRef = append(c.MagRef, 0)
	return len(c.Pos) - 1
}

// diracSide wraps a catalogue with flat perturbation grids and fixed
// contamination values.
func diracSide(c *catalogue.Catalogue, tbl *hankel.Table, fracs []float64, flux float64) Side {
	g := &auf.Grids{
		Fourier: grid.NewPacked4D(len(tbl.Rho.Centres), 1, 1, 1),
		Frac:    grid.NewPacked4D(len(fracs), 1, 1, 1),
		Flux:    grid.NewPacked4D(1, 1, 1, 1),
	}
	if err := g.Fourier.SetVector(0, 0, 0, hankel.FlatFT(tbl.Rho)); err != nil {
		panic(err)
	}
	if err := g.Frac.SetVector(0, 0, 0, fracs); err != nil {
		panic(err)
	}
	if err := g.Flux.SetVector(0, 0, 0, []float64{flux}); err != nil {
		panic(err)
	}
	return Side{Cat: c, Refs: make(grid.RefIndex, c.Len()), Grids: g}
}

func pairingTable() *hankel.Table {
	return hankel.NewTable(hankel.NewGrid(10, 1500), hankel.NewGrid(3, 400))
}

// analytic match posterior of an isolated pair under uniform photometry:
// both centroid errors 0.5 arcsec, no perturbation.
func pairPosterior(sep, nc, nfa, nfb float64) float64 {
	sigma2 := 0.5
	g := math.Exp(-sep*sep/(2*sigma2)) / (2 * math.Pi * sigma2)
	match := nc * g
	return match / (match + nfa*nfb)
}

func TestIsolatedPairPosterior(t *testing.T) {
	a := &catalogue.Catalogue{Filters: []string{"W1"}}
	b := &catalogue.Catalogue{Filters: []string{"W1"}}
	addSource(a, 100, 0.5)
	addSource(b, 100+0.3/3600, 0.5)
	tbl := pairingTable()

	isl := &group.Islands{A: [][]int{{0}}, B: [][]int{{0}}, AOverlaps: []int{1}, BOverlaps: []int{1}}
	res, err := Solve(context.Background(), isl, diracSide(a, tbl, []float64{0.1, 0.2}, 0.07),
		diracSide(b, tbl, []float64{0.3, 0.4}, 0.02), tbl, DefaultParams())
	require.NoError(t, err)

	require.Len(t, res.Counterparts, 1)
	c := res.Counterparts[0]
	assert.Equal(t, 0, c.A)
	assert.Equal(t, 0, c.B)
	assert.InDelta(t, 0.3, c.Sep, 1e-3)
	assert.InDelta(t, pairPosterior(0.3, 1e-3, 1e-3, 1e-3), c.Prob, 0.02)
	// Uniform tables: eta reduces to the prior ratio.
	assert.InDelta(t, 3, c.Eta, 1e-9)
	assert.Greater(t, c.Xi, 0.0)
	assert.Equal(t, []float64{0.1, 0.2}, c.AContamProb)
	assert.Equal(t, []float64{0.3, 0.4}, c.BContamProb)
	assert.InDelta(t, 0.07, c.AContamFlux, 1e-12)
	assert.InDelta(t, 0.02, c.BContamFlux, 1e-12)
	assert.Empty(t, res.AField)
	assert.Empty(t, res.BField)
	assert.Empty(t, res.Warnings)
}

func TestOneToTwoIslandPosteriors(t *testing.T) {
	a := &catalogue.Catalogue{Filters: []string{"W1"}}
	b := &catalogue.Catalogue{Filters: []string{"W1"}}
	addSource(a, 100, 0.5)
	addSource(b, 100+0.3/3600, 0.5)
	addSource(b, 100+0.6/3600, 0.5)
	tbl := pairingTable()

	isl := &group.Islands{A: [][]int{{0}}, B: [][]int{{0, 1}}, AOverlaps: []int{2}, BOverlaps: []int{1, 1}}
	res, err := Solve(context.Background(), isl, diracSide(a, tbl, []float64{0}, 0),
		diracSide(b, tbl, []float64{0}, 0), tbl, DefaultParams())
	require.NoError(t, err)

	// Hand-computed three-hypothesis posterior.
	sigma2 := 0.5
	gAt := func(sep float64) float64 {
		return math.Exp(-sep*sep/(2*sigma2)) / (2 * math.Pi * sigma2)
	}
	w0 := 1e-3 * 1e-3 * 1e-3
	w1 := 1e-3 * gAt(0.3) * 1e-3
	w2 := 1e-3 * gAt(0.6) * 1e-3
	total := w0 + w1 + w2

	require.Len(t, res.Counterparts, 1)
	c := res.Counterparts[0]
	assert.Equal(t, 0, c.B, "the closer source wins the assignment")
	assert.InDelta(t, w1/total, c.Prob, 0.02)

	require.Len(t, res.BField, 1)
	assert.Equal(t, 1, res.BField[0].Row)
	assert.InDelta(t, (w0+w1)/total, res.BField[0].Prob, 0.02)
	assert.Empty(t, res.AField)
}

func TestSolveAccountingWarning(t *testing.T) {
	a := &catalogue.Catalogue{Filters: []string{"W1"}}
	b := &catalogue.Catalogue{Filters: []string{"W1"}}
	addSource(a, 100, 0.5)
	addSource(a, 100.05, 0.5)
	addSource(b, 100.1, 0.5)
	tbl := pairingTable()

	// Partition that never mentions the lone b source. The a side still
	// tiles exactly, so only b trips the check.
	isl := &group.Islands{A: [][]int{{0}, {1}}, B: [][]int{nil, nil}}

	var buf bytes.Buffer
	p := DefaultParams()
	p.Log = slog.New(slog.NewTextHandler(&buf, nil))
	res, err := Solve(context.Background(), isl, diracSide(a, tbl, []float64{0}, 0),
		diracSide(b, tbl, []float64{0}, 0), tbl, p)
	require.NoError(t, err)

	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "catalogue b accounting mismatch")
	assert.Contains(t, buf.String(), "pairing accounting mismatch")

	// The mismatch is diagnostic only; well-formed islands still resolve.
	assert.Len(t, res.AField, 2)
	assert.Empty(t, res.Counterparts)
}

func TestGreedyFallback(t *testing.T) {
	a := &catalogue.Catalogue{Filters: []string{"W1"}}
	b := &catalogue.Catalogue{Filters: []string{"W1"}}
	addSource(a, 100, 0.5)
	addSource(b, 100+0.3/3600, 0.5)
	tbl := pairingTable()

	p := DefaultParams()
	p.MaxEnum = 1
	isl := &group.Islands{A: [][]int{{0}}, B: [][]int{{0}}, AOverlaps: []int{1}, BOverlaps: []int{1}}
	res, err := Solve(context.Background(), isl, diracSide(a, tbl, []float64{0}, 0), diracSide(b, tbl, []float64{0}, 0), tbl, p)
	require.NoError(t, err)
	require.Len(t, res.Counterparts, 1)
	assert.InDelta(t, pairPosterior(0.3, 1e-3, 1e-3, 1e-3), res.Counterparts[0].Prob, 0.02)
}

// endToEnd runs grouping and pairing over a scene with 15 offset common
// sources, field sources on both sides, and one blended triple.
func TestEndToEndPartition(t *testing.T) {
	a := &catalogue.Catalogue{Filters: []string{"W1"}}
	b := &catalogue.Catalogue{Filters: []string{"W1"}}
	ra := func(e int) float64 { return 100 + 0.05*float64(e) }
	arcsec := 1.0 / 3600
	var commonA, commonB []int
	for e := 0; e < 15; e++ {
		commonA = append(commonA, addSource(a, ra(e), 0.5))
		commonB = append(commonB, addSource(b, ra(e)+0.3*arcsec, 0.5))
	}
	for e := 15; e < 20; e++ {
		addSource(a, ra(e), 0.5)
	}
	for e := 20; e < 24; e++ {
		addSource(b, ra(e), 0.5)
	}
	tripleA1 := addSource(a, ra(25), 0.5)
	tripleA2 := addSource(a, ra(25)+0.7*arcsec, 0.5)
	addSource(b, ra(25)+0.35*arcsec, 0.5)
	badRow := addSource(a, math.NaN(), math.NaN())

	tbl := pairingTable()
	aGrp := group.Catalogue{Cat: a, Refs: make(grid.RefIndex, a.Len())}
	bGrp := group.Catalogue{Cat: b, Refs: make(grid.RefIndex, b.Len())}
	aSide := diracSide(a, tbl, []float64{0.1}, 0.01)
	bSide := diracSide(b, tbl, []float64{0.1}, 0.01)
	aGrp.Fourier = aSide.Grids.Fourier
	bGrp.Fourier = bSide.Grids.Fourier

	isl, err := group.Make(aGrp, bGrp, tbl, group.DefaultParams())
	require.NoError(t, err)
	p := DefaultParams()
	p.Workers = 3
	res, err := Solve(context.Background(), isl, aSide, bSide, tbl, p)
	require.NoError(t, err)

	serial, err := Solve(context.Background(), isl, aSide, bSide, tbl, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, serial, res, "pool size must not change results")

	// Every common pair must be recovered confidently.
	matched := map[int]int{}
	for _, c := range res.Counterparts {
		matched[c.A] = c.B
		if c.A != tripleA1 && c.A != tripleA2 {
			assert.Greater(t, c.Prob, 0.9)
		}
	}
	for e := range commonA {
		bi, ok := matched[commonA[e]]
		require.True(t, ok, "common source %d unmatched", e)
		assert.Equal(t, commonB[e], bi)
	}

	// Partition invariant: counterparts + field + rejected tile each
	// catalogue exactly, with no duplicates.
	seenA := map[int]bool{}
	for _, c := range res.Counterparts {
		require.False(t, seenA[c.A])
		seenA[c.A] = true
	}
	for _, f := range res.AField {
		require.False(t, seenA[f.Row])
		seenA[f.Row] = true
	}
	for _, r := range res.ARejected {
		require.False(t, seenA[r])
		seenA[r] = true
	}
	assert.Len(t, seenA, a.Len())

	seenB := map[int]bool{}
	for _, c := range res.Counterparts {
		require.False(t, seenB[c.B])
		seenB[c.B] = true
	}
	for _, f := range res.BField {
		require.False(t, seenB[f.Row])
		seenB[f.Row] = true
	}
	for _, r := range res.BRejected {
		require.False(t, seenB[r])
		seenB[r] = true
	}
	assert.Len(t, seenB, b.Len())

	assert.Contains(t, res.ARejected, badRow)
	assert.Empty(t, res.Warnings)
}
