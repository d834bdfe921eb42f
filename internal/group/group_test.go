package group

import (
	"bytes"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skymatch/internal/catalogue"
	"skymatch/internal/grid"
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

// diracSide wraps a catalogue with a flat (no-perturbation) transform grid
// and references pointing every source at it.
func diracSide(c *catalogue.Catalogue, tbl *hankel.Table) Catalogue {
	g := grid.NewPacked4D(len(tbl.Rho.Centres), 1, 1, 1)
	if err := g.SetVector(0, 0, 0, hankel.FlatFT(tbl.Rho)); err != nil {
		panic(err)
	}
	return Catalogue{Cat: c, Refs: make(grid.RefIndex, c.Len()), Fourier: g}
}

// fixture builds the reference grouping scene: 15 common sources with 0.3
// arcsec offsets, 5 A-only and 4 B-only field sources, one pair separated
// far enough to be resolved apart, one blended triple of two A around one
// B, and one A row with broken astrometry.
func fixture() (a, b *catalogue.Catalogue, common, aOnly, bOnly, resolved, triple []int) {
	a = &catalogue.Catalogue{Filters: []string{"W1"}}
	b = &catalogue.Catalogue{Filters: []string{"W1"}}
	ra := func(entity int) float64 { return 100 + 0.05*float64(entity) }
	const dec = 0.5
	arcsec := 1.0 / 3600

	for e := 0; e < 15; e++ {
		ai := addSource(a, ra(e), dec)
		bi := addSource(b, ra(e)+0.3*arcsec, dec)
		common = append(common, ai, bi)
	}
	for e := 15; e < 20; e++ {
		aOnly = append(aOnly, addSource(a, ra(e), dec))
	}
	for e := 20; e < 24; e++ {
		bOnly = append(bOnly, addSource(b, ra(e), dec))
	}
	// Within the search radius but with virtually all of the convolved
	// envelope inside the separation.
	resolved = append(resolved, addSource(a, ra(24), dec), addSource(b, ra(24)+4*arcsec, dec))
	// Two A sources flanking one B source.
	triple = append(triple,
		addSource(a, ra(25), dec),
		addSource(a, ra(25)+0.7*arcsec, dec),
		addSource(b, ra(25)+0.35*arcsec, dec))

	bad := addSource(a, math.NaN(), math.NaN())
	_ = bad
	return a, b, common, aOnly, bOnly, resolved, triple
}

func groupingTable() *hankel.Table {
	return hankel.NewTable(hankel.NewGrid(10, 1500), hankel.NewGrid(3, 400))
}

func TestIslandsReferenceScene(t *testing.T) {
	aCat, bCat, common, aOnly, bOnly, resolvedPair, triple := fixture()
	tbl := groupingTable()
	isl, err := Make(diracSide(aCat, tbl), diracSide(bCat, tbl), tbl, DefaultParams())
	require.NoError(t, err)

	// 15 matched pairs + 5 + 4 field singletons + 2 resolved singletons
	// + 1 triple island.
	require.Len(t, isl.A, 27)

	find := func(aRow int) int {
		for i, members := range isl.A {
			for _, m := range members {
				if m == aRow {
					return i
				}
			}
		}
		return -1
	}
	for e := 0; e < 15; e++ {
		ai, bi := common[2*e], common[2*e+1]
		i := find(ai)
		require.NotEqual(t, -1, i)
		assert.Equal(t, []int{ai}, isl.A[i])
		assert.Equal(t, []int{bi}, isl.B[i], "common source %d must share an island", e)
		assert.Equal(t, 1, isl.AOverlaps[ai])
		assert.Equal(t, 1, isl.BOverlaps[bi])
	}
	for _, ai := range aOnly {
		i := find(ai)
		assert.Empty(t, isl.B[i], "field source %d must be a singleton", ai)
		assert.Equal(t, 0, isl.AOverlaps[ai])
	}
	for _, bi := range bOnly {
		assert.Equal(t, 0, isl.BOverlaps[bi])
	}

	// The wide pair is within the search radius but resolved apart.
	i := find(resolvedPair[0])
	assert.Empty(t, isl.B[i])
	assert.Equal(t, 0, isl.AOverlaps[resolvedPair[0]])
	assert.Equal(t, 0, isl.BOverlaps[resolvedPair[1]])

	// The triple collapses into one island with both A members.
	ti := find(triple[0])
	assert.Equal(t, ti, find(triple[1]))
	assert.ElementsMatch(t, []int{triple[0], triple[1]}, isl.A[ti])
	assert.Equal(t, []int{triple[2]}, isl.B[ti])
	assert.Equal(t, 1, isl.AOverlaps[triple[0]])
	assert.Equal(t, 1, isl.AOverlaps[triple[1]])
	assert.Equal(t, 2, isl.BOverlaps[triple[2]])

	// The broken-astrometry row is rejected, not islanded.
	require.Len(t, isl.ARejected, 1)
	bad := isl.ARejected[0]
	assert.Equal(t, -1, find(bad))
	assert.Empty(t, isl.BRejected)
}

func TestIslandsPartitionCatalogues(t *testing.T) {
	aCat, bCat, _, _, _, _, _ := fixture()
	tbl := groupingTable()
	isl, err := Make(diracSide(aCat, tbl), diracSide(bCat, tbl), tbl, DefaultParams())
	require.NoError(t, err)

	seenA := map[int]int{}
	for _, members := range isl.A {
		for _, m := range members {
			seenA[m]++
		}
	}
	for _, m := range isl.ARejected {
		seenA[m]++
	}
	require.Len(t, seenA, aCat.Len())
	for row, n := range seenA {
		assert.Equal(t, 1, n, "row %d must appear exactly once", row)
	}

	seenB := map[int]int{}
	for _, members := range isl.B {
		for _, m := range members {
			seenB[m]++
		}
	}
	for _, m := range isl.BRejected {
		seenB[m]++
	}
	require.Len(t, seenB, bCat.Len())
}

func TestMakeValidation(t *testing.T) {
	aCat, bCat, _, _, _, _, _ := fixture()
	tbl := groupingTable()
	p := DefaultParams()
	p.MaxSep = 0
	_, err := Make(diracSide(aCat, tbl), diracSide(bCat, tbl), tbl, p)
	assert.Error(t, err)

	side := diracSide(aCat, tbl)
	side.Refs = side.Refs[:1]
	_, err = Make(side, diracSide(bCat, tbl), tbl, DefaultParams())
	assert.Error(t, err)
}

func TestMakeWarnsOnOversizeIsland(t *testing.T) {
	tbl := groupingTable()
	a := &catalogue.Catalogue{Filters: []string{"W1"}}
	b := &catalogue.Catalogue{Filters: []string{"W1"}}
	addSource(a, 100, 0.5)
	addSource(b, 100+0.3/3600, 0.5)

	var buf bytes.Buffer
	p := DefaultParams()
	p.MaxIslandSize = 1
	p.Log = slog.New(slog.NewTextHandler(&buf, nil))

	isl, err := Make(diracSide(a, tbl), diracSide(b, tbl), tbl, p)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "island exceeds size bound")

	// The bound is diagnostic only; membership is unaffected.
	assert.Equal(t, [][]int{{0}}, isl.A)
	assert.Equal(t, [][]int{{0}}, isl.B)
}
