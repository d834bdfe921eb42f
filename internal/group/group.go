// Package group partitions two catalogues into islands: maximal connected
// clusters of sources whose combined astrometric and perturbation envelopes
// have not yet resolved them as non-matching. Each island is an independent
// sub-problem for the pairing solver, so keeping islands small bounds the
// assignment combinatorics downstream.
package group

import (
	"fmt"
	"log/slog"
	"sort"

	"skymatch/internal/catalogue"
	"skymatch/internal/grid"
	"skymatch/pkg/hankel"
)

// Params configures island construction.
type Params struct {
	// MaxSep is the candidate search radius in arcsec; only pairs within it
	// are ever considered.
	MaxSep float64
	// MaxFrac is the resolution cut: a candidate pair stays connected while
	// the cumulative convolved offset distribution at their separation is
	// below it.
	MaxFrac float64
	// MaxIslandSize flags pathologically over-dense islands with a warning.
	MaxIslandSize int

	Log *slog.Logger
}

// DefaultParams returns the grouping defaults the pipeline runs with.
func DefaultParams() Params {
	return Params{MaxSep: 5, MaxFrac: 0.99, MaxIslandSize: 50}
}

// Catalogue bundles one side's inputs to grouping: the catalogue itself,
// its model reference index, and its assembled transform-space grid.
type Catalogue struct {
	Cat     *catalogue.Catalogue
	Refs    grid.RefIndex
	Fourier *grid.Packed4D
}

// Islands is the grouping result. A and B hold per-island member row lists;
// island i spans A[i] and B[i], either of which may be empty for
// field-source singletons. AOverlaps and BOverlaps count each source's
// candidate edges (zero for rejected rows). ARejected and BRejected list
// rows excluded before grouping for invalid astrometry.
type Islands struct {
	A [][]int
	B [][]int

	AOverlaps []int
	BOverlaps []int

	ARejected []int
	BRejected []int
}

// Make builds the islands of a and b. Candidate pairs come from a spatial
// radius query; a candidate edge survives while the convolution of the two
// sources' perturbation transforms with their centroid Gaussians, integrated
// out to the observed separation, holds less than MaxFrac of its mass.
func Make(a, b Catalogue, tbl *hankel.Table, p Params) (*Islands, error) {
	if p.MaxSep <= 0 || p.MaxFrac <= 0 || p.MaxFrac > 1 {
		return nil, fmt.Errorf("group: MaxSep %v and MaxFrac %v out of range", p.MaxSep, p.MaxFrac)
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	na, nb := a.Cat.Len(), b.Cat.Len()
	if len(a.Refs) != na || len(b.Refs) != nb {
		return nil, fmt.Errorf("group: reference index length mismatch: %d/%d vs %d/%d",
			len(a.Refs), na, len(b.Refs), nb)
	}

	isl := &Islands{
		AOverlaps: make([]int, na),
		BOverlaps: make([]int, nb),
	}
	for i := 0; i < na; i++ {
		if !a.Cat.Valid(i) {
			isl.ARejected = append(isl.ARejected, i)
		}
	}
	for i := 0; i < nb; i++ {
		if !b.Cat.Valid(i) {
			isl.BRejected = append(isl.BRejected, i)
		}
	}

	bIndex := catalogue.NewSkyIndex(b.Cat.Pos, b.Cat.Valid)
	uf := newUnionFind(na + nb)

	aFT := newFTCache(a, tbl)
	bFT := newFTCache(b, tbl)

	for i := 0; i < na; i++ {
		if !a.Cat.Valid(i) {
			continue
		}
		fa, err := aFT.get(i)
		if err != nil {
			return nil, err
		}
		for _, j := range bIndex.Within(a.Cat.Pos[i], p.MaxSep/3600) {
			fb, err := bFT.get(j)
			if err != nil {
				return nil, err
			}
			sep := a.Cat.Pos[i].Separation(b.Cat.Pos[j]) * 3600
			if tbl.CumulativeAt(hankel.MultiplyFT(fa, fb), sep) >= p.MaxFrac {
				// Enough of the combined envelope lies inside the observed
				// separation: the pair is resolved as non-matching.
				continue
			}
			isl.AOverlaps[i]++
			isl.BOverlaps[j]++
			uf.union(i, na+j)
		}
	}

	members := map[int][]int{}
	for i := 0; i < na; i++ {
		if a.Cat.Valid(i) {
			r := uf.find(i)
			members[r] = append(members[r], i)
		}
	}
	for j := 0; j < nb; j++ {
		if b.Cat.Valid(j) {
			r := uf.find(na + j)
			members[r] = append(members[r], na+j)
		}
	}
	roots := make([]int, 0, len(members))
	for r := range members {
		roots = append(roots, r)
	}
	sort.Ints(roots)
	for _, r := range roots {
		var av, bv []int
		for _, m := range members[r] {
			if m < na {
				av = append(av, m)
			} else {
				bv = append(bv, m-na)
			}
		}
		if len(av)+len(bv) > p.MaxIslandSize {
			log.Warn("island exceeds size bound, possible pathological over-density",
				"a_members", len(av), "b_members", len(bv), "bound", p.MaxIslandSize)
		}
		isl.A = append(isl.A, av)
		isl.B = append(isl.B, bv)
	}
	return isl, nil
}

// ftCache lazily materialises each source's combined transform: its
// perturbation component from the grid times its centroid Gaussian.
type ftCache struct {
	side Catalogue
	tbl  *hankel.Table
	fts  [][]float64
}

func newFTCache(side Catalogue, tbl *hankel.Table) *ftCache {
	return &ftCache{side: side, tbl: tbl, fts: make([][]float64, side.Cat.Len())}
}

func (c *ftCache) get(i int) ([]float64, error) {
	if c.fts[i] != nil {
		return c.fts[i], nil
	}
	r := c.side.Refs[i]
	perturb, err := c.side.Fourier.Vector(r.Combo, r.Filter, r.Tile)
	if err != nil {
		return nil, fmt.Errorf("group: source %d: %w", i, err)
	}
	c.fts[i] = hankel.MultiplyFT(perturb, c.tbl.GaussianFT(c.side.Cat.PosErr[i]))
	return c.fts[i], nil
}

// unionFind is a standard disjoint-set forest with path halving and union
// by size.
type unionFind struct {
	parent []int
	size   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), size: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
		uf.size[i] = 1
	}
	return uf
}

func (u *unionFind) find(x int) int {
	for u.parent[x] != x {
		u.parent[x] = u.parent[u.parent[x]]
		x = u.parent[x]
	}
	return x
}

func (u *unionFind) union(x, y int) {
	rx, ry := u.find(x), u.find(y)
	if rx == ry {
		return
	}
	if u.size[rx] < u.size[ry] {
		rx, ry = ry, rx
	}
	u.parent[ry] = rx
	u.size[rx] += u.size[ry]
}
