// Package pair solves the per-island counterpart assignment problem: given
// islands of mutually unresolved sources, it weighs every one-to-one
// matching hypothesis with astrometric convolution likelihoods and
// photometric likelihood tables, classifying each source as a counterpart
// or a field source with a Bayesian posterior.
package pair

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"skymatch/internal/auf"
	"skymatch/internal/catalogue"
	"skymatch/internal/grid"
	"skymatch/internal/group"
	"skymatch/pkg/hankel"
)

// Side bundles one catalogue's pairing inputs: the catalogue, its model
// reference index and the assembled perturbation grids.
type Side struct {
	Cat   *catalogue.Catalogue
	Refs  grid.RefIndex
	Grids *auf.Grids
}

// Params configures the solver.
type Params struct {
	Like PhotLike
	// MaxEnum bounds exhaustive hypothesis enumeration: islands with more
	// members fall back to greedy best-pair selection with pairwise
	// posteriors.
	MaxEnum int
	// Workers sizes the island worker pool; islands are independent
	// sub-problems so they solve concurrently.
	Workers int

	Log *slog.Logger
}

// DefaultParams returns the solver defaults.
func DefaultParams() Params {
	return Params{Like: Uniform(1e-3, 1e-3, 1e-3), MaxEnum: 10, Workers: 1}
}

// Counterpart records one matched pair.
type Counterpart struct {
	A, B int
	// Prob is the posterior probability, over all island hypotheses, that
	// this pair is matched.
	Prob float64
	// Sep is the observed separation in arcsec.
	Sep float64
	// Eta and Xi are the photometric and astrometric log-likelihood-ratio
	// diagnostics of the pair.
	Eta float64
	Xi  float64
	// Contamination probabilities per relative-flux cut, and expected
	// contaminating flux, for each side.
	AContamProb []float64
	BContamProb []float64
	AContamFlux float64
	BContamFlux float64
}

// Field records an unmatched source with its posterior and its expected
// contaminating flux.
type Field struct {
	Row        int
	Prob       float64
	ContamFlux float64
}

// Results partitions both catalogues: every row lands in exactly one of
// counterparts, field, or rejected. Warnings carries non-fatal accounting
// diagnostics.
type Results struct {
	Counterparts []Counterpart
	AField       []Field
	BField       []Field
	ARejected    []int
	BRejected    []int
	Warnings     []string
}

// Solve pairs the islands of a and b. Islands are solved concurrently on a
// pool of Workers goroutines; results merge back in island order, so the
// output is deterministic regardless of pool size.
func Solve(ctx context.Context, isl *group.Islands, a, b Side, tbl *hankel.Table, p Params) (*Results, error) {
	if p.MaxEnum <= 0 {
		p.MaxEnum = 10
	}
	if p.Workers < 1 {
		p.Workers = 1
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}

	nShards := p.Workers
	if n := len(isl.A); n < nShards {
		nShards = n
	}
	shardRes := make([]*Results, nShards)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.Workers)
	chunk := 0
	if nShards > 0 {
		chunk = (len(isl.A) + nShards - 1) / nShards
	}
	for sh := 0; sh < nShards; sh++ {
		sh := sh
		g.Go(func() error {
			lo := sh * chunk
			hi := lo + chunk
			if hi > len(isl.A) {
				hi = len(isl.A)
			}
			r := &Results{}
			s := &solver{a: a, b: b, tbl: tbl, p: p}
			for i := lo; i < hi; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := s.island(isl.A[i], isl.B[i], r); err != nil {
					return fmt.Errorf("pairing island %d: %w", i, err)
				}
			}
			shardRes[sh] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Results{
		ARejected: append([]int(nil), isl.ARejected...),
		BRejected: append([]int(nil), isl.BRejected...),
	}
	for _, r := range shardRes {
		res.Counterparts = append(res.Counterparts, r.Counterparts...)
		res.AField = append(res.AField, r.AField...)
		res.BField = append(res.BField, r.BField...)
	}

	// Post-hoc accounting: small bookkeeping slips should surface without
	// discarding every other island's results.
	checkCounts(res, len(res.Counterparts)+len(res.AField)+len(res.ARejected), a.Cat.Len(), "a", log)
	checkCounts(res, len(res.Counterparts)+len(res.BField)+len(res.BRejected), b.Cat.Len(), "b", log)
	return res, nil
}

func checkCounts(res *Results, got, want int, side string, log *slog.Logger) {
	if got == want {
		return
	}
	w := fmt.Sprintf("catalogue %s accounting mismatch: counterparts + field + rejected = %d, catalogue length %d", side, got, want)
	res.Warnings = append(res.Warnings, w)
	log.Warn("pairing accounting mismatch", "side", side, "accounted", got, "length", want)
}

type solver struct {
	a, b Side
	tbl  *hankel.Table
	p    Params
}

// pairScore carries the per-hypothesis terms of one candidate pair.
type pairScore struct {
	logMatch float64
	sep      float64
	eta, xi  float64
}

func (s *solver) island(aRows, bRows []int, res *Results) error {
	m, n := len(aRows), len(bRows)
	if m == 0 && n == 0 {
		return nil
	}

	logFieldA := make([]float64, m)
	for i, row := range aRows {
		logFieldA[i] = math.Log(s.p.Like.NFA * s.p.Like.faAt(s.refMag(s.a, row)))
	}
	logFieldB := make([]float64, n)
	for j, row := range bRows {
		logFieldB[j] = math.Log(s.p.Like.NFB * s.p.Like.fbAt(s.refMag(s.b, row)))
	}

	scores := make([][]pairScore, m)
	for i, aRow := range aRows {
		scores[i] = make([]pairScore, n)
		fa, err := sourceFT(s.a, aRow, s.tbl)
		if err != nil {
			return err
		}
		for j, bRow := range bRows {
			fb, err := sourceFT(s.b, bRow, s.tbl)
			if err != nil {
				return err
			}
			sep := s.a.Cat.Pos[aRow].Separation(s.b.Cat.Pos[bRow]) * 3600
			g := s.tbl.DensityAt(hankel.MultiplyFT(fa, fb), sep)
			if g < densityFloor {
				g = densityFloor
			}
			ma, mb := s.refMag(s.a, aRow), s.refMag(s.b, bRow)
			c := s.p.Like.cAt(ma, mb)
			faDens := s.p.Like.NFA * s.p.Like.faAt(ma)
			fbDens := s.p.Like.NFB * s.p.Like.fbAt(mb)
			rMax := s.tbl.R.Edges[len(s.tbl.R.Edges)-1]
			scores[i][j] = pairScore{
				logMatch: math.Log(s.p.Like.NC * g * c),
				sep:      sep,
				eta:      math.Log10(s.p.Like.NC * c / (faDens * fbDens)),
				xi:       math.Log10(g * math.Pi * rMax * rMax),
			}
		}
	}

	if m+n <= s.p.MaxEnum {
		s.enumerate(aRows, bRows, scores, logFieldA, logFieldB, res)
		return s.appendContam(res)
	}
	s.greedy(aRows, bRows, scores, logFieldA, logFieldB, res)
	return s.appendContam(res)
}

// enumerate weighs every one-to-one partial assignment of the island.
func (s *solver) enumerate(aRows, bRows []int, scores [][]pairScore, logFieldA, logFieldB []float64, res *Results) {
	m, n := len(aRows), len(bRows)

	type hypothesis struct {
		ll    float64
		pairs []int // per A member: B member index or -1
	}
	var hyps []hypothesis
	usedB := make([]bool, n)
	pairs := make([]int, m)

	var walk func(i int, ll float64)
	walk = func(i int, ll float64) {
		if i == m {
			total := ll
			for j := 0; j < n; j++ {
				if !usedB[j] {
					total += logFieldB[j]
				}
			}
			hyps = append(hyps, hypothesis{ll: total, pairs: append([]int(nil), pairs...)})
			return
		}
		pairs[i] = -1
		walk(i+1, ll+logFieldA[i])
		for j := 0; j < n; j++ {
			if usedB[j] {
				continue
			}
			usedB[j] = true
			pairs[i] = j
			walk(i+1, ll+scores[i][j].logMatch)
			usedB[j] = false
		}
		pairs[i] = -1
	}
	walk(0, 0)

	maxLL := math.Inf(-1)
	best := 0
	for k, h := range hyps {
		if h.ll > maxLL {
			maxLL = h.ll
			best = k
		}
	}
	var total float64
	pairPost := make([][]float64, m)
	for i := range pairPost {
		pairPost[i] = make([]float64, n)
	}
	aFieldPost := make([]float64, m)
	bFieldPost := make([]float64, n)
	for _, h := range hyps {
		w := math.Exp(h.ll - maxLL)
		total += w
		matchedB := make([]bool, n)
		for i, j := range h.pairs {
			if j >= 0 {
				pairPost[i][j] += w
				matchedB[j] = true
			} else {
				aFieldPost[i] += w
			}
		}
		for j := 0; j < n; j++ {
			if !matchedB[j] {
				bFieldPost[j] += w
			}
		}
	}

	for i, j := range hyps[best].pairs {
		if j >= 0 {
			sc := scores[i][j]
			res.Counterparts = append(res.Counterparts, Counterpart{
				A: aRows[i], B: bRows[j],
				Prob: pairPost[i][j] / total,
				Sep:  sc.sep, Eta: sc.eta, Xi: sc.xi,
			})
		} else {
			res.AField = append(res.AField, Field{Row: aRows[i], Prob: aFieldPost[i] / total})
		}
	}
	matchedB := make([]bool, n)
	for _, j := range hyps[best].pairs {
		if j >= 0 {
			matchedB[j] = true
		}
	}
	for j := 0; j < n; j++ {
		if !matchedB[j] {
			res.BField = append(res.BField, Field{Row: bRows[j], Prob: bFieldPost[j] / total})
		}
	}
}

// greedy approximates oversized islands: candidate pairs are taken best
// first while both members are free and the match hypothesis beats the two
// field hypotheses; posteriors are the pairwise two-hypothesis ones.
func (s *solver) greedy(aRows, bRows []int, scores [][]pairScore, logFieldA, logFieldB []float64, res *Results) {
	m, n := len(aRows), len(bRows)
	type cand struct {
		i, j int
		gain float64
	}
	var cands []cand
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			gain := scores[i][j].logMatch - logFieldA[i] - logFieldB[j]
			if gain > 0 {
				cands = append(cands, cand{i, j, gain})
			}
		}
	}
	aMatched := make([]bool, m)
	bMatched := make([]bool, n)
	for len(cands) > 0 {
		best := 0
		for k := range cands {
			if cands[k].gain > cands[best].gain {
				best = k
			}
		}
		c := cands[best]
		sc := scores[c.i][c.j]
		// Pairwise two-hypothesis posterior: matched versus both field.
		res.Counterparts = append(res.Counterparts, Counterpart{
			A: aRows[c.i], B: bRows[c.j],
			Prob: 1 / (1 + math.Exp(-c.gain)),
			Sep:  sc.sep, Eta: sc.eta, Xi: sc.xi,
		})
		aMatched[c.i], bMatched[c.j] = true, true
		keep := cands[:0]
		for _, k := range cands {
			if k.i != c.i && k.j != c.j {
				keep = append(keep, k)
			}
		}
		cands = keep
	}
	for i, row := range aRows {
		if !aMatched[i] {
			res.AField = append(res.AField, Field{Row: row, Prob: 1})
		}
	}
	for j, row := range bRows {
		if !bMatched[j] {
			res.BField = append(res.BField, Field{Row: row, Prob: 1})
		}
	}
}

// appendContam fills the contamination terms of results added by the last
// island from the frac and flux grids.
func (s *solver) appendContam(res *Results) error {
	for k := range res.Counterparts {
		c := &res.Counterparts[k]
		if c.AContamProb != nil {
			continue
		}
		var err error
		if c.AContamProb, c.AContamFlux, err = contam(s.a, c.A); err != nil {
			return err
		}
		if c.BContamProb, c.BContamFlux, err = contam(s.b, c.B); err != nil {
			return err
		}
	}
	for k := range res.AField {
		f := &res.AField[k]
		if f.ContamFlux == 0 {
			if _, flux, err := contam(s.a, f.Row); err == nil {
				f.ContamFlux = flux
			} else {
				return err
			}
		}
	}
	for k := range res.BField {
		f := &res.BField[k]
		if f.ContamFlux == 0 {
			if _, flux, err := contam(s.b, f.Row); err == nil {
				f.ContamFlux = flux
			} else {
				return err
			}
		}
	}
	return nil
}

func contam(side Side, row int) ([]float64, float64, error) {
	r := side.Refs[row]
	frac, err := side.Grids.Frac.Vector(r.Combo, r.Filter, r.Tile)
	if err != nil {
		return nil, 0, fmt.Errorf("pair: contamination of row %d: %w", row, err)
	}
	flux, err := side.Grids.Flux.Vector(r.Combo, r.Filter, r.Tile)
	if err != nil {
		return nil, 0, fmt.Errorf("pair: contamination of row %d: %w", row, err)
	}
	return append([]float64(nil), frac...), flux[0], nil
}

// sourceFT is the source's combined transform: perturbation component times
// centroid Gaussian.
func sourceFT(side Side, row int, tbl *hankel.Table) ([]float64, error) {
	r := side.Refs[row]
	perturb, err := side.Grids.Fourier.Vector(r.Combo, r.Filter, r.Tile)
	if err != nil {
		return nil, fmt.Errorf("pair: source %d: %w", row, err)
	}
	return hankel.MultiplyFT(perturb, tbl.GaussianFT(side.Cat.PosErr[row])), nil
}

func (s *solver) refMag(side Side, row int) float64 {
	return side.Cat.Mags[row][side.Cat.MagRef[row]]
}
