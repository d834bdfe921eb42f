package auf

import (
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"skymatch/internal/counts"
	"skymatch/pkg/hankel"
)

// comboBins groups sources into cells of (natural-log density, magnitude)
// space, dlogn by dmag wide, returning the representative density and
// magnitude of each occupied cell plus the cell assignment of every source.
// Only occupied cells are simulated.
func comboBins(localn, mags []float64, dlogn, dmag float64) (ns, ms []float64, assign []int) {
	lognMin, magMin := math.Inf(1), math.Inf(1)
	for i := range localn {
		if l := math.Log(localn[i]); l < lognMin {
			lognMin = l
		}
		if mags[i] < magMin {
			magMin = mags[i]
		}
	}
	lognMin = dlogn * math.Floor(lognMin/dlogn)
	magMin = dmag * math.Floor(magMin/dmag)

	type cell struct{ ni, mi int }
	order := map[cell]int{}
	cells := []cell{}
	raw := make([]cell, len(localn))
	for i := range localn {
		c := cell{
			ni: int((math.Log(localn[i]) - lognMin) / dlogn),
			mi: int((mags[i] - magMin) / dmag),
		}
		raw[i] = c
		if _, ok := order[c]; !ok {
			order[c] = len(cells)
			cells = append(cells, c)
		}
	}
	ns = make([]float64, len(cells))
	ms = make([]float64, len(cells))
	for k, c := range cells {
		ns[k] = math.Exp(lognMin + (float64(c.ni)+0.5)*dlogn)
		ms[k] = magMin + (float64(c.mi)+0.5)*dmag
	}
	assign = make([]int, len(localn))
	for i, c := range raw {
		assign[i] = order[c]
	}
	return ns, ms, assign
}

// magnitudeOffsets derives per combo the faintest perturber depth the
// simulation must reach: the larger of the offset at which a perturber's
// flux drops to fluxFrac of the object's shot noise, and the offset by
// which the cumulative expected perturber count makes an empty PSF circle
// less than 1% likely. Both follow analytically from the count model.
func magnitudeOffsets(ns, ms, snr []float64, fluxFrac, psfR float64, model *counts.Model) []float64 {
	circle := math.Pi * (psfR / 3600) * (psfR / 3600)
	dm := make([]float64, len(ns))
	for i := range ns {
		dmSNR := -2.5 * math.Log10(fluxFrac/snr[i])

		// Summed Poisson means are Poisson; P(no perturber) = exp(-lambda),
		// so lambda >= -ln(0.01) keeps empty draws under 1%.
		dmEmpty := 0.0
		lamb := 0.0
		for j, mid := range model.MagMids {
			if mid < ms[i] {
				continue
			}
			lamb += math.Pow(10, model.Log10Dens[j]) * model.MagWidths[j] * circle * ns[i] / model.TotalDensity
			dmEmpty = mid - ms[i]
			if lamb >= -math.Log(0.01) {
				break
			}
		}
		dm[i] = math.Max(dmSNR, dmEmpty)
	}
	return dm
}

type algorithm int

const (
	algFW algorithm = iota
	algPSF
)

// simulator carries the fixed inputs of one tile-filter simulation.
type simulator struct {
	p      SimParams
	model  *counts.Model
	tbl    *hankel.Table
	psfR   float64 // arcsec
	psfSig float64 // arcsec
	cuts   []float64
}

func newSimulator(p SimParams, filter int, model *counts.Model, tbl *hankel.Table) *simulator {
	s := &simulator{
		p:      p,
		model:  model,
		tbl:    tbl,
		psfR:   1.185 * p.PSFFWHM[filter],
		psfSig: p.PSFFWHM[filter] / (2 * math.Sqrt(2*math.Log(2))),
		cuts:   make([]float64, len(p.MagCuts)),
	}
	for i, c := range p.MagCuts {
		s.cuts[i] = math.Pow(10, -c/2.5)
	}
	return s
}

type comboResult struct {
	frac       []float64
	flux       float64
	offset     []float64
	cumulative []float64
	fourier    []float64
}

// psfResponse is the centroid response of a background-limited PSF fit to a
// perturber of relative flux f: linear below the polynomial onset, the
// fitted polynomial between the onset and the saturation flux, capped at
// the response ceiling.
func (s *simulator) psfResponse(f float64) float64 {
	if f < s.p.LCut[0] {
		return f
	}
	if f > s.p.LCut[1] {
		f = s.p.LCut[1]
	}
	g := 0.0
	for k := len(s.p.DDParams) - 1; k >= 0; k-- {
		g = g*f + s.p.DDParams[k]
	}
	g *= f
	if g < 0 {
		g = 0
	} else if g > s.p.LCut[2] {
		g = s.p.LCut[2]
	}
	return g
}

// simulate runs the Monte-Carlo perturbation for one density-magnitude
// combination under one algorithm. Perturber counts per model magnitude bin
// are Poisson with mean scaled to the combination's normalising density;
// each perturber lands uniformly in the PSF circle with a magnitude drawn
// uniformly within its bin.
func (s *simulator) simulate(alg algorithm, n, mag, dmMax float64, seed uint64) (comboResult, error) {
	circle := math.Pi * (s.psfR / 3600) * (s.psfR / 3600)
	type pbin struct {
		dm    float64 // offset of bin middle from the central object
		width float64
		pois  distuv.Poisson
	}
	rng := rand.New(rand.NewSource(seed))
	var bins []pbin
	for j, mid := range s.model.MagMids {
		if mid < mag || mid > mag+dmMax {
			continue
		}
		lamb := math.Pow(10, s.model.Log10Dens[j]) * s.model.MagWidths[j] * circle * n / s.model.TotalDensity
		if lamb <= 0 {
			continue
		}
		bins = append(bins, pbin{
			dm:    mid - mag,
			width: s.model.MagWidths[j],
			pois:  distuv.Poisson{Lambda: lamb, Src: rng},
		})
	}

	rGrid := s.tbl.R
	hist := make([]float64, len(rGrid.Centres))
	fracHits := make([]float64, len(s.cuts))
	var fluxSum float64
	for trial := 0; trial < s.p.NumTrials; trial++ {
		var xs, ys, fTot, fMax float64
		for _, b := range bins {
			k := int(b.pois.Rand())
			for m := 0; m < k; m++ {
				d := s.psfR * math.Sqrt(rng.Float64())
				theta := 2 * math.Pi * rng.Float64()
				dm := b.dm + (rng.Float64()-0.5)*b.width
				f := math.Pow(10, -dm/2.5)
				fTot += f
				if f > fMax {
					fMax = f
				}
				var g float64
				switch alg {
				case algFW:
					g = f
				case algPSF:
					g = s.psfResponse(f) * math.Exp(-d*d/(4*s.psfSig*s.psfSig))
				}
				xs += g * d * math.Cos(theta)
				ys += g * d * math.Sin(theta)
			}
		}
		offset := math.Hypot(xs, ys)
		if alg == algFW {
			offset /= 1 + fTot
		}
		bin := rGrid.Bin(offset)
		if bin < 0 {
			bin = len(rGrid.Centres) - 1
		}
		hist[bin]++
		fluxSum += fTot
		for c, cut := range s.cuts {
			if fMax >= cut {
				fracHits[c]++
			}
		}
	}

	res := comboResult{
		frac:       make([]float64, len(s.cuts)),
		flux:       fluxSum / float64(s.p.NumTrials),
		offset:     make([]float64, len(hist)),
		cumulative: make([]float64, len(hist)),
	}
	for c := range fracHits {
		res.frac[c] = fracHits[c] / float64(s.p.NumTrials)
	}
	for i, h := range hist {
		res.offset[i] = h / float64(s.p.NumTrials) / (2 * math.Pi * rGrid.Centres[i] * rGrid.Widths[i])
		res.cumulative[i] = h / float64(s.p.NumTrials)
	}
	floats.CumSum(res.cumulative, res.cumulative)
	fourier, err := s.tbl.Transform(res.offset)
	if err != nil {
		return comboResult{}, err
	}
	res.fourier = fourier
	return res, nil
}
