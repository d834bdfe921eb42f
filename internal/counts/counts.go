// Package counts models the differential source counts along a Galactic
// sightline, the physical input to the perturbation-AUF simulation. The
// counts come from an external simulation service (treated here purely as a
// provider of magnitude samples over a simulated area) optionally combined
// with a galaxy count model, and are reduced to a per-square-degree,
// per-magnitude density table.
package counts

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientCounts marks a sightline whose simulation returned too few
// bright sources to derive a reliable model density. Fatal for the affected
// tile and filter; it must not degrade silently into a wrong estimate.
var ErrInsufficientCounts = errors.New("counts: too few bright model sources for a reliable density estimate")

// minBrightModelSources is the threshold below which a model is rejected.
const minBrightModelSources = 100

// Table is the raw result of one sightline simulation: the magnitudes of
// every simulated source in the requested filter, and the sky area the
// simulation actually covered.
type Table struct {
	Area float64   // square degrees
	Mags []float64 // one entry per simulated source
}

// Model is the reduced differential source-count table for one sightline
// and filter. Bins with unreliable statistics have already been removed;
// Log10Dens is log10(sources per square degree per magnitude).
type Model struct {
	MagMids   []float64
	MagWidths []float64
	Log10Dens []float64
	// TotalDensity integrates the model brighter than the density-defining
	// magnitude, in sources per square degree; the normalising density the
	// simulation grid is expressed against.
	TotalDensity float64
	// NBright is the (area-weighted) number of simulated objects brighter
	// than the density magnitude, the statistic guarding model quality.
	NBright float64
}

// BuildParams controls the reduction of raw tables into a Model.
type BuildParams struct {
	// DMag is the magnitude bin width of the model histogram.
	DMag float64
	// BrightestMag anchors the bright edge of the binning at the brightest
	// catalogue source the model must cover.
	BrightestMag float64
	// DensityMag is the faint limit used for the normalising density and
	// the bright-source quality check.
	DensityMag float64
	// Galaxy, when non-nil, returns differential galaxy densities
	// (per square degree per magnitude) at the supplied bin middles, added
	// to the stellar counts.
	Galaxy func(magMids []float64) []float64
}

// Build reduces a faint (deep) simulation, and optionally a bright (shallow
// but better-sampled) one, into a Model. When both are given, bins are
// merged with inverse-variance weights from their Poisson uncertainties;
// bright-run bins fainter than the run's completeness turnover are
// down-weighted to nothing. Bins with fewer than 4 objects in every run are
// dropped as unreliable unless a galaxy model fills them in.
func Build(faint, bright *Table, p BuildParams) (*Model, error) {
	if faint == nil && bright == nil {
		return nil, fmt.Errorf("counts: at least one of the faint and bright tables must be given")
	}
	if p.DMag <= 0 {
		return nil, fmt.Errorf("counts: DMag must be positive, got %v", p.DMag)
	}

	maxMag := math.Inf(-1)
	for _, tab := range []*Table{faint, bright} {
		if tab == nil {
			continue
		}
		for _, m := range tab.Mags {
			if m > maxMag {
				maxMag = m
			}
		}
	}
	// Binning must reach bright of both the brightest catalogue source and
	// the density-defining magnitude, or the normalising density integrates
	// over nothing.
	minMag := p.DMag * math.Floor(math.Min(p.BrightestMag, p.DensityMag-p.DMag)/p.DMag)
	if maxMag <= minMag {
		return nil, fmt.Errorf("counts: simulation covers no magnitudes fainter than %v", minMag)
	}
	nBins := int(math.Ceil((maxMag - minMag) / p.DMag))
	edges := make([]float64, nBins+1)
	for i := range edges {
		edges[i] = minMag + float64(i)*p.DMag
	}

	type binned struct {
		dens, uncert []float64
		hist         []float64
		nBright      float64
	}
	reduce := func(tab *Table) binned {
		b := binned{
			dens:   make([]float64, nBins),
			uncert: make([]float64, nBins),
			hist:   make([]float64, nBins),
		}
		for _, m := range tab.Mags {
			if m < p.DensityMag {
				b.nBright++
			}
			i := int((m - minMag) / p.DMag)
			if i < 0 || i >= nBins {
				continue
			}
			b.hist[i]++
		}
		for i := range b.hist {
			b.dens[i] = b.hist[i] / p.DMag / tab.Area
			b.uncert[i] = math.Sqrt(b.hist[i]) / p.DMag / tab.Area
			if b.uncert[i] == 0 {
				b.uncert[i] = 1e10
			}
		}
		return b
	}

	var dens, hist []float64
	var nBright float64
	switch {
	case faint != nil && bright != nil:
		bf, bb := reduce(faint), reduce(bright)
		// The bright run truncates at its faint completeness turnover;
		// counts beyond it are scattered strays and carry no weight.
		turnover := 0
		for i := range bb.hist {
			if bb.hist[i] > bb.hist[turnover] {
				turnover = i
			}
		}
		for i := turnover + 1; i < nBins; i++ {
			bb.uncert[i] = 1e10
		}
		dens = make([]float64, nBins)
		hist = make([]float64, nBins)
		for i := 0; i < nBins; i++ {
			wf := 1 / (bf.uncert[i] * bf.uncert[i])
			wb := 1 / (bb.uncert[i] * bb.uncert[i])
			dens[i] = (bf.dens[i]*wf + bb.dens[i]*wb) / (wf + wb)
			hist[i] = math.Max(bf.hist[i], bb.hist[i])
		}
		nBright = math.Max(bf.nBright, bb.nBright)
	case faint != nil:
		b := reduce(faint)
		dens, hist, nBright = b.dens, b.hist, b.nBright
	default:
		b := reduce(bright)
		dens, hist, nBright = b.dens, b.hist, b.nBright
	}

	mids := make([]float64, nBins)
	for i := range mids {
		mids[i] = edges[i] + p.DMag/2
	}

	var gal []float64
	if p.Galaxy != nil {
		gal = p.Galaxy(mids)
	}

	m := &Model{}
	var starBright, galBright float64
	for i := 0; i < nBins; i++ {
		star := dens[i]
		if hist[i] <= 3 {
			// Counting statistics too poor to trust the stellar bin.
			star = 0
		}
		total := star
		if gal != nil {
			total += gal[i]
		}
		if total <= 0 {
			continue
		}
		m.MagMids = append(m.MagMids, mids[i])
		m.MagWidths = append(m.MagWidths, p.DMag)
		m.Log10Dens = append(m.Log10Dens, math.Log10(total))
		if edges[i+1] <= p.DensityMag {
			m.TotalDensity += total * p.DMag
			starBright += star * p.DMag
			if gal != nil {
				galBright += gal[i] * p.DMag
			}
		}
	}

	// Galaxies have no direct simulation counts; scale the stellar count
	// statistic by the bright-density ratio to get an effective number.
	totalBright := nBright
	if gal != nil && starBright > 0 {
		totalBright += galBright / starBright * nBright
	}
	m.NBright = totalBright
	if totalBright < minBrightModelSources {
		return nil, fmt.Errorf("%w: %d bright sources simulated, need %d",
			ErrInsufficientCounts, int(totalBright), minBrightModelSources)
	}
	if m.TotalDensity <= 0 {
		return nil, fmt.Errorf("%w: no reliable model bins brighter than magnitude %v",
			ErrInsufficientCounts, p.DensityMag)
	}
	return m, nil
}

// DensityAt returns the differential density at the bin containing mag, or
// zero outside the model's coverage.
func (m *Model) DensityAt(mag float64) float64 {
	for i, mid := range m.MagMids {
		if math.Abs(mag-mid) <= m.MagWidths[i]/2 {
			return math.Pow(10, m.Log10Dens[i])
		}
	}
	return 0
}
