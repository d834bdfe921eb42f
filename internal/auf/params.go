// Package auf builds the perturbation component of the astrometric
// uncertainty function: per sky tile and filter, a Monte-Carlo model of how
// unresolved faint neighbours perturb a source's measured centroid and
// flux, expressed as radial offset PDFs in real and transform space on a
// grid of (local density, magnitude) combinations.
package auf

import (
	"errors"
	"fmt"
	"math"

	"skymatch/pkg/skygeom"
)

// ErrConfig marks an invalid or incomplete simulation configuration.
// Raised before any simulation work begins.
var ErrConfig = errors.New("invalid configuration")

// SNRCoeffs parameterises the photometric noise model along one sightline:
// snr(S) = S / sqrt(C*S + B + (A*S)^2) for flux S. Each filter carries one
// row per calibration sightline; the nearest sightline by great-circle
// distance applies.
type SNRCoeffs struct {
	A, B, C float64
	At      skygeom.Point
}

// SimParams configures the perturbation simulation. Zero values are not
// usable; start from DefaultSimParams.
type SimParams struct {
	// NumTrials is the number of Monte-Carlo realisations per
	// density-magnitude combination.
	NumTrials int
	// ModelDMag is the magnitude step the perturber depth integration uses.
	ModelDMag float64
	// ComboDMag and ComboDLogN are the cell sizes of the density-magnitude
	// binning: only occupied cells are simulated. ComboDLogN is in natural
	// log of sources per square degree.
	ComboDMag  float64
	ComboDLogN float64
	// DensityRadius is the local-density search radius in degrees.
	DensityRadius float64
	// MagCuts are the magnitude offsets defining the relative-flux cuts of
	// the contamination-fraction curves, ascending.
	MagCuts []float64
	// PSFFWHM is the per-filter PSF full width at half maximum in arcsec.
	PSFFWHM []float64
	// SNR holds per-filter sightline noise models.
	SNR [][]SNRCoeffs
	// FluxFrac is the fraction of the shot-noise SNR a perturber's flux
	// must reach to require simulation; bounds the perturber depth.
	FluxFrac float64
	// RunFW and RunPSF select the flux-weighted and background-limited-PSF
	// perturbation algorithms. Both selected blends the two by the
	// SNR-derived weight h.
	RunFW  bool
	RunPSF bool
	// DDParams are the polynomial coefficients of the PSF-fit centroid
	// response in perturber relative flux; required with RunPSF.
	DDParams []float64
	// LCut holds the three relative-flux cuts of the PSF algorithm: the
	// polynomial-response onset, the saturation flux ratio, and the
	// response ceiling. Required with RunPSF.
	LCut []float64
	// Seed is the root of the per-combination random streams.
	Seed uint64
}

// DefaultSimParams mirrors the operational defaults of the pipeline.
func DefaultSimParams() SimParams {
	return SimParams{
		NumTrials:     10000,
		ModelDMag:     0.1,
		ComboDMag:     0.25,
		ComboDLogN:    0.2,
		DensityRadius: 20.0 / 3600,
		MagCuts:       []float64{2.5, 5},
		FluxFrac:      0.05,
		RunFW:         true,
	}
}

// Validate checks the parameter set for nFilters catalogue filters. All
// mode-dependent requirements fail here, before any simulation runs.
func (p SimParams) Validate(nFilters int) error {
	if p.NumTrials <= 0 {
		return fmt.Errorf("%w: NumTrials must be positive, got %d", ErrConfig, p.NumTrials)
	}
	if p.ModelDMag <= 0 || p.ComboDMag <= 0 || p.ComboDLogN <= 0 {
		return fmt.Errorf("%w: magnitude and density bin widths must be positive", ErrConfig)
	}
	if p.DensityRadius <= 0 {
		return fmt.Errorf("%w: DensityRadius must be positive, got %v", ErrConfig, p.DensityRadius)
	}
	if len(p.MagCuts) == 0 {
		return fmt.Errorf("%w: at least one magnitude cut is required", ErrConfig)
	}
	for i := 1; i < len(p.MagCuts); i++ {
		if p.MagCuts[i] <= p.MagCuts[i-1] {
			return fmt.Errorf("%w: MagCuts must be strictly ascending", ErrConfig)
		}
	}
	if !p.RunFW && !p.RunPSF {
		return fmt.Errorf("%w: at least one of RunFW and RunPSF must be selected", ErrConfig)
	}
	if p.RunPSF {
		if len(p.DDParams) == 0 {
			return fmt.Errorf("%w: DDParams are required when RunPSF is selected", ErrConfig)
		}
		if len(p.LCut) != 3 {
			return fmt.Errorf("%w: LCut requires exactly 3 cuts when RunPSF is selected, got %d", ErrConfig, len(p.LCut))
		}
	}
	if len(p.PSFFWHM) != nFilters {
		return fmt.Errorf("%w: PSFFWHM has %d entries for %d filters", ErrConfig, len(p.PSFFWHM), nFilters)
	}
	for f, w := range p.PSFFWHM {
		if w <= 0 {
			return fmt.Errorf("%w: PSFFWHM for filter %d must be positive, got %v", ErrConfig, f, w)
		}
	}
	if len(p.SNR) != nFilters {
		return fmt.Errorf("%w: SNR model has %d entries for %d filters", ErrConfig, len(p.SNR), nFilters)
	}
	for f, rows := range p.SNR {
		if len(rows) == 0 {
			return fmt.Errorf("%w: SNR model for filter %d has no sightlines", ErrConfig, f)
		}
	}
	if p.FluxFrac <= 0 || p.FluxFrac >= 1 {
		return fmt.Errorf("%w: FluxFrac must be in (0, 1), got %v", ErrConfig, p.FluxFrac)
	}
	return nil
}

// coeffsFor picks the filter's noise model for the sightline nearest to at.
func (p SimParams) coeffsFor(filter int, at skygeom.Point) SNRCoeffs {
	rows := p.SNR[filter]
	best := 0
	if len(rows) > 1 {
		pts := make([]skygeom.Point, len(rows))
		for i, r := range rows {
			pts[i] = r.At
		}
		best = skygeom.NearestPoint(at, pts)
	}
	return rows[best]
}

func (c SNRCoeffs) snr(mag float64) float64 {
	s := math.Pow(10, -mag/2.5)
	return s / math.Sqrt(c.C*s+c.B+(c.A*s)*(c.A*s))
}
