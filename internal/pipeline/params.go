// Package pipeline wires the cross-match stages together: catalogue
// loading, per-tile perturbation simulation, island grouping, counterpart
// pairing, and output writing, with eager configuration validation and
// per-stage artifact caching.
package pipeline

import (
	"fmt"
	"log/slog"

	"skymatch/internal/auf"
	"skymatch/internal/catalogue"
	"skymatch/internal/counts"
	"skymatch/internal/group"
	"skymatch/internal/pair"
	"skymatch/pkg/skygeom"
)

// ErrConfig marks an invalid pipeline configuration; every such failure
// happens in NewCrossMatch, before any computation.
var ErrConfig = auf.ErrConfig

// CatalogueConfig describes one side of the match.
type CatalogueConfig struct {
	Name    string
	Filters []string
	// Path locates the catalogue cutout file.
	Path string
	// Format selects the cutout encoding: "binary" or "csv".
	Format string
	// Pregenerated catalogues must already exist at Path; otherwise
	// Generate is invoked lazily with the survey rectangle.
	Pregenerated bool
	Generate     catalogue.GenerateFunc

	// AUF parameterises this side's perturbation simulation.
	AUF auf.SimParams
	// Counts supplies Galactic source-count simulations; required when
	// perturbation modelling is enabled.
	Counts counts.Provider
	// Galaxy optionally adds a differential galaxy count density at the
	// supplied magnitude bin middles.
	Galaxy func(mids []float64) []float64
}

// Params is the full pipeline configuration. Start from DefaultParams.
type Params struct {
	// IncludePerturbations switches blended-neighbour modelling on; off,
	// every AUF degenerates to the source's centroid Gaussian.
	IncludePerturbations bool
	// Frame is "equatorial" or "galactic"; both axes are degrees either way.
	Frame string

	// TileDim selects the tiling scheme: 1 pairs TileAx1 and TileAx2
	// elementwise into tile centres, 2 crosses them.
	TileDim int
	TileAx1 []float64
	TileAx2 []float64
	// Rect is the survey footprint; Pad the tile cutout padding in degrees.
	Rect skygeom.Rect
	Pad  float64

	// Real and transform space grid extents: radii in arcsec.
	RMax   float64
	NR     int
	RhoMax float64
	NRho   int

	// PoolSize bounds the worker pools of the parallel stages.
	PoolSize int

	Group group.Params
	Pair  pair.Params

	// OutputDir receives persisted artifacts and result tables; empty
	// keeps everything in memory.
	OutputDir string
	// RecreateAUF forces re-simulation even when grid artifacts exist.
	RecreateAUF bool

	A CatalogueConfig
	B CatalogueConfig

	Log *slog.Logger
}

// DefaultParams returns a configuration with every tunable at its
// operational default; catalogue configs and tiling must still be filled.
func DefaultParams() Params {
	return Params{
		IncludePerturbations: true,
		Frame:                "equatorial",
		TileDim:              1,
		Pad:                  0.1,
		RMax:                 10,
		NR:                   1500,
		RhoMax:               3,
		NRho:                 400,
		PoolSize:             4,
		Group:                group.DefaultParams(),
		Pair:                 pair.DefaultParams(),
		A:                    CatalogueConfig{Name: "a", Format: "binary", AUF: auf.DefaultSimParams()},
		B:                    CatalogueConfig{Name: "b", Format: "binary", AUF: auf.DefaultSimParams()},
	}
}

func (p *Params) validate() error {
	if p.Frame != "equatorial" && p.Frame != "galactic" {
		return fmt.Errorf("%w: Frame must be \"equatorial\" or \"galactic\", got %q", ErrConfig, p.Frame)
	}
	switch p.TileDim {
	case 1:
		if len(p.TileAx1) == 0 || len(p.TileAx1) != len(p.TileAx2) {
			return fmt.Errorf("%w: TileDim 1 requires equal-length non-empty TileAx1 and TileAx2, got %d and %d",
				ErrConfig, len(p.TileAx1), len(p.TileAx2))
		}
	case 2:
		if len(p.TileAx1) == 0 || len(p.TileAx2) == 0 {
			return fmt.Errorf("%w: TileDim 2 requires non-empty TileAx1 and TileAx2", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: TileDim must be 1 or 2, got %d", ErrConfig, p.TileDim)
	}
	if p.Rect.Ax1Max <= p.Rect.Ax1Min || p.Rect.Ax2Max <= p.Rect.Ax2Min {
		return fmt.Errorf("%w: survey Rect is empty", ErrConfig)
	}
	if p.Pad < 0 {
		return fmt.Errorf("%w: Pad must not be negative, got %v", ErrConfig, p.Pad)
	}
	if p.RMax <= 0 || p.NR <= 0 || p.RhoMax <= 0 || p.NRho <= 0 {
		return fmt.Errorf("%w: grid extents must be positive", ErrConfig)
	}
	if p.PoolSize < 1 {
		return fmt.Errorf("%w: PoolSize must be at least 1, got %d", ErrConfig, p.PoolSize)
	}
	for _, side := range []*CatalogueConfig{&p.A, &p.B} {
		if len(side.Filters) == 0 {
			return fmt.Errorf("%w: catalogue %q has no filters", ErrConfig, side.Name)
		}
		if _, err := catalogue.ParseFormat(side.Format); err != nil {
			return fmt.Errorf("%w: catalogue %q: %v", ErrConfig, side.Name, err)
		}
		if side.Path == "" {
			return fmt.Errorf("%w: catalogue %q has no Path", ErrConfig, side.Name)
		}
		if side.Pregenerated {
			if err := catalogue.CheckExists(side.Path); err != nil {
				return err
			}
		} else if side.Generate == nil {
			return fmt.Errorf("%w: catalogue %q is not pregenerated and has no Generate function", ErrConfig, side.Name)
		}
		if p.IncludePerturbations {
			if err := side.AUF.Validate(len(side.Filters)); err != nil {
				return fmt.Errorf("catalogue %q: %w", side.Name, err)
			}
			if side.Counts == nil {
				return fmt.Errorf("%w: catalogue %q needs a count provider when perturbations are enabled", ErrConfig, side.Name)
			}
		}
	}
	return nil
}

// tiles expands the tiling scheme into tile centres.
func (p *Params) tiles() []skygeom.Point {
	var out []skygeom.Point
	if p.TileDim == 1 {
		for i := range p.TileAx1 {
			out = append(out, skygeom.Point{Ax1: p.TileAx1[i], Ax2: p.TileAx2[i]})
		}
		return out
	}
	for _, ax1 := range p.TileAx1 {
		for _, ax2 := range p.TileAx2 {
			out = append(out, skygeom.Point{Ax1: ax1, Ax2: ax2})
		}
	}
	return out
}
