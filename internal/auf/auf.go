package auf

import (
	"fmt"
	"math"

	"skymatch/internal/catalogue"
	"skymatch/internal/counts"
	"skymatch/internal/grid"
	"skymatch/pkg/hankel"
	"skymatch/pkg/skygeom"
)

// TileFilterOutput bundles the perturbation model of one sky tile and
// filter. All per-combo fields share the combo axis: NDens and Mags give
// the density-magnitude grid actually simulated (len nCombo); Frac is
// [nCombo][nCuts]; Flux is [nCombo]; Offset and Cumulative are [nCombo][nR]
// over the real-space grid; Fourier is [nCombo][nRho] over the transform
// grid. Offset integrates to one over its radial support, so Cumulative
// reaches one and Fourier is one at rho = 0.
type TileFilterOutput struct {
	NDens      []float64
	Mags       []float64
	Frac       [][]float64
	Flux       []float64
	Offset     [][]float64
	Cumulative [][]float64
	Fourier    [][]float64
	// RowCombo maps each row passed to the simulation to its combo index.
	// Rows without a detection in this filter map to combo 0.
	RowCombo []int
}

// DiracOutput is the degenerate single-combo output used when perturbation
// modelling is disabled or a tile-filter has no usable sources: the offset
// PDF is a delta at zero, its cumulative is one everywhere and its
// transform is flat at one, so downstream convolution needs no branches.
func DiracOutput(nCuts, nRows int, tbl *hankel.Table) *TileFilterOutput {
	nR := len(tbl.R.Centres)
	ones := make([]float64, nR)
	for i := range ones {
		ones[i] = 1
	}
	out := &TileFilterOutput{
		NDens:      []float64{1},
		Mags:       []float64{0},
		Frac:       [][]float64{make([]float64, nCuts)},
		Flux:       []float64{0},
		Offset:     [][]float64{hankel.DiracPDF(tbl.R)},
		Cumulative: [][]float64{ones},
		Fourier:    [][]float64{hankel.FlatFT(tbl.Rho)},
		RowCombo:   make([]int, nRows),
	}
	return out
}

// SimulateTileFilter models the perturbation AUF for the tile containing
// rows, in one filter. rows index cat; rect is the sky rectangle the tile's
// catalogue was cut from, bounding the local-density search circles. seed
// roots the per-combination random streams, so a rerun with the same seed
// reproduces the grids exactly.
func SimulateTileFilter(cat *catalogue.Catalogue, rows []int, filter int, tileCentre skygeom.Point,
	rect skygeom.Rect, model *counts.Model, tbl *hankel.Table, p SimParams, seed uint64) (*TileFilterOutput, error) {

	det := make([]int, 0, len(rows))
	detPos := make([]int, 0, len(rows)) // position within rows
	for k, row := range rows {
		if cat.Valid(row) && cat.Detected(row, filter) {
			det = append(det, row)
			detPos = append(detPos, k)
		}
	}
	if len(det) == 0 {
		return DiracOutput(len(p.MagCuts), len(rows), tbl), nil
	}

	mags := make([]float64, len(det))
	for i, row := range det {
		mags[i] = cat.Mags[row][filter]
	}
	densMag := DensityMagnitude(mags, p.ComboDMag)
	localn := LocalDensities(cat, det, filter, densMag, p.DensityRadius, rect)

	ns, ms, assign := comboBins(localn, mags, p.ComboDLogN, p.ComboDMag)

	coeffs := p.coeffsFor(filter, tileCentre)
	snr := make([]float64, len(ms))
	for k, m := range ms {
		snr[k] = coeffs.snr(m)
	}
	sim := newSimulator(p, filter, model, tbl)
	dmMax := magnitudeOffsets(ns, ms, snr, p.FluxFrac, sim.psfR, model)

	out := &TileFilterOutput{
		NDens:      ns,
		Mags:       ms,
		Frac:       make([][]float64, len(ns)),
		Flux:       make([]float64, len(ns)),
		Offset:     make([][]float64, len(ns)),
		Cumulative: make([][]float64, len(ns)),
		Fourier:    make([][]float64, len(ns)),
		RowCombo:   make([]int, len(rows)),
	}
	for k := range ns {
		comboSeed := seed + uint64(k)
		var fw, psf comboResult
		var err error
		if p.RunFW {
			fw, err = sim.simulate(algFW, ns[k], ms[k], dmMax[k], comboSeed)
			if err != nil {
				return nil, fmt.Errorf("simulating combo %d: %w", k, err)
			}
		}
		if p.RunPSF {
			psf, err = sim.simulate(algPSF, ns[k], ms[k], dmMax[k], comboSeed)
			if err != nil {
				return nil, fmt.Errorf("simulating combo %d: %w", k, err)
			}
		}
		var res comboResult
		switch {
		case p.RunFW && p.RunPSF:
			h := 1 - math.Sqrt(1-math.Min(1, coeffs.A*coeffs.A*snr[k]*snr[k]))
			res = blend(fw, psf, h)
		case p.RunFW:
			res = fw
		default:
			res = psf
		}
		out.Frac[k] = res.frac
		out.Flux[k] = res.flux
		out.Offset[k] = res.offset
		out.Cumulative[k] = res.cumulative
		out.Fourier[k] = res.fourier
	}
	for i, k := range detPos {
		out.RowCombo[k] = assign[i]
	}
	return out, nil
}

func blend(a, b comboResult, h float64) comboResult {
	mix := func(x, y []float64) []float64 {
		out := make([]float64, len(x))
		for i := range x {
			out[i] = h*x[i] + (1-h)*y[i]
		}
		return out
	}
	return comboResult{
		frac:       mix(a.frac, b.frac),
		flux:       h*a.flux + (1-h)*b.flux,
		offset:     mix(a.offset, b.offset),
		cumulative: mix(a.cumulative, b.cumulative),
		fourier:    mix(a.fourier, b.fourier),
	}
}

// AssignTiles maps every catalogue row to its nearest tile centre by
// great-circle distance, returning the member rows of each tile.
func AssignTiles(cat *catalogue.Catalogue, tiles []skygeom.Point) [][]int {
	rows := make([][]int, len(tiles))
	for i := 0; i < cat.Len(); i++ {
		t := skygeom.NearestPoint(cat.Pos[i], tiles)
		rows[t] = append(rows[t], i)
	}
	return rows
}

// AssignRefs builds the model reference index: per source, the combo its
// density-magnitude cell simulated under, in its best filter, in its
// nearest tile. tileRows and outputs come from AssignTiles and
// SimulateTileFilter respectively; outputs is indexed [tile][filter].
func AssignRefs(cat *catalogue.Catalogue, tileRows [][]int, outputs [][]*TileFilterOutput) (grid.RefIndex, error) {
	refs := make(grid.RefIndex, cat.Len())
	for t, rows := range tileRows {
		for k, row := range rows {
			f := cat.MagRef[row]
			if f < 0 || f >= len(outputs[t]) {
				return nil, fmt.Errorf("auf: source %d references filter %d outside the simulated set", row, f)
			}
			refs[row] = grid.Ref{
				Combo:  outputs[t][f].RowCombo[k],
				Filter: f,
				Tile:   t,
			}
		}
	}
	return refs, nil
}

// Grids are the assembled cross-tile lookup arrays downstream stages index
// by model reference.
type Grids struct {
	Fourier *grid.Packed4D
	Frac    *grid.Packed4D
	Flux    *grid.Packed4D
}

// AssembleGrids packs per-tile-filter outputs, indexed [tile][filter], into
// the three lookup grids.
func AssembleGrids(outputs [][]*TileFilterOutput) (*Grids, error) {
	if len(outputs) == 0 || len(outputs[0]) == 0 {
		return nil, fmt.Errorf("auf: no simulation outputs to assemble")
	}
	nTiles := len(outputs)
	nFilters := len(outputs[0])
	maxCombo := 0
	for _, row := range outputs {
		if len(row) != nFilters {
			return nil, fmt.Errorf("auf: inconsistent filter counts across tiles")
		}
		for _, o := range row {
			if len(o.NDens) > maxCombo {
				maxCombo = len(o.NDens)
			}
		}
	}
	first := outputs[0][0]
	g := &Grids{
		Fourier: grid.NewPacked4D(len(first.Fourier[0]), maxCombo, nFilters, nTiles),
		Frac:    grid.NewPacked4D(len(first.Frac[0]), maxCombo, nFilters, nTiles),
		Flux:    grid.NewPacked4D(1, maxCombo, nFilters, nTiles),
	}
	for t, row := range outputs {
		for f, o := range row {
			for c := range o.NDens {
				if err := g.Fourier.SetVector(c, f, t, o.Fourier[c]); err != nil {
					return nil, err
				}
				if err := g.Frac.SetVector(c, f, t, o.Frac[c]); err != nil {
					return nil, err
				}
				if err := g.Flux.SetVector(c, f, t, []float64{o.Flux[c]}); err != nil {
					return nil, err
				}
			}
		}
	}
	return g, nil
}
