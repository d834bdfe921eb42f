package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"skymatch/internal/auf"
	"skymatch/internal/catalogue"
	"skymatch/internal/counts"
	"skymatch/internal/grid"
	"skymatch/internal/group"
	"skymatch/internal/pair"
	"skymatch/pkg/hankel"
	"skymatch/pkg/skygeom"
)

// minBrightCount is the number of bright model sources a count simulation
// should deliver to be statistically comparable to the data; it sizes the
// requested simulation area.
const minBrightCount = 1000

// maxSimArea caps a single count-simulation request in square degrees.
const maxSimArea = 10

// maxBrightSimArea caps the supplementary shallow simulation used to
// stabilise the bright bins of sparse sightlines. Shallow runs are cheap
// for the provider, so the cap is looser than maxSimArea.
const maxBrightSimArea = 100

// CrossMatch runs the full match pipeline. Construct with NewCrossMatch;
// construction validates the entire configuration surface.
type CrossMatch struct {
	p     Params
	tiles []skygeom.Point
	tbl   *hankel.Table
	log   *slog.Logger
}

// NewCrossMatch validates p eagerly and prepares the shared transform
// tables. Every configuration failure surfaces here, before any catalogue
// is read or simulation run.
func NewCrossMatch(p Params) (*CrossMatch, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	return &CrossMatch{
		p:     p,
		tiles: p.tiles(),
		tbl:   hankel.NewTable(hankel.NewGrid(p.RMax, p.NR), hankel.NewGrid(p.RhoMax, p.NRho)),
		log:   log,
	}, nil
}

// sideData is one catalogue side after the simulation stage: read-only from
// here on.
type sideData struct {
	cat   *catalogue.Catalogue
	refs  grid.RefIndex
	grids *auf.Grids
}

// Run executes the pipeline: AUF simulation for both sides, grouping, then
// pairing, each stage fully materialised before the next.
func (c *CrossMatch) Run(ctx context.Context) (*pair.Results, error) {
	aFull, err := c.prepareSide(ctx, &c.p.A, 0)
	if err != nil {
		return nil, fmt.Errorf("catalogue %q: %w", c.p.A.Name, err)
	}
	bFull, err := c.prepareSide(ctx, &c.p.B, 1)
	if err != nil {
		return nil, fmt.Errorf("catalogue %q: %w", c.p.B.Name, err)
	}

	// Restrict both sides to the padded survey footprint; catalogue files
	// often cover a larger region than the match should.
	a, err := chunkSide(aFull, c.p.Rect, c.p.Pad)
	if err != nil {
		return nil, fmt.Errorf("catalogue %q: %w", c.p.A.Name, err)
	}
	b, err := chunkSide(bFull, c.p.Rect, c.p.Pad)
	if err != nil {
		return nil, fmt.Errorf("catalogue %q: %w", c.p.B.Name, err)
	}

	c.log.Info("grouping islands", "a_sources", a.cat.Len(), "b_sources", b.cat.Len())
	gp := c.p.Group
	gp.Log = c.log
	isl, err := group.Make(
		group.Catalogue{Cat: a.cat, Refs: a.refs, Fourier: a.grids.Fourier},
		group.Catalogue{Cat: b.cat, Refs: b.refs, Fourier: b.grids.Fourier},
		c.tbl, gp)
	if err != nil {
		return nil, err
	}
	c.log.Info("islands built", "islands", len(isl.A),
		"a_rejected", len(isl.ARejected), "b_rejected", len(isl.BRejected))

	pp := c.p.Pair
	pp.Workers = c.p.PoolSize
	pp.Log = c.log
	res, err := pair.Solve(ctx, isl,
		pair.Side{Cat: a.cat, Refs: a.refs, Grids: a.grids},
		pair.Side{Cat: b.cat, Refs: b.refs, Grids: b.grids},
		c.tbl, pp)
	if err != nil {
		return nil, err
	}
	remapResults(res, a, b)
	c.log.Info("pairing finished", "counterparts", len(res.Counterparts),
		"a_field", len(res.AField), "b_field", len(res.BField))

	if c.p.OutputDir != "" {
		if err := WriteResults(filepath.Join(c.p.OutputDir, "pairing"), res); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// chunk is one side restricted to a footprint: the sliced catalogue with its
// compacted grids, plus the mapping back to original row indices.
type chunk struct {
	cat   *catalogue.Catalogue
	refs  grid.RefIndex
	grids *auf.Grids
	// rows[i] is the original row of chunk row i; dropped lists the rows
	// outside the footprint, ascending.
	rows    []int
	dropped []int
}

// chunkSide cuts a side down to the padded footprint, compacting the three
// perturbation grids to just the columns its rows reference. A source
// outside the padded rectangle drops out of the match entirely and is
// reported as pre-rejected.
func chunkSide(full *sideData, rect skygeom.Rect, pad float64) (*chunk, error) {
	cut, err := grid.Cut(full.cat.Pos, full.cat.PosErr, full.refs, rect, pad)
	if err != nil {
		return nil, err
	}

	ch := &chunk{rows: cut.Rows, grids: &auf.Grids{}}
	inside := make(map[int]bool, len(cut.Rows))
	for _, row := range cut.Rows {
		inside[row] = true
	}
	for row := 0; row < full.cat.Len(); row++ {
		if !inside[row] {
			ch.dropped = append(ch.dropped, row)
		}
	}

	src := full.cat
	sub := &catalogue.Catalogue{Filters: src.Filters}
	for _, row := range cut.Rows {
		sub.Pos = append(sub.Pos, src.Pos[row])
		sub.PosErr = append(sub.PosErr, src.PosErr[row])
		sub.Mags = append(sub.Mags, src.Mags[row])
		sub.MagErrs = append(sub.MagErrs, src.MagErrs[row])
		sub.MagRef = append(sub.MagRef, src.MagRef[row])
	}
	ch.cat = sub

	ch.refs = make(grid.RefIndex, len(cut.Rows))
	for i := range cut.Rows {
		ch.refs[i] = grid.Ref{Combo: cut.ColIndex[i]}
	}

	for _, q := range []struct {
		src *grid.Packed4D
		dst **grid.Packed4D
	}{
		{full.grids.Fourier, &ch.grids.Fourier},
		{full.grids.Frac, &ch.grids.Frac},
		{full.grids.Flux, &ch.grids.Flux},
	} {
		cols, err := cut.Extract(q.src)
		if err != nil {
			return nil, err
		}
		g := grid.NewPacked4D(q.src.NVals, max(1, len(cols)), 1, 1)
		for k, col := range cols {
			if err := g.SetVector(k, 0, 0, col); err != nil {
				return nil, err
			}
		}
		*q.dst = g
	}
	return ch, nil
}

// remapResults rewrites chunk-local row indices back into original
// catalogue rows and folds the out-of-footprint rows into the rejection
// lists, so the output partitions the catalogues as loaded.
func remapResults(res *pair.Results, a, b *chunk) {
	for i := range res.Counterparts {
		res.Counterparts[i].A = a.rows[res.Counterparts[i].A]
		res.Counterparts[i].B = b.rows[res.Counterparts[i].B]
	}
	for i := range res.AField {
		res.AField[i].Row = a.rows[res.AField[i].Row]
	}
	for i := range res.BField {
		res.BField[i].Row = b.rows[res.BField[i].Row]
	}
	res.ARejected = remapRejected(res.ARejected, a)
	res.BRejected = remapRejected(res.BRejected, b)
}

func remapRejected(rej []int, ch *chunk) []int {
	out := make([]int, 0, len(rej)+len(ch.dropped))
	for _, r := range rej {
		out = append(out, ch.rows[r])
	}
	out = append(out, ch.dropped...)
	sort.Ints(out)
	return out
}

// prepareSide loads one catalogue and produces its perturbation grids and
// model reference index, reusing persisted artifacts when allowed.
func (c *CrossMatch) prepareSide(ctx context.Context, cfg *CatalogueConfig, salt uint64) (*sideData, error) {
	cat, err := c.loadCatalogue(cfg)
	if err != nil {
		return nil, err
	}

	if dir := c.artifactDir(cfg); dir != "" && !c.p.RecreateAUF {
		if side, err := readSideArtifacts(dir, cat); err == nil {
			c.log.Info("reusing cached perturbation grids", "catalogue", cfg.Name, "dir", dir)
			return side, nil
		}
	}

	tileRows := auf.AssignTiles(cat, c.tiles)
	nFilters := len(cfg.Filters)
	outputs := make([][]*auf.TileFilterOutput, len(c.tiles))
	for t := range outputs {
		outputs[t] = make([]*auf.TileFilterOutput, nFilters)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.p.PoolSize)
	for t := range c.tiles {
		t := t
		g.Go(func() error {
			for f := 0; f < nFilters; f++ {
				out, err := c.simulateTileFilter(gctx, cfg, cat, tileRows[t], t, f, salt)
				if err != nil {
					return fmt.Errorf("tile %d filter %s: %w", t, cfg.Filters[f], err)
				}
				outputs[t][f] = out
			}
			c.log.Info("tile simulated", "catalogue", cfg.Name, "tile", t, "sources", len(tileRows[t]))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	grids, err := auf.AssembleGrids(outputs)
	if err != nil {
		return nil, err
	}
	refs, err := auf.AssignRefs(cat, tileRows, outputs)
	if err != nil {
		return nil, err
	}
	side := &sideData{cat: cat, refs: refs, grids: grids}
	if dir := c.artifactDir(cfg); dir != "" {
		if err := writeSideArtifacts(dir, side); err != nil {
			return nil, err
		}
	}
	return side, nil
}

func (c *CrossMatch) artifactDir(cfg *CatalogueConfig) string {
	if c.p.OutputDir == "" {
		return ""
	}
	return filepath.Join(c.p.OutputDir, "auf", cfg.Name)
}

func (c *CrossMatch) loadCatalogue(cfg *CatalogueConfig) (*catalogue.Catalogue, error) {
	format, err := catalogue.ParseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	if !cfg.Pregenerated {
		if _, statErr := os.Stat(cfg.Path); statErr != nil {
			c.log.Info("generating catalogue cutout", "catalogue", cfg.Name, "path", cfg.Path)
			if err := cfg.Generate(c.p.Rect, cfg.Path); err != nil {
				return nil, fmt.Errorf("generating cutout: %w", err)
			}
		}
	}
	cat, err := catalogue.Read(cfg.Path, format, cfg.Filters)
	if err != nil {
		return nil, err
	}
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

// simulateTileFilter builds the count model for one tile and filter and
// runs the Monte-Carlo simulation, or emits the Dirac schema when
// perturbation modelling is off or the tile-filter is empty.
func (c *CrossMatch) simulateTileFilter(ctx context.Context, cfg *CatalogueConfig, cat *catalogue.Catalogue,
	rows []int, tile, filter int, salt uint64) (*auf.TileFilterOutput, error) {

	nCuts := len(cfg.AUF.MagCuts)
	if !c.p.IncludePerturbations {
		return auf.DiracOutput(nCuts, len(rows), c.tbl), nil
	}
	var mags []float64
	for _, row := range rows {
		if cat.Valid(row) && cat.Detected(row, filter) {
			mags = append(mags, cat.Mags[row][filter])
		}
	}
	if len(mags) == 0 {
		return auf.DiracOutput(nCuts, len(rows), c.tbl), nil
	}

	densMag := auf.DensityMagnitude(mags, cfg.AUF.ComboDMag)
	brightest, faintest := math.Inf(1), math.Inf(-1)
	nBright := 0.0
	for _, m := range mags {
		if m < brightest {
			brightest = m
		}
		if m > faintest {
			faintest = m
		}
		if m < densMag {
			nBright++
		}
	}
	brightDens := nBright / c.p.Rect.Area()
	area := math.Min(maxSimArea, minBrightCount/math.Max(brightDens, 1e-3))

	tab, err := counts.Fetch(ctx, cfg.Counts, c.tiles[tile], counts.Request{
		Filter: cfg.Filters[filter],
		MagLim: faintest + 1,
		Area:   area,
	}, counts.DefaultFetchOptions())
	if err != nil {
		return nil, err
	}
	// When the deep run hits the area cap its bright bins are starved of
	// counts. A shallow run over a wider area fills them in; Build merges
	// the two with inverse-variance weights.
	var brightTab *counts.Table
	if wantArea := minBrightCount / math.Max(brightDens, 1e-3); wantArea > maxSimArea {
		brightTab, err = counts.Fetch(ctx, cfg.Counts, c.tiles[tile], counts.Request{
			Filter: cfg.Filters[filter],
			MagLim: densMag + 1,
			Area:   math.Min(maxBrightSimArea, wantArea),
		}, counts.DefaultFetchOptions())
		if err != nil {
			return nil, err
		}
	}
	model, err := counts.Build(tab, brightTab, counts.BuildParams{
		DMag:         cfg.AUF.ModelDMag,
		BrightestMag: brightest,
		DensityMag:   densMag,
		Galaxy:       cfg.Galaxy,
	})
	if err != nil {
		return nil, err
	}

	seed := cfg.AUF.Seed + salt*1000000000 + uint64(tile*len(cfg.Filters)+filter)*1000000
	return auf.SimulateTileFilter(cat, rows, filter, c.tiles[tile], c.p.Rect, model, c.tbl, cfg.AUF, seed)
}

func writeSideArtifacts(dir string, side *sideData) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	for _, q := range []struct {
		name string
		g    *grid.Packed4D
	}{
		{"fourier", side.grids.Fourier},
		{"frac", side.grids.Frac},
		{"flux", side.grids.Flux},
	} {
		if err := grid.WritePacked(filepath.Join(dir, q.name+".grid"), q.name, q.g); err != nil {
			return err
		}
	}
	return grid.WriteRefIndex(filepath.Join(dir, "modelref.bin"), side.refs)
}

func readSideArtifacts(dir string, cat *catalogue.Catalogue) (*sideData, error) {
	refs, err := grid.ReadRefIndex(filepath.Join(dir, "modelref.bin"))
	if err != nil {
		return nil, err
	}
	if len(refs) != cat.Len() {
		return nil, errors.New("cached reference index does not match the catalogue")
	}
	grids := &auf.Grids{}
	for _, q := range []struct {
		name string
		dst  **grid.Packed4D
	}{
		{"fourier", &grids.Fourier},
		{"frac", &grids.Frac},
		{"flux", &grids.Flux},
	} {
		g, err := grid.ReadPacked(filepath.Join(dir, q.name+".grid"))
		if err != nil {
			return nil, err
		}
		*q.dst = g
	}
	return &sideData{cat: cat, refs: refs, grids: grids}, nil
}
