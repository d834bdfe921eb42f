// Command crossmatch runs the full Bayesian cross-match pipeline over two
// catalogue cutout files and writes the pairing tables.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"skymatch/internal/auf"
	"skymatch/internal/counts"
	"skymatch/internal/pipeline"
	"skymatch/internal/version"
	"skymatch/pkg/skygeom"
)

func main() {
	aPath := flag.String("a", "", "Path to catalogue A cutout file")
	bPath := flag.String("b", "", "Path to catalogue B cutout file")
	aFilters := flag.String("a-filters", "", "Comma-separated filter names of catalogue A")
	bFilters := flag.String("b-filters", "", "Comma-separated filter names of catalogue B")
	format := flag.String("format", "binary", "Catalogue file format: binary or csv")
	region := flag.String("region", "", "Survey rectangle: ax1min,ax1max,ax2min,ax2max in degrees")
	frame := flag.String("frame", "equatorial", "Coordinate frame: equatorial or galactic")
	tilesAx1 := flag.String("tiles-ax1", "", "Comma-separated tile centre first-axis coordinates")
	tilesAx2 := flag.String("tiles-ax2", "", "Comma-separated tile centre second-axis coordinates")
	tileDim := flag.Int("tile-dim", 1, "Tiling scheme: 1 pairs the axis lists, 2 crosses them")
	out := flag.String("out", "crossmatch_output", "Output directory")
	pool := flag.Int("pool", 4, "Worker pool size")
	perturb := flag.Bool("perturb", false, "Model perturbations from unresolved blended neighbours")
	countsDir := flag.String("counts-dir", "", "Directory of per-filter source-count tables (<filter>.csv), required with -perturb")
	psfA := flag.String("a-psf-fwhm", "", "Comma-separated per-filter PSF FWHM of catalogue A, arcsec")
	psfB := flag.String("b-psf-fwhm", "", "Comma-separated per-filter PSF FWHM of catalogue B, arcsec")
	snr := flag.String("snr", "", "Signal-to-noise model coefficients a,b,c shared by all filters")
	recreate := flag.Bool("recreate-auf", false, "Re-simulate perturbation grids even when cached")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("crossmatch %s (commit %s, built %s)\n", version.Version, version.GitCommit, version.BuildTime)
		return
	}
	if *aPath == "" || *bPath == "" || *region == "" || *tilesAx1 == "" || *tilesAx2 == "" {
		fmt.Println("Usage: crossmatch -a <path> -b <path> -a-filters g,r -b-filters w1 " +
			"-region ax1min,ax1max,ax2min,ax2max -tiles-ax1 ... -tiles-ax2 ... [options]")
		os.Exit(1)
	}

	rect, err := parseRegion(*region)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bad -region: %v\n", err)
		os.Exit(1)
	}

	p := pipeline.DefaultParams()
	p.IncludePerturbations = *perturb
	p.Frame = *frame
	p.TileDim = *tileDim
	p.TileAx1 = parseFloats(*tilesAx1)
	p.TileAx2 = parseFloats(*tilesAx2)
	p.Rect = rect
	p.PoolSize = *pool
	p.OutputDir = *out
	p.RecreateAUF = *recreate
	p.Log = slog.New(slog.NewTextHandler(os.Stderr, nil))

	for _, side := range []struct {
		cfg     *pipeline.CatalogueConfig
		path    string
		filters string
		psf     string
	}{
		{&p.A, *aPath, *aFilters, *psfA},
		{&p.B, *bPath, *bFilters, *psfB},
	} {
		side.cfg.Path = side.path
		side.cfg.Format = *format
		side.cfg.Pregenerated = true
		side.cfg.Filters = splitList(side.filters)
		if *perturb {
			side.cfg.AUF.PSFFWHM = parseFloats(side.psf)
			side.cfg.AUF.SNR = snrTable(*snr, len(side.cfg.Filters), rect)
			side.cfg.Counts = &fileProvider{dir: *countsDir}
		}
	}

	cm, err := pipeline.NewCrossMatch(p)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	res, err := cm.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cross-match failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Counterparts: %d\n", len(res.Counterparts))
	fmt.Printf("Field sources: %d (A) / %d (B)\n", len(res.AField), len(res.BField))
	fmt.Printf("Rejected: %d (A) / %d (B)\n", len(res.ARejected), len(res.BRejected))
	for _, w := range res.Warnings {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", w)
	}
	fmt.Printf("Results written to %s\n", filepath.Join(*out, "pairing"))
}

func parseRegion(s string) (skygeom.Rect, error) {
	v := parseFloats(s)
	if len(v) != 4 {
		return skygeom.Rect{}, fmt.Errorf("need 4 values, got %d", len(v))
	}
	return skygeom.Rect{Ax1Min: v[0], Ax1Max: v[1], Ax2Min: v[2], Ax2Max: v[3]}, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseFloats(s string) []float64 {
	var out []float64
	for _, part := range splitList(s) {
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Bad numeric list %q: %v\n", s, err)
			os.Exit(1)
		}
		out = append(out, v)
	}
	return out
}

func snrTable(s string, nFilters int, rect skygeom.Rect) [][]auf.SNRCoeffs {
	v := parseFloats(s)
	if len(v) != 3 {
		fmt.Fprintf(os.Stderr, "Bad -snr %q: need a,b,c\n", s)
		os.Exit(1)
	}
	centre := skygeom.Point{
		Ax1: (rect.Ax1Min + rect.Ax1Max) / 2,
		Ax2: (rect.Ax2Min + rect.Ax2Max) / 2,
	}
	out := make([][]auf.SNRCoeffs, nFilters)
	for f := range out {
		out[f] = []auf.SNRCoeffs{{A: v[0], B: v[1], C: v[2], At: centre}}
	}
	return out
}

// fileProvider serves source-count tables from per-filter CSV files: one
// header row "area,<square degrees>" then one simulated magnitude per row.
type fileProvider struct {
	dir string
}

func (fp *fileProvider) Counts(_ context.Context, _ skygeom.Point, req counts.Request) (*counts.Table, error) {
	f, err := os.Open(filepath.Join(fp.dir, req.Filter+".csv"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) != 2 || rows[0][0] != "area" {
		return nil, fmt.Errorf("counts table for filter %s: missing area header", req.Filter)
	}
	tab := &counts.Table{}
	if tab.Area, err = strconv.ParseFloat(rows[0][1], 64); err != nil {
		return nil, fmt.Errorf("counts table for filter %s: bad area: %w", req.Filter, err)
	}
	for _, row := range rows[1:] {
		m, err := strconv.ParseFloat(row[0], 64)
		if err != nil {
			return nil, fmt.Errorf("counts table for filter %s: bad magnitude %q: %w", req.Filter, row[0], err)
		}
		if m <= req.MagLim {
			tab.Mags = append(tab.Mags, m)
		}
	}
	return tab, nil
}
