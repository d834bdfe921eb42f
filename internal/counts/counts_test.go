package counts

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"skymatch/pkg/skygeom"
)

// uniformTable simulates dens sources per square degree per magnitude over
// [lo, hi) in an area of one square degree.
func uniformTable(rng *rand.Rand, dens float64, lo, hi float64) *Table {
	n := int(dens * (hi - lo))
	t := &Table{Area: 1, Mags: make([]float64, n)}
	for i := range t.Mags {
		t.Mags[i] = lo + (hi-lo)*rng.Float64()
	}
	return t
}

func TestBuildSingleTable(t *testing.T) {
	rng := rand.New(rand.NewSource(41))
	tab := uniformTable(rng, 2000, 10, 16)

	m, err := Build(tab, nil, BuildParams{DMag: 0.25, BrightestMag: 10, DensityMag: 14})
	require.NoError(t, err)

	require.NotEmpty(t, m.MagMids)
	for i, mid := range m.MagMids {
		assert.InEpsilon(t, 2000, math.Pow(10, m.Log10Dens[i]), 0.2,
			"density at mag %.2f", mid)
	}
	// 2000 deg^-2 mag^-1 over four magnitudes brighter than the limit.
	assert.InEpsilon(t, 8000, m.TotalDensity, 0.05)
	assert.InEpsilon(t, 8000, m.NBright, 0.05)
}

func TestBuildMergesBrightAndFaint(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	// The faint run is deep but sparse at the bright end; the bright run
	// covers only the bright half but at the same density.
	faint := uniformTable(rng, 1000, 10, 18)
	bright := uniformTable(rng, 1000, 10, 14)

	m, err := Build(faint, bright, BuildParams{DMag: 0.25, BrightestMag: 10, DensityMag: 14})
	require.NoError(t, err)

	// The merge must not distort a shared plateau, and must retain the
	// faint run's coverage past the bright run's turnover.
	for i, mid := range m.MagMids {
		assert.InEpsilon(t, 1000, math.Pow(10, m.Log10Dens[i]), 0.25,
			"density at mag %.2f", mid)
	}
	last := m.MagMids[len(m.MagMids)-1]
	assert.Greater(t, last, 17.0)
}

func TestBuildGalaxyContribution(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	tab := uniformTable(rng, 1500, 10, 16)

	galDens := 500.0
	gal := func(mids []float64) []float64 {
		out := make([]float64, len(mids))
		for i := range out {
			out[i] = galDens
		}
		return out
	}
	m, err := Build(tab, nil, BuildParams{DMag: 0.25, BrightestMag: 10, DensityMag: 14, Galaxy: gal})
	require.NoError(t, err)

	for i := range m.MagMids {
		assert.InEpsilon(t, 2000, math.Pow(10, m.Log10Dens[i]), 0.2)
	}
	// Effective bright count gains the galaxy fraction.
	assert.InEpsilon(t, (1500+500)*4, m.NBright, 0.1)
}

func TestBuildRejectsSparseSimulation(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	tab := uniformTable(rng, 10, 10, 16)

	_, err := Build(tab, nil, BuildParams{DMag: 0.25, BrightestMag: 10, DensityMag: 14})
	require.ErrorIs(t, err, ErrInsufficientCounts)
}

func TestDensityAt(t *testing.T) {
	m := &Model{
		MagMids:   []float64{10.5, 11.5},
		MagWidths: []float64{1, 1},
		Log10Dens: []float64{2, 3},
	}
	assert.InDelta(t, 100, m.DensityAt(10.2), 1e-9)
	assert.InDelta(t, 1000, m.DensityAt(11.9), 1e-9)
	assert.Zero(t, m.DensityAt(14))
}

func TestFetchHalvesAreaOnTimeout(t *testing.T) {
	var areas []float64
	p := ProviderFunc(func(ctx context.Context, at skygeom.Point, req Request) (*Table, error) {
		areas = append(areas, req.Area)
		if len(areas) < 3 {
			return nil, context.DeadlineExceeded
		}
		return &Table{Area: req.Area}, nil
	})
	tab, err := Fetch(context.Background(), p, skygeom.Point{}, Request{Area: 4},
		FetchOptions{Timeout: time.Second, MaxAttempts: 5, MinArea: 0.5})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 2, 1}, areas)
	assert.Equal(t, 1.0, tab.Area)
}

func TestFetchEscalatesAfterRepeatedFailures(t *testing.T) {
	calls := 0
	p := ProviderFunc(func(ctx context.Context, at skygeom.Point, req Request) (*Table, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	_, err := Fetch(context.Background(), p, skygeom.Point{}, Request{Area: 1},
		FetchOptions{MaxAttempts: 5})
	require.ErrorIs(t, err, ErrProviderUnresponsive)
	assert.Equal(t, 5, calls)
}

func TestFetchRespectsCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := ProviderFunc(func(ctx context.Context, at skygeom.Point, req Request) (*Table, error) {
		cancel()
		return nil, context.Canceled
	})
	_, err := Fetch(ctx, p, skygeom.Point{}, Request{Area: 1}, FetchOptions{MaxAttempts: 3})
	require.ErrorIs(t, err, context.Canceled)
}
