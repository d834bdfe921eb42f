package catalogue

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skymatch/pkg/skygeom"
)

func synthetic(n int) *Catalogue {
	c := &Catalogue{Filters: []string{"W1", "W2"}}
	for i := 0; i < n; i++ {
		frac := float64(i) / float64(n)
		c.Pos = append(c.Pos, skygeom.Point{Ax1: 100 + 10*frac, Ax2: -3 + 6*frac})
		c.PosErr = append(c.PosErr, 0.1+0.01*frac)
		c.Mags = append(c.Mags, []float64{14 + frac, 14.5 + frac})
		c.MagErrs = append(c.MagErrs, []float64{0.02, 0.03})
		c.MagRef = append(c.MagRef, i%2)
	}
	return c
}

func TestValidate(t *testing.T) {
	c := synthetic(10)
	require.NoError(t, c.Validate())

	c.MagRef[3] = 7
	require.ErrorContains(t, c.Validate(), "best-filter index 7")

	c = synthetic(10)
	c.PosErr = c.PosErr[:9]
	require.ErrorContains(t, c.Validate(), "mismatched column lengths")
}

func TestValidAndDetected(t *testing.T) {
	c := synthetic(3)
	assert.True(t, c.Valid(0))

	c.Pos[1].Ax1 = math.NaN()
	assert.False(t, c.Valid(1))
	c.PosErr[2] = 0
	assert.False(t, c.Valid(2))

	c.Mags[0][1] = math.NaN()
	assert.True(t, c.Detected(0, 0))
	assert.False(t, c.Detected(0, 1))
}

func TestSlice(t *testing.T) {
	c := synthetic(100)
	rect := skygeom.Rect{Ax1Min: 102, Ax1Max: 105, Ax2Min: -3, Ax2Max: 3}

	sub, idx := c.Slice(rect, 0)
	require.Equal(t, sub.Len(), len(idx))
	require.NotZero(t, sub.Len())
	for j, i := range idx {
		assert.Equal(t, c.Pos[i], sub.Pos[j])
		assert.True(t, rect.Contains(c.Pos[i], 0))
	}

	// Padding monotonicity: a padded slice is a superset.
	padded, idxPad := c.Slice(rect, 0.5)
	assert.GreaterOrEqual(t, padded.Len(), sub.Len())
	set := make(map[int]bool, len(idxPad))
	for _, i := range idxPad {
		set[i] = true
	}
	for _, i := range idx {
		assert.True(t, set[i])
	}
}

func TestRoundTripFormats(t *testing.T) {
	c := synthetic(25)
	c.Mags[4][1] = math.NaN()
	dir := t.TempDir()

	for name, format := range map[string]Format{"bin": FormatBinary, "csv": FormatCSV} {
		path := filepath.Join(dir, "cat."+name)
		require.NoError(t, Write(path, format, c))
		got, err := Read(path, format, c.Filters)
		require.NoError(t, err)
		require.Equal(t, c.Len(), got.Len())

		for i := 0; i < c.Len(); i++ {
			assert.InDelta(t, c.Pos[i].Ax1, got.Pos[i].Ax1, 1e-12)
			assert.InDelta(t, c.PosErr[i], got.PosErr[i], 1e-12)
			assert.Equal(t, c.MagRef[i], got.MagRef[i])
		}
		assert.True(t, math.IsNaN(got.Mags[4][1]))
	}
}

func TestMissingFile(t *testing.T) {
	_, err := ReadBinary(filepath.Join(t.TempDir(), "absent.bin"), []string{"W1"})
	var missing *MissingFileError
	require.ErrorAs(t, err, &missing)
	assert.Contains(t, missing.Error(), "absent.bin")

	require.NoError(t, CheckExists())
	require.Error(t, CheckExists("/definitely/not/here"))
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("binary")
	require.NoError(t, err)
	assert.Equal(t, FormatBinary, f)
	_, err = ParseFormat("npy")
	require.ErrorContains(t, err, "'binary' or 'csv'")
}

func TestSkyIndexWithin(t *testing.T) {
	c := synthetic(200)
	idx := NewSkyIndex(c.Pos, nil)

	centre := c.Pos[50]
	got := idx.Within(centre, 0.5)
	require.NotEmpty(t, got)

	seen := make(map[int]bool)
	for _, i := range got {
		assert.LessOrEqual(t, centre.Separation(c.Pos[i]), 0.5+1e-9)
		assert.False(t, seen[i], "duplicate index %d", i)
		seen[i] = true
	}
	// Brute-force cross-check.
	for i, p := range c.Pos {
		if centre.Separation(p) <= 0.5-1e-9 {
			assert.True(t, seen[i], "missing index %d", i)
		}
	}
}

func TestSkyIndexKeepFilter(t *testing.T) {
	c := synthetic(50)
	idx := NewSkyIndex(c.Pos, func(i int) bool { return i%2 == 0 })
	for _, i := range idx.Within(c.Pos[10], 5) {
		assert.Zero(t, i%2)
	}

	empty := NewSkyIndex(nil, nil)
	assert.Empty(t, empty.Within(c.Pos[0], 1))
}
