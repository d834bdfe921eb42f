package catalogue

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"skymatch/pkg/skygeom"
)

// Format selects the on-disk numeric format for catalogue cutout files.
type Format int

const (
	// FormatBinary is the native little-endian binary array format.
	FormatBinary Format = iota
	// FormatCSV is comma-delimited text, one source per row.
	FormatCSV
)

// ParseFormat converts the configuration string into a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "binary":
		return FormatBinary, nil
	case "csv":
		return FormatCSV, nil
	}
	return 0, fmt.Errorf("catalogue: format must be 'binary' or 'csv', got %q", s)
}

// GenerateFunc produces a catalogue cutout file for the given padded sky
// rectangle at the given path. It is invoked lazily, once per tile, when
// cutouts are not pregenerated.
type GenerateFunc func(rect skygeom.Rect, path string) error

// MissingFileError reports a required cutout file that does not exist.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("catalogue: required cutout file %s does not exist", e.Path)
}

// CheckExists verifies that every pregenerated cutout file is present,
// returning a MissingFileError naming the first absent path.
func CheckExists(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return &MissingFileError{Path: p}
		}
	}
	return nil
}

// Row layout shared by both formats: ax1, ax2, posErr, nf magnitudes,
// nf magnitude uncertainties, best-filter index.
const binaryMagic = 0x534d4331 // "SMC1"

// WriteBinary writes the catalogue in the native binary format.
func WriteBinary(path string, c *Catalogue) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("catalogue: creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	hdr := []uint64{binaryMagic, uint64(c.Len()), uint64(c.NFilters())}
	for _, v := range hdr {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("catalogue: writing %s header: %w", path, err)
		}
	}
	for i := 0; i < c.Len(); i++ {
		row := rowFor(c, i)
		if err := binary.Write(w, binary.LittleEndian, row); err != nil {
			return fmt.Errorf("catalogue: writing %s row %d: %w", path, i, err)
		}
	}
	return w.Flush()
}

// ReadBinary loads a native binary cutout file. The filter names are
// supplied by configuration; the file stores only the numeric columns.
func ReadBinary(path string, filters []string) (*Catalogue, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, &MissingFileError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("catalogue: opening %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic, n, nf uint64
	for _, p := range []*uint64{&magic, &n, &nf} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("catalogue: reading %s header: %w", path, err)
		}
	}
	if magic != binaryMagic {
		return nil, fmt.Errorf("catalogue: %s is not a binary cutout file", path)
	}
	if int(nf) != len(filters) {
		return nil, fmt.Errorf("catalogue: %s has %d filters, configuration names %d", path, nf, len(filters))
	}

	c := newEmpty(int(n), filters)
	row := make([]float64, 3+2*int(nf)+1)
	for i := 0; i < int(n); i++ {
		if err := binary.Read(r, binary.LittleEndian, row); err != nil {
			return nil, fmt.Errorf("catalogue: reading %s row %d: %w", path, i, err)
		}
		appendRow(c, row)
	}
	return c, nil
}

// WriteCSV writes the catalogue as comma-delimited text.
func WriteCSV(path string, c *Catalogue) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("catalogue: creating %s: %w", path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for i := 0; i < c.Len(); i++ {
		row := rowFor(c, i)
		fields := make([]string, len(row))
		for j, v := range row {
			fields[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if _, err := w.WriteString(strings.Join(fields, ",") + "\n"); err != nil {
			return fmt.Errorf("catalogue: writing %s row %d: %w", path, i, err)
		}
	}
	return w.Flush()
}

// ReadCSV loads a comma-delimited cutout file.
func ReadCSV(path string, filters []string) (*Catalogue, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, &MissingFileError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("catalogue: opening %s: %w", path, err)
	}
	defer f.Close()

	want := 3 + 2*len(filters) + 1
	c := newEmpty(0, filters)
	row := make([]float64, want)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Split(text, ",")
		if len(fields) != want {
			return nil, fmt.Errorf("catalogue: %s line %d has %d fields, want %d", path, line, len(fields), want)
		}
		for j, fstr := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(fstr), 64)
			if err != nil {
				return nil, fmt.Errorf("catalogue: %s line %d field %d: %w", path, line, j, err)
			}
			row[j] = v
		}
		appendRow(c, row)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("catalogue: reading %s: %w", path, err)
	}
	return c, nil
}

// Read loads a cutout file in the selected format.
func Read(path string, format Format, filters []string) (*Catalogue, error) {
	if format == FormatCSV {
		return ReadCSV(path, filters)
	}
	return ReadBinary(path, filters)
}

// Write persists the catalogue in the selected format.
func Write(path string, format Format, c *Catalogue) error {
	if format == FormatCSV {
		return WriteCSV(path, c)
	}
	return WriteBinary(path, c)
}

func newEmpty(n int, filters []string) *Catalogue {
	return &Catalogue{
		Pos:     make([]skygeom.Point, 0, n),
		PosErr:  make([]float64, 0, n),
		Mags:    make([][]float64, 0, n),
		MagErrs: make([][]float64, 0, n),
		MagRef:  make([]int, 0, n),
		Filters: filters,
	}
}

func rowFor(c *Catalogue, i int) []float64 {
	nf := c.NFilters()
	row := make([]float64, 0, 3+2*nf+1)
	row = append(row, c.Pos[i].Ax1, c.Pos[i].Ax2, c.PosErr[i])
	row = append(row, c.Mags[i]...)
	row = append(row, c.MagErrs[i]...)
	row = append(row, float64(c.MagRef[i]))
	return row
}

func appendRow(c *Catalogue, row []float64) {
	nf := c.NFilters()
	c.Pos = append(c.Pos, skygeom.Point{Ax1: row[0], Ax2: row[1]})
	c.PosErr = append(c.PosErr, row[2])
	mags := make([]float64, nf)
	magErrs := make([]float64, nf)
	copy(mags, row[3:3+nf])
	copy(magErrs, row[3+nf:3+2*nf])
	c.Mags = append(c.Mags, mags)
	c.MagErrs = append(c.MagErrs, magErrs)
	ref := int(math.Round(row[3+2*nf]))
	c.MagRef = append(c.MagRef, ref)
}
