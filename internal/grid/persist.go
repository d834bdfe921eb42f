package grid

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const packedMagic = 0x534d4734 // "SMG4"

// Meta is the JSON sidecar written next to each packed grid file, enough to
// identify an artifact without parsing the binary payload.
type Meta struct {
	Quantity string    `json:"quantity"`
	NVals    int       `json:"n_vals"`
	MaxCombo int       `json:"max_combo"`
	NFilters int       `json:"n_filters"`
	NTiles   int       `json:"n_tiles"`
	Created  time.Time `json:"created"`
}

// WritePacked persists g to path with a JSON metadata sidecar at path+".json".
// The file is written whole; readers never observe a partial update.
func WritePacked(path, quantity string, g *Packed4D) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("writing %s grid: %w", quantity, err)
	}
	hdr := []uint64{packedMagic, uint64(g.NVals), uint64(g.MaxCombo), uint64(g.NFilters), uint64(g.NTiles)}
	if err := binary.Write(f, binary.LittleEndian, hdr); err != nil {
		f.Close()
		return fmt.Errorf("writing %s grid header: %w", quantity, err)
	}
	lens := make([]int64, len(g.lengths))
	for i, n := range g.lengths {
		lens[i] = int64(n)
	}
	if err := binary.Write(f, binary.LittleEndian, lens); err != nil {
		f.Close()
		return fmt.Errorf("writing %s grid lengths: %w", quantity, err)
	}
	if err := binary.Write(f, binary.LittleEndian, g.Data); err != nil {
		f.Close()
		return fmt.Errorf("writing %s grid data: %w", quantity, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing %s grid: %w", quantity, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("writing %s grid: %w", quantity, err)
	}

	meta := Meta{
		Quantity: quantity,
		NVals:    g.NVals,
		MaxCombo: g.MaxCombo,
		NFilters: g.NFilters,
		NTiles:   g.NTiles,
		Created:  time.Now().UTC(),
	}
	buf, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s grid metadata: %w", quantity, err)
	}
	if err := os.WriteFile(path+".json", buf, 0o644); err != nil {
		return fmt.Errorf("writing %s grid metadata: %w", quantity, err)
	}
	return nil
}

// ReadPacked loads a grid written by WritePacked.
func ReadPacked(path string) (*Packed4D, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading grid: %w", err)
	}
	defer f.Close()
	var hdr [5]uint64
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading grid header from %s: %w", path, err)
	}
	if hdr[0] != packedMagic {
		return nil, fmt.Errorf("%s is not a packed grid file", path)
	}
	g := &Packed4D{
		NVals:    int(hdr[1]),
		MaxCombo: int(hdr[2]),
		NFilters: int(hdr[3]),
		NTiles:   int(hdr[4]),
	}
	lens := make([]int64, g.NFilters*g.NTiles)
	if err := binary.Read(f, binary.LittleEndian, lens); err != nil {
		return nil, fmt.Errorf("reading grid lengths from %s: %w", path, err)
	}
	g.lengths = make([]int, len(lens))
	for i, n := range lens {
		g.lengths[i] = int(n)
	}
	g.Data = make([]float64, g.NVals*g.MaxCombo*g.NFilters*g.NTiles)
	if err := binary.Read(f, binary.LittleEndian, g.Data); err != nil {
		return nil, fmt.Errorf("reading grid data from %s: %w", path, err)
	}
	return g, nil
}
