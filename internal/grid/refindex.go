package grid

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Ref identifies the grid slice applicable to one source: the
// density-magnitude combo within the tile and filter the source belongs to.
type Ref struct {
	Combo  int
	Filter int
	Tile   int
}

// RefIndex maps each catalogue row to its grid slice.
type RefIndex []Ref

const refMagic = 0x534d5246 // "SMRF"

// WriteRefIndex persists refs as three int64 columns (combo, filter, tile)
// after a magic/count header.
func WriteRefIndex(path string, refs RefIndex) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("writing reference index: %w", err)
	}
	defer f.Close()
	hdr := []uint64{refMagic, uint64(len(refs))}
	if err := binary.Write(f, binary.LittleEndian, hdr); err != nil {
		return fmt.Errorf("writing reference index header: %w", err)
	}
	cols := make([]int64, 0, 3*len(refs))
	for _, pick := range [](func(Ref) int){
		func(r Ref) int { return r.Combo },
		func(r Ref) int { return r.Filter },
		func(r Ref) int { return r.Tile },
	} {
		for _, r := range refs {
			cols = append(cols, int64(pick(r)))
		}
	}
	if err := binary.Write(f, binary.LittleEndian, cols); err != nil {
		return fmt.Errorf("writing reference index columns: %w", err)
	}
	return f.Close()
}

// ReadRefIndex loads a reference index written by WriteRefIndex.
func ReadRefIndex(path string) (RefIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading reference index: %w", err)
	}
	defer f.Close()
	var hdr [2]uint64
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("reading reference index header: %w", err)
	}
	if hdr[0] != refMagic {
		return nil, fmt.Errorf("%s is not a reference index file", path)
	}
	n := int(hdr[1])
	cols := make([]int64, 3*n)
	if err := binary.Read(f, binary.LittleEndian, cols); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, fmt.Errorf("reference index %s truncated", path)
		}
		return nil, fmt.Errorf("reading reference index columns: %w", err)
	}
	refs := make(RefIndex, n)
	for i := range refs {
		refs[i] = Ref{
			Combo:  int(cols[i]),
			Filter: int(cols[n+i]),
			Tile:   int(cols[2*n+i]),
		}
	}
	return refs, nil
}
