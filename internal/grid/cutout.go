package grid

import (
	"fmt"
	"sort"

	"skymatch/pkg/skygeom"
)

// Cutout is the minimal self-contained subset of a catalogue and its grid
// references needed to process one rectangular sky region: the included row
// indices, the unique grid columns those rows touch (in a fixed order), and
// a per-row index into that compacted column list.
type Cutout struct {
	// Rows holds original catalogue row indices, ascending.
	Rows []int
	// Columns lists the referenced grid slices, sorted by (tile, filter,
	// combo); the dense 0..K-1 index space of the cutout.
	Columns []Ref
	// ColIndex[i] is the position of Rows[i]'s grid slice within Columns.
	ColIndex []int
}

// Cut selects the rows whose positional error circle, padded by pad
// degrees, overlaps rect, and compacts their grid references. posErr is in
// arcseconds. The result depends only on the set of rows, not their order:
// rows are emitted ascending and columns in (tile, filter, combo) order.
func Cut(pos []skygeom.Point, posErr []float64, refs RefIndex, rect skygeom.Rect, pad float64) (*Cutout, error) {
	if len(pos) != len(refs) || len(pos) != len(posErr) {
		return nil, fmt.Errorf("grid: cutout inputs disagree on length: %d positions, %d errors, %d references",
			len(pos), len(posErr), len(refs))
	}
	c := &Cutout{}
	seen := map[Ref]bool{}
	for i, p := range pos {
		if !rect.Contains(p, pad+posErr[i]/3600) {
			continue
		}
		c.Rows = append(c.Rows, i)
		seen[refs[i]] = true
	}
	c.Columns = make([]Ref, 0, len(seen))
	for r := range seen {
		c.Columns = append(c.Columns, r)
	}
	sort.Slice(c.Columns, func(a, b int) bool {
		ra, rb := c.Columns[a], c.Columns[b]
		if ra.Tile != rb.Tile {
			return ra.Tile < rb.Tile
		}
		if ra.Filter != rb.Filter {
			return ra.Filter < rb.Filter
		}
		return ra.Combo < rb.Combo
	})
	lookup := make(map[Ref]int, len(c.Columns))
	for k, r := range c.Columns {
		lookup[r] = k
	}
	c.ColIndex = make([]int, len(c.Rows))
	for i, row := range c.Rows {
		c.ColIndex[i] = lookup[refs[row]]
	}
	return c, nil
}

// Extract materialises the cutout's dense column array from a full grid:
// element [k] is the value vector of Columns[k].
func (c *Cutout) Extract(g *Packed4D) ([][]float64, error) {
	out := make([][]float64, len(c.Columns))
	for k, r := range c.Columns {
		v, err := g.Vector(r.Combo, r.Filter, r.Tile)
		if err != nil {
			return nil, fmt.Errorf("grid: cutout column %d: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}
