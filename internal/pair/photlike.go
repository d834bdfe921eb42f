package pair

import "sort"

// densityFloor keeps log-likelihoods finite for magnitudes outside the
// table coverage or undetected sources.
const densityFloor = 1e-30

// PhotLike holds the magnitude-binned photometric likelihood tables and the
// match priors: C is the joint counterpart magnitude density over
// (AEdges, BEdges) bins, FA and FB the false-match densities of each side,
// and NC, NFA, NFB the surface densities (per square arcsecond, matching
// the astrometric PDFs) of counterparts and of unmatched field sources.
type PhotLike struct {
	AEdges []float64
	BEdges []float64
	C      [][]float64
	FA     []float64
	FB     []float64

	NC  float64
	NFA float64
	NFB float64
}

// Uniform returns magnitude-independent likelihood tables with the given
// priors, reducing pairing to purely astrometric evidence.
func Uniform(nc, nfa, nfb float64) PhotLike {
	return PhotLike{NC: nc, NFA: nfa, NFB: nfb}
}

func bin(edges []float64, m float64) int {
	if len(edges) == 0 {
		return 0
	}
	i := sort.SearchFloat64s(edges, m) - 1
	if i < 0 || i >= len(edges)-1 {
		return -1
	}
	return i
}

func (l PhotLike) cAt(ma, mb float64) float64 {
	if l.C == nil {
		return 1
	}
	i, j := bin(l.AEdges, ma), bin(l.BEdges, mb)
	if i < 0 || j < 0 {
		return densityFloor
	}
	if v := l.C[i][j]; v > 0 {
		return v
	}
	return densityFloor
}

func (l PhotLike) faAt(ma float64) float64 {
	if l.FA == nil {
		return 1
	}
	i := bin(l.AEdges, ma)
	if i < 0 || l.FA[i] <= 0 {
		return densityFloor
	}
	return l.FA[i]
}

func (l PhotLike) fbAt(mb float64) float64 {
	if l.FB == nil {
		return 1
	}
	i := bin(l.BEdges, mb)
	if i < 0 || l.FB[i] <= 0 {
		return densityFloor
	}
	return l.FB[i]
}
