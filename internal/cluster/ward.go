package cluster

import (
	"errors"
	"math"
)

// ErrDegenerate is returned when pairwise distances contain NaN or Inf.
// Callers abort the refresh and keep the previous cluster generation.
var ErrDegenerate = errors.New("degenerate distance matrix")

// Ward groups vectors bottom-up, always merging the pair of groups with
// the smallest Ward linkage distance (the merge minimizing the increase
// in within-group variance), and stops once the nearest pair is farther
// apart than threshold (Euclidean scale). Returns the index groups; no
// size filtering happens here.
//
// Distances are maintained as squared Euclidean via the Lance-Williams
// recurrence, so reported merge heights match the classic ward linkage:
// for singletons the height is the plain Euclidean distance.
func Ward(vectors [][]float64, threshold float64) ([][]int, error) {
	n := len(vectors)
	switch n {
	case 0:
		return nil, nil
	case 1:
		return [][]int{{0}}, nil
	}

	d2 := make([][]float64, n)
	for i := range d2 {
		d2[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := sqEuclidean(vectors[i], vectors[j])
			if math.IsNaN(d) || math.IsInf(d, 0) {
				return nil, ErrDegenerate
			}
			d2[i][j] = d
			d2[j][i] = d
		}
	}

	groups := make([][]int, n)
	sizes := make([]float64, n)
	for i := 0; i < n; i++ {
		groups[i] = []int{i}
		sizes[i] = 1
	}

	thresholdSq := threshold * threshold
	alive := n

	for alive > 1 {
		// Nearest pair among surviving groups.
		minD := math.Inf(1)
		mi, mj := -1, -1
		for i := 0; i < n; i++ {
			if groups[i] == nil {
				continue
			}
			for j := i + 1; j < n; j++ {
				if groups[j] == nil {
					continue
				}
				if d2[i][j] < minD {
					minD = d2[i][j]
					mi, mj = i, j
				}
			}
		}

		if mi < 0 || minD > thresholdSq {
			break
		}

		// Lance-Williams update for Ward: d2(k, i∪j) depends on the
		// three group sizes and the pairwise squared distances.
		ni, nj := sizes[mi], sizes[mj]
		dij := d2[mi][mj]
		for k := 0; k < n; k++ {
			if k == mi || k == mj || groups[k] == nil {
				continue
			}
			nk := sizes[k]
			d := ((ni+nk)*d2[mi][k] + (nj+nk)*d2[mj][k] - nk*dij) / (ni + nj + nk)
			d2[mi][k] = d
			d2[k][mi] = d
		}

		groups[mi] = append(groups[mi], groups[mj]...)
		sizes[mi] += sizes[mj]
		groups[mj] = nil
		alive--
	}

	out := make([][]int, 0, alive)
	for _, g := range groups {
		if g != nil {
			out = append(out, g)
		}
	}
	return out, nil
}

func sqEuclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Centroid returns the element-wise mean of the given vectors.
func Centroid(vectors [][]float64) []float64 {
	if len(vectors) == 0 {
		return nil
	}

	out := make([]float64, len(vectors[0]))
	for _, v := range vectors {
		for i := range out {
			out[i] += v[i]
		}
	}
	for i := range out {
		out[i] /= float64(len(vectors))
	}
	return out
}
