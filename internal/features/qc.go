package features

import (
	"math"
	"sort"
)

// quartiles computes Q1 and Q3 of the finite values with linear
// interpolation between order statistics. ok is false when fewer than
// two finite values exist.
func quartiles(values []float64) (q1, q3 float64, ok bool) {
	finite := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			finite = append(finite, v)
		}
	}
	if len(finite) < 2 {
		return 0, 0, false
	}
	sort.Float64s(finite)
	return percentile(finite, 0.25), percentile(finite, 0.75), true
}

// percentile interpolates over a sorted slice, matching the numpy
// default method.
func percentile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// clipIQR clips outliers into [Q1 - k*IQR, Q3 + k*IQR] in place and
// reports how many cells moved. Columns with a degenerate spread
// (Q3 <= Q1) are left untouched.
func clipIQR(values []float64, k float64) int {
	q1, q3, ok := quartiles(values)
	if !ok || q3 <= q1 {
		return 0
	}
	iqr := q3 - q1
	lo := q1 - k*iqr
	hi := q3 + k*iqr
	clipped := 0
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		switch {
		case v < lo:
			values[i] = lo
			clipped++
		case v > hi:
			values[i] = hi
			clipped++
		}
	}
	return clipped
}

// forwardFill replaces up to limit leading cells of each non-finite
// run with the last finite value, in place. Runs before any finite
// value stay as they are.
func forwardFill(values []float64, limit int) int {
	if limit <= 0 {
		return 0
	}
	filled := 0
	last := math.NaN()
	run := 0
	for i, v := range values {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			last = v
			run = 0
			continue
		}
		run++
		if run <= limit && !math.IsNaN(last) {
			values[i] = last
			filled++
		}
	}
	return filled
}

// invalidRate is the fraction of non-finite cells.
func invalidRate(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	bad := 0
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			bad++
		}
	}
	return float64(bad) / float64(len(values))
}
