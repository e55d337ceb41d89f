// Package baseline computes and stores per-metric statistical baselines.
package baseline

import (
	"math"
	"sort"
)

// Stats summarises a sample of metric values.
type Stats struct {
	Mean       float64 `json:"mean"`
	StdDev     float64 `json:"stddev"`
	Median     float64 `json:"median"`
	Q1         float64 `json:"q1"`
	Q3         float64 `json:"q3"`
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	SampleSize int     `json:"sample_size"`
}

// IQR returns the interquartile range.
func (s Stats) IQR() float64 {
	return s.Q3 - s.Q1
}

// IQRBounds returns the Tukey fences Q1-k*IQR and Q3+k*IQR.
func (s Stats) IQRBounds(k float64) (lower, upper float64) {
	iqr := s.IQR()
	return s.Q1 - k*iqr, s.Q3 + k*iqr
}

// Compute returns mean, population standard deviation and linearly
// interpolated quartiles. Non-finite values are ignored.
func Compute(values []float64) Stats {
	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sorted = append(sorted, v)
	}
	if len(sorted) == 0 {
		return Stats{}
	}
	sort.Float64s(sorted)

	n := float64(len(sorted))
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / n

	var sqDiff float64
	for _, v := range sorted {
		d := v - mean
		sqDiff += d * d
	}

	return Stats{
		Mean:       mean,
		StdDev:     math.Sqrt(sqDiff / n),
		Median:     percentile(sorted, 0.5),
		Q1:         percentile(sorted, 0.25),
		Q3:         percentile(sorted, 0.75),
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		SampleSize: len(sorted),
	}
}

// MeanStdDev returns the population mean and standard deviation of values.
func MeanStdDev(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := p * float64(len(sorted)-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	weight := idx - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
