package depthlayer

import (
	"math"
)

const (
	// Far and near planes of the depth-derived world coordinate.
	FarZ  = -400.0
	NearZ = 200.0
)

// Layer is one discrete depth band found by Quantize.
type Layer struct {
	ID        int
	Depth     float64 // representative (peak) depth
	ZPosition float64
}

// QuantizedDepthMap assigns every pixel to an index in Layers. Layers are in
// ascending depth order, far to near.
type QuantizedDepthMap struct {
	Width            int
	Height           int
	LayerAssignments []uint8
	Layers           []Layer
	Granularity      float64
}

// QuantizeOptions holds the peak-detection heuristics.
type QuantizeOptions struct {
	// Histogram resolution over [0,1]. At most 256 since assignments are uint8.
	Bins int
	// Lower clamp applied to the requested granularity.
	MinGranularity float64
	// A local maximum must hold more than NoiseFloor pixels to become a peak.
	// Negative means Bins/10.
	NoiseFloor int
}

func DefaultQuantizeOptions() QuantizeOptions {
	return QuantizeOptions{
		Bins:           100,
		MinGranularity: 0.05,
		NoiseFloor:     -1,
	}
}

// DepthToZPosition maps depth linearly onto [FarZ, NearZ].
func DepthToZPosition(depth float64) float64 {
	return FarZ + depth*(NearZ-FarZ)
}

// Quantize clusters d into discrete layers with the default heuristics.
func Quantize(d *DepthMap, granularity float64) (*QuantizedDepthMap, error) {
	return QuantizeWith(d, granularity, DefaultQuantizeOptions())
}

// QuantizeWith builds a depth histogram, picks separated local maxima as
// peaks, forces the first and last bin in so the whole range is covered, and
// assigns each pixel to its nearest peak.
func QuantizeWith(d *DepthMap, granularity float64, opt QuantizeOptions) (*QuantizedDepthMap, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	bins := opt.Bins
	if bins < 3 || bins > 256 {
		return nil, &ParameterError{Name: "bins", Value: bins, Rule: "must be within [3,256]"}
	}
	granularity = clampGranularity(granularity, opt.MinGranularity)
	noiseFloor := opt.NoiseFloor
	if noiseFloor < 0 {
		noiseFloor = bins / 10
	}

	pixelBins := make([]int, d.Len())
	hist := make([]int, bins)
	for i, v := range d.Data {
		b := depthBin(v, bins)
		pixelBins[i] = b
		hist[b]++
	}

	peaks := findPeaks(hist, granularity*float64(bins), noiseFloor)

	layers := make([]Layer, len(peaks))
	for i, p := range peaks {
		depth := float64(p) / float64(bins)
		layers[i] = Layer{ID: i, Depth: depth, ZPosition: DepthToZPosition(depth)}
	}

	// Nearest peak per bin, so pixels resolve with a table lookup.
	nearest := make([]uint8, bins)
	for b := range bins {
		best, bestDist := 0, math.MaxInt
		for i, p := range peaks {
			if dist := absInt(b - p); dist < bestDist {
				best, bestDist = i, dist
			}
		}
		nearest[b] = uint8(best)
	}

	assignments := make([]uint8, d.Len())
	for i, b := range pixelBins {
		assignments[i] = nearest[b]
	}

	return &QuantizedDepthMap{
		Width:            d.Width,
		Height:           d.Height,
		LayerAssignments: assignments,
		Layers:           layers,
		Granularity:      granularity,
	}, nil
}

// findPeaks returns ascending peak bins. The scan keeps a local maximum only
// if it is at least minSeparation bins away from every accepted peak and its
// count exceeds noiseFloor. Bin 0 and the last bin are always present.
func findPeaks(hist []int, minSeparation float64, noiseFloor int) []int {
	last := len(hist) - 1
	peaks := make([]int, 0, 8)
	for i := 1; i < last; i++ {
		if hist[i] <= hist[i-1] || hist[i] <= hist[i+1] || hist[i] <= noiseFloor {
			continue
		}
		separated := true
		for _, p := range peaks {
			if float64(absInt(i-p)) < minSeparation {
				separated = false
				break
			}
		}
		if separated {
			peaks = append(peaks, i)
		}
	}
	if len(peaks) == 0 || peaks[0] != 0 {
		peaks = append([]int{0}, peaks...)
	}
	if peaks[len(peaks)-1] != last {
		peaks = append(peaks, last)
	}
	return peaks
}

func depthBin(v float64, bins int) int {
	if math.IsNaN(v) {
		return 0
	}
	return clampInt(int(math.Floor(v*float64(bins))), 0, bins-1)
}

func clampGranularity(g, minimum float64) float64 {
	if math.IsNaN(g) || g < minimum {
		return minimum
	}
	return min(g, 1)
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
