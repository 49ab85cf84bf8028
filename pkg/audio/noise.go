package audio

import (
	"math"
	"sort"
)

const (
	noisePercentile  = 0.10
	noiseSmoothing   = 0.9
	noiseGateFactor  = 2.0
	analysisWindowHz = 100 // 10 ms windows
)

// windowRMS splits samples into ~10 ms windows and returns the RMS of each
func windowRMS(samples []int16, sampleRate int) []float64 {
	size := sampleRate / analysisWindowHz
	if size <= 0 {
		size = len(samples)
	}
	if size == 0 {
		return nil
	}
	out := make([]float64, 0, len(samples)/size+1)
	for start := 0; start < len(samples); start += size {
		end := start + size
		if end > len(samples) {
			end = len(samples)
		}
		out = append(out, RMS(samples[start:end]))
	}
	return out
}

// percentile uses nearest-rank on a sorted copy
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// reduceNoise updates the running floor and attenuates samples under the gate.
// The returned floor replaces the caller's state.
func reduceNoise(samples []int16, sampleRate int, floor, attenuation float64) ([]int16, float64) {
	if len(samples) == 0 {
		return samples, floor
	}

	estimate := percentile(windowRMS(samples, sampleRate), noisePercentile)
	if floor == 0 {
		floor = estimate
	} else {
		floor = noiseSmoothing*floor + (1-noiseSmoothing)*estimate
	}

	gate := noiseGateFactor * floor
	out := make([]int16, len(samples))
	for i, s := range samples {
		if math.Abs(float64(s)) < gate {
			out[i] = clampSample(float64(s) * attenuation)
			continue
		}
		out[i] = s
	}
	return out, floor
}
