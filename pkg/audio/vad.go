package audio

import "math"

const (
	zcrSpeechMin     = 0.10
	zcrSpeechMax     = 0.50
	zcrPenalty       = 0.5
	thresholdScaling = 1.5
)

// levelHistory is a fixed-size ring of recent normalized RMS values
type levelHistory struct {
	values []float64
	next   int
	full   bool
}

func newLevelHistory(size int) *levelHistory {
	return &levelHistory{values: make([]float64, size)}
}

func (h *levelHistory) push(v float64) {
	h.values[h.next] = v
	h.next = (h.next + 1) % len(h.values)
	if h.next == 0 {
		h.full = true
	}
}

func (h *levelHistory) len() int {
	if h.full {
		return len(h.values)
	}
	return h.next
}

func (h *levelHistory) average() float64 {
	n := h.len()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += h.values[i]
	}
	return sum / float64(n)
}

// detect classifies samples against the history, then records the frame's level
func (h *levelHistory) detect(samples []int16, energyFloor, probThreshold float64) VADResult {
	if len(samples) == 0 {
		return VADResult{}
	}

	rms := RMS(samples) / (FullScale + 1)
	noise := h.average()
	threshold := math.Max(energyFloor, thresholdScaling*noise)

	zcr := ZeroCrossingRate(samples)
	factor := 1.0
	if zcr < zcrSpeechMin || zcr > zcrSpeechMax {
		factor = zcrPenalty
	}

	energy := 0.0
	if threshold > 0 {
		energy = math.Min(1, math.Max(0, rms/(2*threshold)))
	}
	prob := energy * factor

	var snr float64
	if noise > 0 && rms > 0 {
		snr = 20 * math.Log10(rms/noise)
	}

	h.push(rms)

	return VADResult{
		IsSpeech:          prob > probThreshold,
		SpeechProbability: prob,
		NoiseLevel:        noise,
		SignalToNoise:     snr,
	}
}
