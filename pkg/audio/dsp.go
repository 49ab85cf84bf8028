package audio

import "math"

// Resample converts interleaved samples between rates by linear
// interpolation. Good enough for voice band, not for music.
// Upsampling beyond maxResampleRatio returns nil.
func Resample(samples []int16, fromRate, toRate, channels int) []int16 {
	if len(samples) == 0 || fromRate <= 0 || toRate <= 0 || fromRate == toRate {
		return samples
	}
	if int64(toRate) > int64(fromRate)*maxResampleRatio {
		return nil
	}
	if channels <= 0 {
		channels = 1
	}

	inFrames := len(samples) / channels
	if inFrames == 0 {
		return nil
	}
	outFrames := int(int64(inFrames) * int64(toRate) / int64(fromRate))
	if outFrames == 0 {
		return nil
	}

	ratio := float64(fromRate) / float64(toRate)
	out := make([]int16, outFrames*channels)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= inFrames {
			next = inFrames - 1
		}
		for ch := 0; ch < channels; ch++ {
			a := float64(samples[idx*channels+ch])
			b := float64(samples[next*channels+ch])
			out[i*channels+ch] = clampSample(a + (b-a)*frac)
		}
	}
	return out
}

// MixToMono averages interleaved channels
func MixToMono(samples []int16, channels int) []int16 {
	if channels <= 1 || len(samples) == 0 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += int(samples[i*channels+ch])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

const (
	normalizeTarget  = 0.8 * FullScale
	limiterThreshold = 0.9 * FullScale
)

// Normalize scales the buffer so its peak sits at 80% of full scale and
// passes anything above 90% through a soft-knee limiter. Output never exceeds full scale.
func Normalize(samples []int16) []int16 {
	if len(samples) == 0 {
		return samples
	}

	var peak float64
	for _, s := range samples {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	out := make([]int16, len(samples))
	if peak == 0 {
		return out
	}

	gain := normalizeTarget / peak
	for i, s := range samples {
		out[i] = clampSample(softLimit(float64(s) * gain))
	}
	return out
}

// softLimit compresses the overshoot above the threshold so the curve
// approaches full scale asymptotically
func softLimit(v float64) float64 {
	a := math.Abs(v)
	if a <= limiterThreshold {
		return v
	}
	over := a - limiterThreshold
	limited := limiterThreshold + over/(1+over/(FullScale-limiterThreshold))
	return math.Copysign(limited, v)
}

// RMS of 16-bit samples in sample units
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		f := float64(s)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ZeroCrossingRate is the fraction of adjacent sample pairs that change sign
func ZeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	var crossings int
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			crossings++
		}
	}
	return float64(crossings) / float64(len(samples)-1)
}

// GetAudioLevel returns the RMS of a 16-bit PCM buffer normalized to [0,1]
func GetAudioLevel(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	level := RMS(BytesToSamples(pcm)) / (FullScale + 1)
	if level > 1 {
		return 1
	}
	return level
}
