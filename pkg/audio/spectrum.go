package audio

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// GetSpectrum returns fftSize/2+1 magnitudes of a Hann-windowed real DFT
// over the first fftSize samples, zero-padded if the buffer is short.
// Visualization only.
func GetSpectrum(pcm []byte, fftSize int) []float64 {
	if fftSize < 2 || len(pcm) < 2 {
		return nil
	}

	samples := BytesToSamples(pcm)
	seq := make([]float64, fftSize)
	for i := 0; i < fftSize && i < len(samples); i++ {
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(fftSize-1)))
		seq[i] = float64(samples[i]) / (FullScale + 1) * w
	}

	coeff := fourier.NewFFT(fftSize).Coefficients(nil, seq)
	mags := make([]float64, len(coeff))
	for i, c := range coeff {
		mags[i] = cmplx.Abs(c) / float64(fftSize)
	}
	return mags
}
