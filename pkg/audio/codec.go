package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/youpy/go-wav"
	"github.com/zaf/g711"
)

var errUnsupportedCodec = errors.New("unsupported codec")

// Decode converts a wire buffer to a frame of 16-bit samples.
// Trailing partial samples are dropped.
func Decode(raw []byte, format Format) (*Frame, error) {
	frame := &Frame{SampleRate: format.SampleRate, Channels: format.Channels}
	if frame.Channels <= 0 {
		frame.Channels = 1
	}
	if frame.SampleRate <= 0 {
		frame.SampleRate = CanonicalSampleRate
	}

	if err := format.Validate(); err != nil {
		return nil, err
	}

	switch format.Codec {
	case "", CodecPCM16:
		frame.Samples = BytesToSamples(raw)
	case CodecFloat32:
		frame.Samples = float32ToSamples(raw)
	case CodecMulaw:
		frame.Samples = BytesToSamples(g711.DecodeUlaw(raw))
	case CodecAlaw:
		frame.Samples = BytesToSamples(g711.DecodeAlaw(raw))
	case CodecWAV:
		return decodeWAV(raw)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedCodec, format.Codec)
	}
	return frame, nil
}

func decodeWAV(raw []byte) (*Frame, error) {
	r := wav.NewReader(bytes.NewReader(raw))
	format, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("read wav format: %w", err)
	}
	if format.BitsPerSample != 16 {
		return nil, fmt.Errorf("%w: wav with %d bits per sample", errUnsupportedCodec, format.BitsPerSample)
	}

	var pcm bytes.Buffer
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pcm.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read wav data: %w", err)
		}
	}

	frame := &Frame{
		Samples:    BytesToSamples(pcm.Bytes()),
		SampleRate: int(format.SampleRate),
		Channels:   int(format.NumChannels),
	}
	if !SupportedSampleRate(frame.SampleRate) || frame.Channels <= 0 || frame.Channels > MaxChannels {
		return nil, fmt.Errorf("%w: wav %d Hz, %d channels", ErrUnsupportedFormat, frame.SampleRate, frame.Channels)
	}
	return frame, nil
}

// EncodeWAV wraps mono or interleaved 16-bit samples in a RIFF container
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if channels <= 0 {
		channels = 1
	}
	frames := len(samples) / channels
	out := make([]wav.Sample, frames)
	for i := 0; i < frames; i++ {
		for ch := 0; ch < channels && ch < 2; ch++ {
			out[i].Values[ch] = int(samples[i*channels+ch])
		}
	}

	var buf bytes.Buffer
	w := wav.NewWriter(&buf, uint32(frames), uint16(channels), uint32(sampleRate), 16)
	if err := w.WriteSamples(out); err != nil {
		return nil, fmt.Errorf("write wav samples: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToSamples reads little-endian 16-bit samples
func BytesToSamples(raw []byte) []int16 {
	n := len(raw) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return samples
}

// SamplesToBytes writes little-endian 16-bit samples
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func float32ToSamples(raw []byte) []int16 {
	n := len(raw) / 4
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		f := math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		if math.IsNaN(float64(f)) {
			continue
		}
		samples[i] = clampSample(float64(f) * FullScale)
	}
	return samples
}

func clampSample(v float64) int16 {
	if v > FullScale {
		return math.MaxInt16
	}
	if v < -FullScale-1 {
		return math.MinInt16
	}
	return int16(math.Round(v))
}
