package audio

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sine(freq float64, amplitude float64, sampleRate, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amplitude * FullScale * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

func TestProcess_EmptyAndMalformed(t *testing.T) {
	p := NewProcessor(DefaultConfig(), zap.NewNop())

	tests := []struct {
		name   string
		raw    []byte
		format Format
	}{
		{"nil buffer", nil, CanonicalFormat()},
		{"single byte", []byte{0x01}, CanonicalFormat()},
		{"unknown codec", []byte{1, 2, 3, 4}, Format{Codec: "opus", SampleRate: 48000, Channels: 2}},
		{"garbage wav", []byte("RIFFnope"), Format{Codec: CodecWAV}},
		{"sample rate too low", make([]byte, 3200), Format{Codec: CodecPCM16, SampleRate: 1, Channels: 1}},
		{"sample rate too high", make([]byte, 3200), Format{Codec: CodecPCM16, SampleRate: 384000, Channels: 1}},
		{"too many channels", make([]byte, 3200), Format{Codec: CodecPCM16, SampleRate: 16000, Channels: 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := p.Process(tt.raw, tt.format)
			assert.True(t, out.Empty())
			assert.Zero(t, out.Level)
			assert.False(t, out.VAD.IsSpeech)
		})
	}
}

func TestProcess_Silence(t *testing.T) {
	p := NewProcessor(DefaultConfig(), zap.NewNop())
	silence := make([]byte, 3200)

	out := p.Process(silence, CanonicalFormat())
	require.Len(t, out.PCM, 3200)
	assert.Zero(t, out.Level)
	assert.False(t, out.VAD.IsSpeech)
	assert.Zero(t, GetAudioLevel(silence))
}

func TestProcess_IdempotentWhenStagesDisabled(t *testing.T) {
	cfg := Config{TargetSampleRate: CanonicalSampleRate}
	p := NewProcessor(cfg, zap.NewNop())
	pcm := SamplesToBytes(sine(440, 0.3, CanonicalSampleRate, 1600))

	first := p.Process(pcm, CanonicalFormat())
	second := p.Process(first.PCM, CanonicalFormat())
	assert.Equal(t, pcm, first.PCM)
	assert.Equal(t, first.PCM, second.PCM)
}

func TestProcess_CanonicalInputPassesConversion(t *testing.T) {
	cfg := Config{TargetSampleRate: CanonicalSampleRate, EnableConversion: true, EnableResampling: true, EnableMonoMix: true}
	p := NewProcessor(cfg, zap.NewNop())
	pcm := SamplesToBytes(sine(440, 0.3, CanonicalSampleRate, 1600))

	out := p.Process(pcm, CanonicalFormat())
	assert.Equal(t, pcm, out.PCM)
	assert.Equal(t, CanonicalSampleRate, out.SampleRate)
	assert.Equal(t, 1, out.Channels)
}

func TestProcess_StereoResampledToCanonicalMono(t *testing.T) {
	p := NewProcessor(DefaultConfig(), zap.NewNop())
	mono := sine(300, 0.5, 48000, 4800)
	stereo := make([]int16, 0, len(mono)*2)
	for _, s := range mono {
		stereo = append(stereo, s, s)
	}

	out := p.Process(SamplesToBytes(stereo), Format{Codec: CodecPCM16, SampleRate: 48000, Channels: 2})
	assert.Equal(t, CanonicalSampleRate, out.SampleRate)
	assert.Equal(t, 1, out.Channels)
	// 100 ms at 16 kHz mono
	assert.Len(t, out.PCM, 3200)
}

func TestNormalize_NeverExceedsFullScale(t *testing.T) {
	loud := []int16{math.MaxInt16, math.MinInt16, 30000, -30000, 100}
	out := Normalize(loud)
	for _, s := range out {
		assert.LessOrEqual(t, math.Abs(float64(s)), FullScale+1)
	}

	quiet := sine(200, 0.01, CanonicalSampleRate, 800)
	out = Normalize(quiet)
	var peak float64
	for _, s := range out {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	assert.InDelta(t, 0.8*FullScale, peak, 2)
}

func TestSoftLimit(t *testing.T) {
	assert.Equal(t, 1000.0, softLimit(1000))
	v := softLimit(FullScale * 2)
	assert.Less(t, v, FullScale)
	assert.Greater(t, v, limiterThreshold)
	assert.Equal(t, -v, softLimit(-FullScale*2))
}

func TestCreateChunks(t *testing.T) {
	p := NewProcessor(DefaultConfig(), zap.NewNop())
	oneSecond := make([]byte, CanonicalSampleRate*2)

	chunks := p.CreateChunks(oneSecond, 100)
	require.Len(t, chunks, 10)
	for i, c := range chunks {
		assert.Len(t, c.Data, 3200)
		assert.Equal(t, 100, c.DurationMs)
		if i > 0 {
			assert.Greater(t, c.Sequence, chunks[i-1].Sequence)
		}
	}

	more := p.CreateChunks(oneSecond[:3200], 0)
	require.Len(t, more, 1)
	assert.Greater(t, more[0].Sequence, chunks[9].Sequence)

	assert.Empty(t, p.CreateChunks(nil, 100))
}

func TestDetectVoiceActivity(t *testing.T) {
	p := NewProcessor(DefaultConfig(), zap.NewNop())

	// 1 kHz at 16 kHz crosses zero twice per 16 samples
	tone := SamplesToBytes(sine(1000, 0.5, CanonicalSampleRate, 1600))
	res := p.DetectVoiceActivity(tone)
	assert.True(t, res.IsSpeech)
	assert.InDelta(t, 1.0, res.SpeechProbability, 1e-9)

	res = p.DetectVoiceActivity(make([]byte, 3200))
	assert.False(t, res.IsSpeech)
	assert.Greater(t, res.NoiseLevel, 0.0)

	assert.Equal(t, VADResult{}, p.DetectVoiceActivity(nil))
}

func TestDetectVoiceActivity_LowFrequencyPenalized(t *testing.T) {
	p := NewProcessor(DefaultConfig(), zap.NewNop())
	// 50 Hz hum has a ZCR well below the speech band
	hum := SamplesToBytes(sine(50, 0.5, CanonicalSampleRate, 1600))
	res := p.DetectVoiceActivity(hum)
	assert.False(t, res.IsSpeech)
	assert.InDelta(t, 0.5, res.SpeechProbability, 1e-9)
}

func TestReduceNoise_AttenuatesBelowGate(t *testing.T) {
	samples := []int16{10, -10, 10, -10, 20000, -20000}
	out, floor := reduceNoise(samples, 200, 100, 0.3)
	// p10 of window RMS is 10, blended 90/10 into the previous floor
	assert.InDelta(t, 91.0, floor, 1e-9)
	assert.Equal(t, int16(3), out[0])
	assert.Equal(t, int16(-3), out[1])
	assert.Equal(t, int16(20000), out[4])
}

func TestDecode_Codecs(t *testing.T) {
	f32 := make([]byte, 8)
	binary.LittleEndian.PutUint32(f32[0:], math.Float32bits(0.5))
	binary.LittleEndian.PutUint32(f32[4:], math.Float32bits(-1))
	frame, err := Decode(f32, Format{Codec: CodecFloat32, SampleRate: 16000, Channels: 1})
	require.NoError(t, err)
	assert.Equal(t, []int16{16384, -32767}, frame.Samples)

	// µ-law 0xFF and A-law 0xD5 are both near-silence
	frame, err = Decode([]byte{0xFF, 0xFF}, Format{Codec: CodecMulaw, SampleRate: 8000})
	require.NoError(t, err)
	require.Len(t, frame.Samples, 2)
	assert.InDelta(t, 0, frame.Samples[0], 16)

	frame, err = Decode([]byte{0xD5}, Format{Codec: CodecAlaw, SampleRate: 8000})
	require.NoError(t, err)
	require.Len(t, frame.Samples, 1)
	assert.InDelta(t, 0, frame.Samples[0], 16)

	frame, err = Decode([]byte{1, 0, 2}, CanonicalFormat())
	require.NoError(t, err)
	assert.Equal(t, []int16{1}, frame.Samples)
}

func TestEncodeWAV_RoundTripsThroughDecode(t *testing.T) {
	samples := sine(440, 0.4, 8000, 400)
	data, err := EncodeWAV(samples, 8000, 1)
	require.NoError(t, err)

	frame, err := Decode(data, Format{Codec: CodecWAV})
	require.NoError(t, err)
	assert.Equal(t, 8000, frame.SampleRate)
	assert.Equal(t, 1, frame.Channels)
	assert.Equal(t, samples, frame.Samples)
}

func TestProcess_UnsupportedRateWithoutConversion(t *testing.T) {
	p := NewProcessor(Config{TargetSampleRate: CanonicalSampleRate, EnableResampling: true}, zap.NewNop())
	out := p.Process(make([]byte, 3200), Format{Codec: CodecPCM16, SampleRate: 1, Channels: 1})
	assert.True(t, out.Empty())
}

func TestDecode_RejectsUnsupportedWAVRate(t *testing.T) {
	data, err := EncodeWAV(sine(440, 0.4, 8000, 400), 100, 1)
	require.NoError(t, err)

	_, err = Decode(data, Format{Codec: CodecWAV})
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestResample_UpsamplingIsBounded(t *testing.T) {
	in := sine(440, 0.3, 8000, 800)

	out := Resample(in, 8000, CanonicalSampleRate, 1)
	assert.Len(t, out, 1600)

	assert.Nil(t, Resample(in, 1, CanonicalSampleRate, 1))
	assert.Nil(t, Resample(in, 1000, CanonicalSampleRate, 1))
	assert.Len(t, Resample(in, 2000, CanonicalSampleRate, 1), 800*maxResampleRatio)
}

func TestFormat_Validate(t *testing.T) {
	tests := []struct {
		name    string
		format  Format
		wantErr bool
	}{
		{"canonical", CanonicalFormat(), false},
		{"defaults", Format{Codec: CodecPCM16}, false},
		{"telephony", Format{Codec: CodecMulaw, SampleRate: MinSampleRate, Channels: 1}, false},
		{"studio stereo", Format{Codec: CodecPCM16, SampleRate: MaxSampleRate, Channels: 2}, false},
		{"rate too low", Format{SampleRate: 1}, true},
		{"rate too high", Format{SampleRate: MaxSampleRate + 1}, true},
		{"negative channels", Format{SampleRate: 16000, Channels: -1}, true},
		{"too many channels", Format{SampleRate: 16000, Channels: MaxChannels + 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnsupportedFormat)
				return
			}
			assert.NoError(t, err)
		})
	}
	assert.True(t, SupportedSampleRate(44100))
	assert.False(t, SupportedSampleRate(0))
}

func TestGetSpectrum(t *testing.T) {
	tone := SamplesToBytes(sine(1000, 0.5, CanonicalSampleRate, 512))
	mags := GetSpectrum(tone, 512)
	require.Len(t, mags, 257)

	// 1 kHz lands in bin 1000/(16000/512) = 32
	peakBin := 0
	for i, m := range mags {
		if m > mags[peakBin] {
			peakBin = i
		}
	}
	assert.InDelta(t, 32, peakBin, 1)

	assert.Nil(t, GetSpectrum(nil, 512))
	assert.Nil(t, GetSpectrum(tone, 1))
}
