package audio

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedFormat is returned for sample rates or channel counts outside the supported range
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// Codec wire encodings accepted from clients
type Codec string

const (
	CodecPCM16   Codec = "pcm16"     // signed 16-bit little-endian
	CodecFloat32 Codec = "pcm_f32le" // 32-bit float little-endian, [-1,1]
	CodecMulaw   Codec = "mulaw"     // G.711 µ-law
	CodecAlaw    Codec = "alaw"      // G.711 A-law
	CodecWAV     Codec = "wav"       // RIFF container around 16-bit PCM
)

const (
	// FullScale is the largest positive 16-bit sample
	FullScale = 32767.0
	// CanonicalSampleRate is the rate every frame is resampled to
	CanonicalSampleRate = 16000
	// DefaultChunkDurationMs 默认分片时长
	DefaultChunkDurationMs = 100
	// levelHistorySize rolling window of RMS values used for the dynamic VAD threshold
	levelHistorySize = 100

	// MinSampleRate and MaxSampleRate bound the input rates a client may declare
	MinSampleRate = 8000
	MaxSampleRate = 48000
	// MaxChannels 最大声道数
	MaxChannels = 8
	// maxResampleRatio caps how many output frames one input frame may produce
	maxResampleRatio = 8
)

// SupportedSampleRate reports whether rate is an accepted input rate
func SupportedSampleRate(rate int) bool {
	return rate >= MinSampleRate && rate <= MaxSampleRate
}

// Validate checks the declared rate and channel count. A zero value means
// the canonical default and is accepted.
func (f Format) Validate() error {
	if f.SampleRate != 0 && !SupportedSampleRate(f.SampleRate) {
		return fmt.Errorf("%w: %d Hz", ErrUnsupportedFormat, f.SampleRate)
	}
	if f.Channels < 0 || f.Channels > MaxChannels {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	return nil
}

// Format describes how a raw buffer is encoded
type Format struct {
	Codec      Codec `json:"codec"`
	SampleRate int   `json:"sampleRate"`
	Channels   int   `json:"channels"`
	Bitrate    int   `json:"bitrate,omitempty"`
}

// CanonicalFormat is 16 kHz mono 16-bit PCM
func CanonicalFormat() Format {
	return Format{Codec: CodecPCM16, SampleRate: CanonicalSampleRate, Channels: 1, Bitrate: CanonicalSampleRate * 16}
}

// Frame is a decoded buffer. It only lives for one processing call.
type Frame struct {
	Samples    []int16
	SampleRate int
	Channels   int
	VAD        *VADResult
}

// Empty reports whether the frame has no samples
func (f *Frame) Empty() bool {
	return f == nil || len(f.Samples) == 0
}

// VADResult 语音活动检测结果
type VADResult struct {
	IsSpeech          bool    `json:"isSpeech"`
	SpeechProbability float64 `json:"speechProbability"`
	NoiseLevel        float64 `json:"noiseLevel"`
	SignalToNoise     float64 `json:"signalToNoise"`
}

// Chunk is a fixed-duration slice of a larger buffer
type Chunk struct {
	Sequence   uint64    `json:"sequence"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs int       `json:"durationMs"`
	Data       []byte    `json:"-"`
}

// Processed is the output of Processor.Process
type Processed struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Level      float64
	VAD        VADResult
	Elapsed    time.Duration
}

// Empty reports whether processing produced no audio
func (p *Processed) Empty() bool {
	return p == nil || len(p.PCM) == 0
}

// Config toggles each stage of the pipeline
type Config struct {
	TargetSampleRate     int     `env:"AUDIO_TARGET_SAMPLE_RATE"`
	EnableConversion     bool    `env:"AUDIO_ENABLE_CONVERSION"`
	EnableResampling     bool    `env:"AUDIO_ENABLE_RESAMPLING"`
	EnableMonoMix        bool    `env:"AUDIO_ENABLE_MONO_MIX"`
	EnableNormalization  bool    `env:"AUDIO_ENABLE_NORMALIZATION"`
	EnableNoiseReduction bool    `env:"AUDIO_ENABLE_NOISE_REDUCTION"`
	EnableVAD            bool    `env:"AUDIO_ENABLE_VAD"`
	VADThreshold         float64 `env:"AUDIO_VAD_THRESHOLD"`
	VADEnergyFloor       float64 `env:"AUDIO_VAD_ENERGY_FLOOR"`
	NoiseAttenuation     float64 `env:"AUDIO_NOISE_ATTENUATION"`
	ChunkDurationMs      int     `env:"AUDIO_CHUNK_DURATION_MS"`
}

// DefaultConfig enables every stage
func DefaultConfig() Config {
	return Config{
		TargetSampleRate:     CanonicalSampleRate,
		EnableConversion:     true,
		EnableResampling:     true,
		EnableMonoMix:        true,
		EnableNormalization:  true,
		EnableNoiseReduction: true,
		EnableVAD:            true,
		VADThreshold:         0.5,
		VADEnergyFloor:       0.01,
		NoiseAttenuation:     0.3,
		ChunkDurationMs:      DefaultChunkDurationMs,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TargetSampleRate <= 0 {
		c.TargetSampleRate = d.TargetSampleRate
	}
	if c.VADThreshold <= 0 {
		c.VADThreshold = d.VADThreshold
	}
	if c.VADEnergyFloor <= 0 {
		c.VADEnergyFloor = d.VADEnergyFloor
	}
	if c.NoiseAttenuation <= 0 || c.NoiseAttenuation > 1 {
		c.NoiseAttenuation = d.NoiseAttenuation
	}
	if c.ChunkDurationMs <= 0 {
		c.ChunkDurationMs = d.ChunkDurationMs
	}
	return c
}
