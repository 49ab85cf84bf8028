package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Processor runs the conditioning pipeline for one connection. The noise
// floor and level history are connection-local; frames must be fed in order.
type Processor struct {
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	noiseFloor float64
	history    *levelHistory
	seq        atomic.Uint64
}

// NewProcessor 创建音频处理器
func NewProcessor(cfg Config, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.L()
	}
	return &Processor{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		history: newLevelHistory(levelHistorySize),
	}
}

// Config returns the effective configuration
func (p *Processor) Config() Config {
	return p.cfg
}

// Process decodes and conditions one frame. It never fails: malformed or
// empty input yields an empty result.
func (p *Processor) Process(raw []byte, format Format) (out Processed) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("audio pipeline panic", zap.Any("recover", r), zap.Int("bytes", len(raw)))
			out = Processed{}
		}
		out.Elapsed = time.Since(start)
	}()

	if len(raw) == 0 {
		return Processed{}
	}

	var frame *Frame
	if p.cfg.EnableConversion {
		decoded, err := Decode(raw, format)
		if err != nil {
			p.logger.Debug("decode audio frame failed", zap.Error(err), zap.String("codec", string(format.Codec)))
			return Processed{}
		}
		frame = decoded
	} else {
		if err := format.Validate(); err != nil {
			p.logger.Debug("reject audio frame", zap.Error(err))
			return Processed{}
		}
		frame = &Frame{Samples: BytesToSamples(raw), SampleRate: format.SampleRate, Channels: format.Channels}
		if frame.Channels <= 0 {
			frame.Channels = 1
		}
		if frame.SampleRate <= 0 {
			frame.SampleRate = p.cfg.TargetSampleRate
		}
	}
	if frame.Empty() {
		return Processed{}
	}

	if p.cfg.EnableResampling && frame.SampleRate != p.cfg.TargetSampleRate {
		frame.Samples = Resample(frame.Samples, frame.SampleRate, p.cfg.TargetSampleRate, frame.Channels)
		frame.SampleRate = p.cfg.TargetSampleRate
	}
	if p.cfg.EnableMonoMix && frame.Channels > 1 {
		frame.Samples = MixToMono(frame.Samples, frame.Channels)
		frame.Channels = 1
	}
	if p.cfg.EnableNormalization {
		frame.Samples = Normalize(frame.Samples)
	}

	p.mu.Lock()
	if p.cfg.EnableNoiseReduction {
		frame.Samples, p.noiseFloor = reduceNoise(frame.Samples, frame.SampleRate, p.noiseFloor, p.cfg.NoiseAttenuation)
	}
	if p.cfg.EnableVAD {
		vad := p.history.detect(frame.Samples, p.cfg.VADEnergyFloor, p.cfg.VADThreshold)
		frame.VAD = &vad
	}
	p.mu.Unlock()

	out = Processed{
		PCM:        SamplesToBytes(frame.Samples),
		SampleRate: frame.SampleRate,
		Channels:   frame.Channels,
		Level:      RMS(frame.Samples) / (FullScale + 1),
	}
	if frame.VAD != nil {
		out.VAD = *frame.VAD
	}
	return out
}

// DetectVoiceActivity classifies canonical PCM and updates the level history
func (p *Processor) DetectVoiceActivity(pcm []byte) VADResult {
	samples := BytesToSamples(pcm)
	if len(samples) == 0 {
		return VADResult{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history.detect(samples, p.cfg.VADEnergyFloor, p.cfg.VADThreshold)
}

// CreateChunks splits canonical PCM into fixed-duration chunks numbered
// from the processor's running sequence
func (p *Processor) CreateChunks(pcm []byte, durationMs int) []Chunk {
	if durationMs <= 0 {
		durationMs = p.cfg.ChunkDurationMs
	}
	return splitChunks(pcm, durationMs, p.cfg.TargetSampleRate, 1, func() uint64 {
		return p.seq.Add(1)
	})
}

// NoiseFloor returns the current running noise floor in sample units
func (p *Processor) NoiseFloor() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.noiseFloor
}
