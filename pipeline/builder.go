package pipeline

import (
	"fmt"
	"time"

	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
)

// Supported capture rates and frame widths. The webrtc DSP primitives
// only operate on these.
var (
	validRates  = map[int]bool{8000: true, 16000: true, 32000: true, 48000: true}
	validWidths = map[int]bool{10: true, 20: true, 30: true}
)

// StageFactory constructs a stage from the pipeline configuration. The
// set of stages is closed and enumerable; profiles register factories
// in chain order, no reflection involved.
type StageFactory func(cfg *config.SpeechConfig, log *logger.Logger) (Stage, error)

// Builder assembles a Pipeline: configuration, an audio source, an
// ordered list of stage factories, and initial listeners.
type Builder struct {
	cfg       *config.SpeechConfig
	log       *logger.Logger
	source    AudioSource
	factories []StageFactory
	listeners []EventListener
}

// NewBuilder creates a builder with an empty configuration.
func NewBuilder() *Builder {
	return &Builder{
		cfg: config.New(),
		log: logger.New(logger.LevelOff, nil),
	}
}

// WithConfig replaces the builder's configuration wholesale.
func (b *Builder) WithConfig(cfg *config.SpeechConfig) *Builder {
	b.cfg = cfg
	return b
}

// SetProperty sets a single configuration key.
func (b *Builder) SetProperty(key string, value any) *Builder {
	b.cfg.Set(key, value)
	return b
}

// WithLogger sets the logger injected into the pipeline and every
// stage.
func (b *Builder) WithLogger(log *logger.Logger) *Builder {
	b.log = log
	return b
}

// WithSource sets the audio source the pipeline reads frames from.
func (b *Builder) WithSource(s AudioSource) *Builder {
	b.source = s
	return b
}

// WithStage appends a stage factory to the chain. Chain order is
// registration order.
func (b *Builder) WithStage(f StageFactory) *Builder {
	b.factories = append(b.factories, f)
	return b
}

// WithStages appends several stage factories in order.
func (b *Builder) WithStages(fs ...StageFactory) *Builder {
	b.factories = append(b.factories, fs...)
	return b
}

// WithListener subscribes a listener before the pipeline starts.
func (b *Builder) WithListener(l EventListener) *Builder {
	b.listeners = append(b.listeners, l)
	return b
}

// Build validates the configuration and constructs the pipeline and
// its stages. All configuration errors surface here; a built pipeline
// only reports runtime errors through events.
func (b *Builder) Build() (*Pipeline, error) {
	if b.source == nil {
		return nil, fmt.Errorf("%w: no audio source", config.ErrInvalid)
	}

	rate, err := b.cfg.Int("sample-rate")
	if err != nil {
		return nil, err
	}
	if !validRates[rate] {
		return nil, fmt.Errorf("%w: unsupported sample-rate %d", config.ErrInvalid, rate)
	}
	width, err := b.cfg.Int("frame-width")
	if err != nil {
		return nil, err
	}
	if !validWidths[width] {
		return nil, fmt.Errorf("%w: unsupported frame-width %d", config.ErrInvalid, width)
	}

	frameSamples := rate * width / 1000
	preRollLen := b.cfg.IntDefault("buffer-width", 0) / width

	traceLevel := b.cfg.IntDefault("trace-level", TraceNone)
	ctx := NewContext(traceLevel, b.log)
	for _, l := range b.listeners {
		ctx.AddListener(l)
	}

	p := &Pipeline{
		cfg:         b.cfg,
		log:         b.log,
		ctx:         ctx,
		source:      b.source,
		frameBytes:  frameSamples * 2,
		preRollLen:  preRollLen,
		stopTimeout: time.Duration(b.cfg.IntDefault("stop-timeout", 5000)) * time.Millisecond,
	}

	for _, f := range b.factories {
		stage, err := f(b.cfg, b.log)
		if err != nil {
			// Construction failures are terminal; unwind the stages
			// built so far.
			for _, s := range p.stages {
				s.Close()
			}
			return nil, err
		}
		p.stages = append(p.stages, stage)
	}

	return p, nil
}
