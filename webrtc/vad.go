// Package webrtc provides the pipeline stages built on webrtc-family
// DSP primitives: voice-activity detection, automatic gain control,
// and acoustic noise suppression. Each stage owns its DSP state
// exclusively; two pipelines never share a detector or a gain
// estimator.
package webrtc

import (
	"fmt"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
	"github.com/spokestack/spokestack-go/pipeline"
)

// vadModes maps the vad-mode configuration value to the webrtc
// aggressiveness setting.
var vadModes = map[string]int{
	"quality":         0,
	"low-bitrate":     1,
	"aggressive":      2,
	"very-aggressive": 3,
}

// decider is the raw per-frame voice decision. The concrete
// implementation is the webrtc VAD; tests script it.
type decider interface {
	Process(rate int, frame []byte) (bool, error)
}

// Detector is the voice-activity detection stage. It delegates the raw
// per-frame decision to the webrtc VAD and applies rise/fall hysteresis
// before publishing context.SetSpeech, so raw runs no longer than the
// configured rise or fall delay never toggle the flag. With zero delays
// every raw change flips it.
type Detector struct {
	log        *logger.Logger
	vad        decider
	rate       int
	frameBytes int
	riseLength int
	fallLength int

	lastRaw   bool
	runLength int
}

// NewDetector builds the VAD stage from the pipeline configuration.
// The sample rate must be one of 8000/16000/32000/48000 and the frame
// width one of 10/20/30 ms; anything else is a configuration error.
func NewDetector(cfg *config.SpeechConfig, log *logger.Logger) (*Detector, error) {
	rate, width, err := frameParams(cfg)
	if err != nil {
		return nil, err
	}

	mode, ok := vadModes[cfg.StringDefault("vad-mode", "quality")]
	if !ok {
		return nil, fmt.Errorf("%w: unknown vad-mode %q", config.ErrInvalid, cfg.StringDefault("vad-mode", ""))
	}

	vad, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("%w: vad init: %v", config.ErrInvalid, err)
	}
	if err := vad.SetMode(mode); err != nil {
		return nil, fmt.Errorf("%w: vad mode %d: %v", config.ErrInvalid, mode, err)
	}

	d := newDetectorWith(vad, cfg, log)
	d.rate = rate
	d.frameBytes = rate * width / 1000 * 2
	return d, nil
}

// newDetectorWith wires a detector around an arbitrary decision
// source. Used by NewDetector and by tests.
func newDetectorWith(vad decider, cfg *config.SpeechConfig, log *logger.Logger) *Detector {
	width := cfg.IntDefault("frame-width", 20)
	rate := cfg.IntDefault("sample-rate", 16000)
	return &Detector{
		log:        log,
		vad:        vad,
		rate:       rate,
		frameBytes: rate * width / 1000 * 2,
		riseLength: cfg.IntDefault("vad-rise-delay", 0) / width,
		fallLength: cfg.IntDefault("vad-fall-delay", 0) / width,
	}
}

// Process labels the frame as speech/non-speech on the context.
func (d *Detector) Process(ctx *pipeline.Context, frame []byte) error {
	if len(frame) != d.frameBytes {
		return fmt.Errorf("%w: got %d bytes, want %d", pipeline.ErrFrameSize, len(frame), d.frameBytes)
	}

	raw, err := d.vad.Process(d.rate, frame)
	if err != nil {
		return fmt.Errorf("%w: vad: %v", pipeline.ErrDSP, err)
	}

	if raw == d.lastRaw {
		d.runLength++
	} else {
		d.lastRaw = raw
		d.runLength = 1
	}

	// Debounce: the raw decision must hold for the configured run of
	// frames before the flag flips.
	if raw && !ctx.IsSpeech() && d.runLength > d.riseLength {
		ctx.SetSpeech(true)
		ctx.Tracef(pipeline.TraceDebug, "vad: rise after %d frames", d.runLength)
	}
	if !raw && ctx.IsSpeech() && d.runLength > d.fallLength {
		ctx.SetSpeech(false)
		ctx.Tracef(pipeline.TraceDebug, "vad: fall after %d frames", d.runLength)
	}
	return nil
}

// Reset returns the hysteresis tracker to its initial state.
func (d *Detector) Reset() error {
	d.lastRaw = false
	d.runLength = 0
	return nil
}

// Close does nothing; the native detector is not released explicitly.
func (d *Detector) Close() error {
	return nil
}

// frameParams validates and returns the sample-rate / frame-width pair
// shared by every webrtc stage.
func frameParams(cfg *config.SpeechConfig) (rate, width int, err error) {
	rate, err = cfg.Int("sample-rate")
	if err != nil {
		return 0, 0, err
	}
	switch rate {
	case 8000, 16000, 32000, 48000:
	default:
		return 0, 0, fmt.Errorf("%w: unsupported sample-rate %d", config.ErrInvalid, rate)
	}
	width, err = cfg.Int("frame-width")
	if err != nil {
		return 0, 0, err
	}
	switch width {
	case 10, 20, 30:
	default:
		return 0, 0, fmt.Errorf("%w: unsupported frame-width %d", config.ErrInvalid, width)
	}
	return rate, width, nil
}
