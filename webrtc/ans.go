package webrtc

import (
	"fmt"
	"math"

	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
	"github.com/spokestack/spokestack-go/pipeline"
)

// Suppression policies for the ans-policy configuration key, ordered
// by how hard non-speech content is attenuated.
var ansPolicies = map[string]float64{
	"mild":            0.5,
	"medium":          0.35,
	"aggressive":      0.2,
	"very-aggressive": 0.1,
}

// AcousticNoiseSuppressor attenuates stationary background noise,
// transforming each 16-bit frame in place. It keeps a per-instance
// noise-floor estimate that adapts only while the frame looks like
// noise, and scales frames near the floor down by the policy factor.
type AcousticNoiseSuppressor struct {
	log        *logger.Logger
	frameBytes int
	floorGain  float64

	noiseDBFS  float64
	seeded     bool
	floorAlpha float64
	marginDB   float64
}

// NewAcousticNoiseSuppressor builds the noise suppression stage. The
// ans-policy key selects how aggressively noise is attenuated.
func NewAcousticNoiseSuppressor(cfg *config.SpeechConfig, log *logger.Logger) (*AcousticNoiseSuppressor, error) {
	rate, width, err := frameParams(cfg)
	if err != nil {
		return nil, err
	}
	policy := cfg.StringDefault("ans-policy", "mild")
	gain, ok := ansPolicies[policy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown ans-policy %q", config.ErrInvalid, policy)
	}
	return &AcousticNoiseSuppressor{
		log:        log,
		frameBytes: rate * width / 1000 * 2,
		floorGain:  gain,
		floorAlpha: 0.05,
		marginDB:   9,
	}, nil
}

// Process updates the noise-floor estimate and attenuates frames that
// sit within the margin above it.
func (s *AcousticNoiseSuppressor) Process(_ *pipeline.Context, frame []byte) error {
	if len(frame) != s.frameBytes {
		return fmt.Errorf("%w: got %d bytes, want %d", pipeline.ErrFrameSize, len(frame), s.frameBytes)
	}

	level := frameLevelDBFS(frame)
	if level == -math.MaxFloat64 {
		return nil
	}

	if !s.seeded {
		s.noiseDBFS = level
		s.seeded = true
	} else if level < s.noiseDBFS+s.marginDB {
		// Only frames near the floor feed the estimate; speech never
		// drags it upward.
		s.noiseDBFS = s.floorAlpha*level + (1-s.floorAlpha)*s.noiseDBFS
	}

	if level < s.noiseDBFS+s.marginDB {
		applyGain(frame, s.floorGain)
	}
	return nil
}

// Reset clears the noise-floor estimate.
func (s *AcousticNoiseSuppressor) Reset() error {
	s.noiseDBFS = 0
	s.seeded = false
	return nil
}

// Close is a no-op; the estimate is plain instance state.
func (s *AcousticNoiseSuppressor) Close() error {
	return nil
}
