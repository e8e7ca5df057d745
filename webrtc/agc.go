package webrtc

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
	"github.com/spokestack/spokestack-go/pipeline"
)

// AutomaticGainControl normalizes the capture level toward a target
// dBFS, transforming each 16-bit frame in place before later stages
// see it. The level estimate lives on the stage instance, so separate
// pipelines adapt independently.
type AutomaticGainControl struct {
	log        *logger.Logger
	frameBytes int

	targetDBFS    float64
	maxGainDB     float64
	levelDBFS     float64 // EWMA of the measured frame level
	gainDB        float64 // currently applied gain
	levelSeeded   bool
	adaptRateDB   float64 // max gain change per frame, in dB
	levelAlpha    float64 // EWMA rate for the level estimate
	activationMin float64 // frames below this level leave the gain alone
}

// NewAutomaticGainControl builds the AGC stage. Target level and
// maximum boost come from agc-target-level-dbfs and
// agc-compression-gain-db.
func NewAutomaticGainControl(cfg *config.SpeechConfig, log *logger.Logger) (*AutomaticGainControl, error) {
	rate, width, err := frameParams(cfg)
	if err != nil {
		return nil, err
	}
	return &AutomaticGainControl{
		log:           log,
		frameBytes:    rate * width / 1000 * 2,
		targetDBFS:    -float64(cfg.IntDefault("agc-target-level-dbfs", 3)),
		maxGainDB:     float64(cfg.IntDefault("agc-compression-gain-db", 15)),
		adaptRateDB:   0.3,
		levelAlpha:    0.1,
		activationMin: -60,
	}, nil
}

// Process measures the frame level, adapts the gain toward the target,
// and rewrites the frame in place.
func (a *AutomaticGainControl) Process(_ *pipeline.Context, frame []byte) error {
	if len(frame) != a.frameBytes {
		return fmt.Errorf("%w: got %d bytes, want %d", pipeline.ErrFrameSize, len(frame), a.frameBytes)
	}

	level := frameLevelDBFS(frame)
	if level > a.activationMin {
		if !a.levelSeeded {
			a.levelDBFS = level
			a.levelSeeded = true
		} else {
			a.levelDBFS = a.levelAlpha*level + (1-a.levelAlpha)*a.levelDBFS
		}

		// Walk the gain toward the target, one small step per frame,
		// bounded by the configured compression gain. Attenuation below
		// unity is allowed so hot signals come back down.
		want := a.targetDBFS - a.levelDBFS
		if want > a.maxGainDB {
			want = a.maxGainDB
		}
		if want < -a.maxGainDB {
			want = -a.maxGainDB
		}
		diff := want - a.gainDB
		if diff > a.adaptRateDB {
			diff = a.adaptRateDB
		}
		if diff < -a.adaptRateDB {
			diff = -a.adaptRateDB
		}
		a.gainDB += diff
	}

	if a.gainDB != 0 {
		applyGain(frame, math.Pow(10, a.gainDB/20))
	}
	return nil
}

// Reset clears the level estimate and the applied gain.
func (a *AutomaticGainControl) Reset() error {
	a.levelDBFS = 0
	a.gainDB = 0
	a.levelSeeded = false
	return nil
}

// Close is a no-op; the estimator is plain instance state.
func (a *AutomaticGainControl) Close() error {
	return nil
}

// frameLevelDBFS returns the RMS level of a 16-bit frame in dBFS.
func frameLevelDBFS(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return -math.MaxFloat64
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / 32768
		sumSq += s * s
	}
	rms := math.Sqrt(sumSq / float64(n))
	if rms <= 0 {
		return -math.MaxFloat64
	}
	return 20 * math.Log10(rms)
}

// applyGain multiplies every sample by gain, clipping at the 16-bit
// rails.
func applyGain(frame []byte, gain float64) {
	n := len(frame) / 2
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) * gain
		if s > 32767 {
			s = 32767
		}
		if s < -32768 {
			s = -32768
		}
		binary.LittleEndian.PutUint16(frame[i*2:], uint16(int16(s)))
	}
}
