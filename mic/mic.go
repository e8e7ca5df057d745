// Package mic provides a microphone AudioSource backed by miniaudio
// (malgo). The capture callback slices device buffers into pipeline
// frames and hands them to the audio loop through a bounded queue;
// when the loop falls behind, frames are dropped rather than letting
// the device callback block.
package mic

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
	"github.com/spokestack/spokestack-go/pipeline"
)

// frameQueueCap is the number of pipeline frames buffered between the
// capture callback and the audio loop. At 20 ms frames this is about
// 1.3 s of slack.
const frameQueueCap = 64

// ErrClosed is returned from Read after the source is closed.
var ErrClosed = errors.New("mic: source closed")

// Source captures 16-bit mono PCM from the default input device.
type Source struct {
	log        *logger.Logger
	mctx       *malgo.AllocatedContext
	device     *malgo.Device
	frames     chan []byte
	quit       chan struct{}
	frameBytes int
	drops      atomic.Int64
}

// NewSource opens the default capture device at the configured sample
// rate and starts delivering frame-width slices of audio.
func NewSource(cfg *config.SpeechConfig, log *logger.Logger) (*Source, error) {
	rate, err := cfg.Int("sample-rate")
	if err != nil {
		return nil, err
	}
	width, err := cfg.Int("frame-width")
	if err != nil {
		return nil, err
	}
	frameBytes := rate * width / 1000 * 2

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(_ string) {})
	if err != nil {
		return nil, fmt.Errorf("mic: context init: %w", err)
	}

	s := &Source{
		log:        log,
		mctx:       mctx,
		frames:     make(chan []byte, frameQueueCap),
		quit:       make(chan struct{}),
		frameBytes: frameBytes,
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.SampleRate = uint32(rate)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.Alsa.NoMMap = 1

	// rem accumulates the tail of device buffers that don't land on a
	// frame boundary. It is touched only by the device callback.
	var rem []byte
	callbacks := malgo.DeviceCallbacks{
		Data: func(_ []byte, raw []byte, _ uint32) {
			if len(raw) == 0 {
				return
			}
			rem = append(rem, raw...)
			for len(rem) >= s.frameBytes {
				frame := make([]byte, s.frameBytes)
				copy(frame, rem[:s.frameBytes])
				n := copy(rem, rem[s.frameBytes:])
				rem = rem[:n]
				select {
				case s.frames <- frame:
				default:
					s.drops.Add(1)
				}
			}
		},
	}

	device, err := malgo.InitDevice(mctx.Context, devCfg, callbacks)
	if err != nil {
		s.teardownContext()
		return nil, fmt.Errorf("mic: device init: %w", err)
	}
	s.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		s.teardownContext()
		return nil, fmt.Errorf("mic: device start: %w", err)
	}

	log.Debug("mic: capture started (rate=%d, frame=%dB)", rate, frameBytes)
	return s, nil
}

// Read blocks until the next captured frame and copies it into frame.
// The buffer must be exactly one frame long.
func (s *Source) Read(frame []byte) error {
	if len(frame) != s.frameBytes {
		return fmt.Errorf("%w: buffer is %d bytes, want %d", pipeline.ErrFrameSize, len(frame), s.frameBytes)
	}
	select {
	case f := <-s.frames:
		copy(frame, f)
		return nil
	case <-s.quit:
		return ErrClosed
	}
}

// Drops returns the number of frames discarded because the audio loop
// fell behind.
func (s *Source) Drops() int64 {
	return s.drops.Load()
}

// Close stops the capture device and releases the audio context.
func (s *Source) Close() error {
	select {
	case <-s.quit:
		return nil
	default:
	}
	close(s.quit)
	if s.device != nil {
		s.device.Stop()
		s.device.Uninit()
	}
	s.teardownContext()
	s.log.Debug("mic: closed (drops=%d)", s.drops.Load())
	return nil
}

func (s *Source) teardownContext() {
	if s.mctx != nil {
		_ = s.mctx.Uninit()
		s.mctx.Free()
	}
}
