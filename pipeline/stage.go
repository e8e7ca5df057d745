package pipeline

import "errors"

// Sentinel errors classifying runtime failures. Stages wrap these so
// listeners can triage EventError callbacks with errors.Is. Only
// configuration errors (config.ErrInvalid) are terminal; everything
// here is reported per frame and the loop continues.
var (
	// ErrFrameSize marks a capture frame of the wrong length.
	ErrFrameSize = errors.New("invalid frame size")
	// ErrDSP marks a failure in a native DSP primitive.
	ErrDSP = errors.New("dsp failure")
	// ErrModel marks a model runner failure.
	ErrModel = errors.New("model failure")
	// ErrRecognizer marks an ASR transport failure.
	ErrRecognizer = errors.New("recognizer failure")
)

// Stage is one processor in the pipeline's ordered chain. Each frame,
// the driver hands every stage the shared context and the raw 16-bit
// PCM frame; a stage may transform the frame in place or annotate the
// context, and later stages see the result.
//
// Process runs on the audio worker under a per-frame latency budget; a
// returned error is mapped to an EventError and the loop moves on to
// the next frame. Reset is called when the pipeline stops (reverse
// registration order) and must return the stage to its initial state.
// Close releases owned native resources; the stage is not used again.
type Stage interface {
	Process(ctx *Context, frame []byte) error
	Reset() error
	Close() error
}

// AudioSource supplies raw audio to the pipeline. Read fills the
// entire frame buffer with 16-bit mono PCM in native byte order,
// blocking until capture hardware delivers it, and fails on short
// reads. The pipeline owns the source and closes it on shutdown.
type AudioSource interface {
	Read(frame []byte) error
	Close() error
}
