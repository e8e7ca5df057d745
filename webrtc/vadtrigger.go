package webrtc

import (
	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
	"github.com/spokestack/spokestack-go/pipeline"
)

// Trigger activates the pipeline on a voice-activity rising edge. It
// is the activation stage for configurations with no wakeword: any
// detected speech opens an ASR session. It never deactivates; the
// activation lasts until another stage or an external Deactivate call
// clears it.
type Trigger struct {
	wasSpeech bool
}

// NewTrigger builds the VAD trigger stage.
func NewTrigger(_ *config.SpeechConfig, _ *logger.Logger) (*Trigger, error) {
	return &Trigger{}, nil
}

// Process edge-detects the speech flag and activates the context on a
// rising edge. Idempotent when the pipeline is already active.
func (t *Trigger) Process(ctx *pipeline.Context, _ []byte) error {
	if ctx.IsSpeech() && !t.wasSpeech {
		ctx.SetActive(true)
	}
	t.wasSpeech = ctx.IsSpeech()
	return nil
}

// Reset clears the edge tracker.
func (t *Trigger) Reset() error {
	t.wasSpeech = false
	return nil
}

// Close is a no-op; the trigger owns no resources.
func (t *Trigger) Close() error {
	return nil
}
