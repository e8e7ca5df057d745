package pipeline

import (
	"fmt"
	"sync"

	"github.com/spokestack/spokestack-go/internal/logger"
)

// Context is the mutable state threaded through the stage chain on
// every frame. Stages annotate it (speech flag, activation, transcript,
// errors) and later stages observe the annotations of earlier ones
// within the same frame.
//
// Frame-driven fields are written only by the audio worker. The active
// flag, the listener set, and the transcript fields may additionally be
// touched from other goroutines (external activation, ASR transport
// callbacks); those mutations are serialized by the context lock, which
// is never held across a stage call or a listener callback.
type Context struct {
	log *logger.Logger

	mu         sync.Mutex
	listeners  []EventListener
	active     bool
	transcript string
	confidence float64
	err        error
	message    string
	recognized EventType // pending recognition event, 0 when none

	// Audio-worker-only state; no lock.
	speech     bool
	preRoll    *PreRoll
	traceLevel int
}

// NewContext creates a context with the given trace threshold.
func NewContext(traceLevel int, log *logger.Logger) *Context {
	if log == nil {
		log = logger.New(logger.LevelOff, nil)
	}
	return &Context{traceLevel: traceLevel, log: log}
}

// AddListener subscribes a listener to pipeline events.
func (c *Context) AddListener(l EventListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// RemoveListener unsubscribes a previously added listener.
func (c *Context) RemoveListener(l EventListener) {
	c.mu.Lock()
	for i, x := range c.listeners {
		if x == l {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// Dispatch delivers an event to every subscriber, synchronously, in
// subscription order. The lock is released before the callbacks run so
// listeners can call back into the pipeline.
func (c *Context) Dispatch(event EventType) {
	c.mu.Lock()
	ls := make([]EventListener, len(c.listeners))
	copy(ls, c.listeners)
	c.mu.Unlock()

	for _, l := range ls {
		l.OnSpeechEvent(event, c)
	}
}

// IsSpeech reports the voice-activity flag for the current frame.
func (c *Context) IsSpeech() bool {
	return c.speech
}

// SetSpeech updates the voice-activity flag. Written by the VAD stage.
func (c *Context) SetSpeech(speech bool) {
	c.speech = speech
}

// IsActive reports whether the pipeline is currently activated.
func (c *Context) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// SetActive updates the activation flag. Safe to call from any
// goroutine; the surrounding edge events are dispatched by the audio
// loop on its next iteration.
func (c *Context) SetActive(active bool) {
	c.mu.Lock()
	c.active = active
	c.mu.Unlock()
}

// Transcript returns the most recent recognition result, or "".
func (c *Context) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

// Confidence returns the confidence of the most recent recognition
// result, in [0, 1].
func (c *Context) Confidence() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confidence
}

// SetTranscript stores a recognition result and flags the matching
// event (EventPartialRecognize while streaming, EventRecognize when
// final) for dispatch.
func (c *Context) SetTranscript(text string, confidence float64, final bool) {
	c.mu.Lock()
	c.transcript = text
	c.confidence = confidence
	if final {
		c.recognized = EventRecognize
	} else {
		c.recognized = EventPartialRecognize
	}
	c.mu.Unlock()
}

// takeRecognized consumes the pending recognition event, if any.
func (c *Context) takeRecognized() EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := c.recognized
	c.recognized = 0
	return ev
}

// Error returns the current error, or nil.
func (c *Context) Error() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SetError records a stage or transport failure for the EventError
// dispatch that follows.
func (c *Context) SetError(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// ClearError resets the error field. The driver calls this after every
// EventError so the next frame starts clean.
func (c *Context) ClearError() {
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
}

// Message returns the most recent trace message.
func (c *Context) Message() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.message
}

// CanTrace reports whether messages at level pass the configured
// threshold.
func (c *Context) CanTrace(level int) bool {
	return level >= c.traceLevel
}

// Tracef formats a diagnostic message and dispatches an EventTrace if
// level passes the configured threshold.
func (c *Context) Tracef(level int, format string, args ...any) {
	if !c.CanTrace(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	c.mu.Lock()
	c.message = msg
	c.mu.Unlock()
	c.log.Debug("trace: %s", msg)
	c.Dispatch(EventTrace)
}

// PreRoll returns the frame pre-roll window attached by the pipeline,
// or nil before Start.
func (c *Context) PreRoll() *PreRoll {
	return c.preRoll
}

// AttachPreRoll hands the pipeline's pre-roll window to the context for
// the duration of a run.
func (c *Context) AttachPreRoll(p *PreRoll) {
	c.preRoll = p
}
