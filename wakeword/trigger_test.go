package wakeword

import (
	"errors"
	"sync"
	"testing"

	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
	"github.com/spokestack/spokestack-go/pipeline"
)

// scripted is a model runner that replays canned output vectors, one
// per Run call, then zeros once the script runs out.
type scripted struct {
	in     []float32
	out    []float32
	script [][]float32
	calls  int
	closed bool
}

func newScripted(inLen, outLen int, script [][]float32) *scripted {
	return &scripted{
		in:     make([]float32, inLen),
		out:    make([]float32, outLen),
		script: script,
	}
}

func (m *scripted) Inputs() []float32  { return m.in }
func (m *scripted) Outputs() []float32 { return m.out }

func (m *scripted) Run() error {
	for i := range m.out {
		m.out[i] = 0
	}
	if m.calls < len(m.script) {
		copy(m.out, m.script[m.calls])
	}
	m.calls++
	return nil
}

func (m *scripted) Close() error {
	m.closed = true
	return nil
}

// collector records dispatched events for assertions.
type collector struct {
	mu     sync.Mutex
	events []pipeline.EventType
}

func (c *collector) OnSpeechEvent(event pipeline.EventType, _ *pipeline.Context) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *collector) count(event pipeline.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e == event {
			n++
		}
	}
	return n
}

// scenarioConfig is the small-window configuration the end-to-end
// scenarios run against: 10 ms frames, one analyzer pass per frame.
func scenarioConfig() *config.SpeechConfig {
	return config.From(map[string]any{
		"sample-rate":        16000,
		"frame-width":        10,
		"fft-window-size":    160,
		"mel-frame-length":   40,
		"mel-frame-width":    40,
		"wake-words":         "hello",
		"wake-smooth-length": 10,
		"wake-phrase-length": 20,
		"wake-active-min":    20,
		"wake-active-max":    30,
	})
}

// newTestTrigger wires a trigger around scripted models. detectScript
// supplies the classifier posteriors, one vector per analyzed frame.
func newTestTrigger(t *testing.T, cfg *config.SpeechConfig, numClasses int, detectScript [][]float32) (*Trigger, *pipeline.Context, *collector) {
	t.Helper()
	log := logger.New(logger.LevelOff, nil)

	fftSize := cfg.IntDefault("fft-window-size", 512)
	melWidth := cfg.IntDefault("mel-frame-width", 40)
	melLength := cfg.IntDefault("mel-frame-length", 400) / cfg.IntDefault("fft-hop-length", 10)

	filter := newScripted(fftSize/2+1, melWidth, nil)
	detect := newScripted(melLength*melWidth, numClasses, detectScript)

	w, err := NewTriggerWithRunners(cfg, log, filter, detect)
	if err != nil {
		t.Fatalf("building trigger: %v", err)
	}

	ctx := pipeline.NewContext(pipeline.TraceNone, log)
	events := &collector{}
	ctx.AddListener(events)
	return w, ctx, events
}

// feed processes one frame with the given speech flag.
func feed(t *testing.T, w *Trigger, ctx *pipeline.Context, speech bool) {
	t.Helper()
	ctx.SetSpeech(speech)
	frame := make([]byte, 320)
	if err := w.Process(ctx, frame); err != nil {
		t.Fatalf("process: %v", err)
	}
}

func TestSimpleActivation(t *testing.T) {
	w, ctx, _ := newTestTrigger(t, scenarioConfig(), 2, [][]float32{
		{0, 1},
		{1, 0},
	})

	feed(t, w, ctx, true)
	if ctx.IsActive() {
		t.Fatal("active before the phrase completed")
	}
	feed(t, w, ctx, true)
	if !ctx.IsActive() {
		t.Fatal("expected activation after the null class closed the phrase")
	}
}

func TestVADGatedDeactivation(t *testing.T) {
	w, ctx, _ := newTestTrigger(t, scenarioConfig(), 2, [][]float32{
		{0, 1},
		{1, 0},
	})

	feed(t, w, ctx, true)
	feed(t, w, ctx, true) // activation
	feed(t, w, ctx, true)
	feed(t, w, ctx, true)
	if !ctx.IsActive() {
		t.Fatal("should still be active during speech")
	}
	feed(t, w, ctx, false)
	if ctx.IsActive() {
		t.Fatal("expected deactivation on VAD fall after the minimum window")
	}
}

func TestMinimumActiveEnforcement(t *testing.T) {
	w, ctx, _ := newTestTrigger(t, scenarioConfig(), 2, [][]float32{
		{0, 1},
		{1, 0},
	})

	feed(t, w, ctx, true)
	feed(t, w, ctx, true) // activation, active_length = 1

	// min is 2 frames; the first two silent frames must not close the
	// window.
	feed(t, w, ctx, false)
	if !ctx.IsActive() {
		t.Fatal("deactivated during the minimum window (frame 1)")
	}
	feed(t, w, ctx, false)
	if !ctx.IsActive() {
		t.Fatal("deactivated during the minimum window (frame 2)")
	}
	feed(t, w, ctx, false)
	if ctx.IsActive() {
		t.Fatal("expected deactivation once active_length exceeded the minimum")
	}
}

func TestMaxActivationTimeout(t *testing.T) {
	w, ctx, events := newTestTrigger(t, scenarioConfig(), 2, [][]float32{
		{0, 1},
		{1, 0},
	})

	feed(t, w, ctx, true)
	feed(t, w, ctx, true) // activation

	for i := 0; i < 3; i++ {
		feed(t, w, ctx, true)
		if !ctx.IsActive() {
			t.Fatalf("deactivated early, frame %d", i+1)
		}
		if events.count(pipeline.EventTimeout) != 0 {
			t.Fatalf("timeout fired early, frame %d", i+1)
		}
	}
	feed(t, w, ctx, true)
	if ctx.IsActive() {
		t.Fatal("expected deactivation at the maximum window")
	}
	if events.count(pipeline.EventTimeout) != 1 {
		t.Fatalf("timeout events = %d, want 1", events.count(pipeline.EventTimeout))
	}
}

func TestExactPhraseOnly(t *testing.T) {
	cfg := scenarioConfig().
		Set("wake-words", "up,dog").
		Set("wake-phrases", "up dog").
		Set("wake-phrase-length", 30)

	// Wrong order: dog, up, null.
	w, ctx, _ := newTestTrigger(t, cfg, 3, [][]float32{
		{0, 0, 1},
		{0, 1, 0},
		{1, 0, 0},
	})
	feed(t, w, ctx, true)
	feed(t, w, ctx, true)
	feed(t, w, ctx, true)
	if ctx.IsActive() {
		t.Fatal("activated on out-of-order keywords")
	}

	// Right order: up, dog, null.
	w, ctx, _ = newTestTrigger(t, cfg, 3, [][]float32{
		{0, 1, 0},
		{0, 0, 1},
		{1, 0, 0},
	})
	feed(t, w, ctx, true)
	feed(t, w, ctx, true)
	feed(t, w, ctx, true)
	if !ctx.IsActive() {
		t.Fatal("expected activation on the exact phrase")
	}
}

func TestSplitBySilenceRejection(t *testing.T) {
	cfg := scenarioConfig().
		Set("wake-words", "up,dog").
		Set("wake-phrases", "up dog").
		Set("wake-phrase-length", 30)

	w, ctx, _ := newTestTrigger(t, cfg, 3, [][]float32{
		{0, 1, 0},
		{0, 0, 1},
		{1, 0, 0},
	})

	feed(t, w, ctx, true)  // up
	feed(t, w, ctx, false) // silence: buffers reset
	feed(t, w, ctx, true)  // dog
	feed(t, w, ctx, true)  // null
	if ctx.IsActive() {
		t.Fatal("activated across a silence gap")
	}
}

func TestSilenceNeverActivates(t *testing.T) {
	w, ctx, events := newTestTrigger(t, scenarioConfig(), 2, [][]float32{
		{0, 1},
		{1, 0},
	})

	for i := 0; i < 50; i++ {
		feed(t, w, ctx, false)
	}
	if ctx.IsActive() {
		t.Fatal("activated without speech")
	}
	if n := events.count(pipeline.EventActivate); n != 0 {
		t.Fatalf("activate events = %d, want 0", n)
	}
}

func TestDetectionIsDeterministic(t *testing.T) {
	activationFrame := func() int {
		w, ctx, _ := newTestTrigger(t, scenarioConfig(), 2, [][]float32{
			{0, 0.2},
			{0, 1},
			{1, 0},
		})
		for i := 1; i <= 10; i++ {
			feed(t, w, ctx, true)
			if ctx.IsActive() {
				return i
			}
		}
		return -1
	}

	first := activationFrame()
	if first == -1 {
		t.Fatal("never activated")
	}
	for run := 0; run < 3; run++ {
		if got := activationFrame(); got != first {
			t.Fatalf("run %d activated at frame %d, first run at %d", run, got, first)
		}
	}
}

func TestExternalActivationGetsBoundedWindow(t *testing.T) {
	w, ctx, events := newTestTrigger(t, scenarioConfig(), 2, nil)

	ctx.SetActive(true)
	// max is 3 frames; the externally forced window must still time
	// out.
	for i := 0; i < 4; i++ {
		feed(t, w, ctx, true)
	}
	if ctx.IsActive() {
		t.Fatal("external activation never timed out")
	}
	if events.count(pipeline.EventTimeout) != 1 {
		t.Fatalf("timeout events = %d, want 1", events.count(pipeline.EventTimeout))
	}
}

func TestActiveLengthBound(t *testing.T) {
	w, ctx, _ := newTestTrigger(t, scenarioConfig(), 2, [][]float32{
		{0, 1},
		{1, 0},
	})

	feed(t, w, ctx, true)
	feed(t, w, ctx, true) // activation
	maxActive := 3
	for i := 0; i < 10; i++ {
		feed(t, w, ctx, true)
		if w.activeLength > maxActive+1 {
			t.Fatalf("active_length = %d, exceeds max+1 = %d", w.activeLength, maxActive+1)
		}
	}
}

func TestResetThenCloseReleasesModels(t *testing.T) {
	filter := newScripted(81, 40, nil)
	detect := newScripted(160, 2, nil)
	log := logger.New(logger.LevelOff, nil)

	w, err := NewTriggerWithRunners(scenarioConfig(), log, filter, detect)
	if err != nil {
		t.Fatalf("building trigger: %v", err)
	}
	if err := w.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !filter.closed || !detect.closed {
		t.Fatal("close did not release the model runners")
	}
}

func TestConfigurationErrors(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)

	tests := []struct {
		name string
		mut  func(cfg *config.SpeechConfig)
	}{
		{"odd fft window", func(cfg *config.SpeechConfig) { cfg.Set("fft-window-size", 161) }},
		{"bad window type", func(cfg *config.SpeechConfig) { cfg.Set("fft-window-type", "hamming") }},
		{"unknown phrase word", func(cfg *config.SpeechConfig) { cfg.Set("wake-phrases", "hello there") }},
		{"empty wake word", func(cfg *config.SpeechConfig) { cfg.Set("wake-words", "hello,,world") }},
		{"uncoercible sample rate", func(cfg *config.SpeechConfig) { cfg.Set("sample-rate", "unknown") }},
		{"zero hop", func(cfg *config.SpeechConfig) { cfg.Set("fft-hop-length", 0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := scenarioConfig()
			tt.mut(cfg)
			filter := newScripted(81, 40, nil)
			detect := newScripted(160, 2, nil)
			_, err := NewTriggerWithRunners(cfg, log, filter, detect)
			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("expected config.ErrInvalid, got %v", err)
			}
		})
	}
}

func TestRunnerShapeMismatch(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	filter := newScripted(81, 39, nil) // wrong mel width
	detect := newScripted(160, 2, nil)
	if _, err := NewTriggerWithRunners(scenarioConfig(), log, filter, detect); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("expected config.ErrInvalid, got %v", err)
	}
}

func TestModelFailureSurfacesAsModelError(t *testing.T) {
	log := logger.New(logger.LevelOff, nil)
	filter := newScripted(81, 40, nil)
	detect := newScripted(160, 2, nil)

	w, err := NewTriggerWithRunners(scenarioConfig(), log, filter, detect)
	if err != nil {
		t.Fatalf("building trigger: %v", err)
	}
	w.filter = &failingModel{inner: filter}

	ctx := pipeline.NewContext(pipeline.TraceNone, log)
	ctx.SetSpeech(true)
	err = w.Process(ctx, make([]byte, 320))
	if !errors.Is(err, pipeline.ErrModel) {
		t.Fatalf("expected pipeline.ErrModel, got %v", err)
	}
}

type failingModel struct {
	inner *scripted
}

func (m *failingModel) Inputs() []float32  { return m.inner.Inputs() }
func (m *failingModel) Outputs() []float32 { return m.inner.Outputs() }
func (m *failingModel) Run() error         { return errors.New("forward pass failed") }
func (m *failingModel) Close() error       { return m.inner.Close() }
