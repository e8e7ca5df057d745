// Package wakeword implements the neural keyword spotter stage: a
// three-stage chain (Hann STFT → mel filterbank model → classifier
// model) with posterior smoothing and phrase matching, plus the
// activation controller that bounds how long the pipeline stays active
// after a detection.
//
// The signal path runs only while the pipeline is passive; once active,
// the stage tracks the activation window and hands control back after a
// VAD fall or a timeout. All sliding state lives in ring buffers; the
// mel, posterior and phrase windows are kept full from startup so
// detection never lags a cold start, while the sample window fills
// from empty with contiguous speech.
package wakeword

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
	"github.com/spokestack/spokestack-go/model"
	"github.com/spokestack/spokestack-go/pipeline"
	"github.com/spokestack/spokestack-go/ring"
)

// Trigger is the wakeword detection stage. One instance owns its model
// runners and ring buffers exclusively.
type Trigger struct {
	log *logger.Logger

	// Configuration, resolved to frame/sample units.
	rmsTarget   float32
	rmsAlpha    float32
	preEmphasis float32
	hopLength   int
	melWidth    int
	numClasses  int
	minActive   int // frames
	maxActive   int // frames
	words       []string
	phrases     [][]int

	filter model.Runner
	detect model.Runner

	// Sliding state.
	sampleWindow *ring.Buffer
	frameWindow  *ring.Buffer
	smoothWindow *ring.Buffer
	phraseWindow *ring.Buffer
	fft          *stft
	sampleFrame  []float32
	classSums    []float32
	phraseArg    []int
	phraseMax    []float32
	rmsValue     float32
	prevSample   float32

	activeLength int
	wasSpeech    bool
	wasActive    bool
}

// NewTrigger builds the wakeword stage from the pipeline configuration,
// loading the filter (model A) and classifier (model B) ONNX models
// from wake-filter-path and wake-detect-path.
func NewTrigger(cfg *config.SpeechConfig, log *logger.Logger) (*Trigger, error) {
	filterPath, err := cfg.String("wake-filter-path")
	if err != nil {
		return nil, err
	}
	detectPath, err := cfg.String("wake-detect-path")
	if err != nil {
		return nil, err
	}

	w, err := newTrigger(cfg, log, nil, nil)
	if err != nil {
		return nil, err
	}

	fftSize := cfg.IntDefault("fft-window-size", 512)
	melLen := w.frameWindow.Capacity() / w.melWidth
	w.filter, err = model.LoadONNX(filterPath,
		[]int64{1, int64(fftSize/2 + 1)}, []int64{1, int64(w.melWidth)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	w.detect, err = model.LoadONNX(detectPath,
		[]int64{1, int64(melLen * w.melWidth)}, []int64{1, int64(w.numClasses)})
	if err != nil {
		w.filter.Close()
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	if err := w.validateRunners(fftSize); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// NewTriggerWithRunners builds the wakeword stage around caller-supplied
// model runners, for hosts that bring their own model runtime. The
// runners' buffer sizes must match the configured tensor shapes.
func NewTriggerWithRunners(cfg *config.SpeechConfig, log *logger.Logger, filter, detect model.Runner) (*Trigger, error) {
	w, err := newTrigger(cfg, log, filter, detect)
	if err != nil {
		return nil, err
	}
	if err := w.validateRunners(cfg.IntDefault("fft-window-size", 512)); err != nil {
		return nil, err
	}
	return w, nil
}

// newTrigger resolves configuration into frame units and allocates the
// sliding windows. Model runners may still be nil at this point.
func newTrigger(cfg *config.SpeechConfig, log *logger.Logger, filter, detect model.Runner) (*Trigger, error) {
	rate, err := cfg.Int("sample-rate")
	if err != nil {
		return nil, err
	}
	frameWidth, err := cfg.Int("frame-width")
	if err != nil {
		return nil, err
	}

	wakeWords, err := cfg.String("wake-words")
	if err != nil {
		return nil, err
	}
	words := strings.Split(wakeWords, ",")
	for i := range words {
		words[i] = strings.ToLower(strings.TrimSpace(words[i]))
		if words[i] == "" {
			return nil, fmt.Errorf("%w: empty wake word", config.ErrInvalid)
		}
	}
	phrases, err := parsePhrases(words, cfg.StringDefault("wake-phrases", wakeWords))
	if err != nil {
		return nil, err
	}

	fftSize := cfg.IntDefault("fft-window-size", 512)
	fft, err := newSTFT(fftSize, cfg.StringDefault("fft-window-type", "hann"))
	if err != nil {
		return nil, err
	}

	hopMS := cfg.IntDefault("fft-hop-length", 10)
	if hopMS <= 0 {
		return nil, fmt.Errorf("%w: fft-hop-length must be positive", config.ErrInvalid)
	}
	hopLength := hopMS * rate / 1000
	if hopLength <= 0 || hopLength > fftSize {
		return nil, fmt.Errorf("%w: fft-hop-length %dms does not fit fft-window-size %d", config.ErrInvalid, hopMS, fftSize)
	}

	melWidth := cfg.IntDefault("mel-frame-width", 40)
	melLength := cfg.IntDefault("mel-frame-length", 400) / hopMS
	smoothLength := cfg.IntDefault("wake-smooth-length", 300) / hopMS
	phraseLength := cfg.IntDefault("wake-phrase-length", 500) / hopMS
	if melWidth <= 0 || melLength <= 0 || smoothLength <= 0 || phraseLength <= 0 {
		return nil, fmt.Errorf("%w: mel/smooth/phrase windows must be positive", config.ErrInvalid)
	}

	numClasses := len(words) + 1
	rmsTarget := float32(cfg.FloatDefault("rms-target", 0.08))

	w := &Trigger{
		log:          log,
		rmsTarget:    rmsTarget,
		rmsAlpha:     float32(cfg.FloatDefault("rms-alpha", 0)),
		preEmphasis:  float32(cfg.FloatDefault("pre-emphasis", 0)),
		hopLength:    hopLength,
		melWidth:     melWidth,
		numClasses:   numClasses,
		minActive:    cfg.IntDefault("wake-active-min", 500) / frameWidth,
		maxActive:    cfg.IntDefault("wake-active-max", 5000) / frameWidth,
		words:        words,
		phrases:      phrases,
		filter:       filter,
		detect:       detect,
		sampleWindow: ring.New(fftSize),
		frameWindow:  ring.New(melLength * melWidth),
		smoothWindow: ring.New(smoothLength * numClasses),
		phraseWindow: ring.New(phraseLength * numClasses),
		fft:          fft,
		sampleFrame:  make([]float32, fftSize),
		classSums:    make([]float32, numClasses),
		phraseArg:    make([]int, phraseLength),
		phraseMax:    make([]float32, numClasses),
		rmsValue:     rmsTarget,
	}

	// The mel, smooth, and phrase windows stay full for the lifetime of
	// the stage; only the sample window accumulates from empty.
	w.frameWindow.Fill(0)
	w.smoothWindow.Fill(0)
	w.phraseWindow.Fill(0)
	return w, nil
}

// validateRunners checks the runner buffer sizes against the configured
// tensor shapes.
func (w *Trigger) validateRunners(fftSize int) error {
	if w.filter == nil || w.detect == nil {
		return fmt.Errorf("%w: wakeword models not provided", config.ErrInvalid)
	}
	if got, want := len(w.filter.Inputs()), fftSize/2+1; got != want {
		return fmt.Errorf("%w: filter model input %d, want %d", config.ErrInvalid, got, want)
	}
	if got, want := len(w.filter.Outputs()), w.melWidth; got != want {
		return fmt.Errorf("%w: filter model output %d, want %d", config.ErrInvalid, got, want)
	}
	if got, want := len(w.detect.Inputs()), w.frameWindow.Capacity(); got != want {
		return fmt.Errorf("%w: detect model input %d, want %d", config.ErrInvalid, got, want)
	}
	if got, want := len(w.detect.Outputs()), w.numClasses; got != want {
		return fmt.Errorf("%w: detect model output %d, want %d", config.ErrInvalid, got, want)
	}
	return nil
}

// Process routes one frame. While the pipeline is passive the full
// signal path runs; while active, only the activation controller.
func (w *Trigger) Process(ctx *pipeline.Context, frame []byte) error {
	vadFall := w.wasSpeech && !ctx.IsSpeech()
	w.wasSpeech = ctx.IsSpeech()

	var err error
	if ctx.IsActive() {
		// An activation this stage didn't start (external Activate)
		// still gets a bounded window.
		if w.activeLength == 0 {
			w.activeLength = 1
		}
		w.wasActive = true
		switch {
		// The timeout is checked first, so a frame that is both past the
		// maximum and non-speech still reports TIMEOUT.
		case w.activeLength > w.maxActive:
			ctx.Tracef(pipeline.TraceInfo, "wake: active timeout after %d frames", w.activeLength)
			ctx.Dispatch(pipeline.EventTimeout)
			w.deactivate(ctx)
		// Non-speech after the minimum window closes the activation; a
		// pause inside the minimum window is forgiven.
		case w.activeLength > w.minActive && !ctx.IsSpeech():
			w.deactivate(ctx)
		default:
			w.activeLength++
		}
	} else {
		if w.wasActive {
			// First frame after deactivation: flush detection state so
			// the next utterance starts clean.
			w.wasActive = false
			w.activeLength = 0
			w.resetState(ctx)
		}
		err = w.sample(ctx, frame)
	}

	if vadFall {
		// A fall edge always flushes the windows, active or not —
		// keyword fragments must never splice across silences.
		w.resetState(ctx)
	}
	return err
}

// sample normalizes and pre-emphasizes the frame into the sample
// window, running the analyzer each time the window fills during
// speech.
func (w *Trigger) sample(ctx *pipeline.Context, frame []byte) error {
	if len(frame)%2 != 0 {
		return fmt.Errorf("%w: odd frame of %d bytes", pipeline.ErrFrameSize, len(frame))
	}

	if ctx.IsSpeech() && w.rmsAlpha > 0 {
		w.rmsValue = w.rmsAlpha*frameRMS(frame) + (1-w.rmsAlpha)*w.rmsValue
	}

	n := len(frame) / 2
	for i := 0; i < n; i++ {
		s := float32(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / 32768

		// Gain normalization toward the RMS target, then pre-emphasis.
		s = s * w.rmsTarget / w.rmsValue
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		cur := s - w.preEmphasis*w.prevSample
		w.prevSample = s

		w.sampleWindow.Write(cur)
		if w.sampleWindow.IsFull() {
			if ctx.IsSpeech() {
				if err := w.analyze(ctx); err != nil {
					return err
				}
			}
			// Slide: the next window overlaps this one by
			// fft-window-size - hop samples.
			w.sampleWindow.Rewind()
			w.sampleWindow.Seek(w.hopLength)
		}
	}
	return nil
}

// analyze runs the STFT over the current sample window and feeds the
// magnitude spectrum to the mel filter model.
func (w *Trigger) analyze(ctx *pipeline.Context) error {
	for i := range w.sampleFrame {
		w.sampleFrame[i] = w.sampleWindow.Read()
	}
	return w.filterStep(ctx, w.fft.transform(w.sampleFrame))
}

// filterStep pushes one magnitude spectrum through the mel model and
// slides the result into the mel frame window.
func (w *Trigger) filterStep(ctx *pipeline.Context, mags []float32) error {
	copy(w.filter.Inputs(), mags)
	if err := w.filter.Run(); err != nil {
		return fmt.Errorf("%w: filter: %v", pipeline.ErrModel, err)
	}

	// Drop the oldest mel frame, append the new one.
	w.frameWindow.Rewind()
	w.frameWindow.Seek(w.melWidth)
	for _, v := range w.filter.Outputs()[:w.melWidth] {
		w.frameWindow.Write(v)
	}
	return w.detectStep(ctx)
}

// detectStep classifies the full mel window and slides the posteriors
// into the smoothing window.
func (w *Trigger) detectStep(ctx *pipeline.Context) error {
	in := w.detect.Inputs()
	w.frameWindow.Rewind()
	for i := range in {
		in[i] = w.frameWindow.Read()
	}
	if err := w.detect.Run(); err != nil {
		return fmt.Errorf("%w: detect: %v", pipeline.ErrModel, err)
	}

	w.smoothWindow.Rewind()
	w.smoothWindow.Seek(w.numClasses)
	for _, v := range w.detect.Outputs()[:w.numClasses] {
		w.smoothWindow.Write(v)
	}
	w.smoothStep(ctx)
	return nil
}

// smoothStep averages the posteriors across the smoothing window and
// slides the mean vector into the phrase window.
func (w *Trigger) smoothStep(ctx *pipeline.Context) {
	for i := range w.classSums {
		w.classSums[i] = 0
	}
	w.smoothWindow.Rewind()
	for i := 0; !w.smoothWindow.IsEmpty(); i++ {
		w.classSums[i%w.numClasses] += w.smoothWindow.Read()
	}
	frames := float32(w.smoothWindow.Capacity() / w.numClasses)

	w.phraseWindow.Rewind()
	w.phraseWindow.Seek(w.numClasses)
	for _, sum := range w.classSums {
		w.phraseWindow.Write(sum / frames)
	}
	w.phraseStep(ctx)
}

// phraseStep computes the argmax trajectory of the phrase window and
// activates on the first configured phrase that matches it.
func (w *Trigger) phraseStep(ctx *pipeline.Context) {
	w.phraseWindow.Rewind()
	for f := range w.phraseArg {
		var argmax int
		var max float32 = -math.MaxFloat32
		for c := 0; c < w.numClasses; c++ {
			v := w.phraseWindow.Read()
			if v > w.phraseMax[c] {
				w.phraseMax[c] = v
			}
			if v > max {
				max = v
				argmax = c
			}
		}
		w.phraseArg[f] = argmax
	}

	for _, phrase := range w.phrases {
		if matchPhrase(w.phraseArg, phrase) {
			w.activate(ctx)
			return
		}
	}
}

// activate opens the activation window. The pipeline driver observes
// the flag edge and dispatches EventActivate after the stage chain.
func (w *Trigger) activate(ctx *pipeline.Context) {
	ctx.Tracef(pipeline.TraceInfo, "wake: detected %v", w.words)
	ctx.SetActive(true)
	w.activeLength = 1
	w.wasActive = true
}

// deactivate closes the activation window.
func (w *Trigger) deactivate(ctx *pipeline.Context) {
	ctx.SetActive(false)
	w.activeLength = 0
}

// resetState flushes all detection state: the sample window empties
// (only contiguous speech may form STFT windows), the mel, smooth, and
// phrase windows refill with zeros, and the posterior maxima clear.
func (w *Trigger) resetState(ctx *pipeline.Context) {
	if ctx.CanTrace(pipeline.TracePerf) {
		ctx.Tracef(pipeline.TracePerf, "wake: posterior maxima %v", w.phraseMax)
	}
	w.sampleWindow.Reset()
	w.frameWindow.Reset()
	w.frameWindow.Fill(0)
	w.smoothWindow.Reset()
	w.smoothWindow.Fill(0)
	w.phraseWindow.Reset()
	w.phraseWindow.Fill(0)
	for i := range w.phraseMax {
		w.phraseMax[i] = 0
	}
}

// Reset returns the stage to its initial state.
func (w *Trigger) Reset() error {
	w.resetState(pipeline.NewContext(pipeline.TraceNone, w.log))
	w.rmsValue = w.rmsTarget
	w.prevSample = 0
	w.activeLength = 0
	w.wasSpeech = false
	w.wasActive = false
	return nil
}

// Close releases the model runners.
func (w *Trigger) Close() error {
	var err error
	if w.filter != nil {
		err = w.filter.Close()
	}
	if w.detect != nil {
		if e := w.detect.Close(); err == nil {
			err = e
		}
	}
	return err
}

// frameRMS returns the root-mean-square of a 16-bit frame, scaled to
// [0, 1].
func frameRMS(frame []byte) float32 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sumSq float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[i*2:]))) / 32768
		sumSq += s * s
	}
	return float32(math.Sqrt(sumSq / float64(n)))
}
