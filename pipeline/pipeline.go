// Package pipeline implements the streaming speech pipeline driver: a
// single audio loop that reads fixed-width PCM frames from an
// AudioSource, threads a shared speech context through an ordered stage
// chain, and dispatches lifecycle events to subscribers.
package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
)

// Pipeline owns an audio source and an ordered chain of processing
// stages, and runs the audio loop on a dedicated worker goroutine.
// Construct one with a Builder.
type Pipeline struct {
	cfg    *config.SpeechConfig
	log    *logger.Logger
	ctx    *Context
	source AudioSource
	stages []Stage

	frameBytes  int
	preRollLen  int
	stopTimeout time.Duration

	mu           sync.Mutex
	quit         chan struct{}
	done         chan struct{}
	running      bool
	sourceClosed bool
}

// Context returns the pipeline's speech context.
func (p *Pipeline) Context() *Context {
	return p.ctx
}

// AddListener subscribes a listener to pipeline events. Safe from any
// goroutine.
func (p *Pipeline) AddListener(l EventListener) {
	p.ctx.AddListener(l)
}

// Activate forces the pipeline active, as if a wakeword had been
// recognized. Safe from any goroutine; the EventActivate edge is
// dispatched by the audio loop on its next iteration.
func (p *Pipeline) Activate() {
	p.ctx.SetActive(true)
}

// Deactivate forces the pipeline back to passive listening. Safe from
// any goroutine.
func (p *Pipeline) Deactivate() {
	p.ctx.SetActive(false)
}

// Start spawns the audio worker. It fails if the pipeline is already
// running.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.ctx.AttachPreRoll(NewPreRoll(p.preRollLen))
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	p.running = true
	p.mu.Unlock()

	go p.run()
	p.log.Info("pipeline: started (frame=%dB, preroll=%d frames)", p.frameBytes, p.preRollLen)
	return nil
}

// Stop cancels the audio loop and waits for the worker to finish its
// current frame and release stage resources. If the worker does not
// exit within the configured stop timeout it is considered leaked;
// listeners are released either way.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.quit)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-time.After(p.stopTimeout):
		p.log.Warn("pipeline: worker did not exit within %s, leaking it", p.stopTimeout)
	}

	p.ctx.mu.Lock()
	p.ctx.listeners = nil
	p.ctx.mu.Unlock()
	p.log.Info("pipeline: stopped")
}

// run is the audio loop. One frame per iteration: read, buffer, stage
// chain, event dispatch.
func (p *Pipeline) run() {
	defer close(p.done)
	defer p.cleanup()

	frame := make([]byte, p.frameBytes)
	// The pipeline starts passive; an Activate that lands before the
	// first frame still produces its edge event.
	lastActive := false
	frames := 0

	for {
		select {
		case <-p.quit:
			return
		default:
		}

		if err := p.source.Read(frame); err != nil {
			p.reportError(err)
			continue
		}

		p.ctx.PreRoll().Push(frame)

		var stageErr error
		for _, s := range p.stages {
			if err := s.Process(p.ctx, frame); err != nil {
				stageErr = err
				break
			}
		}

		// Dispatch order for the frame: activity edges, recognition,
		// errors.
		active := p.ctx.IsActive()
		if active != lastActive {
			if active {
				p.ctx.Dispatch(EventActivate)
			} else {
				p.ctx.Dispatch(EventDeactivate)
			}
			lastActive = active
		}
		if ev := p.ctx.takeRecognized(); ev != 0 {
			p.ctx.Dispatch(ev)
		}
		if stageErr != nil {
			p.reportError(stageErr)
		}

		frames++
		if frames%1000 == 0 {
			p.ctx.Tracef(TracePerf, "pipeline: %d frames processed, active=%v preroll=%d",
				frames, active, p.ctx.PreRoll().Len())
		}
	}
}

// reportError surfaces a runtime failure as an EventError and clears
// the context so the next frame starts clean.
func (p *Pipeline) reportError(err error) {
	p.log.Error("pipeline: %v", err)
	p.ctx.SetError(err)
	p.ctx.Dispatch(EventError)
	p.ctx.ClearError()
}

// cleanup tears down the run: stages are reset in reverse registration
// order, the pre-roll window is released, and stages and the source are
// closed.
func (p *Pipeline) cleanup() {
	for i := len(p.stages) - 1; i >= 0; i-- {
		if err := p.stages[i].Reset(); err != nil {
			p.log.Error("pipeline: stage reset: %v", err)
		}
	}
	if pr := p.ctx.PreRoll(); pr != nil {
		pr.Clear()
	}
	for i := len(p.stages) - 1; i >= 0; i-- {
		if err := p.stages[i].Close(); err != nil {
			p.log.Error("pipeline: stage close: %v", err)
		}
	}
	if !p.sourceClosed {
		p.sourceClosed = true
		if err := p.source.Close(); err != nil {
			p.log.Error("pipeline: source close: %v", err)
		}
	}
}
