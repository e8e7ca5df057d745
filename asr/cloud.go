// Package asr bridges the speech pipeline to a streaming speech
// recognition service over a websocket. The bridge observes the
// context's activation edges: a rising edge opens a recognition
// request and replays the pre-roll audio, live frames stream while the
// pipeline stays active, and a falling edge finalizes the request.
// Hypotheses arriving from the service populate the context's
// transcript for the driver to dispatch.
//
// All network I/O happens on the bridge's own goroutines; the audio
// loop only moves frames onto a buffered queue and never waits on the
// socket.
package asr

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
	"github.com/spokestack/spokestack-go/pipeline"
)

const (
	// sendQueueCap bounds the frame queue between the audio loop and
	// the socket writer. Frames are dropped, not blocked on, when the
	// writer falls behind.
	sendQueueCap = 256

	dialTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// startRequest opens a recognition request on the socket.
type startRequest struct {
	Event    string `json:"event"`
	ID       string `json:"id"`
	Key      string `json:"key"`
	Language string `json:"language"`
	Rate     int    `json:"rate"`
}

// stopRequest finalizes the current recognition request.
type stopRequest struct {
	Event string `json:"event"`
	ID    string `json:"id"`
}

// hypothesis is a transcript update from the service.
type hypothesis struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Final      bool    `json:"final"`
	Error      string  `json:"error"`
}

// CloudRecognizer is the ASR bridge stage. It keeps its websocket open
// across activations and disconnects after a configurable number of
// inactive frames; the next activation reconnects transparently.
type CloudRecognizer struct {
	log      *logger.Logger
	url      string
	apiKey   string
	language string
	rate     int
	idleMax  int

	mu   sync.Mutex
	conn *wsConn

	wasActive bool
	idleCount int
}

// NewCloudRecognizer builds the bridge from the pipeline configuration.
// asr-server-url is required; asr-api-key, asr-language, and
// asr-idle-timeout tune the session.
func NewCloudRecognizer(cfg *config.SpeechConfig, log *logger.Logger) (*CloudRecognizer, error) {
	url, err := cfg.String("asr-server-url")
	if err != nil {
		return nil, err
	}
	rate, err := cfg.Int("sample-rate")
	if err != nil {
		return nil, err
	}
	return &CloudRecognizer{
		log:      log,
		url:      url,
		apiKey:   cfg.StringDefault("asr-api-key", ""),
		language: cfg.StringDefault("asr-language", "en-US"),
		rate:     rate,
		idleMax:  cfg.IntDefault("asr-idle-timeout", 500),
	}, nil
}

// Process observes activation edges and streams audio accordingly.
func (r *CloudRecognizer) Process(ctx *pipeline.Context, frame []byte) error {
	if ctx.IsActive() {
		r.idleCount = 0
		if !r.wasActive {
			r.wasActive = true
			r.begin(ctx)
		}
		r.sendFrame(frame)
		return nil
	}

	if r.wasActive {
		r.wasActive = false
		r.finish()
		return nil
	}

	// Passive with an open socket: count down to the idle disconnect.
	r.mu.Lock()
	open := r.conn != nil
	r.mu.Unlock()
	if open {
		r.idleCount++
		if r.idleCount > r.idleMax {
			r.log.Debug("asr: idle for %d frames, disconnecting", r.idleCount)
			r.disconnect()
		}
	}
	return nil
}

// begin opens a recognition request: connect if needed, announce the
// request, and replay the pre-roll window ahead of the live audio.
func (r *CloudRecognizer) begin(ctx *pipeline.Context) {
	r.mu.Lock()
	if r.conn == nil {
		r.conn = dial(r.url, r.log, ctx, r.dropConn)
	}
	c := r.conn
	r.mu.Unlock()

	id := uuid.NewString()
	c.enqueueJSON(startRequest{
		Event:    "start",
		ID:       id,
		Key:      r.apiKey,
		Language: r.language,
		Rate:     r.rate,
	})
	r.log.Debug("asr: request %s started", id)

	if pr := ctx.PreRoll(); pr != nil {
		pr.Drain(func(frame []byte) {
			c.enqueueBinary(frame)
		})
	}
}

// sendFrame queues one live frame for the socket writer.
func (r *CloudRecognizer) sendFrame(frame []byte) {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c != nil {
		c.enqueueBinary(frame)
	}
}

// finish finalizes the open recognition request. The socket stays
// connected for the next activation until the idle timeout closes it.
func (r *CloudRecognizer) finish() {
	r.mu.Lock()
	c := r.conn
	r.mu.Unlock()
	if c != nil {
		c.enqueueJSON(stopRequest{Event: "stop"})
	}
}

// disconnect tears the socket down.
func (r *CloudRecognizer) disconnect() {
	r.mu.Lock()
	c := r.conn
	r.conn = nil
	r.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// dropConn forgets a connection that died on its own.
func (r *CloudRecognizer) dropConn(c *wsConn) {
	r.mu.Lock()
	if r.conn == c {
		r.conn = nil
	}
	r.mu.Unlock()
}

// Reset closes any open session state.
func (r *CloudRecognizer) Reset() error {
	r.wasActive = false
	r.idleCount = 0
	r.disconnect()
	return nil
}

// Close releases the bridge.
func (r *CloudRecognizer) Close() error {
	r.disconnect()
	return nil
}

// wsConn is one websocket connection with its writer and reader
// goroutines. The audio loop talks to it only through the buffered
// send queue.
type wsConn struct {
	log  *logger.Logger
	send chan wsMsg
	quit chan struct{}

	closeOnce sync.Once

	onDead func(*wsConn)
}

type wsMsg struct {
	binary bool
	data   []byte
}

// dial starts a connection attempt and returns immediately; frames
// queued before the handshake completes are delivered once it does.
// Failures surface as recognizer errors on the context.
func dial(url string, log *logger.Logger, ctx *pipeline.Context, onDead func(*wsConn)) *wsConn {
	c := &wsConn{
		log:    log,
		send:   make(chan wsMsg, sendQueueCap),
		quit:   make(chan struct{}),
		onDead: onDead,
	}

	go func() {
		dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
		ws, _, err := dialer.Dial(url, nil)
		if err != nil {
			c.fail(ctx, fmt.Errorf("%w: dial %s: %v", pipeline.ErrRecognizer, url, err))
			return
		}
		go c.writeLoop(ctx, ws)
		go c.readLoop(ctx, ws)
	}()

	return c
}

// enqueueJSON queues a control message.
func (c *wsConn) enqueueJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(wsMsg{binary: false, data: data})
}

// enqueueBinary queues a copy of an audio frame.
func (c *wsConn) enqueueBinary(frame []byte) {
	data := make([]byte, len(frame))
	copy(data, frame)
	c.enqueue(wsMsg{binary: true, data: data})
}

func (c *wsConn) enqueue(m wsMsg) {
	select {
	case c.send <- m:
	default:
		// The writer fell behind; drop the frame rather than stall the
		// audio loop.
		c.log.Warn("asr: send queue full, dropping message")
	}
}

// close shuts the connection down from the pipeline side.
func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.quit) })
}

// fail reports a transport failure on the context and kills the
// connection.
func (c *wsConn) fail(ctx *pipeline.Context, err error) {
	c.log.Error("asr: %v", err)
	ctx.SetError(err)
	ctx.Dispatch(pipeline.EventError)
	ctx.ClearError()
	c.close()
	if c.onDead != nil {
		c.onDead(c)
	}
}

// writeLoop drains the send queue onto the socket.
func (c *wsConn) writeLoop(ctx *pipeline.Context, ws *websocket.Conn) {
	defer ws.Close()
	for {
		select {
		case <-c.quit:
			deadline := time.Now().Add(writeTimeout)
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case m := <-c.send:
			kind := websocket.TextMessage
			if m.binary {
				kind = websocket.BinaryMessage
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(kind, m.data); err != nil {
				c.fail(ctx, fmt.Errorf("%w: write: %v", pipeline.ErrRecognizer, err))
				return
			}
		}
	}
}

// readLoop parses hypothesis messages and publishes them on the
// context. The pipeline driver dispatches the matching recognition
// event on its next loop iteration.
func (c *wsConn) readLoop(ctx *pipeline.Context, ws *websocket.Conn) {
	for {
		select {
		case <-c.quit:
			return
		default:
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
				// Normal shutdown; the writer already closed the socket.
			default:
				c.fail(ctx, fmt.Errorf("%w: read: %v", pipeline.ErrRecognizer, err))
			}
			return
		}

		var h hypothesis
		if err := json.Unmarshal(data, &h); err != nil {
			c.log.Warn("asr: unparseable message: %v", err)
			continue
		}
		if h.Error != "" {
			c.fail(ctx, fmt.Errorf("%w: %s", pipeline.ErrRecognizer, h.Error))
			return
		}
		ctx.SetTranscript(h.Transcript, h.Confidence, h.Final)
	}
}
