// listen — run the speech pipeline against the default microphone and
// print lifecycle events.
//
// Usage:
//
//	listen -words "hey,computer" -phrases "hey computer" -filter models/filter.onnx -detect models/detect.onnx
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/joho/godotenv"

	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
	"github.com/spokestack/spokestack-go/mic"
	"github.com/spokestack/spokestack-go/model"
	"github.com/spokestack/spokestack-go/pipeline"
	"github.com/spokestack/spokestack-go/profile"
)

func main() {
	_ = godotenv.Load()

	verbose := flag.Bool("verbose", false, "enable verbose/debug logging")
	quiet := flag.Bool("quiet", false, "disable all logging")
	logFile := flag.String("log-file", "stderr", "file to write logs to (use \"stderr\" to log to console)")
	profileName := flag.String("profile", "wakeword", "pipeline profile: wakeword, vad, ptt")
	rate := flag.Int("rate", 16000, "capture sample rate in Hz")
	frameWidth := flag.Int("frame-width", 20, "frame width in ms")
	words := flag.String("words", "spokestack", "comma-separated wake words")
	phrases := flag.String("phrases", "", "comma-separated wake phrases (defaults to the wake words)")
	filterPath := flag.String("filter", "models/filter.onnx", "mel filterbank model path")
	detectPath := flag.String("detect", "models/detect.onnx", "keyword classifier model path")
	onnxLib := flag.String("onnx-lib", "", "path to the onnxruntime shared library")
	asrURL := flag.String("asr-url", os.Getenv("ASR_SERVER_URL"), "websocket ASR endpoint")
	chime := flag.Bool("chime", true, "play a chime on activation")
	flag.Parse()

	logLevel := logger.LevelNormal
	if *verbose {
		logLevel = logger.LevelVerbose
	}
	if *quiet {
		logLevel = logger.LevelOff
	}

	var logOut io.Writer = os.Stderr
	if *logFile != "" && *logFile != "stderr" {
		dir := filepath.Dir(*logFile)
		if dir != "" && dir != "." {
			os.MkdirAll(dir, 0o755)
		}
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not open log file %s: %v (falling back to stderr)\n", *logFile, err)
		} else {
			logOut = f
			defer f.Close()
		}
	}
	stdlog.SetOutput(logOut)
	log := logger.New(logLevel, logOut)

	// Only the wakeword profile runs neural models.
	if *profileName == "wakeword" {
		if err := model.Init(*onnxLib); err != nil {
			log.Error("onnx runtime init failed: %v", err)
			os.Exit(1)
		}
		defer model.Shutdown()
	}

	cfg := config.New().
		Set("sample-rate", *rate).
		Set("frame-width", *frameWidth).
		Set("buffer-width", 500).
		Set("vad-mode", "quality").
		Set("vad-fall-delay", 500).
		Set("wake-words", *words).
		Set("wake-filter-path", *filterPath).
		Set("wake-detect-path", *detectPath).
		Set("asr-api-key", os.Getenv("ASR_API_KEY")).
		Set("trace-level", pipeline.TraceInfo)
	if *phrases != "" {
		cfg.Set("wake-phrases", *phrases)
	}
	if *asrURL != "" {
		cfg.Set("asr-server-url", *asrURL)
	}

	var stages []pipeline.StageFactory
	switch *profileName {
	case "wakeword":
		stages = profile.WakewordCloudASR()
	case "vad":
		stages = profile.VADCloudASR()
	case "ptt":
		stages = profile.PushToTalkCloudASR()
	default:
		fmt.Fprintf(os.Stderr, "unknown profile %q\n", *profileName)
		os.Exit(2)
	}

	source, err := mic.NewSource(cfg, log)
	if err != nil {
		log.Error("microphone init failed: %v", err)
		os.Exit(1)
	}

	var player *chimePlayer
	if *chime {
		player, err = newChimePlayer(*rate, log)
		if err != nil {
			log.Warn("chime disabled: %v", err)
		}
	}

	p, err := pipeline.NewBuilder().
		WithConfig(cfg).
		WithLogger(log).
		WithSource(source).
		WithStages(stages...).
		WithListener(pipeline.ListenerFunc(func(event pipeline.EventType, ctx *pipeline.Context) {
			switch event {
			case pipeline.EventActivate:
				fmt.Println("* listening...")
				if player != nil {
					go player.play()
				}
			case pipeline.EventDeactivate:
				fmt.Println("* done")
			case pipeline.EventPartialRecognize:
				fmt.Printf("  %s\r", ctx.Transcript())
			case pipeline.EventRecognize:
				fmt.Printf("> %s (%.2f)\n", ctx.Transcript(), ctx.Confidence())
			case pipeline.EventTimeout:
				fmt.Println("* timed out")
			case pipeline.EventError:
				fmt.Printf("! %v\n", ctx.Error())
			case pipeline.EventTrace:
				log.Debug("%s", ctx.Message())
			}
		})).
		Build()
	if err != nil {
		log.Error("pipeline build failed: %v", err)
		source.Close()
		os.Exit(1)
	}

	if err := p.Start(); err != nil {
		log.Error("pipeline start failed: %v", err)
		os.Exit(1)
	}
	fmt.Printf("listening for %q (ctrl-c to quit)\n", *words)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	p.Stop()
}

// chimePlayer plays a short sine tone through the system output when
// the pipeline activates.
type chimePlayer struct {
	ctx *oto.Context
	pcm []byte
	log *logger.Logger
}

func newChimePlayer(rate int, log *logger.Logger) (*chimePlayer, error) {
	op := &oto.NewContextOptions{
		SampleRate:   rate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, ready, err := oto.NewContext(op)
	if err != nil {
		return nil, err
	}
	<-ready
	return &chimePlayer{ctx: ctx, pcm: chimeTone(rate), log: log}, nil
}

// play blocks until the tone finishes; callers run it off the event
// thread.
func (c *chimePlayer) play() {
	player := c.ctx.NewPlayer(bytes.NewReader(c.pcm))
	player.Play()
	for player.IsPlaying() {
		time.Sleep(10 * time.Millisecond)
	}
	if err := player.Close(); err != nil {
		c.log.Debug("chime: %v", err)
	}
}

// chimeTone renders 120 ms of an 880 Hz sine with a linear fade-out.
func chimeTone(rate int) []byte {
	n := rate * 120 / 1000
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		fade := 1 - float64(i)/float64(n)
		s := math.Sin(2*math.Pi*880*float64(i)/float64(rate)) * fade * 0.4
		v := int16(s * 32767)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return pcm
}
