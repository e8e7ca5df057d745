// Package profile provides named stage-chain presets for common
// pipeline configurations. A profile is just an ordered list of stage
// factories handed to the pipeline builder; the set of stages is
// closed, so assembly is plain function calls rather than reflection.
package profile

import (
	"github.com/spokestack/spokestack-go/asr"
	"github.com/spokestack/spokestack-go/config"
	"github.com/spokestack/spokestack-go/internal/logger"
	"github.com/spokestack/spokestack-go/pipeline"
	"github.com/spokestack/spokestack-go/wakeword"
	"github.com/spokestack/spokestack-go/webrtc"
)

// WakewordCloudASR detects a spoken wakeword and streams the following
// utterance to the cloud recognizer: AGC → ANS → VAD → wakeword
// trigger → ASR. The DSP stages run first so the detector and the
// models see the conditioned signal.
func WakewordCloudASR() []pipeline.StageFactory {
	return []pipeline.StageFactory{
		func(cfg *config.SpeechConfig, log *logger.Logger) (pipeline.Stage, error) {
			return webrtc.NewAutomaticGainControl(cfg, log)
		},
		func(cfg *config.SpeechConfig, log *logger.Logger) (pipeline.Stage, error) {
			return webrtc.NewAcousticNoiseSuppressor(cfg, log)
		},
		func(cfg *config.SpeechConfig, log *logger.Logger) (pipeline.Stage, error) {
			return webrtc.NewDetector(cfg, log)
		},
		func(cfg *config.SpeechConfig, log *logger.Logger) (pipeline.Stage, error) {
			return wakeword.NewTrigger(cfg, log)
		},
		func(cfg *config.SpeechConfig, log *logger.Logger) (pipeline.Stage, error) {
			return asr.NewCloudRecognizer(cfg, log)
		},
	}
}

// VADCloudASR activates on any detected speech, with no wakeword:
// VAD → VAD trigger → ASR.
func VADCloudASR() []pipeline.StageFactory {
	return []pipeline.StageFactory{
		func(cfg *config.SpeechConfig, log *logger.Logger) (pipeline.Stage, error) {
			return webrtc.NewDetector(cfg, log)
		},
		func(cfg *config.SpeechConfig, log *logger.Logger) (pipeline.Stage, error) {
			return webrtc.NewTrigger(cfg, log)
		},
		func(cfg *config.SpeechConfig, log *logger.Logger) (pipeline.Stage, error) {
			return asr.NewCloudRecognizer(cfg, log)
		},
	}
}

// PushToTalkCloudASR relies on external Activate calls; audio streams
// to the recognizer only while the caller holds the pipeline active.
func PushToTalkCloudASR() []pipeline.StageFactory {
	return []pipeline.StageFactory{
		func(cfg *config.SpeechConfig, log *logger.Logger) (pipeline.Stage, error) {
			return asr.NewCloudRecognizer(cfg, log)
		},
	}
}
