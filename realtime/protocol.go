package realtime

import (
	"encoding/base64"
	"encoding/json"
	"math"
)

// Wire message types for the realtime transcription protocol. Outbound
// messages are built eagerly into JSON so the pending queue holds
// ready-to-send bytes and replay after a reconnect is a plain write.

const (
	msgSessionUpdate  = "transcription_session.update"
	msgAudioAppend    = "input_audio_buffer.append"
	msgAudioCommit    = "input_audio_buffer.commit"
	msgResponseCreate = "response.create"

	msgSessionCreated  = "transcription_session.created"
	msgSessionUpdated  = "transcription_session.updated"
	msgAudioCommitted  = "input_audio_buffer.committed"
	msgSpeechStarted   = "input_audio_buffer.speech_started"
	msgSpeechStopped   = "input_audio_buffer.speech_stopped"
	msgTranscriptDelta = "conversation.item.input_audio_transcription.delta"
	msgTranscriptDone  = "conversation.item.input_audio_transcription.completed"
	msgError           = "error"
)

type sessionUpdate struct {
	Type    string         `json:"type"`
	Session sessionPayload `json:"session"`
}

type sessionPayload struct {
	InputAudioFormat        string          `json:"input_audio_format"`
	InputAudioTranscription transcriptionCfg `json:"input_audio_transcription"`
	TurnDetection           turnDetection   `json:"turn_detection"`
	InputAudioNoiseReduction *noiseReduction `json:"input_audio_noise_reduction,omitempty"`
}

type transcriptionCfg struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type noiseReduction struct {
	Type string `json:"type"`
}

type audioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type bareMessage struct {
	Type string `json:"type"`
}

func encodeSessionUpdate(cfg Config) []byte {
	msg := sessionUpdate{
		Type: msgSessionUpdate,
		Session: sessionPayload{
			InputAudioFormat: "pcm16",
			InputAudioTranscription: transcriptionCfg{
				Model:    cfg.Model,
				Language: cfg.Language,
			},
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         cfg.VADThreshold,
				PrefixPaddingMs:   cfg.VADPrefixPaddingMs,
				SilenceDurationMs: cfg.VADSilenceDurationMs,
			},
		},
	}
	if cfg.NoiseReduction != "" {
		msg.Session.InputAudioNoiseReduction = &noiseReduction{Type: cfg.NoiseReduction}
	}
	data, _ := json.Marshal(msg)
	return data
}

func encodeAudioAppend(frame []byte) []byte {
	data, _ := json.Marshal(audioAppend{
		Type:  msgAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(frame),
	})
	return data
}

func encodeBare(typ string) []byte {
	data, _ := json.Marshal(bareMessage{Type: typ})
	return data
}

type serverMessage struct {
	Type       string       `json:"type"`
	Delta      string       `json:"delta"`
	Transcript string       `json:"transcript"`
	Logprobs   []token      `json:"logprobs"`
	Error      *serverError `json:"error"`
}

type token struct {
	Logprob float64 `json:"logprob"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// confidence maps token log-probabilities to a mean token probability.
// Returns nil when the provider sent none.
func confidence(tokens []token) *float64 {
	if len(tokens) == 0 {
		return nil
	}
	sum := 0.0
	for _, t := range tokens {
		sum += t.Logprob
	}
	c := math.Exp(sum / float64(len(tokens)))
	return &c
}
