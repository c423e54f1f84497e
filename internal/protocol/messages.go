package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Server to training surface.
	TypeMicRequest        MessageType = "mic_request"
	TypeListenStart       MessageType = "listen_start"
	TypeListenStop        MessageType = "listen_stop"
	TypeMicRelease        MessageType = "mic_release"
	TypePersonaAudio      MessageType = "persona_audio"
	TypePersonaSpeakLocal MessageType = "persona_speak_local"
	TypePlaybackStop      MessageType = "playback_stop"
	TypeTurnState         MessageType = "turn_state"
	TypeSessionStarted    MessageType = "session_started"
	TypeSessionEnded      MessageType = "session_ended"
	TypeTranscript        MessageType = "transcript"
	TypeInterim           MessageType = "interim"
	TypeSystemEvent       MessageType = "system_event"
	TypeErrorEvent        MessageType = "error_event"

	// Training surface to server.
	TypeMicResult        MessageType = "mic_result"
	TypeRecognition      MessageType = "recognition"
	TypeRecognitionError MessageType = "recognition_error"
	TypePlaybackEnded    MessageType = "playback_ended"
	TypeControl          MessageType = "control"
)

const (
	ActionMute   = "mute"
	ActionUnmute = "unmute"
	ActionResume = "resume"
	ActionEnd    = "end"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type MicRequest struct {
	Type             MessageType `json:"type"`
	EchoCancellation bool        `json:"echo_cancellation"`
	NoiseSuppression bool        `json:"noise_suppression"`
	AutoGainControl  bool        `json:"auto_gain_control"`
}

// Signal carries the parameterless commands: listen_start, listen_stop,
// mic_release.
type Signal struct {
	Type MessageType `json:"type"`
}

type PersonaAudio struct {
	Type        MessageType `json:"type"`
	PlaybackID  string      `json:"playback_id"`
	Text        string      `json:"text"`
	Format      string      `json:"format"`
	AudioBase64 string      `json:"audio_base64"`
}

type PersonaSpeakLocal struct {
	Type       MessageType `json:"type"`
	PlaybackID string      `json:"playback_id"`
	Text       string      `json:"text"`
	Voice      string      `json:"voice,omitempty"`
	Speed      *float64    `json:"speed,omitempty"`
	Pitch      *float64    `json:"pitch,omitempty"`
}

type PlaybackStop struct {
	Type       MessageType `json:"type"`
	PlaybackID string      `json:"playback_id"`
}

type TurnState struct {
	Type  MessageType `json:"type"`
	State string      `json:"state"`
	Text  string      `json:"text,omitempty"`
}

type SessionStarted struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	ScenarioID string      `json:"scenario_id"`
	VoiceID    string      `json:"voice_id"`
	Persisted  bool        `json:"persisted"`
}

type SessionEnded struct {
	Type          MessageType `json:"type"`
	SessionID     string      `json:"session_id"`
	MessageCount  int         `json:"message_count"`
	FallbackCount int         `json:"fallback_count"`
	Score         *float64    `json:"score,omitempty"`
}

type Transcript struct {
	Type     MessageType `json:"type"`
	Speaker  string      `json:"speaker"`
	Text     string      `json:"text"`
	Fallback bool        `json:"fallback,omitempty"`
	TSMs     int64       `json:"ts_ms"`
}

type Interim struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

type MicResult struct {
	Type    MessageType `json:"type"`
	Granted bool        `json:"granted"`
	Detail  string      `json:"detail,omitempty"`
}

type Recognition struct {
	Type  MessageType `json:"type"`
	Text  string      `json:"text"`
	Final bool        `json:"final"`
	TSMs  int64       `json:"ts_ms"`
}

type RecognitionError struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail,omitempty"`
}

type PlaybackEnded struct {
	Type       MessageType `json:"type"`
	PlaybackID string      `json:"playback_id"`
	Error      string      `json:"error,omitempty"`
}

type Control struct {
	Type     MessageType `json:"type"`
	Action   string      `json:"action"`
	Score    *float64    `json:"score,omitempty"`
	Feedback string      `json:"feedback,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeMicResult:
		var msg MicResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeRecognition:
		var msg Recognition
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeRecognitionError:
		var msg RecognitionError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Code) == "" {
			return nil, errors.New("invalid recognition_error")
		}
		return msg, nil
	case TypePlaybackEnded:
		var msg PlaybackEnded
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.PlaybackID == "" {
			return nil, errors.New("invalid playback_ended")
		}
		return msg, nil
	case TypeControl:
		var msg Control
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionMute, ActionUnmute, ActionResume, ActionEnd:
		default:
			return nil, errors.New("invalid control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
