package voice

import (
	"context"
	"errors"

	"github.com/ent0n29/callcoach/internal/backend"
	"github.com/ent0n29/callcoach/internal/scenario"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrRecognitionFatal = errors.New("speech recognition failed")
	ErrMuted            = errors.New("capture is muted")
	ErrNotAcquired      = errors.New("microphone not acquired")
	ErrReleased         = errors.New("capture released")
	ErrCanceled         = errors.New("speech canceled")
)

// MicConstraints are the processing flags requested with the microphone.
type MicConstraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	AutoGainControl  bool `json:"auto_gain_control"`
}

func DefaultMicConstraints() MicConstraints {
	return MicConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

type MicStream interface {
	Release() error
}

// Microphone grants a capture stream. Implementations return an error
// wrapping ErrPermissionDenied when the trainee declines.
type Microphone interface {
	Acquire(ctx context.Context, constraints MicConstraints) (MicStream, error)
}

type RecognitionEventType string

const (
	RecognitionInterim RecognitionEventType = "interim"
	RecognitionFinal   RecognitionEventType = "final"
	RecognitionError   RecognitionEventType = "error"
)

type RecognitionEvent struct {
	Type      RecognitionEventType
	Text      string
	Code      string
	Detail    string
	Timestamp int64
}

// Recognizer is a continuous speech-to-text engine. Events is closed when the
// engine goes away for good.
type Recognizer interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan RecognitionEvent
}

// Playback is one clip being played. Done yields the playback result once
// (nil on a clean end) or is closed.
type Playback interface {
	Done() <-chan error
	Stop()
}

type Clip struct {
	ID     string
	Text   string
	Format string
	Data   []byte
}

type AudioPlayer interface {
	Play(ctx context.Context, clip Clip) (Playback, error)
}

// LocalSpeaker is the on-device speech engine used when remote synthesis or
// playback fails.
type LocalSpeaker interface {
	SpeakLocal(ctx context.Context, id, text string, voice scenario.VoiceConfig) (Playback, error)
}

type Synthesizer interface {
	TextToSpeech(ctx context.Context, req backend.SpeechRequest) (backend.Audio, error)
}

// SessionRef resolves the current session id at call time.
type SessionRef interface {
	ID() string
}
