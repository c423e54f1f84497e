package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/callcoach/internal/audio"
)

// Mock is a local stand-in for the training API used when no base URL is
// configured. Replies are deterministic and speech is silent WAV.
type Mock struct {
	mu       sync.Mutex
	messages map[string]int
}

func NewMock() *Mock { return &Mock{messages: make(map[string]int)} }

func (m *Mock) StartSession(ctx context.Context, _ StartSessionRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "mock-" + uuid.NewString(), nil
}

func (m *Mock) EndSession(ctx context.Context, req EndSessionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, req.SessionID)
	return ctx.Err()
}

func (m *Mock) GenerateResponse(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	if err := ctx.Err(); err != nil {
		return GenerateResponse{}, err
	}
	heard := strings.TrimSpace(req.UserMessage)
	if heard == "" {
		heard = "nothing"
	}

	m.mu.Lock()
	m.messages[req.SessionID] += 2
	count := m.messages[req.SessionID]
	m.mu.Unlock()

	return GenerateResponse{
		Response:     fmt.Sprintf("Okay, you said %q. Why should that matter to me?", heard),
		SessionID:    req.SessionID,
		MessageCount: count,
	}, nil
}

// TextToSpeech returns roughly 60ms of silence per word.
func (m *Mock) TextToSpeech(ctx context.Context, req SpeechRequest) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	words := len(strings.Fields(req.Text))
	if words == 0 {
		words = 1
	}
	wav, err := audio.SilenceWAV(time.Duration(words)*60*time.Millisecond, 16000)
	if err != nil {
		return Audio{}, err
	}
	return Audio{Data: wav, Format: "audio/wav"}, nil
}

func (m *Mock) ListVoices(context.Context) ([]Voice, error) {
	return []Voice{
		{ID: "alloy", Name: "Alloy", Description: "Neutral, even delivery", Gender: "neutral"},
		{ID: "echo", Name: "Echo", Description: "Direct, mid-range", Gender: "male"},
		{ID: "nova", Name: "Nova", Description: "Bright, quick", Gender: "female"},
		{ID: "onyx", Name: "Onyx", Description: "Deep, measured", Gender: "male"},
		{ID: "shimmer", Name: "Shimmer", Description: "Warm, clear", Gender: "female"},
	}, nil
}
