package session

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/ent0n29/callcoach/internal/backend"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound   = errors.New("session not found")
	ErrSuperseded = errors.New("surface claimed by a newer call")
)

// Session is one training call. Persisted is false when the backend record
// could not be created; ID is then a local uuid that the backend never saw.
type Session struct {
	ID             string     `json:"session_id"`
	SurfaceID      string     `json:"surface_id"`
	ScenarioID     string     `json:"scenario_id"`
	ScenarioName   string     `json:"scenario_name"`
	VoiceID        string     `json:"voice_id"`
	Status         Status     `json:"status"`
	Persisted      bool       `json:"persisted"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	MessageCount   int        `json:"message_count"`
	FallbackCount  int        `json:"fallback_count"`
	Score          *float64   `json:"score,omitempty"`
	Feedback       string     `json:"feedback,omitempty"`
}

// Outcome is what the trainee (or the grader) reports when a call ends.
type Outcome struct {
	Score    *float64 `json:"score,omitempty"`
	Feedback string   `json:"feedback,omitempty"`
}

// Recorder persists session records remotely. *backend.Client and
// *backend.Mock satisfy it.
type Recorder interface {
	StartSession(ctx context.Context, req backend.StartSessionRequest) (string, error)
	EndSession(ctx context.Context, req backend.EndSessionRequest) error
}

// Handle is a live reference to the session running on a surface. It is
// handed to collaborators before any session exists and read at call time.
type Handle struct {
	current atomic.Pointer[Session]
}

// ID returns the persisted backend id, or "" before start, after end, or
// when the backend record could not be created.
func (h *Handle) ID() string {
	if h == nil {
		return ""
	}
	s := h.current.Load()
	if s == nil || !s.Persisted {
		return ""
	}
	return s.ID
}

// Session returns a snapshot of the current session, or nil.
func (h *Handle) Session() *Session {
	if h == nil {
		return nil
	}
	s := h.current.Load()
	if s == nil {
		return nil
	}
	return clone(s)
}

func (h *Handle) store(s *Session) {
	if s == nil {
		h.current.Store(nil)
		return
	}
	h.current.Store(clone(s))
}

func clone(s *Session) *Session {
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Score != nil {
		v := *s.Score
		c.Score = &v
	}
	return &c
}
