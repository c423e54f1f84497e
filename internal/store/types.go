package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("session record not found")

// SessionRecord is the local usage journal entry for one training call.
type SessionRecord struct {
	ID            string     `json:"id"`
	SurfaceID     string     `json:"surface_id"`
	ScenarioID    string     `json:"scenario_id"`
	VoiceID       string     `json:"voice_id"`
	Persisted     bool       `json:"persisted"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	MessageCount  int        `json:"message_count"`
	FallbackCount int        `json:"fallback_count"`
	Score         *float64   `json:"score,omitempty"`
}

// Store journals session records for cost and usage accounting.
type Store interface {
	SaveSession(ctx context.Context, record SessionRecord) error
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	RecentSessions(ctx context.Context, scenarioID string, limit int) ([]SessionRecord, error)
	Close() error
}
