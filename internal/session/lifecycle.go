package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/callcoach/internal/backend"
	"github.com/ent0n29/callcoach/internal/observability"
	"github.com/ent0n29/callcoach/internal/scenario"
	"github.com/ent0n29/callcoach/internal/store"
)

const defaultSurfaceID = "default"

// Lifecycle owns training-session records: creation against the backend,
// the per-surface handle, usage counters and the idempotent end.
type Lifecycle struct {
	recorder Recorder
	journal  store.Store
	metrics  *observability.Metrics

	mu                sync.RWMutex
	sessions          map[string]*Session
	sessionBySurface  map[string]string
	handles           map[string]*Handle
	leases            map[string]uint64
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewLifecycle(recorder Recorder, journal store.Store, metrics *observability.Metrics, inactivityTimeout time.Duration) *Lifecycle {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 5 * time.Minute
	}
	return &Lifecycle{
		recorder:          recorder,
		journal:           journal,
		metrics:           metrics,
		sessions:          make(map[string]*Session),
		sessionBySurface:  make(map[string]string),
		handles:           make(map[string]*Handle),
		leases:            make(map[string]uint64),
		inactivityTimeout: inactivityTimeout,
	}
}

func (l *Lifecycle) SetExpireHook(hook func(*Session)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onExpire = hook
}

// Handle returns the live handle for a surface. The same handle is reused by
// every session started on that surface.
func (l *Lifecycle) Handle(surfaceID string) *Handle {
	surfaceID = normalizeSurface(surfaceID)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handleLocked(surfaceID)
}

func (l *Lifecycle) handleLocked(surfaceID string) *Handle {
	h, ok := l.handles[surfaceID]
	if !ok {
		h = &Handle{}
		l.handles[surfaceID] = h
	}
	return h
}

// Lease hands out a new claim on the surface. Starts made under an older
// lease fail with ErrSuperseded.
func (l *Lifecycle) Lease(surfaceID string) uint64 {
	surfaceID = normalizeSurface(surfaceID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.leases[surfaceID]++
	return l.leases[surfaceID]
}

func (l *Lifecycle) leaseHeldLocked(surfaceID string, lease uint64) bool {
	return lease == 0 || l.leases[surfaceID] == lease
}

// Start ends any session still active on the surface and opens a new one.
// A backend failure is not an error: the call proceeds unpersisted. A
// non-zero lease must still be the surface's latest one.
func (l *Lifecycle) Start(ctx context.Context, surfaceID string, lease uint64, sc scenario.Scenario, voice scenario.VoiceConfig) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	surfaceID = normalizeSurface(surfaceID)

	l.mu.RLock()
	held := l.leaseHeldLocked(surfaceID, lease)
	priorID := l.sessionBySurface[surfaceID]
	l.mu.RUnlock()
	if !held {
		return nil, fmt.Errorf("start on surface %s: %w", surfaceID, ErrSuperseded)
	}
	if priorID != "" {
		if _, err := l.End(ctx, priorID, Outcome{}); err != nil && !errors.Is(err, ErrNotFound) {
			log.Printf("session lifecycle: end prior session %s failed: %v", priorID, err)
		}
	}

	id, persisted := l.createRemote(ctx, sc, voice)
	now := time.Now().UTC()
	s := &Session{
		ID:             id,
		SurfaceID:      surfaceID,
		ScenarioID:     sc.ID,
		ScenarioName:   sc.Name,
		VoiceID:        voice.VoiceID,
		Status:         StatusActive,
		Persisted:      persisted,
		StartedAt:      now,
		LastActivityAt: now,
	}

	l.mu.Lock()
	if !l.leaseHeldLocked(surfaceID, lease) {
		l.mu.Unlock()
		// Lost the surface while the backend record was being created.
		if persisted && l.recorder != nil {
			if err := l.recorder.EndSession(ctx, backend.EndSessionRequest{SessionID: id}); err != nil {
				log.Printf("session lifecycle: persistence failure on end (session=%s): %v", id, err)
				l.metrics.PersistenceFailure("end")
			}
		}
		return nil, fmt.Errorf("start on surface %s: %w", surfaceID, ErrSuperseded)
	}
	l.sessions[s.ID] = s
	l.sessionBySurface[surfaceID] = s.ID
	l.handleLocked(surfaceID).store(s)
	out := clone(s)
	active := l.activeCountLocked()
	l.mu.Unlock()

	l.metrics.SessionEvent("start")
	l.metrics.SetActiveSessions(active)
	l.save(ctx, out)
	return out, nil
}

func (l *Lifecycle) createRemote(ctx context.Context, sc scenario.Scenario, voice scenario.VoiceConfig) (string, bool) {
	if l.recorder == nil {
		return uuid.NewString(), false
	}
	id, err := l.recorder.StartSession(ctx, backend.StartSessionRequest{
		ScenarioID:   sc.ID,
		ScenarioName: sc.Name,
		VoiceID:      voice.VoiceID,
	})
	if err != nil {
		log.Printf("session lifecycle: persistence failure on start (scenario=%s): %v", sc.ID, err)
		l.metrics.PersistenceFailure("start")
		return uuid.NewString(), false
	}
	return id, true
}

// End closes the session once. Later calls return the same record and have no
// side effects. A backend failure is logged; the local record still ends.
func (l *Lifecycle) End(ctx context.Context, sessionID string, outcome Outcome) (*Session, error) {
	l.mu.Lock()
	s, ok := l.sessions[sessionID]
	if !ok {
		l.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.Status == StatusEnded {
		out := clone(s)
		l.mu.Unlock()
		return out, nil
	}
	now := time.Now().UTC()
	s.Status = StatusEnded
	s.EndedAt = &now
	s.LastActivityAt = now
	if outcome.Score != nil {
		v := *outcome.Score
		s.Score = &v
	}
	s.Feedback = strings.TrimSpace(outcome.Feedback)
	if l.sessionBySurface[s.SurfaceID] == s.ID {
		delete(l.sessionBySurface, s.SurfaceID)
		if h := l.handles[s.SurfaceID]; h != nil {
			h.store(nil)
		}
	}
	out := clone(s)
	active := l.activeCountLocked()
	l.mu.Unlock()

	l.metrics.SessionEvent("end")
	l.metrics.SetActiveSessions(active)

	if out.Persisted && l.recorder != nil {
		err := l.recorder.EndSession(ctx, backend.EndSessionRequest{
			SessionID: out.ID,
			Score:     out.Score,
			Feedback:  out.Feedback,
		})
		if err != nil {
			log.Printf("session lifecycle: persistence failure on end (session=%s): %v", out.ID, err)
			l.metrics.PersistenceFailure("end")
		}
	}
	l.save(ctx, out)
	return out, nil
}

func (l *Lifecycle) Get(sessionID string) (*Session, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Lookup checks live sessions first, then the journal.
func (l *Lifecycle) Lookup(ctx context.Context, sessionID string) (*Session, error) {
	if s, err := l.Get(sessionID); err == nil {
		return s, nil
	}
	if l.journal == nil {
		return nil, ErrNotFound
	}
	rec, err := l.journal.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromRecord(rec), nil
}

// SetMessageCount records the backend's running message count.
func (l *Lifecycle) SetMessageCount(sessionID string, n int) {
	l.update(sessionID, func(s *Session) {
		if n > s.MessageCount {
			s.MessageCount = n
		}
	})
}

func (l *Lifecycle) AddMessages(sessionID string, n int) {
	l.update(sessionID, func(s *Session) { s.MessageCount += n })
}

func (l *Lifecycle) RecordFallback(sessionID string) {
	l.update(sessionID, func(s *Session) { s.FallbackCount++ })
}

func (l *Lifecycle) Touch(sessionID string) {
	l.update(sessionID, func(*Session) {})
}

func (l *Lifecycle) update(sessionID string, fn func(*Session)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.sessions[sessionID]
	if !ok || s.Status != StatusActive {
		return
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	if l.sessionBySurface[s.SurfaceID] == s.ID {
		if h := l.handles[s.SurfaceID]; h != nil {
			h.store(s)
		}
	}
}

func (l *Lifecycle) ActiveCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.activeCountLocked()
}

func (l *Lifecycle) activeCountLocked() int {
	count := 0
	for _, s := range l.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (l *Lifecycle) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.expireInactive(ctx)
			}
		}
	}()
}

// expireInactive hands idle sessions to the expire hook so the surface can
// tear down, then ends them. Ended sessions are dropped from memory once they
// have been idle for several timeouts; the journal keeps them.
func (l *Lifecycle) expireInactive(ctx context.Context) {
	now := time.Now().UTC()
	var expired []*Session

	l.mu.Lock()
	for id, s := range l.sessions {
		idle := now.Sub(s.LastActivityAt)
		if s.Status == StatusEnded {
			if idle > 10*l.inactivityTimeout {
				delete(l.sessions, id)
			}
			continue
		}
		if idle < l.inactivityTimeout {
			continue
		}
		expired = append(expired, clone(s))
	}
	hook := l.onExpire
	l.mu.Unlock()

	for _, s := range expired {
		log.Printf("session lifecycle: session %s idle for %s, expiring", s.ID, now.Sub(s.LastActivityAt).Round(time.Second))
		if hook != nil {
			hook(s)
		}
		endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		_, _ = l.End(endCtx, s.ID, Outcome{})
		cancel()
	}
}

func (l *Lifecycle) save(ctx context.Context, s *Session) {
	if l.journal == nil {
		return
	}
	if err := l.journal.SaveSession(context.WithoutCancel(ctx), toRecord(s)); err != nil {
		log.Printf("session lifecycle: journal write failed (session=%s): %v", s.ID, err)
		l.metrics.PersistenceFailure("journal")
	}
}

func toRecord(s *Session) store.SessionRecord {
	return store.SessionRecord{
		ID:            s.ID,
		SurfaceID:     s.SurfaceID,
		ScenarioID:    s.ScenarioID,
		VoiceID:       s.VoiceID,
		Persisted:     s.Persisted,
		StartedAt:     s.StartedAt,
		EndedAt:       s.EndedAt,
		MessageCount:  s.MessageCount,
		FallbackCount: s.FallbackCount,
		Score:         s.Score,
	}
}

func fromRecord(r store.SessionRecord) *Session {
	s := &Session{
		ID:             r.ID,
		SurfaceID:      r.SurfaceID,
		ScenarioID:     r.ScenarioID,
		VoiceID:        r.VoiceID,
		Status:         StatusActive,
		Persisted:      r.Persisted,
		StartedAt:      r.StartedAt,
		LastActivityAt: r.StartedAt,
		EndedAt:        r.EndedAt,
		MessageCount:   r.MessageCount,
		FallbackCount:  r.FallbackCount,
		Score:          r.Score,
	}
	if r.EndedAt != nil {
		s.Status = StatusEnded
		s.LastActivityAt = *r.EndedAt
	}
	return s
}

func normalizeSurface(surfaceID string) string {
	surfaceID = strings.TrimSpace(surfaceID)
	if surfaceID == "" {
		return defaultSurfaceID
	}
	return surfaceID
}
