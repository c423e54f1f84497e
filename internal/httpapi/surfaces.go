package httpapi

import (
	"context"
	"sync"

	"github.com/ent0n29/callcoach/internal/session"
	"github.com/ent0n29/callcoach/internal/turn"
)

// liveSurface is one connected training surface and the controller it runs.
type liveSurface struct {
	id   string
	ctrl *turn.Controller
	// notify queues a system_event without blocking.
	notify func(code, detail string)

	mu        sync.Mutex
	sessionID string
}

func (l *liveSurface) setSession(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessionID = id
}

func (l *liveSurface) session() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessionID
}

// surfaceRegistry keeps at most one running controller per surface.
type surfaceRegistry struct {
	mu     sync.Mutex
	active map[string]*liveSurface
}

func newSurfaceRegistry() *surfaceRegistry {
	return &surfaceRegistry{active: make(map[string]*liveSurface)}
}

// claim installs next for its surface. A controller already running there is
// ended and waited for until it is done, so its microphone and record are
// released before next acquires. Only ctx ending cuts the wait short.
func (r *surfaceRegistry) claim(ctx context.Context, next *liveSurface) error {
	r.mu.Lock()
	prior := r.active[next.id]
	r.active[next.id] = next
	r.mu.Unlock()

	if prior == nil {
		return nil
	}
	if prior.notify != nil {
		prior.notify("surface_taken_over", "a new call was started on this surface")
	}
	prior.ctrl.End(session.Outcome{})
	select {
	case <-prior.ctrl.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *surfaceRegistry) release(l *liveSurface) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active[l.id] == l {
		delete(r.active, l.id)
	}
}

func (r *surfaceRegistry) bySession(sessionID string) *liveSurface {
	if sessionID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.active {
		if l.session() == sessionID {
			return l
		}
	}
	return nil
}
