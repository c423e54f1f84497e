package generator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/callcoach/internal/backend"
	"github.com/ent0n29/callcoach/internal/observability"
	"github.com/ent0n29/callcoach/internal/policy"
	"github.com/ent0n29/callcoach/internal/scenario"
)

var (
	ErrNoFallback = errors.New("no fallback lines for scenario")
	ErrBusy       = errors.New("generation already in flight for session")
	ErrEmptyInput = errors.New("utterance is empty")
)

// Remote produces persona replies. *backend.Client and *backend.Mock
// satisfy it.
type Remote interface {
	GenerateResponse(ctx context.Context, req backend.GenerateRequest) (backend.GenerateResponse, error)
}

// FallbackSource returns the pre-authored lines for a scenario.
type FallbackSource interface {
	Fallbacks(scenarioID string) []string
}

type SessionRef interface {
	ID() string
}

type Reply struct {
	Text         string
	MessageCount int
	Fallback     bool
	// Cause is the remote error that triggered the fallback.
	Cause error
}

type Config struct {
	Timeout time.Duration
	// Pick chooses an index in [0, n). Defaults to a uniform random pick.
	Pick func(n int) int
}

// Generator calls the remote persona model and degrades to the scenario's
// fallback table when it fails.
type Generator struct {
	remote    Remote
	fallbacks FallbackSource
	session   SessionRef
	cfg       Config
	metrics   *observability.Metrics

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(remote Remote, fallbacks FallbackSource, session SessionRef, cfg Config, metrics *observability.Metrics) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Pick == nil {
		cfg.Pick = rand.IntN
	}
	return &Generator{
		remote:    remote,
		fallbacks: fallbacks,
		session:   session,
		cfg:       cfg,
		metrics:   metrics,
		inFlight:  make(map[string]struct{}),
	}
}

// Generate returns the persona's next line. Cancellation of ctx is returned
// as-is; any other remote failure, or an empty reply, yields a fallback line.
func (g *Generator) Generate(ctx context.Context, sc scenario.Scenario, utterance string) (Reply, error) {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return Reply{}, ErrEmptyInput
	}

	sessionID := ""
	if g.session != nil {
		sessionID = g.session.ID()
	}
	key := sc.ID + "/" + sessionID
	if !g.begin(key) {
		return Reply{}, ErrBusy
	}
	defer g.finish(key)

	started := time.Now()
	reply, err := g.callRemote(ctx, sc, utterance, sessionID)
	g.metrics.ObserveGenerationLatency(time.Since(started))
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return Reply{}, ctx.Err()
	}

	line, ok := g.pickFallback(sc.ID)
	if !ok {
		return Reply{}, fmt.Errorf("%w %q: %w", ErrNoFallback, sc.ID, err)
	}
	log.Printf("response generator: remote failed (scenario=%s session=%s utterance=%q), using fallback line: %v",
		sc.ID, sessionID, policy.LogSafe(utterance, 80), err)
	g.metrics.GenerationFallback(sc.ID)
	return Reply{Text: line, Fallback: true, Cause: err}, nil
}

func (g *Generator) callRemote(ctx context.Context, sc scenario.Scenario, utterance, sessionID string) (Reply, error) {
	if g.remote == nil {
		return Reply{}, errors.New("remote generation not configured")
	}
	callCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	resp, err := g.remote.GenerateResponse(callCtx, backend.GenerateRequest{
		UserMessage:  utterance,
		SystemPrompt: sc.PersonaPrompt,
		Scenario:     sc.ID,
		SessionID:    sessionID,
	})
	if err != nil {
		return Reply{}, err
	}
	text := strings.TrimSpace(resp.Response)
	if text == "" {
		return Reply{}, errors.New("remote generation returned an empty reply")
	}
	return Reply{Text: text, MessageCount: resp.MessageCount}, nil
}

func (g *Generator) pickFallback(scenarioID string) (string, bool) {
	if g.fallbacks == nil {
		return "", false
	}
	lines := g.fallbacks.Fallbacks(scenarioID)
	if len(lines) == 0 {
		return "", false
	}
	i := g.cfg.Pick(len(lines))
	if i < 0 || i >= len(lines) {
		i = 0
	}
	return lines[i], true
}

func (g *Generator) begin(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inFlight[key]; busy {
		return false
	}
	g.inFlight[key] = struct{}{}
	return true
}

func (g *Generator) finish(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, key)
}
