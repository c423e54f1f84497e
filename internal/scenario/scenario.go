package scenario

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound = errors.New("scenario not found")
	ErrInvalid  = errors.New("invalid scenario")
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Scenario describes one training call setup. It is selected once per session
// and never mutated while the session runs.
type Scenario struct {
	ID                    string     `json:"id" mapstructure:"id"`
	Name                  string     `json:"name" mapstructure:"name"`
	Description           string     `json:"description" mapstructure:"description"`
	Category              string     `json:"category" mapstructure:"category"`
	Difficulty            Difficulty `json:"difficulty" mapstructure:"difficulty"`
	TargetDurationMinutes int        `json:"target_duration_minutes" mapstructure:"target_duration_minutes"`
	PersonaPrompt         string     `json:"-" mapstructure:"persona_prompt"`
	OpeningLine           string     `json:"opening_line" mapstructure:"opening_line"`
	DefaultVoiceID        string     `json:"default_voice_id,omitempty" mapstructure:"default_voice_id"`
}

// Validate checks the fields the conversation engine depends on.
func (s Scenario) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalid)
	case strings.TrimSpace(s.PersonaPrompt) == "":
		return fmt.Errorf("%w: persona_prompt is required for %q", ErrInvalid, s.ID)
	case strings.TrimSpace(s.OpeningLine) == "":
		return fmt.Errorf("%w: opening_line is required for %q", ErrInvalid, s.ID)
	}
	return nil
}

// VoiceConfig is resolved once per session and handed unchanged to the speaker
// for every persona line.
type VoiceConfig struct {
	Provider  string   `json:"provider"`
	VoiceID   string   `json:"voice_id"`
	Speed     *float64 `json:"speed,omitempty"`
	Pitch     *float64 `json:"pitch,omitempty"`
	Stability *float64 `json:"stability,omitempty"`
}

// ResolveVoice picks the requested voice, then the scenario default, then the
// service default.
func ResolveVoice(s Scenario, provider, requested, serviceDefault string) VoiceConfig {
	voiceID := strings.TrimSpace(requested)
	if voiceID == "" {
		voiceID = strings.TrimSpace(s.DefaultVoiceID)
	}
	if voiceID == "" {
		voiceID = strings.TrimSpace(serviceDefault)
	}
	return VoiceConfig{Provider: provider, VoiceID: voiceID}
}

// Catalog is a read-mostly registry of scenarios and their fallback lines.
type Catalog struct {
	mu        sync.RWMutex
	scenarios map[string]Scenario
	fallbacks FallbackTable
}

func NewCatalog(scenarios []Scenario, fallbacks FallbackTable) (*Catalog, error) {
	c := &Catalog{
		scenarios: make(map[string]Scenario, len(scenarios)),
		fallbacks: make(FallbackTable, len(fallbacks)),
	}
	for id, lines := range fallbacks {
		c.fallbacks[id] = append([]string(nil), lines...)
	}
	for _, s := range scenarios {
		if err := c.Add(s); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// NewDefaultCatalog returns the built-in sales scenarios.
func NewDefaultCatalog() *Catalog {
	c, err := NewCatalog(builtinScenarios(), builtinFallbacks())
	if err != nil {
		panic("scenario: invalid built-in catalog: " + err.Error())
	}
	return c
}

func (c *Catalog) Add(s Scenario) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scenarios[s.ID] = s
	return nil
}

func (c *Catalog) SetFallbacks(scenarioID string, lines []string) {
	kept := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, strings.TrimSpace(l))
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(kept) == 0 {
		delete(c.fallbacks, scenarioID)
		return
	}
	c.fallbacks[scenarioID] = kept
}

func (c *Catalog) Get(id string) (Scenario, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.scenarios[strings.TrimSpace(id)]
	if !ok {
		return Scenario{}, ErrNotFound
	}
	return s, nil
}

// List returns scenarios sorted by difficulty then name.
func (c *Catalog) List() []Scenario {
	c.mu.RLock()
	out := make([]Scenario, 0, len(c.scenarios))
	for _, s := range c.scenarios {
		out = append(out, s)
	}
	c.mu.RUnlock()

	rank := map[Difficulty]int{DifficultyEasy: 0, DifficultyMedium: 1, DifficultyHard: 2}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := rank[out[i].Difficulty], rank[out[j].Difficulty]
		if ri != rj {
			return ri < rj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Fallbacks returns a copy of the fallback lines for a scenario.
func (c *Catalog) Fallbacks(scenarioID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.fallbacks[scenarioID]...)
}
