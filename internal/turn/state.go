package turn

import (
	"time"

	"github.com/ent0n29/callcoach/internal/session"
)

// State is whose turn it is. Exactly one value holds per controller.
type State int

const (
	Idle State = iota
	PersonaSpeaking
	Listening
	Processing
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PersonaSpeaking:
		return "persona_speaking"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Ended:
		return "ended"
	default:
		return "unknown"
	}
}

type Party string

const (
	PartyHuman   Party = "human"
	PartyPersona Party = "persona"
)

type ConversationTurn struct {
	Speaker   Party     `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Fallback  bool      `json:"fallback,omitempty"`
}

// Observer receives controller output. Every callback is optional and runs
// on the controller goroutine, so it must not block.
type Observer struct {
	OnState   func(from, to State, text string)
	OnSession func(s session.Session)
	OnTurn    func(t ConversationTurn)
	OnInterim func(text string)
	// OnError reports failures the trainee has to act on: a denied
	// microphone or a recognizer that stopped for good.
	OnError func(err error)
	OnEnded func(s session.Session)
}
