package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/callcoach/internal/audio"
	"github.com/ent0n29/callcoach/internal/protocol"
)

// calldrill plays the trainee's browser against a running service: it grants
// the microphone, plays persona audio at a chosen pace, speaks scripted lines
// and reports how long each persona reply took to start.

type options struct {
	baseURL     string
	scenarioID  string
	voiceID     string
	surfaceID   string
	turns       int
	realtime    float64
	turnTimeout time.Duration
	texts       []string
	score       float64
	verbose     bool
}

type wsEnvelope struct {
	Type        string  `json:"type"`
	State       string  `json:"state,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
	PlaybackID  string  `json:"playback_id,omitempty"`
	Text        string  `json:"text,omitempty"`
	AudioBase64 string  `json:"audio_base64,omitempty"`
	Code        string  `json:"code,omitempty"`
	Detail      string  `json:"detail,omitempty"`
	Messages    float64 `json:"message_count,omitempty"`
}

var defaultUtterances = []string{
	"Hi, this is Sam from Northwind, do you have a minute?",
	"We help teams like yours cut freight costs by around twenty percent.",
	"What does your current shipping process look like?",
	"Would a short demo next Tuesday work for you?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "calldrill: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "calldrill: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	fs := flag.NewFlagSet("calldrill", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "service base URL")
	fs.StringVar(&cfg.scenarioID, "scenario", "cold-call-gatekeeper", "scenario id to practice")
	fs.StringVar(&cfg.voiceID, "voice-id", "", "optional persona voice override")
	fs.StringVar(&cfg.surfaceID, "surface-id", "calldrill", "training surface id")
	fs.IntVar(&cfg.turns, "turns", 4, "number of trainee turns")
	fs.Float64Var(&cfg.realtime, "realtime", 4.0, "persona playback speed-up (1.0=realtime)")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 20000, "timeout waiting for each persona reply in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "trainee lines separated by '|' (optional)")
	fs.Float64Var(&cfg.score, "score", -1, "score to report on end (negative for none)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print call progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if strings.TrimSpace(cfg.scenarioID) == "" {
		return options{}, fmt.Errorf("scenario is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty lines")
		}
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	wsURL, err := wsURLForTraining(cfg)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	d := &driver{conn: conn, cfg: cfg}
	if err := d.expect("mic_request", cfg.turnTimeout); err != nil {
		return err
	}
	if err := d.send(protocol.MicResult{Type: protocol.TypeMicResult, Granted: true}); err != nil {
		return err
	}

	// Opening line.
	if _, err := d.personaTurn(); err != nil {
		return fmt.Errorf("opening line: %w", err)
	}

	latencies := make([]time.Duration, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		line := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("calldrill: trainee %d/%d: %q\n", i+1, cfg.turns, line)
		}
		if err := d.send(protocol.Recognition{
			Type:  protocol.TypeRecognition,
			Text:  line,
			Final: true,
			TSMs:  time.Now().UnixMilli(),
		}); err != nil {
			return err
		}
		latency, err := d.personaTurn()
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		latencies = append(latencies, latency)
	}

	end := protocol.Control{Type: protocol.TypeControl, Action: protocol.ActionEnd}
	if cfg.score >= 0 {
		score := cfg.score
		end.Score = &score
	}
	if err := d.send(end); err != nil {
		return err
	}
	ended, err := d.next(cfg.turnTimeout, "session_ended")
	if err != nil {
		return err
	}

	p50, p95 := percentiles(latencies)
	fmt.Printf("calldrill: session=%s turns=%d messages=%.0f reply_start p50=%s p95=%s\n",
		ended.SessionID, len(latencies), ended.Messages, p50, p95)
	return nil
}

type driver struct {
	conn *websocket.Conn
	cfg  options
	sent time.Time
}

func (d *driver) send(msg any) error {
	_ = d.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	d.sent = time.Now()
	return d.conn.WriteJSON(msg)
}

// next reads until one of the wanted types arrives. error_event from the
// capture side aborts the drill.
func (d *driver) next(timeout time.Duration, want ...string) (wsEnvelope, error) {
	_ = d.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, data, err := d.conn.ReadMessage()
		if err != nil {
			return wsEnvelope{}, fmt.Errorf("ws read: %w", err)
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeErrorEvent) {
			if d.cfg.verbose {
				fmt.Fprintf(os.Stderr, "calldrill: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
			if env.Code == "mic_permission_denied" {
				return wsEnvelope{}, errors.New("microphone denied")
			}
		}
		for _, w := range want {
			if env.Type == w {
				return env, nil
			}
		}
	}
}

func (d *driver) expect(typ string, timeout time.Duration) error {
	_, err := d.next(timeout, typ)
	return err
}

// personaTurn plays one persona line and waits until listening resumes. It
// returns the delay between the last trainee message and the persona audio.
func (d *driver) personaTurn() (time.Duration, error) {
	env, err := d.next(d.cfg.turnTimeout, string(protocol.TypePersonaAudio), string(protocol.TypePersonaSpeakLocal))
	if err != nil {
		return 0, err
	}
	latency := time.Since(d.sent)
	if d.cfg.verbose {
		fmt.Printf("calldrill: persona (%s, %s): %q\n", env.Type, latency.Round(time.Millisecond), env.Text)
	}
	time.Sleep(playbackDelay(env, d.cfg.realtime))
	if err := d.send(protocol.PlaybackEnded{Type: protocol.TypePlaybackEnded, PlaybackID: env.PlaybackID}); err != nil {
		return 0, err
	}
	if err := d.expect(string(protocol.TypeListenStart), d.cfg.turnTimeout); err != nil {
		return 0, err
	}
	return latency, nil
}

// playbackDelay approximates how long the browser would take to play the clip.
func playbackDelay(env wsEnvelope, realtime float64) time.Duration {
	var d time.Duration
	if env.AudioBase64 != "" {
		if raw, err := base64.StdEncoding.DecodeString(env.AudioBase64); err == nil {
			d = audio.WAVDuration(raw)
		}
	}
	if d == 0 {
		// About 150 words per minute for the local engine or compressed audio.
		d = time.Duration(len(strings.Fields(env.Text))) * 400 * time.Millisecond
	}
	return time.Duration(float64(d) / realtime)
}

func percentiles(samples []time.Duration) (time.Duration, time.Duration) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	at := func(p float64) time.Duration {
		idx := int(p*float64(len(sorted))+0.5) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx].Round(time.Millisecond)
	}
	return at(0.50), at(0.95)
}

func wsURLForTraining(cfg options) (string, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/training/session/ws"
	q := u.Query()
	q.Set("scenario_id", cfg.scenarioID)
	if cfg.surfaceID != "" {
		q.Set("surface_id", cfg.surfaceID)
	}
	if cfg.voiceID != "" {
		q.Set("voice_id", cfg.voiceID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
