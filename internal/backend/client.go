package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/callcoach/internal/reliability"
)

var (
	ErrUnauthorized  = errors.New("training api rejected credentials")
	ErrNotConfigured = errors.New("training api base url is not configured")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Path string
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("training api %s status %d: %s", e.Path, e.Code, e.Body)
}

func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.Code)
}

// Config controls client construction.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
	HTTPClient *http.Client
}

// Client talks to the CRM training endpoints. All requests carry the bearer token.
type Client struct {
	baseURL    string
	token      string
	client     *http.Client
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 2 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:      strings.TrimSpace(cfg.Token),
		client:     hc,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		retryCap:   cfg.RetryCap,
	}
}

type StartSessionRequest struct {
	ScenarioID   string `json:"scenarioId"`
	ScenarioName string `json:"scenarioName"`
	VoiceID      string `json:"voiceId"`
}

type startSessionResponse struct {
	SessionID string `json:"sessionId"`
}

type EndSessionRequest struct {
	SessionID string   `json:"sessionId"`
	Score     *float64 `json:"score,omitempty"`
	Feedback  string   `json:"feedback,omitempty"`
}

type GenerateRequest struct {
	UserMessage  string `json:"userMessage"`
	SystemPrompt string `json:"systemPrompt"`
	Scenario     string `json:"scenario"`
	SessionID    string `json:"sessionId,omitempty"`
}

type GenerateResponse struct {
	Response     string `json:"response"`
	SessionID    string `json:"sessionId,omitempty"`
	MessageCount int    `json:"messageCount"`
}

type SpeechRequest struct {
	Text      string `json:"text"`
	Scenario  string `json:"scenario"`
	Voice     string `json:"voice"`
	SessionID string `json:"sessionId,omitempty"`
}

// Audio is a synthesized clip and its content type.
type Audio struct {
	Data   []byte
	Format string
}

type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Gender      string `json:"gender"`
}

// StartSession creates the persisted training-session record.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (string, error) {
	var out startSessionResponse
	if err := c.doJSON(ctx, http.MethodPost, "/training/ai-sessions/start", req, &out, false); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("training api start: empty sessionId")
	}
	return out.SessionID, nil
}

// EndSession closes the record. The backend treats repeated ends as no-ops,
// so transient failures are retried.
func (c *Client) EndSession(ctx context.Context, req EndSessionRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/training/ai-sessions/end", req, nil, true)
}

func (c *Client) GenerateResponse(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var out GenerateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/training/generate-response", req, &out, false); err != nil {
		return GenerateResponse{}, err
	}
	return out, nil
}

func (c *Client) TextToSpeech(ctx context.Context, req SpeechRequest) (Audio, error) {
	res, err := c.do(ctx, http.MethodPost, "/training/text-to-speech", req, false)
	if err != nil {
		return Audio{}, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 16<<20))
	if err != nil {
		return Audio{}, fmt.Errorf("read speech audio: %w", err)
	}
	if len(data) == 0 {
		return Audio{}, fmt.Errorf("training api text-to-speech: empty audio")
	}
	format := strings.TrimSpace(res.Header.Get("Content-Type"))
	if format == "" {
		format = "audio/mpeg"
	}
	return Audio{Data: data, Format: format}, nil
}

func (c *Client) ListVoices(ctx context.Context) ([]Voice, error) {
	var out struct {
		Voices []Voice `json:"voices"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/training/voices", nil, &out, true); err != nil {
		return nil, err
	}
	return out.Voices, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any, retry bool) error {
	res, err := c.do(ctx, method, path, body, retry)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// do sends one request, retrying retryable statuses and transport errors when
// retry is set. The caller owns the returned body.
func (c *Client) do(ctx context.Context, method, path string, body any, retry bool) (*http.Response, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	attempts := 1
	if retry {
		attempts += c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, c.retryBase, c.retryCap)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		res, err := c.send(ctx, method, path, payload)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
		var statusErr *StatusError
		if errors.As(err, &statusErr) && !statusErr.Retryable() {
			return nil, err
		}
		if errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", path, err)
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		res.Body.Close()
		return nil, fmt.Errorf("%s: %w (status %d)", path, ErrUnauthorized, res.StatusCode)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		return nil, &StatusError{Path: path, Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return res, nil
}
