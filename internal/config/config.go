package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the call training service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	TrainingAPIBaseURL string
	TrainingAPIToken   string
	TrainingAPITimeout time.Duration

	// VoiceProvider selects the remote synthesis/generation backend: auto|remote|mock.
	VoiceProvider  string
	DefaultVoiceID string

	MinUtteranceChars       int
	RecognitionRestartDelay time.Duration
	GenerationTimeout       time.Duration
	SynthesisTimeout        time.Duration
	ScenariosFile           string

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "callcoach"),
		AllowAnyOrigin:           false,
		TrainingAPIBaseURL:       strings.TrimRight(stringsTrimSpace("TRAINING_API_BASE_URL"), "/"),
		TrainingAPIToken:         stringsTrimSpace("TRAINING_API_TOKEN"),
		VoiceProvider:            envOrDefault("TRAINING_VOICE_PROVIDER", "auto"),
		DefaultVoiceID:           envOrDefault("TRAINING_DEFAULT_VOICE_ID", "alloy"),
		ScenariosFile:            stringsTrimSpace("TRAINING_SCENARIOS_FILE"),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		MinUtteranceChars:        3,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
		TrainingAPITimeout:       20 * time.Second,
		RecognitionRestartDelay:  300 * time.Millisecond,
		GenerationTimeout:        15 * time.Second,
		SynthesisTimeout:         20 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TrainingAPITimeout, err = durationFromEnv("TRAINING_API_TIMEOUT", cfg.TrainingAPITimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RecognitionRestartDelay, err = durationFromEnv("TRAINING_RECOGNITION_RESTART_DELAY", cfg.RecognitionRestartDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTimeout, err = durationFromEnv("TRAINING_GENERATION_TIMEOUT", cfg.GenerationTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SynthesisTimeout, err = durationFromEnv("TRAINING_SYNTHESIS_TIMEOUT", cfg.SynthesisTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MinUtteranceChars, err = intFromEnv("TRAINING_MIN_UTTERANCE_CHARS", cfg.MinUtteranceChars)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MinUtteranceChars < 1 {
		return Config{}, fmt.Errorf("TRAINING_MIN_UTTERANCE_CHARS must be >= 1")
	}
	if cfg.RecognitionRestartDelay < 0 {
		return Config{}, fmt.Errorf("TRAINING_RECOGNITION_RESTART_DELAY must be >= 0")
	}
	if cfg.GenerationTimeout <= 0 || cfg.SynthesisTimeout <= 0 {
		return Config{}, fmt.Errorf("TRAINING_GENERATION_TIMEOUT and TRAINING_SYNTHESIS_TIMEOUT must be positive")
	}
	switch strings.ToLower(cfg.VoiceProvider) {
	case "auto", "remote", "mock":
	default:
		return Config{}, fmt.Errorf("invalid TRAINING_VOICE_PROVIDER: %q (expected auto|remote|mock)", cfg.VoiceProvider)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
