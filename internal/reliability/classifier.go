package reliability

import (
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsTransientRecognitionCode reports whether a speech recognition error code
// only means the engine heard nothing and listening can simply resume.
func IsTransientRecognitionCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "no-speech", "no_speech", "speech_timeout":
		return true
	default:
		return false
	}
}

// IsSelfInflictedRecognitionCode reports codes produced by our own stop/abort.
func IsSelfInflictedRecognitionCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "aborted", "stopped":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
