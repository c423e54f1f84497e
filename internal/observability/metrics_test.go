package observability

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsHelpersAreNoops(t *testing.T) {
	var m *Metrics
	m.SessionEvent("created")
	m.SetActiveSessions(3)
	m.TurnTransition("listening")
	m.GenerationFallback("cold-call")
	m.SynthesisFallback("remote")
	m.PersistenceFailure("start")
	m.RecognitionError("fatal")
	m.WSMessage("inbound", "control")
	m.ObserveGenerationLatency(time.Second)
	m.ObservePersonaAudioLatency(time.Second)
}

func TestGenerationFallbackCountsPerScenario(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("callcoach_test_metrics_%d", time.Now().UnixNano()))
	m.GenerationFallback("cold-call")
	m.GenerationFallback("cold-call")
	m.GenerationFallback("price-objection")

	if got := testutil.ToFloat64(m.GenerationFallbacks.WithLabelValues("cold-call")); got != 2 {
		t.Fatalf("cold-call fallbacks = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.GenerationFallbacks.WithLabelValues("price-objection")); got != 1 {
		t.Fatalf("price-objection fallbacks = %v, want 1", got)
	}
}
