package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestLatencyWindowSnapshot(t *testing.T) {
	w := newLatencyWindow(8)
	w.Observe("input_to_audio", 500)
	w.Observe("input_to_audio", 700)
	w.Observe("input_to_audio", 900)
	w.Count("barge_in")
	w.Count("barge_in")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1600 {
		t.Fatalf("TargetP95MS = %.2f, want 1600", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want barge_in x2", snap.Indicators)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	w := newLatencyWindow(2)
	w.Observe("dialogue", 10)
	w.Observe("dialogue", 20)
	w.Observe("dialogue", 30)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25 (oldest sample evicted)", s.AvgMS)
	}
}

func TestMetricsNilIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionEvent("created")
	m.ObserveProvider("mock", "tts", time.Millisecond, "timeout")
	m.CacheLookup("hit")
	if snap := m.TurnStageSnapshot(); len(snap.Stages) != 0 {
		t.Fatalf("nil metrics snapshot has stages: %+v", snap.Stages)
	}
}

func TestMetricsHandlerExposesInstruments(t *testing.T) {
	m := NewMetrics("voxgate_test")
	m.SessionEvent("created")
	m.CacheLookup("hit")
	m.PhaseTransition("idle", "listening")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`voxgate_test_session_events_total{event="created"} 1`,
		`voxgate_test_audio_cache_lookups_total{result="hit"} 1`,
		`voxgate_test_phase_transitions_total{from="idle",to="listening"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
	if ind := m.TurnStageSnapshot().Indicators; len(ind) != 1 || ind[0].Name != "cache_hit" {
		t.Fatalf("indicators = %+v, want cache_hit", ind)
	}
}

func TestLatencyWindowReset(t *testing.T) {
	m := NewMetrics("voxgate_reset")
	m.ObserveTurnStage("dialogue", 120*time.Millisecond)
	m.ObserveIndicator("barge_in")
	m.ResetTurnStages()

	snap := m.TurnStageSnapshot()
	if len(snap.Stages) != 0 || len(snap.Indicators) != 0 {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
}
