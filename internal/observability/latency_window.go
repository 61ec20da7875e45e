package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// TurnStageStats summarizes the recent samples of one turn stage.
type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

// TurnIndicator counts a discrete turn event such as a barge-in.
type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// p95 budgets per stage in milliseconds.
var stageBudgets = map[string]float64{
	"recognition":    400,
	"dialogue":       900,
	"synthesis":      700,
	"input_to_audio": 1600,
	"turn_total":     3200,
}

// ring keeps the newest cap samples of one stage.
type ring struct {
	samples []float64
	pos     int
	full    bool
}

func (r *ring) add(v float64) {
	r.samples[r.pos] = v
	r.pos = (r.pos + 1) % len(r.samples)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ring) len() int {
	if r.full {
		return len(r.samples)
	}
	return r.pos
}

func (r *ring) newest() float64 {
	return r.samples[(r.pos-1+len(r.samples))%len(r.samples)]
}

// latencyWindow is the rolling per-stage view served by the perf endpoint.
type latencyWindow struct {
	size int

	mu     sync.RWMutex
	stages map[string]*ring
	counts map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	w := &latencyWindow{size: size}
	w.Reset()
	return w
}

func (w *latencyWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	r := w.stages[stage]
	if r == nil {
		r = &ring{samples: make([]float64, w.size)}
		w.stages[stage] = r
	}
	r.add(ms)
}

func (w *latencyWindow) Count(name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	w.counts[name]++
	w.mu.Unlock()
}

func (w *latencyWindow) Reset() {
	w.mu.Lock()
	w.stages = make(map[string]*ring)
	w.counts = make(map[string]int)
	w.mu.Unlock()
}

func (w *latencyWindow) Snapshot() TurnStageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(w.stages)),
	}
	for name, r := range w.stages {
		if r.len() == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(name, r))
	}
	slices.SortFunc(snap.Stages, func(a, b TurnStageStats) int {
		return strings.Compare(a.Stage, b.Stage)
	})
	for name, n := range w.counts {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: n})
	}
	slices.SortFunc(snap.Indicators, func(a, b TurnIndicator) int {
		return strings.Compare(a.Name, b.Name)
	})
	return snap
}

func summarize(name string, r *ring) TurnStageStats {
	n := r.len()
	sorted := slices.Clone(r.samples[:n])
	slices.Sort(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	return TurnStageStats{
		Stage:       name,
		Samples:     n,
		LastMS:      round2(r.newest()),
		AvgMS:       round2(sum / float64(n)),
		P50MS:       round2(percentile(sorted, 0.50)),
		P95MS:       round2(percentile(sorted, 0.95)),
		P99MS:       round2(percentile(sorted, 0.99)),
		TargetP95MS: stageBudgets[name],
	}
}

// percentile interpolates linearly between the two nearest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	rank := q * float64(len(sorted)-1)
	lo := int(rank)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
