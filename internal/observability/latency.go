package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Write latency budgets in milliseconds. Per lifecycle stage series
// ("emit_to_write_<stage>") share the emit_to_write budget.
var latencyBudgetsMS = map[string]float64{
	"emit_to_write":        50,
	"enqueue_wait":         100,
	"replay_emit_to_write": 5000,
}

// LatencySeries summarizes the retained samples of one named measurement.
type LatencySeries struct {
	Name       string  `json:"stage"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	MeanMS     float64 `json:"mean_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	P99MS      float64 `json:"p99_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// DeliveryReport is served by the delivery perf endpoint.
type DeliveryReport struct {
	GeneratedAt    time.Time       `json:"generated_at"`
	WindowSize     int             `json:"window_size"`
	HorizonSeconds float64         `json:"horizon_seconds"`
	Stages         []LatencySeries `json:"stages"`
	Indicators     []Indicator     `json:"indicators,omitempty"`
}

type latencySample struct {
	at time.Time
	ms float64
}

// latencyWindow retains, per series, at most capacity samples no older
// than horizon. Samples are kept oldest first.
type latencyWindow struct {
	mu         sync.Mutex
	capacity   int
	horizon    time.Duration
	now        func() time.Time
	series     map[string][]latencySample
	indicators map[string]int
}

func newLatencyWindow(capacity int, horizon time.Duration) *latencyWindow {
	if capacity <= 0 {
		capacity = 256
	}
	return &latencyWindow{
		capacity:   capacity,
		horizon:    horizon,
		now:        time.Now,
		series:     make(map[string][]latencySample),
		indicators: make(map[string]int),
	}
}

func (w *latencyWindow) observe(name string, ms float64) {
	if w == nil || name == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	samples := append(w.series[name], latencySample{at: w.now(), ms: ms})
	// Compact once the backing array holds two windows' worth.
	if len(samples) >= 2*w.capacity {
		samples = append([]latencySample(nil), samples[len(samples)-w.capacity:]...)
	}
	w.series[name] = samples
}

func (w *latencyWindow) count(name string) {
	if w == nil {
		return
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *latencyWindow) report() DeliveryReport {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	out := DeliveryReport{
		GeneratedAt:    now.UTC(),
		WindowSize:     w.capacity,
		HorizonSeconds: w.horizon.Seconds(),
		Stages:         []LatencySeries{},
	}

	for name, samples := range w.series {
		if len(samples) > w.capacity {
			samples = samples[len(samples)-w.capacity:]
		}
		if w.horizon > 0 {
			cutoff := now.Add(-w.horizon)
			first, _ := slices.BinarySearchFunc(samples, cutoff, func(s latencySample, t time.Time) int {
				return s.at.Compare(t)
			})
			samples = samples[first:]
		}
		if len(samples) == 0 {
			continue
		}
		out.Stages = append(out.Stages, summarize(name, samples))
	}
	slices.SortFunc(out.Stages, func(a, b LatencySeries) int { return strings.Compare(a.Name, b.Name) })

	for name, n := range w.indicators {
		out.Indicators = append(out.Indicators, Indicator{Name: name, Count: n})
	}
	slices.SortFunc(out.Indicators, func(a, b Indicator) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (w *latencyWindow) reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.series)
	clear(w.indicators)
}

func summarize(name string, samples []latencySample) LatencySeries {
	budget := budgetFor(name)
	values := make([]float64, len(samples))
	var sum float64
	over := 0
	for i, s := range samples {
		values[i] = s.ms
		sum += s.ms
		if budget > 0 && s.ms > budget {
			over++
		}
	}
	slices.Sort(values)
	return LatencySeries{
		Name:       name,
		Samples:    len(values),
		LastMS:     round2(samples[len(samples)-1].ms),
		MeanMS:     round2(sum / float64(len(values))),
		P50MS:      round2(nearestRank(values, 0.50)),
		P95MS:      round2(nearestRank(values, 0.95)),
		P99MS:      round2(nearestRank(values, 0.99)),
		MaxMS:      round2(values[len(values)-1]),
		BudgetMS:   budget,
		OverBudget: over,
	}
}

// nearestRank returns the smallest retained value with at least q of the
// samples at or below it. sorted must be ascending and non-empty.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	return sorted[min(max(rank, 1), len(sorted))-1]
}

func budgetFor(name string) float64 {
	if b, ok := latencyBudgetsMS[name]; ok {
		return b
	}
	if strings.HasPrefix(name, "emit_to_write_") {
		return latencyBudgetsMS["emit_to_write"]
	}
	return 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
