package observability

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWindow(capacity int, horizon time.Duration) (*latencyWindow, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	w := newLatencyWindow(capacity, horizon)
	w.now = clock.now
	return w, clock
}

func TestLatencyWindowReport(t *testing.T) {
	w, _ := newTestWindow(8, 0)
	for _, ms := range []float64{10, 20, 30, 80} {
		w.observe("emit_to_write", ms)
	}
	w.count("replay_truncated")
	w.count("replay_truncated")
	w.count("  ")

	report := w.report()
	if report.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", report.WindowSize)
	}
	if len(report.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(report.Stages))
	}
	s := report.Stages[0]
	if s.Name != "emit_to_write" || s.Samples != 4 {
		t.Fatalf("series = %+v", s)
	}
	if s.LastMS != 80 || s.MaxMS != 80 {
		t.Fatalf("LastMS/MaxMS = %.2f/%.2f, want 80/80", s.LastMS, s.MaxMS)
	}
	if s.MeanMS != 35 {
		t.Fatalf("MeanMS = %.2f, want 35", s.MeanMS)
	}
	if s.P50MS != 20 || s.P95MS != 80 {
		t.Fatalf("P50MS/P95MS = %.2f/%.2f, want 20/80", s.P50MS, s.P95MS)
	}
	if s.BudgetMS != 50 || s.OverBudget != 1 {
		t.Fatalf("budget = %.0f over = %d, want 50 and 1", s.BudgetMS, s.OverBudget)
	}
	if len(report.Indicators) != 1 || report.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want replay_truncated x2", report.Indicators)
	}
}

func TestLatencyWindowKeepsNewestSamples(t *testing.T) {
	w, _ := newTestWindow(4, 0)
	for i := 1; i <= 10; i++ {
		w.observe("enqueue_wait", float64(i))
	}
	s := w.report().Stages[0]
	if s.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", s.Samples)
	}
	if s.MeanMS != 8.5 || s.P50MS != 8 {
		t.Fatalf("MeanMS/P50MS = %.2f/%.2f, want 8.5/8", s.MeanMS, s.P50MS)
	}

	w.reset()
	if got := len(w.report().Stages); got != 0 {
		t.Fatalf("len(Stages) after reset = %d, want 0", got)
	}
}

func TestLatencyWindowDropsAgedSamples(t *testing.T) {
	w, clock := newTestWindow(16, time.Minute)
	w.observe("task_total", 1000)
	clock.advance(45 * time.Second)
	w.observe("task_total", 2000)
	w.observe("enqueue_wait", 3)

	if got := w.report().Stages; len(got) != 2 || got[1].Samples != 2 {
		t.Fatalf("Stages = %+v, want both task_total samples", got)
	}

	clock.advance(30 * time.Second)
	report := w.report()
	for _, s := range report.Stages {
		if s.Name == "task_total" && (s.Samples != 1 || s.LastMS != 2000) {
			t.Fatalf("task_total = %+v, want only the recent sample", s)
		}
	}
	if report.HorizonSeconds != 60 {
		t.Fatalf("HorizonSeconds = %v, want 60", report.HorizonSeconds)
	}

	clock.advance(time.Hour)
	if got := len(w.report().Stages); got != 0 {
		t.Fatalf("len(Stages) = %d, want 0 once every sample aged out", got)
	}
}

func TestMetricsDeliveryReport(t *testing.T) {
	m := NewMetrics("taskpulse_test_latency")
	m.ObserveDelivered("thinking", 12*time.Millisecond, false)
	m.ObserveDelivered("thinking", 40*time.Millisecond, true)
	m.ObserveDeliveryError("write_failed")

	report := m.DeliveryReport()
	samples := map[string]int{}
	budgets := map[string]float64{}
	for _, s := range report.Stages {
		samples[s.Name] = s.Samples
		budgets[s.Name] = s.BudgetMS
	}
	for _, want := range []string{"emit_to_write", "emit_to_write_thinking", "replay_emit_to_write"} {
		if samples[want] != 1 {
			t.Fatalf("series %q samples = %d, want 1 (series=%v)", want, samples[want], samples)
		}
	}
	if budgets["emit_to_write_thinking"] != 50 {
		t.Fatalf("per stage budget = %v, want 50", budgets["emit_to_write_thinking"])
	}
	if len(report.Indicators) != 1 || report.Indicators[0].Name != "write_failed" {
		t.Fatalf("Indicators = %+v", report.Indicators)
	}

	m.ResetDeliveryReport()
	if got := len(m.DeliveryReport().Stages); got != 0 {
		t.Fatalf("len(Stages) after reset = %d, want 0", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.ObserveEnqueue("started", time.Millisecond)
	m.ObserveDelivered("started", time.Millisecond, false)
	m.TaskFinished("completed", time.Second)
	m.ResetDeliveryReport()
	if report := m.DeliveryReport(); len(report.Stages) != 0 {
		t.Fatalf("nil metrics report should be empty")
	}
}
