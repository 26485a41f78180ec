package metrics

import "testing"

func TestCounterIncAndValue(t *testing.T) {
	r := NewRegistry("cdp")
	r.CounterInc("events.processed", nil)
	r.CounterInc("events.processed", nil)
	if got := r.CounterValue("events.processed", nil); got != 2 {
		t.Fatalf("expected 2, got %d", got)
	}
}

func TestCounterIsolatedByLabels(t *testing.T) {
	r := NewRegistry("cdp")
	r.CounterInc("segments.enter", map[string]string{"segment": "pro_plan"})
	r.CounterInc("segments.enter", map[string]string{"segment": "power_user"})

	if got := r.CounterValue("segments.enter", map[string]string{"segment": "pro_plan"}); got != 1 {
		t.Fatalf("expected 1 for pro_plan, got %d", got)
	}
	if got := r.CounterValue("segments.enter", map[string]string{"segment": "power_user"}); got != 1 {
		t.Fatalf("expected 1 for power_user, got %d", got)
	}
}

func TestGaugeSetOverwrites(t *testing.T) {
	r := NewRegistry("cdp")
	r.GaugeSet("watermark.lag_ms", nil, 120)
	r.GaugeSet("watermark.lag_ms", nil, 45)
	if got := r.GaugeValue("watermark.lag_ms", nil); got != 45 {
		t.Fatalf("expected 45, got %v", got)
	}
}

func TestHistogramObserveBucketsCorrectly(t *testing.T) {
	h := NewHistogram([]float64{10, 50})
	h.Observe(5)
	h.Observe(25)
	h.Observe(1000)

	if h.count != 3 {
		t.Fatalf("expected 3 observations, got %d", h.count)
	}
	if h.counts[0] != 1 {
		t.Fatalf("expected 1 sample in the <=10 bucket, got %d", h.counts[0])
	}
	if h.counts[len(h.counts)-1] != 1 {
		t.Fatalf("expected 1 sample in the +Inf bucket, got %d", h.counts[len(h.counts)-1])
	}
}
