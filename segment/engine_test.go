package segment

import (
	"testing"
	"time"

	"github.com/nimbusdata/cdp-core/clock"
	"github.com/nimbusdata/cdp-core/counter"
	"github.com/nimbusdata/cdp-core/metrics"
	"github.com/nimbusdata/cdp-core/profile"
)

type fakeSink struct {
	events []Event
}

func (f *fakeSink) Publish(ev Event) {
	f.events = append(f.events, ev)
}

func TestProPlanEntersOnTraitAndExitsOnDowngrade(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := clock.NewManual(base)
	sink := &fakeSink{}
	m := metrics.NewRegistry("cdp")
	e := New(mc, sink, DefaultConfig(), m)

	store := profile.New()
	store.MergeTraits("p1", map[string]interface{}{"plan": "pro"}, base)
	p := store.GetOrCreate("p1")

	newSet := e.EvaluateAndEmit(p, nil)
	if _, ok := newSet["pro_plan"]; !ok {
		t.Fatalf("expected pro_plan membership")
	}
	if len(sink.events) != 1 || sink.events[0].Action != ActionEnter || sink.events[0].Segment != "pro_plan" {
		t.Fatalf("expected exactly one pro_plan ENTER, got %+v", sink.events)
	}
	store.UpdateSegments("p1", newSet)

	store.MergeTraits("p1", map[string]interface{}{"plan": "basic"}, base.Add(time.Minute))
	p = store.GetOrCreate("p1")
	newSet = e.EvaluateAndEmit(p, nil)
	if _, ok := newSet["pro_plan"]; ok {
		t.Fatalf("expected pro_plan membership to be gone after downgrade")
	}
	if len(sink.events) != 2 || sink.events[1].Action != ActionExit {
		t.Fatalf("expected a second event that is an EXIT, got %+v", sink.events)
	}

	if got := m.CounterValue("segments.enter", map[string]string{"segment": "pro_plan"}); got != 1 {
		t.Fatalf("expected 1 segments.enter for pro_plan, got %d", got)
	}
	if got := m.CounterValue("segments.exit", map[string]string{"segment": "pro_plan"}); got != 1 {
		t.Fatalf("expected 1 segments.exit for pro_plan, got %d", got)
	}
}

func TestEdgeTriggeredNoRepeatedEnter(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := clock.NewManual(base)
	sink := &fakeSink{}
	m := metrics.NewRegistry("cdp")
	e := New(mc, sink, DefaultConfig(), m)

	store := profile.New()
	store.MergeTraits("p1", map[string]interface{}{"plan": "pro"}, base)
	p := store.GetOrCreate("p1")

	newSet := e.EvaluateAndEmit(p, nil)
	store.UpdateSegments("p1", newSet)

	p = store.GetOrCreate("p1")
	e.EvaluateAndEmit(p, nil)
	e.EvaluateAndEmit(p, nil)

	if len(sink.events) != 1 {
		t.Fatalf("expected sustained membership to emit nothing further, got %d events", len(sink.events))
	}
}

func TestPowerUserEntersAtThresholdThenExitsAfterWindowExpires(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := clock.NewManual(base)
	sink := &fakeSink{}
	m := metrics.NewRegistry("cdp")
	e := New(mc, sink, DefaultConfig(), m)
	c := counter.New(mc, counter.Config{BucketSize: time.Minute, Window: 24 * time.Hour})

	store := profile.New()
	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		c.Append("p1", "Feature Used", ts)
	}
	p := store.GetOrCreate("p1")

	newSet := e.EvaluateAndEmit(p, c)
	if _, ok := newSet["power_user"]; !ok {
		t.Fatalf("expected power_user membership at threshold")
	}
	store.UpdateSegments("p1", newSet)

	mc.Advance(24*time.Hour + time.Minute)
	p = store.GetOrCreate("p1")
	newSet = e.EvaluateAndEmit(p, c)
	if _, ok := newSet["power_user"]; ok {
		t.Fatalf("expected power_user membership to expire with the window")
	}

	var enters, exits int
	for _, ev := range sink.events {
		if ev.Segment != "power_user" {
			continue
		}
		if ev.Action == ActionEnter {
			enters++
		} else {
			exits++
		}
	}
	if enters != 1 || exits != 1 {
		t.Fatalf("expected exactly one ENTER and one EXIT, got enters=%d exits=%d", enters, exits)
	}
}

func TestReengageRequiresPriorObservation(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := clock.NewManual(base)
	sink := &fakeSink{}
	m := metrics.NewRegistry("cdp")
	e := New(mc, sink, DefaultConfig(), m)

	store := profile.New()
	p := store.GetOrCreate("fresh")
	newSet := e.EvaluateAndEmit(p, nil)
	if _, ok := newSet["reengage"]; ok {
		t.Fatalf("expected a profile with no prior lastSeen to never be reengage")
	}
}

func TestReengageEntersAfterInactivityWindow(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := clock.NewManual(base)
	sink := &fakeSink{}
	m := metrics.NewRegistry("cdp")
	e := New(mc, sink, DefaultConfig(), m)

	store := profile.New()
	store.UpdateLastSeen("p1", base)
	p := store.GetOrCreate("p1")

	newSet := e.EvaluateAndEmit(p, nil)
	if _, ok := newSet["reengage"]; ok {
		t.Fatalf("expected no reengage immediately after lastSeen")
	}

	mc.Advance(11 * time.Minute)
	p = store.GetOrCreate("p1")
	newSet = e.EvaluateAndEmit(p, nil)
	if _, ok := newSet["reengage"]; !ok {
		t.Fatalf("expected reengage after 11 minutes of inactivity")
	}
}

func TestRegisterSegmentAddsCustomPredicate(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mc := clock.NewManual(base)
	sink := &fakeSink{}
	m := metrics.NewRegistry("cdp")
	e := New(mc, sink, DefaultConfig(), m)
	e.RegisterSegment("always_on", func(EvalContext) bool { return true })

	store := profile.New()
	p := store.GetOrCreate("p1")
	newSet := e.EvaluateAndEmit(p, nil)
	if _, ok := newSet["always_on"]; !ok {
		t.Fatalf("expected custom segment to be evaluated")
	}
}
