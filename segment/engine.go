/*
Package segment implements the rule-based segment engine: named boolean
predicates over a profile, evaluated on every event, with edge-triggered
ENTER/EXIT emission on membership transitions.

Grounded on the teacher's routing.ExperimentEngine and policy.OPAClient
(both keep a map[string]<named rule> under a RWMutex and expose a
Register-style method for adding more at runtime) and on
analytics.Pipeline's non-blocking publish-to-sink idiom for emission,
including its convention of counting what it emits through the shared
metrics.Registry rather than only publishing to the sink.
*/
package segment

import (
	"sync"
	"time"

	"github.com/nimbusdata/cdp-core/clock"
	"github.com/nimbusdata/cdp-core/counter"
	"github.com/nimbusdata/cdp-core/metrics"
	"github.com/nimbusdata/cdp-core/profile"
)

// Action is a membership transition kind.
type Action string

const (
	ActionEnter Action = "ENTER"
	ActionExit  Action = "EXIT"
)

// Event is one segment membership transition.
type Event struct {
	ProfileID string    `json:"profileId"`
	Segment   string    `json:"segment"`
	Action    Action    `json:"action"`
	Ts        time.Time `json:"ts"`
}

// Sink receives emitted segment events. Implemented by package bus via a
// thin adapter at the wiring layer.
type Sink interface {
	Publish(Event)
}

// EvalContext is what a Predicate sees: the profile being evaluated, the
// current time, and the rolling counter for rate-based predicates.
type EvalContext struct {
	Profile profile.Profile
	Now     time.Time
	Counter *counter.Counter
}

// Predicate decides whether a profile currently belongs to a segment.
type Predicate func(EvalContext) bool

// Config holds the built-in segments' thresholds.
type Config struct {
	PowerUserThreshold   uint64
	PowerUserWindow      time.Duration
	ReengageInactivity   time.Duration
	FeatureUsedEventName string
}

// DefaultConfig returns the spec defaults: power_user at 5 events / 24h,
// reengage at 10m inactivity.
func DefaultConfig() Config {
	return Config{
		PowerUserThreshold:   5,
		PowerUserWindow:      24 * time.Hour,
		ReengageInactivity:   10 * time.Minute,
		FeatureUsedEventName: "Feature Used",
	}
}

// Engine evaluates named predicates against profiles and emits
// edge-triggered ENTER/EXIT transitions to a Sink.
type Engine struct {
	clock   clock.Clock
	sink    Sink
	metrics *metrics.Registry

	mu          sync.RWMutex
	definitions map[string]Predicate
}

// New creates an engine with the three built-in segments (pro_plan,
// power_user, reengage) registered. metricsRegistry may be nil, in which
// case ENTER/EXIT transitions are simply not counted.
func New(clk clock.Clock, sink Sink, cfg Config, metricsRegistry *metrics.Registry) *Engine {
	e := &Engine{
		clock:       clk,
		sink:        sink,
		metrics:     metricsRegistry,
		definitions: make(map[string]Predicate),
	}
	e.RegisterSegment("pro_plan", proPlanPredicate)
	e.RegisterSegment("power_user", powerUserPredicate(cfg.FeatureUsedEventName, cfg.PowerUserThreshold, cfg.PowerUserWindow))
	e.RegisterSegment("reengage", reengagePredicate(cfg.ReengageInactivity))
	return e
}

func proPlanPredicate(ctx EvalContext) bool {
	trait, ok := ctx.Profile.Traits["plan"]
	if !ok {
		return false
	}
	plan, ok := trait.Value.(string)
	return ok && plan == "pro"
}

func powerUserPredicate(eventName string, threshold uint64, window time.Duration) Predicate {
	return func(ctx EvalContext) bool {
		if ctx.Counter == nil {
			return false
		}
		return ctx.Counter.Count(ctx.Profile.ProfileID, eventName, window) >= threshold
	}
}

func reengagePredicate(inactivity time.Duration) Predicate {
	return func(ctx EvalContext) bool {
		if ctx.Profile.LastSeen.IsZero() {
			return false
		}
		return ctx.Now.Sub(ctx.Profile.LastSeen) >= inactivity
	}
}

// RegisterSegment adds or replaces a named predicate. Safe to call
// concurrently with EvaluateAndEmit.
func (e *Engine) RegisterSegment(name string, predicate Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.definitions[name] = predicate
}

// EvaluateAndEmit evaluates every registered predicate against p, emits
// ENTER/EXIT for every membership transition versus p.Segments, and
// returns the new membership set for the caller to persist via
// profile.Store.UpdateSegments.
func (e *Engine) EvaluateAndEmit(p profile.Profile, c *counter.Counter) map[string]struct{} {
	e.mu.RLock()
	defs := make(map[string]Predicate, len(e.definitions))
	for name, pred := range e.definitions {
		defs[name] = pred
	}
	e.mu.RUnlock()

	now := e.clock.Now()
	ctx := EvalContext{Profile: p, Now: now, Counter: c}

	newSet := make(map[string]struct{}, len(defs))
	for name, pred := range defs {
		if pred(ctx) {
			newSet[name] = struct{}{}
		}
	}

	for name := range newSet {
		if _, was := p.Segments[name]; !was {
			e.emit(p.ProfileID, name, ActionEnter, now)
		}
	}
	for name := range p.Segments {
		if _, is := newSet[name]; !is {
			e.emit(p.ProfileID, name, ActionExit, now)
		}
	}

	return newSet
}

func (e *Engine) emit(profileID, segment string, action Action, ts time.Time) {
	if e.metrics != nil {
		switch action {
		case ActionEnter:
			e.metrics.CounterInc("segments.enter", map[string]string{"segment": segment})
		case ActionExit:
			e.metrics.CounterInc("segments.exit", map[string]string{"segment": segment})
		}
	}

	if e.sink == nil {
		return
	}
	e.sink.Publish(Event{
		ProfileID: profileID,
		Segment:   segment,
		Action:    action,
		Ts:        ts,
	})
}
