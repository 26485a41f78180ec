/*
Package pipeline wires identity, profile, counter, segment, and
processor together into the end-to-end ingest→resolve→process flow.

Grounded on the teacher's analytics.Pipeline top-level shape (a thin
orchestration type whose constructor wires a Sink/handler, whose public
surface is a couple of ingest methods) and its failure semantics: a
handler error is logged and does not stop the drain (spec.md §4.6).
*/
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/nimbusdata/cdp-core/counter"
	"github.com/nimbusdata/cdp-core/event"
	"github.com/nimbusdata/cdp-core/identity"
	"github.com/nimbusdata/cdp-core/metrics"
	"github.com/nimbusdata/cdp-core/processor"
	"github.com/nimbusdata/cdp-core/profile"
	"github.com/nimbusdata/cdp-core/segment"
)

// Pipeline orchestrates the full event-processing flow: validate,
// resolve identity, submit to the EventProcessor, and — on drain —
// merge into the profile store, append to the rolling counter, and
// evaluate segments.
type Pipeline struct {
	graph     *identity.Graph
	profiles  *profile.Store
	counter   *counter.Counter
	segments  *segment.Engine
	processor *processor.Processor
	metrics   *metrics.Registry
	logger    zerolog.Logger
}

// New wires the given collaborators into a Pipeline and registers its
// drain handler on proc. Call proc.Start separately once the caller is
// ready to begin ticking.
func New(
	graph *identity.Graph,
	profiles *profile.Store,
	ctr *counter.Counter,
	segments *segment.Engine,
	proc *processor.Processor,
	metricsRegistry *metrics.Registry,
	logger zerolog.Logger,
) *Pipeline {
	p := &Pipeline{
		graph:     graph,
		profiles:  profiles,
		counter:   ctr,
		segments:  segments,
		processor: proc,
		metrics:   metricsRegistry,
		logger:    logger.With().Str("component", "pipeline").Logger(),
	}
	proc.OnEvent(p.process)
	return p
}

// Ingest validates evt, resolves its canonical profile id, and submits it
// to the EventProcessor for watermark-ordered, deduped draining.
func (p *Pipeline) Ingest(ctx context.Context, evt event.Event) error {
	if err := evt.Validate(); err != nil {
		p.logger.Warn().Err(err).Str("event_id", evt.EventID).Msg("rejected invalid event")
		return err
	}

	canonicalID := p.resolve(evt)
	p.processor.Submit(ctx, evt, string(canonicalID))
	return nil
}

// process is the EventProcessor drain handler. It re-resolves the
// canonical id (the identity graph may have moved since Submit), merges
// the event into the profile store, appends to the rolling counter on
// TRACK, and evaluates+emits segment transitions.
//
// Errors are never returned to the processor in a way that stops the
// drain: every mutation here is best-effort and idempotent under retry
// (LWW for traits, grow-only for identifiers, dedup at the processor
// layer for the non-idempotent counter append).
func (p *Pipeline) process(_ context.Context, evt event.Event, _ string) error {
	canonicalID := string(p.resolve(evt))

	p.profiles.MergeIdentifiers(canonicalID, profileIdentifiers(evt))
	if len(evt.Traits) > 0 {
		p.profiles.MergeTraits(canonicalID, evt.Traits, evt.Ts)
	}
	p.profiles.UpdateLastSeen(canonicalID, evt.Ts)

	if evt.Type == event.Track && evt.Name != "" {
		p.counter.Append(canonicalID, evt.Name, evt.Ts)
	}

	prof := p.profiles.GetOrCreate(canonicalID)
	newSegments := p.segments.EvaluateAndEmit(prof, p.counter)
	p.profiles.UpdateSegments(canonicalID, newSegments)
	p.metrics.CounterInc("segments.evaluations", nil)

	return nil
}

// resolve computes the canonical profile id for evt. IDENTIFY/ALIAS
// events carrying two or more identifiers union them; every other event
// only resolves against identities already known to the graph.
//
// A union can make two identifiers that previously resolved to distinct
// profiles collapse onto one root. When that happens the now-stale
// profile(s) are folded into the surviving one so traits, identifiers,
// and lastSeen recorded before the ALIAS/IDENTIFY arrived aren't
// orphaned under an id nothing will ever look up again.
func (p *Pipeline) resolve(evt event.Event) identity.Identifier {
	ids := identifiersFromEvent(evt)
	if (evt.Type == event.Identify || evt.Type == event.Alias) && len(ids) >= 2 {
		priorRoots := make(map[identity.Identifier]struct{}, len(ids))
		for _, raw := range ids {
			priorRoots[p.graph.Find(raw)] = struct{}{}
		}

		canonical := p.graph.CanonicalIDFor(ids)
		for root := range priorRoots {
			if root != canonical {
				p.profiles.MergeInto(string(root), string(canonical))
			}
		}
		return canonical
	}
	return p.graph.ResolveCanonicalID(ids)
}

// ProfileSummary returns the read-facing profile summary, with
// FeatureUsedCount filled in from the rolling counter — the one field
// profile.Store cannot compute on its own.
func (p *Pipeline) ProfileSummary(profileID, featureEventName string, window time.Duration) profile.Summary {
	s := p.profiles.Summarize(profileID)
	s.FeatureUsedCount = p.counter.Count(profileID, featureEventName, window)
	return s
}

func identifiersFromEvent(evt event.Event) []string {
	var ids []string
	if evt.UserID != "" {
		ids = append(ids, "user:"+evt.UserID)
	}
	if evt.Email != "" {
		ids = append(ids, "email:"+evt.Email)
	}
	if evt.AnonymousID != "" {
		ids = append(ids, "anon:"+evt.AnonymousID)
	}
	return ids
}

func profileIdentifiers(evt event.Event) profile.Identifiers {
	ids := profile.Identifiers{
		UserIDs:      make(map[string]struct{}),
		Emails:       make(map[string]struct{}),
		AnonymousIDs: make(map[string]struct{}),
	}
	if evt.UserID != "" {
		ids.UserIDs[evt.UserID] = struct{}{}
	}
	if evt.Email != "" {
		ids.Emails[evt.Email] = struct{}{}
	}
	if evt.AnonymousID != "" {
		ids.AnonymousIDs[evt.AnonymousID] = struct{}{}
	}
	return ids
}
