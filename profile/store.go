/*
Package profile implements the unified customer profile store: grow-only
identifier sets, per-trait last-write-wins merging, lastSeen, and the
current segment-membership cache.

Grounded on the teacher's metering.ReservationStore (a mutex-guarded
map[string]*Reservation where the full per-id update happens under one
lock) and caching.Engine's Stats()-snapshot-under-RLock idiom.
*/
package profile

import (
	"sort"
	"sync"
	"time"
)

// Trait is a single LWW-tracked profile attribute.
type Trait struct {
	Value     interface{}
	UpdatedAt time.Time
}

// Identifiers holds the three grow-only identifier sets for a profile.
type Identifiers struct {
	UserIDs      map[string]struct{}
	Emails       map[string]struct{}
	AnonymousIDs map[string]struct{}
}

func newIdentifiers() Identifiers {
	return Identifiers{
		UserIDs:      make(map[string]struct{}),
		Emails:       make(map[string]struct{}),
		AnonymousIDs: make(map[string]struct{}),
	}
}

// Profile is the unified, current-state view of one canonical customer.
type Profile struct {
	ProfileID   string
	Identifiers Identifiers
	Traits      map[string]Trait
	LastSeen    time.Time
	Segments    map[string]struct{}
}

// Summary is the collaborator-facing read projection of a profile.
type Summary struct {
	ProfileID        string    `json:"profileId"`
	Plan             string    `json:"plan,omitempty"`
	Country          string    `json:"country,omitempty"`
	LastSeen         time.Time `json:"lastSeen"`
	UserIDs          []string  `json:"userIds"`
	Emails           []string  `json:"emails"`
	AnonymousIDs     []string  `json:"anonymousIds"`
	FeatureUsedCount uint64    `json:"featureUsedCount"`
}

type entry struct {
	mu      sync.Mutex
	profile Profile
}

// Store holds every known profile, keyed by canonical profile id.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]*entry
}

// New creates an empty profile store.
func New() *Store {
	return &Store{profiles: make(map[string]*entry)}
}

func (s *Store) getOrCreateEntry(profileID string) *entry {
	s.mu.RLock()
	e, ok := s.profiles[profileID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.profiles[profileID]; ok {
		return e
	}
	e = &entry{
		profile: Profile{
			ProfileID:   profileID,
			Identifiers: newIdentifiers(),
			Traits:      make(map[string]Trait),
			Segments:    make(map[string]struct{}),
		},
	}
	s.profiles[profileID] = e
	return e
}

// GetOrCreate returns a snapshot copy of the profile for profileID,
// creating it lazily if this is the first reference to that canonical id.
func (s *Store) GetOrCreate(profileID string) Profile {
	e := s.getOrCreateEntry(profileID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneProfile(e.profile)
}

// MergeIdentifiers unions the given identifier sets into the profile.
// Grow-only: nothing is ever removed.
func (s *Store) MergeIdentifiers(profileID string, ids Identifiers) {
	e := s.getOrCreateEntry(profileID)
	e.mu.Lock()
	defer e.mu.Unlock()
	mergeSet(e.profile.Identifiers.UserIDs, ids.UserIDs)
	mergeSet(e.profile.Identifiers.Emails, ids.Emails)
	mergeSet(e.profile.Identifiers.AnonymousIDs, ids.AnonymousIDs)
}

func mergeSet(dst, src map[string]struct{}) {
	for v := range src {
		dst[v] = struct{}{}
	}
}

// MergeTraits applies per-trait last-write-wins: a trait is updated only
// if eventTs is strictly greater than the trait's current updatedAt. On a
// tie the existing value wins (stability).
func (s *Store) MergeTraits(profileID string, traits map[string]interface{}, eventTs time.Time) {
	if len(traits) == 0 {
		return
	}
	e := s.getOrCreateEntry(profileID)
	e.mu.Lock()
	defer e.mu.Unlock()
	for name, value := range traits {
		current, ok := e.profile.Traits[name]
		if !ok || eventTs.After(current.UpdatedAt) {
			e.profile.Traits[name] = Trait{Value: value, UpdatedAt: eventTs}
		}
	}
}

// UpdateLastSeen advances lastSeen to max(current, ts).
func (s *Store) UpdateLastSeen(profileID string, ts time.Time) {
	e := s.getOrCreateEntry(profileID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts.After(e.profile.LastSeen) {
		e.profile.LastSeen = ts
	}
}

// UpdateSegments atomically replaces the profile's membership set.
func (s *Store) UpdateSegments(profileID string, segments map[string]struct{}) {
	e := s.getOrCreateEntry(profileID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.profile.Segments = segments
}

// MergeInto folds fromID's profile into toID's: identifiers union, traits
// merge under the same LWW rule as MergeTraits (by each trait's own
// updatedAt, not a single event timestamp), lastSeen takes the max, and
// fromID's segment membership is added so the next EvaluateAndEmit can
// emit EXIT for anything that no longer holds once merged. fromID's own
// entry is left in place but future lookups should resolve to toID via
// the identity graph — this only moves the data forward.
//
// A no-op if fromID == toID or fromID has never been referenced.
func (s *Store) MergeInto(fromID, toID string) {
	if fromID == toID {
		return
	}
	s.mu.RLock()
	from, ok := s.profiles[fromID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	from.mu.Lock()
	snapshot := cloneProfile(from.profile)
	from.mu.Unlock()

	to := s.getOrCreateEntry(toID)
	to.mu.Lock()
	defer to.mu.Unlock()

	mergeSet(to.profile.Identifiers.UserIDs, snapshot.Identifiers.UserIDs)
	mergeSet(to.profile.Identifiers.Emails, snapshot.Identifiers.Emails)
	mergeSet(to.profile.Identifiers.AnonymousIDs, snapshot.Identifiers.AnonymousIDs)

	for name, trait := range snapshot.Traits {
		current, ok := to.profile.Traits[name]
		if !ok || trait.UpdatedAt.After(current.UpdatedAt) {
			to.profile.Traits[name] = trait
		}
	}

	if snapshot.LastSeen.After(to.profile.LastSeen) {
		to.profile.LastSeen = snapshot.LastSeen
	}

	for seg := range snapshot.Segments {
		to.profile.Segments[seg] = struct{}{}
	}
}

// Summarize returns the Summary projection of one profile, creating it
// lazily if this is the first reference to profileID. FeatureUsedCount is
// left at zero — the profile package has no access to the rolling
// counter, so callers that need it fill it in themselves (see
// pipeline.Pipeline.ProfileSummary).
func (s *Store) Summarize(profileID string) Summary {
	return toSummary(s.GetOrCreate(profileID))
}

// GetTopN returns up to n profile summaries ordered by lastSeen descending.
func (s *Store) GetTopN(n int) []Summary {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.profiles))
	for _, e := range s.profiles {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	snapshots := make([]Profile, len(entries))
	for i, e := range entries {
		e.mu.Lock()
		snapshots[i] = cloneProfile(e.profile)
		e.mu.Unlock()
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].LastSeen.After(snapshots[j].LastSeen)
	})

	if n > 0 && n < len(snapshots) {
		snapshots = snapshots[:n]
	}

	summaries := make([]Summary, len(snapshots))
	for i, p := range snapshots {
		summaries[i] = toSummary(p)
	}
	return summaries
}

func toSummary(p Profile) Summary {
	s := Summary{
		ProfileID:    p.ProfileID,
		LastSeen:     p.LastSeen,
		UserIDs:      setToSlice(p.Identifiers.UserIDs),
		Emails:       setToSlice(p.Identifiers.Emails),
		AnonymousIDs: setToSlice(p.Identifiers.AnonymousIDs),
	}
	if plan, ok := p.Traits["plan"]; ok {
		if str, ok := plan.Value.(string); ok {
			s.Plan = str
		}
	}
	if country, ok := p.Traits["country"]; ok {
		if str, ok := country.Value.(string); ok {
			s.Country = str
		}
	}
	return s
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func cloneProfile(p Profile) Profile {
	clone := Profile{
		ProfileID: p.ProfileID,
		LastSeen:  p.LastSeen,
		Identifiers: Identifiers{
			UserIDs:      cloneStringSet(p.Identifiers.UserIDs),
			Emails:       cloneStringSet(p.Identifiers.Emails),
			AnonymousIDs: cloneStringSet(p.Identifiers.AnonymousIDs),
		},
		Traits:   make(map[string]Trait, len(p.Traits)),
		Segments: cloneStringSet(p.Segments),
	}
	for k, v := range p.Traits {
		clone.Traits[k] = v
	}
	return clone
}

func cloneStringSet(set map[string]struct{}) map[string]struct{} {
	clone := make(map[string]struct{}, len(set))
	for v := range set {
		clone[v] = struct{}{}
	}
	return clone
}
