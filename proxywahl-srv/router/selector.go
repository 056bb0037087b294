package router

import (
	"math/rand/v2"
	"sync"

	"github.com/codefionn/proxywahl/proxywahl-srv/logger"
)

// Selector is the upstream selection engine. It combines the registry, the
// rule matchers and the session affinity cache into a single Select
// operation. The registry is swapped atomically on reload; the cache lives
// for the selector's lifetime.
type Selector struct {
	mu       sync.RWMutex
	registry *Registry

	cache *AffinityCache

	// intn is the randomness source for weighted choice. Load distribution
	// only; cryptographic unpredictability is not required here.
	intn func(n int) int
}

// NewSelector creates a selector with an unloaded registry and an empty
// affinity cache.
func NewSelector() *Selector {
	return &Selector{
		registry: NewRegistry(),
		cache:    NewAffinityCache(),
		intn:     rand.IntN,
	}
}

// SetRegistry atomically replaces the registry. In-flight selections keep
// using the registry they started with.
func (s *Selector) SetRegistry(reg *Registry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry = reg
}

// Registry returns the current registry.
func (s *Selector) Registry() *Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// Cache returns the selector's affinity cache.
func (s *Selector) Cache() *AffinityCache {
	return s.cache
}

// Selection outcomes, also used as metric and stats labels.
const (
	OutcomeAffinity = "affinity"
	OutcomeRule     = "rule"
	OutcomeWeighted = "weighted"
	OutcomeDefault  = "default"
	OutcomeNone     = "none"
)

// Select chooses the upstream proxy for the flow, keyed by the given session
// identity. It returns nil when no registry is loaded, when no rule matches
// and no default proxy is configured, or when no proxies exist at all.
func (s *Selector) Select(f Flow, id FlowID) *Upstream {
	up, _ := s.SelectWithOutcome(f, id)
	return up
}

// SelectWithOutcome is Select plus the outcome of the decision (affinity,
// rule, weighted, default or none).
func (s *Selector) SelectWithOutcome(f Flow, id FlowID) (*Upstream, string) {
	reg := s.Registry()
	if !reg.Loaded {
		return nil, OutcomeNone
	}

	// Sticky routing: a session that already has an upstream keeps it as
	// long as that upstream's own rules still match the flow. Otherwise
	// the stale entry is evicted and selection runs again.
	if cached, ok := s.cache.Get(id); ok {
		if cached.Matches(f) {
			affinityEvents.WithLabelValues("hit").Inc()
			logger.Trace("Affinity hit for %s: %s", id, cached.Name)
			return cached, OutcomeAffinity
		}
		s.cache.Delete(id)
		affinityEvents.WithLabelValues("evicted").Inc()
		logger.Debug("Evicted stale affinity entry for %s (was %s)", id, cached.Name)
	}

	matching := s.matchingCandidates(reg, f)

	var selected *Upstream
	var outcome string
	switch len(matching) {
	case 0:
		if reg.Default == nil {
			selectionsTotal.WithLabelValues("", OutcomeNone).Inc()
			return nil, OutcomeNone
		}
		selected, outcome = reg.Default, OutcomeDefault
	case 1:
		selected, outcome = matching[0], OutcomeRule
	default:
		selected, outcome = s.weightedChoice(matching), OutcomeWeighted
	}
	selectionsTotal.WithLabelValues(selected.Name, outcome).Inc()

	s.cache.Put(id, selected)
	logger.Debug("Selected upstream %s for %s (%s)", selected.Name, id, outcome)
	return selected, outcome
}

// matchingCandidates collects every candidate whose rule set matches the
// flow. Literal host patterns are covered by one trie scan; everything else
// falls back to the per-candidate matchers.
func (s *Selector) matchingCandidates(reg *Registry, f Flow) []*Upstream {
	hits := reg.literalHits(f.TargetHost())

	var matching []*Upstream
	for i, candidate := range reg.Candidates {
		if hits[i] || candidate.Matches(f) {
			matching = append(matching, candidate)
		}
	}
	return matching
}

// weightedChoice picks one of the candidates with probability proportional
// to its weight. Weights are normalized over the matching subset only.
func (s *Selector) weightedChoice(matching []*Upstream) *Upstream {
	total := 0
	for _, up := range matching {
		total += up.Weight
	}

	n := s.intn(total)
	for _, up := range matching {
		n -= up.Weight
		if n < 0 {
			return up
		}
	}
	return matching[len(matching)-1]
}
