package policy

import "sync/atomic"

// Snapshot holds the active compiled rule set behind an atomic pointer so a
// reload swaps the whole set in one step and in-flight evaluations never
// observe a half-updated list.
type Snapshot struct {
	set atomic.Pointer[RuleSet]
}

// NewSnapshot creates a snapshot seeded with the given set. A nil set
// behaves as an empty rule list (default deny everything).
func NewSnapshot(set *RuleSet) *Snapshot {
	s := &Snapshot{}
	if set == nil {
		set = &RuleSet{}
	}
	s.set.Store(set)
	return s
}

// Evaluate runs the current rule set against the context.
func (s *Snapshot) Evaluate(ctx *Context) Decision {
	return s.set.Load().Evaluate(ctx)
}

// Reload atomically replaces the active rule set.
func (s *Snapshot) Reload(set *RuleSet) {
	if set == nil {
		set = &RuleSet{}
	}
	s.set.Store(set)
}

// Active returns the currently loaded rule set.
func (s *Snapshot) Active() *RuleSet {
	return s.set.Load()
}
