package policy

import (
	"fmt"
	"sort"
	"strings"
)

// Effect of a matched rule.
type Effect string

const (
	Allow Effect = "allow"
	Deny  Effect = "deny"
)

// Rule is one compiled policy: effect, priority, a target pattern over the
// requested scopes/resources and an optional condition predicate.
type Rule struct {
	Name     string
	Priority int
	Effect   Effect
	// Target is matched against every requested scope and tool; "*" matches
	// anything, a trailing "*" matches by prefix ("read:*"), otherwise the
	// match is exact. Empty targets every request.
	Target string
	Cond   Predicate

	// seq preserves configuration order so equal-priority rules evaluate
	// deterministically.
	seq int
}

func (r *Rule) matchTarget(ctx *Context) bool {
	if r.Target == "" || r.Target == "*" {
		return true
	}
	match := func(s string) bool {
		if strings.HasSuffix(r.Target, "*") {
			return strings.HasPrefix(s, strings.TrimSuffix(r.Target, "*"))
		}
		return s == r.Target
	}
	for _, s := range ctx.Scopes {
		if match(s) {
			return true
		}
	}
	for _, t := range ctx.Tools {
		if match(t) {
			return true
		}
	}
	return false
}

// Decision is the outcome of one evaluation pass.
type Decision struct {
	Allow         bool
	MatchedPolicy string
}

// RuleSet is an immutable, priority-ordered list of rules. Build one with
// Compile and never mutate it afterwards; hot reload replaces the whole set
// through a Snapshot.
type RuleSet struct {
	rules []Rule
}

// Compile validates rules and orders them by descending priority, breaking
// ties by configuration order.
func Compile(rules []Rule) (*RuleSet, error) {
	out := make([]Rule, len(rules))
	copy(out, rules)
	for i := range out {
		switch out[i].Effect {
		case Allow, Deny:
		default:
			return nil, fmt.Errorf("policy: rule %q has invalid effect %q", out[i].Name, out[i].Effect)
		}
		if out[i].Name == "" {
			return nil, fmt.Errorf("policy: rule %d has no name", i)
		}
		out[i].seq = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return &RuleSet{rules: out}, nil
}

// Len returns the number of compiled rules.
func (s *RuleSet) Len() int {
	return len(s.rules)
}

// Evaluate walks the rules in descending priority order. The first matching
// rule decides: a deny short-circuits immediately, an allow wins only if no
// deny matched earlier in the order. No match means deny. Evaluation is a
// pure function of the context and rule set.
func (s *RuleSet) Evaluate(ctx *Context) Decision {
	for i := range s.rules {
		r := &s.rules[i]
		if !r.matchTarget(ctx) {
			continue
		}
		if r.Cond != nil && !r.Cond.Match(ctx) {
			continue
		}
		return Decision{Allow: r.Effect == Allow, MatchedPolicy: r.Name}
	}
	return Decision{Allow: false}
}
