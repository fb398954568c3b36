package policy

import (
	"fmt"
	"time"
)

// Context is the typed attribute bag a rule set is evaluated against.
// Now is injected by the caller so evaluation stays a pure function of its
// inputs; time-window predicates never read the wall clock themselves.
type Context struct {
	ActorType string
	ActorID   string
	TenantID  string
	GrantType string
	Scopes    []string
	Tools     []string
	TaskID    string
	HumanLoop bool
	Now       time.Time
	// Attrs carries request attributes beyond the well-known fields.
	Attrs map[string]any
}

// Attr resolves an attribute by name, well-known fields first.
func (c *Context) Attr(key string) (any, bool) {
	switch key {
	case "actor_type":
		return c.ActorType, true
	case "actor_id":
		return c.ActorID, true
	case "tenant_id":
		return c.TenantID, true
	case "grant_type":
		return c.GrantType, true
	case "task_id":
		return c.TaskID, true
	case "human_in_loop":
		return c.HumanLoop, true
	}
	v, ok := c.Attrs[key]
	return v, ok
}

// Predicate is one node of the compiled condition AST.
type Predicate interface {
	Match(ctx *Context) bool
}

// Eq matches when the attribute equals the value.
type Eq struct {
	Key   string
	Value any
}

func (p Eq) Match(ctx *Context) bool {
	v, ok := ctx.Attr(p.Key)
	return ok && looseEqual(v, p.Value)
}

// In matches when the attribute equals any of the values.
type In struct {
	Key    string
	Values []any
}

func (p In) Match(ctx *Context) bool {
	v, ok := ctx.Attr(p.Key)
	if !ok {
		return false
	}
	for _, want := range p.Values {
		if looseEqual(v, want) {
			return true
		}
	}
	return false
}

// Comparison operators for Cmp.
const (
	OpLT = "lt"
	OpLE = "le"
	OpGT = "gt"
	OpGE = "ge"
)

// Cmp matches when the numeric attribute compares against the value.
type Cmp struct {
	Key   string
	Op    string
	Value float64
}

func (p Cmp) Match(ctx *Context) bool {
	v, ok := ctx.Attr(p.Key)
	if !ok {
		return false
	}
	n, ok := toFloat(v)
	if !ok {
		return false
	}
	switch p.Op {
	case OpLT:
		return n < p.Value
	case OpLE:
		return n <= p.Value
	case OpGT:
		return n > p.Value
	case OpGE:
		return n >= p.Value
	}
	return false
}

// TimeWindow matches when ctx.Now (UTC) falls inside [Start, End) expressed
// as "HH:MM". Windows may wrap midnight.
type TimeWindow struct {
	Start string
	End   string
}

func (p TimeWindow) Match(ctx *Context) bool {
	start, err1 := parseClock(p.Start)
	end, err2 := parseClock(p.End)
	if err1 != nil || err2 != nil {
		return false
	}
	now := ctx.Now.UTC()
	cur := now.Hour()*60 + now.Minute()
	if start <= end {
		return cur >= start && cur < end
	}
	return cur >= start || cur < end
}

// And matches when every child matches. An empty And matches.
type And []Predicate

func (p And) Match(ctx *Context) bool {
	for _, c := range p {
		if !c.Match(ctx) {
			return false
		}
	}
	return true
}

// Or matches when any child matches.
type Or []Predicate

func (p Or) Match(ctx *Context) bool {
	for _, c := range p {
		if c.Match(ctx) {
			return true
		}
	}
	return false
}

// Not inverts its child.
type Not struct {
	P Predicate
}

func (p Not) Match(ctx *Context) bool {
	return !p.P.Match(ctx)
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock out of range: %s", s)
	}
	return h*60 + m, nil
}

// looseEqual compares attribute values across the types yaml/json decoding
// produces (string, bool, int vs float64).
func looseEqual(a, b any) bool {
	if a == b {
		return true
	}
	na, aok := toFloat(a)
	nb, bok := toFloat(b)
	if aok && bok {
		return na == nb
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
