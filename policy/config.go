package policy

import "fmt"

// ConditionConfig is the declarative condition shape loaded from the policy
// source file. Exactly one field group should be set per node; groups
// combine with implicit AND when several are present.
type ConditionConfig struct {
	Eq    map[string]any            `koanf:"eq" json:"eq,omitempty"`
	In    map[string][]any          `koanf:"in" json:"in,omitempty"`
	Cmp   map[string]map[string]any `koanf:"cmp" json:"cmp,omitempty"`
	Time  *TimeWindowConfig         `koanf:"time" json:"time,omitempty"`
	AllOf []ConditionConfig         `koanf:"all_of" json:"all_of,omitempty"`
	AnyOf []ConditionConfig         `koanf:"any_of" json:"any_of,omitempty"`
	Not   *ConditionConfig          `koanf:"not" json:"not,omitempty"`
}

// TimeWindowConfig bounds a rule to a UTC clock window.
type TimeWindowConfig struct {
	Start string `koanf:"start" json:"start"`
	End   string `koanf:"end" json:"end"`
}

// RuleConfig is one rule as authored in the policy source.
type RuleConfig struct {
	Name      string           `koanf:"name" json:"name"`
	Priority  int              `koanf:"priority" json:"priority"`
	Effect    string           `koanf:"effect" json:"effect"`
	Target    string           `koanf:"target" json:"target"`
	Condition *ConditionConfig `koanf:"condition" json:"condition,omitempty"`
}

// CompileConfig compiles authored rules into an immutable RuleSet.
func CompileConfig(cfgs []RuleConfig) (*RuleSet, error) {
	rules := make([]Rule, 0, len(cfgs))
	for _, rc := range cfgs {
		var cond Predicate
		if rc.Condition != nil {
			p, err := compileCondition(*rc.Condition)
			if err != nil {
				return nil, fmt.Errorf("policy: rule %q: %w", rc.Name, err)
			}
			cond = p
		}
		rules = append(rules, Rule{
			Name:     rc.Name,
			Priority: rc.Priority,
			Effect:   Effect(rc.Effect),
			Target:   rc.Target,
			Cond:     cond,
		})
	}
	return Compile(rules)
}

func compileCondition(cc ConditionConfig) (Predicate, error) {
	var parts And
	for k, v := range cc.Eq {
		parts = append(parts, Eq{Key: k, Value: v})
	}
	for k, vs := range cc.In {
		parts = append(parts, In{Key: k, Values: vs})
	}
	for k, ops := range cc.Cmp {
		for op, v := range ops {
			n, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("cmp %s.%s: non-numeric value %v", k, op, v)
			}
			switch op {
			case OpLT, OpLE, OpGT, OpGE:
			default:
				return nil, fmt.Errorf("cmp %s: unknown operator %q", k, op)
			}
			parts = append(parts, Cmp{Key: k, Op: op, Value: n})
		}
	}
	if cc.Time != nil {
		if _, err := parseClock(cc.Time.Start); err != nil {
			return nil, fmt.Errorf("time window start: %w", err)
		}
		if _, err := parseClock(cc.Time.End); err != nil {
			return nil, fmt.Errorf("time window end: %w", err)
		}
		parts = append(parts, TimeWindow{Start: cc.Time.Start, End: cc.Time.End})
	}
	for _, sub := range cc.AllOf {
		p, err := compileCondition(sub)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	if len(cc.AnyOf) > 0 {
		var alt Or
		for _, sub := range cc.AnyOf {
			p, err := compileCondition(sub)
			if err != nil {
				return nil, err
			}
			alt = append(alt, p)
		}
		parts = append(parts, alt)
	}
	if cc.Not != nil {
		p, err := compileCondition(*cc.Not)
		if err != nil {
			return nil, err
		}
		parts = append(parts, Not{P: p})
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts, nil
}
