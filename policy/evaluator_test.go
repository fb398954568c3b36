package policy

import (
	"testing"
	"time"
)

func mustCompile(t *testing.T, rules []Rule) *RuleSet {
	t.Helper()
	set, err := Compile(rules)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return set
}

func TestEvaluateDefaultDeny(t *testing.T) {
	set := mustCompile(t, nil)
	d := set.Evaluate(&Context{ActorID: "agent-1", Scopes: []string{"tickets:read"}})
	if d.Allow {
		t.Fatal("empty rule set allowed a request")
	}
	if d.MatchedPolicy != "" {
		t.Errorf("MatchedPolicy = %q, want empty", d.MatchedPolicy)
	}
}

func TestEvaluatePriorityOrdering(t *testing.T) {
	set := mustCompile(t, []Rule{
		{Name: "allow-tickets", Priority: 50, Effect: Allow, Target: "tickets:*"},
		{Name: "deny-sensitive", Priority: 100, Effect: Deny, Target: "tickets:admin"},
	})

	d := set.Evaluate(&Context{Scopes: []string{"tickets:admin"}})
	if d.Allow || d.MatchedPolicy != "deny-sensitive" {
		t.Errorf("got %+v, want deny by deny-sensitive", d)
	}

	d = set.Evaluate(&Context{Scopes: []string{"tickets:read"}})
	if !d.Allow || d.MatchedPolicy != "allow-tickets" {
		t.Errorf("got %+v, want allow by allow-tickets", d)
	}
}

func TestEvaluateEqualPriorityIsConfigOrder(t *testing.T) {
	set := mustCompile(t, []Rule{
		{Name: "first", Priority: 10, Effect: Deny, Target: "*"},
		{Name: "second", Priority: 10, Effect: Allow, Target: "*"},
	})
	d := set.Evaluate(&Context{Scopes: []string{"anything"}})
	if d.Allow || d.MatchedPolicy != "first" {
		t.Errorf("got %+v, want first rule in config order to win", d)
	}
}

func TestEvaluateTargetMatching(t *testing.T) {
	set := mustCompile(t, []Rule{
		{Name: "tools", Priority: 5, Effect: Allow, Target: "browser"},
	})

	if d := set.Evaluate(&Context{Tools: []string{"browser"}}); !d.Allow {
		t.Error("target should match against tools")
	}
	if d := set.Evaluate(&Context{Scopes: []string{"tickets:read"}}); d.Allow {
		t.Error("target matched an unrelated scope")
	}
}

func TestEvaluateConditions(t *testing.T) {
	set := mustCompile(t, []Rule{
		{
			Name:     "allow-agent-1",
			Priority: 10,
			Effect:   Allow,
			Target:   "*",
			Cond:     Eq{Key: "actor_id", Value: "agent-1"},
		},
	})

	if d := set.Evaluate(&Context{ActorID: "agent-1", Scopes: []string{"x"}}); !d.Allow {
		t.Error("condition on actor_id should have matched")
	}
	if d := set.Evaluate(&Context{ActorID: "agent-2", Scopes: []string{"x"}}); d.Allow {
		t.Error("condition should have rejected a different actor")
	}
}

func TestEvaluateTimeWindow(t *testing.T) {
	set := mustCompile(t, []Rule{
		{
			Name:     "business-hours",
			Priority: 10,
			Effect:   Allow,
			Target:   "*",
			Cond:     TimeWindow{Start: "09:00", End: "17:00"},
		},
	})

	inside := time.Date(2026, 8, 31, 12, 30, 0, 0, time.UTC)
	outside := time.Date(2026, 8, 31, 3, 0, 0, 0, time.UTC)
	if d := set.Evaluate(&Context{Scopes: []string{"x"}, Now: inside}); !d.Allow {
		t.Error("12:30 should be inside 09:00-17:00")
	}
	if d := set.Evaluate(&Context{Scopes: []string{"x"}, Now: outside}); d.Allow {
		t.Error("03:00 should be outside 09:00-17:00")
	}
}

func TestEvaluateTimeWindowMidnightWrap(t *testing.T) {
	set := mustCompile(t, []Rule{
		{
			Name:     "night-shift",
			Priority: 10,
			Effect:   Allow,
			Target:   "*",
			Cond:     TimeWindow{Start: "22:00", End: "06:00"},
		},
	})

	if d := set.Evaluate(&Context{Scopes: []string{"x"}, Now: time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)}); !d.Allow {
		t.Error("23:00 should be inside 22:00-06:00")
	}
	if d := set.Evaluate(&Context{Scopes: []string{"x"}, Now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)}); d.Allow {
		t.Error("12:00 should be outside 22:00-06:00")
	}
}

func TestCompileRejectsBadRules(t *testing.T) {
	if _, err := Compile([]Rule{{Name: "x", Effect: "maybe"}}); err == nil {
		t.Error("Compile accepted an invalid effect")
	}
	if _, err := Compile([]Rule{{Effect: Allow}}); err == nil {
		t.Error("Compile accepted an unnamed rule")
	}
}

func TestSnapshotReload(t *testing.T) {
	deny := mustCompile(t, nil)
	allow := mustCompile(t, []Rule{{Name: "open", Priority: 1, Effect: Allow, Target: "*"}})

	snap := NewSnapshot(deny)
	if d := snap.Evaluate(&Context{Scopes: []string{"x"}}); d.Allow {
		t.Fatal("initial snapshot should deny")
	}

	snap.Reload(allow)
	if d := snap.Evaluate(&Context{Scopes: []string{"x"}}); !d.Allow {
		t.Fatal("reloaded snapshot should allow")
	}
	if snap.Active().Len() != 1 {
		t.Errorf("Active().Len() = %d, want 1", snap.Active().Len())
	}
}

func TestSnapshotNilSetDenies(t *testing.T) {
	snap := NewSnapshot(nil)
	if d := snap.Evaluate(&Context{Scopes: []string{"x"}}); d.Allow {
		t.Fatal("nil rule set should deny")
	}
}

func TestCompileConfig(t *testing.T) {
	set, err := CompileConfig([]RuleConfig{
		{
			Name:     "deny-after-hours",
			Priority: 100,
			Effect:   "deny",
			Target:   "payments:*",
			Condition: &ConditionConfig{
				Not: &ConditionConfig{Time: &TimeWindowConfig{Start: "09:00", End: "17:00"}},
			},
		},
		{Name: "allow-rest", Priority: 1, Effect: "allow", Target: "*"},
	})
	if err != nil {
		t.Fatalf("CompileConfig: %v", err)
	}

	night := time.Date(2026, 8, 31, 2, 0, 0, 0, time.UTC)
	day := time.Date(2026, 8, 31, 11, 0, 0, 0, time.UTC)

	if d := set.Evaluate(&Context{Scopes: []string{"payments:send"}, Now: night}); d.Allow {
		t.Error("payments at night should be denied")
	}
	if d := set.Evaluate(&Context{Scopes: []string{"payments:send"}, Now: day}); !d.Allow {
		t.Error("payments during the day should fall through to allow-rest")
	}
}

func TestCompileConfigRejectsBadCondition(t *testing.T) {
	_, err := CompileConfig([]RuleConfig{{
		Name:      "bad",
		Effect:    "allow",
		Condition: &ConditionConfig{Cmp: map[string]map[string]any{"depth": {"??": 3}}},
	}})
	if err == nil {
		t.Fatal("CompileConfig accepted an unknown cmp operator")
	}
}
