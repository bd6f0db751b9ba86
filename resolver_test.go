package policy

import "testing"

func TestResolveNoApplicableStatements(t *testing.T) {
	effect, reason := resolve(StrategyDenyOverrides, nil, EffectDeny)
	if effect != EffectDeny {
		t.Fatalf("expected default deny, got %s", effect)
	}
	if reason != "no applicable statements" {
		t.Fatalf("unexpected reason %q", reason)
	}

	effect, _ = resolve(StrategyDenyOverrides, nil, EffectAllow)
	if effect != EffectAllow {
		t.Fatalf("default should be respected, got %s", effect)
	}
}

func TestResolveFirstApplicable(t *testing.T) {
	applied := []AppliedStatement{
		{PolicyID: "p1", StatementID: "s1", Effect: EffectAllow},
		{PolicyID: "p1", StatementID: "s2", Effect: EffectDeny},
	}
	effect, _ := resolve(StrategyFirstApplicable, applied, EffectDeny)
	if effect != EffectAllow {
		t.Fatalf("expected first statement's allow, got %s", effect)
	}
}

func TestResolveDenyOverrides(t *testing.T) {
	applied := []AppliedStatement{
		{PolicyID: "p1", StatementID: "s1", Effect: EffectAllow},
		{PolicyID: "p2", StatementID: "s2", Effect: EffectDeny},
	}
	effect, _ := resolve(StrategyDenyOverrides, applied, EffectDeny)
	if effect != EffectDeny {
		t.Fatalf("any deny should win, got %s", effect)
	}

	allAllow := []AppliedStatement{
		{PolicyID: "p1", StatementID: "s1", Effect: EffectAllow},
	}
	effect, _ = resolve(StrategyDenyOverrides, allAllow, EffectDeny)
	if effect != EffectAllow {
		t.Fatalf("no deny means allow, got %s", effect)
	}
}

func TestResolveDenyOverridesCitesHighestPriorityDeny(t *testing.T) {
	applied := []AppliedStatement{
		{PolicyID: "p", StatementID: "low-deny", Effect: EffectDeny, Priority: 1},
		{PolicyID: "p", StatementID: "high-deny", Effect: EffectDeny, Priority: 100},
	}
	effect, reason := resolve(StrategyDenyOverrides, applied, EffectDeny)
	if effect != EffectDeny {
		t.Fatalf("expected deny, got %s", effect)
	}
	if reason != "denied by statement high-deny of policy p" {
		t.Fatalf("reason must cite the highest-priority deny, got %q", reason)
	}

	// priority ties keep the first statement in scan order
	tied := []AppliedStatement{
		{PolicyID: "p", StatementID: "first", Effect: EffectDeny, Priority: 5},
		{PolicyID: "p", StatementID: "second", Effect: EffectDeny, Priority: 5},
	}
	_, reason = resolve(StrategyDenyOverrides, tied, EffectDeny)
	if reason != "denied by statement first of policy p" {
		t.Fatalf("tie should keep scan order, got %q", reason)
	}

	// the allow fallback cites the highest-priority allow the same way
	allAllow := []AppliedStatement{
		{PolicyID: "p", StatementID: "low-allow", Effect: EffectAllow, Priority: 1},
		{PolicyID: "p", StatementID: "high-allow", Effect: EffectAllow, Priority: 9},
	}
	effect, reason = resolve(StrategyDenyOverrides, allAllow, EffectDeny)
	if effect != EffectAllow {
		t.Fatalf("expected allow, got %s", effect)
	}
	if reason != "allowed by statement high-allow of policy p" {
		t.Fatalf("reason must cite the highest-priority allow, got %q", reason)
	}
}

func TestResolveAllowOverridesCitesHighestPriorityAllow(t *testing.T) {
	applied := []AppliedStatement{
		{PolicyID: "p", StatementID: "low-allow", Effect: EffectAllow, Priority: 2},
		{PolicyID: "p", StatementID: "high-allow", Effect: EffectAllow, Priority: 20},
		{PolicyID: "p", StatementID: "some-deny", Effect: EffectDeny, Priority: 50},
	}
	effect, reason := resolve(StrategyAllowOverrides, applied, EffectDeny)
	if effect != EffectAllow {
		t.Fatalf("expected allow, got %s", effect)
	}
	if reason != "allowed by statement high-allow of policy p" {
		t.Fatalf("reason must cite the highest-priority allow, got %q", reason)
	}
}

func TestResolveAllowOverrides(t *testing.T) {
	applied := []AppliedStatement{
		{PolicyID: "p1", StatementID: "s1", Effect: EffectDeny},
		{PolicyID: "p2", StatementID: "s2", Effect: EffectAllow},
	}
	effect, _ := resolve(StrategyAllowOverrides, applied, EffectDeny)
	if effect != EffectAllow {
		t.Fatalf("any allow should win, got %s", effect)
	}

	allDeny := []AppliedStatement{
		{PolicyID: "p1", StatementID: "s1", Effect: EffectDeny},
	}
	effect, _ = resolve(StrategyAllowOverrides, allDeny, EffectAllow)
	if effect != EffectDeny {
		t.Fatalf("no allow means deny, got %s", effect)
	}
}

func TestResolveHighestPriority(t *testing.T) {
	applied := []AppliedStatement{
		{PolicyID: "p1", StatementID: "low", Effect: EffectAllow, Priority: 1},
		{PolicyID: "p1", StatementID: "high", Effect: EffectDeny, Priority: 10},
		{PolicyID: "p2", StatementID: "mid", Effect: EffectAllow, Priority: 5},
	}
	effect, _ := resolve(StrategyHighestPriority, applied, EffectDeny)
	if effect != EffectDeny {
		t.Fatalf("priority 10 deny should win, got %s", effect)
	}
}

func TestResolveHighestPriorityTieKeepsScanOrder(t *testing.T) {
	// equal priorities: the first statement encountered wins, every time
	applied := []AppliedStatement{
		{PolicyID: "p1", StatementID: "a", Effect: EffectAllow, Priority: 7},
		{PolicyID: "p1", StatementID: "b", Effect: EffectDeny, Priority: 7},
	}
	for i := 0; i < 50; i++ {
		effect, reason := resolve(StrategyHighestPriority, applied, EffectDeny)
		if effect != EffectAllow {
			t.Fatalf("tie should keep the first statement, got %s (%s)", effect, reason)
		}
	}
}

func TestValidStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyFirstApplicable, StrategyDenyOverrides, StrategyAllowOverrides, StrategyHighestPriority} {
		if !ValidStrategy(s) {
			t.Fatalf("%s should be valid", s)
		}
	}
	if ValidStrategy("most-specific") {
		t.Fatalf("unknown strategy should be invalid")
	}
}
