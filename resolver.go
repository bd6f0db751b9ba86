package policy

import "fmt"

// Strategy selects how conflicting applicable statements combine into a
// single decision.
type Strategy string

const (
	// StrategyFirstApplicable returns the first applicable statement's
	// effect in scan order.
	StrategyFirstApplicable Strategy = "first-applicable"
	// StrategyDenyOverrides denies when any applicable statement denies.
	StrategyDenyOverrides Strategy = "deny-overrides"
	// StrategyAllowOverrides allows when any applicable statement allows.
	StrategyAllowOverrides Strategy = "allow-overrides"
	// StrategyHighestPriority takes the effect of the statement with the
	// highest priority; ties keep the first one encountered.
	StrategyHighestPriority Strategy = "highest-priority"
)

// ValidStrategy reports whether s names a known resolution strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyFirstApplicable, StrategyDenyOverrides, StrategyAllowOverrides, StrategyHighestPriority:
		return true
	}
	return false
}

// resolve combines the applicable statements under the given strategy.
// With no applicable statements the default effect is returned.
func resolve(strategy Strategy, applied []AppliedStatement, defaultEffect Effect) (Effect, string) {
	if len(applied) == 0 {
		return defaultEffect, "no applicable statements"
	}

	switch strategy {
	case StrategyFirstApplicable:
		first := applied[0]
		return first.Effect, fmt.Sprintf("first applicable statement %s of policy %s", first.StatementID, first.PolicyID)

	case StrategyDenyOverrides:
		if d, ok := topByEffect(applied, EffectDeny); ok {
			return EffectDeny, fmt.Sprintf("denied by statement %s of policy %s", d.StatementID, d.PolicyID)
		}
		if a, ok := topByEffect(applied, EffectAllow); ok {
			return EffectAllow, fmt.Sprintf("allowed by statement %s of policy %s", a.StatementID, a.PolicyID)
		}
		return defaultEffect, "no applicable statements"

	case StrategyAllowOverrides:
		if a, ok := topByEffect(applied, EffectAllow); ok {
			return EffectAllow, fmt.Sprintf("allowed by statement %s of policy %s", a.StatementID, a.PolicyID)
		}
		if d, ok := topByEffect(applied, EffectDeny); ok {
			return EffectDeny, fmt.Sprintf("denied by statement %s of policy %s", d.StatementID, d.PolicyID)
		}
		return defaultEffect, "no applicable statements"

	case StrategyHighestPriority:
		best := applied[0]
		for _, a := range applied[1:] {
			if a.Priority > best.Priority {
				best = a
			}
		}
		return best.Effect, fmt.Sprintf("highest priority statement %s of policy %s (priority %d)", best.StatementID, best.PolicyID, best.Priority)
	}

	// Unknown strategies never reach evaluation; options and config reject
	// them up front.
	return defaultEffect, fmt.Sprintf("unknown conflict resolution strategy %q", strategy)
}

// topByEffect returns the highest-priority applied statement carrying the
// given effect; priority ties keep the first one in scan order.
func topByEffect(applied []AppliedStatement, effect Effect) (AppliedStatement, bool) {
	var best AppliedStatement
	found := false
	for _, a := range applied {
		if a.Effect != effect {
			continue
		}
		if !found || a.Priority > best.Priority {
			best = a
			found = true
		}
	}
	return best, found
}
