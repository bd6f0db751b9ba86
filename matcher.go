package policy

import "github.com/oarkflow/policy/utils"

// Matches reports whether a statement's resource, action and principal
// selectors all accept the evaluation context. Selectors are ANDed; an
// empty selector list is treated as the wildcard.
func (s *Statement) Matches(ec *Context) bool {
	if !matchSelectors(s.Resources, ec.Resource.ID, ec.Resource.Type) {
		return false
	}
	if !matchSelectors(s.Actions, ec.Action.ID, ec.Action.Type) {
		return false
	}
	return matchPrincipal(s.Principals, ec)
}

// matchSelectors accepts when any pattern matches the subject's id or
// equals its type.
func matchSelectors(patterns []string, id, typ string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		if typ != "" && p == typ {
			return true
		}
		if utils.MatchPattern(id, p) {
			return true
		}
	}
	return false
}

// matchPrincipal additionally accepts role names: a selector that equals
// one of the principal's roles matches.
func matchPrincipal(patterns []string, ec *Context) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == "*" {
			return true
		}
		if ec.Principal.Type != "" && p == ec.Principal.Type {
			return true
		}
		if utils.MatchPattern(ec.Principal.ID, p) {
			return true
		}
		for _, role := range ec.Principal.Roles {
			if p == role {
				return true
			}
		}
	}
	return false
}
