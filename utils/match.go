package utils

import "strings"

// MatchPattern matches a plain value against a pattern containing '*'
// wildcards and ':' parameters. A trailing '*' matches any suffix, an
// embedded '*' matches up to the next '/', and ':name' parameters match a
// single path segment. Used for resource, action and principal patterns
// such as "repo:*" or "repos/:id/pulls".
func MatchPattern(value, pattern string) bool {
	if pattern == "*" {
		return true
	}

	// Hierarchical wildcard: "docs/*" accepts the node itself as well as
	// its descendants.
	if strings.HasSuffix(pattern, "/*") && value == strings.TrimSuffix(pattern, "/*") {
		return true
	}

	vIndex, pIndex := 0, 0
	vLen, pLen := len(value), len(pattern)

	for pIndex < pLen {
		switch pattern[pIndex] {
		case '*':
			if pIndex == pLen-1 {
				return true
			}
			for vIndex < vLen && value[vIndex] != '/' {
				vIndex++
			}
			pIndex++
		case ':':
			pIndex++
			for pIndex < pLen && pattern[pIndex] != '/' {
				pIndex++
			}
			for vIndex < vLen && value[vIndex] != '/' {
				vIndex++
			}
		default:
			if vIndex < vLen && pattern[pIndex] == value[vIndex] {
				vIndex++
				pIndex++
			} else {
				return false
			}
		}
	}

	return vIndex == vLen && pIndex == pLen
}
