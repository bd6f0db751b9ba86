package policy

import "testing"

func TestStatementMatching(t *testing.T) {
	ec := testContext()

	cases := []struct {
		name string
		st   *Statement
		want bool
	}{
		{
			"wildcard everything",
			&Statement{Resources: []string{"*"}, Actions: []string{"*"}, Principals: []string{"*"}},
			true,
		},
		{
			"empty selectors behave as wildcards",
			&Statement{},
			true,
		},
		{
			"exact ids",
			&Statement{Resources: []string{"doc-42"}, Actions: []string{"read"}, Principals: []string{"user-1"}},
			true,
		},
		{
			"resource type",
			&Statement{Resources: []string{"document"}},
			true,
		},
		{
			"resource pattern",
			&Statement{Resources: []string{"doc-*"}},
			true,
		},
		{
			"principal by role",
			&Statement{Principals: []string{"editor"}},
			true,
		},
		{
			"principal role miss",
			&Statement{Principals: []string{"admin"}},
			false,
		},
		{
			"selectors are ANDed",
			&Statement{Resources: []string{"doc-42"}, Actions: []string{"delete"}},
			false,
		},
		{
			"resource miss",
			&Statement{Resources: []string{"invoice-*"}},
			false,
		},
		{
			"any pattern in a selector may match",
			&Statement{Resources: []string{"invoice-*", "doc-*"}},
			true,
		},
	}
	for _, tc := range cases {
		if got := tc.st.Matches(ec); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}
