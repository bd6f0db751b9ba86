package policy

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"
)

// ExprKind tags the shape of an expression node.
type ExprKind string

const (
	ExprLiteral  ExprKind = "literal"
	ExprVariable ExprKind = "variable"
	ExprFunction ExprKind = "function"
	ExprOperator ExprKind = "operator"
	// ExprCondition is a reserved tag, structurally identical to operator.
	ExprCondition ExprKind = "condition"
)

// Expression is a recursive, tagged expression node. Exactly the fields
// relevant to the Kind are populated:
//
//	literal   — Value
//	variable  — Name (dotted path)
//	function  — Name, Args
//	operator  — Op, Args
//
// Expressions are acyclic trees; evaluation depth is bounded by the engine's
// MaxEvaluationDepth.
type Expression struct {
	Kind  ExprKind      `json:"type" yaml:"type"`
	Value any           `json:"value,omitempty" yaml:"value,omitempty"`
	Name  string        `json:"name,omitempty" yaml:"name,omitempty"`
	Op    string        `json:"operator,omitempty" yaml:"operator,omitempty"`
	Args  []*Expression `json:"args,omitempty" yaml:"args,omitempty"`
}

// operator arities. -1 means variadic (two or more).
var operatorArity = map[string]int{
	"and": -1, "or": -1,
	"not": 1, "exists": 1,
	"eq": 2, "ne": 2, "gt": 2, "gte": 2, "lt": 2, "lte": 2,
	"in": 2, "nin": 2, "contains": 2, "matches": 2,
}

// evalState carries the per-evaluation environment through the recursion.
type evalState struct {
	ctx      *Context
	doc      *Document
	registry *FunctionRegistry
	maxDepth int
	deadline time.Time
	budget   time.Duration
}

func (s *evalState) eval(e *Expression, locals map[string]any, depth int) (any, error) {
	if depth > s.maxDepth {
		return nil, &MaxDepthExceededError{Depth: s.maxDepth}
	}
	if !s.deadline.IsZero() && time.Now().After(s.deadline) {
		return nil, &EvaluationTimeoutError{Budget: s.budget.String()}
	}
	if e == nil {
		return nil, nil
	}

	switch e.Kind {
	case ExprLiteral:
		return e.Value, nil

	case ExprVariable:
		if locals != nil {
			if v, ok := locals[e.Name]; ok {
				return v, nil
			}
		}
		if s.doc != nil {
			if v, ok := s.doc.Variables[e.Name]; ok {
				return v, nil
			}
		}
		if v, ok := s.ctx.lookupPath(e.Name); ok {
			return v, nil
		}
		return nil, nil

	case ExprFunction:
		args := make([]any, len(e.Args))
		for i, a := range e.Args {
			v, err := s.eval(a, locals, depth+1)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		if fn, ok := s.registry.Resolve(e.Name); ok {
			return fn(s.ctx, s.docVariables(), args)
		}
		if s.doc != nil {
			if def, ok := s.doc.Functions[e.Name]; ok {
				return s.callLocal(e.Name, def, args, depth)
			}
		}
		return nil, &UnknownFunctionError{Name: e.Name}

	case ExprOperator, ExprCondition:
		return s.evalOperator(e, locals, depth)
	}
	return nil, &ValidationError{Field: "expression", Detail: fmt.Sprintf("unknown expression kind %q", e.Kind)}
}

// callLocal invokes a policy-local function: a fresh scope binding the
// declared parameters over the policy variables, nothing else.
func (s *evalState) callLocal(name string, def *FunctionDef, args []any, depth int) (any, error) {
	if len(args) != len(def.Params) {
		return nil, &ArityError{Op: name, Want: fmt.Sprintf("%d", len(def.Params)), Got: len(args)}
	}
	frame := make(map[string]any, len(def.Params))
	for i, p := range def.Params {
		frame[p] = args[i]
	}
	return s.eval(def.Body, frame, depth+1)
}

func (s *evalState) docVariables() map[string]any {
	if s.doc == nil {
		return nil
	}
	return s.doc.Variables
}

func (s *evalState) evalOperator(e *Expression, locals map[string]any, depth int) (any, error) {
	arity, ok := operatorArity[e.Op]
	if !ok {
		return nil, &ValidationError{Field: "operator", Detail: fmt.Sprintf("unknown operator %q", e.Op)}
	}
	if arity == -1 {
		if len(e.Args) < 2 {
			return nil, &ArityError{Op: e.Op, Want: "2 or more", Got: len(e.Args)}
		}
	} else if len(e.Args) != arity {
		return nil, &ArityError{Op: e.Op, Want: fmt.Sprintf("%d", arity), Got: len(e.Args)}
	}

	switch e.Op {
	case "and":
		for _, a := range e.Args {
			v, err := s.eval(a, locals, depth+1)
			if err != nil {
				return nil, err
			}
			if !Truthy(v) {
				return false, nil
			}
		}
		return true, nil

	case "or":
		for _, a := range e.Args {
			v, err := s.eval(a, locals, depth+1)
			if err != nil {
				return nil, err
			}
			if Truthy(v) {
				return true, nil
			}
		}
		return false, nil

	case "not":
		v, err := s.eval(e.Args[0], locals, depth+1)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil

	case "exists":
		v, err := s.eval(e.Args[0], locals, depth+1)
		if err != nil {
			return nil, err
		}
		return v != nil, nil
	}

	left, err := s.eval(e.Args[0], locals, depth+1)
	if err != nil {
		return nil, err
	}
	right, err := s.eval(e.Args[1], locals, depth+1)
	if err != nil {
		return nil, err
	}

	switch e.Op {
	case "eq":
		return looseEqual(left, right), nil
	case "ne":
		return !looseEqual(left, right), nil
	case "gt", "gte", "lt", "lte":
		c, ok := compareValues(left, right)
		if !ok {
			return false, nil
		}
		switch e.Op {
		case "gt":
			return c > 0, nil
		case "gte":
			return c >= 0, nil
		case "lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "in":
		return memberOf(left, right), nil
	case "nin":
		return !memberOf(left, right), nil
	case "contains":
		return containsValue(left, right), nil
	case "matches":
		str, ok := asString(left)
		if !ok {
			return false, nil
		}
		pat, ok := asString(right)
		if !ok {
			return false, nil
		}
		matched, err := regexp.MatchString(pat, str)
		if err != nil {
			return nil, &ValidationError{Field: "matches", Detail: err.Error()}
		}
		return matched, nil
	}
	return nil, &ValidationError{Field: "operator", Detail: fmt.Sprintf("unknown operator %q", e.Op)}
}

// Truthy applies the engine's boolean coercion: nil and zero values are
// false, non-empty strings/slices/maps and non-zero numbers are true.
func Truthy(v any) bool {
	switch vv := v.(type) {
	case nil:
		return false
	case bool:
		return vv
	case string:
		return vv != ""
	case int:
		return vv != 0
	case int64:
		return vv != 0
	case float64:
		return vv != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asFloat(v any) (float64, bool) {
	switch vv := v.(type) {
	case int:
		return float64(vv), true
	case int32:
		return float64(vv), true
	case int64:
		return float64(vv), true
	case float32:
		return float64(vv), true
	case float64:
		return vv, true
	}
	return 0, false
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b any) bool {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			return af == bf
		}
		return false
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values when they are comparable: numbers,
// strings, or times. Returns ok=false for incomparable operands.
func compareValues(a, b any) (int, bool) {
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return strings.Compare(as, bs), true
		}
		return 0, false
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			switch {
			case at.Before(bt):
				return -1, true
			case at.After(bt):
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return 0, false
}

// memberOf reports whether needle is an element of haystack (array) or a
// substring of haystack (string).
func memberOf(needle, haystack any) bool {
	switch h := haystack.(type) {
	case string:
		n, ok := asString(needle)
		return ok && strings.Contains(h, n)
	case []string:
		for _, it := range h {
			if looseEqual(needle, it) {
				return true
			}
		}
		return false
	case []any:
		for _, it := range h {
			if looseEqual(needle, it) {
				return true
			}
		}
		return false
	}
	rv := reflect.ValueOf(haystack)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			if looseEqual(needle, rv.Index(i).Interface()) {
				return true
			}
		}
	}
	return false
}

// containsValue supports both substring and array-membership semantics
// depending on the left operand's runtime type.
func containsValue(container, item any) bool {
	if s, ok := container.(string); ok {
		is, ok := asString(item)
		return ok && strings.Contains(s, is)
	}
	return memberOf(item, container)
}

// validateExpression walks a tree checking structure, operator names and
// arities, and that every referenced function resolves to a builtin or a
// policy-local function. depth guards against pathologically deep trees at
// authoring time so they are rejected before they can reach the evaluator.
func validateExpression(e *Expression, doc *Document, registry *FunctionRegistry, maxDepth, depth int) error {
	if e == nil {
		return nil
	}
	if depth > maxDepth {
		return &MaxDepthExceededError{Depth: maxDepth}
	}
	switch e.Kind {
	case ExprLiteral:
		return nil
	case ExprVariable:
		if e.Name == "" {
			return &ValidationError{Field: "expression", Detail: "variable node missing name"}
		}
		return nil
	case ExprFunction:
		if e.Name == "" {
			return &ValidationError{Field: "expression", Detail: "function node missing name"}
		}
		if _, ok := registry.Resolve(e.Name); !ok {
			if doc == nil || doc.Functions[e.Name] == nil {
				return &ValidationError{Field: "expression", Detail: (&UnknownFunctionError{Name: e.Name}).Error()}
			}
		}
	case ExprOperator, ExprCondition:
		arity, ok := operatorArity[e.Op]
		if !ok {
			return &ValidationError{Field: "expression", Detail: fmt.Sprintf("unknown operator %q", e.Op)}
		}
		if arity == -1 {
			if len(e.Args) < 2 {
				return &ValidationError{Field: "expression", Detail: (&ArityError{Op: e.Op, Want: "2 or more", Got: len(e.Args)}).Error()}
			}
		} else if len(e.Args) != arity {
			return &ValidationError{Field: "expression", Detail: (&ArityError{Op: e.Op, Want: fmt.Sprintf("%d", arity), Got: len(e.Args)}).Error()}
		}
	default:
		return &ValidationError{Field: "expression", Detail: fmt.Sprintf("unknown expression kind %q", e.Kind)}
	}
	for _, a := range e.Args {
		if err := validateExpression(a, doc, registry, maxDepth, depth+1); err != nil {
			return err
		}
	}
	return nil
}
