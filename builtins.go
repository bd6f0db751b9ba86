package policy

import (
	"fmt"
	"net/netip"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/oarkflow/date"
)

// BuiltinFunc is the signature of registry functions callable from
// expressions. vars holds the policy-level variables of the document being
// evaluated; args are the already-evaluated call arguments.
type BuiltinFunc func(ctx *Context, vars map[string]any, args []any) (any, error)

// FunctionRegistry is the closed set of functions expressions may call.
// Callers extend it only through Register with deliberate, vetted Go
// implementations; there is no dynamic code loading.
type FunctionRegistry struct {
	mu    sync.RWMutex
	funcs map[string]BuiltinFunc
}

// NewFunctionRegistry returns a registry seeded with the standard builtins.
func NewFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{funcs: make(map[string]BuiltinFunc)}
	for name, fn := range defaultBuiltins() {
		r.funcs[name] = fn
	}
	return r
}

// Register adds or replaces a builtin. Name must be non-empty and fn non-nil.
func (r *FunctionRegistry) Register(name string, fn BuiltinFunc) error {
	if name == "" {
		return &ValidationError{Field: "function", Detail: "name must not be empty"}
	}
	if fn == nil {
		return &ValidationError{Field: "function", Detail: fmt.Sprintf("nil implementation for %q", name)}
	}
	r.mu.Lock()
	r.funcs[name] = fn
	r.mu.Unlock()
	return nil
}

// Resolve looks up a builtin by name.
func (r *FunctionRegistry) Resolve(name string) (BuiltinFunc, bool) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	return fn, ok
}

// Names returns the registered function names, for diagnostics.
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		out = append(out, n)
	}
	return out
}

func wantArgs(name string, args []any, n int) error {
	if len(args) != n {
		return &ArityError{Op: name, Want: fmt.Sprintf("%d", n), Got: len(args)}
	}
	return nil
}

func argTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return date.Parse(t)
	case nil:
		return time.Time{}, &ValidationError{Field: "date", Detail: "nil date value"}
	}
	return time.Time{}, &ValidationError{Field: "date", Detail: fmt.Sprintf("cannot interpret %T as a date", v)}
}

func defaultBuiltins() map[string]BuiltinFunc {
	return map[string]BuiltinFunc{
		"now": func(ctx *Context, _ map[string]any, args []any) (any, error) {
			if err := wantArgs("now", args, 0); err != nil {
				return nil, err
			}
			if ctx != nil && ctx.Environment != nil && !ctx.Environment.Timestamp.IsZero() {
				return ctx.Environment.Timestamp, nil
			}
			return time.Now(), nil
		},
		"dateAdd": func(_ *Context, _ map[string]any, args []any) (any, error) {
			if err := wantArgs("dateAdd", args, 3); err != nil {
				return nil, err
			}
			base, err := argTime(args[0])
			if err != nil {
				return nil, err
			}
			amount, ok := asFloat(args[1])
			if !ok {
				return nil, &ValidationError{Field: "dateAdd", Detail: "amount must be numeric"}
			}
			unit, _ := asString(args[2])
			var d time.Duration
			switch unit {
			case "seconds":
				d = time.Duration(amount * float64(time.Second))
			case "minutes":
				d = time.Duration(amount * float64(time.Minute))
			case "hours":
				d = time.Duration(amount * float64(time.Hour))
			case "days":
				d = time.Duration(amount * 24 * float64(time.Hour))
			default:
				return nil, &ValidationError{Field: "dateAdd", Detail: fmt.Sprintf("unknown unit %q", unit)}
			}
			return base.Add(d), nil
		},
		"toLowerCase": func(_ *Context, _ map[string]any, args []any) (any, error) {
			if err := wantArgs("toLowerCase", args, 1); err != nil {
				return nil, err
			}
			s, _ := asString(args[0])
			return strings.ToLower(s), nil
		},
		"toUpperCase": func(_ *Context, _ map[string]any, args []any) (any, error) {
			if err := wantArgs("toUpperCase", args, 1); err != nil {
				return nil, err
			}
			s, _ := asString(args[0])
			return strings.ToUpper(s), nil
		},
		"substring": func(_ *Context, _ map[string]any, args []any) (any, error) {
			if err := wantArgs("substring", args, 3); err != nil {
				return nil, err
			}
			s, _ := asString(args[0])
			from, ok1 := asFloat(args[1])
			to, ok2 := asFloat(args[2])
			if !ok1 || !ok2 {
				return nil, &ValidationError{Field: "substring", Detail: "bounds must be numeric"}
			}
			lo, hi := int(from), int(to)
			if lo < 0 {
				lo = 0
			}
			if hi > len(s) {
				hi = len(s)
			}
			if lo >= hi {
				return "", nil
			}
			return s[lo:hi], nil
		},
		"length": builtinSize("length"),
		"size":   builtinSize("size"),
		"isEmpty": func(_ *Context, _ map[string]any, args []any) (any, error) {
			if err := wantArgs("isEmpty", args, 1); err != nil {
				return nil, err
			}
			n, err := collectionLen(args[0])
			if err != nil {
				return nil, err
			}
			return n == 0, nil
		},
		"first": func(_ *Context, _ map[string]any, args []any) (any, error) {
			if err := wantArgs("first", args, 1); err != nil {
				return nil, err
			}
			return collectionEnd(args[0], false)
		},
		"last": func(_ *Context, _ map[string]any, args []any) (any, error) {
			if err := wantArgs("last", args, 1); err != nil {
				return nil, err
			}
			return collectionEnd(args[0], true)
		},
		"ipInRange": func(_ *Context, _ map[string]any, args []any) (any, error) {
			if err := wantArgs("ipInRange", args, 2); err != nil {
				return nil, err
			}
			ipStr, _ := asString(args[0])
			rangeStr, _ := asString(args[1])
			addr, err := netip.ParseAddr(ipStr)
			if err != nil {
				return false, nil
			}
			if prefix, err := netip.ParsePrefix(rangeStr); err == nil {
				return prefix.Contains(addr), nil
			}
			// Not CIDR notation; fall back to a textual prefix check so
			// ranges like "10.0." keep working.
			return strings.HasPrefix(ipStr, rangeStr), nil
		},
		"hasRole": func(ctx *Context, _ map[string]any, args []any) (any, error) {
			if len(args) != 1 && len(args) != 2 {
				return nil, &ArityError{Op: "hasRole", Want: "1 or 2", Got: len(args)}
			}
			// two-arg form: hasRole(roles, targetRole)
			if len(args) == 2 {
				role, _ := asString(args[1])
				return memberOf(role, args[0]), nil
			}
			// one-arg form checks the principal's own roles
			role, _ := asString(args[0])
			if ctx == nil || ctx.Principal == nil {
				return false, nil
			}
			for _, r := range ctx.Principal.Roles {
				if r == role {
					return true, nil
				}
			}
			return false, nil
		},
		"hasAttribute": func(ctx *Context, _ map[string]any, args []any) (any, error) {
			if err := wantArgs("hasAttribute", args, 1); err != nil {
				return nil, err
			}
			path, _ := asString(args[0])
			if ctx == nil || path == "" {
				return false, nil
			}
			v, ok := ctx.lookupPath(path)
			return ok && v != nil, nil
		},
	}
}

func builtinSize(name string) BuiltinFunc {
	return func(_ *Context, _ map[string]any, args []any) (any, error) {
		if err := wantArgs(name, args, 1); err != nil {
			return nil, err
		}
		n, err := collectionLen(args[0])
		if err != nil {
			return nil, err
		}
		return n, nil
	}
}

func collectionLen(v any) (int, error) {
	switch vv := v.(type) {
	case nil:
		return 0, nil
	case string:
		return len(vv), nil
	case []any:
		return len(vv), nil
	case []string:
		return len(vv), nil
	case map[string]any:
		return len(vv), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return 0, &ValidationError{Field: "collection", Detail: fmt.Sprintf("%T has no length", v)}
}

func collectionEnd(v any, last bool) (any, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case []any:
		if len(vv) == 0 {
			return nil, nil
		}
		if last {
			return vv[len(vv)-1], nil
		}
		return vv[0], nil
	case []string:
		if len(vv) == 0 {
			return nil, nil
		}
		if last {
			return vv[len(vv)-1], nil
		}
		return vv[0], nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if rv.Len() == 0 {
			return nil, nil
		}
		if last {
			return rv.Index(rv.Len() - 1).Interface(), nil
		}
		return rv.Index(0).Interface(), nil
	}
	return nil, &ValidationError{Field: "collection", Detail: fmt.Sprintf("%T is not a list", v)}
}
