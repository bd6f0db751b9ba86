package policy

import (
	"sort"
	"strings"
	"time"
)

// Effect is the outcome a statement asserts, or the final decision effect.
type Effect string

const (
	EffectAllow         Effect = "allow"
	EffectDeny          Effect = "deny"
	EffectIndeterminate Effect = "indeterminate"
)

// Principal represents who is requesting access.
type Principal struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type" yaml:"type"` // user, service, device
	Roles      []string       `json:"roles" yaml:"roles"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Resource represents what is being accessed.
type Resource struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type" yaml:"type"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// ActionRef represents how the resource is being accessed.
type ActionRef struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type,omitempty" yaml:"type,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// Environment carries ambient request metadata (time, network, session).
type Environment struct {
	Timestamp time.Time      `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	IP        string         `json:"ip,omitempty" yaml:"ip,omitempty"`
	SessionID string         `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	Extra     map[string]any `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Request carries transport-level metadata when a decision gates an HTTP call.
type Request struct {
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Path    string            `json:"path,omitempty" yaml:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty" yaml:"body,omitempty"`
}

// Context is the sole input to a decision. It must be fully self-contained;
// the engine never performs I/O to resolve missing fields.
type Context struct {
	Principal   *Principal   `json:"principal" yaml:"principal"`
	Resource    *Resource    `json:"resource" yaml:"resource"`
	Action      *ActionRef   `json:"action" yaml:"action"`
	Environment *Environment `json:"environment,omitempty" yaml:"environment,omitempty"`
	Request     *Request     `json:"request,omitempty" yaml:"request,omitempty"`
}

// Statement is a single allow/deny rule scoped by resource/action/principal
// patterns and an optional condition. A statement with no condition is
// unconditionally applicable once its patterns match.
type Statement struct {
	ID         string         `json:"id" yaml:"id"`
	Effect     Effect         `json:"effect" yaml:"effect"`
	Priority   int            `json:"priority" yaml:"priority"` // higher wins under priority strategies
	Resources  []string       `json:"resources" yaml:"resources"`
	Actions    []string       `json:"actions" yaml:"actions"`
	Principals []string       `json:"principals" yaml:"principals"`
	Condition  *Expression    `json:"condition,omitempty" yaml:"condition,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// FunctionDef is a policy-local, expression-bodied function. Bodies are pure
// value-in/value-out expression trees compiled-checked at authoring time;
// there is no dynamic code execution.
type FunctionDef struct {
	Params []string    `json:"params" yaml:"params"`
	Body   *Expression `json:"body" yaml:"body"`
}

// Document is a versioned policy document holding one or more statements,
// policy-local variables and functions.
type Document struct {
	ID         string                  `json:"id" yaml:"id"`
	Name       string                  `json:"name" yaml:"name"`
	Version    string                  `json:"version" yaml:"version"`
	IsActive   bool                    `json:"isActive" yaml:"isActive"`
	Statements []*Statement            `json:"statements" yaml:"statements"`
	Variables  map[string]any          `json:"variables,omitempty" yaml:"variables,omitempty"`
	Functions  map[string]*FunctionDef `json:"functions,omitempty" yaml:"functions,omitempty"`
	Tags       []string                `json:"tags,omitempty" yaml:"tags,omitempty"`
	CreatedAt  time.Time               `json:"createdAt" yaml:"createdAt"`
	UpdatedAt  time.Time               `json:"updatedAt" yaml:"updatedAt"`
}

// Clone returns a copy deep enough that patching or normalizing the copy
// never touches the original. Expression trees are shared; they are
// immutable once validated.
func (d *Document) Clone() *Document {
	out := *d
	if d.Statements != nil {
		out.Statements = make([]*Statement, len(d.Statements))
		for i, st := range d.Statements {
			out.Statements[i] = st.clone()
		}
	}
	out.Variables = cloneAnyMap(d.Variables)
	if d.Functions != nil {
		fns := make(map[string]*FunctionDef, len(d.Functions))
		for name, def := range d.Functions {
			fns[name] = def
		}
		out.Functions = fns
	}
	if d.Tags != nil {
		out.Tags = append([]string(nil), d.Tags...)
	}
	return &out
}

func (st *Statement) clone() *Statement {
	if st == nil {
		return nil
	}
	out := *st
	out.Resources = append([]string(nil), st.Resources...)
	out.Actions = append([]string(nil), st.Actions...)
	out.Principals = append([]string(nil), st.Principals...)
	out.Metadata = cloneAnyMap(st.Metadata)
	return &out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// AppliedStatement identifies a statement that applied during an evaluation.
// Statement IDs are only unique within their owning policy, so the pair is
// always reported together.
type AppliedStatement struct {
	PolicyID    string `json:"policyId"`
	StatementID string `json:"statementId"`
	Effect      Effect `json:"effect"`
	Priority    int    `json:"priority"`
}

// EvaluationMetadata carries diagnostics attached to every decision.
type EvaluationMetadata struct {
	PoliciesScanned   int           `json:"policiesScanned"`
	StatementsScanned int           `json:"statementsScanned"`
	Duration          time.Duration `json:"duration"`
	FromCache         bool          `json:"fromCache"`
	Errors            []string      `json:"errors,omitempty"`
}

// Decision is the engine's output. It is constructed per evaluation call,
// optionally cached, and never mutated after construction.
type Decision struct {
	Decision          Effect             `json:"decision"`
	Reason            string             `json:"reason"`
	AppliedStatements []AppliedStatement `json:"appliedStatements"`
	Evaluation        EvaluationMetadata `json:"evaluationMetadata"`
	Timestamp         time.Time          `json:"timestamp"`
	Metadata          map[string]any     `json:"metadata,omitempty"`
}

// DefaultVersion is assigned to documents created without a version.
const DefaultVersion = "1.0"

// DocumentID derives the deterministic store ID for a name/version pair.
func DocumentID(name, version string) string {
	if version == "" {
		version = DefaultVersion
	}
	return slugify(name) + "_v" + version
}

func slugify(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastDash := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Fingerprint returns the deterministic decision-cache key for this context.
func (c *Context) Fingerprint() string {
	roles := append([]string(nil), c.Principal.Roles...)
	sort.Strings(roles)
	return c.Principal.ID + "|" + c.Resource.ID + "|" + c.Action.ID + "|" + strings.Join(roles, ",")
}

// root builds the synthetic object dotted variable paths resolve against.
func (c *Context) root() map[string]any {
	m := map[string]any{
		"principal": map[string]any{
			"id":         c.Principal.ID,
			"type":       c.Principal.Type,
			"roles":      c.Principal.Roles,
			"attributes": c.Principal.Attributes,
		},
		"resource": map[string]any{
			"id":         c.Resource.ID,
			"type":       c.Resource.Type,
			"attributes": c.Resource.Attributes,
		},
		"action": map[string]any{
			"id":         c.Action.ID,
			"type":       c.Action.Type,
			"attributes": c.Action.Attributes,
		},
	}
	if c.Environment != nil {
		m["environment"] = map[string]any{
			"timestamp": c.Environment.Timestamp,
			"ip":        c.Environment.IP,
			"sessionId": c.Environment.SessionID,
			"extra":     c.Environment.Extra,
		}
	}
	if c.Request != nil {
		m["request"] = map[string]any{
			"method":  c.Request.Method,
			"path":    c.Request.Path,
			"headers": c.Request.Headers,
			"body":    c.Request.Body,
		}
	}
	return m
}

// lookupPath resolves a dotted path against the synthetic root. An unresolved
// path yields (nil, false), never an error.
func (c *Context) lookupPath(path string) (any, bool) {
	var cur any = c.root()
	for _, seg := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[seg]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}
