package policy

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/policy/logger"
)

// AuditEntry records one evaluation for later inspection.
type AuditEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Context   *Context  `json:"context"`
	Decision  *Decision `json:"decision"`
}

// AuditSink persists audit entries. Write is called from the engine's
// audit worker, never from the evaluation path.
type AuditSink interface {
	Write(ctx context.Context, entry AuditEntry) error
}

// MemoryAuditSink accumulates entries in memory, mainly for tests and
// small deployments.
type MemoryAuditSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{}
}

func (s *MemoryAuditSink) Write(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()
	return nil
}

func (s *MemoryAuditSink) Entries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

const (
	DefaultMaxEvaluationDepth = 20
	DefaultCacheTTL           = 5 * time.Minute
	defaultAuditBuffer        = 1024
)

// settings holds the engine knobs that ApplyConfig may rewrite at
// runtime. Evaluations copy them once up front so a concurrent reload
// never changes a decision midway through.
type settings struct {
	enableCaching       bool
	cacheTTL            time.Duration
	enableAuditLogging  bool
	logAllDecisions     bool
	logDeniedOnly       bool
	enableNotifications bool
	defaultDecision     Effect
	strategy            Strategy
	maxDepth            int
	maxEvalTime         time.Duration
}

// Engine evaluates access requests against the stored policy documents.
// It is safe for concurrent use; mutations flush the decision cache.
type Engine struct {
	store    DocumentStore
	registry *FunctionRegistry
	emitter  Emitter
	log      logger.Logger

	auditCh   chan AuditEntry
	auditSink AuditSink
	auditWG   sync.WaitGroup
	closeOnce sync.Once

	// writeMu serializes document mutations so validate-then-commit is
	// atomic with respect to other writers.
	writeMu sync.Mutex

	// generation increments on every mutation; an evaluation only writes
	// its decision back to the cache when the generation it started under
	// is still current.
	generation atomic.Uint64

	// mu guards cache and settings against runtime reconfiguration.
	mu       sync.RWMutex
	cache    DecisionCache
	settings settings
}

// snapshot copies the current settings and cache reference.
func (e *Engine) snapshot() (settings, DecisionCache) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.settings, e.cache
}

// Option configures an Engine at construction.
type Option func(*Engine) error

func WithCache(c DecisionCache) Option {
	return func(e *Engine) error {
		e.cache = c
		e.settings.enableCaching = c != nil
		return nil
	}
}

func WithCaching(enabled bool) Option {
	return func(e *Engine) error {
		e.settings.enableCaching = enabled
		return nil
	}
}

func WithCacheTTL(ttl time.Duration) Option {
	return func(e *Engine) error {
		if ttl <= 0 {
			return &ValidationError{Field: "cache_ttl", Detail: "ttl must be positive"}
		}
		e.settings.cacheTTL = ttl
		return nil
	}
}

func WithEmitter(em Emitter) Option {
	return func(e *Engine) error {
		if em == nil {
			em = NullEmitter{}
		}
		e.emitter = em
		e.settings.enableNotifications = true
		return nil
	}
}

func WithAuditSink(sink AuditSink) Option {
	return func(e *Engine) error {
		e.auditSink = sink
		e.settings.enableAuditLogging = sink != nil
		return nil
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) error {
		if l == nil {
			l = logger.NewNullLogger()
		}
		e.log = l
		return nil
	}
}

func WithDefaultDecision(effect Effect) Option {
	return func(e *Engine) error {
		switch effect {
		case EffectAllow, EffectDeny, EffectIndeterminate:
		default:
			return &ValidationError{Field: "default_decision", Detail: "must be allow, deny or indeterminate"}
		}
		e.settings.defaultDecision = effect
		return nil
	}
}

func WithConflictResolution(s Strategy) Option {
	return func(e *Engine) error {
		if !ValidStrategy(s) {
			return &ValidationError{Field: "conflict_resolution", Detail: fmt.Sprintf("unknown strategy %q", s)}
		}
		e.settings.strategy = s
		return nil
	}
}

func WithMaxEvaluationDepth(depth int) Option {
	return func(e *Engine) error {
		if depth <= 0 {
			return &ValidationError{Field: "max_evaluation_depth", Detail: "depth must be positive"}
		}
		e.settings.maxDepth = depth
		return nil
	}
}

func WithMaxEvaluationTime(d time.Duration) Option {
	return func(e *Engine) error {
		if d < 0 {
			return &ValidationError{Field: "max_evaluation_time", Detail: "duration must not be negative"}
		}
		e.settings.maxEvalTime = d
		return nil
	}
}

func WithLogAllDecisions(enabled bool) Option {
	return func(e *Engine) error {
		e.settings.logAllDecisions = enabled
		return nil
	}
}

func WithLogDeniedOnly(enabled bool) Option {
	return func(e *Engine) error {
		e.settings.logDeniedOnly = enabled
		return nil
	}
}

func WithFunction(name string, fn BuiltinFunc) Option {
	return func(e *Engine) error {
		return e.registry.Register(name, fn)
	}
}

// New builds an engine over the given store. With no options it denies by
// default, resolves conflicts deny-overrides, caches decisions in memory
// for five minutes, and logs nowhere.
func New(store DocumentStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, &ValidationError{Field: "store", Detail: "document store is required"}
	}
	e := &Engine{
		store:    store,
		registry: NewFunctionRegistry(),
		emitter:  NullEmitter{},
		log:      logger.NewNullLogger(),
		settings: settings{
			enableCaching:   true,
			cacheTTL:        DefaultCacheTTL,
			defaultDecision: EffectDeny,
			strategy:        StrategyDenyOverrides,
			maxDepth:        DefaultMaxEvaluationDepth,
		},
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.settings.enableCaching && e.cache == nil {
		e.cache = NewMemoryDecisionCache()
	}
	if e.settings.enableAuditLogging {
		e.auditCh = make(chan AuditEntry, defaultAuditBuffer)
		e.auditWG.Add(1)
		go e.auditWorker()
	}
	return e, nil
}

// Registry exposes the engine's function registry.
func (e *Engine) Registry() *FunctionRegistry {
	return e.registry
}

// RegisterFunction adds a vetted builtin callable from policy conditions.
func (e *Engine) RegisterFunction(name string, fn BuiltinFunc) error {
	return e.registry.Register(name, fn)
}

// Close drains and stops the audit worker. The engine must not be used
// after Close.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		if e.auditCh != nil {
			close(e.auditCh)
			e.auditWG.Wait()
		}
	})
}

func (e *Engine) auditWorker() {
	defer e.auditWG.Done()
	for entry := range e.auditCh {
		if err := e.auditSink.Write(context.Background(), entry); err != nil {
			e.log.Error("audit write failed", "entry_id", entry.ID, "error", err.Error())
		}
	}
}

func validateContext(ec *Context) error {
	if ec == nil {
		return &InvalidContextError{Detail: "context is nil"}
	}
	if ec.Principal == nil || ec.Principal.ID == "" {
		return &InvalidContextError{Detail: "principal id is required"}
	}
	if ec.Resource == nil || ec.Resource.ID == "" {
		return &InvalidContextError{Detail: "resource id is required"}
	}
	if ec.Action == nil || ec.Action.ID == "" {
		return &InvalidContextError{Detail: "action id is required"}
	}
	return nil
}

// Evaluate runs the full decision pipeline: context validation, cache
// lookup, statement matching and condition evaluation over every active
// document, conflict resolution, then cache write-back, notification,
// audit and logging. The only error it returns is an invalid context;
// evaluation failures inside statements degrade to non-applying
// statements and are reported in the decision metadata.
func (e *Engine) Evaluate(ctx context.Context, ec *Context) (*Decision, error) {
	if err := validateContext(ec); err != nil {
		return nil, err
	}
	start := time.Now()
	key := ec.Fingerprint()
	cfg, cache := e.snapshot()

	if cfg.enableCaching && cache != nil {
		if cached, ok := cache.Get(key); ok {
			d := *cached
			d.Evaluation.FromCache = true
			e.finish(cfg, ec, &d)
			return &d, nil
		}
	}

	gen := e.generation.Load()

	var deadline time.Time
	if cfg.maxEvalTime > 0 {
		deadline = start.Add(cfg.maxEvalTime)
	}

	active := true
	docs, err := e.store.List(ctx, &ListFilter{IsActive: &active})
	if err != nil {
		e.log.Error("listing documents failed", "error", err.Error())
		reason := fmt.Sprintf("policy store unavailable: %v", err)
		d := indeterminate(start, reason, 0, 0, []string{reason})
		e.finish(cfg, ec, d)
		return d, nil
	}

	var (
		applied  []AppliedStatement
		errs     []string
		scanned  int
		timedOut bool
	)

scan:
	for _, doc := range docs {
		for _, st := range doc.Statements {
			if !st.Matches(ec) {
				continue
			}
			scanned++
			applies, err := e.statementApplies(cfg, ec, doc, st, deadline)
			if err != nil {
				if _, ok := err.(*EvaluationTimeoutError); ok {
					timedOut = true
					break scan
				}
				errs = append(errs, fmt.Sprintf("policy %s statement %s: %v", doc.ID, st.ID, err))
				continue
			}
			if applies {
				applied = append(applied, AppliedStatement{
					PolicyID:    doc.ID,
					StatementID: st.ID,
					Effect:      st.Effect,
					Priority:    st.Priority,
				})
			}
		}
	}

	var decision *Decision
	if timedOut {
		reason := fmt.Sprintf("evaluation exceeded %s", cfg.maxEvalTime)
		decision = indeterminate(start, reason, len(docs), scanned, append(errs, reason))
	} else {
		effect, reason := resolve(cfg.strategy, applied, cfg.defaultDecision)
		decision = &Decision{
			Decision:          effect,
			Reason:            reason,
			AppliedStatements: applied,
			Timestamp:         time.Now(),
			Evaluation: EvaluationMetadata{
				PoliciesScanned:   len(docs),
				StatementsScanned: scanned,
				Duration:          time.Since(start),
				Errors:            errs,
			},
		}
	}

	if cfg.enableCaching && cache != nil && !timedOut {
		if e.generation.Load() == gen {
			cache.Set(key, decision, cfg.cacheTTL)
		}
	}

	e.finish(cfg, ec, decision)
	return decision, nil
}

func indeterminate(start time.Time, reason string, policies, scanned int, errs []string) *Decision {
	return &Decision{
		Decision:  EffectIndeterminate,
		Reason:    reason,
		Timestamp: time.Now(),
		Evaluation: EvaluationMetadata{
			PoliciesScanned:   policies,
			StatementsScanned: scanned,
			Duration:          time.Since(start),
			Errors:            errs,
		},
	}
}

// statementApplies evaluates a matched statement's condition. A statement
// without a condition always applies.
func (e *Engine) statementApplies(cfg settings, ec *Context, doc *Document, st *Statement, deadline time.Time) (bool, error) {
	if st.Condition == nil {
		return true, nil
	}
	state := &evalState{
		ctx:      ec,
		doc:      doc,
		registry: e.registry,
		maxDepth: cfg.maxDepth,
		deadline: deadline,
		budget:   cfg.maxEvalTime,
	}
	v, err := state.eval(st.Condition, nil, 0)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// finish runs the post-decision side effects: notification, audit, logs.
// None of them can fail the evaluation.
func (e *Engine) finish(cfg settings, ec *Context, d *Decision) {
	if cfg.enableNotifications {
		e.emitter.Emit(Event{
			Type: EventPolicyEvaluated,
			Payload: map[string]any{
				"fingerprint": ec.Fingerprint(),
				"decision":    string(d.Decision),
				"reason":      d.Reason,
				"fromCache":   d.Evaluation.FromCache,
			},
		})
		if d.Decision == EffectDeny {
			e.emitter.Emit(Event{
				Type: EventPolicyDenied,
				Payload: map[string]any{
					"fingerprint": ec.Fingerprint(),
					"principal":   ec.Principal.ID,
					"resource":    ec.Resource.ID,
					"action":      ec.Action.ID,
					"reason":      d.Reason,
				},
			})
		}
	}

	if cfg.enableAuditLogging && e.auditCh != nil {
		entry := AuditEntry{
			ID:        uuid.NewString(),
			Timestamp: time.Now(),
			Context:   ec,
			Decision:  d,
		}
		select {
		case e.auditCh <- entry:
		default:
			e.log.Error("audit buffer full, dropping entry", "entry_id", entry.ID)
		}
	}

	switch {
	case cfg.logAllDecisions:
		e.log.Info("decision",
			"principal", ec.Principal.ID,
			"resource", ec.Resource.ID,
			"action", ec.Action.ID,
			"decision", string(d.Decision),
			"reason", d.Reason,
			"from_cache", d.Evaluation.FromCache,
			"duration_ms", int(d.Evaluation.Duration/time.Millisecond))
	case cfg.logDeniedOnly && d.Decision == EffectDeny:
		e.log.Info("denied",
			"principal", ec.Principal.ID,
			"resource", ec.Resource.ID,
			"action", ec.Action.ID,
			"reason", d.Reason)
	}
}

// invalidate bumps the generation and flushes the decision cache. Every
// mutation goes through here before it returns.
func (e *Engine) invalidate() {
	e.generation.Add(1)
	_, cache := e.snapshot()
	if cache != nil {
		cache.Clear()
	}
}

// CreateDocument validates and stores a document. A missing ID is derived
// from the name and version; a missing version defaults to DefaultVersion.
func (e *Engine) CreateDocument(ctx context.Context, doc *Document) (*Document, error) {
	if doc == nil {
		return nil, &ValidationError{Field: "document", Detail: "document is nil"}
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	cfg, _ := e.snapshot()
	if doc.Version == "" {
		doc.Version = DefaultVersion
	}
	if doc.ID == "" {
		doc.ID = DocumentID(doc.Name, doc.Version)
	}
	if err := ValidateDocument(doc, e.registry, cfg.maxDepth); err != nil {
		return nil, err
	}
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if err := e.store.Create(ctx, doc); err != nil {
		return nil, err
	}
	e.invalidate()
	if cfg.enableNotifications {
		e.emitter.Emit(Event{
			Type:    EventPolicyCreated,
			Payload: map[string]any{"policyId": doc.ID, "name": doc.Name, "version": doc.Version},
		})
	}
	e.log.Debug("policy created", "policy_id", doc.ID)
	return doc, nil
}

// UpdateDocument applies a partial update and reports the changed fields
// in the update event. The patch is applied to a copy and validated
// before the store commits, so a rejected update leaves the stored
// document untouched.
func (e *Engine) UpdateDocument(ctx context.Context, id string, patch *DocumentPatch) (*Document, error) {
	if patch == nil {
		return nil, &ValidationError{Field: "patch", Detail: "patch is nil"}
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	cfg, _ := e.snapshot()
	current, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	preview := current.Clone()
	patch.Apply(preview)
	if err := ValidateDocument(preview, e.registry, cfg.maxDepth); err != nil {
		return nil, err
	}
	doc, changed, err := e.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	e.invalidate()
	if cfg.enableNotifications {
		e.emitter.Emit(Event{
			Type:    EventPolicyUpdated,
			Payload: map[string]any{"policyId": doc.ID, "changedFields": changed},
		})
	}
	e.log.Debug("policy updated", "policy_id", doc.ID, "changed", fmt.Sprintf("%v", changed))
	return doc, nil
}

// DeleteDocument removes a document by ID.
func (e *Engine) DeleteDocument(ctx context.Context, id string) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	cfg, _ := e.snapshot()
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	e.invalidate()
	if cfg.enableNotifications {
		e.emitter.Emit(Event{
			Type:    EventPolicyDeleted,
			Payload: map[string]any{"policyId": id},
		})
	}
	e.log.Debug("policy deleted", "policy_id", id)
	return nil
}

// GetDocument fetches a document by ID.
func (e *Engine) GetDocument(ctx context.Context, id string) (*Document, error) {
	return e.store.Get(ctx, id)
}

// ListDocuments lists documents matching the filter; a nil filter lists
// everything.
func (e *Engine) ListDocuments(ctx context.Context, filter *ListFilter) ([]*Document, error) {
	return e.store.List(ctx, filter)
}
