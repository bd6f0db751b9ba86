package policy

import (
	"context"
	"testing"
	"time"
)

func adminPolicy() *Document {
	return NewDocument("Admin").
		Statement(Allow("admin-all").Priority(1000).Principals("admin").Resources("*").Actions("*").Build()).
		Build()
}

func adminContext() *Context {
	return &Context{
		Principal: &Principal{ID: "user-9", Roles: []string{"admin"}},
		Resource:  &Resource{ID: "repo-1"},
		Action:    &ActionRef{ID: "delete"},
	}
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	eng, err := New(NewMemoryDocumentStore(), opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return eng
}

func TestAdminWildcardAllow(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	if _, err := eng.CreateDocument(ctx, adminPolicy()); err != nil {
		t.Fatalf("create: %v", err)
	}

	dec, err := eng.Evaluate(ctx, adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != EffectAllow {
		t.Fatalf("expected allow, got %s (%s)", dec.Decision, dec.Reason)
	}
	if len(dec.AppliedStatements) != 1 {
		t.Fatalf("expected exactly one applied statement, got %d", len(dec.AppliedStatements))
	}
	if dec.AppliedStatements[0].StatementID != "admin-all" {
		t.Fatalf("unexpected applied statement %s", dec.AppliedStatements[0].StatementID)
	}
}

func conflictingPolicies(t *testing.T, eng *Engine) {
	t.Helper()
	ctx := context.Background()
	a := NewDocument("Policy A").
		Statement(Allow("a-allow").Priority(10).Build()).
		Build()
	b := NewDocument("Policy B").
		Statement(Deny("b-deny").Priority(5).Build()).
		Build()
	for _, doc := range []*Document{a, b} {
		if _, err := eng.CreateDocument(ctx, doc); err != nil {
			t.Fatalf("create %s: %v", doc.Name, err)
		}
	}
}

func TestDenyOverridesAcrossPolicies(t *testing.T) {
	eng := newTestEngine(t, WithConflictResolution(StrategyDenyOverrides))
	conflictingPolicies(t, eng)

	dec, err := eng.Evaluate(context.Background(), adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != EffectDeny {
		t.Fatalf("deny must override, got %s", dec.Decision)
	}
}

func TestHighestPriorityAcrossPolicies(t *testing.T) {
	eng := newTestEngine(t, WithConflictResolution(StrategyHighestPriority))
	conflictingPolicies(t, eng)

	dec, err := eng.Evaluate(context.Background(), adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != EffectAllow {
		t.Fatalf("priority 10 allow should beat priority 5 deny, got %s", dec.Decision)
	}
}

func TestDefaultDecisionWhenNothingMatches(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, WithDefaultDecision(EffectDeny))

	doc := NewDocument("Narrow").
		Statement(Allow("s").Resources("invoice-*").Build()).
		Build()
	if _, err := eng.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("create: %v", err)
	}

	dec, err := eng.Evaluate(ctx, adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != EffectDeny {
		t.Fatalf("expected default deny, got %s", dec.Decision)
	}
	if len(dec.AppliedStatements) != 0 {
		t.Fatalf("nothing should apply, got %v", dec.AppliedStatements)
	}
	if dec.Reason != "no applicable statements" {
		t.Fatalf("unexpected reason %q", dec.Reason)
	}
}

func TestNegatedMissingAttributeCondition(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	doc := NewDocument("Unconfirmed Users").
		Statement(Deny("deny-unconfirmed").
			When(Not(Fn("hasAttribute", Lit("principal.attributes.confirmed")))).
			Build()).
		Build()
	if _, err := eng.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("create: %v", err)
	}

	ec := adminContext() // no attributes at all
	dec, err := eng.Evaluate(ctx, ec)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != EffectDeny {
		t.Fatalf("missing attribute should make the condition true, got %s", dec.Decision)
	}
	if len(dec.AppliedStatements) != 1 {
		t.Fatalf("the statement should apply")
	}

	// with the attribute present the condition is false and nothing applies
	ec.Principal.Attributes = map[string]any{"confirmed": true}
	dec, _ = eng.Evaluate(ctx, ec)
	if len(dec.AppliedStatements) != 0 {
		t.Fatalf("confirmed principals should not match")
	}
}

func TestCacheIdempotence(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	if _, err := eng.CreateDocument(ctx, adminPolicy()); err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := eng.Evaluate(ctx, adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Evaluation.FromCache {
		t.Fatalf("first call cannot come from cache")
	}

	second, err := eng.Evaluate(ctx, adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !second.Evaluation.FromCache {
		t.Fatalf("second call should come from cache")
	}
	if second.Decision != first.Decision || second.Reason != first.Reason {
		t.Fatalf("cached decision diverged: %s/%s vs %s/%s",
			first.Decision, first.Reason, second.Decision, second.Reason)
	}
	if len(second.AppliedStatements) != len(first.AppliedStatements) {
		t.Fatalf("cached applied statements diverged")
	}
}

func TestMutationInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	doc, err := eng.CreateDocument(ctx, adminPolicy())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	dec, _ := eng.Evaluate(ctx, adminContext())
	if dec.Decision != EffectAllow {
		t.Fatalf("expected allow, got %s", dec.Decision)
	}

	// deactivate the policy; the cached allow must not survive
	inactive := false
	if _, err := eng.UpdateDocument(ctx, doc.ID, &DocumentPatch{IsActive: &inactive}); err != nil {
		t.Fatalf("update: %v", err)
	}

	dec, _ = eng.Evaluate(ctx, adminContext())
	if dec.Evaluation.FromCache {
		t.Fatalf("mutation should have flushed the cache")
	}
	if dec.Decision != EffectDeny {
		t.Fatalf("inactive policy should not apply, got %s", dec.Decision)
	}

	// delete also invalidates
	eng.cache.Set(adminContext().Fingerprint(), &Decision{Decision: EffectAllow}, time.Minute)
	if err := eng.DeleteDocument(ctx, doc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := eng.cache.Get(adminContext().Fingerprint()); ok {
		t.Fatalf("delete should have flushed the cache")
	}
}

func TestDepthGuardRecordsErrorAndStatementDoesNotApply(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, WithMaxEvaluationDepth(100), WithDefaultDecision(EffectDeny))

	deep := Lit(true)
	for i := 0; i < 150; i++ {
		deep = Not(deep)
	}
	// bypass authoring validation so the guard is exercised at evaluation time
	doc := NewDocument("Too Deep").
		Statement(Allow("deep").When(deep).Build()).
		Build()
	if err := eng.store.(*MemoryDocumentStore).Create(ctx, doc); err != nil {
		t.Fatalf("store create: %v", err)
	}

	dec, err := eng.Evaluate(ctx, adminContext())
	if err != nil {
		t.Fatalf("evaluate should not fail: %v", err)
	}
	if dec.Decision != EffectDeny {
		t.Fatalf("statement with depth error must not apply, got %s", dec.Decision)
	}
	if len(dec.Evaluation.Errors) != 1 {
		t.Fatalf("expected one recorded error, got %v", dec.Evaluation.Errors)
	}
}

func TestBrokenConditionDegradesGracefully(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, WithConflictResolution(StrategyDenyOverrides))

	good := NewDocument("Good").
		Statement(Allow("good").Build()).
		Build()
	if _, err := eng.CreateDocument(ctx, good); err != nil {
		t.Fatalf("create: %v", err)
	}

	// bypass authoring validation to plant a condition that fails at runtime
	broken := NewDocument("Broken").
		Statement(Deny("broken").When(Fn("vanished")).Build()).
		Build()
	broken.ID = DocumentID(broken.Name, broken.Version)
	if err := eng.store.(*MemoryDocumentStore).Create(ctx, broken); err != nil {
		t.Fatalf("store create: %v", err)
	}
	eng.invalidate()

	dec, err := eng.Evaluate(ctx, adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != EffectAllow {
		t.Fatalf("healthy statement should still decide, got %s (%s)", dec.Decision, dec.Reason)
	}
	if len(dec.Evaluation.Errors) != 1 {
		t.Fatalf("the broken statement's error should be recorded, got %v", dec.Evaluation.Errors)
	}
}

func TestInvalidContext(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	cases := []*Context{
		nil,
		{Resource: &Resource{ID: "r"}, Action: &ActionRef{ID: "a"}},
		{Principal: &Principal{ID: "p"}, Action: &ActionRef{ID: "a"}},
		{Principal: &Principal{ID: "p"}, Resource: &Resource{ID: "r"}},
	}
	for i, ec := range cases {
		_, err := eng.Evaluate(ctx, ec)
		if err == nil {
			t.Fatalf("case %d: expected error", i)
		}
		if _, ok := err.(*InvalidContextError); !ok {
			t.Fatalf("case %d: expected InvalidContextError, got %T", i, err)
		}
	}
}

func TestEvaluationTimeoutIsIndeterminate(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t, WithMaxEvaluationTime(time.Nanosecond), WithCaching(false))

	if _, err := eng.CreateDocument(ctx, NewDocument("Slow").
		Statement(Allow("s").When(And(Lit(true), Lit(true))).Build()).
		Build()); err != nil {
		t.Fatalf("create: %v", err)
	}

	dec, err := eng.Evaluate(ctx, adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != EffectIndeterminate {
		t.Fatalf("timeout should yield indeterminate, got %s", dec.Decision)
	}
	// the cutoff is a recorded error, not just the reason
	if len(dec.Evaluation.Errors) == 0 {
		t.Fatalf("timeout must be recorded in the evaluation errors")
	}
	if dec.Evaluation.PoliciesScanned != 1 {
		t.Fatalf("scan counters should survive the cutoff, got %d policies", dec.Evaluation.PoliciesScanned)
	}
	if dec.Evaluation.StatementsScanned == 0 {
		t.Fatalf("statement counter should survive the cutoff")
	}
}

func TestEngineEventsAndAudit(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)
	delivered := make(chan struct{}, 16)
	collected := make([]Event, 0)
	bus.SubscribeAll(func(evt Event) {
		collected = append(collected, evt)
		delivered <- struct{}{}
	})

	sink := NewMemoryAuditSink()
	eng := newTestEngine(t, WithEmitter(bus), WithAuditSink(sink), WithCaching(false))

	if _, err := eng.CreateDocument(ctx, adminPolicy()); err != nil {
		t.Fatalf("create: %v", err)
	}
	<-delivered // policy:created

	dec, err := eng.Evaluate(ctx, adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != EffectAllow {
		t.Fatalf("expected allow")
	}
	<-delivered // policy:evaluated

	if collected[0].Type != EventPolicyCreated {
		t.Fatalf("expected policy:created first, got %s", collected[0].Type)
	}
	if collected[1].Type != EventPolicyEvaluated {
		t.Fatalf("expected policy:evaluated, got %s", collected[1].Type)
	}

	// the audit worker drains asynchronously
	eng.Close()
	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(entries))
	}
	if entries[0].Decision.Decision != EffectAllow {
		t.Fatalf("audit entry should carry the decision")
	}
}

func TestDeniedEventFires(t *testing.T) {
	ctx := context.Background()
	bus := NewBus(nil)
	denied := make(chan Event, 1)
	bus.Subscribe(EventPolicyDenied, func(evt Event) { denied <- evt })

	eng := newTestEngine(t, WithEmitter(bus), WithDefaultDecision(EffectDeny))

	dec, err := eng.Evaluate(ctx, adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != EffectDeny {
		t.Fatalf("expected default deny")
	}

	select {
	case evt := <-denied:
		if evt.Payload["principal"] != "user-9" {
			t.Fatalf("denied event should name the principal")
		}
	case <-time.After(time.Second):
		t.Fatalf("policy:denied never fired")
	}
}

func TestCreateRejectsInvalidDocuments(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	if _, err := eng.CreateDocument(ctx, &Document{Name: "Empty", Version: "1.0"}); err == nil {
		t.Fatalf("document without statements should be rejected")
	}
	// nothing was stored
	docs, _ := eng.ListDocuments(ctx, nil)
	if len(docs) != 0 {
		t.Fatalf("rejected document must not be stored")
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	eng := newTestEngine(t)
	name := "Renamed"
	_, err := eng.UpdateDocument(context.Background(), "no-such-id", &DocumentPatch{Name: &name})
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, ok := err.(*NotFoundError); !ok {
		t.Fatalf("expected NotFoundError, got %T", err)
	}
}

func TestRejectedUpdateLeavesDocumentUnchanged(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)

	doc, err := eng.CreateDocument(ctx, adminPolicy())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// a patch whose condition calls an unknown function must be rejected
	// before anything is committed
	patch := &DocumentPatch{
		Statements: []*Statement{
			Deny("bad").When(Fn("vanished")).Build(),
		},
	}
	if _, err := eng.UpdateDocument(ctx, doc.ID, patch); err == nil {
		t.Fatalf("invalid patch should be rejected")
	}

	stored, err := eng.GetDocument(ctx, doc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(stored.Statements) != 1 || stored.Statements[0].ID != "admin-all" {
		t.Fatalf("rejected update mutated the store: %+v", stored.Statements)
	}

	dec, err := eng.Evaluate(ctx, adminContext())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if dec.Decision != EffectAllow {
		t.Fatalf("original policy should still decide, got %s (%s)", dec.Decision, dec.Reason)
	}
}

func TestConcurrentEvaluation(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	if _, err := eng.CreateDocument(ctx, adminPolicy()); err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 32)
	for i := 0; i < 32; i++ {
		go func() {
			dec, err := eng.Evaluate(ctx, adminContext())
			if err == nil && dec.Decision != EffectAllow {
				err = &ValidationError{Field: "test", Detail: "unexpected decision"}
			}
			done <- err
		}()
	}
	for i := 0; i < 32; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent evaluate: %v", err)
		}
	}
}

func TestConcurrentEvaluationAndUpdate(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	doc, err := eng.CreateDocument(ctx, adminPolicy())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stop := make(chan struct{})
	writerDone := make(chan error, 1)
	go func() {
		var werr error
		for i := 0; ; i++ {
			select {
			case <-stop:
				writerDone <- werr
				return
			default:
			}
			priority := 1000 + i
			patch := &DocumentPatch{
				Statements: []*Statement{
					Allow("admin-all").Priority(priority).Principals("admin").Build(),
				},
			}
			if _, err := eng.UpdateDocument(ctx, doc.ID, patch); err != nil && werr == nil {
				werr = err
			}
		}
	}()

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			var gerr error
			for j := 0; j < 50; j++ {
				dec, err := eng.Evaluate(ctx, adminContext())
				if err != nil {
					gerr = err
					break
				}
				if dec.Decision != EffectAllow {
					gerr = &ValidationError{Field: "test", Detail: "unexpected decision " + string(dec.Decision)}
					break
				}
			}
			done <- gerr
		}()
	}
	for i := 0; i < 16; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent evaluate during updates: %v", err)
		}
	}
	close(stop)
	if err := <-writerDone; err != nil {
		t.Fatalf("concurrent update: %v", err)
	}
}

func TestConcurrentEvaluationAndApplyConfig(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngine(t)
	if _, err := eng.CreateDocument(ctx, adminPolicy()); err != nil {
		t.Fatalf("create: %v", err)
	}

	stop := make(chan struct{})
	writerDone := make(chan error, 1)
	go func() {
		var werr error
		strategies := []string{string(StrategyDenyOverrides), string(StrategyHighestPriority)}
		for i := 0; ; i++ {
			select {
			case <-stop:
				writerDone <- werr
				return
			default:
			}
			cfg := &Config{Engine: EngineSettings{
				ConflictResolution: strategies[i%2],
				CacheTTLMs:         int(time.Minute / time.Millisecond),
			}}
			if err := eng.ApplyConfig(ctx, cfg); err != nil && werr == nil {
				werr = err
			}
		}
	}()

	done := make(chan error, 16)
	for i := 0; i < 16; i++ {
		go func() {
			var gerr error
			for j := 0; j < 50; j++ {
				dec, err := eng.Evaluate(ctx, adminContext())
				if err != nil {
					gerr = err
					break
				}
				if dec.Decision != EffectAllow {
					gerr = &ValidationError{Field: "test", Detail: "unexpected decision " + string(dec.Decision)}
					break
				}
			}
			done <- gerr
		}()
	}
	for i := 0; i < 16; i++ {
		if err := <-done; err != nil {
			t.Fatalf("concurrent evaluate during reloads: %v", err)
		}
	}
	close(stop)
	if err := <-writerDone; err != nil {
		t.Fatalf("concurrent apply: %v", err)
	}
}
