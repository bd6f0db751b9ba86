package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ListFilter narrows List results. Nil / zero fields are not applied.
// Tags matches any-of: a document qualifies when it carries at least one
// of the listed tags.
type ListFilter struct {
	IsActive *bool
	Tags     []string
	Version  string
}

// DocumentStore is the persistence contract for policy documents.
// Implementations must be safe for concurrent use.
type DocumentStore interface {
	Create(ctx context.Context, doc *Document) error
	Update(ctx context.Context, id string, patch *DocumentPatch) (*Document, []string, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, filter *ListFilter) ([]*Document, error)
}

// DocumentPatch is a partial update. Nil fields are left untouched.
type DocumentPatch struct {
	Name       *string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Version    *string                 `json:"version,omitempty" yaml:"version,omitempty"`
	IsActive   *bool                   `json:"isActive,omitempty" yaml:"isActive,omitempty"`
	Statements []*Statement            `json:"statements,omitempty" yaml:"statements,omitempty"`
	Variables  map[string]any          `json:"variables,omitempty" yaml:"variables,omitempty"`
	Functions  map[string]*FunctionDef `json:"functions,omitempty" yaml:"functions,omitempty"`
	Tags       []string                `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Apply writes the non-nil fields onto d and returns the names of the
// fields that changed.
func (p *DocumentPatch) Apply(d *Document) []string {
	var changed []string
	if p.Name != nil && *p.Name != d.Name {
		d.Name = *p.Name
		changed = append(changed, "name")
	}
	if p.Version != nil && *p.Version != d.Version {
		d.Version = *p.Version
		changed = append(changed, "version")
	}
	if p.IsActive != nil && *p.IsActive != d.IsActive {
		d.IsActive = *p.IsActive
		changed = append(changed, "isActive")
	}
	if p.Statements != nil {
		d.Statements = p.Statements
		changed = append(changed, "statements")
	}
	if p.Variables != nil {
		d.Variables = p.Variables
		changed = append(changed, "variables")
	}
	if p.Functions != nil {
		d.Functions = p.Functions
		changed = append(changed, "functions")
	}
	if p.Tags != nil {
		d.Tags = p.Tags
		changed = append(changed, "tags")
	}
	if len(changed) > 0 {
		d.UpdatedAt = time.Now()
		changed = append(changed, "updatedAt")
	}
	return changed
}

// ValidateDocument checks a document's structure and compiles every
// expression against the registry: statement conditions and policy-local
// function bodies alike. maxDepth bounds authoring-time tree depth.
func ValidateDocument(doc *Document, registry *FunctionRegistry, maxDepth int) error {
	if doc == nil {
		return &ValidationError{Field: "document", Detail: "document is nil"}
	}
	if doc.Name == "" {
		return &ValidationError{Field: "name", Detail: "name must not be empty"}
	}
	if doc.Version == "" {
		return &ValidationError{Field: "version", Detail: "version must not be empty"}
	}
	if len(doc.Statements) == 0 {
		return &ValidationError{Field: "statements", Detail: "document needs at least one statement"}
	}
	seen := make(map[string]struct{}, len(doc.Statements))
	for i, st := range doc.Statements {
		if st == nil {
			return &ValidationError{Field: "statements", Detail: fmt.Sprintf("statement %d is nil", i)}
		}
		if st.ID == "" {
			return &ValidationError{Field: "statements", Detail: fmt.Sprintf("statement %d has no id", i)}
		}
		if _, dup := seen[st.ID]; dup {
			return &ValidationError{Field: "statements", Detail: fmt.Sprintf("duplicate statement id %q", st.ID)}
		}
		seen[st.ID] = struct{}{}
		if st.Effect != EffectAllow && st.Effect != EffectDeny {
			return &ValidationError{Field: "statements", Detail: fmt.Sprintf("statement %q effect must be allow or deny", st.ID)}
		}
		normalizeSelectors(st)
		if st.Condition != nil {
			if err := validateExpression(st.Condition, doc, registry, maxDepth, 0); err != nil {
				return &ValidationError{Field: "statements", Detail: fmt.Sprintf("statement %q condition: %v", st.ID, err)}
			}
		}
	}
	for name, def := range doc.Functions {
		if def == nil || def.Body == nil {
			return &ValidationError{Field: "functions", Detail: fmt.Sprintf("function %q has no body", name)}
		}
		if _, shadowed := registry.Resolve(name); shadowed {
			return &ValidationError{Field: "functions", Detail: fmt.Sprintf("function %q shadows a builtin", name)}
		}
		if err := validateExpression(def.Body, doc, registry, maxDepth, 0); err != nil {
			return &ValidationError{Field: "functions", Detail: fmt.Sprintf("function %q: %v", name, err)}
		}
	}
	return nil
}

func normalizeSelectors(st *Statement) {
	if len(st.Resources) == 0 {
		st.Resources = []string{"*"}
	}
	if len(st.Actions) == 0 {
		st.Actions = []string{"*"}
	}
	if len(st.Principals) == 0 {
		st.Principals = []string{"*"}
	}
}

// MemoryDocumentStore keeps documents in process memory. It is the default
// store and the one the tests use.
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[string]*Document)}
}

func (s *MemoryDocumentStore) Create(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[doc.ID]; exists {
		return &AlreadyExistsError{ID: doc.ID}
	}
	s.docs[doc.ID] = doc
	return nil
}

// Update never mutates a stored document in place: the patch is applied
// to a clone which then replaces the old snapshot under the write lock,
// so concurrent readers keep seeing a consistent document.
func (s *MemoryDocumentStore) Update(_ context.Context, id string, patch *DocumentPatch) (*Document, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, nil, &NotFoundError{ID: id}
	}
	next := doc.Clone()
	changed := patch.Apply(next)
	s.docs[id] = next
	return next, changed, nil
}

func (s *MemoryDocumentStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return &NotFoundError{ID: id}
	}
	delete(s.docs, id)
	return nil
}

func (s *MemoryDocumentStore) Get(_ context.Context, id string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return doc, nil
}

func (s *MemoryDocumentStore) List(_ context.Context, filter *ListFilter) ([]*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if matchesFilter(doc, filter) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func matchesFilter(doc *Document, filter *ListFilter) bool {
	if filter == nil {
		return true
	}
	if filter.IsActive != nil && doc.IsActive != *filter.IsActive {
		return false
	}
	if filter.Version != "" && doc.Version != filter.Version {
		return false
	}
	if len(filter.Tags) > 0 {
		// any-of: one shared tag is enough
		found := false
	tags:
		for _, want := range filter.Tags {
			for _, have := range doc.Tags {
				if have == want {
					found = true
					break tags
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}
