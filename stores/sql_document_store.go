package stores

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/policy"
)

// SQLDocumentStore persists policy documents in SQL (squealx). Statements,
// variables, functions and tags are stored as JSON columns; every mutation
// appends a snapshot to policy_document_history.
type SQLDocumentStore struct {
	db *squealx.DB
}

func NewSQLDocumentStore(db *squealx.DB) *SQLDocumentStore {
	return &SQLDocumentStore{db: db}
}

func (s *SQLDocumentStore) Create(ctx context.Context, doc *policy.Document) error {
	if existing, err := s.Get(ctx, doc.ID); err == nil && existing != nil {
		return &policy.AlreadyExistsError{ID: doc.ID}
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	params, err := documentParams(doc)
	if err != nil {
		return err
	}
	q := `INSERT INTO policy_documents(id, name, version, is_active, statements_json, variables_json, functions_json, tags_json, created_at, updated_at) VALUES(:id, :name, :version, :is_active, :statements_json, :variables_json, :functions_json, :tags_json, :created_at, :updated_at)`
	if _, err := s.db.NamedExecContext(ctx, q, params); err != nil {
		return err
	}
	return s.insertHistory(ctx, doc)
}

func (s *SQLDocumentStore) Update(ctx context.Context, id string, patch *policy.DocumentPatch) (*policy.Document, []string, error) {
	doc, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	// snapshot the pre-update state (append-only history)
	if err := s.insertHistory(ctx, doc); err != nil {
		return nil, nil, err
	}
	changed := patch.Apply(doc)
	params, err := documentParams(doc)
	if err != nil {
		return nil, nil, err
	}
	q := `UPDATE policy_documents SET name=:name, version=:version, is_active=:is_active, statements_json=:statements_json, variables_json=:variables_json, functions_json=:functions_json, tags_json=:tags_json, updated_at=:updated_at WHERE id=:id`
	if _, err := s.db.NamedExecContext(ctx, q, params); err != nil {
		return nil, nil, err
	}
	if err := s.insertHistory(ctx, doc); err != nil {
		return nil, nil, err
	}
	return doc, changed, nil
}

func (s *SQLDocumentStore) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	q := `DELETE FROM policy_documents WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLDocumentStore) Get(ctx context.Context, id string) (*policy.Document, error) {
	q := `SELECT id, name, version, is_active, statements_json, variables_json, functions_json, tags_json, created_at, updated_at FROM policy_documents WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, &policy.NotFoundError{ID: id}
	}
	return scanDocument(r)
}

func (s *SQLDocumentStore) List(ctx context.Context, filter *policy.ListFilter) ([]*policy.Document, error) {
	q := `SELECT id FROM policy_documents`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for r.Next() {
		var id string
		if err := r.Scan(&id); err != nil {
			r.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	r.Close()

	out := make([]*policy.Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if documentMatches(doc, filter) {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// History returns the snapshots recorded for a document, oldest first.
func (s *SQLDocumentStore) History(ctx context.Context, id string) ([]*policy.Document, error) {
	q := `SELECT snapshot_json FROM policy_document_history WHERE policy_id = :policy_id ORDER BY id ASC`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"policy_id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*policy.Document, 0)
	for r.Next() {
		var snap string
		if err := r.Scan(&snap); err != nil {
			return nil, err
		}
		var doc policy.Document
		if err := json.Unmarshal([]byte(snap), &doc); err != nil {
			return nil, err
		}
		out = append(out, &doc)
	}
	return out, nil
}

func (s *SQLDocumentStore) insertHistory(ctx context.Context, doc *policy.Document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	q := `INSERT INTO policy_document_history(policy_id, snapshot_json) VALUES(:policy_id, :snapshot_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{"policy_id": doc.ID, "snapshot_json": string(b)})
	return err
}

func documentParams(doc *policy.Document) (map[string]any, error) {
	statements, err := json.Marshal(doc.Statements)
	if err != nil {
		return nil, err
	}
	variables, err := json.Marshal(doc.Variables)
	if err != nil {
		return nil, err
	}
	functions, err := json.Marshal(doc.Functions)
	if err != nil {
		return nil, err
	}
	tags, err := json.Marshal(doc.Tags)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":              doc.ID,
		"name":            doc.Name,
		"version":         doc.Version,
		"is_active":       boolToInt(doc.IsActive),
		"statements_json": string(statements),
		"variables_json":  string(variables),
		"functions_json":  string(functions),
		"tags_json":       string(tags),
		"created_at":      doc.CreatedAt,
		"updated_at":      doc.UpdatedAt,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*policy.Document, error) {
	var (
		id, name, version                                      string
		activeInt                                              int
		statementsJSON, variablesJSON, functionsJSON, tagsJSON string
		createdRaw, updatedRaw                                 any
	)
	if err := r.Scan(&id, &name, &version, &activeInt, &statementsJSON, &variablesJSON, &functionsJSON, &tagsJSON, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}
	doc := &policy.Document{
		ID:       id,
		Name:     name,
		Version:  version,
		IsActive: activeInt != 0,
	}
	if statementsJSON != "" {
		if err := json.Unmarshal([]byte(statementsJSON), &doc.Statements); err != nil {
			return nil, err
		}
	}
	if variablesJSON != "" {
		_ = json.Unmarshal([]byte(variablesJSON), &doc.Variables)
	}
	if functionsJSON != "" {
		_ = json.Unmarshal([]byte(functionsJSON), &doc.Functions)
	}
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &doc.Tags)
	}
	doc.CreatedAt = scanTime(createdRaw)
	doc.UpdatedAt = scanTime(updatedRaw)
	return doc, nil
}

func documentMatches(doc *policy.Document, filter *policy.ListFilter) bool {
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
