package stores

import (
	"context"
	"encoding/json"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/policy"
)

// SQLAuditSink persists evaluation audit entries in SQL.
type SQLAuditSink struct {
	db *squealx.DB
}

func NewSQLAuditSink(db *squealx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) Write(ctx context.Context, entry policy.AuditEntry) error {
	ctxB, _ := json.Marshal(entry.Context)
	decB, _ := json.Marshal(entry.Decision)
	decision := ""
	principal, resource, action := "", "", ""
	if entry.Decision != nil {
		decision = string(entry.Decision.Decision)
	}
	if entry.Context != nil {
		principal = entry.Context.Principal.ID
		resource = entry.Context.Resource.ID
		action = entry.Context.Action.ID
	}
	q := `INSERT INTO policy_audit(id, decision, principal_id, resource_id, action_id, context_json, decision_json, created_at) VALUES(:id, :decision, :principal_id, :resource_id, :action_id, :context_json, :decision_json, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":            entry.ID,
		"decision":      decision,
		"principal_id":  principal,
		"resource_id":   resource,
		"action_id":     action,
		"context_json":  string(ctxB),
		"decision_json": string(decB),
		"created_at":    entry.Timestamp,
	})
	return err
}

// AuditFilter narrows audit queries. Zero fields are not applied.
type AuditFilter struct {
	PrincipalID string
	ResourceID  string
	ActionID    string
	Decision    string
	Limit       int
}

// Query returns matching audit entries, newest first.
func (s *SQLAuditSink) Query(ctx context.Context, filter AuditFilter) ([]policy.AuditEntry, error) {
	q := `SELECT id, context_json, decision_json, created_at FROM policy_audit WHERE 1=1`
	params := map[string]any{}
	if filter.PrincipalID != "" {
		q += " AND principal_id = :principal_id"
		params["principal_id"] = filter.PrincipalID
	}
	if filter.ResourceID != "" {
		q += " AND resource_id = :resource_id"
		params["resource_id"] = filter.ResourceID
	}
	if filter.ActionID != "" {
		q += " AND action_id = :action_id"
		params["action_id"] = filter.ActionID
	}
	if filter.Decision != "" {
		q += " AND decision = :decision"
		params["decision"] = filter.Decision
	}
	q += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]policy.AuditEntry, 0)
	for r.Next() {
		var id, ctxJSON, decJSON string
		var createdRaw any
		if err := r.Scan(&id, &ctxJSON, &decJSON, &createdRaw); err != nil {
			return nil, err
		}
		entry := policy.AuditEntry{ID: id, Timestamp: scanTime(createdRaw)}
		if ctxJSON != "" {
			var ec policy.Context
			if err := json.Unmarshal([]byte(ctxJSON), &ec); err == nil {
				entry.Context = &ec
			}
		}
		if decJSON != "" {
			var d policy.Decision
			if err := json.Unmarshal([]byte(decJSON), &d); err == nil {
				entry.Decision = &d
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
