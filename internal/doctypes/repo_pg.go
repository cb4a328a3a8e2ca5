package doctypes

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PGRepo reads document types from Postgres.
type PGRepo struct {
	DB *sql.DB
}

// ListDocumentTypes returns all types ordered by name.
func (r *PGRepo) ListDocumentTypes(ctx context.Context) ([]DocumentType, error) {
	const query = `
SELECT name, template_id, fields
FROM document_types
ORDER BY name ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DocumentType
	for rows.Next() {
		var t DocumentType
		var templateID sql.NullString
		var fields []byte
		if err := rows.Scan(&t.Name, &templateID, &fields); err != nil {
			return nil, err
		}
		t.TemplateID = templateID.String
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &t.Fields); err != nil {
				return nil, fmt.Errorf("document type %s fields: %w", t.Name, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Upsert writes a type definition.
func (r *PGRepo) Upsert(ctx context.Context, t DocumentType) error {
	fields, err := json.Marshal(t.Fields)
	if err != nil {
		return err
	}
	const query = `
INSERT INTO document_types (name, template_id, fields)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET template_id = EXCLUDED.template_id, fields = EXCLUDED.fields`
	var templateID sql.NullString
	if t.TemplateID != "" {
		templateID = sql.NullString{String: t.TemplateID, Valid: true}
	}
	_, err = r.DB.ExecContext(ctx, query, t.Name, templateID, fields)
	return err
}

var _ Source = (*PGRepo)(nil)
