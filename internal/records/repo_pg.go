package records

import (
	"context"
	"database/sql"
	"fmt"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

// ReplaceForDocument deletes prior records and inserts set in one transaction.
func (r *PGRepo) ReplaceForDocument(ctx context.Context, documentID string, set Set) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM extracted_records WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear extracted records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM unverified_records WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("clear unverified records: %w", err)
	}

	const insertExtracted = `
INSERT INTO extracted_records (id, document_id, document_type, template_id, page_start, page_end, fields, confidence, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, rec := range set.Extracted {
		var templateID sql.NullString
		if rec.TemplateID != "" {
			templateID = sql.NullString{String: rec.TemplateID, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, insertExtracted,
			rec.ID, documentID, rec.DocumentType, templateID, rec.PageStart, rec.PageEnd, []byte(rec.Fields), rec.Confidence, rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert extracted record: %w", err)
		}
	}

	const insertUnverified = `
INSERT INTO unverified_records (id, document_id, suspected_type, page_start, page_end, fields, confidence, review_status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, rec := range set.Unverified {
		status := rec.ReviewStatus
		if status == "" {
			status = ReviewPending
		}
		if _, err := tx.ExecContext(ctx, insertUnverified,
			rec.ID, documentID, rec.SuspectedType, rec.PageStart, rec.PageEnd, []byte(rec.Fields), rec.Confidence, string(status), rec.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert unverified record: %w", err)
		}
	}
	return tx.Commit()
}

// ListByDocument returns records ordered by first page.
func (r *PGRepo) ListByDocument(ctx context.Context, documentID string) (Set, error) {
	var set Set

	rows, err := r.DB.QueryContext(ctx, `
SELECT id, document_id, document_type, template_id, page_start, page_end, fields, confidence, created_at
FROM extracted_records
WHERE document_id = $1
ORDER BY page_start ASC, created_at ASC`, documentID)
	if err != nil {
		return Set{}, err
	}
	for rows.Next() {
		var rec ExtractedRecord
		var templateID sql.NullString
		var fields []byte
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.DocumentType, &templateID, &rec.PageStart, &rec.PageEnd, &fields, &rec.Confidence, &rec.CreatedAt); err != nil {
			rows.Close()
			return Set{}, err
		}
		rec.TemplateID = templateID.String
		rec.Fields = fields
		set.Extracted = append(set.Extracted, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return Set{}, err
	}
	rows.Close()

	rows, err = r.DB.QueryContext(ctx, `
SELECT id, document_id, suspected_type, page_start, page_end, fields, confidence, review_status, created_at
FROM unverified_records
WHERE document_id = $1
ORDER BY page_start ASC, created_at ASC`, documentID)
	if err != nil {
		return Set{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var rec UnverifiedRecord
		var fields []byte
		var status string
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.SuspectedType, &rec.PageStart, &rec.PageEnd, &fields, &rec.Confidence, &status, &rec.CreatedAt); err != nil {
			return Set{}, err
		}
		rec.Fields = fields
		rec.ReviewStatus = ReviewStatus(status)
		set.Unverified = append(set.Unverified, rec)
	}
	return set, rows.Err()
}

var _ Repo = (*PGRepo)(nil)
