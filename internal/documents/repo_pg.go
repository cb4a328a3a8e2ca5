package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// PGRepo implements DocumentsRepo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const documentColumns = `id, user_id, original_filename, stored_filename, size_bytes, content_type, blob_key, blob_bucket, state, progress, error_message, summary_blob_key, document_type_hint, template_hint, enable_ai, intake_form, created_at, updated_at, state_changed_at, attempt`

// Create inserts a new document.
func (r *PGRepo) Create(ctx context.Context, doc Document) error {
	const query = `
INSERT INTO documents (
    id,
    user_id,
    original_filename,
    stored_filename,
    size_bytes,
    content_type,
    state,
    progress,
    document_type_hint,
    template_hint,
    enable_ai,
    intake_form,
    created_at,
    updated_at,
    state_changed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13, $13)`

	var intake any
	if len(doc.IntakeForm) > 0 {
		intake = []byte(doc.IntakeForm)
	}
	_, err := r.DB.ExecContext(
		ctx,
		query,
		doc.ID,
		doc.UserID,
		doc.OriginalFilename,
		doc.StoredFilename,
		doc.SizeBytes,
		doc.ContentType,
		string(doc.State),
		doc.Progress,
		nullString(doc.DocumentTypeHint),
		nullString(doc.TemplateHint),
		doc.EnableAI,
		intake,
		doc.CreatedAt,
	)
	return err
}

// GetByID fetches a document by ID.
func (r *PGRepo) GetByID(ctx context.Context, documentID string) (Document, error) {
	if !validID(documentID) {
		return Document{}, ErrNotFound
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	doc, err := scanDocument(r.DB.QueryRowContext(ctx, query, documentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

// ListByUser lists documents ordered newest-first.
func (r *PGRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + documentColumns + `
FROM documents
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`

	rows, err := r.DB.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// ApplyTransition locks the row, checks the current state against from and
// writes the update plus a history row in one transaction.
func (r *PGRepo) ApplyTransition(ctx context.Context, documentID string, from []State, upd Update) (Document, error) {
	if !validID(documentID) {
		return Document{}, ErrNotFound
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	var attempt int
	err = tx.QueryRowContext(ctx, `SELECT state, attempt FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&current, &attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	if err := checkWrite(documentID, State(current), attempt, from, upd); err != nil {
		return Document{}, err
	}

	var enableAI sql.NullBool
	if upd.EnableAI != nil {
		enableAI = sql.NullBool{Bool: *upd.EnableAI, Valid: true}
	}
	update := `
UPDATE documents
SET state = $2,
    progress = $3,
    error_message = $4,
    blob_key = COALESCE($5, blob_key),
    blob_bucket = COALESCE($6, blob_bucket),
    summary_blob_key = COALESCE($7, summary_blob_key),
    enable_ai = COALESCE($8, enable_ai),
    attempt = attempt + CASE WHEN $2 = 'AI_QUEUED' AND state <> 'AI_QUEUED' THEN 1 ELSE 0 END,
    updated_at = $9,
    state_changed_at = CASE WHEN state = $2 THEN state_changed_at ELSE $9 END
WHERE id = $1
RETURNING ` + documentColumns
	doc, err := scanDocument(tx.QueryRowContext(
		ctx,
		update,
		documentID,
		string(upd.State),
		upd.Progress,
		nullString(upd.ErrorMessage),
		nullString(upd.BlobKey),
		nullString(upd.BlobBucket),
		nullString(upd.SummaryBlobKey),
		enableAI,
		upd.At,
	))
	if err != nil {
		return Document{}, fmt.Errorf("update document state: %w", err)
	}

	const history = `
INSERT INTO document_state_history (document_id, from_state, to_state, progress, error_message, changed_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := tx.ExecContext(ctx, history, documentID, current, string(upd.State), upd.Progress, nullString(upd.ErrorMessage), upd.At); err != nil {
		return Document{}, fmt.Errorf("record state history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ListTransitions returns the state history of a document, oldest first.
func (r *PGRepo) ListTransitions(ctx context.Context, documentID string) ([]Transition, error) {
	if !validID(documentID) {
		return nil, ErrNotFound
	}
	const query = `
SELECT document_id, from_state, to_state, progress, error_message, changed_at
FROM document_state_history
WHERE document_id = $1
ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var from, to string
		var msg sql.NullString
		if err := rows.Scan(&t.DocumentID, &from, &to, &t.Progress, &msg, &t.At); err != nil {
			return nil, err
		}
		t.From = State(from)
		t.To = State(to)
		t.ErrorMessage = msg.String
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var state string
	var blobKey, blobBucket, errMsg, summaryKey, typeHint, templateHint sql.NullString
	var intake []byte
	if err := row.Scan(
		&doc.ID,
		&doc.UserID,
		&doc.OriginalFilename,
		&doc.StoredFilename,
		&doc.SizeBytes,
		&doc.ContentType,
		&blobKey,
		&blobBucket,
		&state,
		&doc.Progress,
		&errMsg,
		&summaryKey,
		&typeHint,
		&templateHint,
		&doc.EnableAI,
		&intake,
		&doc.CreatedAt,
		&doc.UpdatedAt,
		&doc.StateChangedAt,
		&doc.Attempt,
	); err != nil {
		return Document{}, err
	}
	doc.State = State(state)
	doc.BlobKey = blobKey.String
	doc.BlobBucket = blobBucket.String
	doc.ErrorMessage = errMsg.String
	doc.SummaryBlobKey = summaryKey.String
	doc.DocumentTypeHint = typeHint.String
	doc.TemplateHint = templateHint.String
	if len(intake) > 0 {
		doc.IntakeForm = intake
	}
	return doc, nil
}

// validID reports whether id can name a row; ids are UUID columns.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ DocumentsRepo = (*PGRepo)(nil)
