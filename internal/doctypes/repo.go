package doctypes

import "context"

// Source supplies the known document schemas. Callers read it at the start of
// every extraction so schema edits apply to the next run.
type Source interface {
	ListDocumentTypes(ctx context.Context) ([]DocumentType, error)
}
