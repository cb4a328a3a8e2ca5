package analyzer

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// UnknownType is the type of the degraded finding recorded for a batch whose
// response could not be parsed.
const UnknownType = "Unknown"

// Finding is one logical sub-document reported by the model.
type Finding struct {
	Type       string
	PageStart  int
	PageEnd    int
	Fields     map[string]any
	Confidence float64
	// ParseError is set only on degraded findings.
	ParseError string
}

// Degraded reports whether the finding stands in for an unparseable batch.
func (f Finding) Degraded() bool { return f.ParseError != "" }

type rawFinding struct {
	DocumentType      string         `json:"document_type"`
	PageStart         int            `json:"page_start"`
	PageEnd           int            `json:"page_end"`
	Fields            map[string]any `json:"fields"`
	Confidence        *float64       `json:"confidence"`
	ContinuesPrevious bool           `json:"continues_previous"`
}

type rawResponse struct {
	Documents []rawFinding `json:"documents"`
}

const responseSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["documents"],
  "properties": {
    "documents": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["document_type", "page_start", "page_end", "fields"],
        "properties": {
          "document_type": {"type": "string", "minLength": 1},
          "page_start": {"type": "integer", "minimum": 1},
          "page_end": {"type": "integer", "minimum": 1},
          "fields": {"type": "object"},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "continues_previous": {"type": "boolean"}
        }
      }
    }
  }
}`

var responseSchema = jsonschema.MustCompileString("findings.json", responseSchemaJSON)

func normalizeType(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
