package doctypes

// Field is one attribute a document type expects to be extracted.
type Field struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// DocumentType is a known document schema. Findings whose type matches a
// Name exactly become extracted records.
type DocumentType struct {
	Name       string  `json:"name"`
	TemplateID string  `json:"templateId,omitempty"`
	Fields     []Field `json:"fields"`
}

// Index maps type names to their definitions.
func Index(types []DocumentType) map[string]DocumentType {
	out := make(map[string]DocumentType, len(types))
	for _, t := range types {
		out[t.Name] = t
	}
	return out
}
