package analyzer

import (
	"fmt"
	"strings"

	"docflow-backend/internal/doctypes"
)

// Hints narrows what the model should expect in a document.
type Hints struct {
	DocumentType string
}

// BuildSystemPrompt renders the instruction sent with every batch of a
// document. previous, when set, is the last finding of the prior batch so the
// model can mark a continuation instead of reporting a duplicate.
func BuildSystemPrompt(types []doctypes.DocumentType, hints Hints, b Batch, totalPages int, previous *Finding) string {
	var sb strings.Builder
	sb.WriteString("You classify scanned business documents and extract structured fields.\n")
	sb.WriteString("A single file may contain several logical documents. Report each one you see.\n\n")

	sb.WriteString("Known document types and their fields:\n")
	if len(types) == 0 {
		sb.WriteString("- (none configured)\n")
	}
	for _, t := range types {
		fmt.Fprintf(&sb, "- %s\n", t.Name)
		for _, f := range t.Fields {
			line := "    - " + f.Name
			if f.Type != "" {
				line += " (" + f.Type + ")"
			}
			if f.Required {
				line += " [required]"
			}
			if f.Description != "" {
				line += ": " + f.Description
			}
			sb.WriteString(line + "\n")
		}
	}
	if hints.DocumentType != "" {
		fmt.Fprintf(&sb, "\nThe uploader expects this file to be a %q. Prefer that type when the pages fit it.\n", hints.DocumentType)
	}

	sb.WriteString("\nRules:\n")
	sb.WriteString("1. Use a known type name exactly as written when a document matches it.\n")
	fmt.Fprintf(&sb, "2. When no known type fits, invent a short descriptive type name. Never answer %q.\n", UnknownType)
	sb.WriteString("3. Fill the fields of a known type by their names; for invented types choose sensible field names.\n")
	sb.WriteString("4. Report each logical document once. Do not split one document into several entries and do not repeat an entry.\n")
	fmt.Fprintf(&sb, "5. page_start and page_end are absolute page numbers within %d..%d.\n", b.Start, b.End)
	sb.WriteString("6. confidence is a number between 0 and 1.\n")
	if previous != nil {
		fmt.Fprintf(&sb, "7. The previous pages ended with a %q covering pages %d-%d. If the first pages here continue it, report them with the same document_type and \"continues_previous\": true.\n",
			previous.Type, previous.PageStart, previous.PageEnd)
	}

	fmt.Fprintf(&sb, "\nThis request covers pages %d-%d of %d.\n", b.Start, b.End, totalPages)
	sb.WriteString("Respond with JSON only, no prose, in this shape:\n")
	sb.WriteString(`{"documents":[{"document_type":"...","page_start":1,"page_end":1,"fields":{},"confidence":0.0,"continues_previous":false}]}`)
	sb.WriteString("\n")
	return sb.String()
}
