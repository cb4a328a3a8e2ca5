package analyzer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyResponse  = errors.New("empty model response")
	ErrMalformedJSON  = errors.New("malformed model response")
	ErrSchemaMismatch = errors.New("model response does not match finding schema")
)

// parsedFinding is a validated finding plus its continuation flag.
type parsedFinding struct {
	Finding
	continuesPrevious bool
}

// parseResponse strictly decodes a model response for batch b. Markdown
// fences are tolerated and one truncation repair is attempted before giving up.
func parseResponse(raw string, b Batch) ([]parsedFinding, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, ErrEmptyResponse
	}

	doc, err := decodeStrict(body)
	if err != nil {
		repaired, ok := repairTruncated(body)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}
		doc, err = decodeStrict(repaired)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		}
	}

	if arr, ok := doc.([]any); ok {
		doc = map[string]any{"documents": arr}
	}
	if err := responseSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	var resp rawResponse
	if err := json.Unmarshal(normalized, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMismatch, err)
	}

	out := make([]parsedFinding, 0, len(resp.Documents))
	for _, r := range resp.Documents {
		start, end := r.PageStart, r.PageEnd
		if start > end {
			start, end = end, start
		}
		start = clamp(start, b.Start, b.End)
		end = clamp(end, b.Start, b.End)
		confidence := 0.0
		if r.Confidence != nil {
			confidence = *r.Confidence
		}
		fields := r.Fields
		if fields == nil {
			fields = map[string]any{}
		}
		out = append(out, parsedFinding{
			Finding: Finding{
				Type:       normalizeType(r.DocumentType),
				PageStart:  start,
				PageEnd:    end,
				Fields:     fields,
				Confidence: confidence,
			},
			continuesPrevious: r.ContinuesPrevious,
		})
	}
	return out, nil
}

func decodeStrict(body string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return v, nil
}

// stripFences removes a surrounding ```json ... ``` block and any prose
// before the first brace or bracket.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "json")
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	return s
}

// repairTruncated trims body to the last closing brace that ends an object
// and closes whatever brackets were still open at that point.
func repairTruncated(body string) (string, bool) {
	var stack []byte
	inString, escaped := false, false
	cut := -1
	var open []byte

	for i := 0; i < len(body); i++ {
		c := body[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, c)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if c == '}' {
				cut = i + 1
				open = append(open[:0], stack...)
			}
		}
	}
	if cut < 0 {
		return "", false
	}

	var b bytes.Buffer
	b.WriteString(body[:cut])
	for i := len(open) - 1; i >= 0; i-- {
		if open[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String(), true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
