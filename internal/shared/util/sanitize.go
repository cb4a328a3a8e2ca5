package util

import (
	"path"
	"strings"
	"unicode"
)

const maxFileNameLen = 128

// SanitizeFileName reduces a client-supplied name to a single safe path segment.
// The result is deterministic for a given input and never empty.
func SanitizeFileName(name string) string {
	s := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	s = path.Base(s)

	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "._")
	for strings.Contains(out, "..") {
		out = strings.ReplaceAll(out, "..", ".")
	}
	if len(out) > maxFileNameLen {
		ext := path.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:maxFileNameLen-len(ext)] + ext
	}
	if out == "" {
		return "file"
	}
	return out
}
