package doctypes

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// LoadFile reads a JSON array of document types, as used to seed a fresh
// deployment.
func LoadFile(path string) ([]DocumentType, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document types: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a JSON array of document types.
func Parse(data []byte) ([]DocumentType, error) {
	var types []DocumentType
	if err := json.Unmarshal(data, &types); err != nil {
		return nil, fmt.Errorf("decode document types: %w", err)
	}
	seen := make(map[string]bool, len(types))
	for i, t := range types {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("document type %d: name is required", i)
		}
		if seen[name] {
			return nil, fmt.Errorf("document type %q defined twice", name)
		}
		seen[name] = true
		types[i].Name = name
	}
	return types, nil
}
