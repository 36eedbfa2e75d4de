package acreage

import (
	"encoding/json"
	"fmt"
	"os"
)

// ParseFieldsFile reads and parses a fields document
func ParseFieldsFile(path string) ([]FieldRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return ParseFieldsJSON(data)
}

// ParseFieldsJSON parses a { "fields": [...] } document. The geometry
// strings are left encoded; Normalize decodes them.
func ParseFieldsJSON(data []byte) ([]FieldRecord, error) {
	var doc struct {
		Fields *[]FieldRecord `json:"fields"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if doc.Fields == nil {
		return nil, fmt.Errorf("parsing JSON: missing fields array")
	}
	return *doc.Fields, nil
}
