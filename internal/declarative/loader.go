// Package declarative turns YAML or JSON graph definitions into engine graphs.
package declarative

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/opgraph/pkg/schema"
)

// Parse decodes a definition. format is "yaml" or "json". Unknown fields are rejected.
func Parse(data []byte, format string) (*schema.GraphDefinition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "graph definition is empty")
	}

	var def schema.GraphDefinition
	switch strings.ToLower(format) {
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse YAML: %s", err.Error()).WithCause(err)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&def); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse JSON: %s", err.Error()).WithCause(err)
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported format %q, use \"yaml\" or \"json\"", format)
	}
	return &def, nil
}

// ParseFile reads a definition, detecting the format from the extension.
func ParseFile(path string) (*schema.GraphDefinition, error) {
	format := detectFormat(path)
	if format == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported file extension: %s", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph definition: %w", err)
	}
	def, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

func detectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return ""
	}
}
