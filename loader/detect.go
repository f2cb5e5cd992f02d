// Package loader provides schema detection and loading for guide files.
// It supports guide bundles and bare step graphs in JSON and YAML formats.
package loader

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaKind identifies the type of guide file schema.
type SchemaKind string

const (
	// SchemaKindBundle is a full guide file with metadata and graph.
	SchemaKindBundle SchemaKind = "guide_bundle"

	// SchemaKindGraph is a bare step graph without guide metadata.
	SchemaKindGraph SchemaKind = "graph"
)

// DetectSchema auto-detects the schema kind from file content and path:
//  1. Determine parse format from extension (.yaml/.yml -> YAML, else JSON)
//  2. If the document has a "guide" key -> guide bundle
//  3. If the document has a "steps" key -> bare graph
//  4. Else error
func DetectSchema(data []byte, filePath string) (SchemaKind, error) {
	var raw map[string]any
	if isYAML(filePath) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing JSON: %w", err)
		}
	}

	if hasKey(raw, "guide") {
		return SchemaKindBundle, nil
	}
	if hasKey(raw, "steps") {
		return SchemaKindGraph, nil
	}

	return "", fmt.Errorf("unable to detect schema format: file does not match guide bundle or graph schema")
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// hasKey checks if a key exists in a map.
func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// yamlToJSON converts raw bytes from YAML format to JSON bytes.
// YAML -> map[string]any -> JSON bytes -> typed struct keeps the typed
// decoding path identical for both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return json.Marshal(raw)
}
