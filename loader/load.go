package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/guidedflow/guidedflow"
)

// GuideMeta carries the guide-level metadata of a bundle file.
type GuideMeta struct {
	Slug            string   `json:"slug"`
	Title           string   `json:"title"`
	Category        string   `json:"category,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	DefaultLocale   string   `json:"default_locale,omitempty"`
	CRMNoteTemplate string   `json:"crm_note_template,omitempty"`
}

// GuideFile is a loaded and validated guide file.
type GuideFile struct {
	Kind  SchemaKind
	Guide GuideMeta // zero value for bare graphs
	Graph guidedflow.Graph
}

type bundleDoc struct {
	Guide GuideMeta        `json:"guide"`
	Graph guidedflow.Graph `json:"graph"`
}

// LoadGuideFile is the unified entry point that loads a guide file,
// auto-detects its schema kind, and returns the normalized graph with
// any metadata. Validation errors are returned as a *DiagnosticError.
func LoadGuideFile(path string) (*GuideFile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}

	kind, err := DetectSchema(data, path)
	if err != nil {
		return nil, err
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	gf := &GuideFile{Kind: kind}
	switch kind {
	case SchemaKindBundle:
		var doc bundleDoc
		if err := json.Unmarshal(jsonData, &doc); err != nil {
			return nil, fmt.Errorf("parsing guide bundle: %w", err)
		}
		gf.Guide = doc.Guide
		gf.Graph = doc.Graph
	case SchemaKindGraph:
		if err := json.Unmarshal(jsonData, &gf.Graph); err != nil {
			return nil, fmt.Errorf("parsing graph: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown schema kind %q", kind)
	}

	// Validate the authored graph before normalization; Normalize rewrites
	// unknown variants to their fallbacks, which would hide the
	// unknown-type warnings.
	if diags := gf.Graph.Validate(); guidedflow.HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	gf.Graph.Normalize()

	return gf, nil
}

// Validate loads a guide file and returns all validation diagnostics
// without failing on errors. Parse failures surface as a single
// error-severity diagnostic so callers have one reporting path.
func Validate(path string) ([]guidedflow.Diagnostic, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}

	kind, err := DetectSchema(data, path)
	if err != nil {
		return []guidedflow.Diagnostic{parseDiagnostic(err)}, nil
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return []guidedflow.Diagnostic{parseDiagnostic(err)}, nil
	}

	var graph guidedflow.Graph
	switch kind {
	case SchemaKindBundle:
		var doc bundleDoc
		if err := json.Unmarshal(jsonData, &doc); err != nil {
			return []guidedflow.Diagnostic{parseDiagnostic(err)}, nil
		}
		graph = doc.Graph
	default:
		if err := json.Unmarshal(jsonData, &graph); err != nil {
			return []guidedflow.Diagnostic{parseDiagnostic(err)}, nil
		}
	}

	// Diagnostics come from the authored graph as written; unknown-type
	// warnings would disappear if the graph were normalized first.
	return graph.Validate(), nil
}

func parseDiagnostic(err error) guidedflow.Diagnostic {
	return guidedflow.Diagnostic{
		Code:     "GF-000",
		Severity: guidedflow.SeverityError,
		Message:  fmt.Sprintf("Failed to parse file: %v", err),
	}
}

// toJSON converts data to JSON bytes, handling YAML conversion if the
// path indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []guidedflow.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := guidedflow.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
