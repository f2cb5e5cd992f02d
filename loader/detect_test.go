package loader

import "testing"

func TestDetectSchema_Bundle(t *testing.T) {
	data := []byte(`{"guide": {"slug": "g"}, "graph": {"steps": []}}`)
	kind, err := DetectSchema(data, "guide.json")
	if err != nil {
		t.Fatalf("DetectSchema: %v", err)
	}
	if kind != SchemaKindBundle {
		t.Errorf("kind = %q, want %q", kind, SchemaKindBundle)
	}
}

func TestDetectSchema_BareGraph(t *testing.T) {
	data := []byte(`{"steps": [{"id": "a", "type": "instruction"}]}`)
	kind, err := DetectSchema(data, "graph.json")
	if err != nil {
		t.Fatalf("DetectSchema: %v", err)
	}
	if kind != SchemaKindGraph {
		t.Errorf("kind = %q, want %q", kind, SchemaKindGraph)
	}
}

func TestDetectSchema_YAML(t *testing.T) {
	data := []byte("guide:\n  slug: reset\ngraph:\n  steps: []\n")
	kind, err := DetectSchema(data, "guide.yaml")
	if err != nil {
		t.Fatalf("DetectSchema: %v", err)
	}
	if kind != SchemaKindBundle {
		t.Errorf("kind = %q, want %q", kind, SchemaKindBundle)
	}
}

func TestDetectSchema_Unknown(t *testing.T) {
	if _, err := DetectSchema([]byte(`{"foo": 1}`), "x.json"); err == nil {
		t.Fatal("expected error for unrecognized document")
	}
}

func TestDetectSchema_ParseErrors(t *testing.T) {
	if _, err := DetectSchema([]byte(`{not json`), "x.json"); err == nil {
		t.Fatal("expected JSON parse error")
	}
	if _, err := DetectSchema([]byte("\t{bad yaml"), "x.yaml"); err == nil {
		t.Fatal("expected YAML parse error")
	}
}
