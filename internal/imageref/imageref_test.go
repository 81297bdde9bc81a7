package imageref

import "testing"

func TestParseDefaults(t *testing.T) {
	ref, err := Parse("alpine")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Registry != DefaultRegistry || ref.Repository != DefaultRepository || ref.Tag != DefaultTag {
		t.Fatalf("unexpected defaults: %+v", ref)
	}
	if ref.Name != "alpine" {
		t.Fatalf("name = %q", ref.Name)
	}
}

func TestParseFullRoundTrip(t *testing.T) {
	const full = "registry-1.docker.io/library/alpine:3.19"
	ref, err := Parse(full)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := ref.String(); got != full {
		t.Fatalf("round trip: got %q, want %q", got, full)
	}
}

func TestParseRegistryWithPort(t *testing.T) {
	ref, err := Parse("localhost:5000/myrepo/myimage:v1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ref.Registry != "localhost:5000" {
		t.Fatalf("registry = %q", ref.Registry)
	}
	if ref.Repository != "myrepo" || ref.Name != "myimage" || ref.Tag != "v1" {
		t.Fatalf("unexpected parse: %+v", ref)
	}
}

func TestParseInvalidName(t *testing.T) {
	if _, err := Parse("Not_Valid_UPPER"); err == nil {
		t.Fatalf("expected error for uppercase component")
	}
}

func TestParseEmptyReference(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatalf("expected error for empty reference")
	}
}
