package oci

import "testing"

func TestParseAuthenticate(t *testing.T) {
	header := `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/alpine:pull"`
	params, err := parseAuthenticate(header)
	if err != nil {
		t.Fatalf("parseAuthenticate: %v", err)
	}
	if params["realm"] != "https://auth.docker.io/token" {
		t.Fatalf("realm = %q", params["realm"])
	}
	if params["service"] != "registry.docker.io" {
		t.Fatalf("service = %q", params["service"])
	}
	if params["scope"] != "repository:library/alpine:pull" {
		t.Fatalf("scope = %q", params["scope"])
	}
}

func TestParseAuthenticateMissingHeader(t *testing.T) {
	if _, err := parseAuthenticate(""); err == nil {
		t.Fatalf("expected error for empty header")
	}
}

func TestRegistryBaseURL(t *testing.T) {
	cases := map[string]string{
		"registry-1.docker.io":       "https://registry-1.docker.io",
		"https://myregistry.example": "https://myregistry.example",
		"http://localhost:5000":      "http://localhost:5000",
	}
	for in, want := range cases {
		if got := registryBaseURL(in); got != want {
			t.Fatalf("registryBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestManifestClassification(t *testing.T) {
	list := rawManifest{Manifests: []manifestListEntry{{Digest: "sha256:a"}}}
	if !list.isManifestList() || list.isImageManifest() {
		t.Fatalf("manifest list misclassified: %+v", list)
	}

	img := rawManifest{Layers: []layerDescriptor{{Digest: "sha256:b"}}}
	if img.isManifestList() || !img.isImageManifest() {
		t.Fatalf("image manifest misclassified: %+v", img)
	}
}

func TestSanitizeDigest(t *testing.T) {
	if got := sanitizeDigest("sha256:abcdef"); got != "sha256_abcdef" {
		t.Fatalf("sanitizeDigest = %q", got)
	}
}
