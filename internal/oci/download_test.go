package oci

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tinyrange/cloudlet/internal/imageref"
)

func newTestRegistry(t *testing.T, manifests map[string]rawManifest) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/library/demo/manifests/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path[len("/v2/library/demo/manifests/"):]
		m, ok := manifests[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.oci.image.manifest.v1+json")
		json.NewEncoder(w).Encode(m)
	})
	return httptest.NewServer(mux)
}

func TestResolveAndDownloadUnsupportedArchitecture(t *testing.T) {
	srv := newTestRegistry(t, map[string]rawManifest{
		"latest": {
			Manifests: []manifestListEntry{
				{Digest: "sha256:arm64digest", Platform: platform{Architecture: "arm64", OS: "linux"}},
			},
		},
	})
	defer srv.Close()

	c := NewClient()
	ref := imageref.Reference{Registry: srv.Listener.Addr().String(), Repository: "library", Name: "demo", Tag: "latest"}
	ref.Registry = "http://" + ref.Registry

	_, err := c.ResolveAndDownload(context.Background(), ref, "amd64", t.TempDir())
	if err != ErrUnsupportedArchitecture {
		t.Fatalf("expected ErrUnsupportedArchitecture, got %v", err)
	}
}

func TestResolveAndDownloadManifestNotFound(t *testing.T) {
	srv := newTestRegistry(t, map[string]rawManifest{})
	defer srv.Close()

	c := NewClient()
	ref := imageref.Reference{Registry: "http://" + srv.Listener.Addr().String(), Repository: "library", Name: "demo", Tag: "latest"}

	_, err := c.ResolveAndDownload(context.Background(), ref, "amd64", t.TempDir())
	if err != ErrManifestNotFound {
		t.Fatalf("expected ErrManifestNotFound, got %v", err)
	}
}
