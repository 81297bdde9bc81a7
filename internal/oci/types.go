// Package oci implements the Image Loader (spec §4.1): resolving a
// container image reference against a registry, selecting the
// platform-matching manifest, and downloading+unpacking its layers.
//
// Grounded on the teacher's internal/oci/client.go (registry HTTP
// plumbing, anonymous-token auth, on-disk caching, progress reporting)
// but reshaped around the spec's manifest/platform-selection data model
// instead of the teacher's RuntimeConfig/Image types.
package oci

import "github.com/tinyrange/cloudlet/internal/imageref"

// Media types accepted for a manifest GET, per spec §4.1 step 2.
const (
	mediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	mediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	mediaTypeOCIManifest        = "application/vnd.oci.image.manifest.v1+json"
	mediaTypeOCIIndex           = "application/vnd.oci.image.index.v1+json"
)

var manifestAcceptList = []string{
	mediaTypeDockerManifest,
	mediaTypeDockerManifestList,
	mediaTypeOCIManifest,
	mediaTypeOCIIndex,
}

// layerDescriptor is one entry of an image manifest's "layers" array.
type layerDescriptor struct {
	MediaType string `json:"mediaType"`
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
}

// platform identifies the architecture/OS a manifest-list entry targets.
type platform struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
}

// manifestListEntry is one entry of a manifest-list's "manifests" array.
type manifestListEntry struct {
	MediaType string   `json:"mediaType"`
	Digest    string   `json:"digest"`
	Platform  platform `json:"platform"`
}

// rawManifest is decoded once; its Layers/Manifests fields distinguish an
// image manifest from a manifest list, per spec §3 "Manifest".
type rawManifest struct {
	MediaType string              `json:"mediaType"`
	Layers    []layerDescriptor   `json:"layers"`
	Manifests []manifestListEntry `json:"manifests"`
}

func (m rawManifest) isManifestList() bool  { return len(m.Manifests) > 0 }
func (m rawManifest) isImageManifest() bool { return len(m.Layers) > 0 }

// ImageRef is re-exported so callers only need to import this package.
type ImageRef = imageref.Reference
