// Package imageref parses and renders OCI-style image references of the
// form [registry/][repository/]name[:tag], applying the same defaults as
// the Docker Hub distribution grammar.
package imageref

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultRegistry   = "registry-1.docker.io"
	DefaultRepository = "library"
	DefaultTag        = "latest"
)

// nameComponentRE matches a single path component of the distribution
// grammar: lowercase alphanumerics separated by ., _, __, or -.
var nameComponentRE = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|[-]+)[a-z0-9]+)*$`)

var tagRE = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// Reference is a fully resolved (registry, repository, name, tag) tuple.
type Reference struct {
	Registry   string
	Repository string
	Name       string
	Tag        string
}

// Parse splits a free-form image reference into its components, filling
// in the canonical public-registry defaults for anything left unspecified.
func Parse(raw string) (Reference, error) {
	if raw == "" {
		return Reference{}, fmt.Errorf("imageref: empty reference")
	}

	ref := Reference{
		Registry:   DefaultRegistry,
		Repository: DefaultRepository,
		Tag:        DefaultTag,
	}

	s := raw

	if idx := strings.LastIndex(s, ":"); idx >= 0 && !strings.Contains(s[idx:], "/") {
		ref.Tag = s[idx+1:]
		s = s[:idx]
	}

	parts := strings.Split(s, "/")

	switch len(parts) {
	case 1:
		ref.Name = parts[0]
	case 2:
		// Ambiguous between registry/name and repository/name; a component
		// is treated as a registry host only if it looks like one (contains
		// a dot, a colon, or is literally "localhost").
		if looksLikeHost(parts[0]) {
			ref.Registry = parts[0]
			ref.Name = parts[1]
		} else {
			ref.Repository = parts[0]
			ref.Name = parts[1]
		}
	default:
		ref.Registry = parts[0]
		ref.Repository = strings.Join(parts[1:len(parts)-1], "/")
		ref.Name = parts[len(parts)-1]
	}

	if err := ref.Validate(); err != nil {
		return Reference{}, err
	}

	return ref, nil
}

func looksLikeHost(s string) bool {
	return strings.ContainsAny(s, ".:") || s == "localhost"
}

// Validate checks each component against the public OCI image-name grammar.
func (r Reference) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("imageref: missing image name")
	}
	for _, component := range strings.Split(r.Repository+"/"+r.Name, "/") {
		if component == "" {
			continue
		}
		if !nameComponentRE.MatchString(component) {
			return fmt.Errorf("imageref: invalid name component %q", component)
		}
	}
	if !tagRE.MatchString(r.Tag) {
		return fmt.Errorf("imageref: invalid tag %q", r.Tag)
	}
	return nil
}

// Repo returns "repository/name", the path segment used in registry URLs.
func (r Reference) Repo() string {
	return r.Repository + "/" + r.Name
}

// String renders the reference back into its canonical textual form.
// Parsing a reference that explicitly named every component and calling
// String again reproduces the original text.
func (r Reference) String() string {
	return fmt.Sprintf("%s/%s/%s:%s", r.Registry, r.Repository, r.Name, r.Tag)
}
