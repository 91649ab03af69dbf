package upstream

import (
	"github.com/aceeric/ocibuilder/impl/builderr"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"
)

// Reference is a parsed image reference like gcr.io/distroless/base:latest
type Reference struct {
	// Registry is the registry host (and port), e.g. gcr.io
	Registry string
	// Repository is the repository path, e.g. distroless/base
	Repository string
	// Identifier is the tag or the digest
	Identifier string
}

// ParseReference parses an image reference. A reference with no tag gets
// "latest". Docker Hub references are expanded the usual way, so "alpine"
// becomes index.docker.io/library/alpine:latest.
func ParseReference(ref string) (Reference, error) {
	r, err := name.ParseReference(ref)
	if err != nil {
		return Reference{}, builderr.Registry("parse reference", ref, 0, err)
	}
	return Reference{
		Registry:   r.Context().RegistryStr(),
		Repository: r.Context().RepositoryStr(),
		Identifier: r.Identifier(),
	}, nil
}

// IsDigest returns true if the reference identifies a manifest by digest
func (r Reference) IsDigest() bool {
	_, err := digest.Parse(r.Identifier)
	return err == nil
}

func (r Reference) String() string {
	sep := ":"
	if r.IsDigest() {
		sep = "@"
	}
	return r.Registry + "/" + r.Repository + sep + r.Identifier
}
