package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aceeric/ocibuilder/impl/blobstore"
	"github.com/aceeric/ocibuilder/impl/builderr"
	"github.com/aceeric/ocibuilder/impl/helpers"
	"github.com/aceeric/ocibuilder/impl/metrics"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Client pulls from one registry. Requests go through one go-containerregistry
// puller, so the registry is pinged and a token is obtained once per repository
// for the life of the client.
type Client struct {
	registry  string
	scheme    string
	transport http.RoundTripper
	cache     *blobstore.BlobStore
	progress  bool
	puller    *remote.Puller
	nameOpts  []name.Option
}

// Option configures a Client
type Option func(*Client)

// WithScheme sets the URL scheme, "https" by default. With "http" the registry
// is treated as insecure: https is still tried first and plain http is the fallback.
func WithScheme(scheme string) Option {
	return func(c *Client) {
		if scheme != "" {
			c.scheme = scheme
		}
	}
}

// WithTransport replaces the default transport, e.g. one from NewTransport
// carrying a private CA.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		if rt != nil {
			c.transport = rt
		}
	}
}

// WithCache keeps downloaded compressed layer blobs in the passed store and
// uses them instead of downloading on later pulls.
func WithCache(bs *blobstore.BlobStore) Option {
	return func(c *Client) {
		c.cache = bs
	}
}

// WithProgress shows a progress bar on stderr for each layer download
func WithProgress(progress bool) Option {
	return func(c *Client) {
		c.progress = progress
	}
}

// NewClient returns a Client for the passed registry host, e.g. gcr.io or
// localhost:5000.
func NewClient(registry string, opts ...Option) (*Client, error) {
	c := &Client{registry: registry, scheme: "https"}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewTransport(nil, 0)
	}
	if c.scheme == "http" {
		c.nameOpts = append(c.nameOpts, name.Insecure)
	}
	p, err := remote.NewPuller(remote.WithTransport(c.transport), remote.WithUserAgent("ocibuilder"))
	if err != nil {
		return nil, builderr.Registry("new client", registry, 0, err)
	}
	c.puller = p
	return c, nil
}

// ManifestDocument is a fetched image manifest
type ManifestDocument struct {
	MediaType string
	Digest    digest.Digest
	Config    v1.Descriptor
	Layers    []v1.Descriptor
	Raw       []byte
}

// manifestKind has the fields needed to tell the kind of a manifest document
// when the registry does not send a usable Content-Type.
type manifestKind struct {
	SchemaVersion int             `json:"schemaVersion"`
	MediaType     string          `json:"mediaType"`
	Manifests     json.RawMessage `json:"manifests"`
	FSLayers      json.RawMessage `json:"fsLayers"`
}

// ResolveManifestDigest gets the manifest for 'tag' and returns the digest of the image
// manifest for the passed os and architecture. If the tag refers to an index or
// manifest list then the first entry whose platform os and architecture equal the
// passed values is selected (variant is not considered). If the tag refers to an
// image manifest then the digest of that manifest is returned.
func (c *Client) ResolveManifestDigest(ctx context.Context, repo, tag, os, arch string) (digest.Digest, error) {
	desc, err := c.get(ctx, repo, tag)
	if err != nil {
		return "", err
	}
	ref := desc.Ref.String()
	switch {
	case desc.MediaType.IsIndex():
		var idx v1.Index
		if err := json.Unmarshal(desc.Manifest, &idx); err != nil {
			return "", builderr.Registry("decode index", ref, 0, err)
		}
		for _, m := range idx.Manifests {
			if m.Platform != nil && m.Platform.OS == os && m.Platform.Architecture == arch {
				if err := m.Digest.Validate(); err != nil {
					return "", builderr.Registry("select platform", ref, 0, err)
				}
				log.Debugf("resolved %s for %s/%s to %s", ref, os, arch, helpers.ShortDigest(m.Digest))
				return m.Digest, nil
			}
		}
		return "", builderr.Registry("select platform", ref, 0,
			errors.Wrapf(builderr.ErrPlatformNotFound, "%s/%s", os, arch))
	case desc.MediaType.IsImage():
		return desc.Digest, nil
	}
	return "", builderr.Registry("resolve", ref, 0, errors.Errorf("unsupported media type %q", desc.MediaType))
}

// FetchManifest gets the image manifest identified by 'ref' (a tag or a digest). If
// 'ref' is a digest the content is verified against it. Indexes, schema 1 manifests,
// and manifests with no layers are rejected.
func (c *Client) FetchManifest(ctx context.Context, repo, ref string) (*ManifestDocument, error) {
	desc, err := c.get(ctx, repo, ref)
	if err != nil {
		return nil, err
	}
	u := desc.Ref.String()
	if !desc.MediaType.IsImage() {
		return nil, builderr.Registry("fetch manifest", u, 0, errors.Errorf("not an image manifest: %q", desc.MediaType))
	}
	var m v1.Manifest
	if err := json.Unmarshal(desc.Manifest, &m); err != nil {
		return nil, builderr.Registry("decode manifest", u, 0, err)
	}
	if len(m.Layers) == 0 {
		return nil, builderr.Registry("fetch manifest", u, 0, errors.New("manifest has no layers"))
	}
	for _, l := range m.Layers {
		if _, err := compressionOf(l.MediaType); err != nil {
			return nil, builderr.Registry("fetch manifest", u, 0, err)
		}
	}
	return &ManifestDocument{
		MediaType: string(desc.MediaType),
		Digest:    desc.Digest,
		Config:    m.Config,
		Layers:    m.Layers,
		Raw:       desc.Manifest,
	}, nil
}

// fetched is a manifest document as returned by the registry
type fetched struct {
	Ref       name.Reference
	MediaType types.MediaType
	Digest    digest.Digest
	Manifest  []byte
}

// get fetches the manifest or index for a tag or digest. A pull by digest is verified
// by go-containerregistry. The media type comes from the Content-Type header or,
// failing that, from the document itself.
func (c *Client) get(ctx context.Context, repo, identifier string) (*fetched, error) {
	ref, err := c.reference(repo, identifier)
	if err != nil {
		return nil, err
	}
	desc, err := c.puller.Get(ctx, ref)
	if err != nil {
		return nil, registryError("get manifest", ref.String(), err)
	}
	metrics.IncManifestPulls()
	var kind manifestKind
	if err := json.Unmarshal(desc.Manifest, &kind); err != nil {
		return nil, builderr.Registry("decode manifest", ref.String(), 0, err)
	}
	mt := types.MediaType(strings.TrimSpace(strings.Split(string(desc.MediaType), ";")[0]))
	if !mt.IsIndex() && !mt.IsImage() && !mt.IsSchema1() {
		mt = mediaTypeFromDocument(kind)
	}
	if mt.IsSchema1() || kind.SchemaVersion == 1 {
		return nil, builderr.Registry("get manifest", ref.String(), 0, errors.New("schema 1 manifests are not supported"))
	}
	d, err := digest.Parse(desc.Digest.String())
	if err != nil {
		return nil, builderr.Registry("get manifest", ref.String(), 0, err)
	}
	return &fetched{Ref: ref, MediaType: mt, Digest: d, Manifest: desc.Manifest}, nil
}

// reference returns the go-containerregistry reference for a tag or a digest
// in the client's registry.
func (c *Client) reference(repo, identifier string) (name.Reference, error) {
	sep := ":"
	if _, err := digest.Parse(identifier); err == nil {
		sep = "@"
	}
	s := c.registry + "/" + repo + sep + identifier
	ref, err := name.ParseReference(s, c.nameOpts...)
	if err != nil {
		return nil, builderr.Registry("parse reference", s, 0, err)
	}
	return ref, nil
}

func mediaTypeFromDocument(kind manifestKind) types.MediaType {
	switch {
	case kind.MediaType != "":
		return types.MediaType(kind.MediaType)
	case len(kind.FSLayers) != 0:
		return types.DockerManifestSchema1
	case len(kind.Manifests) != 0:
		return types.OCIImageIndex
	}
	return types.OCIManifestSchema1
}
