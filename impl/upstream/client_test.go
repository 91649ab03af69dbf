package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aceeric/ocibuilder/impl/blobstore"
	"github.com/aceeric/ocibuilder/impl/builderr"
	"github.com/aceeric/ocibuilder/mock"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

func serve(t *testing.T, auth mock.AuthType, opts ...Option) (*mock.Registry, *mock.Stats, *Client) {
	t.Helper()
	reg := mock.Default()
	stats := &mock.Stats{}
	server, host := reg.Serve(mock.NewMockParams(auth, mock.HTTP), nil, stats)
	t.Cleanup(server.Close)
	return reg, stats, newClient(t, host, append([]Option{WithScheme("http")}, opts...)...)
}

func newClient(t *testing.T, host string, opts ...Option) *Client {
	t.Helper()
	c, err := NewClient(host, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func readAll(t *testing.T, lb LayerBlob) ([]byte, error) {
	t.Helper()
	rc, err := lb.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func layerBlobs(t *testing.T, c *Client, repo string, d digest.Digest) []LayerBlob {
	t.Helper()
	m, err := c.FetchManifest(context.Background(), repo, d.String())
	if err != nil {
		t.Fatal(err)
	}
	blobs, err := c.FetchLayerBlobs(context.Background(), repo, m)
	if err != nil {
		t.Fatal(err)
	}
	return blobs
}

func TestParseReference(t *testing.T) {
	ref, err := ParseReference("gcr.io/distroless/base:latest")
	if err != nil {
		t.Fatal(err)
	}
	if ref != (Reference{Registry: "gcr.io", Repository: "distroless/base", Identifier: "latest"}) {
		t.Errorf("unexpected reference %+v", ref)
	}
	if ref.IsDigest() || ref.String() != "gcr.io/distroless/base:latest" {
		t.Errorf("unexpected reference %s", ref)
	}

	ref, err = ParseReference("localhost:5000/base")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Registry != "localhost:5000" || ref.Identifier != "latest" {
		t.Errorf("unexpected reference %+v", ref)
	}

	d := digest.FromString("x")
	ref, err = ParseReference("quay.io/org/img@" + d.String())
	if err != nil {
		t.Fatal(err)
	}
	if !ref.IsDigest() || ref.Identifier != d.String() {
		t.Errorf("unexpected reference %+v", ref)
	}

	_, err = ParseReference("UPPER/case:tag")
	var re *builderr.RegistryError
	if !errors.As(err, &re) {
		t.Errorf("expected a RegistryError, got %v", err)
	}
}

func TestResolveManifestDigest(t *testing.T) {
	reg, _, c := serve(t, mock.NONE)
	ctx := context.Background()

	for _, tc := range []struct {
		repo, tag, arch string
		expected        digest.Digest
	}{
		{"distroless/base", "latest", "amd64", reg.Repos["distroless/base:latest"].Images["linux/amd64"].Digest},
		{"distroless/base", "latest", "arm64", reg.Repos["distroless/base:latest"].Images["linux/arm64"].Digest},
		{"docker/base", "latest", "amd64", reg.Repos["docker/base:latest"].Images["linux/amd64"].Digest},
		{"plain/base", "latest", "amd64", reg.Repos["plain/base:latest"].Images["linux/amd64"].Digest},
	} {
		d, err := c.ResolveManifestDigest(ctx, tc.repo, tc.tag, "linux", tc.arch)
		if err != nil {
			t.Fatalf("%s: %s", tc.repo, err)
		}
		if d != tc.expected {
			t.Errorf("%s/%s: expected %s, got %s", tc.repo, tc.arch, tc.expected, d)
		}
	}
}

func TestResolvePlatformNotFound(t *testing.T) {
	_, _, c := serve(t, mock.NONE)
	_, err := c.ResolveManifestDigest(context.Background(), "distroless/base", "latest", "linux", "s390x")
	if !errors.Is(err, builderr.ErrPlatformNotFound) {
		t.Fatalf("expected platform not found, got %v", err)
	}
	var re *builderr.RegistryError
	if !errors.As(err, &re) {
		t.Fail()
	}
}

func TestResolveNotFound(t *testing.T) {
	_, _, c := serve(t, mock.NONE)
	_, err := c.ResolveManifestDigest(context.Background(), "no/such", "latest", "linux", "amd64")
	var re *builderr.RegistryError
	if !errors.As(err, &re) {
		t.Fatalf("expected a RegistryError, got %v", err)
	}
	if re.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", re.StatusCode)
	}
	if !strings.Contains(err.Error(), "MANIFEST_UNKNOWN") {
		t.Errorf("expected the registry error code in %q", err)
	}
}

func TestFetchManifest(t *testing.T) {
	reg, _, c := serve(t, mock.NONE)
	pub := reg.Repos["layered/base:v1"].Images["linux/amd64"]
	m, err := c.FetchManifest(context.Background(), "layered/base", pub.Digest.String())
	if err != nil {
		t.Fatal(err)
	}
	if m.MediaType != v1.MediaTypeImageManifest || m.Digest != pub.Digest || m.Config.Digest != pub.ConfigDigest {
		t.Errorf("unexpected manifest %s %s config %s", m.MediaType, m.Digest, m.Config.Digest)
	}
	if len(m.Layers) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(m.Layers))
	}
	for i, l := range m.Layers {
		if l.Digest != pub.Blobs[i] {
			t.Errorf("layer %d: expected %s, got %s", i, pub.Blobs[i], l.Digest)
		}
	}
	if m.Layers[0].MediaType != v1.MediaTypeImageLayerGzip || m.Layers[1].MediaType != v1.MediaTypeImageLayerZstd {
		t.Errorf("unexpected layer media types %s %s", m.Layers[0].MediaType, m.Layers[1].MediaType)
	}
}

func TestFetchManifestRejectsIndex(t *testing.T) {
	reg, _, c := serve(t, mock.NONE)
	idx := reg.Repos["distroless/base:latest"].IndexDigest
	_, err := c.FetchManifest(context.Background(), "distroless/base", idx.String())
	var re *builderr.RegistryError
	if !errors.As(err, &re) {
		t.Errorf("expected a RegistryError, got %v", err)
	}
}

func TestLayerBlobs(t *testing.T) {
	reg, _, c := serve(t, mock.NONE)
	for _, repoTag := range []struct{ repo, tag string }{
		{"distroless/base", "latest"},
		{"docker/base", "latest"},
		{"layered/base", "v1"},
		{"plain/base", "latest"},
	} {
		pub := reg.Repos[repoTag.repo+":"+repoTag.tag].Images["linux/amd64"]
		blobs := layerBlobs(t, c, repoTag.repo, pub.Digest)
		if len(blobs) != len(pub.DiffIDs) {
			t.Fatalf("%s: expected %d blobs, got %d", repoTag.repo, len(pub.DiffIDs), len(blobs))
		}
		for i, lb := range blobs {
			b, err := readAll(t, lb)
			if err != nil {
				t.Fatalf("%s layer %d: %s", repoTag.repo, i, err)
			}
			if !bytes.Equal(pub.UncompressedTar[i], b) || digest.FromBytes(b) != pub.DiffIDs[i] {
				t.Errorf("%s layer %d: content does not match the published tar", repoTag.repo, i)
			}
		}
	}
}

func TestLayerBlobDigestMismatch(t *testing.T) {
	reg := mock.Default()
	params := mock.NewMockParams(mock.NONE, mock.HTTP)
	params.Corrupt = true
	server, host := reg.Serve(params, nil, nil)
	defer server.Close()
	c := newClient(t, host, WithScheme("http"))

	blobs := layerBlobs(t, c, "plain/base", reg.Repos["plain/base:latest"].Images["linux/amd64"].Digest)
	_, err := readAll(t, blobs[0])
	if !errors.Is(err, builderr.ErrDigestMismatch) {
		t.Fatalf("expected a digest mismatch, got %v", err)
	}
	if builderr.Kind(err) != "RegistryError" {
		t.Errorf("expected RegistryError, got %s", builderr.Kind(err))
	}

	// a corrupt gzip trailer fails in the decompressor or the verifier, either way it fails
	blobs = layerBlobs(t, c, "distroless/base", reg.Repos["distroless/base:latest"].Images["linux/amd64"].Digest)
	if _, err = readAll(t, blobs[0]); err == nil {
		t.Fail()
	}
}

func TestLayerBlobCorruptIntoCache(t *testing.T) {
	cache, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := mock.Default()
	params := mock.NewMockParams(mock.NONE, mock.HTTP)
	params.Corrupt = true
	server, host := reg.Serve(params, nil, nil)
	defer server.Close()
	c := newClient(t, host, WithScheme("http"), WithCache(cache))

	pub := reg.Repos["plain/base:latest"].Images["linux/amd64"]
	blobs := layerBlobs(t, c, "plain/base", pub.Digest)
	_, err = blobs[0].Open(context.Background())
	if !errors.Is(err, builderr.ErrDigestMismatch) {
		t.Fatalf("expected a digest mismatch, got %v", err)
	}
	if cache.Exists(pub.Blobs[0]) {
		t.Error("corrupt blob was cached")
	}
}

func TestBearerTokenFlow(t *testing.T) {
	reg, stats, c := serve(t, mock.BEARER)
	ctx := context.Background()
	d, err := c.ResolveManifestDigest(ctx, "distroless/base", "latest", "linux", "amd64")
	if err != nil {
		t.Fatal(err)
	}
	if d != reg.Repos["distroless/base:latest"].Images["linux/amd64"].Digest {
		t.Errorf("unexpected digest %s", d)
	}
	blobs := layerBlobs(t, c, "distroless/base", d)
	if _, err := readAll(t, blobs[0]); err != nil {
		t.Fatal(err)
	}
	if stats.Tokens.Load() != 1 {
		t.Errorf("expected one token request, got %d", stats.Tokens.Load())
	}
	if stats.Manifests.Load() != 2 || stats.Blobs.Load() != 1 {
		t.Errorf("expected 2 manifest and 1 blob requests, got %d and %d", stats.Manifests.Load(), stats.Blobs.Load())
	}
}

func TestCache(t *testing.T) {
	cache, err := blobstore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg, stats, c := serve(t, mock.NONE, WithCache(cache))

	pub := reg.Repos["distroless/base:latest"].Images["linux/amd64"]
	blobs := layerBlobs(t, c, "distroless/base", pub.Digest)
	for i := 0; i < 2; i++ {
		b, err := readAll(t, blobs[0])
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(pub.UncompressedTar[0], b) {
			t.Errorf("pass %d: content does not match the published tar", i)
		}
	}
	if stats.Blobs.Load() != 1 {
		t.Errorf("expected one blob request, got %d", stats.Blobs.Load())
	}
	if !cache.Exists(pub.Blobs[0]) {
		t.Fail()
	}
}

func TestUnreachable(t *testing.T) {
	c := newClient(t, "127.0.0.1:1", WithScheme("http"), WithTransport(NewTransport(nil, 5*time.Second)))
	_, err := c.ResolveManifestDigest(context.Background(), "distroless/base", "latest", "linux", "amd64")
	var re *builderr.RegistryError
	if !errors.As(err, &re) {
		t.Fatalf("expected a RegistryError, got %v", err)
	}
	if builderr.Kind(err) != "RegistryError" {
		t.Errorf("expected RegistryError, got %s", builderr.Kind(err))
	}
}

func TestTLS(t *testing.T) {
	cs, err := mock.NewCertSetup()
	if err != nil {
		t.Fatal(err)
	}
	params := mock.NewMockParams(mock.NONE, mock.HTTPS)
	params.TlsConfig = cs.ServerTLS()
	server, host := mock.Server(params)
	defer server.Close()

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(cs.CaPEM.Bytes()) {
		t.Fatal("unable to load the CA")
	}
	c := newClient(t, host, WithTransport(NewTransport(&tls.Config{RootCAs: pool}, 0)))
	if _, err = c.ResolveManifestDigest(context.Background(), "distroless/base", "latest", "linux", "amd64"); err != nil {
		t.Fatal(err)
	}

	// without the CA the server cert is not trusted
	_, err = newClient(t, host).ResolveManifestDigest(context.Background(), "distroless/base", "latest", "linux", "amd64")
	if err == nil {
		t.Fail()
	}
}

func TestNewTransport(t *testing.T) {
	cfg := &tls.Config{ServerName: "registry.local"}
	tr, ok := NewTransport(cfg, time.Minute).(*http.Transport)
	if !ok {
		t.Fatal("expected an *http.Transport")
	}
	if tr.TLSClientConfig != cfg || tr.ResponseHeaderTimeout != time.Minute {
		t.Errorf("unexpected transport settings %v %s", tr.TLSClientConfig, tr.ResponseHeaderTimeout)
	}
	if tr, _ := NewTransport(nil, 0).(*http.Transport); tr.ResponseHeaderTimeout != 0 || tr.Proxy == nil {
		t.Error("expected the default transport settings")
	}
}
