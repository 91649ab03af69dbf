package upstream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aceeric/ocibuilder/impl/builderr"
	"github.com/aceeric/ocibuilder/impl/helpers"
	"github.com/aceeric/ocibuilder/impl/metrics"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"
)

type compression int

const (
	none compression = iota
	gzipped
	zstded
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// LayerBlob is one layer of a fetched manifest
type LayerBlob struct {
	Descriptor v1.Descriptor
	repo       string
	client     *Client
}

// FetchLayerBlobs returns one LayerBlob per layer of the passed manifest, in manifest
// order. Nothing is downloaded until a blob is opened.
func (c *Client) FetchLayerBlobs(ctx context.Context, repo string, m *ManifestDocument) ([]LayerBlob, error) {
	if m == nil || len(m.Layers) == 0 {
		return nil, builderr.Registry("fetch layers", c.registry+"/"+repo, 0, errors.New("manifest has no layers"))
	}
	blobs := make([]LayerBlob, len(m.Layers))
	for i, l := range m.Layers {
		if err := l.Digest.Validate(); err != nil {
			return nil, builderr.Registry("fetch layers", c.registry+"/"+repo+"@"+l.Digest.String(), 0, err)
		}
		blobs[i] = LayerBlob{Descriptor: l, repo: repo, client: c}
	}
	return blobs, nil
}

// Open returns the uncompressed tar stream of the layer. The compressed bytes are
// verified against the layer digest as they are read: if they do not match, the read
// that reaches the end of the stream fails with an error wrapping builderr.ErrDigestMismatch.
// With a cache, the blob is downloaded and verified into the cache first, and then
// streamed from there.
func (lb LayerBlob) Open(ctx context.Context) (io.ReadCloser, error) {
	u := lb.client.registry + "/" + lb.repo + "@" + lb.Descriptor.Digest.String()
	raw, err := lb.openRaw(ctx, u)
	if err != nil {
		return nil, err
	}
	rc, err := decompress(raw, lb.Descriptor.MediaType)
	if err != nil {
		raw.Close()
		return nil, builderr.Registry("decompress", u, 0, err)
	}
	return rc, nil
}

// openRaw returns the compressed blob stream. The registry stream comes from
// go-containerregistry's Compressed, which checks the digest itself.
func (lb LayerBlob) openRaw(ctx context.Context, u string) (io.ReadCloser, error) {
	c := lb.client
	d := lb.Descriptor.Digest
	if c.cache != nil && c.cache.Exists(d) {
		log.Debugf("layer %s from cache", helpers.ShortDigest(d))
		return c.cache.Open(d)
	}
	ref, err := name.NewDigest(u, c.nameOpts...)
	if err != nil {
		return nil, builderr.Registry("parse reference", u, 0, err)
	}
	layer, err := c.puller.Layer(ctx, ref)
	if err != nil {
		return nil, registryError("get blob", u, err)
	}
	rc, err := layer.Compressed()
	if err != nil {
		return nil, registryError("get blob", u, err)
	}
	metrics.IncLayerPulls()
	log.Infof("pulling layer %s (%s)", helpers.ShortDigest(d), helpers.HumanSize(lb.Descriptor.Size))
	var body io.Reader = &countingReader{r: rc}
	if c.progress {
		bar := progressbar.NewOptions64(lb.Descriptor.Size,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetDescription(helpers.ShortDigest(d)),
			progressbar.OptionClearOnFinish(),
		)
		pr := progressbar.NewReader(body, bar)
		body = &pr
	}
	vr := &verifyingReader{r: body, closer: rc, verifier: d.Verifier(), size: lb.Descriptor.Size, url: u}
	if c.cache == nil {
		return vr, nil
	}
	defer vr.Close()
	if _, err := c.cache.PutVerified(vr, d); err != nil {
		var re *builderr.RegistryError
		if errors.As(err, &re) {
			return nil, re
		}
		return nil, err
	}
	return c.cache.Open(d)
}

// verifyingReader hashes everything read through it. A read that fails once the
// whole blob has been seen, or that reaches EOF, is reported as a digest mismatch
// if the content does not match. Any other read error is a RegistryError.
type verifyingReader struct {
	r        io.Reader
	closer   io.Closer
	verifier digest.Verifier
	size     int64
	read     int64
	url      string
}

func (vr *verifyingReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	if n > 0 {
		vr.verifier.Write(p[:n])
		vr.read += int64(n)
	}
	if err == nil {
		return n, nil
	}
	if (err == io.EOF || vr.read >= vr.size) && !vr.verifier.Verified() {
		return n, builderr.Registry("verify blob", vr.url, 0, builderr.ErrDigestMismatch)
	}
	if err != io.EOF {
		err = registryError("read blob", vr.url, err)
	}
	return n, err
}

func (vr *verifyingReader) Close() error {
	return vr.closer.Close()
}

type countingReader struct {
	r io.Reader
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	metrics.AddBytesPulled(float64(n))
	return n, err
}

// layerReader is the decompressed stream. At the end of the decompressed data, the
// rest of the compressed stream is drained so that verification always completes.
type layerReader struct {
	r      io.Reader
	raw    io.Reader
	closer func() error
}

func (lr *layerReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	if err == io.EOF && lr.raw != nil {
		if _, derr := io.Copy(io.Discard, lr.raw); derr != nil {
			return n, derr
		}
	}
	return n, err
}

func (lr *layerReader) Close() error {
	return lr.closer()
}

// decompress wraps the raw blob stream in a decompressor picked by the leading magic
// bytes, which take precedence over the media type.
func decompress(raw io.ReadCloser, mediaType string) (io.ReadCloser, error) {
	byType, err := compressionOf(mediaType)
	if err != nil {
		return nil, err
	}
	br := bufio.NewReader(raw)
	magic, _ := br.Peek(len(zstdMagic))
	sniffed := none
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		sniffed = gzipped
	case bytes.HasPrefix(magic, zstdMagic):
		sniffed = zstded
	}
	if sniffed != byType {
		log.Debugf("layer media type %s does not match content, using content", mediaType)
	}
	switch sniffed {
	case gzipped:
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &layerReader{r: zr, raw: br, closer: func() error {
			zr.Close()
			return raw.Close()
		}}, nil
	case zstded:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		return &layerReader{r: zr, raw: br, closer: func() error {
			zr.Close()
			return raw.Close()
		}}, nil
	}
	return &layerReader{r: br, closer: raw.Close}, nil
}

// compressionOf returns the compression a layer media type declares, or an error if
// the media type is not a layer type.
func compressionOf(mediaType string) (compression, error) {
	switch types.MediaType(mediaType) {
	case types.OCILayer, types.DockerLayer, types.DockerForeignLayer, types.OCIRestrictedLayer:
		return gzipped, nil
	case types.OCILayerZStd:
		return zstded, nil
	case types.OCIUncompressedLayer, types.DockerUncompressedLayer, types.OCIUncompressedRestrictedLayer:
		return none, nil
	}
	return none, fmt.Errorf("unsupported layer media type %q", mediaType)
}
