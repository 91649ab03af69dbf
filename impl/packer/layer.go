package packer

import (
	"bytes"
	"context"
	"io"

	"github.com/aceeric/ocibuilder/impl/blobstore"
	"github.com/aceeric/ocibuilder/impl/builderr"
	"github.com/aceeric/ocibuilder/impl/helpers"
	"github.com/aceeric/ocibuilder/impl/metrics"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Layer records a stored layer. DiffID is the digest of the uncompressed tar and
// Digest is the digest of the stored bytes. Since layers are stored uncompressed the
// two are always the same.
type Layer struct {
	DiffID digest.Digest
	Digest digest.Digest
	Size   int64
}

// Packer packs directories into layers and stores them in a blob store.
type Packer struct {
	archiver Archiver
	store    *blobstore.BlobStore
}

// New returns a Packer that archives with 'archiver' and stores into 'store'. A nil
// archiver gets the default reproducible tar archiver.
func New(archiver Archiver, store *blobstore.BlobStore) *Packer {
	if archiver == nil {
		archiver = NewTarArchiver()
	}
	return &Packer{archiver: archiver, store: store}
}

// PackAndStore archives 'srcDir' at 'mountPrefix' and streams the archive into the
// blob store without holding it in memory.
func (p *Packer) PackAndStore(ctx context.Context, srcDir, mountPrefix string) (Layer, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(p.archiver.Archive(ctx, srcDir, mountPrefix, pw))
	}()
	d, n, err := p.store.Ingest(pr)
	// unblocks the archiver if the store failed part way through
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		return Layer{}, unwrapPipe(err)
	}
	metrics.IncLayersPacked(NormalizePrefix(mountPrefix))
	log.Infof("packed %s at %s: %s (%s)", srcDir, NormalizePrefix(mountPrefix), helpers.ShortDigest(d), helpers.HumanSize(n))
	return Layer{DiffID: d, Digest: d, Size: n}, nil
}

// Pack archives 'srcDir' at 'mountPrefix' into memory.
func (p *Packer) Pack(ctx context.Context, srcDir, mountPrefix string) ([]byte, error) {
	var buf bytes.Buffer
	if err := p.archiver.Archive(ctx, srcDir, mountPrefix, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unwrapPipe surfaces an archiver failure that reached the store through the pipe
// as the packaging error it is, rather than as a storage write error.
func unwrapPipe(err error) error {
	var pe *builderr.PackagingError
	if errors.As(err, &pe) {
		return pe
	}
	return err
}
