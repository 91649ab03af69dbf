// Package blobstore is content-addressed storage on the filesystem. A blob is
// stored in a file named by the hex encoding of its digest under
// <root>/blobs/<algorithm>/, which is the blob layout of an OCI image layout
// directory. Blobs are immutable: once a digest is present it is never written
// again. Every write goes to a unique temp file in the target directory first
// and is then renamed into place, so concurrent writers of the same or of
// different digests never observe a partial file.
package blobstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aceeric/ocibuilder/impl/builderr"
	"github.com/aceeric/ocibuilder/impl/globals"
	"github.com/aceeric/ocibuilder/impl/helpers"
	"github.com/aceeric/ocibuilder/impl/metrics"

	"github.com/opencontainers/go-digest"
	log "github.com/sirupsen/logrus"
)

const tmpPattern = ".ingest-*"

// BlobStore stores blobs under a root directory
type BlobStore struct {
	root string
	dir  string
}

// New creates the blob directory tree under 'root' (if needed) and returns a
// BlobStore that writes there.
func New(root string) (*BlobStore, error) {
	dir := filepath.Join(root, globals.BlobsDir, string(digest.Canonical))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, builderr.Storage("create blob directory", dir, err)
	}
	return &BlobStore{root: root, dir: dir}, nil
}

// Root returns the directory the store was created in
func (bs *BlobStore) Root() string {
	return bs.root
}

// LocationOf returns the path a blob with the passed digest is (or would be)
// stored at.
func (bs *BlobStore) LocationOf(d digest.Digest) string {
	return filepath.Join(bs.root, globals.BlobsDir, d.Algorithm().String(), d.Encoded())
}

// Exists returns true if a blob with the passed digest is stored.
func (bs *BlobStore) Exists(d digest.Digest) bool {
	if d.Validate() != nil {
		return false
	}
	fi, err := os.Stat(bs.LocationOf(d))
	return err == nil && fi.Mode().IsRegular()
}

// SizeOf returns the size in bytes of the blob with the passed digest. If the blob
// is not stored the returned error wraps builderr.ErrNotFound.
func (bs *BlobStore) SizeOf(d digest.Digest) (int64, error) {
	if err := d.Validate(); err != nil {
		return 0, builderr.Storage("size", d.String(), err)
	}
	p := bs.LocationOf(d)
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, builderr.Storage("size", p, builderr.ErrNotFound)
		}
		return 0, builderr.Storage("size", p, err)
	}
	return fi.Size(), nil
}

// Open opens the blob with the passed digest for reading.
func (bs *BlobStore) Open(d digest.Digest) (io.ReadCloser, error) {
	if err := d.Validate(); err != nil {
		return nil, builderr.Storage("open", d.String(), err)
	}
	p := bs.LocationOf(d)
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, builderr.Storage("open", p, builderr.ErrNotFound)
		}
		return nil, builderr.Storage("open", p, err)
	}
	return f, nil
}

// Put stores the passed content and returns its digest. If the content is
// already stored nothing is written.
func (bs *BlobStore) Put(content []byte) (digest.Digest, error) {
	d := digest.FromBytes(content)
	if bs.Exists(d) {
		log.Debugf("blob %s already present", helpers.ShortDigest(d))
		return d, nil
	}
	if _, _, err := bs.ingest(bytes.NewReader(content), d); err != nil {
		return "", err
	}
	return d, nil
}

// Ingest stores the content read from 'r' - computing its digest while copying -
// and returns the digest and the number of bytes read. Used for layers, which
// are not held in memory.
func (bs *BlobStore) Ingest(r io.Reader) (digest.Digest, int64, error) {
	return bs.ingest(r, "")
}

// PutVerified is like Ingest except that the content must hash to 'expected'. If it
// doesn't then nothing is stored and the returned error wraps builderr.ErrDigestMismatch.
func (bs *BlobStore) PutVerified(r io.Reader, expected digest.Digest) (int64, error) {
	if err := expected.Validate(); err != nil {
		return 0, builderr.Storage("verify", expected.String(), err)
	}
	if bs.Exists(expected) {
		return bs.SizeOf(expected)
	}
	_, n, err := bs.ingest(r, expected)
	return n, err
}

// ingest streams 'r' into a temp file, then renames the temp file to the digest
// path. If 'expected' is not empty the computed digest must match it.
func (bs *BlobStore) ingest(r io.Reader, expected digest.Digest) (digest.Digest, int64, error) {
	tmp, err := os.CreateTemp(bs.dir, tmpPattern)
	if err != nil {
		return "", 0, builderr.Storage("create temp file", bs.dir, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(tmp, digester.Hash()), r)
	if err != nil {
		tmp.Close()
		return "", 0, builderr.Storage("write", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, builderr.Storage("sync", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, builderr.Storage("close", tmpName, err)
	}
	d := digester.Digest()
	if expected != "" && d != expected {
		return "", 0, builderr.Storage("verify", expected.String(),
			fmt.Errorf("%w: computed %s", builderr.ErrDigestMismatch, d))
	}
	target := bs.LocationOf(d)
	if bs.Exists(d) {
		log.Debugf("blob %s already present", helpers.ShortDigest(d))
		return d, n, nil
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return "", 0, builderr.Storage("chmod", tmpName, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", 0, builderr.Storage("rename", target, err)
	}
	committed = true
	metrics.IncBlobsWritten()
	metrics.AddBlobBytesWritten(float64(n))
	log.Debugf("stored blob %s (%s)", helpers.ShortDigest(d), helpers.HumanSize(n))
	return d, n, nil
}
