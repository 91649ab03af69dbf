// Package packer turns a directory tree into an uncompressed tar layer whose
// entries are all rooted at a mount prefix in the image filesystem. For example
// packing /tmp/jre with prefix opt/jre produces entries opt/jre/, opt/jre/bin/,
// opt/jre/bin/java, etc.
package packer

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aceeric/ocibuilder/impl/builderr"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const copyBufSize = 32768

// Archiver writes an archive of 'srcDir' to 'w' with every entry rooted at 'mountPrefix'.
type Archiver interface {
	Archive(ctx context.Context, srcDir, mountPrefix string, w io.Writer) error
}

// TarArchiver is the default Archiver. If Reproducible is true then the archive
// depends only on the directory contents and permissions: ownership is zeroed and
// every modification time is set to Epoch.
type TarArchiver struct {
	Reproducible bool
	Epoch        time.Time
}

// NewTarArchiver returns a reproducible TarArchiver that stamps entries with the
// Unix epoch.
func NewTarArchiver() *TarArchiver {
	return &TarArchiver{Reproducible: true, Epoch: time.Unix(0, 0)}
}

// NormalizePrefix cleans the passed mount prefix so it has no leading or trailing
// separator, e.g. "/opt/jre/" becomes "opt/jre".
func NormalizePrefix(prefix string) string {
	p := path.Clean("/" + filepath.ToSlash(prefix))
	return strings.TrimPrefix(p, "/")
}

// Archive walks 'srcDir' in lexical order and writes a tar stream to 'w'. The root
// of the source directory itself becomes the mount prefix directory entry. The
// absolute path of the source is never written. Symlinks are archived as links
// (their targets are not followed). Sockets and devices are skipped.
func (ta *TarArchiver) Archive(ctx context.Context, srcDir, mountPrefix string, w io.Writer) error {
	resolved, err := filepath.EvalSymlinks(srcDir)
	if err != nil {
		return builderr.Packaging("resolve", srcDir, err)
	}
	fi, err := os.Stat(resolved)
	if err != nil {
		return builderr.Packaging("stat", srcDir, err)
	}
	if !fi.IsDir() {
		return builderr.Packaging("stat", srcDir, errors.New("not a directory"))
	}
	prefix := NormalizePrefix(mountPrefix)
	tw := tar.NewWriter(w)
	buf := bufio.NewWriterSize(nil, copyBufSize)

	err = filepath.WalkDir(resolved, func(file string, de fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(resolved, file)
		if err != nil {
			return err
		}
		return ta.writeEntry(tw, buf, file, entryName(prefix, filepath.ToSlash(rel)), de)
	})
	if err != nil {
		return builderr.Packaging("archive", srcDir, err)
	}
	if err := tw.Close(); err != nil {
		return builderr.Packaging("close archive", srcDir, err)
	}
	return nil
}

// entryName joins the prefix and the slash-separated relative path. Directories get a
// trailing slash from the tar header so it is not added here.
func entryName(prefix, rel string) string {
	if rel == "." {
		rel = ""
	}
	switch {
	case prefix == "":
		return rel
	case rel == "":
		return prefix
	}
	return prefix + "/" + rel
}

func (ta *TarArchiver) writeEntry(tw *tar.Writer, buf *bufio.Writer, file, name string, de fs.DirEntry) error {
	fi, err := de.Info()
	if err != nil {
		return err
	}
	if name == "" {
		// empty prefix, source root: nothing to emit
		return nil
	}
	mode := fi.Mode()
	if mode&(fs.ModeSocket|fs.ModeDevice|fs.ModeNamedPipe|fs.ModeCharDevice|fs.ModeIrregular) != 0 {
		log.Warnf("skipping special file %s", file)
		return nil
	}
	link := ""
	if mode&fs.ModeSymlink != 0 {
		if link, err = os.Readlink(file); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if fi.IsDir() {
		hdr.Name += "/"
	}
	if ta.Reproducible {
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "", ""
		hdr.ModTime = ta.Epoch
		hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !mode.IsRegular() {
		return nil
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	buf.Reset(tw)
	defer buf.Reset(nil)
	if _, err := io.Copy(buf, f); err != nil {
		return err
	}
	return buf.Flush()
}
