package packer

import (
	"archive/tar"
	"context"
	"io"
	"path"
	"strings"

	"github.com/aceeric/ocibuilder/impl/builderr"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

// Opener opens one uncompressed layer tar stream. Squash opens each layer twice.
type Opener func() (io.ReadCloser, error)

// node is one path in the merged tree
type node struct {
	children map[string]*node
	// layer is the index of the layer that provides the path, or -1 if the
	// path does not survive the merge
	layer int
	dir   bool
	// hdr is the directory header of the owning layer
	hdr     *tar.Header
	emitted bool
}

func newNode() *node {
	return &node{layer: -1}
}

// tree holds every path seen in the layers, keyed by path element
type tree struct {
	root *node
}

// lookup returns the node for 'name', creating it and its parents if 'create'
// is true. It returns nil if the node does not exist and 'create' is false.
func (t *tree) lookup(name string, create bool) *node {
	n := t.root
	if name == "" {
		return n
	}
	for _, elem := range strings.Split(name, "/") {
		c, ok := n.children[elem]
		if !ok {
			if !create {
				return nil
			}
			if n.children == nil {
				n.children = make(map[string]*node)
			}
			c = newNode()
			n.children[elem] = c
		}
		n = c
	}
	return n
}

// removeLower drops every path under 'n' provided by a layer lower than 'layer'.
// If 'self' is true then 'n' itself is dropped too. Only the subtree of 'n' is
// visited.
func removeLower(n *node, layer int, self bool) {
	if self && n.layer < layer {
		n.layer, n.dir, n.hdr = -1, false, nil
	}
	for elem, c := range n.children {
		removeLower(c, layer, true)
		if c.layer < 0 && len(c.children) == 0 {
			delete(n.children, elem)
		}
	}
}

// Squash merges the passed layers - bottom first - into a single tar written to 'w'
// as if they had been applied in order: an entry in a higher layer replaces the
// same path in lower layers, whiteout files remove paths from lower layers, and
// opaque whiteouts hide the lower-layer contents of their directory. Whiteouts are
// consumed by the merge and are not written. A directory is written the first time
// it is seen, with the header of the highest layer that provides it, so that it
// always precedes its contents.
func Squash(ctx context.Context, layers []Opener, w io.Writer) error {
	t, err := resolveOwners(ctx, layers)
	if err != nil {
		return err
	}
	e := &emitter{tree: t, tw: tar.NewWriter(w)}
	for i, open := range layers {
		if err := e.emitLayer(ctx, i, open); err != nil {
			return err
		}
	}
	for _, l := range e.links {
		if l.node.emitted {
			continue
		}
		if err := e.emit(l.name, l.node, l.hdr, nil); err != nil {
			return builderr.Packaging("squash", l.hdr.Name, err)
		}
	}
	if err := e.tw.Close(); err != nil {
		return builderr.Packaging("squash", "", err)
	}
	return nil
}

// resolveOwners makes a first pass over all the layers and returns the tree of
// every path, marked with the index of the layer that provides it.
func resolveOwners(ctx context.Context, layers []Opener) (*tree, error) {
	t := &tree{root: newNode()}
	for i, open := range layers {
		err := walkLayer(ctx, open, func(hdr *tar.Header, _ io.Reader) error {
			name := cleanName(hdr.Name)
			dir, base := path.Split(name)
			dir = strings.TrimSuffix(dir, "/")
			switch {
			case base == whiteoutOpaque:
				if n := t.lookup(dir, false); n != nil {
					removeLower(n, i, false)
				}
			case strings.HasPrefix(base, whiteoutPrefix):
				if n := t.lookup(path.Join(dir, strings.TrimPrefix(base, whiteoutPrefix)), false); n != nil {
					removeLower(n, i, true)
				}
			default:
				n := t.lookup(name, true)
				if hdr.Typeflag == tar.TypeDir {
					h := *hdr
					n.dir, n.hdr = true, &h
				} else {
					// a non-directory replaces whatever tree was below it
					removeLower(n, i, false)
					n.dir, n.hdr = false, nil
				}
				n.layer = i
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// emitter writes the surviving entries of each layer
type emitter struct {
	tree *tree
	tw   *tar.Writer
	// links are hard links whose target comes from a higher layer, written last
	links []deferredLink
}

type deferredLink struct {
	name string
	node *node
	hdr  *tar.Header
}

func (e *emitter) emitLayer(ctx context.Context, idx int, open Opener) error {
	return walkLayer(ctx, open, func(hdr *tar.Header, r io.Reader) error {
		name := cleanName(hdr.Name)
		if strings.HasPrefix(path.Base(name), whiteoutPrefix) {
			return nil
		}
		n := e.tree.lookup(name, false)
		if n == nil || n.layer < 0 || n.emitted {
			return nil
		}
		if n.dir {
			return e.emit(name, n, n.hdr, nil)
		}
		if n.layer != idx {
			return nil
		}
		if hdr.Typeflag == tar.TypeLink {
			if target := e.tree.lookup(cleanName(hdr.Linkname), false); target != nil && target.layer > idx {
				h := *hdr
				e.links = append(e.links, deferredLink{name: name, node: n, hdr: &h})
				return nil
			}
		}
		return e.emit(name, n, hdr, r)
	})
}

// emit writes the parent directories of 'name' that have not been written yet,
// then the entry itself.
func (e *emitter) emit(name string, n *node, hdr *tar.Header, r io.Reader) error {
	if dir := path.Dir(name); dir != "." {
		if p := e.tree.lookup(dir, false); p != nil && p.dir && p.layer >= 0 && !p.emitted {
			if err := e.emit(dir, p, p.hdr, nil); err != nil {
				return err
			}
		}
	}
	n.emitted = true
	return e.write(hdr, r)
}

func (e *emitter) write(hdr *tar.Header, r io.Reader) error {
	if err := e.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if r != nil && (hdr.Typeflag == tar.TypeReg || hdr.Typeflag == tar.TypeRegA) {
		if _, err := io.Copy(e.tw, r); err != nil {
			return err
		}
	}
	return nil
}

func walkLayer(ctx context.Context, open Opener, fn func(*tar.Header, io.Reader) error) error {
	rc, err := open()
	if err != nil {
		return err
	}
	defer rc.Close()
	tr := tar.NewReader(rc)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return builderr.Packaging("read layer", "", err)
		}
		if err := fn(hdr, tr); err != nil {
			return builderr.Packaging("squash", hdr.Name, err)
		}
	}
}

// cleanName normalizes a tar entry name: no leading "./" or "/", no trailing "/".
func cleanName(name string) string {
	n := path.Clean("/" + name)
	return strings.TrimPrefix(n, "/")
}
