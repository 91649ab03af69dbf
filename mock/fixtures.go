package mock

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/go-containerregistry/pkg/v1/types"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Flavor selects the media types an image is published with
type Flavor int

const (
	OCI Flavor = iota
	DOCKER
)

// Compression of a layer blob on the wire
type Compression int

const (
	Uncompressed Compression = iota
	Gzip
	Zstd
)

// File is one entry in a layer. A name ending in "/" is a directory.
type File struct {
	Name    string
	Content string
}

// Layer is one layer of a mock image
type Layer struct {
	Files       []File
	Compression Compression
}

// Image is one platform image
type Image struct {
	OS     string
	Arch   string
	Layers []Layer
}

// Published has the digests of an image added to the registry. DiffIDs and Blobs
// are in layer order. Blobs are the digests of the compressed bytes.
type Published struct {
	Digest          digest.Digest
	ConfigDigest    digest.Digest
	DiffIDs         []digest.Digest
	Blobs           []digest.Digest
	UncompressedTar [][]byte
}

// Repo has everything published under one repository tag. IndexDigest is empty
// if the tag refers directly to an image manifest.
type Repo struct {
	IndexDigest digest.Digest
	Images      map[string]Published
}

type manifestEntry struct {
	mediaType string
	body      []byte
}

// Registry is the content the mock server serves
type Registry struct {
	mu        sync.Mutex
	manifests map[string]map[string]manifestEntry
	blobs     map[string]map[digest.Digest][]byte
	Repos     map[string]Repo
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{
		manifests: make(map[string]map[string]manifestEntry),
		blobs:     make(map[string]map[digest.Digest][]byte),
		Repos:     make(map[string]Repo),
	}
}

// Default returns a registry with these images:
//
//	distroless/base:latest  OCI index, linux/amd64 (one gzip layer) and linux/arm64 (one zstd layer)
//	docker/base:latest      Docker manifest list, linux/amd64 with one gzip layer
//	layered/base:v1         OCI index, linux/amd64 with a gzip and a zstd layer, the second one has whiteouts
//	plain/base:latest       OCI image manifest with one uncompressed layer, no index
func Default() *Registry {
	r := NewRegistry()
	r.AddImage("distroless/base", "latest", OCI, true,
		Image{OS: "linux", Arch: "amd64", Layers: []Layer{{Compression: Gzip, Files: []File{
			{Name: "etc/"},
			{Name: "etc/os-release", Content: "PRETTY_NAME=\"Distroless\"\n"},
			{Name: "etc/passwd", Content: "root:x:0:0:root:/root:/sbin/nologin\n"},
		}}}},
		Image{OS: "linux", Arch: "arm64", Layers: []Layer{{Compression: Zstd, Files: []File{
			{Name: "etc/"},
			{Name: "etc/os-release", Content: "PRETTY_NAME=\"Distroless arm64\"\n"},
		}}}},
	)
	r.AddImage("docker/base", "latest", DOCKER, true,
		Image{OS: "linux", Arch: "amd64", Layers: []Layer{{Compression: Gzip, Files: []File{
			{Name: "bin/"},
			{Name: "bin/sh", Content: "#!"},
		}}}},
	)
	r.AddImage("layered/base", "v1", OCI, true,
		Image{OS: "linux", Arch: "amd64", Layers: []Layer{
			{Compression: Gzip, Files: []File{
				{Name: "etc/"},
				{Name: "etc/os-release", Content: "v1"},
				{Name: "var/"},
				{Name: "var/cache/"},
				{Name: "var/cache/apt", Content: "apt"},
				{Name: "var/log", Content: "log"},
			}},
			{Compression: Zstd, Files: []File{
				{Name: "etc/"},
				{Name: "etc/os-release", Content: "v2"},
				{Name: "var/"},
				{Name: "var/.wh.cache"},
			}},
		}},
	)
	r.AddImage("plain/base", "latest", OCI, false,
		Image{OS: "linux", Arch: "amd64", Layers: []Layer{{Compression: Uncompressed, Files: []File{
			{Name: "hello", Content: "world"},
		}}}},
	)
	return r
}

// AddImage publishes the passed images under repo:tag. If 'index' is false only the
// first image is published, as a bare image manifest.
func (r *Registry) AddImage(repo, tag string, flavor Flavor, index bool, images ...Image) Repo {
	rp := Repo{Images: make(map[string]Published)}
	descs := []v1.Descriptor{}
	for _, img := range images {
		pub, desc := r.addPlatformImage(repo, flavor, img)
		rp.Images[img.OS+"/"+img.Arch] = pub
		descs = append(descs, desc)
		if !index {
			r.addManifest(repo, tag, desc.MediaType, r.manifestBody(repo, pub.Digest))
			break
		}
	}
	if index {
		mt := string(types.OCIImageIndex)
		if flavor == DOCKER {
			mt = string(types.DockerManifestList)
		}
		body := mustJSON(v1.Index{
			Versioned: specs.Versioned{SchemaVersion: 2},
			MediaType: mt,
			Manifests: descs,
		})
		d := r.addManifest(repo, digest.FromBytes(body).String(), mt, body)
		r.addManifest(repo, tag, mt, body)
		rp.IndexDigest = d
	}
	r.mu.Lock()
	r.Repos[repo+":"+tag] = rp
	r.mu.Unlock()
	return rp
}

func (r *Registry) addPlatformImage(repo string, flavor Flavor, img Image) (Published, v1.Descriptor) {
	pub := Published{}
	layerDescs := []v1.Descriptor{}
	for _, l := range img.Layers {
		raw := LayerTar(l.Files...)
		var blob []byte
		var mt types.MediaType
		switch l.Compression {
		case Gzip:
			blob, mt = GzipBytes(raw), types.OCILayer
			if flavor == DOCKER {
				mt = types.DockerLayer
			}
		case Zstd:
			blob, mt = ZstdBytes(raw), types.OCILayerZStd
		default:
			blob, mt = raw, types.OCIUncompressedLayer
			if flavor == DOCKER {
				mt = types.DockerUncompressedLayer
			}
		}
		bd := r.addBlob(repo, blob)
		pub.Blobs = append(pub.Blobs, bd)
		pub.DiffIDs = append(pub.DiffIDs, digest.FromBytes(raw))
		pub.UncompressedTar = append(pub.UncompressedTar, raw)
		layerDescs = append(layerDescs, v1.Descriptor{MediaType: string(mt), Digest: bd, Size: int64(len(blob))})
	}
	cfg := v1.Image{RootFS: v1.RootFS{Type: "layers", DiffIDs: pub.DiffIDs}}
	cfg.OS, cfg.Architecture = img.OS, img.Arch
	cfgBytes := mustJSON(cfg)
	pub.ConfigDigest = r.addBlob(repo, cfgBytes)

	manifestType, configType := string(types.OCIManifestSchema1), string(types.OCIConfigJSON)
	if flavor == DOCKER {
		manifestType, configType = string(types.DockerManifestSchema2), string(types.DockerConfigJSON)
	}
	body := mustJSON(v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: manifestType,
		Config:    v1.Descriptor{MediaType: configType, Digest: pub.ConfigDigest, Size: int64(len(cfgBytes))},
		Layers:    layerDescs,
	})
	pub.Digest = r.addManifest(repo, digest.FromBytes(body).String(), manifestType, body)
	return pub, v1.Descriptor{
		MediaType: manifestType,
		Digest:    pub.Digest,
		Size:      int64(len(body)),
		Platform:  &v1.Platform{OS: img.OS, Architecture: img.Arch},
	}
}

func (r *Registry) addBlob(repo string, b []byte) digest.Digest {
	d := digest.FromBytes(b)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blobs[repo] == nil {
		r.blobs[repo] = make(map[digest.Digest][]byte)
	}
	r.blobs[repo][d] = b
	return d
}

func (r *Registry) addManifest(repo, ref, mediaType string, body []byte) digest.Digest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.manifests[repo] == nil {
		r.manifests[repo] = make(map[string]manifestEntry)
	}
	r.manifests[repo][ref] = manifestEntry{mediaType: mediaType, body: body}
	return digest.FromBytes(body)
}

func (r *Registry) manifestBody(repo string, d digest.Digest) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifests[repo][d.String()].body
}

func (r *Registry) manifest(repo, ref string) (manifestEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[repo][ref]
	return m, ok
}

func (r *Registry) blob(repo string, d digest.Digest) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.blobs[repo][d]
	return b, ok
}

// LayerTar builds an uncompressed tar from the passed files. Output is deterministic.
func LayerTar(files ...File) []byte {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, f := range files {
		hdr := &tar.Header{
			Name:     f.Name,
			Mode:     0644,
			Typeflag: tar.TypeReg,
			Size:     int64(len(f.Content)),
			ModTime:  time.Unix(0, 0),
		}
		if strings.HasSuffix(f.Name, "/") {
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeDir, 0755, 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			panic(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(f.Content)); err != nil {
				panic(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// GzipBytes gzips the passed bytes
func GzipBytes(b []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// ZstdBytes zstd-compresses the passed bytes
func ZstdBytes(b []byte) []byte {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		panic(err)
	}
	defer enc.Close()
	return enc.EncodeAll(b, nil)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
