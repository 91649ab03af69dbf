// Package assembler builds an OCI image layout from the layers of a base image
// pulled from a registry, a runtime directory, and an application directory. The
// build is a linear sequence of states. Everything is written into a staging
// directory beside the output directory, which is renamed onto the output directory
// only when the build succeeds, so a failed build leaves nothing behind.
package assembler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aceeric/ocibuilder/impl/blobstore"
	"github.com/aceeric/ocibuilder/impl/builderr"
	"github.com/aceeric/ocibuilder/impl/globals"
	"github.com/aceeric/ocibuilder/impl/helpers"
	"github.com/aceeric/ocibuilder/impl/metrics"
	"github.com/aceeric/ocibuilder/impl/packer"
	"github.com/aceeric/ocibuilder/impl/upstream"

	"github.com/opencontainers/go-digest"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// State is where a build is in the sequence of build steps
type State int

const (
	Init State = iota
	BaseLayerAcquired
	RuntimeLayerPacked
	AppLayerPacked
	ConfigWritten
	ManifestWritten
	IndexWritten
	Done
	Failed
)

var stateNames = [...]string{
	"Init",
	"BaseLayerAcquired",
	"RuntimeLayerPacked",
	"AppLayerPacked",
	"ConfigWritten",
	"ManifestWritten",
	"IndexWritten",
	"Done",
	"Failed",
}

func (s State) String() string {
	if s < Init || s > Failed {
		return "Unknown"
	}
	return stateNames[s]
}

// Options configures a build. Empty values get defaults from New.
type Options struct {
	RuntimeDir    string
	AppDir        string
	Module        string
	MainClass     string
	OutDir        string
	BaseImage     string
	OS            string
	Arch          string
	Tag           string
	RuntimePrefix string
	AppPrefix     string
	// KeepBaseLayers copies the base image layers as they are instead of merging
	// them into one layer, so the image has more than three layers if the base does
	KeepBaseLayers bool
	// Concurrent acquires the base layers and packs the runtime and app directories
	// in parallel
	Concurrent bool
	// Force replaces a non-empty OutDir
	Force bool
}

// ClientFor returns a registry client for the passed registry host
type ClientFor func(registry string) (*upstream.Client, error)

// Assembler runs one build
type Assembler struct {
	opts      Options
	clientFor ClientFor
	archiver  packer.Archiver
	mu        sync.Mutex
	state     State
}

// Option configures an Assembler
type Option func(*Assembler)

// WithClientFor sets how registry clients are created. The default is an anonymous
// https client.
func WithClientFor(cf ClientFor) Option {
	return func(a *Assembler) {
		a.clientFor = cf
	}
}

// WithArchiver replaces the default reproducible tar archiver
func WithArchiver(archiver packer.Archiver) Option {
	return func(a *Assembler) {
		a.archiver = archiver
	}
}

// New returns an Assembler for the passed options
func New(opts Options, aopts ...Option) *Assembler {
	a := &Assembler{opts: withDefaults(opts), state: Init}
	for _, o := range aopts {
		o(a)
	}
	if a.clientFor == nil {
		a.clientFor = func(registry string) (*upstream.Client, error) {
			return upstream.NewClient(registry)
		}
	}
	return a
}

func withDefaults(opts Options) Options {
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	def(&opts.MainClass, globals.DefaultMainClass)
	def(&opts.OutDir, globals.DefaultOutDir)
	def(&opts.BaseImage, globals.DefaultBaseImage)
	def(&opts.OS, "linux")
	def(&opts.Arch, "amd64")
	def(&opts.Tag, globals.DefaultTag)
	def(&opts.RuntimePrefix, globals.RuntimePrefix)
	def(&opts.AppPrefix, globals.AppPrefix)
	return opts
}

// State returns the current state of the build
func (a *Assembler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Assembler) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	log.Debugf("build state %s -> %s", a.state, s)
	a.state = s
}

// layerSlots holds the results of the three layer-producing steps. Each step writes
// only its own slot so the steps can run concurrently.
type layerSlots struct {
	base    []packer.Layer
	runtime packer.Layer
	app     packer.Layer
}

func (ls layerSlots) ordered() []packer.Layer {
	return append(append(append([]packer.Layer{}, ls.base...), ls.runtime), ls.app)
}

// Build runs the build and returns the absolute path of the output directory.
func (a *Assembler) Build(ctx context.Context) (outDir string, err error) {
	if a.State() != Init {
		return "", errors.Errorf("build already run, state is %s", a.State())
	}
	start := time.Now()
	defer func() {
		if err != nil {
			a.setState(Failed)
			metrics.IncBuildErrors(builderr.Kind(err))
			log.Errorf("build failed: %s", err)
		}
		metrics.SetBuildSeconds(time.Since(start).Seconds())
	}()

	opts := a.opts
	ref, err := a.validate()
	if err != nil {
		return "", err
	}
	if outDir, err = filepath.Abs(opts.OutDir); err != nil {
		return "", builderr.Storage("resolve output directory", opts.OutDir, err)
	}
	if err := checkOutDir(outDir, opts.Force); err != nil {
		return "", err
	}
	staging, err := newStaging(outDir)
	if err != nil {
		return "", err
	}
	defer func() {
		err = multierr.Append(err, staging.cleanup())
	}()
	store, err := blobstore.New(staging.dir)
	if err != nil {
		return "", err
	}
	if err := writeDocument(filepath.Join(staging.dir, v1.ImageLayoutFile), LayoutMarker()); err != nil {
		return "", err
	}

	client, err := a.clientFor(ref.Registry)
	if err != nil {
		return "", err
	}
	// the base manifest is resolved before anything else is done so that an
	// unreachable registry fails the build before any layer is written
	manifestDigest, err := client.ResolveManifestDigest(ctx, ref.Repository, ref.Identifier, opts.OS, opts.Arch)
	if err != nil {
		return "", err
	}
	manifest, err := client.FetchManifest(ctx, ref.Repository, manifestDigest.String())
	if err != nil {
		return "", err
	}
	log.Infof("base image %s for %s/%s is %s with %d layer(s)", ref, opts.OS, opts.Arch,
		helpers.ShortDigest(manifest.Digest), len(manifest.Layers))

	pk := packer.New(a.archiver, store)
	slots := layerSlots{}
	acquireBase := func(ctx context.Context) (err error) {
		slots.base, err = a.acquireBase(ctx, client, ref.Repository, manifest, store, staging.dir)
		return err
	}
	packRuntime := func(ctx context.Context) (err error) {
		slots.runtime, err = pk.PackAndStore(ctx, opts.RuntimeDir, opts.RuntimePrefix)
		return err
	}
	packApp := func(ctx context.Context) (err error) {
		slots.app, err = pk.PackAndStore(ctx, opts.AppDir, opts.AppPrefix)
		return err
	}
	if opts.Concurrent {
		g, gctx := errgroup.WithContext(ctx)
		for _, step := range []func(context.Context) error{acquireBase, packRuntime, packApp} {
			step := step
			g.Go(func() error { return step(gctx) })
		}
		if err := g.Wait(); err != nil {
			return "", err
		}
		a.setState(BaseLayerAcquired)
		a.setState(RuntimeLayerPacked)
		a.setState(AppLayerPacked)
	} else {
		if err := acquireBase(ctx); err != nil {
			return "", err
		}
		a.setState(BaseLayerAcquired)
		if err := packRuntime(ctx); err != nil {
			return "", err
		}
		a.setState(RuntimeLayerPacked)
		if err := packApp(ctx); err != nil {
			return "", err
		}
		a.setState(AppLayerPacked)
	}
	layers := slots.ordered()

	configDesc, err := a.writeConfig(store, layers)
	if err != nil {
		return "", err
	}
	a.setState(ConfigWritten)

	manifestDesc, err := writeManifest(store, configDesc, layers)
	if err != nil {
		return "", err
	}
	a.setState(ManifestWritten)

	if err := requireBlobs(store, manifestDesc.Digest); err != nil {
		return "", err
	}
	if err := writeDocument(filepath.Join(staging.dir, v1.ImageIndexFile), ImageIndex(manifestDesc, opts.Tag)); err != nil {
		return "", err
	}
	a.setState(IndexWritten)

	if err := staging.publish(outDir, opts.Force); err != nil {
		return "", err
	}
	a.setState(Done)
	log.Infof("wrote image layout %s (manifest %s, %d layers)", outDir, helpers.ShortDigest(manifestDesc.Digest), len(layers))
	return outDir, nil
}

// validate checks the options and parses the base image reference
func (a *Assembler) validate() (upstream.Reference, error) {
	opts := a.opts
	for _, d := range []string{opts.RuntimeDir, opts.AppDir} {
		if d == "" {
			return upstream.Reference{}, builderr.Packaging("validate", d, errors.New("directory is required"))
		}
		fi, err := os.Stat(d)
		if err != nil {
			return upstream.Reference{}, builderr.Packaging("validate", d, err)
		}
		if !fi.IsDir() {
			return upstream.Reference{}, builderr.Packaging("validate", d, errors.New("not a directory"))
		}
	}
	if opts.Module == "" {
		return upstream.Reference{}, builderr.Packaging("validate", opts.AppDir, errors.New("module name is required"))
	}
	return upstream.ParseReference(opts.BaseImage)
}

// acquireBase stores the decompressed layers of the base image, in manifest order.
// Unless KeepBaseLayers is set, a base with more than one layer is first ingested
// into a scratch store in the staging directory and then merged into one layer.
func (a *Assembler) acquireBase(ctx context.Context, client *upstream.Client, repo string, m *upstream.ManifestDocument,
	store *blobstore.BlobStore, stagingDir string) (layers []packer.Layer, err error) {
	blobs, err := client.FetchLayerBlobs(ctx, repo, m)
	if err != nil {
		return nil, err
	}
	target := store
	if !a.opts.KeepBaseLayers && len(blobs) > 1 {
		scratchDir := filepath.Join(stagingDir, ".scratch")
		defer func() {
			err = multierr.Append(err, builderr.Storage("remove scratch", scratchDir, os.RemoveAll(scratchDir)))
		}()
		if target, err = blobstore.New(scratchDir); err != nil {
			return nil, err
		}
	}
	for _, lb := range blobs {
		l, err := ingestBlob(ctx, lb, target)
		if err != nil {
			return nil, err
		}
		log.Infof("base layer %s: diffID %s (%s)", helpers.ShortDigest(lb.Descriptor.Digest), helpers.ShortDigest(l.DiffID), helpers.HumanSize(l.Size))
		layers = append(layers, l)
	}
	if target == store {
		return layers, nil
	}
	squashed, err := squash(ctx, target, layers, store)
	if err != nil {
		return nil, err
	}
	log.Infof("squashed %d base layers into %s", len(layers), helpers.ShortDigest(squashed.DiffID))
	return []packer.Layer{squashed}, nil
}

func ingestBlob(ctx context.Context, lb upstream.LayerBlob, store *blobstore.BlobStore) (packer.Layer, error) {
	rc, err := lb.Open(ctx)
	if err != nil {
		return packer.Layer{}, err
	}
	defer rc.Close()
	d, n, err := store.Ingest(rc)
	if err != nil {
		return packer.Layer{}, preferRegistry(err)
	}
	return packer.Layer{DiffID: d, Digest: d, Size: n}, nil
}

// squash merges the passed layers from 'scratch' into one layer stored in 'store'
func squash(ctx context.Context, scratch *blobstore.BlobStore, layers []packer.Layer, store *blobstore.BlobStore) (packer.Layer, error) {
	openers := make([]packer.Opener, len(layers))
	for i, l := range layers {
		d := l.Digest
		openers[i] = func() (io.ReadCloser, error) { return scratch.Open(d) }
	}
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(packer.Squash(ctx, openers, pw))
	}()
	d, n, err := store.Ingest(pr)
	pr.CloseWithError(io.ErrClosedPipe)
	if err != nil {
		var pe *builderr.PackagingError
		if errors.As(err, &pe) {
			return packer.Layer{}, pe
		}
		return packer.Layer{}, err
	}
	return packer.Layer{DiffID: d, Digest: d, Size: n}, nil
}

func (a *Assembler) writeConfig(store *blobstore.BlobStore, layers []packer.Layer) (v1.Descriptor, error) {
	diffIDs := make([]digest.Digest, len(layers))
	for i, l := range layers {
		diffIDs[i] = l.DiffID
	}
	ep := Entrypoint(a.opts.RuntimePrefix, a.opts.AppPrefix, a.opts.Module, a.opts.MainClass)
	return putDocument(store, v1.MediaTypeImageConfig, ImageConfig(a.opts.OS, a.opts.Arch, diffIDs, ep))
}

func writeManifest(store *blobstore.BlobStore, config v1.Descriptor, layers []packer.Layer) (v1.Descriptor, error) {
	refs := []digest.Digest{config.Digest}
	for _, l := range layers {
		refs = append(refs, l.Digest)
	}
	if err := requireBlobs(store, refs...); err != nil {
		return v1.Descriptor{}, err
	}
	return putDocument(store, v1.MediaTypeImageManifest, ImageManifest(config, layers))
}

// putDocument stores a JSON document as a blob and returns its descriptor with the
// size read back from the store.
func putDocument(store *blobstore.BlobStore, mediaType string, doc any) (v1.Descriptor, error) {
	b, err := marshal(doc)
	if err != nil {
		return v1.Descriptor{}, builderr.Storage("encode", mediaType, err)
	}
	d, err := store.Put(b)
	if err != nil {
		return v1.Descriptor{}, err
	}
	size, err := store.SizeOf(d)
	if err != nil {
		return v1.Descriptor{}, err
	}
	log.Debugf("stored %s %s", mediaType, helpers.ShortDigest(d))
	return v1.Descriptor{MediaType: mediaType, Digest: d, Size: size}, nil
}

// writeDocument writes a JSON document at a fixed path (not content addressed)
func writeDocument(path string, doc any) error {
	b, err := marshal(doc)
	if err != nil {
		return builderr.Storage("encode", path, err)
	}
	return builderr.Storage("write", path, os.WriteFile(path, b, 0644))
}

// requireBlobs fails if any of the passed digests is not in the store
func requireBlobs(store *blobstore.BlobStore, digests ...digest.Digest) error {
	for _, d := range digests {
		if !store.Exists(d) {
			return builderr.Storage("check", store.LocationOf(d), builderr.ErrNotFound)
		}
	}
	return nil
}

// preferRegistry surfaces a registry failure that reached the store as a read
// error as the registry error it is.
func preferRegistry(err error) error {
	var re *builderr.RegistryError
	if errors.As(err, &re) {
		return re
	}
	return err
}
