package subcmd

import (
	"context"
	"fmt"

	"github.com/aceeric/ocibuilder/impl/assembler"
	"github.com/aceeric/ocibuilder/impl/blobstore"
	"github.com/aceeric/ocibuilder/impl/config"
	"github.com/aceeric/ocibuilder/impl/metrics"
	"github.com/aceeric/ocibuilder/impl/upstream"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Build runs one image build from the current configuration and prints the path of
// the image layout to the console.
func Build(ctx context.Context) (err error) {
	cfg := config.Get()
	if cfg.MetricsFile != "" {
		metrics.InitMetrics()
		defer func() {
			err = multierr.Append(err, errors.Wrapf(metrics.WriteTextfile(cfg.MetricsFile), "writing metrics to %s", cfg.MetricsFile))
		}()
	}
	var cache *blobstore.BlobStore
	if cfg.CacheDir != "" {
		if cache, err = blobstore.New(cfg.CacheDir); err != nil {
			return err
		}
		log.Debugf("using blob cache %s", cache.Root())
	}
	a := assembler.New(assembler.Options{
		RuntimeDir:     cfg.RuntimeDir,
		AppDir:         cfg.AppDir,
		Module:         cfg.Module,
		MainClass:      cfg.MainClass,
		OutDir:         cfg.OutDir,
		BaseImage:      cfg.BaseImage,
		OS:             cfg.Os,
		Arch:           cfg.Arch,
		Tag:            cfg.Tag,
		KeepBaseLayers: cfg.KeepBaseLayers,
		Concurrent:     cfg.Concurrent,
		Force:          cfg.Force,
	}, assembler.WithClientFor(clientFor(cfg, cache)))

	outDir, err := a.Build(ctx)
	if err != nil {
		return err
	}
	fmt.Println(outDir)
	return nil
}

// clientFor returns a function that creates a registry client using the scheme and
// TLS settings configured for the registry, if any.
func clientFor(cfg config.Configuration, cache *blobstore.BlobStore) assembler.ClientFor {
	return func(registry string) (*upstream.Client, error) {
		regOpts, err := config.ConfigFor(registry)
		if err != nil {
			return nil, errors.Wrapf(err, "configuring access to %s", registry)
		}
		opts := []upstream.Option{
			upstream.WithScheme(regOpts.Scheme),
			upstream.WithTransport(upstream.NewTransport(regOpts.TlsCfg, cfg.PullTimeout)),
			upstream.WithProgress(cfg.Progress),
		}
		if cache != nil {
			opts = append(opts, upstream.WithCache(cache))
		}
		return upstream.NewClient(registry, opts...)
	}
}
