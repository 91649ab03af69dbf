package assembler

import (
	"encoding/json"

	"github.com/aceeric/ocibuilder/impl/packer"

	"github.com/opencontainers/go-digest"
	"github.com/opencontainers/image-spec/specs-go"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Entrypoint returns the command that starts the application module on the packaged
// runtime: java from the runtime prefix, the app prefix as the module path, and
// <module>/<module>.<mainClass> as the main module and class.
func Entrypoint(runtimePrefix, appPrefix, module, mainClass string) []string {
	return []string{
		"/" + packer.NormalizePrefix(runtimePrefix) + "/bin/java",
		"-p", "/" + packer.NormalizePrefix(appPrefix),
		"-m", module + "/" + module + "." + mainClass,
	}
}

// ImageConfig returns the image configuration. There is no creation time so that
// identical inputs produce an identical config.
func ImageConfig(os, arch string, diffIDs []digest.Digest, entrypoint []string) v1.Image {
	img := v1.Image{
		Config: v1.ImageConfig{Entrypoint: entrypoint},
		RootFS: v1.RootFS{Type: "layers", DiffIDs: diffIDs},
	}
	img.OS = os
	img.Architecture = arch
	return img
}

// ImageManifest returns the manifest for the passed config and layers. Layers are
// stored uncompressed.
func ImageManifest(config v1.Descriptor, layers []packer.Layer) v1.Manifest {
	descs := make([]v1.Descriptor, len(layers))
	for i, l := range layers {
		descs[i] = v1.Descriptor{MediaType: v1.MediaTypeImageLayer, Digest: l.Digest, Size: l.Size}
	}
	return v1.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageManifest,
		Config:    config,
		Layers:    descs,
	}
}

// ImageIndex returns an index with the one passed manifest, annotated with 'tag' as
// its ref name.
func ImageIndex(manifest v1.Descriptor, tag string) v1.Index {
	manifest.Annotations = map[string]string{v1.AnnotationRefName: tag}
	return v1.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: v1.MediaTypeImageIndex,
		Manifests: []v1.Descriptor{manifest},
	}
}

// LayoutMarker returns the content of the oci-layout file
func LayoutMarker() v1.ImageLayout {
	return v1.ImageLayout{Version: v1.ImageLayoutVersion}
}

func marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}
