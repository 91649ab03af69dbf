package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// These are the metrics functions exposed by the package. By default they are all
// NOP functions to minimize overhead when metrics are not enabled. The 'addBuildMetrics'
// function initializes these with functions having implementations if metrics are
// enabled.

var IncBlobsWritten noLabel = func() {}
var AddBlobBytesWritten delta = func(float64) {}
var IncManifestPulls noLabel = func() {}
var IncLayerPulls noLabel = func() {}
var AddBytesPulled delta = func(float64) {}
var IncLayersPacked withLabel = func(string) {}
var SetBuildSeconds delta = func(float64) {}
var IncBuildErrors withLabel = func(string) {}

type withLabel func(string)
type noLabel func()
type delta func(float64)

const (
	namespace                = "ocibuilder"
	blobs_written_total      = "blobs_written_total"
	blob_bytes_written_total = "blob_bytes_written_total"
	manifest_pulls_total     = "manifest_pulls_total"
	layer_pulls_total        = "layer_pulls_total"
	bytes_pulled_total       = "bytes_pulled_total"
	layers_packed_total      = "layers_packed_total"
	build_duration_seconds   = "build_duration_seconds"
	build_errors_total       = "build_errors_total"
	prefix_label             = "prefix"
	kind_label               = "kind"
)

func setNop() {
	IncBlobsWritten = func() {}
	AddBlobBytesWritten = func(float64) {}
	IncManifestPulls = func() {}
	IncLayerPulls = func() {}
	AddBytesPulled = func(float64) {}
	IncLayersPacked = func(string) {}
	SetBuildSeconds = func(float64) {}
	IncBuildErrors = func(string) {}
}

// addBuildMetrics creates all the build metrics and registers them with the passed
// registry. It also assigns a function to actually implement each metric.
func addBuildMetrics(reg prometheus.Registerer) {
	factory := promauto.With(reg)

	blobsWritten := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      blobs_written_total,
		Help:      "Total blobs written to the image layout (duplicates are not counted)",
	})
	IncBlobsWritten = func() {
		blobsWritten.Inc()
	}

	blobBytesWritten := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      blob_bytes_written_total,
		Help:      "Total blob bytes written to the image layout",
	})
	AddBlobBytesWritten = func(delta float64) {
		blobBytesWritten.Add(delta)
	}

	manifestPulls := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      manifest_pulls_total,
		Help:      "Total manifests and indices fetched from upstream registries",
	})
	IncManifestPulls = func() {
		manifestPulls.Inc()
	}

	layerPulls := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      layer_pulls_total,
		Help:      "Total layer blobs fetched from upstream registries",
	})
	IncLayerPulls = func() {
		layerPulls.Inc()
	}

	bytesPulled := factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      bytes_pulled_total,
		Help:      "Total compressed bytes fetched from upstream registries",
	})
	AddBytesPulled = func(delta float64) {
		bytesPulled.Add(delta)
	}

	layersPacked := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      layers_packed_total,
		Help:      "Total directories packed into layers, by mount prefix",
	}, []string{prefix_label})
	IncLayersPacked = func(prefix string) {
		layersPacked.With(prometheus.Labels{prefix_label: prefix}).Inc()
	}

	buildSeconds := factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      build_duration_seconds,
		Help:      "Wall clock duration of the last build",
	})
	SetBuildSeconds = func(secs float64) {
		buildSeconds.Set(secs)
	}

	buildErrors := factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      build_errors_total,
		Help:      "Total failed builds, by error kind",
	}, []string{kind_label})
	IncBuildErrors = func(kind string) {
		buildErrors.With(prometheus.Labels{kind_label: kind}).Inc()
	}
}
