package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry
)

// InitMetrics creates all the build metrics and registers them in a registry owned
// by the package. Until this is called every metric function exposed by the package
// is a NOP. Calling it more than once replaces the previous registry, which supports
// unit testing.
func InitMetrics() {
	mu.Lock()
	defer mu.Unlock()
	registry = prometheus.NewRegistry()
	addBuildMetrics(registry)
}

// WriteTextfile writes the current value of every build metric to the passed file
// in the Prometheus text exposition format, for pickup by the node exporter
// textfile collector. If metrics were never initialized nothing is written.
func WriteTextfile(path string) error {
	mu.Lock()
	reg := registry
	mu.Unlock()
	if reg == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, reg)
}

// Reset restores the NOP metric functions and discards the registry
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	registry = nil
	setNop()
}
