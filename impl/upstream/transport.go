package upstream

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/aceeric/ocibuilder/impl/builderr"

	"github.com/google/go-containerregistry/pkg/logs"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

func init() {
	// go-containerregistry reports retries and odd registry behavior on its
	// warning logger, which discards by default
	logs.Warn.SetFlags(0)
	logs.Warn.SetOutput(log.StandardLogger().WriterLevel(log.WarnLevel))
}

// NewTransport returns a clone of the go-containerregistry default transport with
// the passed TLS configuration (nil means the system defaults) and a limit on how
// long to wait for the headers of each response (zero means no limit).
func NewTransport(tlsCfg *tls.Config, timeout time.Duration) http.RoundTripper {
	t := remote.DefaultTransport.(*http.Transport).Clone()
	if tlsCfg != nil {
		t.TLSClientConfig = tlsCfg
	}
	t.ResponseHeaderTimeout = timeout
	return t
}

// registryError wraps an error returned by go-containerregistry in a RegistryError,
// carrying the HTTP status if the registry sent one.
func registryError(op, ref string, err error) error {
	if err == nil {
		return nil
	}
	var re *builderr.RegistryError
	if errors.As(err, &re) {
		return re
	}
	status := 0
	var te *transport.Error
	if errors.As(err, &te) {
		status = te.StatusCode
	}
	return builderr.Registry(op, ref, status, err)
}
