package mock

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/opencontainers/go-digest"
)

const token = "FROBOZZ"

var re = regexp.MustCompile(`https://|http://`)

// MockParams supports different configurations for the mock OCI
// Distribution Server
type MockParams struct {
	Auth      AuthType
	Scheme    SchemeType
	TlsConfig *tls.Config
	DelayMs   int
	// Corrupt serves every blob with its last byte flipped
	Corrupt bool
}

// SchemeType specifies http or https
type SchemeType string

const (
	HTTP  SchemeType = "http"
	HTTPS SchemeType = "https"
)

type AuthType string

const (
	// BEARER requires the anonymous token flow: every /v2 request without the
	// token gets a 401 with a Bearer challenge pointing at /v2/auth
	BEARER AuthType = "anonymous bearer"
	NONE   AuthType = "no auth"
)

// Stats counts requests by kind
type Stats struct {
	Tokens    atomic.Int32
	Manifests atomic.Int32
	Blobs     atomic.Int32
}

// NewMockParams returns a 'MockParams' instance from the passed args.
func NewMockParams(auth AuthType, scheme SchemeType) MockParams {
	return MockParams{
		Auth:   auth,
		Scheme: scheme,
	}
}

// Server serves the Default registry with no callback function
func Server(params MockParams) (*httptest.Server, string) {
	return ServerWithCallback(params, nil)
}

// ServerWithCallback serves the Default registry. If a callback function is passed,
// it is called with the path of each request.
func ServerWithCallback(params MockParams, callback func(string)) (*httptest.Server, string) {
	return Default().Serve(params, callback, nil)
}

// Serve runs the mock OCI distribution server for the receiver's content. It returns a
// ref to the server, and a server url (without the scheme). If 'stats' is not nil the
// requests are counted in it.
func (r *Registry) Serve(params MockParams, callback func(string), stats *Stats) (*httptest.Server, string) {
	if stats == nil {
		stats = &Stats{}
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if callback != nil {
				callback(c.Request().URL.Path)
			}
			// delayMs supports simulating slow links
			if params.DelayMs != 0 {
				time.Sleep(time.Duration(params.DelayMs) * time.Millisecond)
			}
			c.Response().Header().Set("Docker-Distribution-Api-Version", "registry/2.0")
			return next(c)
		}
	})
	e.GET("/v2/auth", func(c echo.Context) error {
		stats.Tokens.Add(1)
		if !strings.HasPrefix(c.QueryParam("scope"), "repository:") {
			return c.JSON(http.StatusBadRequest, errorBody("DENIED", "scope required"))
		}
		c.Response().Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		return c.JSON(http.StatusOK, map[string]string{"token": token})
	})
	e.GET("/v2/", func(c echo.Context) error {
		if !authorized(c, params) {
			return challenge(c, params, "")
		}
		return c.JSON(http.StatusOK, "true")
	})
	e.GET("/v2/*", func(c echo.Context) error {
		p := c.Param("*")
		if i := strings.LastIndex(p, "/manifests/"); i > 0 {
			repo, ref := p[:i], p[i+len("/manifests/"):]
			if !authorized(c, params) {
				return challenge(c, params, repo)
			}
			stats.Manifests.Add(1)
			return r.serveManifest(c, repo, ref)
		}
		if i := strings.LastIndex(p, "/blobs/"); i > 0 {
			repo, ref := p[:i], p[i+len("/blobs/"):]
			if !authorized(c, params) {
				return challenge(c, params, repo)
			}
			stats.Blobs.Add(1)
			return r.serveBlob(c, repo, ref, params.Corrupt)
		}
		return c.JSON(http.StatusNotFound, errorBody("NAME_UNKNOWN", "not found"))
	})

	server := httptest.NewUnstartedServer(e)
	if params.Scheme == HTTPS {
		server.TLS = params.TlsConfig
		server.StartTLS()
	} else {
		server.Start()
	}
	return server, re.ReplaceAllString(server.URL, "")
}

func (r *Registry) serveManifest(c echo.Context, repo, ref string) error {
	m, ok := r.manifest(repo, ref)
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("MANIFEST_UNKNOWN", "manifest unknown"))
	}
	if accept := c.Request().Header.Values("Accept"); len(accept) != 0 && !accepts(accept, m.mediaType) {
		return c.JSON(http.StatusNotFound, errorBody("MANIFEST_UNKNOWN", "no acceptable media type"))
	}
	c.Response().Header().Set("Docker-Content-Digest", digest.FromBytes(m.body).String())
	c.Response().Header().Set("Content-Length", strconv.Itoa(len(m.body)))
	return c.Blob(http.StatusOK, m.mediaType, m.body)
}

func (r *Registry) serveBlob(c echo.Context, repo, ref string, corrupt bool) error {
	d, err := digest.Parse(ref)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("DIGEST_INVALID", err.Error()))
	}
	b, ok := r.blob(repo, d)
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody("BLOB_UNKNOWN", "blob unknown"))
	}
	if corrupt && len(b) > 0 {
		b = append([]byte{}, b...)
		b[len(b)-1] ^= 0xff
	}
	c.Response().Header().Set("Docker-Content-Digest", d.String())
	c.Response().Header().Set("Content-Length", strconv.Itoa(len(b)))
	return c.Blob(http.StatusOK, "application/octet-stream", b)
}

func authorized(c echo.Context, params MockParams) bool {
	return params.Auth != BEARER || c.Request().Header.Get("Authorization") == "Bearer "+token
}

// challenge returns a 401 with the Bearer challenge a public registry returns to an
// anonymous client.
func challenge(c echo.Context, params MockParams, repo string) error {
	ch := fmt.Sprintf(`Bearer realm="%s://%s/v2/auth",service="mock.registry"`, params.Scheme, c.Request().Host)
	if repo != "" {
		ch += fmt.Sprintf(`,scope="repository:%s:pull"`, repo)
	}
	c.Response().Header().Set("Www-Authenticate", ch)
	return c.JSON(http.StatusUnauthorized, errorBody("UNAUTHORIZED", "authentication required"))
}

func accepts(accept []string, mediaType string) bool {
	for _, a := range accept {
		for _, mt := range strings.Split(a, ",") {
			mt = strings.TrimSpace(strings.Split(mt, ";")[0])
			if mt == mediaType || mt == "*/*" {
				return true
			}
		}
	}
	return false
}

func errorBody(code, message string) map[string]any {
	return map[string]any{"errors": []map[string]any{{"code": code, "message": message, "detail": nil}}}
}
