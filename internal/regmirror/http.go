package regmirror

import (
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
)

// newHTTPClient creates an HTTP client with tuned transport settings and
// the configured TLS options.  A TLS section that cannot be built is an
// error: an operator who hardened the connection must not silently get
// defaults instead.
func newHTTPClient(tlsConfig *TLSConfig) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 10
	tr.IdleConnTimeout = 90 * time.Second

	if tlsConfig != nil {
		customTLSConfig, err := tlsConfig.BuildTLSConfig()
		if err != nil {
			return nil, errors.Wrap(err, "tls config")
		}
		tr.TLSClientConfig = customTLSConfig
	}

	return &http.Client{
		Transport: tr,
		Timeout:   0, // no timeout; timeout is controlled by context
	}, nil
}
