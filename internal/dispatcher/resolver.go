package dispatcher

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/cockroachdb/errors"

	"github.com/regmirror/regmirror/internal/registry"
)

// maxManifestBytes bounds a resolved manifest document.
const maxManifestBytes = 32 << 20

// Resolver turns a package identifier into its manifest.  It is an
// external, possibly slow, possibly failing call; no retry is layered on
// top of it here.
type Resolver interface {
	Resolve(ctx context.Context, name string) (*registry.PackageManifest, error)
}

// HTTPResolver fetches manifests from a resolver endpoint at
// {base}/{name}.
type HTTPResolver struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPResolver constructs an HTTPResolver.
func NewHTTPResolver(base *url.URL, client *http.Client) *HTTPResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResolver{base: base, client: client}
}

// Resolve implements Resolver.
func (r *HTTPResolver) Resolve(ctx context.Context, name string) (*registry.PackageManifest, error) {
	u := r.base.ResolveReference(&url.URL{Path: name})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "resolve "+name)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "resolve "+name)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("resolve %s: status %d", name, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, errors.Wrap(err, "resolve "+name)
	}
	m, err := registry.ParseManifest(body)
	if err != nil {
		return nil, errors.Wrap(err, "resolve "+name)
	}
	return m, nil
}
