package worker

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Network performs real fetches. *http.Client satisfies it.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// CredentialedNetwork sends same-origin requests through a client that
// carries credentials and everything else through a plain client, the
// "same-origin" credentials mode.
type CredentialedNetwork struct {
	origin *url.URL
	authed Network
	plain  Network
}

// NewCredentialedNetwork builds a network for origin. A nil plain client
// falls back to http.DefaultClient.
func NewCredentialedNetwork(origin *url.URL, authed, plain Network) *CredentialedNetwork {
	if plain == nil {
		plain = http.DefaultClient
	}
	if authed == nil {
		authed = plain
	}
	return &CredentialedNetwork{origin: origin, authed: authed, plain: plain}
}

// Do implements Network
func (n *CredentialedNetwork) Do(req *http.Request) (*http.Response, error) {
	if n.origin != nil &&
		strings.EqualFold(req.URL.Scheme, n.origin.Scheme) &&
		strings.EqualFold(req.URL.Host, n.origin.Host) {
		return n.authed.Do(req)
	}
	return n.plain.Do(req)
}

// outbound prepares req for a client round trip. Server-side requests carry
// a RequestURI, which http.Client rejects.
func outbound(ctx context.Context, req *http.Request) *http.Request {
	out := req.WithContext(ctx)
	out.RequestURI = ""
	return out
}
