package worker

import (
	"net/http"
	"strings"
)

// RoutingClass determines which algorithm serves a request
type RoutingClass int

const (
	// RoutePassthrough is any non-GET request; it bypasses the cache entirely
	RoutePassthrough RoutingClass = iota
	// RouteNavigation is a top-level document load: network first, offline page on failure
	RouteNavigation
	// RouteAsset is a sub-resource: cache first, filled on miss
	RouteAsset
	// RouteAPI is a sub-resource whose path carries the API marker: cache first, never filled
	RouteAPI
)

func (c RoutingClass) String() string {
	switch c {
	case RoutePassthrough:
		return "passthrough"
	case RouteNavigation:
		return "navigation"
	case RouteAsset:
		return "asset"
	case RouteAPI:
		return "api"
	default:
		return "unknown"
	}
}

// Classify picks the routing class of req under p. It is pure: the result
// depends only on the method, URL and headers of req.
func Classify(p Policy, req *http.Request) RoutingClass {
	if req.Method != http.MethodGet && req.Method != "" {
		return RoutePassthrough
	}
	if isNavigation(req) {
		return RouteNavigation
	}
	if req.URL != nil && p.isAPI(req.URL) {
		return RouteAPI
	}
	return RouteAsset
}

// isNavigation detects document loads from Fetch Metadata. Clients that do
// not send Sec-Fetch-Mode are treated as navigating when they ask for HTML.
func isNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// acceptsImage reports whether the request declared it wants an image
func acceptsImage(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "image")
}
