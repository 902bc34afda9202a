package scim

import (
	"net/http"
	"strings"
)

// RequestContext carries the per-request routing facts the protocol layer
// resolves before dispatching: which endpoint the request targets and the
// externally visible base URL for building meta.location values.
type RequestContext struct {
	EndpointID   string
	EndpointName string
	BaseURL      string
	Patch        PatchOptions
}

// EndpointInfo is the protocol layer's view of a tenant: just enough to
// gate requests and configure the patch engine.
type EndpointInfo struct {
	ID     string
	Name   string
	Active bool
	Patch  PatchOptions
}

// BaseURL reconstructs the externally visible URL prefix for a request,
// honoring reverse-proxy forwarding headers in order of preference:
// X-Forwarded-Proto and X-Forwarded-Host first, then the observed TLS state
// and Host header. prefix is the API mount path, e.g. "/scim".
func BaseURL(r *http.Request, prefix string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}

	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}

	return scheme + "://" + host + prefix
}

// ResourceLocation builds the meta.location value for a resource within an
// endpoint, e.g. <base>/endpoints/<endpoint>/Users/<id>.
func ResourceLocation(baseURL, endpointID, resourceType, id string) string {
	return strings.TrimSuffix(baseURL, "/") + "/endpoints/" + endpointID + "/" + resourceType + "/" + id
}
