package offlinecache

import (
	"net/http"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// Action is what the interceptor does with a request.
type Action string

const (
	// Serve the stored snapshot, no network call.
	ServeCache Action = "cache"
	// Serve the network response as-is.
	ServeNetwork Action = "network"
	// Serve the network response and write a copy into the current generation.
	ServeNetworkAndCache Action = "network-and-cache"
	// Serve the stored fallback document.
	ServeFallback Action = "fallback"
)

// Lookup is the outcome of the cache lookup.
type Lookup struct {
	Hit bool
}

// NetworkResult is the outcome of forwarding the request.
type NetworkResult struct {
	Status int
	Type   serializer.ResponseType
	Err    error
}

// Decide is the interception policy.
// It is called with a nil network result before forwarding; ServeNetwork then means
// the network must be consulted, and Decide is called again with its result.
//
// Only successful same-origin responses to GET requests are cached.
func Decide(method string, lookup Lookup, network *NetworkResult) Action {
	if method == http.MethodGet && lookup.Hit {
		return ServeCache
	}
	if network == nil {
		return ServeNetwork
	}
	if network.Err != nil {
		return ServeFallback
	}
	if method != http.MethodGet ||
		network.Status != http.StatusOK ||
		network.Type != serializer.ResponseTypeBasic {
		return ServeNetwork
	}
	return ServeNetworkAndCache
}
