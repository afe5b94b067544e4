package cachekey

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

var ErrorMalformedKey = fmt.Errorf("Malformed key")

const methodSeparator = ":"

// CacheKeyer derives request identities relative to one origin.
type CacheKeyer struct {
	// Origin against which relative request URIs and manifest paths are resolved.
	Origin url.URL
}

func NewCacheKeyer(origin url.URL) CacheKeyer {
	origin.Path = strings.TrimRight(origin.Path, "/")
	origin.RawQuery = ""
	origin.Fragment = ""
	return CacheKeyer{Origin: origin}
}

// Resolve returns the absolute URL a resource identifier refers to.
// Absolute URLs are returned unchanged, paths are resolved against the origin.
func (c CacheKeyer) Resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		u.Fragment = ""
		return u, nil
	}
	resolved := c.Origin
	resolved.Path = c.Origin.Path + u.Path
	if !strings.HasPrefix(u.Path, "/") {
		resolved.Path = c.Origin.Path + "/" + u.Path
	}
	resolved.RawPath = ""
	resolved.RawQuery = u.RawQuery
	return &resolved, nil
}

// Target returns the absolute URL the request is for.
// Absolute-form request URIs (forward-proxy requests) are used as-is,
// origin-form request URIs are resolved against the origin.
func (c CacheKeyer) Target(r *http.Request) *url.URL {
	if r.URL.IsAbs() {
		u := *r.URL
		u.Fragment = ""
		return &u
	}
	u := c.Origin
	u.Path = c.Origin.Path + r.URL.Path
	u.RawPath = ""
	if r.URL.RawPath != "" {
		u.RawPath = c.Origin.Path + r.URL.RawPath
	}
	u.RawQuery = r.URL.RawQuery
	return &u
}

// Key returns the cache key for a method and an absolute URL.
func (c CacheKeyer) Key(method string, u *url.URL) string {
	return strings.ToUpper(method) + methodSeparator + u.String()
}

// GetKey returns the cache key for a request.
func (c CacheKeyer) GetKey(r *http.Request) string {
	return c.Key(r.Method, c.Target(r))
}

// SameOrigin reports whether u has the same scheme and host as the origin.
func (c CacheKeyer) SameOrigin(u *url.URL) bool {
	return strings.EqualFold(u.Scheme, c.Origin.Scheme) && strings.EqualFold(u.Host, c.Origin.Host)
}

// GetRequestFromKey creates a request equal, caching-wise, to the request that resulted in the key.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	method, uri, found := strings.Cut(key, methodSeparator)
	if !found || method == "" {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	u, err := url.Parse(uri)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("%w: %s", ErrorMalformedKey, key)
	}
	return http.NewRequest(method, u.String(), nil)
}
