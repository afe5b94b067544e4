package offlinecache

import "fmt"

type CacheStatusStatus string

const (
	CacheStatusHit CacheStatusStatus = "hit"
	CacheStatusFwd CacheStatusStatus = "fwd"
)

type CacheStatusFwdReason string

const (
	// The agent was not in control of this request.
	CacheStatusFwdBypass CacheStatusFwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	CacheStatusFwdMethod CacheStatusFwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	CacheStatusFwdUriMiss CacheStatusFwdReason = "uri-miss"
)

// Detail sent with the fallback document.
const cacheStatusDetailFallback = "offline-fallback"

type CacheStatus struct {
	status    CacheStatusStatus
	detail    string
	fwdReason CacheStatusFwdReason
	stored    bool
}

func (cs *CacheStatus) Hit() {
	cs.status = CacheStatusHit
	cs.fwdReason = ""
}

func (cs *CacheStatus) Forward(reason CacheStatusFwdReason) {
	cs.status = CacheStatusFwd
	cs.fwdReason = reason
}

func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) Stored() {
	cs.stored = true
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("Offline-Cache; %s", cs.status)
	if cs.status == CacheStatusFwd && cs.fwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.fwdReason)
	}
	if cs.stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}

// cacheStatusFor maps a fetch outcome to its Cache-Status.
func cacheStatusFor(method string, action Action) CacheStatus {
	cs := CacheStatus{}
	switch action {
	case ServeCache:
		cs.Hit()
	case ServeFallback:
		cs.Hit()
		cs.Detail(cacheStatusDetailFallback)
	case ServeNetworkAndCache:
		cs.Forward(CacheStatusFwdUriMiss)
		cs.Stored()
	default:
		if method != "GET" {
			cs.Forward(CacheStatusFwdMethod)
		} else {
			cs.Forward(CacheStatusFwdUriMiss)
		}
	}
	return cs
}
