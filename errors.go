package offlinecache

import (
	"errors"
	"fmt"
)

// ErrOffline is returned by Fetch when the network failed and no fallback document is stored.
var ErrOffline = errors.New("offline and no fallback document stored")

// ErrNoActiveWorker is returned for events delivered before any worker is active.
var ErrNoActiveWorker = errors.New("no active worker")

// SeedError reports a manifest resource that could not be fetched during install.
type SeedError struct {
	URL string
	// Status is the response status, 0 if no response was received.
	Status int
	Err    error
}

func (e *SeedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("seed %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("seed %s: unexpected status %d", e.URL, e.Status)
}

func (e *SeedError) Unwrap() error {
	return e.Err
}

// offlineError wraps the network failure behind ErrOffline.
type offlineError struct {
	cause error
}

func (e offlineError) Error() string {
	return fmt.Sprintf("%s: %v", ErrOffline, e.cause)
}

func (e offlineError) Is(target error) bool {
	return target == ErrOffline
}

func (e offlineError) Unwrap() error {
	return e.cause
}
