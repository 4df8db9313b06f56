package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotActive is returned by Fetch on a worker that is not activated
	ErrNotActive = errors.New("worker is not active")

	// ErrInvalidState is returned when a lifecycle step runs out of order
	ErrInvalidState = errors.New("invalid worker state")

	// ErrInvalidPolicy is returned when a worker is built from an unusable policy
	ErrInvalidPolicy = errors.New("invalid policy")

	// ErrNoFallback is returned when the network failed and the fallback
	// response is not in the store
	ErrNoFallback = errors.New("no cached fallback available")
)

// PrecacheFailure describes one manifest URL that could not be cached
type PrecacheFailure struct {
	URL    string
	Status int // zero when the request never got a response
	Err    error
}

// MarshalJSON renders the cause as a string
func (f PrecacheFailure) MarshalJSON() ([]byte, error) {
	out := struct {
		URL    string `json:"url"`
		Status int    `json:"status,omitempty"`
		Error  string `json:"error,omitempty"`
	}{URL: f.URL, Status: f.Status}
	if f.Err != nil {
		out.Error = f.Err.Error()
	}
	return json.Marshal(out)
}

func (f PrecacheFailure) String() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.URL, f.Err)
	}
	return fmt.Sprintf("%s: status %d", f.URL, f.Status)
}

// PrecacheError reports a failed install batch
type PrecacheError struct {
	Generation string
	Failures   []PrecacheFailure
}

func (e *PrecacheError) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.String()
	}
	return fmt.Sprintf("precache %s: %d url(s) failed: %s", e.Generation, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the transport errors of the failures
func (e *PrecacheError) Unwrap() []error {
	var errs []error
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// NetworkError reports a fetch that never produced a response
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StoreError reports a failed cache storage operation
type StoreError struct {
	Op    string // open, match, put, names, delete
	Store string
	Err   error
}

func (e *StoreError) Error() string {
	if e.Store == "" {
		return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Store, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
