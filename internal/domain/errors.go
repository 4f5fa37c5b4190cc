package domain

import (
	"fmt"
	"net/http"
)

// UpstreamError is a non-2xx response from an external provider. Handlers that relay
// provider failures verbatim write Status and Body unchanged.
type UpstreamError struct {
	Provider string
	Status   int
	Body     []byte
	Header   http.Header
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream status %d", e.Provider, e.Status)
}

// ContentType returns the upstream content type, defaulting to JSON.
func (e *UpstreamError) ContentType() string {
	if e != nil && e.Header != nil {
		if ct := e.Header.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	return "application/json"
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *UpstreamError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 && e.Status != http.StatusTooManyRequests && e.Status != http.StatusRequestTimeout
}
