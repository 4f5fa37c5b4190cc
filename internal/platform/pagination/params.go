// Package pagination parses pageSize/pageToken query parameters.
package pagination

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize applies when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps pageSize.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Params are the parsed paging inputs.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

// Options control defaults for Parse.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// Parse reads pageSize and pageToken from values. Oversized pages are clamped.
func Parse(values url.Values, opts Options) (Params, error) {
	maxSize := opts.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	size := opts.DefaultPageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	size = min(size, maxSize)

	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
		}
		if parsed <= 0 {
			return Params{}, fmt.Errorf("%w: must be positive", ErrInvalidPageSize)
		}
		size = min(parsed, maxSize)
	}

	params := Params{PageSize: size}
	if raw := strings.TrimSpace(values.Get("pageToken")); raw != "" {
		cursor, err := DecodeToken(raw)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = raw
		params.Cursor = cursor
	}
	return params, nil
}
