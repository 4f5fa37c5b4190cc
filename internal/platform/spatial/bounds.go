// Package spatial derives minimum bounding rectangles from catalog spatial constraints.
package spatial

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
)

// ErrMalformedConstraint reports a spatial expression that cannot be read as coordinate pairs.
var ErrMalformedConstraint = errors.New("spatial: malformed constraint")

// ConstraintKeys lists the query parameters that may carry a spatial constraint, in
// precedence order.
var ConstraintKeys = []string{"bounding_box", "polygon", "point", "line"}

// MBR is a minimum bounding rectangle ordered as min lat, min lng, max lat, max lng.
type MBR [4]float64

// Slice returns the rectangle as a plain slice suitable for serialisation.
func (m MBR) Slice() []float64 {
	return []float64{m[0], m[1], m[2], m[3]}
}

// FromConstraints picks the first non-blank spatial parameter and bounds it. A nil MBR is
// returned when no spatial constraint is present.
func FromConstraints(values url.Values) (*MBR, error) {
	for _, key := range ConstraintKeys {
		if expr := strings.TrimSpace(values.Get(key)); expr != "" {
			mbr, err := Bounds(expr)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			return mbr, nil
		}
	}
	return nil, nil
}

// Bounds parses a flat comma separated list of longitude,latitude pairs. Blank input yields
// nil without error.
func Bounds(expr string) (*MBR, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}

	parts := strings.Split(expr, ",")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("%w: odd coordinate count %d", ErrMalformedConstraint, len(parts))
	}

	minLat, minLng := math.Inf(1), math.Inf(1)
	maxLat, maxLng := math.Inf(-1), math.Inf(-1)
	for i := 0; i < len(parts); i += 2 {
		lng, err := parseCoordinate(parts[i])
		if err != nil {
			return nil, err
		}
		lat, err := parseCoordinate(parts[i+1])
		if err != nil {
			return nil, err
		}
		minLat, maxLat = math.Min(minLat, lat), math.Max(maxLat, lat)
		minLng, maxLng = math.Min(minLng, lng), math.Max(maxLng, lng)
	}

	return &MBR{minLat, minLng, maxLat, maxLng}, nil
}

func parseCoordinate(raw string) (float64, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("%w: %q is not a coordinate", ErrMalformedConstraint, raw)
	}
	return value, nil
}
