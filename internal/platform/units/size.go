// Package units scales raw byte counts into human readable magnitudes.
package units

import "math"

var ladder = []string{"Bytes", "Kilobytes", "Megabytes", "Gigabytes", "Terabytes", "Petabytes", "Exabytes"}

// Size is a byte count scaled to a named unit and rounded to one decimal place.
type Size struct {
	Value float64
	Unit  string
}

// HumanizeBytes walks the unit ladder while the value exceeds 1024 and a larger unit
// remains. Values past the largest unit stay expressed in Exabytes.
func HumanizeBytes(bytes float64) Size {
	if bytes < 0 || math.IsNaN(bytes) {
		bytes = 0
	}
	value := bytes
	rung := 0
	for value > 1024 && rung < len(ladder)-1 {
		value /= 1024
		rung++
	}
	return Size{Value: math.Round(value*10) / 10, Unit: ladder[rung]}
}

// MegabytesToBytes converts a catalog size in megabytes to bytes.
func MegabytesToBytes(mb float64) float64 {
	return mb * 1024 * 1024
}
