package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const obfuscationRounds = 4

// ErrInvalidObfuscatedID indicates an external id that does not decode to a retrieval id.
var ErrInvalidObfuscatedID = errors.New("id obfuscator: invalid id")

// IDObfuscator maps positive retrieval ids to opaque decimal strings and back with a keyed
// Feistel permutation over 64 bits. It hides sequence numbers; it is not an access control.
type IDObfuscator struct {
	key []byte
}

// NewIDObfuscator constructs an obfuscator. The key must be non-empty.
func NewIDObfuscator(key string) (*IDObfuscator, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("id obfuscator: key is required")
	}
	return &IDObfuscator{key: []byte(key)}, nil
}

// Obfuscate returns the external form of id.
func (o *IDObfuscator) Obfuscate(id int64) string {
	left, right := uint32(uint64(id)>>32), uint32(uint64(id))
	for round := 0; round < obfuscationRounds; round++ {
		left, right = right, left^o.round(round, right)
	}
	return strconv.FormatUint(uint64(left)<<32|uint64(right), 10)
}

// Deobfuscate reverses Obfuscate. Anything that does not map back to a positive id, or is
// not the exact decimal form Obfuscate produces, is rejected with ErrInvalidObfuscatedID.
func (o *IDObfuscator) Deobfuscate(external string) (int64, error) {
	trimmed := strings.TrimSpace(external)
	value, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil || strconv.FormatUint(value, 10) != trimmed {
		return 0, fmt.Errorf("%w: %q", ErrInvalidObfuscatedID, external)
	}
	left, right := uint32(value>>32), uint32(value)
	for round := obfuscationRounds - 1; round >= 0; round-- {
		left, right = right^o.round(round, left), left
	}
	id := uint64(left)<<32 | uint64(right)
	if id == 0 || id > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidObfuscatedID, external)
	}
	return int64(id), nil
}

func (o *IDObfuscator) round(round int, half uint32) uint32 {
	var block [5]byte
	block[0] = byte(round)
	binary.BigEndian.PutUint32(block[1:], half)
	mac := hmac.New(sha256.New, o.key)
	mac.Write(block[:])
	return binary.BigEndian.Uint32(mac.Sum(nil))
}
