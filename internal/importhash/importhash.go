// Package importhash fingerprints raw rows so previously imported rows can be
// recognized on a later run.
package importhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/opsledger/apps/api/internal/rowmap"
)

type Algorithm string

const (
	// AlgorithmRolling is the 32-bit multiply-and-fold hash rendered in base 36.
	AlgorithmRolling Algorithm = "rolling"
	// AlgorithmSHA256 is the first 16 bytes of a SHA-256 digest in hex.
	AlgorithmSHA256 Algorithm = "sha256"
)

func ParseAlgorithm(value string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(value))) {
	case "", AlgorithmRolling:
		return AlgorithmRolling, nil
	case AlgorithmSHA256:
		return AlgorithmSHA256, nil
	default:
		return "", fmt.Errorf("unknown import hash algorithm %q", value)
	}
}

type Hasher struct {
	algorithm Algorithm
}

func New(algorithm Algorithm) Hasher {
	if algorithm == "" {
		algorithm = AlgorithmRolling
	}
	return Hasher{algorithm: algorithm}
}

func (h Hasher) Algorithm() Algorithm { return h.algorithm }

// Hash fingerprints the row's JSON serialization in its original key order.
func (h Hasher) Hash(row rowmap.Row) (string, error) {
	encoded, err := row.MarshalJSON()
	if err != nil {
		return "", fmt.Errorf("serialize row: %w", err)
	}
	return h.HashString(string(encoded)), nil
}

func (h Hasher) HashString(value string) string {
	if h.algorithm == AlgorithmSHA256 {
		return SHA256(value)
	}
	return Rolling(value)
}

// Rolling computes h = h*31 + c over UTF-16 code units with 32-bit wraparound and
// renders the absolute value in base 36.
func Rolling(value string) string {
	var h int32
	for _, unit := range utf16.Encode([]rune(value)) {
		h = h*31 + int32(unit)
	}
	abs := int64(h)
	if abs < 0 {
		abs = -abs
	}
	return strconv.FormatInt(abs, 36)
}

func SHA256(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:16])
}
