package importhash

import (
	"testing"

	"github.com/opsledger/apps/api/internal/rowmap"
)

func TestRollingKnownValues(t *testing.T) {
	cases := map[string]string{
		"":   "0",
		"a":  "2p",
		"ab": "2e9",
		// 31^n growth overflows int32 and must wrap rather than saturate.
		"The quick brown fox jumps over the lazy dog": "a2u5rh",
	}
	for in, want := range cases {
		if got := Rolling(in); got != want {
			t.Fatalf("Rolling(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestHashIsDeterministicAndContentSensitive(t *testing.T) {
	for _, algorithm := range []Algorithm{AlgorithmRolling, AlgorithmSHA256} {
		h := New(algorithm)
		row := rowmap.FromPairs("Customer", "Acme", "Qty", "10")

		first, err := h.Hash(row)
		if err != nil {
			t.Fatalf("%s: hash: %v", algorithm, err)
		}
		second, _ := h.Hash(rowmap.FromPairs("Customer", "Acme", "Qty", "10"))
		if first != second {
			t.Fatalf("%s: expected stable hash, got %s and %s", algorithm, first, second)
		}

		changed, _ := h.Hash(rowmap.FromPairs("Customer", "Acme", "Qty", "11"))
		if changed == first {
			t.Fatalf("%s: expected changed cell to change hash", algorithm)
		}
	}
}

func TestHashDependsOnKeyOrder(t *testing.T) {
	h := New(AlgorithmRolling)
	a, _ := h.Hash(rowmap.FromPairs("A", "1", "B", "2"))
	b, _ := h.Hash(rowmap.FromPairs("B", "2", "A", "1"))
	if a == b {
		t.Fatalf("expected serialization order to be part of the fingerprint")
	}
}

func TestSHA256Length(t *testing.T) {
	if got := SHA256("row"); len(got) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(got))
	}
}

func TestParseAlgorithm(t *testing.T) {
	if got, err := ParseAlgorithm(""); err != nil || got != AlgorithmRolling {
		t.Fatalf("expected rolling default, got %s err=%v", got, err)
	}
	if got, err := ParseAlgorithm(" SHA256 "); err != nil || got != AlgorithmSHA256 {
		t.Fatalf("expected sha256, got %s err=%v", got, err)
	}
	if _, err := ParseAlgorithm("md5"); err == nil {
		t.Fatalf("expected error for unknown algorithm")
	}
}
