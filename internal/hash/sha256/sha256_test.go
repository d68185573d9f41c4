// Package sha256 includes tests for the SHA-256 fingerprint hasher.
package sha256

import "testing"

// TestHasherSumDeterministic ensures repeated hashing yields the same digest.
func TestHasherSumDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got := h.Sum("hello world")
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if again := h.Sum("hello world"); again != got {
		t.Fatalf("expected deterministic hash, got %s vs %s", got, again)
	}
}

// TestHasherSumSeparatesParts checks part boundaries change the digest.
func TestHasherSumSeparatesParts(t *testing.T) {
	t.Parallel()

	h := New()
	if h.Sum("ab", "c") == h.Sum("a", "bc") {
		t.Fatal("expected part boundaries to affect the digest")
	}
	if h.Sum("abc") == h.Sum("ab", "c") {
		t.Fatal("expected separator to affect the digest")
	}
}
