package sha256

import "testing"

func TestHashProducesStableHexDigest(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Fatalf("Hash() = %s, want %s", got, want)
	}

	again, err := h.Hash([]byte("hello"))
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if again != got {
		t.Fatalf("expected stable digest, got %s then %s", got, again)
	}
}

func TestHashEmptyInput(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash(nil)
	if err != nil {
		t.Fatalf("Hash(nil) error = %v", err)
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
}
