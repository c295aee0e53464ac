package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHasherRoundTrip(t *testing.T) {
	h, err := NewHasher(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	digest, err := h.Hash("longenough1")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if strings.Contains(digest, "longenough1") {
		t.Fatal("digest contains plaintext")
	}
	if ok, err := h.Verify(digest, "longenough1"); err != nil || !ok {
		t.Fatalf("Verify correct password = %v, %v", ok, err)
	}
	if ok, err := h.Verify(digest, "wrong-password"); err != nil || ok {
		t.Fatalf("Verify wrong password = %v, %v", ok, err)
	}
	if _, err := h.Verify("not-a-bcrypt-digest", "x"); err == nil {
		t.Fatal("expected error for corrupt digest")
	}
	if _, err := h.Verify("", "x"); err == nil {
		t.Fatal("expected error for empty digest")
	}
}

func TestHasherRejectsEmptyAndClampsCost(t *testing.T) {
	h, err := NewHasher(1)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	if h.cost != bcrypt.MinCost {
		t.Fatalf("cost=%d, want clamped to %d", h.cost, bcrypt.MinCost)
	}
	if _, err := h.Hash(""); !errors.Is(err, ErrEmptyPassword) {
		t.Fatalf("expected ErrEmptyPassword, got %v", err)
	}
	h.DummyVerify("anything")
}
