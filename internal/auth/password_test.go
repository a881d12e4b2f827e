package auth

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestVerifierHashAndVerify(t *testing.T) {
	v := NewVerifier(bcrypt.MinCost)

	hash, err := v.Hash("pw123")
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	if hash == "pw123" || hash == "" {
		t.Fatalf("hash must not echo the secret: %q", hash)
	}

	ok, err := v.Verify("pw123", hash)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("expected match")
	}

	ok, err = v.Verify("wrongpw", hash)
	if err != nil {
		t.Fatalf("Verify mismatch must not error: %v", err)
	}
	if ok {
		t.Fatal("expected mismatch")
	}
}

func TestVerifierMalformedHash(t *testing.T) {
	v := NewVerifier(bcrypt.MinCost)
	ok, err := v.Verify("pw123", "not-a-bcrypt-hash")
	if ok {
		t.Fatal("unexpected match against malformed hash")
	}
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
}

func TestVerifierTokenMaterial(t *testing.T) {
	v := NewVerifier(bcrypt.MinCost)
	// Longer than bcrypt's 72-byte input limit.
	raw := strings.Repeat("eyJhbGciOiJIUzI1NiJ9.", 20)

	hash, err := v.HashToken(raw)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}
	ok, err := v.VerifyToken(raw, hash)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if !ok {
		t.Fatal("expected token match")
	}
	ok, err = v.VerifyToken(raw+"x", hash)
	if err != nil {
		t.Fatalf("VerifyToken mismatch must not error: %v", err)
	}
	if ok {
		t.Fatal("expected token mismatch")
	}
}

func TestNewVerifierClampsCost(t *testing.T) {
	for _, cost := range []int{0, -3, 99} {
		v := NewVerifier(cost)
		if v.cost < bcrypt.MinCost || v.cost > bcrypt.MaxCost {
			t.Fatalf("cost %d not clamped: %d", cost, v.cost)
		}
	}
	if NewVerifier(0).cost != bcrypt.DefaultCost {
		t.Fatal("zero cost must select the default")
	}
}
