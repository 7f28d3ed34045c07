// Package codec provides unit tests for canonical serialization and hashing.
package codec

import (
	"testing"

	"github.com/dukantech/shopsync/internal/errors"
)

// TestEncodeFieldOrderIndependence tests that logically identical payloads
// hash identically regardless of field ordering.
func TestEncodeFieldOrderIndependence(t *testing.T) {
	a, err := Canonicalize([]byte(`{"name":"Sugar 1kg","price":45.5,"sku":"SKU-001"}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	hashA := HashPayload(a)

	b, err := Canonicalize([]byte(`{"sku":"SKU-001",  "price":45.5, "name":"Sugar 1kg"}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}
	hashB := HashPayload(b)

	if hashA != hashB {
		t.Errorf("Expected identical hashes, got %s and %s", hashA, hashB)
	}

	if string(a) != string(b) {
		t.Errorf("Expected identical canonical bytes, got %s and %s", a, b)
	}
}

// TestCanonicalizeNested tests key sorting at every nesting level.
func TestCanonicalizeNested(t *testing.T) {
	out, err := Canonicalize([]byte(`{"b":{"z":1,"a":[{"y":2,"x":3}]},"a":null}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	want := `{"a":null,"b":{"a":[{"x":3,"y":2}],"z":1}}`
	if string(out) != want {
		t.Errorf("Expected %s, got %s", want, out)
	}
}

// TestCanonicalizePreservesNumbers tests that numbers are not rewritten into
// float form.
func TestCanonicalizePreservesNumbers(t *testing.T) {
	out, err := Canonicalize([]byte(`{"qty":10000000000000001,"price":45.50}`))
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	want := `{"price":45.50,"qty":10000000000000001}`
	if string(out) != want {
		t.Errorf("Expected %s, got %s", want, out)
	}
}

// TestVerify tests hash verification on intact and corrupted payloads.
func TestVerify(t *testing.T) {
	payload, hash, err := Encode(map[string]interface{}{"invoice_number": "INV-042", "total_amount": 1280.0})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	if !Verify(payload, hash) {
		t.Error("Expected intact payload to verify")
	}

	corrupted := append([]byte{}, payload...)
	corrupted[len(corrupted)/2] ^= 0xff

	if Verify(corrupted, hash) {
		t.Error("Expected corrupted payload to fail verification")
	}

	err = VerifyStrict(corrupted, hash)
	if err == nil {
		t.Fatal("Expected error from VerifyStrict")
	}
	if !errors.Is(err, errors.ErrIntegrity) {
		t.Errorf("Expected INTEGRITY_ERROR, got %v", err)
	}
}

// TestEncodeRejectsUnserializable tests the error path for values JSON
// cannot represent.
func TestEncodeRejectsUnserializable(t *testing.T) {
	_, _, err := Encode(map[string]interface{}{"ch": make(chan int)})
	if err == nil {
		t.Fatal("Expected error for unserializable value")
	}
	if !errors.Is(err, errors.ErrInvalid) {
		t.Errorf("Expected INVALID_INPUT, got %v", err)
	}
}

// TestCanonicalizeInvalidJSON tests rejection of malformed input.
func TestCanonicalizeInvalidJSON(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":`))
	if err == nil {
		t.Fatal("Expected error for malformed JSON")
	}
}
