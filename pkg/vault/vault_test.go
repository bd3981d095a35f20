package vault

import "testing"

func TestAEADRoundTrip_SealThenOpen(t *testing.T) {
	v := New(nil, []byte("test-master-key-not-for-production-use"))

	aead, nonce, err := v.newAEAD("tenant-1", "openai")
	if err != nil {
		t.Fatalf("newAEAD: %v", err)
	}

	plaintext := []byte("sk-super-secret-key")
	ciphertext := aead.Seal(nil, nonce, plaintext, additionalData("tenant-1", "openai"))

	got, err := aead.Open(nil, nonce, ciphertext, additionalData("tenant-1", "openai"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("got %q, want %q", got, plaintext)
	}
}

func TestAEADRoundTrip_FailsWithWrongAdditionalData(t *testing.T) {
	v := New(nil, []byte("test-master-key-not-for-production-use"))

	aead, nonce, err := v.newAEAD("tenant-1", "openai")
	if err != nil {
		t.Fatalf("newAEAD: %v", err)
	}

	ciphertext := aead.Seal(nil, nonce, []byte("sk-super-secret-key"), additionalData("tenant-1", "openai"))

	if _, err := aead.Open(nil, nonce, ciphertext, additionalData("tenant-2", "openai")); err == nil {
		t.Error("expected Open to fail for a different tenant's additional data")
	}
}

func TestDerivedKeysDifferPerProvider(t *testing.T) {
	v := New(nil, []byte("test-master-key-not-for-production-use"))

	aeadA, _, err := v.newAEAD("tenant-1", "openai")
	if err != nil {
		t.Fatalf("newAEAD: %v", err)
	}
	aeadB, _, err := v.newAEAD("tenant-1", "anthropic")
	if err != nil {
		t.Fatalf("newAEAD: %v", err)
	}

	nonce := make([]byte, 12)
	ciphertextA := aeadA.Seal(nil, nonce, []byte("secret"), additionalData("tenant-1", "openai"))

	if _, err := aeadB.Open(nil, nonce, ciphertextA, additionalData("tenant-1", "openai")); err == nil {
		t.Error("expected a different provider's derived key to fail decrypting")
	}
}
