package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/hiverun/controlplane/internal/apperr"
)

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMACSignature_Valid(t *testing.T) {
	body := []byte(`{"type":"checkout.session.completed"}`)
	sig := sign("whsec_test", body)

	if err := VerifyHMACSignature("whsec_test", body, sig); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestVerifyHMACSignature_WrongSecret(t *testing.T) {
	body := []byte(`{"type":"checkout.session.completed"}`)
	sig := sign("whsec_test", body)

	err := VerifyHMACSignature("whsec_other", body, sig)
	if !apperr.Is(err, apperr.KindInvalidSignature) {
		t.Errorf("error = %v, want InvalidSignature", err)
	}
}

func TestVerifyHMACSignature_TamperedBody(t *testing.T) {
	body := []byte(`{"type":"checkout.session.completed"}`)
	sig := sign("whsec_test", body)

	err := VerifyHMACSignature("whsec_test", []byte(`{"type":"tampered"}`), sig)
	if !apperr.Is(err, apperr.KindInvalidSignature) {
		t.Errorf("error = %v, want InvalidSignature", err)
	}
}

func TestVerifyHMACSignature_MalformedHex(t *testing.T) {
	body := []byte(`{}`)
	err := VerifyHMACSignature("whsec_test", body, "sha256=not-hex")
	if !apperr.Is(err, apperr.KindInvalidSignature) {
		t.Errorf("error = %v, want InvalidSignature", err)
	}
}
