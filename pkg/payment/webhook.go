package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/hiverun/controlplane/internal/apperr"
)

// VerifyHMACSignature checks an HMAC-SHA256 signature over body using
// secret, comparing in constant time. signature is expected as a hex
// string, optionally prefixed (e.g. "sha256=...").
func VerifyHMACSignature(secret string, body []byte, signature string) error {
	const prefix = "sha256="
	sig := signature
	if len(sig) > len(prefix) && sig[:len(prefix)] == prefix {
		sig = sig[len(prefix):]
	}

	expected := hmac.New(sha256.New, []byte(secret))
	expected.Write(body)
	expectedHex := hex.EncodeToString(expected.Sum(nil))

	given, err := hex.DecodeString(sig)
	if err != nil {
		return apperr.New(apperr.KindInvalidSignature, "malformed webhook signature")
	}
	expectedBytes, _ := hex.DecodeString(expectedHex)

	if !hmac.Equal(given, expectedBytes) {
		return apperr.New(apperr.KindInvalidSignature, "webhook signature mismatch")
	}
	return nil
}
