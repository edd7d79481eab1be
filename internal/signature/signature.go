// Package signature verifies telephony webhook signatures.
//
// The provider signs every delivery with an HMAC-SHA1 digest of the raw
// request body, hex encoded in a request header. Verification must happen
// on the raw bytes before any JSON parsing touches the payload.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Verify reports whether signatureHeader carries a valid HMAC-SHA1 hex
// digest of rawBody under secret. The comparison is constant time. Missing
// signature, missing secret, or undecodable hex all return false; callers
// treat false as unauthenticated.
func Verify(rawBody []byte, signatureHeader, secret string) bool {
	sig := strings.TrimSpace(signatureHeader)
	if sig == "" || secret == "" {
		return false
	}

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}

	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write(rawBody)

	return hmac.Equal(mac.Sum(nil), provided)
}

// Sign computes the HMAC-SHA1 hex digest of rawBody under secret, the
// counterpart of Verify. Used to sign outbound test deliveries.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
