package secrets

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// SignatureSigner signs and verifies the canonical payload encoding with
// HMAC-SHA-256, using constant-time comparison on verify. Grounded on the
// teacher's own use of crypto/subtle in internal/management's bearer-token
// check — stdlib HMAC is the idiomatic choice here; no third-party library
// in this corpus improves on it for symmetric message authentication.
type SignatureSigner struct {
	ring *Keyring
}

// NewSignatureSigner creates a signer backed by the given keyring.
func NewSignatureSigner(ring *Keyring) *SignatureSigner {
	return &SignatureSigner{ring: ring}
}

// Sign returns the hex-encoded HMAC-SHA-256 of payload under the current key.
func (s *SignatureSigner) Sign(payload []byte) string {
	return signWith(s.ring.Current(), payload)
}

// Verify checks sig against payload under every key in the ring, so
// verification succeeds across key rotation. Comparison is constant-time.
func (s *SignatureSigner) Verify(payload []byte, sig string) bool {
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	for _, key := range s.ring.All() {
		got := macBytes(key, payload)
		if subtle.ConstantTimeCompare(got, want) == 1 {
			return true
		}
	}
	return false
}

func signWith(key, payload []byte) string {
	return hex.EncodeToString(macBytes(key, payload))
}

func macBytes(key, payload []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return h.Sum(nil)
}
