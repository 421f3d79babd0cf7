package secrets

import "testing"

func TestSignVerifyRoundTrip(t *testing.T) {
	ring := NewKeyring([]byte("payload-signing-key-0123456789ab"))
	s := NewSignatureSigner(ring)

	payload := []byte(`{"prompt":"hello"}`)
	sig := s.Sign(payload)

	if !s.Verify(payload, sig) {
		t.Fatal("expected signature to verify")
	}
}

func TestVerifyRejectsMutatedPayload(t *testing.T) {
	ring := NewKeyring([]byte("payload-signing-key-0123456789ab"))
	s := NewSignatureSigner(ring)

	payload := []byte(`{"prompt":"hello"}`)
	sig := s.Sign(payload)

	mutated := []byte(`{"prompt":"hellp"}`)
	if s.Verify(mutated, sig) {
		t.Fatal("expected verify to fail on mutated payload")
	}
}

func TestVerifyRejectsMutatedSignature(t *testing.T) {
	ring := NewKeyring([]byte("payload-signing-key-0123456789ab"))
	s := NewSignatureSigner(ring)

	payload := []byte(`{"prompt":"hello"}`)
	sig := s.Sign(payload)
	// Flip a hex character.
	mutated := []byte(sig)
	if mutated[0] == 'a' {
		mutated[0] = 'b'
	} else {
		mutated[0] = 'a'
	}

	if s.Verify(payload, string(mutated)) {
		t.Fatal("expected verify to fail on mutated signature")
	}
}

func TestSignatureVerifyAcrossRotation(t *testing.T) {
	ring := NewKeyring([]byte("old-payload-key-0123456789abcdef"))
	s := NewSignatureSigner(ring)

	payload := []byte(`{"prompt":"hello"}`)
	sig := s.Sign(payload)

	ring.Rotate([]byte("new-payload-key-0123456789abcdef"))

	if !s.Verify(payload, sig) {
		t.Fatal("expected verify against previous key to succeed after rotation")
	}
}
