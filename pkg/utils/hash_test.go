package utils

import "testing"

func TestPayloadHashDeterministic(t *testing.T) {
	payload := []byte(`{"login":"octocat","public_repos":8}`)

	first := PayloadHash(payload)
	second := PayloadHash(payload)

	if first != second {
		t.Errorf("hash not deterministic: %q vs %q", first, second)
	}
	if len(first) != 16 {
		t.Errorf("hash length = %d, want 16 hex chars", len(first))
	}
}

func TestPayloadHashDistinguishesPayloads(t *testing.T) {
	a := PayloadHash([]byte(`{"total":100}`))
	b := PayloadHash([]byte(`{"total":101}`))

	if a == b {
		t.Errorf("distinct payloads produced identical hash %q", a)
	}
}

func TestPayloadHashEmpty(t *testing.T) {
	// Empty payloads are legal (e.g. an empty repo page) and must still
	// produce a stable fingerprint.
	if got := PayloadHash(nil); got != PayloadHash([]byte{}) {
		t.Errorf("nil and empty payloads hashed differently: %q", got)
	}
}
