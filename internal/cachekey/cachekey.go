// Package cachekey derives deterministic cache keys of the form "<prefix>:<digest>".
//
// Payloads are canonicalized before hashing: they are normalized through JSON so that
// map key order, struct-vs-map representation and whitespace never change the key.
package cachekey

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DigestLength is the number of hex characters kept from the SHA-256 sum.
const DigestLength = 16

// Generate returns "<prefix>:<digest>" for payload.
func Generate(prefix string, payload any) string {
	return prefix + ":" + Fingerprint(payload)
}

// Fingerprint returns the fixed-width hex digest of the canonical form of payload.
func Fingerprint(payload any) string {
	sum := sha256.Sum256(canonical(payload))
	return hex.EncodeToString(sum[:])[:DigestLength]
}

func canonical(payload any) []byte {
	switch v := payload.(type) {
	case nil:
		return []byte("null")
	case []byte:
		// Tagged: no JSON document starts with "bytes:", so raw bytes never collide with
		// an encoded value.
		return append([]byte("bytes:"), v...)
	case string:
		// Quoted so that "1" and 1 fingerprint differently.
		b, _ := json.Marshal(v)
		return b
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", payload))
	}

	// encoding/json sorts map keys; a decode/encode round trip turns structs into maps
	// so both shapes of the same data agree.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return raw
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return raw
	}
	return out
}
