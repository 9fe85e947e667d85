package nats

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// subjectToken turns an arbitrary stream id into a valid NATS subject
// token. Ids that are already safe pass through unchanged so subjects stay
// readable; anything with reserved characters is replaced by a short,
// stable blake2b digest.
func subjectToken(id string) string {
	if safeToken(id) {
		return id
	}
	sum := blake2b.Sum256([]byte(id))
	return "h" + hex.EncodeToString(sum[:12])
}

func safeToken(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
