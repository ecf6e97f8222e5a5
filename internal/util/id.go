package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Row ID prefixes. Session tokens are random hex without a prefix and are
// only ever stored hashed.
const (
	PrefixUser     = "u"
	PrefixEntry    = "de"
	PrefixPhoto    = "dp"
	PrefixSchedule = "sc"
	PrefixFriend   = "fr"
)

func NewID(prefix string) string {
	bytes := make([]byte, 12)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// LooksLikeID reports whether id has the given prefix and a non-empty body
// of safe characters, so path segments can be rejected before hitting storage.
func LooksLikeID(id, prefix string) bool {
	body, ok := strings.CutPrefix(id, prefix+"_")
	if !ok || body == "" || len(body) > 64 {
		return false
	}
	for _, r := range body {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
			return false
		}
	}
	return true
}
