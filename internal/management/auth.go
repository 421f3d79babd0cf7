package management

import (
	"crypto/subtle"
	"strings"
)

func hasBearerPrefix(header, prefix string) bool {
	return strings.HasPrefix(header, prefix)
}

func constantTimeEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(want)) == 1
}
