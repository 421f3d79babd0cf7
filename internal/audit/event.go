// Package audit implements the append-only, bounded-wait audit trail every
// request stage writes to: sensitivity/outcome tagged events, persisted as
// newline-delimited JSON, with actor values hashed when they look like PII.
//
// Grounded on original_source/components/security/audit.py's AuditEvent/
// AuditLogger (event shape, the per-event-type logging helpers, and the
// "hash if it looks like PII" actor heuristic) and on the teacher's
// internal/management atomic-file-write discipline, adapted from whole-file
// rewrites to append-only writes since a log, unlike a registry snapshot,
// is never rewritten wholesale.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Event is one structured audit record.
type Event struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	Type        string         `json:"event_type"`
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	Resource    string         `json:"resource"`
	Outcome     string         `json:"outcome"`
	Sensitivity string         `json:"sensitivity_level,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// hashActor hashes actor values that look like PII (containing "@" or a
// digit) to a short, non-reversible identifier; anything else (an opaque
// client id or "system") is recorded verbatim.
func hashActor(actor string) string {
	if !looksLikePII(actor) {
		return actor
	}
	sum := sha256.Sum256([]byte(actor))
	return "actor:" + hex.EncodeToString(sum[:])[:16]
}

func looksLikePII(s string) bool {
	if strings.ContainsRune(s, '@') {
		return true
	}
	for _, r := range s {
		if r >= '0' && r <= '9' {
			return true
		}
	}
	return false
}
