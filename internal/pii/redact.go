package pii

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Redact detects PII in text and rewrites every match per strategy. Matches
// are walked in reverse order of Start to keep earlier byte offsets valid
// while later ones are rewritten. For StrategyTokenize the returned
// TokenMap is the only way to recover original values; it must not outlive
// the request it was produced for.
func (s *Scanner) Redact(text string, strategy Strategy) (string, DetectionResult, TokenMap, error) {
	if !strategy.Valid() {
		return text, DetectionResult{}, nil, errors.Newf("pii: unknown redaction strategy %q", strategy)
	}

	result := s.Detect(text)
	if !result.HasPII {
		return text, result, nil, nil
	}

	// Walk in reverse start order so earlier offsets stay valid as later
	// spans in the string are rewritten.
	byStart := make([]Match, len(result.Matches))
	copy(byStart, result.Matches)
	for i, j := 0, len(byStart)-1; i < j; i, j = i+1, j-1 {
		byStart[i], byStart[j] = byStart[j], byStart[i]
	}

	var tokens TokenMap
	if strategy == StrategyTokenize {
		tokens = make(TokenMap)
	}

	out := text
	valueTokens := make(map[string]string) // stabilizes repeated values within one scan
	for _, m := range byStart {
		replacement, err := replacementFor(m, strategy, valueTokens)
		if err != nil {
			return text, result, nil, err
		}
		out = out[:m.Start] + replacement + out[m.End:]
		if strategy == StrategyTokenize {
			tokens[replacement] = m.Value
		}
	}

	return out, result, tokens, nil
}

// replacementFor computes the rewritten form of one match. valueTokens
// memoizes tokenize-strategy assignments so a value repeated within the same
// scan gets the same token.
func replacementFor(m Match, strategy Strategy, valueTokens map[string]string) (string, error) {
	switch strategy {
	case StrategyRedact:
		return fmt.Sprintf("[REDACTED:%s]", strings.ToUpper(string(m.Type))), nil
	case StrategyMask:
		return "****", nil
	case StrategyHash:
		sum := sha256.Sum256([]byte(m.Value))
		return fmt.Sprintf("[%s:%s]", strings.ToUpper(string(m.Type)), hex.EncodeToString(sum[:])[:8]), nil
	case StrategyTokenize:
		if tok, ok := valueTokens[m.Value]; ok {
			return tok, nil
		}
		tok, err := newToken()
		if err != nil {
			return "", err
		}
		valueTokens[m.Value] = tok
		return tok, nil
	default:
		return "", errors.Newf("pii: unknown redaction strategy %q", strategy)
	}
}

// newToken produces an unguessable placeholder from a random namespace that
// cannot collide with ordinary redacted text, so Detokenize is a true
// inverse of Redact for the tokenize strategy.
func newToken() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", errors.Wrap(err, "pii: generating token")
	}
	return "TOKEN_" + hex.EncodeToString(buf[:]), nil
}

// Detokenize reverses every token → original mapping recorded by a prior
// tokenize-strategy Redact call.
func Detokenize(text string, tokens TokenMap) string {
	if len(tokens) == 0 {
		return text
	}
	out := text
	for tok, original := range tokens {
		out = strings.ReplaceAll(out, tok, original)
	}
	return out
}
