package pii

import (
	"regexp"
	"strings"

	"github.com/kraklabs/mpc-gateway/internal/domain"
)

// pattern pairs a compiled regex with its PII type, a base confidence score,
// and an optional post-match validator. Confidence reflects how specifically
// the regex identifies the target type: scores below verifyThreshold route
// through the async verifier before being trusted for future scans.
type pattern struct {
	re         *regexp.Regexp
	piiType    domain.PIIType
	confidence float64
	validate   func(string) bool // nil means "always accept"
	group      int               // submatch index to use as the match span; 0 = whole match
}

// defaultPatterns mirrors the teacher's confidence tiers (structural
// specificity determines the score) but is restricted to the nine PIIType
// values the gateway recognizes, and adds the three types the teacher never
// covered (passport, iban, name) from original_source's pattern table.
func defaultPatterns() []pattern {
	return []pattern{
		// Email: unambiguous structural markers (@, domain, TLD).
		{
			re:         regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`),
			piiType:    domain.PIIEmail,
			confidence: 0.95,
		},
		// SSN: structured hyphenated format; all-zero groups are rejected below.
		{
			re:         regexp.MustCompile(`\b\d{3}[-\s]?\d{2}[-\s]?\d{4}\b`),
			piiType:    domain.PIISSN,
			confidence: 0.85,
			validate:   validSSN,
		},
		// Credit card: 16-digit block pattern, confirmed by Luhn below.
		{
			re:         regexp.MustCompile(`\b(?:\d{4}[\-\s]?){3}\d{4}\b`),
			piiType:    domain.PIICreditCard,
			confidence: 0.85,
			validate:   validLuhn,
		},
		// IBAN: two-letter country code, two check digits, BBAN.
		{
			re:         regexp.MustCompile(`(?i)\b[A-Z]{2}\d{2}[A-Z0-9]{10,30}\b`),
			piiType:    domain.PIIIBAN,
			confidence: 0.80,
		},
		// Passport: one or two letters (either case, via (?i)) followed by 6-9 digits.
		// Broad alphanumeric shape, so confidence is moderate.
		{
			re:         regexp.MustCompile(`(?i)\b[A-Z]{1,2}\d{6,9}\b`),
			piiType:    domain.PIIPassport,
			confidence: 0.55,
		},
		// IPv4: four dot-separated octets, each in [0,255].
		{
			re:         regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`),
			piiType:    domain.PIIIPAddress,
			confidence: 0.80,
			validate:   validIPv4,
		},
		// Street address: requires a street-type suffix keyword.
		{
			re: regexp.MustCompile(`(?i)\d+\s+[A-Za-z\s]+` +
				`(?:Street|St|Avenue|Ave|Road|Rd|Boulevard|Blvd|Lane|Ln|Drive|Dr|Court|Ct)\b`),
			piiType:    domain.PIIAddress,
			confidence: 0.75,
		},
		// Phone: broad numeric-sequence pattern — lowest structural specificity.
		{
			re:         regexp.MustCompile(`(\+?1?[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})`),
			piiType:    domain.PIIPhone,
			confidence: 0.65,
		},
		// Name: self-introduction phrasing. Free-form and ambiguous, so
		// confidence is deliberately low; the async verifier is the
		// meaningful confirmation path for this type.
		{
			re:         regexp.MustCompile(`(?i)\b(?:name is|my name's|i am|i'm)\s+([A-Z][a-z]+(?:\s+[A-Z][a-z]+){0,2})`),
			piiType:    domain.PIIName,
			confidence: 0.45,
			group:      1,
		},
	}
}

// validLuhn applies the Luhn checksum to the digit stream in s. It reports
// false when the stream has fewer than 13 or more than 19 digits, or when
// the checksum fails.
func validLuhn(s string) bool {
	digits := extractDigits(s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	alt := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if alt {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		alt = !alt
	}
	return sum%10 == 0
}

// validSSN rejects all-zero digit groups (000-xx-xxxx, xxx-00-xxxx,
// xxx-xx-0000), which the SSA never issues.
func validSSN(s string) bool {
	digits := extractDigits(s)
	if len(digits) != 9 {
		return false
	}
	allZero := func(d []int) bool {
		for _, v := range d {
			if v != 0 {
				return false
			}
		}
		return true
	}
	return !allZero(digits[0:3]) && !allZero(digits[3:5]) && !allZero(digits[5:9])
}

// validIPv4 requires exactly four dot-separated decimal octets, each in [0,255].
func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

func extractDigits(s string) []int {
	digits := make([]int, 0, len(s))
	for _, c := range s {
		if c >= '0' && c <= '9' {
			digits = append(digits, int(c-'0'))
		}
	}
	return digits
}

