package pii

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kraklabs/mpc-gateway/internal/domain"
	"github.com/kraklabs/mpc-gateway/internal/obslog"
)

// defaultCacheCapacity bounds the confirmed-value cache so a long-running
// scanner never grows it unboundedly against a stream of distinct
// low-confidence candidates.
const defaultCacheCapacity = 50000

// Verifier confirms or refines a low-confidence candidate value, generalizing
// the teacher's Ollama-specific client into a backend-agnostic contract.
// Implementations are consulted asynchronously; a scan never blocks on one.
type Verifier interface {
	Verify(ctx context.Context, value string) (domain.PIIType, float64, bool)
}

// Scanner detects PII using a fixed compiled pattern table. Patterns at or
// above verifyThreshold are trusted outright; patterns below it consult a
// small confirmed-value cache and, on miss, dispatch an async Verifier call
// to warm that cache for future scans. A scan itself never blocks on
// verification — detect() is synchronous and its result depends only on the
// patterns and the current cache state, so repeated calls against an
// unchanged cache are idempotent.
type Scanner struct {
	patterns        []pattern
	verifyThreshold float64
	verifier        Verifier
	log             *obslog.Logger

	cache *lru.Cache[string, confirmedMatch]

	inflightMu sync.Mutex
	inflight   map[string]bool
	sem        chan struct{}
}

type confirmedMatch struct {
	piiType    domain.PIIType
	confidence float64
}

// Option configures a Scanner at construction time.
type Option func(*Scanner)

// WithVerifier installs an async confirmation backend for low-confidence
// matches and the minimum confidence (verifyThreshold) at or above which a
// pattern match is trusted without consulting it.
func WithVerifier(v Verifier, verifyThreshold float64, maxConcurrent int) Option {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return func(s *Scanner) {
		s.verifier = v
		s.verifyThreshold = verifyThreshold
		s.sem = make(chan struct{}, maxConcurrent)
	}
}

// WithLogger attaches a logger; defaults to a no-op logger.
func WithLogger(l *obslog.Logger) Option {
	return func(s *Scanner) { s.log = l }
}

// WithCacheCapacity bounds the confirmed-value cache to capacity entries,
// evicting least-recently-used values once full. Defaults to
// defaultCacheCapacity.
func WithCacheCapacity(capacity int) Option {
	return func(s *Scanner) {
		cache, err := lru.New[string, confirmedMatch](capacity)
		if err != nil {
			return // capacity <= 0: keep whatever cache New already built
		}
		s.cache = cache
	}
}

// New creates a Scanner with the default pattern table.
func New(opts ...Option) *Scanner {
	cache, _ := lru.New[string, confirmedMatch](defaultCacheCapacity)
	s := &Scanner{
		patterns:        defaultPatterns(),
		verifyThreshold: 1.0, // consulted only once WithVerifier installs a verifier
		log:             obslog.NewNop(),
		cache:           cache,
		inflight:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Detect runs the full pattern table against text and returns every
// surviving match after validator filtering and overlap resolution.
// Running Detect twice against an unchanged cache yields identical results.
func (s *Scanner) Detect(text string) DetectionResult {
	if text == "" {
		return DetectionResult{}
	}

	var raw []Match
	for _, p := range s.patterns {
		raw = append(raw, s.matchPattern(p, text)...)
	}

	resolved := resolveOverlaps(raw)

	result := DetectionResult{
		HasPII:  len(resolved) > 0,
		Matches: resolved,
		Types:   uniqueTypes(resolved),
	}
	return result
}

// matchPattern finds every validator-accepted occurrence of one pattern in
// text, resolving low-confidence hits against the confirmed-value cache and
// dispatching async verification on a miss.
func (s *Scanner) matchPattern(p pattern, text string) []Match {
	idxs := p.re.FindAllStringSubmatchIndex(text, -1)
	if idxs == nil {
		return nil
	}

	matches := make([]Match, 0, len(idxs))
	for _, idx := range idxs {
		start, end := idx[0], idx[1]
		if p.group > 0 {
			gi := p.group * 2
			if gi+1 >= len(idx) || idx[gi] < 0 {
				continue
			}
			start, end = idx[gi], idx[gi+1]
		}
		value := text[start:end]
		if p.validate != nil && !p.validate(value) {
			continue
		}

		piiType, confidence := p.piiType, p.confidence
		if s.verifier != nil && confidence < s.verifyThreshold {
			if cm, hit := s.lookupCache(value); hit {
				piiType, confidence = cm.piiType, cm.confidence
			} else {
				s.dispatchVerifyAsync(value)
			}
		}

		matches = append(matches, Match{
			Type:       piiType,
			Value:      value,
			Start:      start,
			End:        end,
			Confidence: confidence,
		})
	}
	return matches
}

func (s *Scanner) lookupCache(value string) (confirmedMatch, bool) {
	return s.cache.Get(value)
}

// dispatchVerifyAsync fires a background goroutine to confirm a single
// candidate value, warming the cache for future scans. An in-flight map
// prevents duplicate concurrent calls for the same value; a semaphore
// bounds total concurrency against the verifier backend.
func (s *Scanner) dispatchVerifyAsync(value string) {
	s.inflightMu.Lock()
	if s.inflight[value] {
		s.inflightMu.Unlock()
		return
	}
	s.inflight[value] = true
	s.inflightMu.Unlock()

	go func() {
		defer func() {
			s.inflightMu.Lock()
			delete(s.inflight, value)
			s.inflightMu.Unlock()
		}()

		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
		default:
			s.log.Warn("pii_verify_skipped", "verifier busy, dropping background confirmation")
			return
		}

		piiType, confidence, ok := s.verifier.Verify(context.Background(), value)
		if !ok {
			return
		}
		s.cache.Add(value, confirmedMatch{piiType: piiType, confidence: confidence})
	}()
}

// resolveOverlaps applies the spec's tie-break order — longer span wins,
// then higher confidence, then first-in-text — and returns the surviving
// matches sorted by start position.
func resolveOverlaps(matches []Match) []Match {
	if len(matches) == 0 {
		return nil
	}
	ordered := make([]Match, len(matches))
	copy(ordered, matches)
	sort.SliceStable(ordered, func(i, j int) bool {
		li, lj := ordered[i].End-ordered[i].Start, ordered[j].End-ordered[j].Start
		if li != lj {
			return li > lj
		}
		if ordered[i].Confidence != ordered[j].Confidence {
			return ordered[i].Confidence > ordered[j].Confidence
		}
		return ordered[i].Start < ordered[j].Start
	})

	var accepted []Match
	for _, m := range ordered {
		overlaps := false
		for _, a := range accepted {
			if m.Start < a.End && a.Start < m.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			accepted = append(accepted, m)
		}
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Start < accepted[j].Start })
	return accepted
}

func uniqueTypes(matches []Match) []domain.PIIType {
	seen := make(map[domain.PIIType]struct{})
	var out []domain.PIIType
	for _, m := range matches {
		if _, ok := seen[m.Type]; !ok {
			seen[m.Type] = struct{}{}
			out = append(out, m.Type)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
