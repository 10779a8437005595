package catalog

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Suggester proposes the known product name closest to a misheard one.
//
// Candidates whose Double Metaphone codes overlap the query are ranked by
// Jaro-Winkler similarity and accepted above the phonetic threshold. When
// nothing sounds alike, plain Jaro-Winkler is tried against every name with
// the stricter fuzzy threshold. The zero value is not usable; call
// [NewSuggester].
type Suggester struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// SuggesterOption configures a [Suggester].
type SuggesterOption func(*Suggester)

// WithPhoneticThreshold sets the minimum score for a phonetic candidate.
// Default: 0.70.
func WithPhoneticThreshold(v float64) SuggesterOption {
	return func(s *Suggester) { s.phoneticThreshold = v }
}

// WithFuzzyThreshold sets the minimum score for a non-phonetic candidate.
// Default: 0.85.
func WithFuzzyThreshold(v float64) SuggesterOption {
	return func(s *Suggester) { s.fuzzyThreshold = v }
}

// NewSuggester returns a suggester with default thresholds.
func NewSuggester(opts ...SuggesterOption) *Suggester {
	s := &Suggester{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Suggest returns the best candidate for query and whether one cleared its
// threshold.
func (s *Suggester) Suggest(query string, candidates []string) (string, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" || len(candidates) == 0 {
		return "", false
	}
	qTokens := strings.Fields(q)
	qCodes := metaphoneCodes(qTokens)

	var (
		best      string
		bestScore float64
		phonetic  bool
	)
	for _, c := range candidates {
		cl := strings.ToLower(strings.TrimSpace(c))
		if cl == "" {
			continue
		}
		cTokens := strings.Fields(cl)
		score := similarity(qTokens, cTokens, q, cl)

		if overlaps(qCodes, metaphoneCodes(cTokens)) {
			if score >= s.phoneticThreshold && (!phonetic || score > bestScore) {
				best, bestScore, phonetic = c, score, true
			}
			continue
		}
		if !phonetic && score >= s.fuzzyThreshold && score > bestScore {
			best, bestScore = c, score
		}
	}
	return best, best != ""
}

func metaphoneCodes(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, alt := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if alt != "" {
			codes[alt] = struct{}{}
		}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the full strings, the
// strings with spaces removed, and every token pair.
func similarity(qTokens, cTokens []string, q, c string) float64 {
	score := matchr.JaroWinkler(q, c, false)
	if len(qTokens) > 1 || len(cTokens) > 1 {
		if v := matchr.JaroWinkler(strings.Join(qTokens, ""), strings.Join(cTokens, ""), false); v > score {
			score = v
		}
	}
	for _, qt := range qTokens {
		for _, ct := range cTokens {
			if v := matchr.JaroWinkler(qt, ct, false); v > score {
				score = v
			}
		}
	}
	return score
}
