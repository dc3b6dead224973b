// Package phonetic matches spoken trigger phrases against transcribed
// speech using Double Metaphone phonetic encoding combined with Jaro-Winkler
// string similarity.
//
// Speech recognition regularly mangles short command words ("stop" arriving
// as "stahp", "start over" as "starto ver"), so exact comparison misses
// commands a human would recognize instantly. The matcher slides a window of
// the trigger's word count across the transcript and scores each window:
//
//   - Single-word triggers are accepted when the words share a Double
//     Metaphone code and clear the phonetic threshold (default 0.70), or
//     clear the stricter fuzzy threshold (default 0.85) on raw similarity
//     alone.
//
//   - Multi-word triggers require every trigger word to pass that same check
//     against the transcript word aligned with it, so one shared word can
//     never fire a longer command. A mis-split window gets a second chance on
//     the space-stripped strings.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option is a functional option for configuring a [Matcher].
type Option func(*Matcher)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-overlapping word to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(m *Matcher) { m.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when the
// words share no phonetic code. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(m *Matcher) { m.fuzzyThreshold = threshold }
}

// Matcher detects trigger phrases in transcribed speech. It is read-only
// after construction and safe for concurrent use.
type Matcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New returns a [Matcher] configured with the supplied options.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Detect scans text for the trigger phrase it most resembles. It returns the
// winning trigger verbatim from triggers, its similarity score, and whether
// anything matched at all.
func (m *Matcher) Detect(text string, triggers []string) (trigger string, confidence float64, ok bool) {
	words := tokens(text)
	if len(words) == 0 || len(triggers) == 0 {
		return "", 0, false
	}

	var (
		bestTrigger string
		bestScore   float64
	)
	for _, trig := range triggers {
		trigTokens := tokens(trig)
		n := len(trigTokens)
		if n == 0 || n > len(words) {
			continue
		}
		for i := 0; i+n <= len(words); i++ {
			score, ok := m.matchWindow(words[i:i+n], trigTokens)
			if ok && score > bestScore {
				bestTrigger, bestScore = trig, score
			}
		}
	}

	if bestTrigger == "" {
		return "", 0, false
	}
	return bestTrigger, bestScore, true
}

// matchWindow scores one transcript window against one trigger phrase.
func (m *Matcher) matchWindow(gram, trig []string) (float64, bool) {
	if len(trig) == 1 {
		score := matchr.JaroWinkler(gram[0], trig[0], false)
		if overlap(codesFor(gram), codesFor(trig)) {
			return score, score >= m.phoneticThreshold
		}
		return score, score >= m.fuzzyThreshold
	}

	var total float64
	for i, tw := range trig {
		score := matchr.JaroWinkler(gram[i], tw, false)
		threshold := m.fuzzyThreshold
		if alike(gram[i], tw) {
			threshold = m.phoneticThreshold
		}
		if score < threshold {
			// The recognizer may have split the words differently than the
			// trigger; compare the space-stripped strings before giving up.
			s := matchr.JaroWinkler(strings.Join(gram, ""), strings.Join(trig, ""), false)
			return s, s >= m.fuzzyThreshold
		}
		total += score
	}
	return total / float64(len(trig)), true
}

// tokens lowercases s, strips punctuation, and splits it into words.
// Apostrophes survive so contractions stay single tokens.
func tokens(s string) []string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return ' '
		}
	}, s)
	return strings.Fields(mapped)
}

// codesFor returns the union of all Double Metaphone codes for the given
// tokens. Empty codes, produced when a word has no consonants, are excluded.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// overlap reports whether the two code sets share at least one code.
func overlap(a, b map[string]struct{}) bool {
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

// alike reports whether two words share a Double Metaphone code.
func alike(a, b string) bool {
	pa, sa := matchr.DoubleMetaphone(a)
	pb, sb := matchr.DoubleMetaphone(b)
	if pa != "" && (pa == pb || pa == sb) {
		return true
	}
	return sa != "" && (sa == pb || sa == sb)
}
