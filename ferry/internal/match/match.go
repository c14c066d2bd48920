// Package match decides whether a catalog listing is the book we asked for.
//
// Titles are compared as word sets after normalization: the share of the
// smaller set found in the larger one is the score. Authors are checked
// loosely, a single surname-sized token is enough, because catalogs decorate
// author fields with initials, roles ("trans.", "ed.") and ordering changes.
package match

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Threshold is the minimum title score for a candidate to be accepted.
const Threshold = 0.70

// minAuthorToken is the exclusive lower bound on author token length.
// Initials and particles ("a", "de", "le") never count as evidence.
const minAuthorToken = 2

var (
	bracketed = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)
	// Generic subtitle markers carry no identity: "Piranesi: A Novel".
	subtitleMarker = regexp.MustCompile(`\s*:\s*(?:a\s+)?(?:novel|novella|memoir|thriller|story|book\s+\d+)\s*$`)
)

// StripParentheticals removes "(...)" and "[...]" spans, typically series
// annotations such as "(The Expanse, #1)", and collapses whitespace.
func StripParentheticals(s string) string {
	return strings.Join(strings.Fields(bracketed.ReplaceAllString(s, " ")), " ")
}

// Normalize lowercases s, drops bracketed spans and a trailing generic
// subtitle marker, replaces punctuation with spaces and collapses whitespace.
// Apostrophes are removed outright so "Ender's" and "Enders" agree.
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = bracketed.ReplaceAllString(s, " ")
	s = subtitleMarker.ReplaceAllString(strings.TrimSpace(s), "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\'' || r == '’':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// TitleScore returns |S ∩ L| / |S| over the word sets of both normalized
// titles, S being the smaller set. Either side empty scores 0.
func TitleScore(expected, candidate string) float64 {
	a := wordSet(Normalize(expected))
	b := wordSet(Normalize(candidate))
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	shared := 0
	for w := range small {
		if _, ok := large[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}

// Accepts reports whether a title score clears Threshold.
// The epsilon absorbs float division noise so 7/10 counts as 0.70.
func Accepts(score float64) bool {
	return score >= Threshold-1e-9
}

// IsGoodMatch reports whether a candidate (title, author) is the expected
// book. The title must score at least Threshold. When expectedAuthor is
// empty only the title is checked.
func IsGoodMatch(expectedTitle, expectedAuthor, candidateTitle, candidateAuthor string) bool {
	if !Accepts(TitleScore(expectedTitle, candidateTitle)) {
		return false
	}
	if strings.TrimSpace(expectedAuthor) == "" {
		return true
	}
	return authorMatches(expectedAuthor, candidateAuthor)
}

func authorMatches(expected, candidate string) bool {
	cand := Normalize(candidate)
	if cand == "" {
		return false
	}
	for _, tok := range strings.Fields(Normalize(expected)) {
		if utf8.RuneCountInString(tok) <= minAuthorToken {
			continue
		}
		if strings.Contains(cand, tok) {
			return true
		}
	}
	return false
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(s)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
