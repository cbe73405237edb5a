package moderation

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	// urlPattern matches http/https URLs, www. URLs, and bare domains with a
	// path. The bare-domain variant requires a trailing "/" so version strings
	// like "v2.0" and decimals like "3.14" do not match.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// phonePattern matches formats such as +1-555-123-4567, (555) 123-4567
	// and 555.123.4567, anchored to whitespace or string boundaries.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)
)

// spamCheck is one weighted signal.
type spamCheck struct {
	name   string
	weight float64
	match  func(string) bool
}

var spamChecks = []spamCheck{
	{name: "url", weight: 0.9, match: urlPattern.MatchString},
	{name: "phone", weight: 0.8, match: phonePattern.MatchString},
	{name: "char_flood", weight: 0.6, match: hasCharFlood},
	{name: "word_flood", weight: 0.7, match: hasWordFlood},
}

// DefaultSpamThreshold is the score at or above which a message is spam.
const DefaultSpamThreshold = 0.75

// SpamScorer flags messages with pattern-based signals. Every check
// contributes a score; the message is spam when any score reaches the
// threshold.
type SpamScorer struct {
	threshold float64
}

// NewSpamScorer creates a scorer. A non-positive threshold selects
// DefaultSpamThreshold.
func NewSpamScorer(threshold float64) *SpamScorer {
	if threshold <= 0 {
		threshold = DefaultSpamThreshold
	}
	return &SpamScorer{threshold: threshold}
}

// IsSpam scores text and reports whether it crosses the threshold. The
// returned scores hold every check, including those that did not fire.
func (s *SpamScorer) IsSpam(text string) (bool, Scores) {
	scores := make(Scores, len(spamChecks))
	spam := false
	for _, sc := range spamChecks {
		score := 0.0
		if sc.match(text) {
			score = sc.weight
		}
		scores[sc.name] = score
		if score >= s.threshold {
			spam = true
		}
	}
	return spam, scores
}

// hasCharFlood reports 5 or more consecutive identical characters. RE2 has
// no backreferences so this is a linear scan.
func hasCharFlood(text string) bool {
	const threshold = 5

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood reports the same word 3 or more times in a row,
// case-insensitively.
func hasWordFlood(text string) bool {
	const threshold = 3

	words := strings.FieldsFunc(text, unicode.IsSpace)
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
