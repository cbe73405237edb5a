// Package moderation screens chat messages: a keyword blacklist that
// diverts offending messages to moderators, and a pattern-based spam scorer.
package moderation

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/gridchat/chat-server/internal/activity"
)

// leetMap folds common character substitutions back to letters.
var leetMap = map[rune]rune{
	'@': 'a',
	'4': 'a',
	'0': 'o',
	'3': 'e',
	'1': 'i',
	'!': 'i',
	'$': 's',
	'5': 's',
	'7': 't',
}

// Filter matches messages against a blacklist of single words and
// multi-word phrases. Matching is case-insensitive, on whole tokens, and
// sees through leetspeak. A Filter is immutable and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter builds a filter from blacklist terms. Blank entries are ignored.
func NewFilter(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if strings.ContainsAny(term, " \t") {
			f.phrases = append(f.phrases, strings.Join(strings.Fields(term), " "))
			continue
		}
		f.words[term] = struct{}{}
	}
	return f
}

// LoadTerms reads one blacklist term per line. Lines starting with # are
// comments.
func LoadTerms(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("moderation: open blacklist: %w", err)
	}
	defer file.Close()

	var terms []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		terms = append(terms, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("moderation: read blacklist: %w", err)
	}
	return terms, nil
}

// Size returns the number of blacklist entries.
func (f *Filter) Size() int {
	return len(f.words) + len(f.phrases)
}

// Check screens text against the blacklist.
func (f *Filter) Check(text string) FilterResult {
	if f.Size() == 0 || strings.TrimSpace(text) == "" {
		return FilterResult{}
	}

	plain := tokenizePlain(text)
	leet := tokenizeLeet(text)
	for i, tok := range leet {
		leet[i] = normalizeLeet(tok)
	}

	for _, tokens := range [][]string{plain, leet} {
		for _, tok := range tokens {
			if _, ok := f.words[tok]; ok {
				return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: tok}
			}
		}
	}

	if len(f.phrases) > 0 {
		joined := []string{
			" " + strings.Join(plain, " ") + " ",
			" " + strings.Join(tokenizePlain(strings.Join(leet, " ")), " ") + " ",
		}
		for _, phrase := range f.phrases {
			for _, j := range joined {
				if strings.Contains(j, " "+phrase+" ") {
					return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: phrase}
				}
			}
		}
	}
	return FilterResult{}
}

// UsedBlacklistedWord returns the blacklist entry found in the message
// content of act, if any.
func (f *Filter) UsedBlacklistedWord(act activity.Activity) (string, bool) {
	res := f.Check(act.Object.Content)
	return res.Term, res.Blocked
}

// normalizeLeet lowercases s and replaces leetspeak substitutions.
func normalizeLeet(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if m, ok := leetMap[r]; ok {
			r = m
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tokenizePlain splits on anything that is not a letter or digit and
// lowercases the tokens.
func tokenizePlain(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) == 0 {
		return nil
	}
	for i, f := range fields {
		fields[i] = strings.ToLower(f)
	}
	return fields
}

// tokenizeLeet splits on whitespace only so substitution characters stay
// inside their token; surrounding punctuation is trimmed.
func tokenizeLeet(s string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(s, unicode.IsSpace) {
		f = strings.Trim(f, `.,?;:"'()[]{}`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
