// Package tokenizer normalises text for keyword indexing and lexical
// scoring. It lower-cases input, drops redaction placeholders and stop-words,
// and applies a small suffix stemmer.
package tokenizer

import (
	"regexp"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "does": {}, "so": {}, "can": {}, "should": {},
	"my": {}, "me": {}, "i": {}, "you": {}, "your": {}, "how": {},
	"about": {}, "there": {}, "been": {}, "she": {}, "her": {}, "his": {},
}

// Negations carry meaning in clinical text ("no fever"), so they are kept.
var keep = map[string]struct{}{"no": {}, "not": {}}

var placeholderRE = regexp.MustCompile(`\[[A-Z_]+:[0-9a-f]{8}\]`)

// Token is a single normalised term and its position among kept terms.
type Token struct {
	Term     string
	Position int
}

// Tokenize breaks text into stemmed, lowercased Tokens.
func Tokenize(text string) []Token {
	text = placeholderRE.ReplaceAllString(text, " ")
	text = strings.ToLower(text)
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make([]Token, 0, len(words)/2+1)
	pos := 0
	for _, word := range words {
		if _, ok := keep[word]; !ok {
			if len(word) < 2 {
				continue
			}
			if _, isStop := stopWords[word]; isStop {
				continue
			}
		}
		stemmed := Stem(word)
		if stemmed == "" {
			continue
		}
		tokens = append(tokens, Token{Term: stemmed, Position: pos})
		pos++
	}
	return tokens
}

// Terms returns the token terms in order, duplicates included.
func Terms(text string) []string {
	tokens := Tokenize(text)
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Term
	}
	return out
}

// TermSet returns the distinct terms of text.
func TermSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range Tokenize(text) {
		set[t.Term] = struct{}{}
	}
	return set
}

type suffixRule struct {
	suffix      string
	replacement string
	minLen      int
}

var suffixRules = []suffixRule{
	{"ational", "ate", 2},
	{"tional", "tion", 2},
	{"encies", "ence", 2},
	{"ances", "ance", 2},
	{"ments", "ment", 2},
	{"izing", "ize", 2},
	{"ating", "ate", 2},
	{"iness", "y", 2},
	{"ously", "ous", 2},
	{"ively", "ive", 2},
	{"tion", "t", 3},
	{"sion", "s", 3},
	{"ying", "y", 2},
	{"ies", "y", 2},
	{"ing", "", 3},
	{"ers", "er", 2},
	{"ed", "", 3},
	{"ly", "", 3},
	{"es", "", 3},
	{"ss", "ss", 2},
	{"s", "", 3},
}

// Stem strips the first matching suffix when the remaining stem is long
// enough. Drug and condition names are short enough that aggressive rules
// ("-est", "-ful", "-ous") were dropped.
func Stem(word string) string {
	for _, rule := range suffixRules {
		if strings.HasSuffix(word, rule.suffix) {
			newWord := word[:len(word)-len(rule.suffix)] + rule.replacement
			if len(newWord) >= rule.minLen {
				return newWord
			}
		}
	}
	return word
}
