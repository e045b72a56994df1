// Package index is the full-text side of the database: an inverted index
// over immutable segment files with BM25 ranking, exact-match filters via
// roaring bitmaps, tombstone-based deletion, and an optional sealing layer
// that encrypts every payload at rest. The relational event store stays
// authoritative; everything here can be rebuilt from it.
package index

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
)

// ErrUnsupportedLanguage is returned when the requested analyzer language
// is not covered by the stemmer.
var ErrUnsupportedLanguage = errors.New("index: unsupported analyzer language")

// supportedLanguages is the stemmer's language set. Validated at open so a
// typo fails construction instead of silently degrading every query.
var supportedLanguages = map[string]bool{
	"english":   true,
	"spanish":   true,
	"french":    true,
	"russian":   true,
	"swedish":   true,
	"norwegian": true,
	"hungarian": true,
}

// SupportedLanguages lists the analyzer languages accepted by Open, sorted.
func SupportedLanguages() []string {
	out := make([]string, 0, len(supportedLanguages))
	for lang := range supportedLanguages {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// ValidLanguage reports whether lang is accepted by the analyzer.
func ValidLanguage(lang string) bool {
	return supportedLanguages[strings.ToLower(lang)]
}

// analyzer lowercases, splits on non-alphanumeric runes, and stems.
type analyzer struct {
	language string
}

func newAnalyzer(language string) (*analyzer, error) {
	language = strings.ToLower(language)
	if !supportedLanguages[language] {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, language)
	}
	return &analyzer{language: language}, nil
}

// Tokens analyzes free text into index terms. Tokens the stemmer rejects
// are kept lowercased rather than dropped, so unusual words stay findable.
func (a *analyzer) Tokens(text string) []string {
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		token := strings.ToLower(current.String())
		current.Reset()
		stemmed, err := snowball.Stem(token, a.language, false)
		if err != nil || stemmed == "" {
			tokens = append(tokens, token)
			return
		}
		tokens = append(tokens, stemmed)
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return tokens
}
