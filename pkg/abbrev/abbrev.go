// Package abbrev substitutes dictionary abbreviations in free text.
//
// Both directions scan the input once from left to right. At each position
// the longest candidate that matches on word boundaries wins, and substituted
// text is never rescanned.
package abbrev

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Source supplies short -> long pairs. *dictionary.Dictionary satisfies it.
type Source interface {
	Abbreviations() map[string]string
}

type pair struct{ from, to string }

// Table is a prepared substitution table for one direction.
type Table struct {
	pairs []pair
}

// CompressTable maps long forms to short forms, longest long form first.
func CompressTable(src Source) *Table {
	abbr := src.Abbreviations()
	pairs := make([]pair, 0, len(abbr))
	for short, long := range abbr {
		pairs = append(pairs, pair{from: long, to: short})
	}
	return newTable(pairs)
}

// ExpandTable maps short forms to long forms, longest short form first.
func ExpandTable(src Source) *Table {
	abbr := src.Abbreviations()
	pairs := make([]pair, 0, len(abbr))
	for short, long := range abbr {
		pairs = append(pairs, pair{from: short, to: long})
	}
	return newTable(pairs)
}

func newTable(pairs []pair) *Table {
	filtered := pairs[:0]
	for _, p := range pairs {
		if p.from != "" {
			filtered = append(filtered, p)
		}
	}
	sort.Slice(filtered, func(i, j int) bool {
		if len(filtered[i].from) != len(filtered[j].from) {
			return len(filtered[i].from) > len(filtered[j].from)
		}
		return filtered[i].from < filtered[j].from
	})
	return &Table{pairs: filtered}
}

// Compress replaces long forms with their abbreviations.
func Compress(text string, src Source) string {
	return CompressTable(src).Apply(text)
}

// Expand replaces abbreviations with their long forms.
func Expand(text string, src Source) string {
	return ExpandTable(src).Apply(text)
}

// Apply performs the substitution.
func (t *Table) Apply(text string) string {
	if len(t.pairs) == 0 || text == "" {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	i := 0
	for i < len(text) {
		if p, ok := t.matchAt(text, i); ok {
			b.WriteString(p.to)
			i += len(p.from)
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		b.WriteString(text[i : i+size])
		i += size
	}
	return b.String()
}

func (t *Table) matchAt(text string, i int) (pair, bool) {
	rest := text[i:]
	for _, p := range t.pairs {
		if !strings.HasPrefix(rest, p.from) {
			continue
		}
		if startsWord(p.from) && i > 0 {
			prev, _ := utf8.DecodeLastRuneInString(text[:i])
			if isWord(prev) {
				continue
			}
		}
		end := i + len(p.from)
		if endsWord(p.from) && end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if isWord(next) {
				continue
			}
		}
		return p, true
	}
	return pair{}, false
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func startsWord(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return isWord(r)
}

func endsWord(s string) bool {
	r, _ := utf8.DecodeLastRuneInString(s)
	return isWord(r)
}

// Savings reports how many bytes compression removes from text.
func Savings(text string, src Source) int {
	return len(text) - len(Compress(text, src))
}
