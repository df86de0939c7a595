// Package macro instantiates dictionary templates into wire messages.
package macro

import (
	"errors"
	"fmt"
	"strings"

	"github.com/clawtalk/clawtalk/pkg/dictionary"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

// ErrUnknownMacro is returned when the dictionary has no macro by that name.
var ErrUnknownMacro = errors.New("macro: unknown macro")

// Source looks up macros. *dictionary.Dictionary satisfies it.
type Source interface {
	Macro(name string) (dictionary.Macro, bool)
}

// SegmentKind distinguishes template literals from placeholders.
type SegmentKind int

const (
	Literal SegmentKind = iota
	Placeholder
)

// Segment is one piece of a scanned template. For placeholders Text is the
// parameter name. Quoted reports whether the segment sits inside a
// double-quoted region of the template.
type Segment struct {
	Kind   SegmentKind
	Text   string
	Quoted bool
}

// Scan splits a template into literal and {name} placeholder segments.
// A brace that does not open a well-formed placeholder is literal text.
func Scan(template string) []Segment {
	var segs []Segment
	var lit strings.Builder
	inQuote, litQuoted := false, false

	flush := func() {
		if lit.Len() > 0 {
			segs = append(segs, Segment{Kind: Literal, Text: lit.String(), Quoted: litQuoted})
			lit.Reset()
		}
	}
	write := func(s string) {
		if lit.Len() == 0 {
			litQuoted = inQuote
		}
		lit.WriteString(s)
	}

	for i := 0; i < len(template); i++ {
		c := template[i]
		switch {
		case c == '\\' && inQuote && i+1 < len(template):
			write(template[i : i+2])
			i++
		case c == '"':
			write(`"`)
			inQuote = !inQuote
		case c == '{':
			end := placeholderEnd(template, i)
			if end < 0 {
				write("{")
				continue
			}
			flush()
			segs = append(segs, Segment{Kind: Placeholder, Text: template[i+1 : end], Quoted: inQuote})
			i = end
		default:
			write(string(c))
		}
	}
	flush()
	return segs
}

// placeholderEnd returns the index of the closing brace for an identifier
// placeholder opening at i, or -1.
func placeholderEnd(s string, i int) int {
	j := i + 1
	for j < len(s) {
		c := s[j]
		switch {
		case c == '}':
			if j == i+1 {
				return -1
			}
			return j
		case c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || (j > i+1 && c >= '0' && c <= '9'):
			j++
		default:
			return -1
		}
	}
	return -1
}

// Render substitutes args into segments. Values inside quoted regions are
// escaped; bare values that would not survive as a single token are quoted.
// Placeholders with no argument are dropped.
func Render(segs []Segment, args map[string]string) string {
	var b strings.Builder
	for _, s := range segs {
		if s.Kind == Literal {
			b.WriteString(s.Text)
			continue
		}
		v, ok := args[s.Text]
		if !ok {
			continue
		}
		if s.Quoted {
			b.WriteString(wire.EscapeQuoted(v))
		} else {
			b.WriteString(wire.QuoteIfNeeded(v))
		}
	}
	return collapseSpace(b.String())
}

// collapseSpace squeezes whitespace runs outside double quotes and trims.
func collapseSpace(s string) string {
	var b strings.Builder
	inQuote, escaped, pendingSpace := false, false, false
	for _, r := range s {
		if inQuote {
			b.WriteRune(r)
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inQuote = false
			}
			continue
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			pendingSpace = true
			continue
		}
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		if r == '"' {
			inQuote = true
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Expand instantiates the named macro with args and parses the result.
func Expand(src Source, name string, args map[string]string) (*wire.Message, error) {
	name = dictionary.CanonicalName(name)
	m, ok := src.Macro(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMacro, name)
	}
	text := Render(Scan(m.Template), args)
	msg, err := wire.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("macro %s: %w", name, err)
	}
	return msg, nil
}

// ExpandText is Expand returning the wire text instead of the parsed message.
func ExpandText(src Source, name string, args map[string]string) (string, error) {
	msg, err := Expand(src, name, args)
	if err != nil {
		return "", err
	}
	return wire.Serialize(msg), nil
}
