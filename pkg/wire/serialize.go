package wire

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"unicode"
)

// Serialize renders m as one line of wire text. Strings that would otherwise
// be read back as another kind, or that contain separators, are quoted.
func Serialize(m *Message) string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	version := m.Version
	if version <= 0 {
		version = CurrentVersion
	}
	b.WriteString(Prefix)
	b.WriteString(strconv.Itoa(version))
	b.WriteByte(' ')
	b.WriteString(string(m.Verb))
	if m.Action != "" {
		b.WriteByte(' ')
		b.WriteString(m.Action)
	}
	m.Params.Range(func(key string, v Value) bool {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(formatParam(v))
		return true
	})
	if m.Payload != nil {
		b.WriteString(" -- ")
		b.WriteString(formatPayload(*m.Payload))
	}
	return b.String()
}

// String implements fmt.Stringer.
func (m *Message) String() string { return Serialize(m) }

func formatParam(v Value) string {
	switch v.kind {
	case KindNumber:
		return formatNumber(v.num)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		parts := make([]string, len(v.list))
		for i, it := range v.list {
			if needsQuoteInList(it) {
				parts[i] = quote(it)
			} else {
				parts[i] = it
			}
		}
		return "[" + strings.Join(parts, ",") + "]"
	case KindStructured:
		return quote(v.Text())
	default:
		if needsQuote(v.str) {
			return quote(v.str)
		}
		return v.str
	}
}

func formatPayload(v Value) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		buf.Reset()
		_ = enc.Encode(v.Text())
	}
	return strings.TrimRight(buf.String(), "\n")
}

func needsQuote(s string) bool {
	if s == "" || s == "true" || s == "false" || s == payloadMarker {
		return true
	}
	if numericPattern.MatchString(s) {
		return true
	}
	return hasSeparator(s)
}

func needsQuoteInList(s string) bool {
	return s == "" || hasSeparator(s)
}

func hasSeparator(s string) bool {
	return strings.ContainsAny(s, `"\=[],`) || strings.IndexFunc(s, unicode.IsSpace) >= 0
}

var quoteReplacer = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\n", `\n`,
	"\t", `\t`,
	"\r", `\r`,
)

func quote(s string) string {
	return `"` + quoteReplacer.Replace(s) + `"`
}

// QuoteIfNeeded returns s as it should appear in a bare value position.
func QuoteIfNeeded(s string) string {
	if needsQuote(s) {
		return quote(s)
	}
	return s
}

// EscapeQuoted escapes s for inclusion between double quotes.
func EscapeQuoted(s string) string {
	return quoteReplacer.Replace(s)
}
