package wire

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// Prefix opens every wire message.
const Prefix = "CT/"

const payloadMarker = "--"

var (
	keyPattern     = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]*$`)
	actionPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.:/\-]*$`)
	numericPattern = regexp.MustCompile(`^-?\d+(\.\d+)?([eE][+-]?\d+)?$`)
)

// ParseError describes malformed wire text. Pos is a byte offset into Input.
type ParseError struct {
	Input  string
	Pos    int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: parse error at offset %d: %s", e.Pos, e.Reason)
}

func parseErr(input string, pos int, format string, args ...any) *ParseError {
	return &ParseError{Input: input, Pos: pos, Reason: fmt.Sprintf(format, args...)}
}

type token struct {
	text string
	pos  int
}

// Parse converts one line of wire text into a Message.
func Parse(text string) (*Message, error) {
	input := strings.TrimSpace(text)
	if !strings.HasPrefix(input, Prefix) {
		return nil, parseErr(text, 0, "missing %q prefix", Prefix)
	}

	toks, payloadAt, perr := tokenize(input)
	if perr != nil {
		perr.Input = text
		return nil, perr
	}
	if len(toks) < 2 {
		return nil, parseErr(text, len(input), "missing verb")
	}

	version, err := strconv.Atoi(strings.TrimPrefix(toks[0].text, Prefix))
	if err != nil || version <= 0 {
		return nil, parseErr(text, toks[0].pos, "invalid version %q", toks[0].text)
	}

	verb := Verb(toks[1].text)
	if !verb.Valid() {
		return nil, parseErr(text, toks[1].pos, "unknown verb %q", toks[1].text)
	}

	msg := &Message{Version: version, Verb: verb, Params: NewParams()}
	for _, tk := range toks[2:] {
		eq := strings.IndexByte(tk.text, '=')
		if eq < 0 {
			if msg.Action != "" {
				return nil, parseErr(text, tk.pos, "unexpected token %q after action %q", tk.text, msg.Action)
			}
			if msg.Params.Len() > 0 {
				return nil, parseErr(text, tk.pos, "action %q must precede parameters", tk.text)
			}
			if !actionPattern.MatchString(tk.text) {
				return nil, parseErr(text, tk.pos, "invalid action %q", tk.text)
			}
			msg.Action = tk.text
			continue
		}
		key, raw := tk.text[:eq], tk.text[eq+1:]
		if !keyPattern.MatchString(key) {
			return nil, parseErr(text, tk.pos, "invalid key %q", key)
		}
		v, verr := parseValue(raw)
		if verr != "" {
			return nil, parseErr(text, tk.pos+eq+1, "key %q: %s", key, verr)
		}
		msg.Params.Set(key, v)
	}

	if payloadAt >= 0 {
		raw := strings.TrimSpace(input[payloadAt:])
		if raw == "" {
			return nil, parseErr(text, payloadAt, "empty payload after %q", payloadMarker)
		}
		p, err := parsePayload(raw)
		if err != nil {
			return nil, parseErr(text, payloadAt, "payload: %v", err)
		}
		msg.Payload = &p
	}
	return msg, nil
}

// tokenize splits on whitespace outside quotes and brackets. It stops at a
// standalone "--" token and reports the offset of the remainder, or -1.
func tokenize(s string) ([]token, int, *ParseError) {
	var toks []token
	i := 0
	for i < len(s) {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			break
		}
		start := i
		inQuote, escaped, depth := false, false, 0
		for i < len(s) {
			c := s[i]
			if inQuote {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inQuote = false
				}
				i++
				continue
			}
			if c == '"' {
				inQuote = true
			} else if c == '[' {
				depth++
			} else if c == ']' {
				depth--
			} else if isSpace(c) && depth <= 0 {
				break
			}
			i++
		}
		if inQuote {
			return nil, -1, &ParseError{Pos: start, Reason: "unterminated quoted value"}
		}
		if depth > 0 {
			return nil, -1, &ParseError{Pos: start, Reason: "unterminated list"}
		}
		tk := s[start:i]
		if tk == payloadMarker {
			return toks, i, nil
		}
		toks = append(toks, token{text: tk, pos: start})
	}
	return toks, -1, nil
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// parseValue returns a non-empty reason on failure.
func parseValue(raw string) (Value, string) {
	switch {
	case raw == "":
		return String(""), ""
	case raw[0] == '"':
		s, rest, ok := unquote(raw)
		if !ok || rest != "" {
			return Value{}, "malformed quoted value"
		}
		return String(s), ""
	case raw[0] == '[':
		if raw[len(raw)-1] != ']' {
			return Value{}, "malformed list"
		}
		items, reason := parseList(raw[1 : len(raw)-1])
		if reason != "" {
			return Value{}, reason
		}
		return List(items...), ""
	}
	if strings.ContainsAny(raw, `"[]`) {
		return Value{}, fmt.Sprintf("unexpected character in bare value %q", raw)
	}
	return bareValue(raw), ""
}

func bareValue(raw string) Value {
	switch raw {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if numericPattern.MatchString(raw) {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return Number(f)
		}
	}
	return String(raw)
}

func parseList(body string) ([]string, string) {
	items := []string{}
	if strings.TrimSpace(body) == "" {
		return items, ""
	}
	rest := body
	for {
		rest = strings.TrimLeftFunc(rest, unicode.IsSpace)
		var item string
		if strings.HasPrefix(rest, `"`) {
			s, after, ok := unquote(rest)
			if !ok {
				return nil, "malformed quoted list item"
			}
			item = s
			rest = strings.TrimLeftFunc(after, unicode.IsSpace)
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			item = strings.TrimSpace(rest[:end])
			if item == "" {
				return nil, "empty list item"
			}
			if strings.ContainsAny(item, `"[]`) {
				return nil, fmt.Sprintf("unexpected character in list item %q", item)
			}
			rest = rest[end:]
		}
		items = append(items, item)
		if rest == "" {
			return items, ""
		}
		if rest[0] != ',' {
			return nil, "expected ',' between list items"
		}
		rest = rest[1:]
	}
}

// unquote reads a double-quoted string from the start of s and returns the
// decoded content and whatever follows the closing quote.
func unquote(s string) (string, string, bool) {
	if len(s) < 2 || s[0] != '"' {
		return "", s, false
	}
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			return b.String(), s[i+1:], true
		case '\\':
			if i+1 >= len(s) {
				return "", s, false
			}
			i++
			switch s[i] {
			case '"', '\\':
				b.WriteByte(s[i])
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte('\\')
				b.WriteByte(s[i])
			}
		default:
			b.WriteByte(c)
		}
	}
	return "", s, false
}

func parsePayload(raw string) (Value, error) {
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Value{}, err
	}
	switch d := data.(type) {
	case string:
		return String(d), nil
	case []any:
		items := make([]string, 0, len(d))
		for _, it := range d {
			s, ok := it.(string)
			if !ok {
				return Structured(data), nil
			}
			items = append(items, s)
		}
		return List(items...), nil
	}
	return Structured(data), nil
}

// IsClawTalkMessage is a cheap structural check: the CT/<digits> prefix
// followed by a known verb. It never fails.
func IsClawTalkMessage(text string) bool {
	s := strings.TrimLeftFunc(text, unicode.IsSpace)
	if !strings.HasPrefix(s, Prefix) {
		return false
	}
	s = s[len(Prefix):]
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 0 || n >= len(s) || !isSpace(s[n]) {
		return false
	}
	s = strings.TrimLeftFunc(s[n:], unicode.IsSpace)
	end := strings.IndexFunc(s, unicode.IsSpace)
	if end < 0 {
		end = len(s)
	}
	return Verb(s[:end]).Valid()
}

// ParseLines returns every well-formed wire message found on its own line in
// text. Malformed candidate lines are skipped.
func ParseLines(text string) []*Message {
	var out []*Message
	for _, line := range strings.Split(text, "\n") {
		if !IsClawTalkMessage(line) {
			continue
		}
		if m, err := Parse(line); err == nil {
			out = append(out, m)
		}
	}
	return out
}
