package macro

import (
	"strings"
)

// Invocation is a parsed NAME or NAME(k="v", k=bare) call.
type Invocation struct {
	Name string
	Args map[string]string
}

// ParseInvocation recognises a macro call. Names are upper-case identifiers;
// an optional <<...>> marker around the call is accepted. Anything malformed
// returns false.
func ParseInvocation(text string) (*Invocation, bool) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "<<") && strings.HasSuffix(s, ">>") && len(s) >= 4 {
		s = strings.TrimSpace(s[2 : len(s)-2])
	}

	n := 0
	for n < len(s) && isNameByte(s[n], n == 0) {
		n++
	}
	if n == 0 {
		return nil, false
	}
	inv := &Invocation{Name: s[:n], Args: map[string]string{}}
	rest := s[n:]
	if rest == "" {
		return inv, true
	}
	if rest[0] != '(' || rest[len(rest)-1] != ')' {
		return nil, false
	}
	if !parseArgs(rest[1:len(rest)-1], inv.Args) {
		return nil, false
	}
	return inv, true
}

func isNameByte(c byte, first bool) bool {
	if c >= 'A' && c <= 'Z' {
		return true
	}
	return !first && (c == '_' || c >= '0' && c <= '9')
}

func isKeyByte(c byte, first bool) bool {
	if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
		return true
	}
	return !first && c >= '0' && c <= '9'
}

func parseArgs(body string, out map[string]string) bool {
	i := 0
	skip := func() {
		for i < len(body) && (body[i] == ' ' || body[i] == '\t') {
			i++
		}
	}
	skip()
	if i == len(body) {
		return true
	}
	for {
		skip()
		start := i
		for i < len(body) && isKeyByte(body[i], i == start) {
			i++
		}
		if i == start {
			return false
		}
		key := body[start:i]
		skip()
		if i >= len(body) || body[i] != '=' {
			return false
		}
		i++
		skip()

		var val string
		if i < len(body) && body[i] == '"' {
			var b strings.Builder
			i++
			closed := false
			for i < len(body) {
				c := body[i]
				if c == '\\' && i+1 < len(body) {
					b.WriteByte(body[i+1])
					i += 2
					continue
				}
				if c == '"' {
					closed = true
					i++
					break
				}
				b.WriteByte(c)
				i++
			}
			if !closed {
				return false
			}
			val = b.String()
		} else {
			start := i
			for i < len(body) && body[i] != ',' && body[i] != ' ' && body[i] != '\t' && body[i] != '(' && body[i] != ')' && body[i] != '"' {
				i++
			}
			if i == start {
				return false
			}
			val = body[start:i]
		}
		out[key] = val

		skip()
		if i == len(body) {
			return true
		}
		if body[i] != ',' {
			return false
		}
		i++
	}
}
