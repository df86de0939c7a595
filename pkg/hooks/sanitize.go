package hooks

import (
	"strings"

	"github.com/clawtalk/clawtalk/pkg/macro"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

var annotationPrefixes = []string{"[route:", "[escalate:", "[ct:"}

// SanitizeOutbound removes protocol artifacts from text a human will read:
// CT wire text, [route:…] [escalate:…] [ct:…] annotations and <<MACRO(…)>>
// call markers. Wire text found mid-line is cut to the end of the line.
// Everything else is kept as written.
func SanitizeOutbound(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		cleaned := stripInlineWire(stripMacroMarkers(stripAnnotations(line)))
		if wire.IsClawTalkMessage(strings.TrimSpace(cleaned)) {
			continue
		}
		if cleaned != line && strings.TrimSpace(cleaned) == "" {
			continue
		}
		out = append(out, strings.TrimRight(cleaned, " \t"))
	}
	return strings.TrimSpace(collapseBlankLines(out))
}

// stripInlineWire cuts the line at the first word starting a wire message.
// Wire text has no terminator, so the rest of the line belongs to it.
func stripInlineWire(line string) string {
	for from := 0; ; {
		i := strings.Index(line[from:], wire.Prefix)
		if i < 0 {
			return line
		}
		start := from + i
		if (start == 0 || line[start-1] == ' ' || line[start-1] == '\t') && wire.IsClawTalkMessage(line[start:]) {
			return strings.TrimRight(line[:start], " \t")
		}
		from = start + len(wire.Prefix)
	}
}

// stripAnnotations removes bracketed annotations. Brackets nest and quoted
// text may contain brackets; an unterminated annotation runs to the end of
// the line.
func stripAnnotations(line string) string {
	for {
		start := -1
		for _, p := range annotationPrefixes {
			if i := strings.Index(line, p); i >= 0 && (start < 0 || i < start) {
				start = i
			}
		}
		if start < 0 {
			return line
		}
		end := closingBracket(line, start)
		line = cut(line, start, end)
	}
}

func closingBracket(s string, open int) int {
	depth := 0
	quoted := false
	for i := open; i < len(s); i++ {
		c := s[i]
		switch {
		case quoted && c == '\\':
			i++
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '[':
			depth++
		case c == ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(s)
}

// stripMacroMarkers removes <<NAME>> and <<NAME(args)>> markers that form a
// valid macro invocation. Other << >> text is left alone.
func stripMacroMarkers(line string) string {
	from := 0
	for from < len(line) {
		i := strings.Index(line[from:], "<<")
		if i < 0 {
			return line
		}
		start := from + i
		end := markerEnd(line, start+2)
		if end < 0 {
			return line
		}
		if _, ok := macro.ParseInvocation(line[start:end]); ok {
			line = cut(line, start, end)
			from = start
			continue
		}
		from = start + 2
	}
	return line
}

func markerEnd(s string, from int) int {
	quoted := false
	for i := from; i < len(s); i++ {
		switch c := s[i]; {
		case quoted && c == '\\':
			i++
		case c == '"':
			quoted = !quoted
		case !quoted && c == '>' && i+1 < len(s) && s[i+1] == '>':
			return i + 2
		}
	}
	return -1
}

// cut removes s[start:end] and one of the spaces that surrounded it.
func cut(s string, start, end int) string {
	left, right := s[:start], s[end:]
	if strings.HasSuffix(left, " ") && (right == "" || strings.HasPrefix(right, " ")) {
		left = left[:len(left)-1]
	} else if left == "" {
		right = strings.TrimLeft(right, " ")
	}
	return left + right
}

func collapseBlankLines(lines []string) string {
	var b strings.Builder
	blank := 0
	for i, l := range lines {
		if strings.TrimSpace(l) == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l)
	}
	return b.String()
}
