// Package decoder renders wire messages as short human-readable text.
// Decode is total: malformed or partial messages degrade to generic wording.
package decoder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/clawtalk/clawtalk/pkg/intent"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

const (
	emptyMessage  = "(empty message)"
	unrenderable  = "Received a message that could not be rendered."
	neutralResult = "Received a response."
	completedText = "The request completed successfully."
)

// Decode renders msg for a human reader. It never panics.
func Decode(msg *wire.Message) (out string) {
	if msg == nil {
		return emptyMessage
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Default().With("component", "decoder").Warn("decode recovered from panic", "verb", msg.Verb, "panic", r)
			out = unrenderable
		}
	}()

	switch msg.Verb {
	case wire.VerbRES:
		return decodeResult(msg)
	case wire.VerbERR:
		return decodeError(msg)
	case wire.VerbSTATUS:
		return decodeStatus(msg)
	case wire.VerbACK:
		if ref := param(msg, "ref"); ref != "" {
			return fmt.Sprintf("Acknowledged (%s).", ref)
		}
		return "Acknowledged."
	case wire.VerbNOOP:
		return "No action needed."
	case wire.VerbREQ:
		return decodeRequest(msg)
	case wire.VerbTASK:
		return "Task: " + decodeRequest(msg)
	case wire.VerbMULTI:
		return decodeMulti(msg)
	}
	return generic(msg)
}

// DecodeText parses text and decodes it, returning the input unchanged when
// it is not wire text.
func DecodeText(text string) string {
	if !wire.IsClawTalkMessage(text) {
		return text
	}
	msg, err := wire.Parse(text)
	if err != nil {
		return text
	}
	return Decode(msg)
}

func param(msg *wire.Message, key string) string {
	v, ok := msg.Param(key)
	if !ok {
		return ""
	}
	return v.Text()
}

func decodeResult(msg *wire.Message) string {
	if text := param(msg, "text"); text != "" {
		return text
	}
	if msg.Payload != nil {
		if s := renderPayload(*msg.Payload); s != "" {
			return s
		}
	}
	if v, ok := msg.Param("ok"); ok && v.Truthy() {
		return completedText
	}
	return neutralResult
}

func renderPayload(p wire.Value) string {
	switch p.Kind() {
	case wire.KindString:
		s, _ := p.Str()
		return s
	case wire.KindList:
		items, _ := p.Items()
		return numbered(items)
	case wire.KindStructured:
		data, _ := p.Data()
		switch d := data.(type) {
		case []any:
			lines := make([]string, 0, len(d))
			for _, it := range d {
				lines = append(lines, describeItem(it))
			}
			return numbered(lines)
		case map[string]any:
			b, err := json.MarshalIndent(d, "", "  ")
			if err != nil {
				return fmt.Sprint(d)
			}
			return string(b)
		case nil:
			return ""
		}
	}
	return p.Text()
}

func numbered(items []string) string {
	if len(items) == 0 {
		return "No results."
	}
	var b strings.Builder
	for i, it := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, it)
	}
	return b.String()
}

var titleFields = []string{"title", "name", "label", "summary", "text"}

func describeItem(it any) string {
	m, ok := it.(map[string]any)
	if !ok {
		if s, ok := it.(string); ok {
			return s
		}
		b, _ := json.Marshal(it)
		return string(b)
	}
	title := firstString(m, titleFields...)
	desc := firstString(m, "description", "snippet", "detail")
	var s string
	switch {
	case title != "" && desc != "":
		s = title + ": " + desc
	case title != "":
		s = title
	case desc != "":
		s = desc
	default:
		b, _ := json.Marshal(m)
		return string(b)
	}
	if u := firstString(m, "url", "link", "href"); u != "" {
		s += " (" + u + ")"
	}
	return s
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func decodeError(msg *wire.Message) string {
	code := param(msg, "code")
	if code == "" {
		code = "unknown"
	}
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(code)
	if tool := param(msg, "tool"); tool != "" {
		b.WriteString(" in ")
		b.WriteString(tool)
	}
	if v, ok := msg.Param("elapsed"); ok {
		if n, isNum := v.Num(); isNum {
			fmt.Fprintf(&b, " after %ss", trimFloat(n))
		} else if s := v.Text(); s != "" {
			b.WriteString(" after ")
			b.WriteString(s)
		}
	}
	if v, ok := msg.Param("retry"); ok && v.Truthy() {
		b.WriteString(" (will retry)")
	}
	return b.String()
}

func decodeStatus(msg *wire.Message) string {
	var b strings.Builder
	if v, ok := msg.Param("progress"); ok {
		if n, isNum := v.Num(); isNum && !math.IsNaN(n) {
			if n <= 1 {
				n *= 100
			}
			fmt.Fprintf(&b, "Progress: %d%%", int(math.Round(n)))
		}
	}
	if b.Len() == 0 {
		b.WriteString("Status update")
	}
	var extras []string
	if phase := param(msg, "phase"); phase != "" {
		extras = append(extras, "phase "+phase)
	}
	if v, ok := msg.Param("findings"); ok {
		if n, isNum := v.Num(); isNum {
			word := "findings"
			if n == 1 {
				word = "finding"
			}
			extras = append(extras, fmt.Sprintf("%s %s", trimFloat(n), word))
		}
	}
	if len(extras) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(extras, ", "))
		b.WriteString(")")
	}
	return b.String()
}

func decodeMulti(msg *wire.Message) string {
	var parts []string
	if msg.Payload != nil {
		switch msg.Payload.Kind() {
		case wire.KindList:
			items, _ := msg.Payload.Items()
			for _, it := range items {
				parts = append(parts, DecodeText(it))
			}
		case wire.KindStructured:
			data, _ := msg.Payload.Data()
			if arr, ok := data.([]any); ok {
				for _, it := range arr {
					if s, ok := it.(string); ok {
						parts = append(parts, DecodeText(s))
					} else {
						parts = append(parts, describeItem(it))
					}
				}
			}
		}
	}
	if len(parts) == 0 {
		if n := param(msg, "count"); n != "" {
			return fmt.Sprintf("Multiple messages (%s).", n)
		}
		return "Multiple messages."
	}
	return "Multiple messages:\n" + numbered(parts)
}

func decodeRequest(msg *wire.Message) string {
	p := func(k string) string { return param(msg, k) }
	first := func(keys ...string) string {
		for _, k := range keys {
			if v := p(k); v != "" {
				return v
			}
		}
		return ""
	}

	switch msg.Action {
	case intent.ActionWebSearch:
		s := "Search the web"
		if q := first("q", "query"); q != "" {
			s += fmt.Sprintf(" for %q", q)
		}
		if l := p("limit"); l != "" {
			s += fmt.Sprintf(" (top %s results)", l)
		}
		return s
	case intent.ActionSummarize:
		s := "Summarize"
		if t := first("url", "path", "text"); t != "" {
			s += " " + t
		} else {
			s += " the content"
		}
		if style := p("style"); style != "" {
			s += " (" + style + ")"
		}
		return s
	case intent.ActionBrowse:
		return withTarget("Open", first("url"), "a web page")
	case intent.ActionFileRead:
		return withTarget("Read the file", first("path"), "")
	case intent.ActionFileWrite:
		verb := "Write to the file"
		if v, ok := msg.Param("append"); ok && v.Truthy() {
			verb = "Append to the file"
		}
		s := withTarget(verb, first("path"), "")
		if c := p("content"); c != "" {
			s += fmt.Sprintf(" with content %q", c)
		}
		return s
	case intent.ActionListDir:
		s := withTarget("List the files in", first("path"), "the current directory")
		if v, ok := msg.Param("recursive"); ok && v.Truthy() {
			s += " recursively"
		}
		return s
	case intent.ActionExec:
		if cmd := first("cmd", "command"); cmd != "" {
			return fmt.Sprintf("Run the command `%s`", cmd)
		}
		return "Run a command"
	case intent.ActionCodeGenerate:
		s := "Generate code"
		if lang := p("lang"); lang != "" {
			s = "Generate " + lang + " code"
		}
		if spec := first("spec", "description"); spec != "" {
			s += ": " + spec
		}
		return s
	case intent.ActionCodeReview:
		return withTarget("Review the code in", first("path", "target"), "the current change")
	case intent.ActionDebug:
		s := withTarget("Debug", first("issue", "error"), "the problem")
		if path := p("path"); path != "" {
			s += " in " + path
		}
		return s
	case intent.ActionRefactor:
		return withTarget("Refactor", first("path", "target"), "the code")
	case intent.ActionNoteSave:
		if c := first("content", "text"); c != "" {
			return "Save a note: " + c
		}
		return "Save a note"
	case intent.ActionNoteRecall:
		return withTarget("Recall notes about", first("q", "query"), "recent topics")
	case intent.ActionChat:
		if t := p("text"); t != "" {
			return t
		}
		return "Chat"
	case intent.ActionAudit:
		return withTarget("Run a security audit of", first("target", "path"), "the system")
	}
	return generic(msg)
}

func withTarget(prefix, target, fallback string) string {
	switch {
	case target != "":
		return prefix + " " + target
	case fallback != "":
		return prefix + " " + fallback
	}
	return prefix
}

func generic(msg *wire.Message) string {
	parts := []string{string(msg.Verb)}
	if msg.Action != "" {
		parts = append(parts, msg.Action)
	}
	msg.Params.Range(func(k string, v wire.Value) bool {
		parts = append(parts, k+"="+v.Text())
		return true
	})
	return strings.Join(parts, " ")
}

func trimFloat(f float64) string {
	return wire.Number(f).Text()
}
