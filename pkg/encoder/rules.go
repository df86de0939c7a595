package encoder

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/clawtalk/clawtalk/pkg/intent"
	"github.com/clawtalk/clawtalk/pkg/wire"
)

// rules are evaluated in order; on equal scores the earlier rule wins.
var rules = []rule{
	{
		action:    intent.ActionAudit,
		prefixes:  []string{"audit", "security review", "scan for vulnerabilities", "check for vulnerabilities", "pentest"},
		keywords:  []string{"vulnerab", "security", "cve-", "exploit", "leaked secret", "credentials exposed", "injection"},
		wantsPath: true,
		extract:   extractAudit,
	},
	{
		action:   intent.ActionExec,
		prefixes: []string{"run ", "execute ", "exec ", "sudo ", "$ "},
		keywords: []string{"command", "terminal", "shell", "in bash", "`"},
		extract:  extractExec,
	},
	{
		action:    intent.ActionFileWrite,
		prefixes:  []string{"write to", "save to", "create file", "create a file", "write file", "append to", "overwrite"},
		keywords:  []string{"to file", "into file", "to the file", "into the file", "with content"},
		wantsPath: true,
		extract:   extractFileWrite,
	},
	{
		action:    intent.ActionFileRead,
		prefixes:  []string{"read ", "open ", "cat ", "show me the file", "show the file", "print the file"},
		keywords:  []string{"contents of", "content of", "the file"},
		wantsPath: true,
		extract:   extractPath,
	},
	{
		action:   intent.ActionListDir,
		prefixes: []string{"list files", "list the files", "list directory", "list the directory", "ls", "what files", "show files"},
		keywords: []string{"directory", "folder", "files in"},
		extract:  extractListDir,
	},
	{
		action:    intent.ActionCodeReview,
		prefixes:  []string{"review", "code review", "critique"},
		keywords:  []string{"code review", "review this", "review my", "pull request", "feedback on"},
		wantsPath: true,
		extract:   extractCodeTarget,
	},
	{
		action:    intent.ActionDebug,
		prefixes:  []string{"debug", "fix ", "why does", "why is my"},
		keywords:  []string{"error", "bug", "stack trace", "panic", "exception", "crash", "not working", "failing", "broken"},
		wantsPath: true,
		extract:   extractDebug,
	},
	{
		action:    intent.ActionRefactor,
		prefixes:  []string{"refactor", "clean up", "restructure", "simplify"},
		keywords:  []string{"refactor", "cleaner", "more readable", "extract method", "rename"},
		wantsPath: true,
		extract:   extractCodeTarget,
	},
	{
		action:    intent.ActionCodeGenerate,
		prefixes:  []string{"write a function", "write a script", "write a program", "write code", "generate", "implement", "create a function", "code "},
		keywords:  []string{"function", "script", "class", "program", "snippet", "algorithm", "endpoint"},
		wantsLang: true,
		extract:   extractCodeGenerate,
	},
	{
		action:   intent.ActionWebSearch,
		prefixes: []string{"search", "look up", "lookup", "google", "find information", "find info", "what is the latest", "what's the latest"},
		keywords: []string{"latest", "news", "online", "on the web", "search"},
		extract:  extractWebSearch,
	},
	{
		action:   intent.ActionSummarize,
		prefixes: []string{"summarize", "summarise", "tl;dr", "tldr", "give me a summary", "sum up"},
		keywords: []string{"summary", "summarize", "summarise", "key points"},
		wantsURL: true,
		extract:  extractSummarize,
	},
	{
		action:   intent.ActionBrowse,
		prefixes: []string{"browse", "visit", "go to", "open http", "fetch http", "navigate to"},
		keywords: []string{"website", "web page", "webpage", "url", "http"},
		wantsURL: true,
		extract:  extractBrowse,
	},
	{
		action:   intent.ActionNoteSave,
		prefixes: []string{"remember", "note that", "save a note", "take a note", "make a note", "jot down"},
		keywords: []string{"remember that", "don't forget", "for later"},
		extract:  extractNoteSave,
	},
	{
		action:   intent.ActionNoteRecall,
		prefixes: []string{"recall", "what did i", "do you remember", "what do you remember", "show my notes"},
		keywords: []string{"recall", "my notes", "you remember", "did i tell you"},
		extract:  extractNoteRecall,
	},
}

var (
	urlPattern    = regexp.MustCompile(`https?://[^\s"'<>]+`)
	quotedPattern = regexp.MustCompile("\"([^\"]*)\"|`([^`]*)`")
	pathPattern   = regexp.MustCompile(`(?:^|\s)((?:~|\.{1,2})?/[\w.\-/]*|[\w\-]+(?:/[\w.\-]+)*\.[A-Za-z0-9]{1,6})(?:[\s,;:!?]|$)`)
	limitPattern  = regexp.MustCompile(`\b(?:top|first)\s+(\d{1,3})(?:\s+results?)?\b|\b(\d{1,3})\s+results?\b`)
)

var languages = []struct{ name, canonical string }{
	{"golang", "go"},
	{"typescript", "typescript"},
	{"javascript", "javascript"},
	{"python", "python"},
	{"rust", "rust"},
	{"java", "java"},
	{"kotlin", "kotlin"},
	{"swift", "swift"},
	{"ruby", "ruby"},
	{"c++", "cpp"},
	{"c#", "csharp"},
	{"bash", "bash"},
	{"shell script", "bash"},
	{"sql", "sql"},
	{" in go", "go"},
	{" go function", "go"},
	{" go code", "go"},
}

func findURL(s string) string {
	return strings.TrimRight(urlPattern.FindString(s), ".,;:!?)")
}

func findQuoted(s string) string {
	m := quotedPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1]
	}
	return m[2]
}

func findPath(s string) string {
	for _, m := range pathPattern.FindAllStringSubmatch(s, -1) {
		p := m[1]
		if strings.Contains(p, "://") || p == "/" {
			continue
		}
		// skip version-like tokens such as "v1.2" and plain decimals
		if _, err := strconv.ParseFloat(strings.TrimPrefix(p, "v"), 64); err == nil {
			continue
		}
		return p
	}
	return ""
}

func detectLanguage(lower string) string {
	padded := " " + lower + " "
	for _, l := range languages {
		needle := l.name
		if !strings.HasPrefix(needle, " ") {
			needle = " " + needle
		}
		idx := strings.Index(padded, needle)
		if idx < 0 {
			continue
		}
		after := idx + len(needle)
		if after < len(padded) && isWordByte(padded[after]) {
			continue
		}
		return l.canonical
	}
	return ""
}

func isWordByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

// remainder strips the matched command prefix and common filler so the rest
// of the sentence can be used as a free-text argument.
func remainder(f *features, fillers ...string) string {
	s := f.text
	if f.prefix != "" && strings.HasPrefix(strings.ToLower(s), f.prefix) {
		s = s[len(f.prefix):]
	}
	return stripFillers(s, fillers...)
}

func stripFillers(s string, fillers ...string) string {
	s = strings.TrimSpace(s)
	for changed := true; changed; {
		changed = false
		lower := strings.ToLower(s)
		for _, fl := range fillers {
			if strings.HasPrefix(lower, fl+" ") {
				s = strings.TrimSpace(s[len(fl):])
				changed = true
				break
			}
		}
	}
	return strings.TrimRight(strings.TrimLeft(s, ":,- "), "?.! ")
}

var commonFillers = []string{"for", "about", "on", "the", "me", "please", "a", "an", "up", "information", "info", "that"}

func setString(m *wire.Message, key, v string) {
	if v != "" {
		m.With(key, wire.String(v))
	}
}

func extractChat(f *features, m *wire.Message) {
	m.With("text", wire.String(f.text))
}

func extractWebSearch(f *features, m *wire.Message) {
	q := f.quoted
	if q == "" {
		q = remainder(f, commonFillers...)
		q = stripFillers(limitPattern.ReplaceAllString(q, ""), commonFillers...)
	}
	if q == "" {
		q = f.text
	}
	m.With("q", wire.String(q))
	if lm := limitPattern.FindStringSubmatch(f.lower); lm != nil {
		digits := lm[1]
		if digits == "" {
			digits = lm[2]
		}
		if n, err := strconv.Atoi(digits); err == nil && n > 0 {
			m.With("limit", wire.Number(float64(n)))
		}
	}
}

func extractSummarize(f *features, m *wire.Message) {
	if f.url != "" {
		m.With("url", wire.String(f.url))
	} else if f.path != "" {
		m.With("path", wire.String(f.path))
	} else {
		setString(m, "text", remainder(f, append(commonFillers, "this", "of")...))
	}
	switch {
	case strings.Contains(f.lower, "brief") || strings.Contains(f.lower, "short") || strings.Contains(f.lower, "tl;dr") || strings.Contains(f.lower, "tldr"):
		m.With("style", wire.String("brief"))
	case strings.Contains(f.lower, "detailed") || strings.Contains(f.lower, "in depth"):
		m.With("style", wire.String("detailed"))
	}
}

func extractBrowse(f *features, m *wire.Message) {
	if f.url != "" {
		m.With("url", wire.String(f.url))
		return
	}
	setString(m, "url", remainder(f, commonFillers...))
}

func extractPath(f *features, m *wire.Message) {
	if f.path != "" {
		m.With("path", wire.String(f.path))
		return
	}
	setString(m, "path", f.quoted)
}

func extractFileWrite(f *features, m *wire.Message) {
	extractPath(f, m)
	if f.quoted != "" && f.quoted != f.path {
		m.With("content", wire.String(f.quoted))
	}
	if strings.HasPrefix(f.lower, "append") {
		m.With("append", wire.Bool(true))
	}
}

func extractListDir(f *features, m *wire.Message) {
	p := f.path
	if p == "" {
		p = "."
	}
	m.With("path", wire.String(p))
	if strings.Contains(f.lower, "recursive") || strings.Contains(f.lower, "all subdirectories") {
		m.With("recursive", wire.Bool(true))
	}
}

func extractExec(f *features, m *wire.Message) {
	cmd := f.quoted
	if cmd == "" {
		cmd = remainder(f, "the", "command", "this")
	}
	setString(m, "cmd", cmd)
}

func extractCodeGenerate(f *features, m *wire.Message) {
	setString(m, "lang", f.lang)
	setString(m, "spec", remainder(f, commonFillers...))
}

func extractCodeTarget(f *features, m *wire.Message) {
	if f.path != "" {
		m.With("path", wire.String(f.path))
	}
	setString(m, "lang", f.lang)
	if f.path == "" {
		setString(m, "target", remainder(f, append(commonFillers, "this", "my", "code")...))
	}
}

func extractDebug(f *features, m *wire.Message) {
	if f.path != "" {
		m.With("path", wire.String(f.path))
	}
	setString(m, "lang", f.lang)
	if f.quoted != "" {
		m.With("error", wire.String(f.quoted))
	} else {
		setString(m, "issue", remainder(f, commonFillers...))
	}
}

func extractNoteSave(f *features, m *wire.Message) {
	content := f.quoted
	if content == "" {
		content = remainder(f, commonFillers...)
	}
	setString(m, "content", content)
}

func extractNoteRecall(f *features, m *wire.Message) {
	setString(m, "q", remainder(f, append(commonFillers, "about", "say", "tell you")...))
}

func extractAudit(f *features, m *wire.Message) {
	target := f.path
	if target == "" {
		target = remainder(f, append(commonFillers, "of", "my")...)
	}
	if target == "" {
		target = "system"
	}
	m.With("target", wire.String(target))
}
