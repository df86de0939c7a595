package dictionary

import "time"

type seedMacro struct {
	name, template, description string
}

var seedMacros = []seedMacro{
	{"WEBSRCH", `CT/1 REQ web_search q="{query}" limit={limit}`, "web search with result limit"},
	{"SUMURL", `CT/1 REQ summarize url="{url}" style={style}`, "summarize a web page"},
	{"READF", `CT/1 REQ file_read path="{path}"`, "read a file"},
	{"WRITEF", `CT/1 REQ file_write path="{path}" content="{content}"`, "write a file"},
	{"LSDIR", `CT/1 REQ list_dir path="{path}"`, "list a directory"},
	{"RUNCMD", `CT/1 REQ exec cmd="{cmd}"`, "run a shell command"},
	{"CODEGEN", `CT/1 REQ code_generate lang={lang} spec="{spec}"`, "generate code"},
	{"REVIEW", `CT/1 REQ code_review path="{path}"`, "review code"},
	{"DEBUG", `CT/1 REQ debug path="{path}" issue="{issue}"`, "debug a problem"},
	{"NOTE", `CT/1 REQ note_save content="{content}"`, "save a note"},
	{"RECALL", `CT/1 REQ note_recall q="{query}"`, "recall notes"},
	{"AUDIT", `CT/1 REQ audit target="{target}"`, "security audit"},
}

var seedAbbreviations = map[string]string{
	"cfg":   "configuration",
	"impl":  "implementation",
	"fn":    "function",
	"repo":  "repository",
	"dir":   "directory",
	"env":   "environment",
	"auth":  "authentication",
	"db":    "database",
	"msg":   "message",
	"pkg":   "package",
	"dep":   "dependency",
	"deps":  "dependencies",
	"async": "asynchronous",
	"perf":  "performance",
	"docs":  "documentation",
	"doc":   "document",
	"req":   "request",
	"resp":  "response",
	"err":   "error",
	"info":  "information",
}

// Default returns the built-in seed dictionary at version 1. Seeded macros
// are attributed to SystemAuthor.
func Default() *Dictionary {
	d := New()
	today := time.Now().UTC().Format(dateLayout)
	for _, s := range seedMacros {
		d.macros.set(s.name, Macro{
			Template:    s.template,
			Description: s.description,
			ParamNames:  TemplateParams(s.template),
			AddedBy:     SystemAuthor,
			AddedAt:     today,
		})
	}
	for short, long := range seedAbbreviations {
		d.abbreviations[short] = long
	}
	d.updatedAt = time.Now().UTC()
	return d
}
