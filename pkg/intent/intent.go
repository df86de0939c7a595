// Package intent defines the intent categories the encoder classifies into and
// the actions that belong to each.
package intent

// Category is a coarse intent class used for routing and escalation.
type Category string

const (
	Research     Category = "research"
	Code         Category = "code"
	File         Category = "file"
	System       Category = "system"
	Memory       Category = "memory"
	Conversation Category = "conversation"
	Security     Category = "security"
)

// Actions understood by the decoder templates and the routing table.
const (
	ActionWebSearch    = "web_search"
	ActionSummarize    = "summarize"
	ActionBrowse       = "browse"
	ActionFileRead     = "file_read"
	ActionFileWrite    = "file_write"
	ActionListDir      = "list_dir"
	ActionExec         = "exec"
	ActionCodeGenerate = "code_generate"
	ActionCodeReview   = "code_review"
	ActionDebug        = "debug"
	ActionRefactor     = "refactor"
	ActionNoteSave     = "note_save"
	ActionNoteRecall   = "note_recall"
	ActionChat         = "chat"
	ActionAudit        = "audit"
)

var actionCategories = map[string]Category{
	ActionWebSearch:    Research,
	ActionSummarize:    Research,
	ActionBrowse:       Research,
	ActionFileRead:     File,
	ActionFileWrite:    File,
	ActionListDir:      File,
	ActionExec:         System,
	ActionCodeGenerate: Code,
	ActionCodeReview:   Code,
	ActionDebug:        Code,
	ActionRefactor:     Code,
	ActionNoteSave:     Memory,
	ActionNoteRecall:   Memory,
	ActionChat:         Conversation,
	ActionAudit:        Security,
}

// All lists every category in a stable order.
func All() []Category {
	return []Category{Research, Code, File, System, Memory, Conversation, Security}
}

// ForAction maps an action to its category. Unknown actions are conversation.
func ForAction(action string) Category {
	if c, ok := actionCategories[action]; ok {
		return c
	}
	return Conversation
}

// Known reports whether action has a category mapping.
func Known(action string) bool {
	_, ok := actionCategories[action]
	return ok
}

// Valid reports whether c is a defined category.
func (c Category) Valid() bool {
	for _, k := range All() {
		if k == c {
			return true
		}
	}
	return false
}
