package directory

var defaultProfiles = []Profile{
	{
		ID:           FallbackID,
		Name:         "Conversation",
		SystemPrompt: "You are a helpful assistant. Answer directly and concisely.",
	},
	{
		ID:           "researcher",
		Name:         "Researcher",
		SystemPrompt: "You research topics on the web. Cite sources and keep summaries short.",
		Tools:        []string{"web_search", "browse", "summarize"},
		Categories:   []string{"research"},
	},
	{
		ID:           "coder",
		Name:         "Coder",
		SystemPrompt: "You write and modify code. Prefer small, tested changes.",
		Tools:        []string{"file_read", "file_write", "list_dir", "exec", "code_generate"},
		Categories:   []string{"code"},
	},
	{
		ID:           "reviewer",
		Name:         "Code Reviewer",
		SystemPrompt: "You review code for correctness, clarity, and risk. Do not modify files.",
		Tools:        []string{"file_read", "list_dir"},
		Actions:      []string{"code_review"},
	},
	{
		ID:           "file-manager",
		Name:         "File Manager",
		SystemPrompt: "You read, write, and organise files in the workspace.",
		Tools:        []string{"file_read", "file_write", "list_dir"},
		Categories:   []string{"file"},
	},
	{
		ID:           "operator",
		Name:         "Operator",
		SystemPrompt: "You run shell commands carefully and report their output.",
		Tools:        []string{"exec", "list_dir", "file_read"},
		Categories:   []string{"system"},
	},
	{
		ID:           "archivist",
		Name:         "Archivist",
		SystemPrompt: "You save and recall notes for the user.",
		Tools:        []string{"note_save", "note_recall"},
		Categories:   []string{"memory"},
	},
	{
		ID:             "auditor",
		Name:           "Security Auditor",
		SystemPrompt:   "You audit systems and code for security issues. Never exfiltrate secrets.",
		Tools:          []string{"file_read", "list_dir", "audit"},
		PreferredModel: "cloud",
		Categories:     []string{"security"},
	},
}
