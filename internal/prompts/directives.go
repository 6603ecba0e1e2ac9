package prompts

import "strings"

const directivesHeader = `## Things to mention
Work these into your reply naturally, briefly, and only if they fit the conversation:`

// Directives renders suggestion texts as a bulleted instruction block.
// It returns "" when there is nothing to say.
func Directives(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(directivesHeader)
	for _, it := range items {
		b.WriteString("\n- ")
		b.WriteString(strings.TrimSpace(it))
	}
	return b.String()
}
