package promptstyle

import "strings"

const marker = "CODEGRAPH_PROMPT_STYLE_V1"

// ApplySystem prepends the shared analysis guidance block to a system prompt.
// Applying it twice is a no-op.
func ApplySystem(system string, mode string) string {
	base := strings.TrimSpace(system)
	if base == "" || strings.Contains(base, marker) {
		return base
	}

	var b strings.Builder
	b.WriteString(marker)
	b.WriteString("\nYou are a static-analysis assistant reviewing source code.")
	b.WriteString("\nOnly report relationships you can point to in the provided code.")
	b.WriteString("\nNever invent identifiers, files or hashes that are not in the input.")
	if strings.EqualFold(strings.TrimSpace(mode), "json") {
		b.WriteString("\nReturn a single JSON object that conforms to the schema and contains no extra keys.")
	}
	b.WriteString("\n---\n")
	b.WriteString(base)
	return b.String()
}
