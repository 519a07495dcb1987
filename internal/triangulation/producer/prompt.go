package producer

import (
	"fmt"
	"sort"
	"strings"

	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

const systemPrompt = `You review candidate relationships between code entities.
For every candidate listed, decide whether the source entity directly depends on,
calls, instantiates, reads or writes the target entity in the code shown.
Answer once per relationshipHash. Set found=false when the code does not show the
relationship. confidence is your probability in [0,1] that your answer is correct.
proposedType is a short label such as CALLS, IMPORTS, EXTENDS, READS, WRITES or an
empty string.`

// buildUserPrompt renders the candidates and as much source as fits in budget
// bytes. Files referenced by more candidates are included first.
func buildUserPrompt(pass evidence.Pass, scope string, cands []*types.CandidateRelationship, files map[string][]byte, budget int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pass: %s\nScope: %s\n\nCandidates:\n", pass, scope)
	refs := map[string]int{}
	for _, c := range cands {
		fmt.Fprintf(&b, "- relationshipHash=%s source=%s target=%s\n", c.RelationshipHash, c.SourceQName, c.TargetQName)
		refs[c.SourceFile]++
		refs[c.TargetFile]++
	}

	paths := make([]string, 0, len(refs))
	for p := range refs {
		if _, ok := files[p]; ok {
			paths = append(paths, p)
		}
	}
	sort.Slice(paths, func(i, j int) bool {
		if refs[paths[i]] != refs[paths[j]] {
			return refs[paths[i]] > refs[paths[j]]
		}
		return paths[i] < paths[j]
	})

	b.WriteString("\nSource:\n")
	for _, p := range paths {
		remaining := budget - b.Len()
		header := fmt.Sprintf("\n=== %s ===\n", p)
		if budget > 0 && remaining <= len(header) {
			b.WriteString("\n(remaining files omitted)\n")
			break
		}
		b.WriteString(header)
		content := string(files[p])
		if budget > 0 && len(content) > remaining-len(header) {
			content = content[:remaining-len(header)] + "\n...(truncated)"
		}
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}
