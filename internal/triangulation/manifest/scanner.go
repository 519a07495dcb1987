package manifest

import (
	"bufio"
	"bytes"
	"path"
	"regexp"
	"strings"
)

const (
	EntityFunction = "function"
	EntityMethod   = "method"
	EntityClass    = "class"
	EntityTable    = "table"
	EntityVariable = "variable"
)

// Entity is a preliminary point of interest found by the shallow scan.
type Entity struct {
	QualifiedName string `json:"qualifiedName"`
	Name          string `json:"name"`
	Type          string `json:"type"`
	FilePath      string `json:"filePath"`
	Directory     string `json:"directory"`
	Line          int    `json:"line"`
}

func QualifiedName(filePath, name string) string {
	return filePath + "::" + name
}

type rule struct {
	re   *regexp.Regexp
	kind string
	// indentedKind, when set, is used for matches that start indented.
	indentedKind string
}

// Scanner is a line-oriented regex scan. It is intentionally shallow: it finds
// declarations, not references.
type Scanner struct {
	rules map[string][]rule
}

var (
	goRules = []rule{
		{re: regexp.MustCompile(`^func\s+\([^)]*\)\s*([A-Za-z_]\w*)\s*[\[(]`), kind: EntityMethod},
		{re: regexp.MustCompile(`^func\s+([A-Za-z_]\w*)\s*[\[(]`), kind: EntityFunction},
		{re: regexp.MustCompile(`^type\s+([A-Za-z_]\w*)(?:\[[^\]]*\])?\s+(?:struct|interface)\b`), kind: EntityClass},
		{re: regexp.MustCompile(`^(?:var|const)\s+([A-Za-z_]\w*)\b`), kind: EntityVariable},
	}
	pythonRules = []rule{
		{re: regexp.MustCompile(`^(\s*)(?:async\s+)?def\s+([A-Za-z_]\w*)\s*\(`), kind: EntityFunction, indentedKind: EntityMethod},
		{re: regexp.MustCompile(`^(\s*)class\s+([A-Za-z_]\w*)`), kind: EntityClass, indentedKind: EntityClass},
		{re: regexp.MustCompile(`^([A-Z_][A-Z0-9_]*)\s*(?::[^=]+)?=[^=]`), kind: EntityVariable},
	}
	javaRules = []rule{
		{re: regexp.MustCompile(`\b(?:class|interface|enum|record)\s+([A-Z]\w*)`), kind: EntityClass},
		{re: regexp.MustCompile(`^\s*(?:@\w+\s+)*(?:(?:public|protected|private|static|final|synchronized|abstract|native|default)\s+)+[\w<>\[\],.?\s]*?\s*\b([a-z_]\w*)\s*\([^;]*$`), kind: EntityMethod},
	}
	jsRules = []rule{
		{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:async\s+)?function\s*\*?\s*([A-Za-z_$][\w$]*)\s*\(`), kind: EntityFunction},
		{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:default\s+)?(?:abstract\s+)?class\s+([A-Za-z_$][\w$]*)`), kind: EntityClass},
		{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::[^=]+)?=\s*(?:async\s+)?(?:\([^)]*\)|[A-Za-z_$][\w$]*)\s*(?::[^=]+)?=>`), kind: EntityFunction},
		{re: regexp.MustCompile(`^(?:export\s+)?(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*(?::[^=]+)?=`), kind: EntityVariable},
		{re: regexp.MustCompile(`^\s*(?:export\s+)?(?:interface|type|enum)\s+([A-Za-z_$][\w$]*)`), kind: EntityClass},
	}
	sqlRules = []rule{
		{re: regexp.MustCompile("(?i)^\\s*create\\s+(?:or\\s+replace\\s+)?(?:temp(?:orary)?\\s+)?(?:table|view)\\s+(?:if\\s+not\\s+exists\\s+)?[\"`\\[]?([\\w.]+)"), kind: EntityTable},
		{re: regexp.MustCompile("(?i)^\\s*create\\s+(?:or\\s+replace\\s+)?(?:function|procedure)\\s+[\"`\\[]?([\\w.]+)"), kind: EntityFunction},
	}
)

var javaNonMethods = map[string]struct{}{
	"if": {}, "for": {}, "while": {}, "switch": {}, "catch": {}, "return": {}, "new": {}, "synchronized": {},
}

func NewScanner() *Scanner {
	return &Scanner{rules: map[string][]rule{
		".go":   goRules,
		".py":   pythonRules,
		".java": javaRules,
		".js":   jsRules,
		".jsx":  jsRules,
		".mjs":  jsRules,
		".cjs":  jsRules,
		".ts":   jsRules,
		".tsx":  jsRules,
		".sql":  sqlRules,
	}}
}

// Supports reports whether files with this extension are scanned.
func (s *Scanner) Supports(filePath string) bool {
	_, ok := s.rules[strings.ToLower(path.Ext(filePath))]
	return ok
}

func (s *Scanner) Extensions() []string {
	out := make([]string, 0, len(s.rules))
	for ext := range s.rules {
		out = append(out, ext)
	}
	return out
}

// Scan returns the entities declared in content, first declaration wins when
// a name repeats within the file.
func (s *Scanner) Scan(filePath string, content []byte) []Entity {
	rules := s.rules[strings.ToLower(path.Ext(filePath))]
	if len(rules) == 0 {
		return nil
	}
	dir := path.Dir(filePath)
	seen := map[string]struct{}{}
	var out []Entity

	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "--") || strings.HasPrefix(trimmed, "*") {
			continue
		}
		for _, r := range rules {
			name, kind, ok := r.match(line)
			if !ok {
				continue
			}
			if _, skip := javaNonMethods[name]; skip && kind == EntityMethod {
				continue
			}
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				out = append(out, Entity{
					QualifiedName: QualifiedName(filePath, name),
					Name:          name,
					Type:          kind,
					FilePath:      filePath,
					Directory:     dir,
					Line:          lineNo,
				})
			}
			break
		}
	}
	return out
}

func (r rule) match(line string) (string, string, bool) {
	m := r.re.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	if r.indentedKind != "" && len(m) >= 3 {
		if m[1] != "" {
			return m[2], r.indentedKind, true
		}
		return m[2], r.kind, true
	}
	return m[len(m)-1], r.kind, true
}
