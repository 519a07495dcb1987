// Package fallback produces low-confidence, syntax-only opinions when the
// model response cannot be used. A candidate is confirmed when the target's
// name appears as an identifier inside the source entity's declaration.
package fallback

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

// regexWindow bounds the text scanned after a declaration line when no
// parser is available for the file.
const regexWindow = 80

type Endpoint struct {
	QualifiedName string
	Name          string
	FilePath      string
	Line          int
}

type Candidate struct {
	Hash   string
	Source Endpoint
	Target Endpoint
}

type Extractor struct {
	log       *logger.Logger
	languages map[string]*sitter.Language
}

func New(baseLog *logger.Logger) *Extractor {
	js := javascript.GetLanguage()
	return &Extractor{
		log: baseLog.With("component", "FallbackExtractor"),
		languages: map[string]*sitter.Language{
			".go":   golang.GetLanguage(),
			".py":   python.GetLanguage(),
			".java": java.GetLanguage(),
			".js":   js,
			".jsx":  js,
			".mjs":  js,
			".cjs":  js,
		},
	}
}

var declarationTypes = map[string]bool{
	// go
	"function_declaration": true,
	"method_declaration":   true,
	"type_declaration":     true,
	"type_spec":            true,
	"var_declaration":      true,
	"const_declaration":    true,
	// python
	"function_definition":  true,
	"class_definition":     true,
	"decorated_definition": true,
	"expression_statement": true,
	// java
	"class_declaration":       true,
	"interface_declaration":   true,
	"enum_declaration":        true,
	"constructor_declaration": true,
	"field_declaration":       true,
	// javascript
	"generator_function_declaration": true,
	"lexical_declaration":            true,
	"variable_declaration":           true,
	"method_definition":              true,
	"export_statement":               true,
}

var identifierTypes = map[string]bool{
	"identifier":          true,
	"field_identifier":    true,
	"type_identifier":     true,
	"property_identifier": true,
	"package_identifier":  true,
}

// Extract reports, per candidate hash, whether the syntactic pass found the
// relationship. files maps repository-relative paths to their contents;
// candidates whose source file is missing are reported as not found.
func (e *Extractor) Extract(ctx context.Context, candidates []Candidate, files map[string][]byte) map[string]bool {
	out := make(map[string]bool, len(candidates))
	trees := map[string]*parsedFile{}
	defer func() {
		for _, pf := range trees {
			pf.close()
		}
	}()

	for _, c := range candidates {
		out[c.Hash] = false
		src, ok := files[c.Source.FilePath]
		if !ok || c.Target.Name == "" {
			continue
		}
		pf, ok := trees[c.Source.FilePath]
		if !ok {
			pf = e.parse(ctx, c.Source.FilePath, src)
			trees[c.Source.FilePath] = pf
		}
		out[c.Hash] = pf.references(c.Source, c.Target.Name)
	}
	return out
}

type parsedFile struct {
	src  []byte
	tree *sitter.Tree
	// identifier sets keyed by declaration start line
	idents map[int]map[string]bool
}

func (pf *parsedFile) close() {
	if pf.tree != nil {
		pf.tree.Close()
	}
}

func (e *Extractor) parse(ctx context.Context, path string, src []byte) *parsedFile {
	pf := &parsedFile{src: src, idents: map[int]map[string]bool{}}
	lang, ok := e.languages[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return pf
	}
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		e.log.Debug("tree-sitter parse failed, using regex scan", "path", path, "error", err)
		return pf
	}
	pf.tree = tree
	return pf
}

func (pf *parsedFile) references(source Endpoint, targetName string) bool {
	if pf.tree != nil && source.Line > 0 {
		idents, ok := pf.idents[source.Line]
		if !ok {
			idents = collectIdentifiers(declarationAt(pf.tree.RootNode(), uint32(source.Line-1)), pf.src)
			pf.idents[source.Line] = idents
		}
		if idents != nil {
			return idents[targetName]
		}
	}
	return regexReferences(pf.src, source.Line, targetName)
}

// declarationAt returns the outermost declaration node starting on row.
func declarationAt(node *sitter.Node, row uint32) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.StartPoint().Row > row || node.EndPoint().Row < row {
		return nil
	}
	if node.StartPoint().Row == row && declarationTypes[node.Type()] {
		return node
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		if found := declarationAt(node.NamedChild(i), row); found != nil {
			return found
		}
	}
	return nil
}

func collectIdentifiers(node *sitter.Node, src []byte) map[string]bool {
	if node == nil {
		return nil
	}
	out := map[string]bool{}
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if identifierTypes[n.Type()] {
			out[n.Content(src)] = true
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(node)
	return out
}

func regexReferences(src []byte, line int, name string) bool {
	re, err := regexp.Compile(`\b` + regexp.QuoteMeta(name) + `\b`)
	if err != nil {
		return false
	}
	lines := strings.Split(string(src), "\n")
	start, end := 0, len(lines)
	if line > 0 && line <= len(lines) {
		start = line - 1
		if start+regexWindow < end {
			end = start + regexWindow
		}
	}
	return re.MatchString(strings.Join(lines[start:end], "\n"))
}
