package producer

import (
	"github.com/yungbote/codegraph-triangulation/internal/jobs/runtime"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

type FileAnalyzer struct{ a *Analyzer }

func NewFileAnalyzer(a *Analyzer) *FileAnalyzer { return &FileAnalyzer{a: a} }

func (h *FileAnalyzer) Type() string { return evidence.JobTypeAnalyzeFile }

func (h *FileAnalyzer) Run(jc *runtime.Context) error { return h.a.processJob(jc, evidence.PassFile) }

type DirectoryAnalyzer struct{ a *Analyzer }

func NewDirectoryAnalyzer(a *Analyzer) *DirectoryAnalyzer { return &DirectoryAnalyzer{a: a} }

func (h *DirectoryAnalyzer) Type() string { return evidence.JobTypeResolveDirectory }

func (h *DirectoryAnalyzer) Run(jc *runtime.Context) error {
	return h.a.processJob(jc, evidence.PassDirectory)
}

type GlobalAnalyzer struct{ a *Analyzer }

func NewGlobalAnalyzer(a *Analyzer) *GlobalAnalyzer { return &GlobalAnalyzer{a: a} }

func (h *GlobalAnalyzer) Type() string { return evidence.JobTypeResolveGlobal }

func (h *GlobalAnalyzer) Run(jc *runtime.Context) error { return h.a.processJob(jc, evidence.PassGlobal) }

// Register adds the three pass handlers to reg.
func Register(reg *runtime.Registry, a *Analyzer) error {
	for _, h := range []runtime.Handler{NewFileAnalyzer(a), NewDirectoryAnalyzer(a), NewGlobalAnalyzer(a)} {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}
