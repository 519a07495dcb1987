package manifest

import (
	"context"
	"fmt"
	"path"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/hashing"
)

type SourceFile struct {
	// Path is relative to the repository root, slash separated.
	Path    string
	Content []byte
}

type Candidate struct {
	Hash   string `json:"hash"`
	Source Entity `json:"source"`
	Target Entity `json:"target"`
	Type   string `json:"type"`
}

// Plan is everything a run needs persisted before its first job executes.
type Plan struct {
	Manifest   *Manifest
	Entities   []Entity
	Candidates []Candidate
}

type GeneratorConfig struct {
	// MaxEntities bounds the quadratic pairing step; 0 disables the bound.
	MaxEntities int
	Concurrency int
}

type Generator struct {
	scanner *Scanner
	log     *logger.Logger
	cfg     GeneratorConfig
}

func NewGenerator(log *logger.Logger, scanner *Scanner, cfg GeneratorConfig) *Generator {
	if scanner == nil {
		scanner = NewScanner()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	return &Generator{scanner: scanner, log: log.With("component", "ManifestGenerator"), cfg: cfg}
}

func (g *Generator) Generate(ctx context.Context, runID string, files []SourceFile) (*Plan, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("generate manifest: missing run id")
	}
	files = normalizeFiles(files)

	graph := JobGraph{Global: []string{evidence.JobID(evidence.PassGlobal, evidence.GlobalScope)}}
	dirs := map[string]struct{}{}
	for _, f := range files {
		graph.File = append(graph.File, evidence.JobID(evidence.PassFile, f.Path))
		dirs[path.Dir(f.Path)] = struct{}{}
	}
	for d := range dirs {
		graph.Directory = append(graph.Directory, evidence.JobID(evidence.PassDirectory, d))
	}
	sort.Strings(graph.File)
	sort.Strings(graph.Directory)

	perFile := make([][]Entity, len(files))
	eg, egctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.cfg.Concurrency)
	for i := range files {
		i := i
		eg.Go(func() error {
			if err := egctx.Err(); err != nil {
				return err
			}
			perFile[i] = g.scanner.Scan(files[i].Path, files[i].Content)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("scan files: %w", err)
	}

	entities := mergeEntities(perFile)
	if g.cfg.MaxEntities > 0 && len(entities) > g.cfg.MaxEntities {
		return nil, fmt.Errorf("generate manifest: %d entities exceeds limit %d", len(entities), g.cfg.MaxEntities)
	}

	candidates, evidenceMap, err := pairCandidates(ctx, entities)
	if err != nil {
		return nil, err
	}

	g.log.Info("manifest generated",
		"run_id", runID,
		"files", len(files),
		"directories", len(graph.Directory),
		"entities", len(entities),
		"candidates", len(candidates),
	)

	return &Plan{
		Manifest: &Manifest{
			RunID:                   runID,
			JobGraph:                graph,
			RelationshipEvidenceMap: evidenceMap,
		},
		Entities:   entities,
		Candidates: candidates,
	}, nil
}

// pairCandidates registers both directions of every unordered pair of
// distinct entities, including pairs within one file.
func pairCandidates(ctx context.Context, entities []Entity) ([]Candidate, map[string][]string, error) {
	n := len(entities)
	candidates := make([]Candidate, 0, n*(n-1))
	evidenceMap := make(map[string][]string, n*(n-1))
	globalJob := evidence.JobID(evidence.PassGlobal, evidence.GlobalScope)

	for i := 0; i < n; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
		}
		a := entities[i]
		for j := i + 1; j < n; j++ {
			b := entities[j]
			providers := sortProviders([]string{
				evidence.JobID(evidence.PassFile, a.FilePath),
				evidence.JobID(evidence.PassFile, b.FilePath),
				evidence.JobID(evidence.PassDirectory, a.Directory),
				evidence.JobID(evidence.PassDirectory, b.Directory),
				globalJob,
			})
			for _, pair := range [2][2]Entity{{a, b}, {b, a}} {
				h, err := hashing.RelationshipHash(pair[0].QualifiedName, pair[1].QualifiedName, CandidateType)
				if err != nil {
					return nil, nil, fmt.Errorf("hash candidate %s -> %s: %w", pair[0].QualifiedName, pair[1].QualifiedName, err)
				}
				candidates = append(candidates, Candidate{Hash: h, Source: pair[0], Target: pair[1], Type: CandidateType})
				evidenceMap[h] = providers
			}
		}
	}
	return candidates, evidenceMap, nil
}

func normalizeFiles(files []SourceFile) []SourceFile {
	seen := make(map[string]struct{}, len(files))
	out := make([]SourceFile, 0, len(files))
	for _, f := range files {
		p := path.Clean(strings.TrimPrefix(strings.ReplaceAll(f.Path, "\\", "/"), "./"))
		if p == "." || p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, SourceFile{Path: p, Content: f.Content})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func mergeEntities(perFile [][]Entity) []Entity {
	seen := map[string]struct{}{}
	var out []Entity
	for _, list := range perFile {
		for _, e := range list {
			if _, ok := seen[e.QualifiedName]; ok {
				continue
			}
			seen[e.QualifiedName] = struct{}{}
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QualifiedName < out[j].QualifiedName })
	return out
}
