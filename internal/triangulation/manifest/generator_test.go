package manifest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/hashing"
)

func testFiles() []SourceFile {
	return []SourceFile{
		{Path: "pkg/a.go", Content: []byte("package pkg\nfunc A() {}\nfunc B() {}\n")},
		{Path: "pkg/b.go", Content: []byte("package pkg\nfunc C() {}\n")},
		{Path: "cmd/main.go", Content: []byte("package main\nfunc main() {}\n")},
		{Path: "pkg/empty.go", Content: []byte("package pkg\n")},
	}
}

func TestGenerateJobGraph(t *testing.T) {
	g := NewGenerator(logger.NewNop(), nil, GeneratorConfig{})
	plan, err := g.Generate(context.Background(), "run-1", testFiles())
	require.NoError(t, err)

	m := plan.Manifest
	assert.Equal(t, []string{
		"analyze-file:cmd/main.go",
		"analyze-file:pkg/a.go",
		"analyze-file:pkg/b.go",
		"analyze-file:pkg/empty.go",
	}, m.JobGraph.File, "a file without entities still gets its job")
	assert.Equal(t, []string{"resolve-directory:cmd", "resolve-directory:pkg"}, m.JobGraph.Directory)
	assert.Equal(t, []string{"resolve-global:all"}, m.JobGraph.Global)
}

func TestGenerateCandidatesAndProviders(t *testing.T) {
	g := NewGenerator(logger.NewNop(), nil, GeneratorConfig{Concurrency: 2})
	plan, err := g.Generate(context.Background(), "run-1", testFiles())
	require.NoError(t, err)

	// 4 entities -> 6 unordered pairs -> 12 directed candidates.
	assert.Len(t, plan.Entities, 4)
	assert.Len(t, plan.Candidates, 12)
	assert.Len(t, plan.Manifest.RelationshipEvidenceMap, 12)

	m := plan.Manifest

	sameFile := hashing.MustRelationshipHash("pkg/a.go::A", "pkg/a.go::B", CandidateType)
	assert.Equal(t, []string{"analyze-file:pkg/a.go", "resolve-directory:pkg", "resolve-global:all"}, m.Providers(sameFile))

	sameDir := hashing.MustRelationshipHash("pkg/a.go::A", "pkg/b.go::C", CandidateType)
	assert.Equal(t, []string{
		"analyze-file:pkg/a.go",
		"analyze-file:pkg/b.go",
		"resolve-directory:pkg",
		"resolve-global:all",
	}, m.Providers(sameDir), "one directory entry for two files in the same directory")

	crossDir := hashing.MustRelationshipHash("cmd/main.go::main", "pkg/b.go::C", CandidateType)
	assert.Equal(t, 5, m.ExpectedCount(crossDir))
	reverse := hashing.MustRelationshipHash("pkg/b.go::C", "cmd/main.go::main", CandidateType)
	assert.NotEqual(t, crossDir, reverse)
	assert.Equal(t, m.Providers(crossDir), m.Providers(reverse))

	assert.True(t, m.IsExpectedProvider(crossDir, "resolve-directory:cmd"))
	assert.False(t, m.IsExpectedProvider(crossDir, "analyze-file:pkg/a.go"))
	assert.Equal(t, 0, m.ExpectedCount("unknown"))
}

func TestGenerateIsDeterministic(t *testing.T) {
	g := NewGenerator(logger.NewNop(), nil, GeneratorConfig{})
	files := testFiles()
	a, err := g.Generate(context.Background(), "run-1", files)
	require.NoError(t, err)

	reversed := make([]SourceFile, len(files))
	for i, f := range files {
		reversed[len(files)-1-i] = f
	}
	reversed = append(reversed, SourceFile{Path: "./pkg/a.go", Content: files[0].Content})
	b, err := g.Generate(context.Background(), "run-1", reversed)
	require.NoError(t, err)
	assert.Equal(t, a.Manifest, b.Manifest)
}

func TestGenerateEntityLimit(t *testing.T) {
	g := NewGenerator(logger.NewNop(), nil, GeneratorConfig{MaxEntities: 2})
	_, err := g.Generate(context.Background(), "run-1", testFiles())
	assert.Error(t, err)
}

func TestMemoryStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m := &Manifest{RunID: "r1", RelationshipEvidenceMap: map[string][]string{"h": {"resolve-global:all"}}}
	require.NoError(t, s.Save(ctx, m))
	assert.ErrorIs(t, s.Save(ctx, m), ErrManifestExists)

	got, err := s.Load(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExpectedCount("h"))

	_, err = s.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrManifestNotFound)
}
