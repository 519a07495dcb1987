package scoring

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

const eps = 1e-9

func TestFinalScoreScenarios(t *testing.T) {
	t.Run("two agreements", func(t *testing.T) {
		res := FinalScore([]evidence.Finding{
			{InitialScore: 0.6, FoundRelationship: true},
			{InitialScore: 0.7, FoundRelationship: true},
		})
		assert.InDelta(t, 0.68, res.Score, eps)
		assert.False(t, res.HasConflict)
	})

	t.Run("agreement and disagreement", func(t *testing.T) {
		res := FinalScore([]evidence.Finding{
			{InitialScore: 0.8, FoundRelationship: true},
			{InitialScore: 0.1, FoundRelationship: false},
		})
		assert.InDelta(t, 0.4, res.Score, eps)
		assert.True(t, res.HasConflict)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, Result{}, FinalScore(nil))
		assert.Equal(t, Result{}, FinalScore([]evidence.Finding{}))
	})
}

func TestFinalScoreUsesMostAuthoritativePass(t *testing.T) {
	findings := []evidence.Finding{
		{JobID: "resolve-global:all", SourceWorker: evidence.PassGlobal, InitialScore: 0.9, FoundRelationship: true},
		{JobID: "resolve-directory:pkg", SourceWorker: evidence.PassDirectory, InitialScore: 0.1, FoundRelationship: false},
		{JobID: "analyze-file:pkg/a.go", SourceWorker: evidence.PassFile, InitialScore: 0.5, FoundRelationship: true},
	}
	res := FinalScore(findings)
	assert.Equal(t, "analyze-file:pkg/a.go", res.Base.JobID)
	// 0.5 -> boost -> 0.6 -> penalty -> 0.3
	assert.InDelta(t, 0.3, res.Score, eps)
	assert.Equal(t, 2, res.Agreements)
	assert.Equal(t, 1, res.Disagreements)
	assert.True(t, res.HasConflict)
}

func TestFinalScorePassFromJobID(t *testing.T) {
	res := FinalScore([]evidence.Finding{
		{JobID: "resolve-global:all", InitialScore: 0.9, FoundRelationship: true},
		{JobID: "analyze-file:a.go", InitialScore: 0.4, FoundRelationship: true},
	})
	assert.Equal(t, "analyze-file:a.go", res.Base.JobID)
	assert.InDelta(t, 0.52, res.Score, eps)
}

func TestFinalScorePermutationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	passes := []evidence.Pass{evidence.PassFile, evidence.PassDirectory, evidence.PassGlobal, ""}
	for round := 0; round < 200; round++ {
		n := 1 + rng.Intn(6)
		findings := make([]evidence.Finding, n)
		for i := range findings {
			p := passes[rng.Intn(len(passes))]
			findings[i] = evidence.Finding{
				JobID:             string(p.JobType()) + ":" + string(rune('a'+rng.Intn(3))),
				SourceWorker:      p,
				FoundRelationship: rng.Intn(2) == 0,
				InitialScore:      rng.Float64(),
			}
		}
		want := FinalScore(findings)
		for k := 0; k < 10; k++ {
			shuffled := append([]evidence.Finding(nil), findings...)
			rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
			got := FinalScore(shuffled)
			require.Equal(t, want.Score, got.Score, "round %d", round)
			require.Equal(t, want.HasConflict, got.HasConflict)
		}
	}
}

func TestFinalScoreAlwaysClamped(t *testing.T) {
	many := make([]evidence.Finding, 0, 500)
	for i := 0; i < 500; i++ {
		many = append(many, evidence.Finding{InitialScore: 1.7, FoundRelationship: true})
	}
	res := FinalScore(many)
	assert.GreaterOrEqual(t, res.Score, 0.0)
	assert.LessOrEqual(t, res.Score, 1.0)

	many = many[:0]
	many = append(many, evidence.Finding{InitialScore: -3, FoundRelationship: true})
	for i := 0; i < 2000; i++ {
		many = append(many, evidence.Finding{InitialScore: 0.1, FoundRelationship: false})
	}
	res = FinalScore(many)
	assert.GreaterOrEqual(t, res.Score, 0.0)
	assert.LessOrEqual(t, res.Score, 1.0)

	res = FinalScore([]evidence.Finding{{InitialScore: math.NaN(), FoundRelationship: true}})
	assert.Equal(t, 0.0, res.Score)
}

func TestHasConflictIffMixed(t *testing.T) {
	for mask := 0; mask < 1<<4; mask++ {
		var findings []evidence.Finding
		agree, disagree := false, false
		for i := 0; i < 4; i++ {
			found := mask&(1<<i) != 0
			agree = agree || found
			disagree = disagree || !found
			findings = append(findings, evidence.Finding{FoundRelationship: found, InitialScore: 0.5})
		}
		assert.Equal(t, agree && disagree, FinalScore(findings).HasConflict, "mask %b", mask)
	}
}

func TestInitialScore(t *testing.T) {
	log := logger.NewNop()
	cases := []struct {
		name string
		in   any
		want float64
	}{
		{"float", 0.83, 0.83},
		{"above range", 1.4, 1},
		{"below range", -0.2, 0},
		{"int", 1, 1},
		{"json number", json.Number("0.25"), 0.25},
		{"numeric string", " 0.7 ", 0.7},
		{"map confidence", map[string]any{"confidence": 0.9}, 0.9},
		{"raw json", json.RawMessage(`{"probability":0.35}`), 0.35},
		{"nil", nil, NeutralScore},
		{"garbage string", "very likely", NeutralScore},
		{"nan", math.NaN(), NeutralScore},
		{"map without score", map[string]any{"reason": "x"}, NeutralScore},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, InitialScore(tc.in, log), eps)
		})
	}
	assert.Equal(t, NeutralScore, InitialScore(struct{}{}, nil))
}
