// Package scoring turns model output and collected evidence into confidence
// scores. Everything here is pure apart from an optional debug log.
package scoring

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

const (
	NeutralScore      = 0.5
	NotConfirmedScore = 0.1
	FallbackScore     = 0.3
	BoostFactor       = 0.2
	PenaltyFactor     = 0.5
)

var probabilityKeys = []string{"confidence", "probability", "score", "initialScore"}

// InitialScore returns the model's self-reported probability clamped to
// [0,1], or NeutralScore when the output carries no usable number.
func InitialScore(modelOutput any, log *logger.Logger) float64 {
	if v, ok := numeric(modelOutput); ok {
		return Clamp(v)
	}
	if log != nil {
		log.Debug("uncalibrated model output, using neutral score", "score", NeutralScore)
	}
	return NeutralScore
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return finite(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return finite(f)
	case *float64:
		if t == nil {
			return 0, false
		}
		return finite(*t)
	case map[string]any:
		for _, k := range probabilityKeys {
			if inner, ok := t[k]; ok {
				return numeric(inner)
			}
		}
	case json.RawMessage:
		var decoded any
		dec := json.NewDecoder(strings.NewReader(string(t)))
		dec.UseNumber()
		if err := dec.Decode(&decoded); err != nil {
			return 0, false
		}
		return numeric(decoded)
	}
	return 0, false
}

func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

type Result struct {
	Score         float64          `json:"score"`
	HasConflict   bool             `json:"hasConflict"`
	Base          evidence.Finding `json:"base"`
	Agreements    int              `json:"agreements"`
	Disagreements int              `json:"disagreements"`
}

// FinalScore combines every finding for one relationship. The result depends
// only on the set of findings, never on their order.
func FinalScore(findings []evidence.Finding) Result {
	if len(findings) == 0 {
		return Result{}
	}

	ordered := make([]evidence.Finding, len(findings))
	copy(ordered, findings)
	sort.SliceStable(ordered, func(i, j int) bool { return before(ordered[i], ordered[j]) })
	base := ordered[0]

	var res Result
	res.Base = base
	for _, f := range findings {
		if f.FoundRelationship {
			res.Agreements++
		} else {
			res.Disagreements++
		}
	}
	res.HasConflict = res.Agreements > 0 && res.Disagreements > 0

	boosts, penalties := res.Agreements, res.Disagreements
	if base.FoundRelationship {
		boosts--
	} else {
		penalties--
	}

	s := Clamp(base.InitialScore)
	for i := 0; i < boosts; i++ {
		s += (1 - s) * BoostFactor
	}
	for i := 0; i < penalties; i++ {
		s *= PenaltyFactor
	}
	res.Score = Clamp(s)
	return res
}

// before is the canonical base-selection order: most authoritative pass,
// confirmations first, then job ID, then the lower score.
func before(a, b evidence.Finding) bool {
	if pa, pb := passOf(a).Authority(), passOf(b).Authority(); pa != pb {
		return pa > pb
	}
	if a.FoundRelationship != b.FoundRelationship {
		return a.FoundRelationship
	}
	if a.JobID != b.JobID {
		return a.JobID < b.JobID
	}
	return a.InitialScore < b.InitialScore
}

func passOf(f evidence.Finding) evidence.Pass {
	if f.SourceWorker.Authority() > 0 {
		return f.SourceWorker
	}
	return evidence.PassOfJobID(f.JobID)
}
