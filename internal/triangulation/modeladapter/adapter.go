// Package modeladapter turns raw model output into validated per-candidate
// verdicts. Anything the model says about a hash outside the prompt is
// dropped.
package modeladapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
	"github.com/yungbote/codegraph-triangulation/internal/triangulation/scoring"
)

// ErrUnparseable means the response could not be decoded into the expected
// shape at all. Callers switch to the degraded extractor.
var ErrUnparseable = errors.New("model output unparseable")

const SchemaName = "relationship_verdicts"

// Schema is the strict json_schema sent with every analysis request.
var Schema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"relationships"},
	"properties": map[string]any{
		"relationships": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"relationshipHash", "found", "confidence", "proposedType", "rationale"},
				"properties": map[string]any{
					"relationshipHash": map[string]any{"type": "string"},
					"found":            map[string]any{"type": "boolean"},
					"confidence":       map[string]any{"type": "number"},
					"proposedType":     map[string]any{"type": "string"},
					"rationale":        map[string]any{"type": "string"},
				},
			},
		},
	},
}

type verdictDTO struct {
	RelationshipHash string          `json:"relationshipHash"`
	Found            *bool           `json:"found"`
	Confidence       json.RawMessage `json:"confidence"`
	ProposedType     string          `json:"proposedType"`
	Rationale        string          `json:"rationale"`
}

type responseDTO struct {
	Relationships []verdictDTO `json:"relationships"`
}

// Verdict is the sanitised opinion for one candidate.
type Verdict struct {
	Found        bool
	Score        float64
	ProposedType string
	Raw          json.RawMessage
}

type Adapter struct {
	log *logger.Logger
}

func New(baseLog *logger.Logger) *Adapter {
	return &Adapter{log: baseLog.With("component", "ModelAdapter")}
}

// Parse validates raw against the schema and keeps only entries whose hash is
// in allowed. Duplicate entries for one hash keep the first confirmation, or
// the first entry when none confirms.
func (a *Adapter) Parse(raw json.RawMessage, allowed map[string]struct{}) (map[string]Verdict, error) {
	raw = bytes.TrimSpace(stripFence(raw))
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrUnparseable)
	}

	var resp responseDTO
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&resp); err != nil {
		// Some models wrap the array in extra keys; try a lenient decode
		// before giving up.
		if lerr := json.Unmarshal(raw, &resp); lerr != nil || resp.Relationships == nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
		}
		a.log.Debug("model output had unexpected keys", "error", err)
	}
	if resp.Relationships == nil {
		return nil, fmt.Errorf("%w: missing relationships", ErrUnparseable)
	}

	out := make(map[string]Verdict, len(resp.Relationships))
	dropped := 0
	for _, v := range resp.Relationships {
		hash := strings.ToLower(strings.TrimSpace(v.RelationshipHash))
		if _, ok := allowed[hash]; !ok {
			dropped++
			continue
		}
		if v.Found == nil {
			dropped++
			continue
		}
		entry, _ := json.Marshal(v)
		verdict := Verdict{
			Found:        *v.Found,
			ProposedType: sanitizeType(v.ProposedType),
			Raw:          entry,
		}
		if verdict.Found {
			verdict.Score = scoring.InitialScore(v.Confidence, a.log)
		} else {
			verdict.Score = scoring.NotConfirmedScore
		}
		prev, seen := out[hash]
		if seen && (prev.Found || !verdict.Found) {
			continue
		}
		out[hash] = verdict
	}
	if dropped > 0 {
		a.log.Warn("model output referenced unknown candidates", "dropped", dropped)
	}
	return out, nil
}

func stripFence(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return raw
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return []byte(s)
}

func sanitizeType(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == ' ' || r == '-':
			b.WriteByte('_')
		}
		if b.Len() >= 64 {
			break
		}
	}
	return strings.Trim(b.String(), "_")
}
