// Package manifest precomputes, for one run, every analysis job and the exact
// set of jobs expected to report on each candidate relationship.
package manifest

import (
	"errors"
	"sort"

	"github.com/yungbote/codegraph-triangulation/internal/triangulation/evidence"
)

var (
	ErrManifestExists   = errors.New("manifest already exists for run")
	ErrManifestNotFound = errors.New("manifest not found")
)

// CandidateType is the label given to every candidate at manifest time. Models
// may propose a more specific label later; it is recorded separately.
const CandidateType = "RELATES_TO"

func Key(runID string) string { return "manifest:" + runID }

type JobGraph struct {
	File      []string `json:"file"`
	Directory []string `json:"directory"`
	Global    []string `json:"global"`
}

func (g JobGraph) All() []string {
	out := make([]string, 0, len(g.File)+len(g.Directory)+len(g.Global))
	out = append(out, g.File...)
	out = append(out, g.Directory...)
	return append(out, g.Global...)
}

// Manifest is read-only once saved.
type Manifest struct {
	RunID                   string              `json:"runId"`
	JobGraph                JobGraph            `json:"jobGraph"`
	RelationshipEvidenceMap map[string][]string `json:"relationshipEvidenceMap"`
}

func (m *Manifest) Providers(hash string) []string {
	if m == nil {
		return nil
	}
	return m.RelationshipEvidenceMap[hash]
}

// ExpectedCount is the number of providers for hash, or 0 when the hash is not
// part of the manifest.
func (m *Manifest) ExpectedCount(hash string) int {
	return len(m.Providers(hash))
}

func (m *Manifest) Has(hash string) bool {
	if m == nil {
		return false
	}
	_, ok := m.RelationshipEvidenceMap[hash]
	return ok
}

func (m *Manifest) IsExpectedProvider(hash, jobID string) bool {
	for _, p := range m.Providers(hash) {
		if p == jobID {
			return true
		}
	}
	return false
}

func (m *Manifest) Hashes() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.RelationshipEvidenceMap))
	for h := range m.RelationshipEvidenceMap {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// sortProviders orders job IDs by pass (file, directory, global) then by ID,
// dropping duplicates.
func sortProviders(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := evidence.PassOfJobID(out[i]).Authority(), evidence.PassOfJobID(out[j]).Authority()
		if ai != aj {
			return ai > aj
		}
		return out[i] < out[j]
	})
	return out
}
