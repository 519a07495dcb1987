// Package evidence holds the in-flight shapes shared by producers, the
// coordinator and the reconciler.
package evidence

import (
	"encoding/json"
	"strings"
)

type Pass string

const (
	PassFile      Pass = "file"
	PassDirectory Pass = "directory"
	PassGlobal    Pass = "global"
)

const (
	JobTypeAnalyzeFile      = "analyze-file"
	JobTypeResolveDirectory = "resolve-directory"
	JobTypeResolveGlobal    = "resolve-global"
	JobTypeReconcile        = "reconcile-relationship"

	GlobalScope = "all"

	EventPassCompleted = "evidence.pass_completed"
)

// Authority ranks passes by granularity; the finest-grained pass wins.
func (p Pass) Authority() int {
	switch p {
	case PassFile:
		return 3
	case PassDirectory:
		return 2
	case PassGlobal:
		return 1
	default:
		return 0
	}
}

func (p Pass) JobType() string {
	switch p {
	case PassFile:
		return JobTypeAnalyzeFile
	case PassDirectory:
		return JobTypeResolveDirectory
	case PassGlobal:
		return JobTypeResolveGlobal
	default:
		return ""
	}
}

func PassForJobType(jobType string) (Pass, bool) {
	switch jobType {
	case JobTypeAnalyzeFile:
		return PassFile, true
	case JobTypeResolveDirectory:
		return PassDirectory, true
	case JobTypeResolveGlobal:
		return PassGlobal, true
	default:
		return "", false
	}
}

// JobID is the deterministic identifier of a producer job: "<jobType>:<scope>".
func JobID(p Pass, scope string) string {
	return p.JobType() + ":" + scope
}

// PassOfJobID recovers the pass from a job ID built by JobID.
func PassOfJobID(jobID string) Pass {
	jobType, _, ok := strings.Cut(jobID, ":")
	if !ok {
		return ""
	}
	p, _ := PassForJobType(jobType)
	return p
}

// Finding is one provider's opinion about one candidate relationship.
type Finding struct {
	RelationshipHash  string          `json:"relationshipHash"`
	JobID             string          `json:"jobId"`
	SourceWorker      Pass            `json:"sourceWorker"`
	FoundRelationship bool            `json:"foundRelationship"`
	InitialScore      float64         `json:"initialScore"`
	ProposedType      string          `json:"proposedType,omitempty"`
	Degraded          bool            `json:"degraded,omitempty"`
	RawModelOutput    json.RawMessage `json:"rawModelOutput,omitempty"`
}

// Event is the evidence-arrival message the coordinator consumes.
type Event struct {
	RunID        string    `json:"runId"`
	JobID        string    `json:"jobId"`
	SourceWorker Pass      `json:"sourceWorker"`
	Findings     []Finding `json:"findings"`
}

// PassCompleted is the outbox summary written with a producer's findings.
type PassCompleted struct {
	RunID        string `json:"runId"`
	JobID        string `json:"jobId"`
	Source       Pass   `json:"source"`
	FindingCount int    `json:"findingCount"`
}

// JobPayload is the queue message for producer jobs.
type JobPayload struct {
	RunID           string `json:"runId"`
	JobType         Pass   `json:"jobType"`
	ScopeIdentifier string `json:"scopeIdentifier"`
}

// ReconcilePayload is the queue message for reconciliation jobs.
type ReconcilePayload struct {
	RunID            string `json:"runId"`
	RelationshipHash string `json:"relationshipHash"`
	Partial          bool   `json:"partial,omitempty"`
}

func ReconcileJobKey(hash string) string {
	return JobTypeReconcile + ":" + hash
}

// PartialReconcileJobKey keys the forced reconciliation of hash. It differs
// from ReconcileJobKey so evidence that completes after a force still gets
// its complete reconciliation.
func PartialReconcileJobKey(hash string) string {
	return ReconcileJobKey(hash) + ":partial"
}
