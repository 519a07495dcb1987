package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	types "github.com/yungbote/codegraph-triangulation/internal/domain"
	"github.com/yungbote/codegraph-triangulation/internal/platform/logger"
)

// JobNotifier reports job lifecycle transitions to operators.
type JobNotifier interface {
	JobsQueued(runID uuid.UUID, jobType string, n int)
	JobFailed(job *types.JobRun, stage string, errorMessage string)
	JobQuarantined(job *types.JobRun, reason string)
	JobDone(job *types.JobRun)
}

type logJobNotifier struct {
	log *logger.Logger
}

func NewLogJobNotifier(baseLog *logger.Logger) JobNotifier {
	return &logJobNotifier{log: baseLog.With("component", "JobNotifier")}
}

func (n *logJobNotifier) JobsQueued(runID uuid.UUID, jobType string, count int) {
	n.log.Debug("jobs queued", "run_id", runID, "job_type", jobType, "count", count)
}

func (n *logJobNotifier) JobFailed(job *types.JobRun, stage string, errorMessage string) {
	n.log.Warn("job failed", "run_id", job.RunID, "job_key", job.JobKey, "stage", stage, "error", errorMessage)
}

func (n *logJobNotifier) JobQuarantined(job *types.JobRun, reason string) {
	n.log.Error("job quarantined", "run_id", job.RunID, "job_key", job.JobKey, "reason", reason)
}

func (n *logJobNotifier) JobDone(job *types.JobRun) {
	n.log.Debug("job done", "run_id", job.RunID, "job_key", job.JobKey)
}

// redisJobNotifier publishes lifecycle messages on "jobs:{runId}" in addition
// to logging them.
type redisJobNotifier struct {
	JobNotifier
	rdb *redis.Client
	log *logger.Logger
}

func NewRedisJobNotifier(baseLog *logger.Logger, rdb *redis.Client) JobNotifier {
	return &redisJobNotifier{
		JobNotifier: NewLogJobNotifier(baseLog),
		rdb:         rdb,
		log:         baseLog.With("component", "RedisJobNotifier"),
	}
}

type jobMessage struct {
	Event   string    `json:"event"`
	RunID   uuid.UUID `json:"run_id"`
	JobKey  string    `json:"job_key,omitempty"`
	JobType string    `json:"job_type,omitempty"`
	Stage   string    `json:"stage,omitempty"`
	Error   string    `json:"error,omitempty"`
	Count   int       `json:"count,omitempty"`
}

func (n *redisJobNotifier) publish(msg jobMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.rdb.Publish(ctx, "jobs:"+msg.RunID.String(), b).Err(); err != nil {
		n.log.Warn("publish job event failed", "event", msg.Event, "error", err)
	}
}

func (n *redisJobNotifier) JobsQueued(runID uuid.UUID, jobType string, count int) {
	n.JobNotifier.JobsQueued(runID, jobType, count)
	n.publish(jobMessage{Event: "jobs_queued", RunID: runID, JobType: jobType, Count: count})
}

func (n *redisJobNotifier) JobFailed(job *types.JobRun, stage string, errorMessage string) {
	n.JobNotifier.JobFailed(job, stage, errorMessage)
	n.publish(jobMessage{Event: "job_failed", RunID: job.RunID, JobKey: job.JobKey, JobType: job.JobType, Stage: stage, Error: errorMessage})
}

func (n *redisJobNotifier) JobQuarantined(job *types.JobRun, reason string) {
	n.JobNotifier.JobQuarantined(job, reason)
	n.publish(jobMessage{Event: "job_quarantined", RunID: job.RunID, JobKey: job.JobKey, JobType: job.JobType, Error: reason})
}

func (n *redisJobNotifier) JobDone(job *types.JobRun) {
	n.JobNotifier.JobDone(job)
	n.publish(jobMessage{Event: "job_done", RunID: job.RunID, JobKey: job.JobKey, JobType: job.JobType})
}
