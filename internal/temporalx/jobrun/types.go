package jobrun

import "time"

const (
	WorkflowName = "job_run"
	ActivityTick = "job_run_tick"
)

type TickResult struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Stage    string `json:"stage,omitempty"`
	Attempts int    `json:"attempts"`
	// Claimed is false when another executor holds the job.
	Claimed bool `json:"claimed"`
}

// Options tune the workflow loop. Zero values take the defaults.
type Options struct {
	RetryDelay   time.Duration
	PollInterval time.Duration
	MaxTicks     int
}

func (o Options) withDefaults() Options {
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxTicks <= 0 {
		o.MaxTicks = 500
	}
	return o
}
