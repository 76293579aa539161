package jobs

import (
	"context"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeRebuildIndex rebuilds the transaction vector index.
	JobTypeRebuildIndex JobType = "rebuild_index"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is waiting to run again.
	JobStatusRetrying JobStatus = "retrying"
)

// Terminal reports whether the job will not run again.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Reasons a rebuild was requested.
const (
	ReasonAPI      = "api"
	ReasonCLI      = "cli"
	ReasonSchedule = "schedule"
	ReasonStartup  = "startup"
)

// RebuildIndexJob re-embeds every transaction and swaps in a new index generation.
type RebuildIndexJob struct {
	JobID  string    `json:"job_id"`
	Reason string    `json:"reason"`
	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Generation and Documents describe the generation the job swapped in.
	Generation int64 `json:"generation,omitempty"`
	Documents  int   `json:"documents,omitempty"`

	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

func (j *RebuildIndexJob) GetID() string        { return j.JobID }
func (j *RebuildIndexJob) GetType() JobType     { return JobTypeRebuildIndex }
func (j *RebuildIndexJob) GetStatus() JobStatus { return j.Status }

// Publisher enqueues jobs.
type Publisher interface {
	PublishRebuild(ctx context.Context, job *RebuildIndexJob) error
	Close() error
}

// Consumer runs queued jobs.
type Consumer interface {
	// Start launches the workers. The handler is called once per attempt.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error makes the job eligible for retry.
type JobHandler func(ctx context.Context, job Job) error

// JobStore tracks job state for the status endpoints.
type JobStore interface {
	SaveJob(ctx context.Context, job *RebuildIndexJob) error
	GetJob(ctx context.Context, jobID string) (*RebuildIndexJob, error)
	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*RebuildIndexJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	Reason string
	Status JobStatus
	Limit  int
	Offset int
}
