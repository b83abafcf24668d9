package ir

import "time"

// JobStatus is the queue state of a job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobLeased     JobStatus = "leased"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobDeadLetter JobStatus = "dead_letter"
)

// Job is one unit of tool execution. Jobs reference their run by ID only.
type Job struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Scope       string    `json:"scope"`
	NodeID      string    `json:"node_id"`
	Epoch       int       `json:"epoch"`
	Tool        string    `json:"tool"`
	Args        Object    `json:"args"`
	Permissions []string  `json:"permissions,omitempty"`
	Status      JobStatus `json:"status"`

	LeaseToken     string    `json:"lease_token,omitempty"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`
	Priority    int `json:"priority"`

	NextRunAt time.Time `json:"next_run_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	LastError string `json:"last_error,omitempty"`
	Result    Object `json:"result,omitempty"`
}

// NextAttempt is the attempt number the next execution of the job runs as.
func (j Job) NextAttempt() int { return j.Attempts + 1 }

// JobAttempt is one row of a job's attempt history.
type JobAttempt struct {
	JobID     string    `json:"job_id"`
	Attempt   int       `json:"attempt"`
	Status    JobStatus `json:"status"`
	WorkerID  string    `json:"worker_id"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditRecord is an entry of the gate's audit trail.
type AuditRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int64     `json:"seq"`
	Kind      string    `json:"kind"`
	Tool      string    `json:"tool,omitempty"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
