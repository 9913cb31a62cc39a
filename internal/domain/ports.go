package domain

import (
	"context"
	"time"
)

// JobRepository is the driven port for job and log persistence.
type JobRepository interface {
	Create(ctx context.Context, job *Job) (*Job, error)
	Get(ctx context.Context, id int64) (*Job, error)
	List(ctx context.Context) ([]Job, error)
	FindOpen(ctx context.Context) ([]Job, error)
	Transition(ctx context.Context, id int64, t Transition) error
	AppendLog(ctx context.Context, id int64, action, comment string) error
	Logs(ctx context.Context, id int64) ([]LogEntry, error)
	FindInFlight(ctx context.Context) ([]Job, error)
	Claim(ctx context.Context, id int64, owner string, ttl time.Duration) error
}

// RemoteService is the driven port for the remote separation API.
type RemoteService interface {
	Submit(ctx context.Context, job *Job) (string, error)
	Poll(ctx context.Context, hash string) (RemoteStatus, error)
}

// Downloader is the driven port for fetching finished artifacts.
type Downloader interface {
	Fetch(ctx context.Context, url, destDir, filename string) (int64, error)
}

// Phase is the remote-side progress of a submitted job.
type Phase int

const (
	PhaseUnknown Phase = iota
	PhaseWaiting
	PhaseProcessing
	PhaseDistributing
	PhaseMerging
	PhaseDone
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseWaiting:
		return "waiting"
	case PhaseProcessing:
		return "processing"
	case PhaseDistributing:
		return "distributing"
	case PhaseMerging:
		return "merging"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	}
	return "unknown"
}

// InProgress reports whether the remote is still working on the job.
func (p Phase) InProgress() bool {
	switch p {
	case PhaseWaiting, PhaseProcessing, PhaseDistributing, PhaseMerging:
		return true
	}
	return false
}

// RemoteStatus is the result of polling a submitted job. Files is only
// populated for PhaseDone; Raw holds the status string as received.
type RemoteStatus struct {
	Phase Phase
	Files []File
	Raw   string
}
