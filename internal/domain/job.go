package domain

import (
	"fmt"
	"time"
)

// JobState represents where a job is in its remote lifecycle.
type JobState string

const (
	StateAdded       JobState = "Added"
	StateSubmitting  JobState = "Submitting"
	StateQueued      JobState = "Queued"
	StateProcessing  JobState = "Processing"
	StateDownloading JobState = "Downloading"
	StateComplete    JobState = "Complete"
	StateFailed      JobState = "Failed"
)

// Terminal reports whether no further transition can leave s.
func (s JobState) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// transitions lists every allowed edge of the job state machine.
var transitions = map[JobState][]JobState{
	StateAdded:       {StateSubmitting, StateFailed},
	StateSubmitting:  {StateQueued, StateFailed},
	StateQueued:      {StateProcessing, StateDownloading, StateFailed},
	StateProcessing:  {StateDownloading, StateFailed},
	StateDownloading: {StateComplete, StateFailed},
}

// CanTransition reports whether a job may move from one state to another.
func CanTransition(from, to JobState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Output formats accepted by the remote service.
const (
	FormatMP3  = 0
	FormatWAV  = 1
	FormatFLAC = 2
)

// Job represents one requested remote separation and its tracked lifecycle.
type Job struct {
	ID           int64
	InputPath    string
	SourceURL    string
	RemoteType   string
	OutputDir    string
	AlgorithmID  int
	Options      [3]string
	OutputFormat int
	RemoteHash   string
	State        JobState
	Files        []File
	Error        string
	// Owner is the worker holding the lease on the job until LeaseUntil.
	Owner        string
	LeaseUntil   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Source returns the input path or remote URL the job was created with.
func (j *Job) Source() string {
	if j.InputPath != "" {
		return j.InputPath
	}
	return j.SourceURL
}

// Submitted reports whether the remote service already accepted the job.
func (j *Job) Submitted() bool {
	return j.RemoteHash != ""
}

// File is one downloadable artifact of a finished remote job.
type File struct {
	URL      string `json:"url"`
	Filename string `json:"download"`
}

// Action labels used in the job log.
const (
	ActionAdded        = "added"
	ActionDownload     = "download"
	ActionPoll         = "poll"
	ActionRecovered    = "recovered"
	ActionLocalTimeout = "local timeout"
)

// TransitionAction returns the log label for a state change.
func TransitionAction(from, to JobState) string {
	return fmt.Sprintf("%s -> %s", from, to)
}

// LogEntry is an immutable audit record attached to a job.
type LogEntry struct {
	ID        int64
	JobID     int64
	Timestamp time.Time
	Action    string
	Comment   string
}

// Transition describes a compare-and-set state change together with the
// log entry recorded alongside it. A non-empty Owner additionally requires
// the job to be leased to that owner.
type Transition struct {
	From       JobState
	To         JobState
	RemoteHash string
	Files      []File
	Error      string
	Comment    string
	Owner      string
}
