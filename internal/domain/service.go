package domain

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var (
	ErrInvalidURL          = errors.New("invalid URL")
	ErrInvalidOutputFormat = errors.New("invalid output format")
)

// EnqueueRequest is what the front door supplies to create a job.
type EnqueueRequest struct {
	InputPath    string
	SourceURL    string
	RemoteType   string
	OutputDir    string
	AlgorithmID  int
	Options      [3]string
	OutputFormat int
	// Note, when set, is logged as the job's first entry.
	Note string
}

// ValidateSource checks that exactly one of a local file or remote URL is set.
func ValidateSource(inputPath, sourceURL string) error {
	switch {
	case inputPath != "" && sourceURL != "":
		return &ValidationError{Kind: BothSourcesSpecified}
	case inputPath == "" && sourceURL == "":
		return &ValidationError{Kind: NoSourceSpecified}
	}
	return nil
}

// Validate rejects requests that must never reach the job store.
func (r *EnqueueRequest) Validate() error {
	if err := ValidateSource(r.InputPath, r.SourceURL); err != nil {
		return err
	}
	if r.SourceURL != "" {
		if _, err := url.ParseRequestURI(r.SourceURL); err != nil {
			return &ValidationError{Kind: InvalidField, Field: "url", Err: ErrInvalidURL}
		}
	}
	if strings.TrimSpace(r.OutputDir) == "" {
		return &ValidationError{Kind: MissingRequiredField, Field: "output_dir"}
	}
	if r.AlgorithmID < 0 {
		return &ValidationError{Kind: MissingRequiredField, Field: "algorithm_id"}
	}
	if r.OutputFormat < FormatMP3 || r.OutputFormat > FormatFLAC {
		return &ValidationError{Kind: InvalidField, Field: "output_format", Err: ErrInvalidOutputFormat}
	}
	return nil
}

// JobService orchestrates job operations.
type JobService struct {
	repo JobRepository
}

// NewJobService creates a new JobService.
func NewJobService(repo JobRepository) *JobService {
	return &JobService{repo: repo}
}

// Enqueue validates the request and stores a new job in StateAdded.
func (s *JobService) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	job, err := s.repo.Create(ctx, &Job{
		InputPath:    req.InputPath,
		SourceURL:    req.SourceURL,
		RemoteType:   req.RemoteType,
		OutputDir:    req.OutputDir,
		AlgorithmID:  req.AlgorithmID,
		Options:      req.Options,
		OutputFormat: req.OutputFormat,
		State:        StateAdded,
	})
	if err != nil {
		return nil, err
	}
	if req.Note != "" {
		if err := s.repo.AppendLog(ctx, job.ID, ActionAdded, req.Note); err != nil {
			return job, err
		}
	}
	return job, nil
}

// Get retrieves a job by ID.
func (s *JobService) Get(ctx context.Context, id int64) (*Job, error) {
	return s.repo.Get(ctx, id)
}

// List returns all jobs, most recent first.
func (s *JobService) List(ctx context.Context) ([]Job, error) {
	return s.repo.List(ctx)
}

// TailLog returns the log entries of a job in the order they were written.
func (s *JobService) TailLog(ctx context.Context, id int64) ([]LogEntry, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.Logs(ctx, id)
}

// Open returns every non-terminal job, most recent first.
func (s *JobService) Open(ctx context.Context) ([]Job, error) {
	return s.repo.FindOpen(ctx)
}

// Claim leases job to owner for ttl. It fails with ErrNotOwner while
// another owner holds an unexpired lease.
func (s *JobService) Claim(ctx context.Context, job *Job, owner string, ttl time.Duration) error {
	if err := s.repo.Claim(ctx, job.ID, owner, ttl); err != nil {
		return err
	}
	job.Owner = owner
	job.LeaseUntil = time.Now().Add(ttl)
	return nil
}

// Renew extends a lease already held by owner.
func (s *JobService) Renew(ctx context.Context, id int64, owner string, ttl time.Duration) error {
	return s.repo.Claim(ctx, id, owner, ttl)
}

// Advance moves job to the state named by t and records the log entry.
// t.From is taken from job, and t.Owner defaults to the job's lease owner.
// On success job is updated in place.
func (s *JobService) Advance(ctx context.Context, job *Job, t Transition) error {
	t.From = job.State
	if t.Owner == "" {
		t.Owner = job.Owner
	}
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s", ErrInvalidTransition, TransitionAction(t.From, t.To))
	}
	if err := s.repo.Transition(ctx, job.ID, t); err != nil {
		return err
	}
	job.State = t.To
	if t.RemoteHash != "" {
		job.RemoteHash = t.RemoteHash
	}
	if t.Files != nil {
		job.Files = t.Files
	}
	if t.Error != "" {
		job.Error = t.Error
	}
	return nil
}

// Fail moves job to StateFailed with the given reason.
func (s *JobService) Fail(ctx context.Context, job *Job, reason string) error {
	return s.Advance(ctx, job, Transition{To: StateFailed, Error: reason, Comment: reason})
}

// Note appends a log entry without changing state.
func (s *JobService) Note(ctx context.Context, id int64, action, comment string) error {
	return s.repo.AppendLog(ctx, id, action, comment)
}

// RecoverStale logs every job interrupted mid-submit or mid-download by a
// previous crash. Their state is kept so the next tick resumes them.
func (s *JobService) RecoverStale(ctx context.Context) (int64, error) {
	jobs, err := s.repo.FindInFlight(ctx)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, job := range jobs {
		comment := fmt.Sprintf("resuming %s after restart", job.State)
		if err := s.repo.AppendLog(ctx, job.ID, ActionRecovered, comment); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
