package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cwygoda/sepq/internal/domain"
)

// ErrWaitTimeout is returned by RunUntilDone when the job is still open
// after the last attempt.
var ErrWaitTimeout = errors.New("timed out waiting for job")

// DefaultLease is how long a worker holds a job between heartbeats.
const DefaultLease = time.Minute

// Worker drives open jobs through the state machine, one tick at a time.
// Several workers may share a store; each job is advanced only by the
// worker holding its lease.
type Worker struct {
	svc          *domain.JobService
	remote       domain.RemoteService
	downloader   domain.Downloader
	pollInterval time.Duration
	lease        time.Duration
	id           string
}

// Option configures a Worker.
type Option func(*Worker)

// WithLease sets how long a claimed job stays reserved for this worker
// without a heartbeat.
func WithLease(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.lease = d
		}
	}
}

// New creates a new worker.
func New(svc *domain.JobService, remote domain.RemoteService, downloader domain.Downloader, pollInterval time.Duration, opts ...Option) *Worker {
	w := &Worker{
		svc:          svc,
		remote:       remote,
		downloader:   downloader,
		pollInterval: pollInterval,
		lease:        DefaultLease,
		id:           uuid.NewString()[:8],
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ID identifies this worker instance in log lines.
func (w *Worker) ID() string {
	return w.id
}

// Run starts the worker loop until context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("worker %s started, polling every %s", w.id, w.pollInterval)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker %s shutting down", w.id)
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick advances every open job once, most recent first.
func (w *Worker) tick(ctx context.Context) {
	jobs, err := w.svc.Open(ctx)
	if err != nil {
		log.Printf("worker %s: scan error: %v", w.id, err)
		return
	}

	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		w.Step(ctx, &jobs[i])
	}
}

// Step advances job by one event. job is updated in place. A job leased
// to another worker is left alone.
func (w *Worker) Step(ctx context.Context, job *domain.Job) {
	if job.State.Terminal() {
		return
	}
	if !w.claim(ctx, job) {
		return
	}
	ctx, release := w.heartbeat(ctx, job.ID)
	defer release()

	switch job.State {
	case domain.StateAdded, domain.StateSubmitting:
		w.submit(ctx, job)
	case domain.StateQueued, domain.StateProcessing:
		w.poll(ctx, job)
	case domain.StateDownloading:
		w.download(ctx, job)
	}
}

// RunUntilDone advances a single job until it reaches a terminal state,
// trying at most maxAttempts times with interval between attempts.
func (w *Worker) RunUntilDone(ctx context.Context, jobID int64, maxAttempts int, interval time.Duration) (*domain.Job, error) {
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", maxAttempts)
	}
	var job *domain.Job
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var err error
		job, err = w.svc.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}

		w.Step(ctx, job)
		if job.State.Terminal() {
			return job, nil
		}
		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}
	}

	comment := fmt.Sprintf("still %s after %d attempts", job.State, maxAttempts)
	if err := w.svc.Note(ctx, jobID, domain.ActionLocalTimeout, comment); err != nil {
		log.Printf("job %d: %v", jobID, err)
	}
	log.Printf("job %d: %s", jobID, comment)
	return job, ErrWaitTimeout
}

// claim takes the job's lease, logging a takeover when a previous
// owner let its lease expire.
func (w *Worker) claim(ctx context.Context, job *domain.Job) bool {
	previous := job.Owner
	if err := w.svc.Claim(ctx, job, w.id, w.lease); err != nil {
		if errors.Is(err, domain.ErrNotOwner) {
			log.Printf("job %d: leased by worker %s, skipping", job.ID, previous)
			return false
		}
		if ctx.Err() == nil {
			log.Printf("job %d: claim: %v", job.ID, err)
		}
		return false
	}
	if previous != "" && previous != w.id {
		log.Printf("job %d: worker %s took over from %s", job.ID, w.id, previous)
		w.note(ctx, job.ID, domain.ActionRecovered, fmt.Sprintf("lease of worker %s expired, resuming %s", previous, job.State))
	}
	return true
}

// heartbeat renews the lease on id until release is called. The returned
// context is cancelled if the lease is lost to another worker.
func (w *Worker) heartbeat(ctx context.Context, id int64) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(w.lease/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.svc.Renew(ctx, id, w.id, w.lease)
				if err == nil || ctx.Err() != nil {
					continue
				}
				log.Printf("job %d: renew lease: %v", id, err)
				if errors.Is(err, domain.ErrNotOwner) || errors.Is(err, domain.ErrJobNotFound) {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, func() {
		cancel()
		<-done
	}
}

func (w *Worker) submit(ctx context.Context, job *domain.Job) {
	if job.State == domain.StateAdded {
		if !w.advance(ctx, job, domain.Transition{To: domain.StateSubmitting}) {
			return
		}
	}

	if job.Submitted() {
		log.Printf("job %d: already submitted as %s", job.ID, job.RemoteHash)
		w.advance(ctx, job, domain.Transition{To: domain.StateQueued, Comment: "already submitted"})
		return
	}

	log.Printf("job %d: submitting %s with algorithm %d", job.ID, job.Source(), job.AlgorithmID)
	hash, err := w.remote.Submit(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.fail(ctx, job, fmt.Sprintf("submit: %v", err))
		return
	}

	log.Printf("job %d: queued remotely as %s", job.ID, hash)
	w.advance(ctx, job, domain.Transition{To: domain.StateQueued, RemoteHash: hash, Comment: "hash " + hash})
}

func (w *Worker) poll(ctx context.Context, job *domain.Job) {
	if !job.Submitted() {
		w.fail(ctx, job, "no remote hash")
		return
	}

	status, err := w.remote.Poll(ctx, job.RemoteHash)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.fail(ctx, job, fmt.Sprintf("poll: %v", err))
		return
	}

	switch {
	case status.Phase.InProgress():
		if job.State == domain.StateQueued {
			w.advance(ctx, job, domain.Transition{To: domain.StateProcessing, Comment: status.Phase.String()})
		}
	case status.Phase == domain.PhaseDone:
		comment := fmt.Sprintf("%d files ready", len(status.Files))
		if w.advance(ctx, job, domain.Transition{To: domain.StateDownloading, Files: status.Files, Comment: comment}) {
			job.Files = status.Files
			w.download(ctx, job)
		}
	case status.Phase == domain.PhaseFailed:
		w.fail(ctx, job, "remote reported "+status.Raw)
	default:
		w.fail(ctx, job, fmt.Sprintf("unknown remote status %q", status.Raw))
	}
}

// download fetches every manifest file. The job completes only if all of
// them succeed; failures are logged per file and do not stop the others.
func (w *Worker) download(ctx context.Context, job *domain.Job) {
	if len(job.Files) == 0 {
		w.fail(ctx, job, "no files")
		return
	}

	failed := 0
	for i, f := range job.Files {
		if ctx.Err() != nil {
			return
		}
		if f.URL == "" || f.Filename == "" {
			w.note(ctx, job.ID, domain.ActionDownload, fmt.Sprintf("skipping entry %d: missing url or download name", i))
			failed++
			continue
		}

		n, err := w.downloader.Fetch(ctx, f.URL, job.OutputDir, f.Filename)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("job %d: download %s failed: %v", job.ID, f.Filename, err)
			w.note(ctx, job.ID, domain.ActionDownload, fmt.Sprintf("%s: %v", f.Filename, err))
			failed++
			continue
		}
		w.note(ctx, job.ID, domain.ActionDownload, fmt.Sprintf("%s: %d bytes", f.Filename, n))
	}

	if failed > 0 {
		w.fail(ctx, job, fmt.Sprintf("%d of %d files not downloaded", failed, len(job.Files)))
		return
	}
	log.Printf("job %d: completed, %d files in %s", job.ID, len(job.Files), job.OutputDir)
	w.advance(ctx, job, domain.Transition{To: domain.StateComplete, Comment: fmt.Sprintf("%d files", len(job.Files))})
}

func (w *Worker) advance(ctx context.Context, job *domain.Job, t domain.Transition) bool {
	from := job.State
	if err := w.svc.Advance(ctx, job, t); err != nil {
		w.rejected(ctx, job.ID, domain.TransitionAction(from, t.To), err)
		return false
	}
	return true
}

func (w *Worker) fail(ctx context.Context, job *domain.Job, reason string) {
	log.Printf("job %d: failed: %s", job.ID, reason)
	from := job.State
	if err := w.svc.Fail(ctx, job, reason); err != nil {
		w.rejected(ctx, job.ID, domain.TransitionAction(from, domain.StateFailed), err)
	}
}

// rejected records a state change the store refused, so the job log shows
// why the job did not move.
func (w *Worker) rejected(ctx context.Context, id int64, action string, err error) {
	log.Printf("job %d: %s: %v", id, action, err)
	if errors.Is(err, domain.ErrJobNotFound) || ctx.Err() != nil {
		return
	}
	w.note(ctx, id, action, "failed: "+err.Error())
}

func (w *Worker) note(ctx context.Context, id int64, action, comment string) {
	if err := w.svc.Note(ctx, id, action, comment); err != nil {
		log.Printf("job %d: log %s: %v", id, action, err)
	}
}
