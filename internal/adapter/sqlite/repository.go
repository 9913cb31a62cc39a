package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cwygoda/sepq/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    input_path    TEXT NOT NULL DEFAULT '',
    source_url    TEXT NOT NULL DEFAULT '',
    remote_type   TEXT NOT NULL DEFAULT '',
    output_dir    TEXT NOT NULL,
    algorithm_id  INTEGER NOT NULL,
    opt1          TEXT NOT NULL DEFAULT '',
    opt2          TEXT NOT NULL DEFAULT '',
    opt3          TEXT NOT NULL DEFAULT '',
    output_format INTEGER NOT NULL DEFAULT 1,
    remote_hash   TEXT NOT NULL DEFAULT '',
    state         TEXT NOT NULL DEFAULT 'Added',
    files         TEXT,
    error         TEXT,
    owner         TEXT NOT NULL DEFAULT '',
    lease_until   INTEGER NOT NULL DEFAULT 0,
    created_at    DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

CREATE TABLE IF NOT EXISTS log (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id     INTEGER NOT NULL REFERENCES jobs(id),
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    action     TEXT NOT NULL,
    comment    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_log_job ON log(job_id);
`

const jobColumns = `id, input_path, source_url, remote_type, output_dir, algorithm_id,
	opt1, opt2, opt3, output_format, remote_hash, state,
	COALESCE(files, ''), COALESCE(error, ''), owner, lease_until, created_at, updated_at`

// leaseColumns are added to databases created before jobs carried a lease.
var leaseColumns = []struct{ name, ddl string }{
	{"owner", `ALTER TABLE jobs ADD COLUMN owner TEXT NOT NULL DEFAULT ''`},
	{"lease_until", `ALTER TABLE jobs ADD COLUMN lease_until INTEGER NOT NULL DEFAULT 0`},
}

// Repository implements domain.JobRepository using SQLite.
type Repository struct {
	db *sql.DB
}

// New creates a new SQLite repository, initializing the schema if needed.
func New(dbPath string) (*Repository, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// WAL lets front-door readers run while the worker writes.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Repository{db: db}, nil
}

func migrate(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('jobs')`)
	if err != nil {
		return err
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range leaseColumns {
		if have[c.name] {
			continue
		}
		if _, err := db.Exec(c.ddl); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Create inserts a new job.
func (r *Repository) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	now := time.Now()
	state := job.State
	if state == "" {
		state = domain.StateAdded
	}
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO jobs (input_path, source_url, remote_type, output_dir, algorithm_id,
		 opt1, opt2, opt3, output_format, remote_hash, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.InputPath, job.SourceURL, job.RemoteType, job.OutputDir, job.AlgorithmID,
		job.Options[0], job.Options[1], job.Options[2], job.OutputFormat, job.RemoteHash,
		state, now, now,
	)
	if err != nil {
		return nil, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	created := *job
	created.ID = id
	created.State = state
	created.CreatedAt = now
	created.UpdatedAt = now
	return &created, nil
}

// Get retrieves a job by ID.
func (r *Repository) Get(ctx context.Context, id int64) (*domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id,
	)
	return scanJob(row)
}

// List returns every job, most recent first.
func (r *Repository) List(ctx context.Context) ([]domain.Job, error) {
	return r.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id DESC`)
}

// FindOpen returns every non-terminal job, most recent first.
func (r *Repository) FindOpen(ctx context.Context) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state NOT IN (?, ?) ORDER BY id DESC`,
		domain.StateComplete, domain.StateFailed,
	)
}

// FindInFlight returns jobs interrupted in the middle of a submit or download.
func (r *Repository) FindInFlight(ctx context.Context) ([]domain.Job, error) {
	return r.query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state IN (?, ?) ORDER BY id DESC`,
		domain.StateSubmitting, domain.StateDownloading,
	)
}

func (r *Repository) query(ctx context.Context, q string, args ...any) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// Claim leases the job to owner for ttl. A lease can be taken when the job
// is unowned, already held by owner, or the previous lease has expired.
func (r *Repository) Claim(ctx context.Context, id int64, owner string, ttl time.Duration) error {
	now := time.Now()
	result, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET owner = ?, lease_until = ?
		 WHERE id = ? AND (owner = '' OR owner = ? OR lease_until < ?)`,
		owner, now.Add(ttl).UnixMilli(), id, owner, now.UnixMilli(),
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var n int
		if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrJobNotFound
		}
		return domain.ErrNotOwner
	}
	return nil
}

// Transition atomically moves a job from t.From to t.To and appends the
// matching log entry. It fails with domain.ErrStaleState if the job is no
// longer in t.From, and with domain.ErrNotOwner if t.Owner is set and the
// job is leased to someone else.
func (r *Repository) Transition(ctx context.Context, id int64, t domain.Transition) error {
	var files any
	if t.Files != nil {
		data, err := json.Marshal(t.Files)
		if err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		files = string(data)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now()
	result, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?,
		   remote_hash = CASE WHEN ? = '' THEN remote_hash ELSE ? END,
		   files = COALESCE(?, files),
		   error = CASE WHEN ? = '' THEN error ELSE ? END,
		   updated_at = ?
		 WHERE id = ? AND state = ? AND (? = '' OR owner = ?)`,
		string(t.To), t.RemoteHash, t.RemoteHash, files, t.Error, t.Error, now,
		id, string(t.From), t.Owner, t.Owner,
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var state, owner string
		err := tx.QueryRowContext(ctx, `SELECT state, owner FROM jobs WHERE id = ?`, id).Scan(&state, &owner)
		if err == sql.ErrNoRows {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return err
		}
		if state != string(t.From) {
			return domain.ErrStaleState
		}
		return domain.ErrNotOwner
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO log (job_id, created_at, action, comment) VALUES (?, ?, ?, ?)`,
		id, now, domain.TransitionAction(t.From, t.To), t.Comment,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendLog records a log entry without touching the job row.
func (r *Repository) AppendLog(ctx context.Context, id int64, action, comment string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO log (job_id, created_at, action, comment) VALUES (?, ?, ?, ?)`,
		id, time.Now(), action, comment,
	)
	return err
}

// Logs returns the log entries of a job, oldest first.
func (r *Repository) Logs(ctx context.Context, id int64) ([]domain.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, job_id, created_at, action, comment FROM log WHERE job_id = ? ORDER BY id ASC`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.JobID, &e.Timestamp, &e.Action, &e.Comment); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var state, files string
	var leaseUntil int64
	err := row.Scan(&job.ID, &job.InputPath, &job.SourceURL, &job.RemoteType, &job.OutputDir,
		&job.AlgorithmID, &job.Options[0], &job.Options[1], &job.Options[2], &job.OutputFormat,
		&job.RemoteHash, &state, &files, &job.Error, &job.Owner, &leaseUntil,
		&job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	job.State = domain.JobState(state)
	if leaseUntil > 0 {
		job.LeaseUntil = time.UnixMilli(leaseUntil)
	}
	if files != "" {
		if err := json.Unmarshal([]byte(files), &job.Files); err != nil {
			return nil, fmt.Errorf("job %d: decode manifest: %w", job.ID, err)
		}
	}
	return &job, nil
}
