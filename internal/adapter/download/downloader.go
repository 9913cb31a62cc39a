// Package download fetches separated stems into the job's output directory.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// ErrorKind classifies a download Error.
type ErrorKind int

const (
	// KindHTTPStatus means the server answered with a non-2xx status.
	KindHTTPStatus ErrorKind = iota + 1
	// KindIOFailure means the request or the local write failed.
	KindIOFailure
)

// Error describes a failed Fetch.
type Error struct {
	Kind       ErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("download %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("download %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrEmptyFilename is returned when the target name has no usable base.
var ErrEmptyFilename = errors.New("empty filename")

// Downloader implements domain.Downloader with plain HTTP GETs. It does not
// retry; the orchestrator decides what a failed file means for the job.
type Downloader struct {
	client *http.Client
}

// New creates a Downloader. A nil client means http.DefaultClient.
func New(client *http.Client) *Downloader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{client: client}
}

// Fetch streams url to destDir/filename and returns the bytes written. The
// file is written under a temporary name and renamed into place, so an
// existing file is only replaced by a complete download.
func (d *Downloader) Fetch(ctx context.Context, url, destDir, filename string) (int64, error) {
	name := filepath.Base(filepath.Clean("/" + filename))
	if name == "/" || name == "." {
		return 0, &Error{Kind: KindIOFailure, URL: url, Err: ErrEmptyFilename}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &Error{Kind: KindIOFailure, URL: url, Err: err}
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return 0, &Error{Kind: KindIOFailure, URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return 0, &Error{Kind: KindHTTPStatus, URL: url, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, &Error{Kind: KindIOFailure, URL: url, Err: fmt.Errorf("create output dir: %w", err)}
	}

	n, err := writeAtomic(filepath.Join(destDir, name), resp.Body)
	if err != nil {
		return n, &Error{Kind: KindIOFailure, URL: url, Err: err}
	}
	log.Printf("download: %s (%s)", name, humanize.Bytes(uint64(n)))
	return n, nil
}

func writeAtomic(dst string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return n, fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return n, fmt.Errorf("move into place: %w", err)
	}
	return n, nil
}
