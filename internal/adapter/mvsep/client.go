// Package mvsep is the client for the MVSEP separation API.
package mvsep

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cwygoda/sepq/internal/adapter/transport"
	"github.com/cwygoda/sepq/internal/domain"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://mvsep.com/api"

const (
	endpointCreate     = "separation/create"
	endpointGet        = "separation/get"
	endpointAlgorithms = "app/algorithms"
)

// Sender is the transport the client is built on.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Config holds the account settings sent with every call.
type Config struct {
	BaseURL  string
	APIToken string
	// Mirror selects the download mirror reported by separation/get (0 or 1).
	Mirror int
	// Demo publishes the separation on the site's demo page.
	Demo bool
}

// Client implements domain.RemoteService against the MVSEP API.
type Client struct {
	t   Sender
	cfg Config
}

// New creates a Client.
func New(t Sender, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Client{t: t, cfg: cfg}
}

func (c *Client) endpoint(name string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + name
}

type envelope struct {
	Success bool            `json:"success"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
}

// Submit uploads the job's audio (or hands over its URL) and returns the
// remote hash.
func (c *Client) Submit(ctx context.Context, job *domain.Job) (string, error) {
	if err := domain.ValidateSource(job.InputPath, job.SourceURL); err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("api_token", c.cfg.APIToken)
	form.Set("sep_type", strconv.Itoa(job.AlgorithmID))
	form.Set("output_format", strconv.Itoa(job.OutputFormat))
	form.Set("is_demo", "0")
	if c.cfg.Demo {
		form.Set("is_demo", "1")
	}
	for i, opt := range job.Options {
		if opt != "" {
			form.Set(fmt.Sprintf("add_opt%d", i+1), opt)
		}
	}

	req := transport.Request{Method: http.MethodPost, URL: c.endpoint(endpointCreate), Form: form}
	if job.InputPath != "" {
		req.File = &transport.Attachment{Field: "audiofile", Path: job.InputPath}
	} else {
		form.Set("url", job.SourceURL)
		if job.RemoteType != "" {
			form.Set("remote_type", job.RemoteType)
		}
	}

	resp, err := c.t.Send(ctx, req)
	if err != nil {
		return "", wrapTransport(endpointCreate, err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return "", malformed(endpointCreate, "decode: %w", err)
	}
	if !env.Success {
		return "", malformed(endpointCreate, "success=false: %s", message(env.Data))
	}
	var data struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Hash == "" {
		return "", malformed(endpointCreate, "missing data.hash")
	}
	return data.Hash, nil
}

// Poll fetches the remote status of a submitted job.
func (c *Client) Poll(ctx context.Context, hash string) (domain.RemoteStatus, error) {
	q := url.Values{}
	q.Set("hash", hash)
	q.Set("mirror", strconv.Itoa(c.cfg.Mirror))
	if c.cfg.Mirror == 1 {
		q.Set("api_token", c.cfg.APIToken)
	}

	resp, err := c.t.Send(ctx, transport.Request{Method: http.MethodGet, URL: c.endpoint(endpointGet), Query: q})
	if err != nil {
		return domain.RemoteStatus{}, wrapTransport(endpointGet, err)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return domain.RemoteStatus{}, malformed(endpointGet, "decode: %w", err)
	}

	status := domain.RemoteStatus{Phase: parsePhase(env.Status), Raw: env.Status}
	if status.Phase == domain.PhaseDone {
		status.Files = parseFiles(env.Data)
	}
	return status, nil
}

func parsePhase(s string) domain.Phase {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "waiting":
		return domain.PhaseWaiting
	case "processing":
		return domain.PhaseProcessing
	case "distributing":
		return domain.PhaseDistributing
	case "merging":
		return domain.PhaseMerging
	case "done":
		return domain.PhaseDone
	case "failed", "error":
		return domain.PhaseFailed
	}
	return domain.PhaseUnknown
}

// parseFiles keeps every manifest entry in order. Entries without a url or
// download name come back with empty fields so the caller can log the skip.
func parseFiles(data json.RawMessage) []domain.File {
	var payload struct {
		Files []json.RawMessage `json:"files"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}

	files := make([]domain.File, 0, len(payload.Files))
	for _, raw := range payload.Files {
		var entry map[string]any
		_ = json.Unmarshal(raw, &entry)
		u, _ := entry["url"].(string)
		name, _ := entry["download"].(string)
		files = append(files, domain.File{
			URL:      strings.ReplaceAll(u, `\/`, "/"),
			Filename: name,
		})
	}
	return files
}

// message extracts a human-readable reason from a failed envelope's data.
func message(data json.RawMessage) string {
	var s string
	if json.Unmarshal(data, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(bytes.TrimSpace(data))
}
