package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/cwygoda/sepq/internal/domain"
)

// Catalog is the algorithm list served by GET /algorithms.
type Catalog interface {
	Get(ctx context.Context) (*domain.Catalog, error)
	Invalidate()
}

// Server is the HTTP front door for enqueueing and inspecting jobs.
type Server struct {
	svc     *domain.JobService
	catalog Catalog
	mux     *http.ServeMux
	server  *http.Server
	secret  string
}

// NewServer creates a new HTTP server. An empty secret disables request
// signing on POST /jobs.
func NewServer(svc *domain.JobService, catalog Catalog, addr string, secret string) *Server {
	s := &Server{
		svc:     svc,
		catalog: catalog,
		mux:     http.NewServeMux(),
		secret:  secret,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /jobs", s.handleEnqueue)
	s.mux.HandleFunc("GET /jobs", s.handleListJobs)
	s.mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /jobs/{id}/log", s.handleLog)
	s.mux.HandleFunc("GET /algorithms", s.handleAlgorithms)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// enqueueRequest is the request body for POST /jobs.
type enqueueRequest struct {
	InputPath    string    `json:"input_path"`
	SourceURL    string    `json:"url"`
	RemoteType   string    `json:"remote_type"`
	OutputDir    string    `json:"output_dir"`
	AlgorithmID  *int      `json:"algorithm_id"`
	Options      [3]string `json:"options"`
	OutputFormat int       `json:"output_format"`
}

// jobResponse is the JSON response for job endpoints.
type jobResponse struct {
	ID           int64         `json:"id"`
	InputPath    string        `json:"input_path,omitempty"`
	SourceURL    string        `json:"url,omitempty"`
	OutputDir    string        `json:"output_dir"`
	AlgorithmID  int           `json:"algorithm_id"`
	Options      [3]string     `json:"options"`
	OutputFormat int           `json:"output_format"`
	RemoteHash   string        `json:"remote_hash,omitempty"`
	State        string        `json:"state"`
	Files        []domain.File `json:"files,omitempty"`
	Error        string        `json:"error,omitempty"`
	CreatedAt    string        `json:"created_at"`
	UpdatedAt    string        `json:"updated_at"`
}

type logResponse struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Comment   string `json:"comment,omitempty"`
}

// algorithmResponse is one entry of GET /algorithms.
type algorithmResponse struct {
	ID           int                   `json:"id"`
	Name         string                `json:"name"`
	GroupID      int                   `json:"group_id"`
	Fields       []fieldResponse       `json:"fields"`
	Descriptions []descriptionResponse `json:"descriptions"`
}

type fieldResponse struct {
	Name    string           `json:"name"`
	Text    string           `json:"text"`
	Choices []choiceResponse `json:"choices"`
}

type choiceResponse struct {
	Key   string `json:"key"`
	Label string `json:"label"`
}

type descriptionResponse struct {
	Short string `json:"short_description"`
	Lang  string `json:"lang"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	if s.secret != "" {
		if err := s.verifySignature(r, body); err != nil {
			log.Printf("enqueue verification failed: %v", err)
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
	}

	var req enqueueRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AlgorithmID == nil {
		s.writeError(w, http.StatusBadRequest, (&domain.ValidationError{Kind: domain.MissingRequiredField, Field: "algorithm_id"}).Error())
		return
	}

	job, err := s.svc.Enqueue(r.Context(), domain.EnqueueRequest{
		InputPath:    req.InputPath,
		SourceURL:    req.SourceURL,
		RemoteType:   req.RemoteType,
		OutputDir:    req.OutputDir,
		AlgorithmID:  *req.AlgorithmID,
		Options:      req.Options,
		OutputFormat: req.OutputFormat,
	})
	if err != nil {
		if domain.IsValidation(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("enqueue error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	log.Printf("job %d: enqueued %s", job.ID, job.Source())
	s.writeJSON(w, http.StatusCreated, jobToResponse(job))
}

const maxTimestampSkew = 5 * time.Minute

// verifySignature checks X-Signature = hex(SHA256("${timestamp}\n${body}\n${secret}")).
func (s *Server) verifySignature(r *http.Request, body []byte) error {
	timestamp := r.Header.Get("X-Timestamp")
	if timestamp == "" {
		return fmt.Errorf("missing X-Timestamp header")
	}

	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fmt.Errorf("invalid X-Timestamp: must be ISO8601/RFC3339 format")
	}

	skew := time.Since(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxTimestampSkew {
		return fmt.Errorf("X-Timestamp too far from current time (skew: %v, max: %v)", skew.Truncate(time.Second), maxTimestampSkew)
	}

	signature := r.Header.Get("X-Signature")
	if signature == "" {
		return fmt.Errorf("missing X-Signature header")
	}
	if signature != Sign(timestamp, body, s.secret) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Sign computes the X-Signature value for a request body.
func Sign(timestamp string, body []byte, secret string) string {
	hash := sha256.Sum256([]byte(timestamp + "\n" + string(body) + "\n" + secret))
	return hex.EncodeToString(hash[:])
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.List(r.Context())
	if err != nil {
		log.Printf("list jobs error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, jobToResponse(&jobs[i]))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}

	job, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, "get job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	id, ok := s.jobID(w, r)
	if !ok {
		return
	}

	entries, err := s.svc.TailLog(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, "tail log", err)
		return
	}

	resp := make([]logResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, logResponse{
			ID:        e.ID,
			Timestamp: e.Timestamp.UTC().Format(time.RFC3339),
			Action:    e.Action,
			Comment:   e.Comment,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("refresh") == "1" {
		s.catalog.Invalidate()
	}

	catalog, err := s.catalog.Get(r.Context())
	if err != nil {
		log.Printf("algorithms error: %v", err)
		s.writeError(w, http.StatusBadGateway, "algorithm catalog unavailable")
		return
	}
	resp := make([]algorithmResponse, 0, len(catalog.Algorithms))
	for _, a := range catalog.Algorithms {
		resp = append(resp, algorithmToResponse(a))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) jobID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid job ID")
		return 0, false
	}
	return id, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, domain.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	log.Printf("%s error: %v", op, err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func jobToResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:           job.ID,
		InputPath:    job.InputPath,
		SourceURL:    job.SourceURL,
		OutputDir:    job.OutputDir,
		AlgorithmID:  job.AlgorithmID,
		Options:      job.Options,
		OutputFormat: job.OutputFormat,
		RemoteHash:   job.RemoteHash,
		State:        string(job.State),
		Files:        job.Files,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func algorithmToResponse(a domain.Algorithm) algorithmResponse {
	resp := algorithmResponse{
		ID:           a.ID,
		Name:         a.Name,
		GroupID:      a.GroupID,
		Fields:       make([]fieldResponse, 0, len(a.Fields)),
		Descriptions: make([]descriptionResponse, 0, len(a.Descriptions)),
	}
	for _, f := range a.Fields {
		fr := fieldResponse{Name: f.Name, Text: f.Text, Choices: make([]choiceResponse, 0, len(f.Choices))}
		for _, c := range f.Choices {
			fr.Choices = append(fr.Choices, choiceResponse{Key: c.Key, Label: c.Label})
		}
		resp.Fields = append(resp.Fields, fr)
	}
	for _, d := range a.Descriptions {
		resp.Descriptions = append(resp.Descriptions, descriptionResponse{Short: d.Short, Lang: d.Lang})
	}
	return resp
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}
