package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cwygoda/sepq/internal/domain"
)

// mockRepo implements domain.JobRepository for testing.
type mockRepo struct {
	jobs   map[int64]*domain.Job
	logs   map[int64][]domain.LogEntry
	nextID int64
}

func newMockRepo() *mockRepo {
	return &mockRepo{jobs: make(map[int64]*domain.Job), logs: make(map[int64][]domain.LogEntry), nextID: 1}
}

func (m *mockRepo) Create(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	stored := *job
	stored.ID = m.nextID
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	m.jobs[stored.ID] = &stored
	m.nextID++
	return &stored, nil
}

func (m *mockRepo) Get(ctx context.Context, id int64) (*domain.Job, error) {
	job, ok := m.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}

func (m *mockRepo) List(ctx context.Context) ([]domain.Job, error) {
	var out []domain.Job
	for id := m.nextID - 1; id > 0; id-- {
		if j, ok := m.jobs[id]; ok {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (m *mockRepo) AppendLog(ctx context.Context, id int64, action, comment string) error {
	m.logs[id] = append(m.logs[id], domain.LogEntry{
		ID: int64(len(m.logs[id]) + 1), JobID: id, Timestamp: time.Now(), Action: action, Comment: comment,
	})
	return nil
}

func (m *mockRepo) Logs(ctx context.Context, id int64) ([]domain.LogEntry, error) {
	return m.logs[id], nil
}

func (m *mockRepo) FindOpen(ctx context.Context) ([]domain.Job, error)     { return nil, nil }
func (m *mockRepo) FindInFlight(ctx context.Context) ([]domain.Job, error) { return nil, nil }
func (m *mockRepo) Transition(ctx context.Context, id int64, t domain.Transition) error {
	return nil
}
func (m *mockRepo) Claim(ctx context.Context, id int64, owner string, ttl time.Duration) error {
	return nil
}

// mockCatalog implements Catalog for testing.
type mockCatalog struct {
	catalog     *domain.Catalog
	err         error
	invalidated int
}

func (c *mockCatalog) Get(ctx context.Context) (*domain.Catalog, error) { return c.catalog, c.err }
func (c *mockCatalog) Invalidate()                                       { c.invalidated++ }

func setupTestServer() (*Server, *mockRepo, *mockCatalog) {
	repo := newMockRepo()
	svc := domain.NewJobService(repo)
	cat := &mockCatalog{catalog: &domain.Catalog{Algorithms: []domain.Algorithm{{ID: 20, Name: "Demucs4 HT"}}}}
	return NewServer(svc, cat, ":8080", ""), repo, cat
}

func post(srv http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestServer_Enqueue_Success(t *testing.T) {
	srv, repo, _ := setupTestServer()

	rec := post(srv, `{"input_path":"song.wav","output_dir":"/tmp/out","algorithm_id":20,"options":["","",""]}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusCreated, rec.Body)
	}

	var resp jobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.ID == 0 {
		t.Error("expected non-zero job ID")
	}
	if resp.State != string(domain.StateAdded) {
		t.Errorf("state = %q, want %q", resp.State, domain.StateAdded)
	}
	if resp.AlgorithmID != 20 {
		t.Errorf("algorithm_id = %d, want 20", resp.AlgorithmID)
	}
	if len(repo.jobs) != 1 {
		t.Errorf("stored %d jobs, want 1", len(repo.jobs))
	}
}

func TestServer_Enqueue_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"both sources", `{"input_path":"a.wav","url":"https://x/a.wav","output_dir":"/o","algorithm_id":1}`},
		{"no source", `{"output_dir":"/o","algorithm_id":1}`},
		{"missing output dir", `{"input_path":"a.wav","algorithm_id":1}`},
		{"missing algorithm", `{"input_path":"a.wav","output_dir":"/o"}`},
		{"invalid url", `{"url":"not a url","output_dir":"/o","algorithm_id":1}`},
		{"bad format", `{"input_path":"a.wav","output_dir":"/o","algorithm_id":1,"output_format":9}`},
		{"invalid json", `{nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, repo, _ := setupTestServer()

			rec := post(srv, tt.body)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if len(repo.jobs) != 0 {
				t.Errorf("stored %d jobs, want 0", len(repo.jobs))
			}
		})
	}
}

func TestServer_Enqueue_Signature(t *testing.T) {
	repo := newMockRepo()
	srv := NewServer(domain.NewJobService(repo), &mockCatalog{}, ":8080", "s3cret")
	body := []byte(`{"url":"https://example.com/a.mp3","output_dir":"/o","algorithm_id":1}`)
	now := time.Now().UTC().Format(time.RFC3339)
	old := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)

	tests := []struct {
		name      string
		timestamp string
		signature string
		want      int
	}{
		{"valid", now, Sign(now, body, "s3cret"), http.StatusCreated},
		{"missing timestamp", "", Sign(now, body, "s3cret"), http.StatusUnauthorized},
		{"stale timestamp", old, Sign(old, body, "s3cret"), http.StatusUnauthorized},
		{"wrong secret", now, Sign(now, body, "other"), http.StatusUnauthorized},
		{"missing signature", now, "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
			if tt.timestamp != "" {
				req.Header.Set("X-Timestamp", tt.timestamp)
			}
			if tt.signature != "" {
				req.Header.Set("X-Signature", tt.signature)
			}
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestServer_GetJob_Success(t *testing.T) {
	srv, repo, _ := setupTestServer()
	job, _ := repo.Create(context.Background(), &domain.Job{
		InputPath: "song.wav", OutputDir: "/o", AlgorithmID: 20, State: domain.StateQueued, RemoteHash: "abc123",
	})

	req := httptest.NewRequest(http.MethodGet, "/jobs/1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp jobResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.ID != job.ID || resp.RemoteHash != "abc123" || resp.State != "Queued" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestServer_GetJob_NotFound(t *testing.T) {
	srv, _, _ := setupTestServer()

	req := httptest.NewRequest(http.MethodGet, "/jobs/999", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServer_GetJob_InvalidID(t *testing.T) {
	srv, _, _ := setupTestServer()

	req := httptest.NewRequest(http.MethodGet, "/jobs/abc", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestServer_ListJobs(t *testing.T) {
	srv, repo, _ := setupTestServer()
	repo.Create(context.Background(), &domain.Job{InputPath: "a.wav", State: domain.StateAdded})
	repo.Create(context.Background(), &domain.Job{InputPath: "b.wav", State: domain.StateComplete})

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var resp []jobResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(resp) != 2 || resp[0].InputPath != "b.wav" {
		t.Errorf("resp = %+v, want 2 jobs most recent first", resp)
	}
}

func TestServer_ListJobs_Empty(t *testing.T) {
	srv, _, _ := setupTestServer()

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if got := bytes.TrimSpace(rec.Body.Bytes()); string(got) != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestServer_Log(t *testing.T) {
	srv, repo, _ := setupTestServer()
	job, _ := repo.Create(context.Background(), &domain.Job{InputPath: "a.wav"})
	repo.AppendLog(context.Background(), job.ID, "Added -> Submitting", "")
	repo.AppendLog(context.Background(), job.ID, "Submitting -> Queued", "hash abc123")

	req := httptest.NewRequest(http.MethodGet, "/jobs/1/log", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var resp []logResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(resp) != 2 || resp[1].Comment != "hash abc123" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestServer_Log_NotFound(t *testing.T) {
	srv, _, _ := setupTestServer()

	req := httptest.NewRequest(http.MethodGet, "/jobs/7/log", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServer_Algorithms(t *testing.T) {
	srv, _, cat := setupTestServer()
	cat.catalog = &domain.Catalog{Algorithms: []domain.Algorithm{{
		ID:      20,
		Name:    "Demucs4 HT",
		GroupID: 1,
		Fields: []domain.OptionField{{
			Name:    "add_opt1",
			Text:    "Model type",
			Choices: []domain.OptionChoice{{Key: "1", Label: "ht"}},
		}},
		Descriptions: []domain.Description{{Short: "Four stems", Lang: "en"}},
	}}}

	req := httptest.NewRequest(http.MethodGet, "/algorithms?refresh=1", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if cat.invalidated != 1 {
		t.Errorf("invalidated = %d, want 1", cat.invalidated)
	}

	want := `[{"id":20,"name":"Demucs4 HT","group_id":1,` +
		`"fields":[{"name":"add_opt1","text":"Model type","choices":[{"key":"1","label":"ht"}]}],` +
		`"descriptions":[{"short_description":"Four stems","lang":"en"}]}]`
	if got := strings.TrimSpace(rec.Body.String()); got != want {
		t.Errorf("body = %s\nwant  %s", got, want)
	}
}

func TestServer_Algorithms_EmptyLists(t *testing.T) {
	srv, _, _ := setupTestServer()

	req := httptest.NewRequest(http.MethodGet, "/algorithms", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var resp []map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	for _, key := range []string{"id", "name", "group_id", "fields", "descriptions"} {
		if _, ok := resp[0][key]; !ok {
			t.Errorf("missing key %q in %v", key, resp[0])
		}
	}
	if fields, ok := resp[0]["fields"].([]any); !ok || len(fields) != 0 {
		t.Errorf("fields = %v, want empty list", resp[0]["fields"])
	}
}

func TestServer_Algorithms_Unavailable(t *testing.T) {
	srv, _, cat := setupTestServer()
	cat.err = errors.New("mvsep app/algorithms: connection refused")

	req := httptest.NewRequest(http.MethodGet, "/algorithms", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if cat.invalidated != 0 {
		t.Errorf("invalidated = %d, want 0", cat.invalidated)
	}
}

func TestServer_Health(t *testing.T) {
	srv, _, _ := setupTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp map[string]string
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestServer_ContentType(t *testing.T) {
	srv, _, _ := setupTestServer()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
}
