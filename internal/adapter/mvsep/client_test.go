package mvsep

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwygoda/sepq/internal/adapter/transport"
	"github.com/cwygoda/sepq/internal/domain"
)

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return nil
}

func newTestClient(t *testing.T, h http.HandlerFunc, cfg Config) (*Client, *sleeps) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tcfg := transport.DefaultConfig()
	tcfg.MaxRetries = 3
	tcfg.RetryInterval = time.Second
	tcfg.JitterFraction = 0
	s := &sleeps{}

	cfg.BaseURL = srv.URL
	return New(transport.New(tcfg, transport.WithSleep(s.sleep)), cfg), s
}

func audioFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "song.wav")
	require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0644))
	return path
}

func TestSubmit_UploadsFile(t *testing.T) {
	type upload struct {
		form     map[string]string
		fileName string
	}
	got := make(chan upload, 1)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/separation/create", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		u := upload{form: map[string]string{}}
		for k := range r.MultipartForm.Value {
			u.form[k] = r.FormValue(k)
		}
		f, hdr, err := r.FormFile("audiofile")
		require.NoError(t, err)
		f.Close()
		u.fileName = hdr.Filename
		got <- u
		io.WriteString(w, `{"success":true,"data":{"hash":"abc123"}}`)
	}, Config{APIToken: "tok"})

	job := &domain.Job{
		InputPath:    audioFile(t),
		AlgorithmID:  20,
		Options:      [3]string{"1", "", "3"},
		OutputFormat: domain.FormatFLAC,
	}
	hash, err := c.Submit(context.Background(), job)

	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
	u := <-got
	assert.Equal(t, "song.wav", u.fileName)
	assert.Equal(t, map[string]string{
		"api_token":     "tok",
		"sep_type":      "20",
		"add_opt1":      "1",
		"add_opt3":      "3",
		"output_format": "2",
		"is_demo":       "0",
	}, u.form)
}

func TestSubmit_RemoteURL(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "https://example.com/a.mp3", r.PostForm.Get("url"))
		assert.Equal(t, "direct", r.PostForm.Get("remote_type"))
		assert.Equal(t, "1", r.PostForm.Get("is_demo"))
		io.WriteString(w, `{"success":true,"data":{"hash":"h1"}}`)
	}, Config{APIToken: "tok", Demo: true})

	hash, err := c.Submit(context.Background(), &domain.Job{
		SourceURL: "https://example.com/a.mp3", RemoteType: "direct", AlgorithmID: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, "h1", hash)
}

func TestSubmit_SourceValidationBeforeNetwork(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}, Config{})

	tests := []struct {
		name string
		job  *domain.Job
		kind domain.ValidationKind
	}{
		{"both", &domain.Job{InputPath: "a.wav", SourceURL: "https://x/a.wav"}, domain.BothSourcesSpecified},
		{"neither", &domain.Job{}, domain.NoSourceSpecified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(context.Background(), tt.job)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.kind, ve.Kind)
		})
	}
	assert.EqualValues(t, 0, atomic.LoadInt32(&calls))
}

func TestSubmit_MalformedResponse(t *testing.T) {
	bodies := map[string]string{
		"not success":  `{"success":false,"data":{"message":"bad token"}}`,
		"missing hash": `{"success":true,"data":{}}`,
		"not json":     `<html>oops</html>`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, body)
			}, Config{})

			_, err := c.Submit(context.Background(), &domain.Job{SourceURL: "https://x/a.wav"})

			var ce *ClientError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, KindMalformedResponse, ce.Kind)
			assert.Equal(t, endpointCreate, ce.Endpoint)
		})
	}
}

func TestSubmit_RateLimitedThenAccepted(t *testing.T) {
	var calls int32
	c, s := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `{"success":true,"data":{"hash":"abc123"}}`)
	}, Config{})

	hash, err := c.Submit(context.Background(), &domain.Job{InputPath: audioFile(t), AlgorithmID: 20})

	require.NoError(t, err)
	assert.Equal(t, "abc123", hash)
	require.Len(t, s.d, 1)
	assert.GreaterOrEqual(t, s.d[0], 5*time.Second)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestSubmit_ForbiddenFailsImmediately(t *testing.T) {
	var calls int32
	c, s := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `{"success":false,"data":"invalid api token"}`)
	}, Config{})

	_, err := c.Submit(context.Background(), &domain.Job{InputPath: audioFile(t), AlgorithmID: 20})

	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindRejected, ce.Kind)
	assert.Equal(t, http.StatusForbidden, ce.StatusCode)
	assert.Contains(t, ce.Body, "invalid api token")
	assert.True(t, IsRejected(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	assert.Empty(t, s.d)
}

func TestSubmit_TransportErrorKeepsCause(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, Config{})

	_, err := c.Submit(context.Background(), &domain.Job{SourceURL: "https://x/a.wav"})

	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindRejected, ce.Kind)
	var te *transport.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 4, te.Attempts)
}

func TestPoll_Statuses(t *testing.T) {
	tests := []struct {
		status string
		want   domain.Phase
	}{
		{"waiting", domain.PhaseWaiting},
		{"processing", domain.PhaseProcessing},
		{"distributing", domain.PhaseDistributing},
		{"merging", domain.PhaseMerging},
		{"failed", domain.PhaseFailed},
		{"error", domain.PhaseFailed},
		{"exploded", domain.PhaseUnknown},
		{"", domain.PhaseUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, `{"success":true,"status":"`+tt.status+`","data":{}}`)
			}, Config{})

			st, err := c.Poll(context.Background(), "abc123")

			require.NoError(t, err)
			assert.Equal(t, tt.want, st.Phase)
			assert.Equal(t, tt.status, st.Raw)
			assert.Empty(t, st.Files)
		})
	}
}

func TestPoll_DoneWithManifest(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/separation/get", r.URL.Path)
		assert.Equal(t, "abc123", r.URL.Query().Get("hash"))
		assert.Equal(t, "0", r.URL.Query().Get("mirror"))
		assert.Empty(t, r.URL.Query().Get("api_token"))
		io.WriteString(w, `{"success":true,"status":"done","data":{"files":[
			{"url":"https:\\/\\/cdn\\/x.wav","download":"song_vocals.wav"},
			{"url":"https://cdn/y.wav"},
			"garbage",
			{"url":"https://cdn/z.wav","download":"song_other.wav"}
		]}}`)
	}, Config{APIToken: "tok"})

	st, err := c.Poll(context.Background(), "abc123")

	require.NoError(t, err)
	assert.Equal(t, domain.PhaseDone, st.Phase)
	assert.Equal(t, []domain.File{
		{URL: "https://cdn/x.wav", Filename: "song_vocals.wav"},
		{URL: "https://cdn/y.wav"},
		{},
		{URL: "https://cdn/z.wav", Filename: "song_other.wav"},
	}, st.Files)
}

func TestPoll_MirrorSendsToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("mirror"))
		assert.Equal(t, "tok", r.URL.Query().Get("api_token"))
		io.WriteString(w, `{"success":true,"status":"waiting"}`)
	}, Config{APIToken: "tok", Mirror: 1})

	st, err := c.Poll(context.Background(), "h")

	require.NoError(t, err)
	assert.Equal(t, domain.PhaseWaiting, st.Phase)
}

func TestPoll_MalformedResponse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `nope`)
	}, Config{})

	_, err := c.Poll(context.Background(), "h")

	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindMalformedResponse, ce.Kind)
	assert.Equal(t, endpointGet, ce.Endpoint)
}
