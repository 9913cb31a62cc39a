package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// maxBodySize caps how much of an API response is buffered.
const maxBodySize = 32 << 20

// Config holds the timeout and retry policy of a Client.
type Config struct {
	// ConnectTimeout bounds dialing and the TLS handshake.
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers once the request is
	// written. The remote does heavy work, so this is minutes-scale.
	ReadTimeout time.Duration

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// RetryInterval is the sleep between retries when the server gives no
	// Retry-After.
	RetryInterval time.Duration

	// JitterFraction lengthens RetryInterval by up to this fraction.
	JitterFraction float64

	UserAgent string
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Minute,
		ReadTimeout:    20 * time.Minute,
		MaxRetries:     30,
		RetryInterval:  20 * time.Second,
		JitterFraction: 0.1,
		UserAgent:      "sepq/0.1",
	}
}

// Attachment is a local file sent as a multipart form part.
type Attachment struct {
	Field string
	Path  string
}

// Request describes one logical API call. It is re-encoded on every attempt.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	Form   url.Values
	File   *Attachment
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) { c.sleep = fn }
}

// Client sends requests with timeouts and the retry policy applied.
type Client struct {
	http  *http.Client
	cfg   Config
	sleep SleepFunc
}

// New creates a Client for cfg.
func New(cfg Config, opts ...Option) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.ReadTimeout,
			},
		},
		cfg:   cfg,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send issues req, retrying per the policy:
//   - 429 sleeps Retry-After (or the interval) and retries
//   - 400 and 5xx sleep the interval and retry
//   - any other 4xx fails immediately
//   - network errors and timeouts sleep the interval and retry
//
// Once retries are exhausted the last failure is returned as *Error.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	attempts := c.cfg.MaxRetries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := c.do(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var le *localError
			if errors.As(err, &le) {
				return nil, le.err
			}
			lastErr = &Error{Kind: classify(err), Attempts: attempt, Err: err}
			if attempt == attempts {
				break
			}
			wait := c.interval()
			log.Printf("transport: %s %s: %v, retrying in %s (%d/%d)", req.Method, req.URL, err, wait, attempt, c.cfg.MaxRetries)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, err
			}
			continue
		}

		var wait time.Duration
		switch code := resp.StatusCode; {
		case code == http.StatusTooManyRequests:
			wait = retryAfter(resp.Header, c.interval())
		case code == http.StatusBadRequest, code >= 500:
			wait = c.interval()
		case code >= 400:
			return nil, &Error{Kind: KindHTTPStatus, StatusCode: code, Body: resp.Body, Attempts: attempt}
		default:
			return resp, nil
		}

		lastErr = &Error{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, Body: resp.Body, Attempts: attempt}
		if attempt == attempts {
			break
		}
		log.Printf("transport: %s %s: status %d, retrying in %s (%d/%d)", req.Method, req.URL, resp.StatusCode, wait, attempt, c.cfg.MaxRetries)
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	target, err := url.Parse(req.URL)
	if err != nil {
		return nil, &localError{fmt.Errorf("parse url: %w", err)}
	}
	if len(req.Query) > 0 {
		q := target.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader
	var contentType string
	switch {
	case req.File != nil:
		body, contentType, err = multipartBody(req.Form, req.File)
		if err != nil {
			return nil, &localError{err}
		}
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		if rc, ok := body.(io.Closer); ok {
			rc.Close()
		}
		return nil, &localError{fmt.Errorf("build request: %w", err)}
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// multipartBody streams form fields and the attachment through a pipe so
// large audio files are never buffered in memory.
func multipartBody(form url.Values, file *Attachment) (io.Reader, string, error) {
	f, err := os.Open(file.Path)
	if err != nil {
		return nil, "", fmt.Errorf("open attachment: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer f.Close()
		err := func() error {
			for k, vs := range form {
				for _, v := range vs {
					if err := mw.WriteField(k, v); err != nil {
						return err
					}
				}
			}
			part, err := mw.CreateFormFile(file.Field, filepath.Base(file.Path))
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	return pr, mw.FormDataContentType(), nil
}

// localError marks failures that happen before anything is sent; they are
// never retried.
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }

func (c *Client) interval() time.Duration {
	d := c.cfg.RetryInterval
	if c.cfg.JitterFraction > 0 && d > 0 {
		d += time.Duration(float64(d) * c.cfg.JitterFraction * rand.Float64())
	}
	return d
}

// retryAfter reads a Retry-After header in seconds or HTTP-date form.
func retryAfter(h http.Header, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}

func classify(err error) ErrorKind {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindConnectionFailed
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
