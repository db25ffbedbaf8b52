package client

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/videogen/internal/auth"
	"github.com/makeasinger/videogen/internal/config"
	"github.com/stretchr/testify/require"
)

const (
	testAccessKey = "test-access-key"
	testSecretKey = "test-secret-key"
)

// fakeClock advances only when a wait is requested, so every wait
// completes instantly and is recorded.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.sleeps = append(f.sleeps, d)
	ch := make(chan time.Time, 1)
	ch <- f.now
	return ch
}

func (f *fakeClock) Sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.sleeps...)
}

type stubResponse struct {
	status int
	body   string
}

func okEnvelope(data string) stubResponse {
	return stubResponse{status: http.StatusOK, body: `{"code":0,"message":"SUCCEED","request_id":"req-1","data":` + data + `}`}
}

func taskCreated(id string) stubResponse {
	return okEnvelope(`{"task_id":"` + id + `","task_status":"submitted"}`)
}

func taskStatus(id, status string) stubResponse {
	return okEnvelope(`{"task_id":"` + id + `","task_status":"` + status + `"}`)
}

func taskSucceeded(id string, urls ...string) stubResponse {
	videos := make([]string, 0, len(urls))
	for i, u := range urls {
		videos = append(videos, `{"id":"v`+string(rune('0'+i))+`","url":"`+u+`","duration":"5.1"}`)
	}
	return okEnvelope(`{"task_id":"` + id + `","task_status":"succeed","task_result":{"videos":[` + strings.Join(videos, ",") + `]}}`)
}

func taskFailed(id, msg string) stubResponse {
	return okEnvelope(`{"task_id":"` + id + `","task_status":"failed","task_status_msg":"` + msg + `"}`)
}

func serverError(msg string) stubResponse {
	return stubResponse{status: http.StatusInternalServerError, body: `{"code":5000,"message":"` + msg + `","request_id":"req-err"}`}
}

// stubKling imitates the remote API. It verifies every bearer credential
// against its own clock and replays scripted responses in order; the last
// response of each list repeats once the script runs out.
type stubKling struct {
	t      *testing.T
	secret string
	now    func() time.Time

	mu              sync.Mutex
	submitResponses []stubResponse
	statusResponses []stubResponse
	submitCalls     int
	statusCalls     int
	submitTokens    []string
	submitPaths     []string
	statusPaths     []string
	lastBody        createTaskBody
	statusDelay     time.Duration
}

func newStubKling(t *testing.T, now func() time.Time) (*stubKling, *httptest.Server) {
	t.Helper()
	stub := &stubKling{t: t, secret: testSecretKey, now: now}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *stubKling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if _, err := auth.VerifyCredential(token, s.secret, s.now()); err != nil {
		writeStub(w, stubResponse{status: http.StatusUnauthorized, body: `{"code":1004,"message":"auth failed: ` + err.Error() + `"}`})
		return
	}

	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/v1/videos/"):
		body, _ := io.ReadAll(r.Body)

		s.mu.Lock()
		s.submitCalls++
		s.submitTokens = append(s.submitTokens, token)
		s.submitPaths = append(s.submitPaths, r.URL.Path)
		_ = json.Unmarshal(body, &s.lastBody)
		resp := next(s.submitResponses, s.submitCalls)
		s.mu.Unlock()

		writeStub(w, resp)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/videos/"):
		s.mu.Lock()
		s.statusCalls++
		s.statusPaths = append(s.statusPaths, r.URL.Path)
		resp := next(s.statusResponses, s.statusCalls)
		delay := s.statusDelay
		s.mu.Unlock()

		if delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
		writeStub(w, resp)

	default:
		http.NotFound(w, r)
	}
}

func (s *stubKling) counts() (submits, statuses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCalls, s.statusCalls
}

func next(responses []stubResponse, call int) stubResponse {
	if len(responses) == 0 {
		return stubResponse{status: http.StatusNotImplemented, body: `{"code":1,"message":"no scripted response"}`}
	}
	if call > len(responses) {
		return responses[len(responses)-1]
	}
	return responses[call-1]
}

func writeStub(w http.ResponseWriter, resp stubResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = io.WriteString(w, resp.body)
}

func testConfig(baseURL string) *config.KlingConfig {
	return &config.KlingConfig{
		AccessKey:      testAccessKey,
		SecretKey:      testSecretKey,
		BaseURL:        baseURL + "/v1",
		Model:          "kling-v1",
		Mode:           "std",
		PollInterval:   10 * time.Second,
		MaxWait:        300 * time.Second,
		MaxRetries:     3,
		RequestTimeout: 5 * time.Second,
	}
}

func newTestClient(t *testing.T, cfg *config.KlingConfig, opts ...Option) *KlingClient {
	t.Helper()
	c, err := NewKlingClient(cfg, opts...)
	require.NoError(t, err)
	return c
}

func fixedJitter(v float64) func() float64 {
	return func() float64 { return v }
}
