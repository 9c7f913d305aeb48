package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gif-forge/internal/apperr"
	"gif-forge/internal/config"
	"gif-forge/internal/metrics"
	"gif-forge/internal/model"
	"gif-forge/internal/ws"
)

type stubQueue struct {
	mu        sync.Mutex
	jobs      map[string]*model.Job
	status    model.JobStatus
	submitErr error
	failErr   error
	gif       []byte
	refined   model.RefinedPrompt
}

func newStubQueue() *stubQueue {
	return &stubQueue{
		jobs:    map[string]*model.Job{},
		status:  model.JobSucceeded,
		gif:     []byte("GIF89a"),
		refined: model.RefinedPrompt{Prompt: "a cat riding a skateboard", NegativePrompt: "blurry", Title: "Skater Cat"},
	}
}

func (q *stubQueue) setStatus(id string, st model.JobStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[id].Status = st
}

func (q *stubQueue) Submit(_ context.Context, req model.GenerateRequest) (*model.Job, error) {
	if q.submitErr != nil {
		return nil, q.submitErr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job := &model.Job{ID: uuid.NewString(), Status: q.status, Request: req}
	if q.status == model.JobSucceeded {
		refined := q.refined
		job.Refined = &refined
		job.Artifact = &model.Artifact{ID: uuid.NewString(), Title: refined.Title}
	}
	q.jobs[job.ID] = job
	out := *job
	out.Status = model.JobQueued
	return &out, nil
}

func (q *stubQueue) Wait(ctx context.Context, id string) (*model.Job, error) {
	return q.Get(ctx, id)
}

func (q *stubQueue) Get(_ context.Context, id string) (*model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "queue.get", "job not found")
	}
	cp := *job
	return &cp, nil
}

func (q *stubQueue) List(_ context.Context, limit int) ([]model.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, j.Summary())
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *stubQueue) GIF(ctx context.Context, id string) ([]byte, *model.Job, error) {
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	switch job.Status {
	case model.JobFailed:
		return nil, job, q.failErr
	case model.JobSucceeded:
		return q.gif, job, nil
	default:
		return nil, job, apperr.New(apperr.KindNotFound, "queue.gif", "job has not finished")
	}
}

func (q *stubQueue) Result(ctx context.Context, id string) (*model.GenerateResponse, *model.Job, error) {
	gif, job, err := q.GIF(ctx, id)
	if err != nil {
		if job != nil && !job.Status.Finished() {
			return nil, job, nil
		}
		return nil, job, err
	}
	return &model.GenerateResponse{
		ChatGPTPrompt: job.Refined.Prompt,
		GIFName:       job.Refined.Title,
		GIFData:       base64.StdEncoding.EncodeToString(gif),
		MIMEType:      model.GIFMimeType,
		JobID:         job.ID,
	}, job, nil
}

func testConfig() config.Config {
	return config.Config{MaxUploadSizeBytes: 1 << 20}
}

func newServer(t *testing.T, cfg config.Config, q JobQueue) *httptest.Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub()
	go hub.Run(ctx)
	srv := httptest.NewServer(NewRouter(ctx, cfg, q, hub, ws.NewJobHub(), metrics.NewCollector("gifforge")))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

const validBody = `{"text_prompt":"a cat on a skateboard","style_string":"animated"}`

func TestGenerateGIFSync(t *testing.T) {
	srv := newServer(t, testConfig(), newStubQueue())

	resp := postJSON(t, srv.URL+"/api/generate_gif", validBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body := decodeBody(t, resp)
	assert.Equal(t, "a cat riding a skateboard", body["chatgpt-prompt"])
	assert.Equal(t, "Skater Cat", body["gif-name"])
	assert.Equal(t, "image/gif", body["mimetype"])
	assert.NotEmpty(t, body["gif-data"])
}

func TestGenerateGIFErrors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		setup      func(q *stubQueue)
		wantStatus int
		wantCode   string
		wantJobID  bool
	}{
		{name: "wrong method", method: http.MethodGet, wantStatus: http.StatusMethodNotAllowed, wantCode: "method_not_allowed"},
		{name: "malformed json", method: http.MethodPost, body: `{"text_prompt":`, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "empty body", method: http.MethodPost, body: ``, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{
			name: "validation", method: http.MethodPost, body: `{"text_prompt":"x","style_string":"cubist"}`,
			setup: func(q *stubQueue) {
				q.submitErr = apperr.New(apperr.KindInvalidRequest, "request.validate", "style_string must be one of realistic, animated, painting")
			},
			wantStatus: http.StatusBadRequest, wantCode: "invalid_request",
		},
		{
			name: "queue full", method: http.MethodPost, body: validBody,
			setup:      func(q *stubQueue) { q.submitErr = apperr.New(apperr.KindBusy, "queue.submit", "job queue is full") },
			wantStatus: http.StatusTooManyRequests, wantCode: "busy",
		},
		{
			name: "refiner contract violation", method: http.MethodPost, body: validBody,
			setup: func(q *stubQueue) {
				q.status = model.JobFailed
				q.failErr = apperr.New(apperr.KindUpstreamContract, "job.refine", "expected 2 '|' delimiters, found 0")
			},
			wantStatus: http.StatusBadGateway, wantCode: "upstream_contract_violation", wantJobID: true,
		},
		{
			name: "inference failure", method: http.MethodPost, body: validBody,
			setup: func(q *stubQueue) {
				q.status = model.JobFailed
				q.failErr = apperr.New(apperr.KindInference, "job.generate", "CUDA out of memory")
			},
			wantStatus: http.StatusBadGateway, wantCode: "inference_failure", wantJobID: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newStubQueue()
			if tt.setup != nil {
				tt.setup(q)
			}
			srv := newServer(t, testConfig(), q)

			req, err := http.NewRequest(tt.method, srv.URL+"/api/generate_gif", strings.NewReader(tt.body))
			require.NoError(t, err)
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			body := decodeBody(t, resp)
			assert.Equal(t, tt.wantCode, body["code"])
			assert.NotEmpty(t, body["error"])
			if tt.wantJobID {
				assert.NotEmpty(t, body["job_id"])
			}
		})
	}
}

func TestSubmitAndPollJob(t *testing.T) {
	q := newStubQueue()
	q.status = model.JobRunning
	srv := newServer(t, testConfig(), q)

	resp := postJSON(t, srv.URL+"/api/jobs", validBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "/api/jobs/"+id, resp.Header.Get("Location"))

	resp = get(t, srv.URL+"/api/jobs/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "running", decodeBody(t, resp)["status"])

	resp = get(t, srv.URL+"/api/jobs/"+id+"/result")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, id, decodeBody(t, resp)["id"])

	q.mu.Lock()
	refined := q.refined
	q.jobs[id].Refined = &refined
	q.jobs[id].Artifact = &model.Artifact{ID: uuid.NewString(), Title: refined.Title}
	q.mu.Unlock()
	q.setStatus(id, model.JobSucceeded)

	resp = get(t, srv.URL+"/api/jobs/"+id+"/result")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, "Skater Cat", body["gif-name"])
	assert.Equal(t, id, body["job-id"])

	resp = get(t, srv.URL+"/api/jobs?limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	jobs, _ := decodeBody(t, resp)["jobs"].([]interface{})
	assert.Len(t, jobs, 1)
}

func TestJobGIFDownload(t *testing.T) {
	q := newStubQueue()
	srv := newServer(t, testConfig(), q)

	job, err := q.Submit(context.Background(), model.GenerateRequest{TextPrompt: "x", StyleString: "animated"})
	require.NoError(t, err)

	resp := get(t, srv.URL+"/api/jobs/"+job.ID+"/gif")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename=Skater-Cat.gif`, resp.Header.Get("Content-Disposition"))
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, q.gif, b)
}

func TestJobRoutesNotFound(t *testing.T) {
	srv := newServer(t, testConfig(), newStubQueue())

	for _, path := range []string{"/api/jobs/missing", "/api/jobs/missing/result", "/api/jobs/missing/gif", "/api/jobs/x/y/z", "/api/jobs/x/bogus"} {
		resp := get(t, srv.URL+path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.Equal(t, "not_found", decodeBody(t, resp)["code"], path)
	}
}

func TestRateLimitAppliesToPosts(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 1
	srv := newServer(t, cfg, newStubQueue())

	resp := postJSON(t, srv.URL+"/api/jobs", validBody)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/api/jobs", validBody)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "busy", decodeBody(t, resp)["code"])

	resp = get(t, srv.URL+"/api/jobs")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBodyLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxUploadSizeBytes = 16
	srv := newServer(t, cfg, newStubQueue())

	resp := postJSON(t, srv.URL+"/api/jobs", validBody)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["error"], "too large")
}

func TestCORS(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedOrigins = []string{"https://app.example.com"}
	srv := newServer(t, cfg, newStubQueue())

	preflight := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/jobs", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	resp := preflight("https://app.example.com")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	resp = preflight("https://evil.example.com")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	q := newStubQueue()
	srv := newServer(t, testConfig(), q)
	job, err := q.Submit(context.Background(), model.GenerateRequest{TextPrompt: "x", StyleString: "animated"})
	require.NoError(t, err)

	get(t, srv.URL+"/api/jobs/"+job.ID)
	resp := get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `gifforge_http_requests_total{method="GET",path="/api/jobs/:id",status="200"} 1`)
}

func TestHealthz(t *testing.T) {
	srv := newServer(t, testConfig(), newStubQueue())
	resp := get(t, srv.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "ws_clients")
}

func TestJobWebSocketSnapshotAndClose(t *testing.T) {
	q := newStubQueue()
	srv := newServer(t, testConfig(), q)
	job, err := q.Submit(context.Background(), model.GenerateRequest{TextPrompt: "x", StyleString: "animated"})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jobs/" + job.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt model.Event
	require.NoError(t, json.NewDecoder(bytes.NewReader(msg)).Decode(&evt))
	assert.Equal(t, model.EventJobSnapshot, evt.Type)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestJobWebSocketRequiresUpgrade(t *testing.T) {
	srv := newServer(t, testConfig(), newStubQueue())
	resp := get(t, srv.URL+"/api/jobs/abc/ws")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestParseJobRoute(t *testing.T) {
	tests := []struct {
		path       string
		id, action string
		ok         bool
	}{
		{"/api/jobs/abc", "abc", "", true},
		{"/api/jobs/abc/", "abc", "", true},
		{"/api/jobs/abc/result", "abc", "result", true},
		{"/api/jobs/", "", "", false},
		{"/api/jobs/a/b/c", "", "", false},
	}
	for _, tt := range tests {
		id, action, ok := parseJobRoute(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		assert.Equal(t, tt.id, id, tt.path)
		assert.Equal(t, tt.action, action, tt.path)
	}
}

func TestNormalizePath(t *testing.T) {
	id := uuid.NewString()
	assert.Equal(t, "/api/jobs/:id/result", normalizePath("/api/jobs/"+id+"/result"))
	assert.Equal(t, "/api/generate_gif", normalizePath("/api/generate_gif"))
	assert.Equal(t, "/healthz", normalizePath("/healthz"))
	assert.Equal(t, "/api/jobs/:id", normalizePath("/api/jobs/not-a-uuid"))
	assert.Equal(t, "/api/jobs/:id/ws", normalizePath("/api/jobs/"+id+"/ws"))
	assert.Equal(t, "other", normalizePath("/nope"))
	assert.Equal(t, "other", normalizePath("/api/jobs/"+id+"/bogus"))
	assert.Equal(t, "other", normalizePath("/api/jobs/a/b/c"))
	assert.Equal(t, "other", normalizePath("/"+uuid.NewString()))
}

func TestMetricsPathLabelsStayBounded(t *testing.T) {
	srv := newServer(t, testConfig(), newStubQueue())
	for i := 0; i < 5; i++ {
		resp := get(t, srv.URL+"/random/"+uuid.NewString())
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}

	resp := get(t, srv.URL+"/metrics")
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(b), `gifforge_http_requests_total{method="GET",path="other",status="404"} 5`)
	assert.NotContains(t, string(b), "/random/")
}
