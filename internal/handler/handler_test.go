package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tecnicocursos/render-api/internal/client"
	"github.com/tecnicocursos/render-api/internal/middleware"
	"github.com/tecnicocursos/render-api/internal/model"
	"github.com/tecnicocursos/render-api/internal/progress"
	"github.com/tecnicocursos/render-api/internal/project"
	"github.com/tecnicocursos/render-api/internal/queue"
	"github.com/tecnicocursos/render-api/internal/service"
	"github.com/tecnicocursos/render-api/internal/store"
	ws "github.com/tecnicocursos/render-api/internal/websocket"
	"github.com/tecnicocursos/render-api/pkg/response"
)

const testSecret = "test-secret"

type testAPI struct {
	app     *fiber.App
	auth    *middleware.AuthMiddleware
	jobs    *store.MemoryStore
	storage *client.MemoryStorage
	tokens  map[string]string
}

func newTestAPI(t *testing.T, submitPerHour int) *testAPI {
	t.Helper()
	jobs := store.NewMemoryStore()
	q := queue.NewMemoryQueue()
	projects := project.NewMemoryRepository()
	broker := progress.NewLocalBroker(16)
	svc := service.NewRenderService(jobs, projects, q, q, broker, nil, nil,
		service.RenderConfig{MaxAttempts: 3, MaxTimelineSeconds: 600})

	require.NoError(t, projects.Save(context.Background(), &model.Project{
		ID:      "project-1",
		OwnerID: "alice",
		Timeline: model.Timeline{Slides: []model.Slide{
			{ID: "s1", Order: 1, ImageRef: "slides/1.png", DurationMs: 4000, NarrationText: "hello"},
		}},
	}))

	storage := client.NewMemoryStorage("https://cdn.test")
	authMW := middleware.NewLegacyAuthMiddleware(testSecret)
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler})
	Register(app, Routes{
		Auth:          authMW.Authenticate(),
		Verify:        NewAuthHandler(nil, testSecret),
		Limiter:       middleware.NewRateLimiter(nil),
		SubmitPerHour: submitPerHour,
		Render:        NewRenderHandler(svc, nil),
		Projects:      NewProjectHandler(svc, nil),
		Assets:        NewAssetHandler(service.NewAssetService(storage, projects), nil),
		Hub:           ws.NewHub(svc, nil),
	})

	api := &testAPI{app: app, auth: authMW, jobs: jobs, storage: storage, tokens: map[string]string{}}
	for _, user := range []string{"alice", "bob"} {
		token, err := authMW.GenerateToken(user, user+"@example.com")
		require.NoError(t, err)
		api.tokens[user] = token
	}
	return api
}

func (a *testAPI) do(t *testing.T, user, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+a.tokens[user])
	}
	resp, err := a.app.Test(req, -1)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, data
}

func submitBody(projectID string) map[string]any {
	return map[string]any{
		"projectId": projectID,
		"settings": map[string]any{
			"resolution": "1080p",
			"fps":        30,
			"format":     "mp4",
			"quality":    "high",
			"audio":      map[string]any{"narration": true},
		},
	}
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var er response.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &er))
	return er.Error.Code
}

func submit(t *testing.T, api *testAPI) string {
	t.Helper()
	resp, body := api.do(t, "alice", http.MethodPost, "/api/render-jobs", submitBody("project-1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var out model.RenderSubmitResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.JobID)
	return out.JobID
}

func TestSubmitAndStatus(t *testing.T) {
	api := newTestAPI(t, 10)
	jobID := submit(t, api)

	resp, body := api.do(t, "alice", http.MethodGet, "/api/render-jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job model.RenderJobResponse
	require.NoError(t, json.Unmarshal(body, &job))
	assert.Equal(t, jobID, job.JobID)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Progress)
	assert.Equal(t, 5, job.TotalSteps)
	assert.Equal(t, 1, job.Attempt)
}

func TestAuthRequired(t *testing.T) {
	api := newTestAPI(t, 10)
	resp, body := api.do(t, "", http.MethodGet, "/api/render-jobs/anything", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, response.CodeUnauthorized, errorCode(t, body))
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t, 10)
	jobID := submit(t, api)

	bad := submitBody("project-1")
	bad["settings"].(map[string]any)["fps"] = 17

	tests := []struct {
		name   string
		user   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"invalid settings", "alice", http.MethodPost, "/api/render-jobs", bad, http.StatusBadRequest, response.CodeValidationError},
		{"unknown project", "alice", http.MethodPost, "/api/render-jobs", submitBody("nope"), http.StatusNotFound, response.CodeProjectNotFound},
		{"foreign project", "bob", http.MethodPost, "/api/render-jobs", submitBody("project-1"), http.StatusForbidden, response.CodeForbidden},
		{"unknown job", "alice", http.MethodGet, "/api/render-jobs/missing", nil, http.StatusNotFound, response.CodeNotFound},
		{"foreign job", "bob", http.MethodGet, "/api/render-jobs/" + jobID, nil, http.StatusForbidden, response.CodeForbidden},
		{"foreign cancel", "bob", http.MethodDelete, "/api/render-jobs/" + jobID, nil, http.StatusForbidden, response.CodeForbidden},
		{"list without project", "alice", http.MethodGet, "/api/render-jobs", nil, http.StatusBadRequest, response.CodeValidationError},
		{"list bad status", "alice", http.MethodGet, "/api/render-jobs?projectId=project-1&status=done", nil, http.StatusBadRequest, response.CodeValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := api.do(t, tt.user, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))
			assert.Equal(t, tt.code, errorCode(t, body))
		})
	}

	// Rejected submissions never create jobs
	jobs, err := api.jobs.ListByProject(context.Background(), "project-1", store.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestCancelAndList(t *testing.T) {
	api := newTestAPI(t, 10)
	first := submit(t, api)
	second := submit(t, api)

	resp, body := api.do(t, "alice", http.MethodDelete, "/api/render-jobs/"+first, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cancelled model.RenderCancelResponse
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.True(t, cancelled.OK)
	assert.Equal(t, model.JobStatusCancelled, cancelled.Status)

	// Second cancel is a no-op
	resp, _ = api.do(t, "alice", http.MethodDelete, "/api/render-jobs/"+first, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = api.do(t, "alice", http.MethodGet, "/api/render-jobs?projectId=project-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list model.RenderJobListResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Jobs, 2)

	resp, body = api.do(t, "alice", http.MethodGet, "/api/render-jobs?projectId=project-1&status=queued", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, second, list.Jobs[0].JobID)
}

func TestCancelCompletedJobIsNoOp(t *testing.T) {
	api := newTestAPI(t, 10)
	jobID := submit(t, api)

	_, err := api.jobs.Update(context.Background(), jobID, func(job *model.Job) error {
		now := time.Now()
		if err := job.Claim("w1", now); err != nil {
			return err
		}
		return job.Complete("w1", model.JobOutput{ArtifactRef: "renders/" + jobID + "/output.mp4"}, now)
	})
	require.NoError(t, err)

	resp, body := api.do(t, "alice", http.MethodDelete, "/api/render-jobs/"+jobID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out model.RenderCancelResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.OK)
	assert.Equal(t, model.JobStatusCompleted, out.Status)

	job, err := api.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.NotNil(t, job.Output)
}

func TestSubmitRateLimited(t *testing.T) {
	api := newTestAPI(t, 2)
	submit(t, api)
	submit(t, api)

	resp, body := api.do(t, "alice", http.MethodPost, "/api/render-jobs", submitBody("project-1"))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, response.CodeRateLimited, errorCode(t, body))
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Limits are per user
	resp, _ = api.do(t, "bob", http.MethodPost, "/api/render-jobs", submitBody("project-1"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStats(t *testing.T) {
	api := newTestAPI(t, 10)
	submit(t, api)

	resp, body := api.do(t, "alice", http.MethodGet, "/api/render-jobs/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats model.QueueStatsResponse
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, int64(1), stats.Pending)
}

func TestPutTimeline(t *testing.T) {
	api := newTestAPI(t, 10)
	body := map[string]any{
		"name": "Quarterly review",
		"timeline": map[string]any{
			"slides": []map[string]any{
				{"id": "a", "order": 1, "imageRef": "slides/a.png", "durationMs": 3000},
				{"id": "b", "order": 2, "imageRef": "slides/b.png", "durationMs": 3000},
			},
		},
	}

	resp, data := api.do(t, "bob", http.MethodPut, "/api/projects/project-2/timeline", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var proj model.Project
	require.NoError(t, json.Unmarshal(data, &proj))
	assert.Equal(t, "bob", proj.OwnerID)
	assert.Equal(t, 1, proj.Timeline.Version)
	assert.Len(t, proj.Timeline.Slides, 2)

	resp, _ = api.do(t, "alice", http.MethodPut, "/api/projects/project-2/timeline", body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	api := newTestAPI(t, 10)
	resp, _ := api.do(t, "alice", http.MethodGet, "/ws/render-jobs/abc", nil)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestVerify(t *testing.T) {
	api := newTestAPI(t, 10)

	resp, _ := api.do(t, "alice", http.MethodGet, "/auth/verify", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "alice", resp.Header.Get("X-User-Id"))

	req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := api.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func uploadRequest(t *testing.T, token, path, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="slide.png"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAssetUploadAndDelete(t *testing.T) {
	api := newTestAPI(t, 10)

	resp, err := api.app.Test(uploadRequest(t, api.tokens["alice"], "/api/projects/project-1/assets", "image/png", []byte("png")), -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var asset model.AssetUploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&asset))
	assert.Equal(t, "project-1", asset.ProjectID)
	assert.Equal(t, "https://cdn.test/"+asset.ImageRef, asset.URL)

	_, err = api.storage.Stat(context.Background(), asset.ImageRef)
	require.NoError(t, err)

	resp, err = api.app.Test(uploadRequest(t, api.tokens["alice"], "/api/projects/project-1/assets", "text/plain", []byte("x")), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = api.app.Test(uploadRequest(t, api.tokens["bob"], "/api/projects/project-1/assets", "image/png", []byte("x")), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp2, _ := api.do(t, "alice", http.MethodDelete, "/api/projects/project-1/assets/"+asset.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp2.StatusCode)
	_, err = api.storage.Stat(context.Background(), asset.ImageRef)
	assert.ErrorIs(t, err, client.ErrObjectNotFound)
}
