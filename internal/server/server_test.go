package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/threads-autopost/internal/activity"
	"github.com/jonathan/threads-autopost/internal/automation"
	"github.com/jonathan/threads-autopost/internal/buffer"
	"github.com/jonathan/threads-autopost/internal/collection"
	"github.com/jonathan/threads-autopost/internal/db"
	"github.com/jonathan/threads-autopost/internal/generation"
	"github.com/jonathan/threads-autopost/internal/ingestion"
	"github.com/jonathan/threads-autopost/internal/scheduling"
	"github.com/jonathan/threads-autopost/internal/server/ratelimit"
	"github.com/jonathan/threads-autopost/internal/types"
)

var noon = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeAutomation struct {
	mu      sync.Mutex
	running bool
}

func (f *fakeAutomation) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return automation.ErrAlreadyRunning
	}
	f.running = true
	return nil
}

func (f *fakeAutomation) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return automation.ErrNotRunning
	}
	f.running = false
	return nil
}

func (f *fakeAutomation) Status(context.Context) (types.AutomationStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.AutomationStatus{IsRunning: f.running}, nil
}

type testEnv struct {
	server   *Server
	store    *db.SQLiteStore
	activity *activity.Logger
	watchDir string
}

func newTestEnv(t *testing.T, limits *ratelimit.Config) *testEnv {
	t.Helper()
	return buildTestEnv(t, limits, false)
}

// newControllerEnv wires a real automation controller instead of the fake.
func newControllerEnv(t *testing.T) *testEnv {
	t.Helper()
	return buildTestEnv(t, nil, true)
}

func buildTestEnv(t *testing.T, limits *ratelimit.Config, realAutomation bool) *testEnv {
	t.Helper()
	root := t.TempDir()
	store, err := db.OpenSQLite(context.Background(), filepath.Join(root, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := func() time.Time { return noon }
	watchDir := filepath.Join(root, "inbox")
	hub := activity.NewHub()
	logger := activity.New(store, hub, nil)
	state := automation.NewState()
	generator := generation.NewTemplateGenerator()
	scheduler := buffer.NewMockScheduler()
	scheduler.Now = now

	pipeline := ingestion.New(store, generator, ingestion.Options{
		WatchDir:     watchDir,
		PostInterval: time.Hour,
		Recorder:     state,
		Activity:     logger,
		Now:          now,
	})
	loop := scheduling.New(store, scheduler, state, scheduling.Options{
		StartHour:  9,
		EndHour:    21,
		DailyLimit: 10,
		Activity:   logger,
		Now:        now,
	})
	trigger := collection.New(&collection.SimulatedSource{Now: now}, collection.Options{
		WatchDir: watchDir,
		Activity: logger,
		Now:      now,
	})

	var auto Automation = &fakeAutomation{}
	if realAutomation {
		controller := automation.New(automation.Options{
			Store:          store,
			Pipeline:       pipeline,
			Loop:           loop,
			Trigger:        trigger,
			State:          state,
			Activity:       logger,
			ScheduleTick:   time.Hour,
			WatchStability: 20 * time.Millisecond,
			Now:            now,
		})
		t.Cleanup(func() { _ = controller.Close() })
		auto = controller
	}

	if limits == nil {
		limits = &ratelimit.Config{Enabled: false}
	}
	s := New(Config{Port: 0, RateLimit: limits, Now: now}, Deps{
		Store:      store,
		Automation: auto,
		Dispatcher: loop,
		Uploader:   pipeline,
		Generator:  generator,
		Collector:  trigger,
		Hub:        hub,
		Activity:   logger,
	})
	t.Cleanup(s.rateLimiter.Stop)

	return &testEnv{server: s, store: store, activity: logger, watchDir: watchDir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.do(t, http.MethodOptions, "/api/posts", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestPosts_CRUD(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/posts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"posts":[],"count":0}`, w.Body.String())

	w = env.do(t, http.MethodPost, "/api/posts", map[string]any{
		"text":      "手書きの投稿",
		"genre":     "manual",
		"imageUrls": []string{"https://example.com/a.jpg"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[types.Post](t, w)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, types.StatusPending, created.Status)
	assert.Equal(t, types.SourceManual, created.ConceptSource)
	assert.True(t, created.ScheduledTime.Equal(noon))

	w = env.do(t, http.MethodGet, "/api/posts/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "手書きの投稿", decode[types.Post](t, w).Text)

	w = env.do(t, http.MethodPut, "/api/posts/"+created.ID, map[string]any{"text": "編集済み"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decode[types.Post](t, w)
	assert.Equal(t, "編集済み", updated.Text)
	assert.Equal(t, []string{"https://example.com/a.jpg"}, updated.ImageURLs, "omitted fields are untouched")

	w = env.do(t, http.MethodGet, "/api/posts?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])

	w = env.do(t, http.MethodDelete, "/api/posts/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodGet, "/api/posts/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestCreatePost_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"missing text", map[string]any{"genre": "x"}, "text"},
		{"text too long", map[string]any{"text": strings.Repeat("あ", 501)}, "text"},
		{"bad image url", map[string]any{"text": "ok", "imageUrls": []string{"not a url"}}, "imageUrls[0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/posts", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decode[map[string]string](t, w)["error"], tt.field)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/posts", strings.NewReader("{broken"))
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid JSON body")
}

func TestListPosts_BadQuery(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodGet, "/api/posts?status=sent", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/posts?limit=-3", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatchPost(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/posts", map[string]any{"text": "送信する投稿"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[types.Post](t, w).ID

	w = env.do(t, http.MethodPost, "/api/posts/"+id+"/dispatch", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	post := decode[types.Post](t, w)
	assert.Equal(t, types.StatusScheduled, post.Status)
	assert.Contains(t, post.RemoteID, "mock_")

	w = env.do(t, http.MethodPost, "/api/posts/"+id+"/dispatch", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/posts/missing/dispatch", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Requeue makes it dispatchable again
	w = env.do(t, http.MethodPut, "/api/posts/"+id, map[string]any{"requeue": true})
	require.Equal(t, http.StatusOK, w.Code)
	requeued := decode[types.Post](t, w)
	assert.Equal(t, types.StatusPending, requeued.Status)
	assert.Empty(t, requeued.RemoteID)
}

func TestAutomation_StartStop(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/automation/stop", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodPost, "/api/automation/start", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[types.AutomationStatus](t, w).IsRunning)

	w = env.do(t, http.MethodPost, "/api/automation/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodGet, "/api/automation/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[types.AutomationStatus](t, w).IsRunning)

	w = env.do(t, http.MethodPost, "/api/automation/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[types.AutomationStatus](t, w).IsRunning)
}

func TestAutomationStart_OutlivesCancelledRequest(t *testing.T) {
	env := newControllerEnv(t)
	require.NoError(t, os.MkdirAll(env.watchDir, 0755))
	backlog := filepath.Join(env.watchDir, "backlog.csv")
	require.NoError(t, os.WriteFile(backlog, []byte("投稿文,いいね数\n一つ目,10\n二つ目,200\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/automation/start", nil).WithContext(ctx)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[types.AutomationStatus](t, w).IsRunning)

	posts, err := env.store.ListPosts(context.Background(), db.PostFilter{})
	require.NoError(t, err)
	assert.Len(t, posts, 2)
	assert.NoFileExists(t, backlog)

	archived, err := os.ReadDir(filepath.Join(env.watchDir, "processed"))
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestListLogs_FiltersByAction(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	env.activity.Record(ctx, types.ActionScrapingStarted, types.LogInfo, "started", nil)
	env.activity.Record(ctx, types.ActionScrapingCompleted, types.LogSuccess, "done", nil)
	env.activity.Record(ctx, types.ActionDailyReset, types.LogInfo, "reset", nil)

	w := env.do(t, http.MethodGet, "/api/automation/logs?action=scraping", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Logs  []types.LogEntry `json:"logs"`
		Count int              `json:"count"`
	}](t, w)
	require.Equal(t, 2, body.Count)
	assert.Equal(t, types.ActionScrapingCompleted, body.Logs[0].Action, "newest first")

	w = env.do(t, http.MethodGet, "/api/automation/logs?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])
}

func multipartUpload(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/csv/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadCSV_Multipart(t *testing.T) {
	env := newTestEnv(t, nil)
	csv := "投稿文,画像URL,いいね数,ジャンル\n一つ目,,10,game\n二つ目,,300,game\n"

	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, multipartUpload(t, "trend.csv", csv))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := decode[ingestion.Result](t, w)
	assert.Equal(t, 2, result.SavedCount)
	assert.Contains(t, result.Filename, "_trend.csv")

	posts, err := env.store.ListPosts(context.Background(), db.PostFilter{})
	require.NoError(t, err)
	require.Len(t, posts, 2)
	assert.Equal(t, types.SourceCSVUpload, posts[0].ConceptSource)

	files, err := env.store.ListProcessedFiles(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, files, 1)

	w = env.do(t, http.MethodGet, "/api/processed-files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode[map[string]any](t, w)["count"])
}

func TestUploadCSV_RawBody(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/csv/upload?filename=raw", strings.NewReader("postText\nhello\n"))
	req.Header.Set("Content-Type", "text/csv")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 1, decode[ingestion.Result](t, w).SavedCount)

	req = httptest.NewRequest(http.MethodPost, "/api/csv/upload", strings.NewReader("postText\nhello\n"))
	req.Header.Set("Content-Type", "text/csv")
	w = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "filename")
}

func TestUploadCSV_UnusableHeader(t *testing.T) {
	env := newTestEnv(t, nil)

	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, multipartUpload(t, "bad.csv", "foo,bar\n1,2\n"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	failed, err := os.ReadDir(filepath.Join(env.watchDir, ingestion.FailedDir))
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestGenerate(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/ai/generate", map[string]any{"text": "今日のゲーム"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[generation.Result](t, w)
	assert.NotEmpty(t, result.ImprovedText)

	w = env.do(t, http.MethodPost, "/api/ai/generate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunScraping(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(t, http.MethodPost, "/api/scraping/run", map[string]any{
		"targets": []map[string]any{{"source": "threads", "keywords": []string{"ゲーム"}, "limit": 5}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[collection.Result](t, w)
	require.Len(t, result.Targets, 1)
	assert.Equal(t, 5, result.TotalCollected)
	assert.FileExists(t, result.Targets[0].File)

	w = env.do(t, http.MethodPost, "/api/scraping/run", map[string]any{
		"targets": []map[string]any{{"keywords": []string{"x"}}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "source")
}

func TestRunScraping_EmptyBodyUsesConfiguredTargets(t *testing.T) {
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/scraping/run", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[collection.Result](t, w).Targets, len(collection.DefaultTargets()))
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, &ratelimit.Config{
		Enabled:        true,
		Limit:          60,
		Window:         time.Minute,
		Burst:          2,
		ExemptPrefixes: []string{"/api/health"},
	})

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodGet, "/api/posts", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "60", w.Header().Get("X-RateLimit-Limit"))
	}

	w := env.do(t, http.MethodGet, "/api/posts", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limit_exceeded", decode[map[string]any](t, w)["error"])

	w = env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code, "exempt paths are never limited")
}

func TestEvents_StreamsLogEntries(t *testing.T) {
	env := newTestEnv(t, nil)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/automation/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first eventMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first.Type)
	require.NotNil(t, first.Status)

	env.activity.Record(context.Background(), types.ActionCSVProcessed, types.LogSuccess, "processed", nil)

	var next eventMessage
	require.NoError(t, conn.ReadJSON(&next))
	assert.Equal(t, "log", next.Type)
	require.NotNil(t, next.Entry)
	assert.Equal(t, types.ActionCSVProcessed, next.Entry.Action)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ErrValidation{Field: "text", Message: "is required"}, http.StatusBadRequest},
		{db.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("load: %w", db.ErrNotFound), http.StatusNotFound},
		{db.ErrNotPending, http.StatusConflict},
		{automation.ErrAlreadyRunning, http.StatusConflict},
		{automation.ErrNotRunning, http.StatusConflict},
		{&ingestion.FileError{Filename: "a.csv", Cause: errors.New("bad")}, http.StatusUnprocessableEntity},
		{&scheduling.DispatchError{PostID: "p", Cause: &buffer.Error{Kind: buffer.KindAuth}}, http.StatusBadGateway},
		{&generation.APICallError{Message: "boom"}, http.StatusBadGateway},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
