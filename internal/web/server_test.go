package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-web/internal/batch"
	"session-web/internal/history"
	"session-web/internal/progress"
	"session-web/internal/web"
	"session-web/internal/ws"
)

// fakeOp принимает сессии с содержимым "ok", остальные отклоняет.
type fakeOp struct{}

func (fakeOp) Label() string { return "validate" }

func (fakeOp) Run(_ context.Context, item batch.Item) (batch.Outcome, error) {
	if string(item.Data) == "ok" {
		return batch.Outcome{Status: "success", Details: "valid", Data: map[string]any{"user_id": 42}}, nil
	}
	return batch.Outcome{}, errors.New("broken session")
}

// blockingOp держит каждый элемент до отмены контекста.
type blockingOp struct{ started chan struct{} }

func (blockingOp) Label() string { return "validate" }

func (o blockingOp) Run(ctx context.Context, _ batch.Item) (batch.Outcome, error) {
	select {
	case o.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return batch.Outcome{}, ctx.Err()
}

type fakeCreds struct{ ids []int }

func (f fakeCreds) Len() int    { return len(f.ids) }
func (f fakeCreds) IDs() []int { return f.ids }

type env struct {
	srv      *httptest.Server
	channels *ws.Registry
	trackers *progress.Registry
	store    *history.Store
}

func newEnv(t *testing.T, creds fakeCreds) *env {
	t.Helper()
	return newEnvWith(t, creds, fakeOp{})
}

func newEnvWith(t *testing.T, creds fakeCreds, op batch.Operation) *env {
	t.Helper()

	channels := ws.NewRegistry(ws.Options{})
	trackers := progress.NewRegistry(channels)
	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	runner := batch.NewRunner(batch.Options{
		Trackers:      trackers,
		RatePerSecond: 1000,
		ItemTimeout:   time.Second,
		Sink:          store,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := web.NewServer("127.0.0.1:0", web.Deps{
		Channels:    channels,
		Protocol:    ws.NewHandler(channels),
		Trackers:    trackers,
		Runner:      runner,
		Validator:   op,
		History:     store,
		Credentials: creds,
		BaseContext: ctx,
		Version:     "test",
	})
	ts := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		cancel()
		runner.Wait()
		channels.Close()
		ts.Close()
		_ = store.Close()
	})
	return &env{srv: ts, channels: channels, trackers: trackers, store: store}
}

func (e *env) getJSON(t *testing.T, path string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (e *env) postJSON(t *testing.T, path, payload string, wantStatus int) map[string]any {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func (e *env) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(e.srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	typ, data, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, typ)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHealth(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeCreds{ids: []int{11, 22}})

	body := e.getJSON(t, "/health", http.StatusOK)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["active_connections"])
	assert.EqualValues(t, 0, body["active_tasks"])

	creds := body["api_credentials"].(map[string]any)
	assert.EqualValues(t, 2, creds["count"])
	assert.Equal(t, true, creds["available"])
	assert.Equal(t, []any{11.0, 22.0}, creds["api_ids"])

	index := e.getJSON(t, "/", http.StatusOK)
	assert.Equal(t, "test", index["version"])
}

func TestWebSocketWelcomeAndPing(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeCreds{ids: []int{1}})

	c := e.dial(t, "/ws/job1")
	welcome := readEvent(t, c)
	assert.Equal(t, "info", welcome["type"])
	assert.Equal(t, "job1", welcome["task_id"])
	assert.Equal(t, ws.WelcomeMessage, welcome["message"])

	ctx := context.Background()
	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readEvent(t, c)["type"])

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`not json`)))
	failure := readEvent(t, c)
	assert.Equal(t, "error", failure["type"])
	assert.Equal(t, "job1", failure["task_id"])

	require.NoError(t, c.Write(ctx, websocket.MessageText, []byte(`{"type":"subscribe","task_id":"job2"}`)))
	sub := readEvent(t, c)
	assert.Equal(t, "Subscribed to task: job2", sub["message"])

	health := e.getJSON(t, "/health", http.StatusOK)
	assert.EqualValues(t, 1, health["active_connections"])
}

func TestStreamDefaultsTask(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeCreds{ids: []int{1}})

	welcome := readEvent(t, e.dial(t, "/stream"))
	assert.Equal(t, ws.DefaultTaskID, welcome["task_id"])

	welcome = readEvent(t, e.dial(t, "/stream?task=abc"))
	assert.Equal(t, "abc", welcome["task_id"])
}

func TestValidateStreamsProgress(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeCreds{ids: []int{1}})

	c := e.dial(t, "/ws/job1")
	readEvent(t, c) // приветствие

	resp := e.postJSON(t, "/api/validate", `{
		"task_id": "job1",
		"sessions": [
			{"name": "a.session", "data": "b2s="},
			{"name": "b.session", "data": "YmFk"},
			{"name": "notes.txt", "data": "b2s="}
		]
	}`, http.StatusAccepted)
	assert.Equal(t, "job1", resp["task_id"])
	assert.EqualValues(t, 3, resp["total"])
	assert.Equal(t, "/ws/job1", resp["ws_url"])

	var (
		kinds   []string
		results int
		errs    []string
		summary map[string]any
	)
	for summary == nil {
		ev := readEvent(t, c)
		assert.Equal(t, "job1", ev["task_id"])
		kind := ev["type"].(string)
		kinds = append(kinds, kind)
		switch kind {
		case "result":
			results++
		case "error":
			errs = append(errs, ev["error"].(map[string]any)["error_type"].(string))
		case "complete":
			summary = ev["summary"].(map[string]any)
		}
	}

	assert.Equal(t, "status", kinds[0])
	assert.Equal(t, 1, results)
	assert.Equal(t, []string{batch.ErrorTypeGeneral, batch.ErrorTypeInvalidSession}, errs)
	assert.EqualValues(t, 3, summary["total_items"])
	assert.EqualValues(t, 3, summary["completed"])
	assert.EqualValues(t, 2, summary["errors"])
	assert.Equal(t, "validate", summary["operation"])

	finished := readEvent(t, c)
	assert.Equal(t, "status", finished["type"])
	assert.Equal(t, batch.StatusFinished, finished["status"])

	// После завершения задача доступна из истории.
	require.Eventually(t, func() bool {
		resp, err := http.Get(e.srv.URL + "/api/tasks/job1")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	task := e.getJSON(t, "/api/tasks/job1", http.StatusOK)
	assert.Equal(t, progress.StateCompleted, task["state"])

	hist := e.getJSON(t, "/api/history?limit=5", http.StatusOK)
	require.Len(t, hist["tasks"], 1)
}

func TestValidateRejectsBadRequests(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeCreds{ids: []int{1}})

	body := e.postJSON(t, "/api/validate", `{"sessions": []}`, http.StatusBadRequest)
	assert.Equal(t, "No session files provided", body["detail"])

	e.postJSON(t, "/api/validate", `{"sessions": `, http.StatusBadRequest)
	e.postJSON(t, "/api/validate", `{"sessions": [{"name": "a.session", "data": "%%%"}]}`, http.StatusBadRequest)

	e.trackers.Create("busy")
	e.postJSON(t, "/api/validate", `{"task_id": "busy", "sessions": [{"name": "a.session", "data": "b2s="}]}`, http.StatusConflict)
}

func TestValidateGeneratesTaskID(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeCreds{ids: []int{1}})

	body := e.postJSON(t, "/api/validate", `{"sessions": [{"name": "a.session", "data": "b2s="}]}`, http.StatusAccepted)
	taskID, _ := body["task_id"].(string)
	assert.Len(t, taskID, 36)
}

func TestValidateWithoutCredentials(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeCreds{})

	body := e.postJSON(t, "/api/validate", `{"sessions": [{"name": "a.session", "data": "b2s="}]}`, http.StatusServiceUnavailable)
	assert.Equal(t, "No API credentials configured", body["detail"])
}

func TestTasksAndHistoryLookups(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeCreds{ids: []int{1}})

	tracker := e.trackers.Create("live")
	tracker.UpdateProgress(1, 4, "validate")

	tasks := e.getJSON(t, "/api/tasks", http.StatusOK)
	require.Len(t, tasks["tasks"], 1)
	live := tasks["tasks"].([]any)[0].(map[string]any)
	assert.Equal(t, "live", live["task_id"])
	assert.Equal(t, progress.StateRunning, live["state"])

	e.getJSON(t, "/api/tasks/missing", http.StatusNotFound)
	e.getJSON(t, "/api/history?limit=x", http.StatusBadRequest)

	hist := e.getJSON(t, "/api/history", http.StatusOK)
	assert.Empty(t, hist["tasks"])
}

func TestValidateBurstKeepsViewer(t *testing.T) {
	t.Parallel()
	e := newEnv(t, fakeCreds{ids: []int{1}})

	c := e.dial(t, "/ws/burst")
	readEvent(t, c) // приветствие

	// Файлы без .session не ждут лимитера: события идут подряд без пауз.
	const n = 300
	sessions := make([]string, 0, n)
	for i := range n {
		sessions = append(sessions, fmt.Sprintf(`{"name": "f%d.txt", "data": "b2s="}`, i))
	}
	e.postJSON(t, "/api/validate",
		`{"task_id": "burst", "sessions": [`+strings.Join(sessions, ",")+`]}`, http.StatusAccepted)

	var (
		errs    int
		summary map[string]any
	)
	for summary == nil {
		ev := readEvent(t, c)
		switch ev["type"] {
		case "error":
			errs++
		case "complete":
			summary = ev["summary"].(map[string]any)
		}
	}
	assert.Equal(t, n, errs)
	assert.EqualValues(t, n, summary["errors"])
	assert.Equal(t, 1, e.channels.Len(), "viewer stays connected through the burst")
}

func TestValidateConcurrentSameTask(t *testing.T) {
	t.Parallel()
	e := newEnvWith(t, fakeCreds{ids: []int{1}}, blockingOp{started: make(chan struct{}, 1)})

	const callers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = make(map[int]int)
	)
	for range callers {
		wg.Go(func() {
			resp, err := http.Post(e.srv.URL+"/api/validate", "application/json",
				strings.NewReader(`{"task_id": "same", "sessions": [{"name": "a.session", "data": "b2s="}]}`))
			if !assert.NoError(t, err) {
				return
			}
			_ = resp.Body.Close()
			mu.Lock()
			codes[resp.StatusCode]++
			mu.Unlock()
		})
	}
	wg.Wait()

	assert.Equal(t, map[int]int{http.StatusAccepted: 1, http.StatusConflict: callers - 1}, codes)
}

func TestShutdownDeliversCompleteToViewers(t *testing.T) {
	t.Parallel()

	channels := ws.NewRegistry(ws.Options{})
	trackers := progress.NewRegistry(channels)
	runner := batch.NewRunner(batch.Options{
		Trackers:      trackers,
		RatePerSecond: 1000,
		ItemTimeout:   time.Minute,
	})
	op := blockingOp{started: make(chan struct{}, 1)}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	batchCtx, cancelBatches := context.WithCancel(context.Background())
	s := web.NewServer("127.0.0.1:0", web.Deps{
		Channels:     channels,
		Protocol:     ws.NewHandler(channels),
		Trackers:     trackers,
		Runner:       runner,
		Validator:    op,
		Credentials:  fakeCreds{ids: []int{1}},
		BaseContext:  baseCtx,
		BatchContext: batchCtx,
	})
	ts := httptest.NewUnstartedServer(s.Handler())
	ts.Config.BaseContext = func(net.Listener) context.Context { return baseCtx }
	ts.Start()
	t.Cleanup(func() {
		cancelBatches()
		runner.Wait()
		channels.Close()
		cancelBase()
		ts.Close()
	})
	e := &env{srv: ts, channels: channels, trackers: trackers}

	c := e.dial(t, "/ws/stop")
	readEvent(t, c) // приветствие
	e.postJSON(t, "/api/validate", `{
		"task_id": "stop",
		"sessions": [{"name": "a.session", "data": "b2s="}, {"name": "b.session", "data": "b2s="}]
	}`, http.StatusAccepted)

	select {
	case <-op.started:
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not start")
	}

	// Порядок остановки приложения: сначала пакеты, каналы ещё открыты.
	cancelBatches()
	runner.Wait()

	var (
		warned  bool
		summary map[string]any
	)
	for summary == nil {
		ev := readEvent(t, c)
		switch ev["type"] {
		case "warning":
			warned = true
		case "complete":
			summary = ev["summary"].(map[string]any)
		}
	}
	assert.True(t, warned, "interrupted batch reports skipped items")
	assert.EqualValues(t, 2, summary["total_items"])
	assert.EqualValues(t, 1, summary["completed"])
}
