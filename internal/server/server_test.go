package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stackup/internal/db"
	"stackup/internal/engine"
	"stackup/internal/errors"
	"stackup/internal/metrics"
	"stackup/internal/report"
	"stackup/internal/testutil"
)

func seedRun(t *testing.T, repo *db.RunRepository, id string, started time.Time) {
	t.Helper()
	finished := started.Add(time.Minute)
	run := &db.Run{
		ID:         id,
		SetName:    "rag",
		Backend:    "apt-systemd",
		Outcome:    "success",
		ExitCode:   0,
		StartedAt:  started,
		FinishedAt: finished,
		Results: []db.ServiceResult{
			{Position: 0, ServiceID: "ollama", State: "healthy", Installed: true},
			{Position: 1, ServiceID: "open-webui", State: "healthy", Installed: true},
		},
	}
	require.NoError(t, repo.Create(context.Background(), run))
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	database := testutil.SetupTestDB(t)
	repo := db.NewRunRepository(database)
	base := time.Now().Add(-time.Hour).UTC()
	seedRun(t, repo, "run-1", base)
	seedRun(t, repo, "run-2", base.Add(10*time.Minute))

	reportPath := filepath.Join(t.TempDir(), "last-run.json")
	collector := metrics.NewCollector()
	collector.RecordOutcome("success")

	srv := New(nil, Dependencies{
		History:    repo,
		Database:   database,
		ReportPath: reportPath,
		Hub:        NewHub(),
		Gatherer:   collector.Registry(),
	})
	return srv, reportPath
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := testutil.Get(t, srv.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	testutil.DecodeJSON(t, rec, &resp)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "healthy", resp.Database)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandlerIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.Handler()
	rec := testutil.Get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleReport(t *testing.T) {
	srv, reportPath := newTestServer(t)
	h := srv.Handler()

	rec := testutil.Get(t, h, "/api/report")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, errors.ErrNotFound, testutil.ErrorCode(t, rec))

	run := &engine.Run{
		ID:      "run-2",
		SetName: "rag",
		Plan:    []string{"ollama"},
		Results: map[string]*engine.ServiceResult{
			"ollama": {ServiceID: "ollama", State: engine.StateHealthy},
		},
	}
	require.NoError(t, report.WriteFile(reportPath, report.Summarize(run)))

	rec = testutil.Get(t, h, "/api/report")
	require.Equal(t, http.StatusOK, rec.Code)

	var got report.Report
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, "run-2", got.RunID)
	assert.Equal(t, report.OutcomeSuccess, got.Outcome)
}

func TestHandleListRuns(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantIDs    []string
	}{
		{name: "default newest first", query: "", wantStatus: http.StatusOK, wantIDs: []string{"run-2", "run-1"}},
		{name: "ascending", query: "?order=asc", wantStatus: http.StatusOK, wantIDs: []string{"run-1", "run-2"}},
		{name: "page size", query: "?page_size=1&page=2", wantStatus: http.StatusOK, wantIDs: []string{"run-1"}},
		{name: "invalid order", query: "?order=sideways", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.Get(t, h, "/api/runs"+tt.query)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantIDs == nil {
				return
			}

			var resp RunsResponse
			testutil.DecodeJSON(t, rec, &resp)
			var ids []string
			for _, run := range resp.Data {
				ids = append(ids, run.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, 2, resp.TotalItems)
		})
	}
}

func TestHandleGetRun(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := testutil.Get(t, h, "/api/runs/run-1")
	require.Equal(t, http.StatusOK, rec.Code)

	var run db.Run
	testutil.DecodeJSON(t, rec, &run)
	assert.Equal(t, "run-1", run.ID)
	require.Len(t, run.Results, 2)
	assert.Equal(t, "ollama", run.Results[0].ServiceID)

	rec = testutil.Get(t, h, "/api/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := testutil.Get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `stackup_runs_total{outcome="success"} 1`)
}

func TestEndpointsWithoutDependencies(t *testing.T) {
	h := New(nil, Dependencies{}).Handler()

	assert.Equal(t, http.StatusOK, testutil.Get(t, h, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, testutil.Get(t, h, "/api/report").Code)
	assert.Equal(t, http.StatusServiceUnavailable, testutil.Get(t, h, "/api/runs").Code)
	assert.Equal(t, http.StatusServiceUnavailable, testutil.Get(t, h, "/api/events").Code)
	assert.Equal(t, http.StatusNotFound, testutil.Get(t, h, "/metrics").Code)
}

func dialEvents(t *testing.T, ts *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readEvent(t *testing.T, ws *websocket.Conn) engine.Event {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	var e engine.Event
	require.NoError(t, ws.ReadJSON(&e))
	return e
}

func TestEventStream(t *testing.T) {
	hub := NewHub()
	ts := httptest.NewServer(New(nil, Dependencies{Hub: hub}).Handler())
	defer ts.Close()

	hub.Observe(engine.Event{Type: engine.EventRunStarted, RunID: "run-1", Plan: []string{"ollama"}})

	ws, _, err := dialEvents(t, ts, "")
	require.NoError(t, err)
	defer ws.Close()

	// backlog first
	e := readEvent(t, ws)
	assert.Equal(t, engine.EventRunStarted, e.Type)
	assert.Equal(t, []string{"ollama"}, e.Plan)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Observe(engine.Event{Type: engine.EventServiceState, RunID: "run-1", ServiceID: "ollama", State: engine.StateHealthy})
	e = readEvent(t, ws)
	assert.Equal(t, engine.EventServiceState, e.Type)
	assert.Equal(t, engine.StateHealthy, e.State)

	hub.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestEventStreamRejectsForeignOrigin(t *testing.T) {
	ts := httptest.NewServer(New(nil, Dependencies{Hub: NewHub()}).Handler())
	defer ts.Close()

	_, resp, err := dialEvents(t, ts, "https://evil.example.com")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	ws, _, err := dialEvents(t, ts, "http://localhost:3000")
	require.NoError(t, err)
	ws.Close()
}

func TestHubBacklogResetsPerRun(t *testing.T) {
	hub := NewHub()
	hub.Observe(engine.Event{Type: engine.EventRunStarted, RunID: "old"})
	hub.Observe(engine.Event{Type: engine.EventRunFinished, RunID: "old"})
	hub.Observe(engine.Event{Type: engine.EventRunStarted, RunID: "new"})

	_, backlog := hub.subscribe()
	require.Len(t, backlog, 1)
	assert.Equal(t, "new", backlog[0].RunID)
}

func TestHubBacklogIsBounded(t *testing.T) {
	hub := NewHub()
	for i := 0; i < backlogSize+10; i++ {
		hub.Observe(engine.Event{Type: engine.EventHealthAttempt, Attempt: i})
	}
	_, backlog := hub.subscribe()
	require.Len(t, backlog, backlogSize)
	assert.Equal(t, 10, backlog[0].Attempt)
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub()
	sub, _ := hub.subscribe()

	for i := 0; i <= clientBuffer; i++ {
		hub.Observe(engine.Event{Type: engine.EventHealthAttempt, Attempt: i})
	}

	assert.Equal(t, 0, hub.Clients())
	select {
	case <-sub.done:
	default:
		t.Fatal("slow subscriber was not closed")
	}
}
