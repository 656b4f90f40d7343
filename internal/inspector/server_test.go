package inspector

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgast/streamcheck/pkg/events"
	"github.com/cgast/streamcheck/pkg/report"
	"github.com/cgast/streamcheck/pkg/verify"
)

const passing = `
name: pass
source: {values: [a], complete: true}
steps:
  - next: a
  - complete: true
`

const failing = `
name: fail
source: {values: [b], complete: true}
steps:
  - next: a
  - complete: true
`

type fixture struct {
	bus    *events.MemoryBus
	store  *report.BoltStore
	server *Server
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	bus := events.NewMemoryBus()
	store, err := report.NewBoltStore(filepath.Join(t.TempDir(), "reports.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	runner := verify.NewRunner(
		verify.WithEventBus(bus),
		verify.WithRecorder(store),
		verify.WithDefaultTimeout(2*time.Second),
	)
	return fixture{bus: bus, store: store, server: New(bus, store, runner, nil)}
}

func (f fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f fixture) run(t *testing.T, yaml string) runResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/runs", yaml)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestPostRun(t *testing.T) {
	f := newFixture(t)

	pass := f.run(t, passing)
	assert.True(t, pass.Passed)
	assert.Equal(t, "pass", pass.Script)
	assert.Equal(t, verify.StateCompleted, pass.State)

	fail := f.run(t, failing)
	assert.False(t, fail.Passed)
	require.Len(t, fail.Failures, 1)
	assert.Equal(t, verify.KindExpectationMismatch, fail.Failures[0].Kind)
}

func TestPostRunRejectsBadScenarios(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/runs", "name: [unclosed")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/runs", "name: incomplete\nsteps:\n  - next: a\n")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "last step must be complete, cancel or error")
}

func TestReportsEndpoints(t *testing.T) {
	f := newFixture(t)
	first := f.run(t, passing)
	f.run(t, failing)

	rec := f.do(t, http.MethodGet, "/api/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var reports []report.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	assert.Len(t, reports, 2)

	rec = f.do(t, http.MethodGet, "/api/reports?limit=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	assert.Len(t, reports, 1)

	rec = f.do(t, http.MethodGet, "/api/reports?limit=many", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/reports/"+first.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got report.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Passed)

	rec = f.do(t, http.MethodGet, "/api/reports/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsAndStatus(t *testing.T) {
	f := newFixture(t)
	pass := f.run(t, passing)
	f.run(t, failing)

	rec := f.do(t, http.MethodGet, "/api/events?run="+pass.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var evs []events.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	require.NotEmpty(t, evs)
	assert.Equal(t, events.EventRunStart, evs[0].Type)
	assert.Equal(t, events.EventRunEnd, evs[len(evs)-1].Type)
	for _, e := range evs {
		assert.Equal(t, pass.RunID, e.RunID)
	}

	rec = f.do(t, http.MethodGet, "/api/status", "")
	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, float64(2), status["runs"])
	assert.Equal(t, float64(1), status["failures"])
}

func TestReportsWithoutStore(t *testing.T) {
	s := New(events.NewMemoryBus(), nil, verify.NewRunner(), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports/x", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventStreamReplaysHistory(t *testing.T) {
	f := newFixture(t)
	f.run(t, passing)

	srv := httptest.NewServer(f.server.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "), line)
	assert.Contains(t, line, string(events.EventRunStart))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- f.server.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/runs", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
