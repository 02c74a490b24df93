package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/garyjia/erp-autoentry/internal/application/process"
	"github.com/garyjia/erp-autoentry/internal/domain/entity"
	"github.com/garyjia/erp-autoentry/internal/domain/event"
	"github.com/garyjia/erp-autoentry/internal/domain/workflow"
	"github.com/garyjia/erp-autoentry/internal/infrastructure/worker"
)

type mockLogger struct{}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {}

type mockMachine struct {
	info   process.StateInfo
	resets int
}

func (m *mockMachine) GetStateInfo() process.StateInfo { return m.info }

func (m *mockMachine) Reset(ctx context.Context) {
	m.resets++
	m.info = process.StateInfo{State: workflow.StateIdle}
}

type mockWorker struct {
	status      worker.InboxStatus
	interrupted int
	busy        bool
	machine     *mockMachine
}

func (w *mockWorker) Interrupt() {
	w.interrupted++
	w.status.Paused = true
}

func (w *mockWorker) Resume() { w.status.Paused = false }

func (w *mockWorker) ResetPipeline(ctx context.Context) error {
	if w.busy {
		return worker.ErrBusy
	}
	w.machine.Reset(ctx)
	return nil
}

func (w *mockWorker) Status() worker.InboxStatus { return w.status }

type mockHistory struct {
	runs  []*entity.RunRecord
	err   error
	limit int
}

func (h *mockHistory) HandleEvent(ctx context.Context, evt *event.Event) error { return nil }

func (h *mockHistory) ListRecent(ctx context.Context, limit int) ([]*entity.RunRecord, error) {
	h.limit = limit
	return h.runs, h.err
}

func (h *mockHistory) GetRun(ctx context.Context, id string) (*entity.RunRecord, []*entity.TransitionRecord, error) {
	for _, r := range h.runs {
		if r.ID == id {
			return r, []*entity.TransitionRecord{{RunID: id, FromState: "IDLE", ToState: "CONNECTING_REMOTE_DESKTOP", Trigger: "START"}}, nil
		}
	}
	return nil, nil, errors.New("run not found")
}

type fixture struct {
	machine *mockMachine
	worker  *mockWorker
	history *mockHistory
	server  *Server
}

func newFixture(withWorker bool) *fixture {
	f := &fixture{
		machine: &mockMachine{info: process.StateInfo{State: workflow.StateLoadingIDField, File: "OC-1.json", RetryCount: 1, MaxRetries: 3}},
		history: &mockHistory{runs: []*entity.RunRecord{{ID: "run-1", File: "OC-1.json", Status: entity.RunStatusCompleted}}},
	}
	f.worker = &mockWorker{machine: f.machine}
	var wc WorkerControl
	if withWorker {
		wc = f.worker
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("autoentry_runs_total 1\n"))
	})
	f.server = NewServer(DefaultServerConfig(), f.machine, wc, f.history, metrics, &mockLogger{})
	return f
}

func (f *fixture) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var resp Response
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(true)
	rec, resp := f.do(t, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "LOADING_ID_FIELD", data["state"])
}

func TestGetState(t *testing.T) {
	f := newFixture(true)
	rec, resp := f.do(t, http.MethodGet, "/api/v1/state")

	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "LOADING_ID_FIELD", data["state"])
	assert.Equal(t, "OC-1.json", data["file"])
	assert.Equal(t, float64(1), data["retry_count"])
}

func TestStopAndResume(t *testing.T) {
	f := newFixture(true)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/stop")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.worker.interrupted)
	assert.Equal(t, true, resp.Data.(map[string]interface{})["paused"])

	rec, resp = f.do(t, http.MethodPost, "/api/v1/resume")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, resp.Data.(map[string]interface{})["paused"])
}

func TestWorkerEndpointsWithoutWorker(t *testing.T) {
	f := newFixture(false)

	rec, resp := f.do(t, http.MethodPost, "/api/v1/stop")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/worker")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/reset")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.machine.resets)
}

func TestReset(t *testing.T) {
	t.Run("refused while a file is in flight", func(t *testing.T) {
		f := newFixture(true)
		f.worker.busy = true

		rec, resp := f.do(t, http.MethodPost, "/api/v1/reset")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, resp.Error, "stop the worker first")
		assert.Equal(t, 0, f.machine.resets)
	})

	t.Run("returns the new state", func(t *testing.T) {
		f := newFixture(true)

		rec, resp := f.do(t, http.MethodPost, "/api/v1/reset")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, f.machine.resets)
		assert.Equal(t, "IDLE", resp.Data.(map[string]interface{})["state"])
	})
}

func TestListRuns(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		err       error
		wantCode  int
		wantLimit int
	}{
		{"default limit", "", nil, http.StatusOK, 50},
		{"explicit limit", "?limit=5", nil, http.StatusOK, 5},
		{"limit capped", "?limit=10000", nil, http.StatusOK, 50},
		{"bad limit", "?limit=abc", nil, http.StatusBadRequest, 0},
		{"repository error", "", errors.New("db locked"), http.StatusInternalServerError, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(true)
			f.history.err = tt.err

			rec, resp := f.do(t, http.MethodGet, "/api/v1/runs"+tt.query)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantLimit, f.history.limit)
			if tt.wantCode == http.StatusOK {
				runs := resp.Data.([]interface{})
				assert.Len(t, runs, 1)
			}
		})
	}
}

func TestGetRun(t *testing.T) {
	f := newFixture(true)

	rec, resp := f.do(t, http.MethodGet, "/api/v1/runs/run-1")
	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, "run-1", data["run"].(map[string]interface{})["id"])
	assert.Len(t, data["transitions"], 1)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(true)
	rec, _ := f.do(t, http.MethodGet, "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autoentry_runs_total")
}
