package taskproto

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func testRequest() TaskRequest {
	return TaskRequest{
		TaskID:         "task-1",
		CorrelationID:  "corr-1",
		Action:         "get_ticket",
		Payload:        map[string]any{"key": "PROJ-1"},
		Priority:       PriorityNormal,
		TimeoutSeconds: 5,
	}
}

func TestTaskRequestValidate(t *testing.T) {
	req := testRequest()
	require.NoError(t, req.Validate())

	missing := req
	missing.TaskID = ""
	require.Error(t, missing.Validate())

	missing = req
	missing.CorrelationID = ""
	require.Error(t, missing.Validate())

	missing = req
	missing.Priority = "urgent"
	require.Error(t, missing.Validate())
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/tasks", r.URL.Path)

		var req TaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "task-1", req.TaskID)
		assert.Equal(t, "corr-1", req.CorrelationID)

		_ = json.NewEncoder(w).Encode(TaskResponse{
			TaskID:          req.TaskID,
			Status:          StatusSuccess,
			Data:            map[string]any{"summary": "fix the flaky test"},
			ExecutionTimeMS: 12.5,
		})
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	resp, err := c.Send(t.Context(), srv.URL, testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.Equal(t, "fix the flaky test", resp.Data["summary"])
}

func TestSendPollsPending(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			_ = json.NewEncoder(w).Encode(TaskResponse{TaskID: "task-1", Status: StatusPending})
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/task-1":
			if polls.Add(1) < 2 {
				_ = json.NewEncoder(w).Encode(TaskResponse{TaskID: "task-1", Status: StatusPending})
				return
			}
			_ = json.NewEncoder(w).Encode(TaskResponse{TaskID: "task-1", Status: StatusSuccess})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	c.pollInterval = 5 * time.Millisecond
	resp, err := c.Send(t.Context(), srv.URL, testRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestSendRejectsMismatchedTaskID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(TaskResponse{TaskID: "someone-else", Status: StatusSuccess})
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	_, err := c.Send(t.Context(), srv.URL, testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not echo")
}

func TestSendTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	_, err := c.Send(t.Context(), srv.URL, testRequest())
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewClient(testLogger())
	require.NoError(t, c.Health(t.Context(), srv.URL))
	require.Error(t, c.Health(t.Context(), srv.URL+"/missing"))
}
