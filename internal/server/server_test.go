package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dandori/internal/auth"
	"github.com/ashita-ai/dandori/internal/checkpoint"
	"github.com/ashita-ai/dandori/internal/engine"
	"github.com/ashita-ai/dandori/internal/model"
	"github.com/ashita-ai/dandori/internal/planner"
	"github.com/ashita-ai/dandori/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// scriptPlanner returns its steps in order, repeating the last one.
type scriptPlanner struct {
	mu    sync.Mutex
	steps []model.PlanStep
	calls int
}

func (p *scriptPlanner) Plan(_ context.Context, _ planner.Request) (model.PlanStep, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	p.calls++
	return p.steps[i], nil
}

type okDispatcher struct{}

func (okDispatcher) Dispatch(_ context.Context, _ model.ToolInvocation) model.ToolResult {
	return model.ToolResult{Status: model.InvocationSuccess, Data: map[string]any{"ok": true}, Attempts: 1}
}

type testStack struct {
	server *Server
	engine *engine.Engine
	store  *checkpoint.MemoryStore
}

func newTestStack(t *testing.T, steps []model.PlanStep, mutate func(*ServerConfig)) *testStack {
	t.Helper()
	store := checkpoint.NewMemoryStore()
	reg := registry.New(testLogger())
	eng := engine.New(engine.Config{
		Planner:    &scriptPlanner{steps: steps},
		Dispatcher: okDispatcher{},
		Tools:      reg,
		Store:      store,
		Logger:     testLogger(),
	})
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	cfg := ServerConfig{
		Engine:   eng,
		Registry: reg,
		Logger:   testLogger(),
		Version:  "test",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &testStack{server: New(cfg), engine: eng, store: store}
}

func (ts *testStack) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Data json.RawMessage    `json:"data"`
	Meta model.ResponseMeta `json:"meta"`
}

type errEnvelope struct {
	Error model.ErrorDetail  `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) (T, model.ResponseMeta) {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out, env.Meta
}

func waitForStatus(t *testing.T, ts *testStack, threadID uuid.UUID, status model.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		cp, err := ts.store.LoadLatest(context.Background(), threadID)
		return err == nil && cp.Run.Status == status
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartRunAndGetThread(t *testing.T) {
	ts := newTestStack(t, []model.PlanStep{
		{Kind: model.StepFinalAnswer, Answer: "all done"},
	}, nil)

	rec := ts.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Input: "do the thing"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	run, meta := decodeData[model.Run](t, rec)
	assert.NotEmpty(t, meta.RequestID)
	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, model.RunStatusRunning, run.Status)

	waitForStatus(t, ts, run.ThreadID, model.RunStatusCompleted)

	rec = ts.do(t, http.MethodGet, "/v1/threads/"+run.ThreadID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status, _ := decodeData[model.ThreadStatusResponse](t, rec)
	assert.Equal(t, model.RunStatusCompleted, status.Status)
	assert.Equal(t, run.ID, status.RunID)
	require.NotEmpty(t, status.Messages)
	assert.Equal(t, "all done", status.Messages[len(status.Messages)-1].Content)
}

func TestStartRunValidation(t *testing.T) {
	ts := newTestStack(t, []model.PlanStep{{Kind: model.StepFinalAnswer, Answer: "x"}}, nil)

	rec := ts.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var env errEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
	assert.NotEmpty(t, env.Meta.RequestID)
}

func TestGetUnknownThread(t *testing.T) {
	ts := newTestStack(t, []model.PlanStep{{Kind: model.StepFinalAnswer, Answer: "x"}}, nil)

	rec := ts.do(t, http.MethodGet, "/v1/threads/"+uuid.NewString(), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/threads/not-a-uuid", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApprovalFlow(t *testing.T) {
	ts := newTestStack(t, []model.PlanStep{
		{Kind: model.StepRequestApproval, ProposedAction: "restart the database", ApprovalReason: "risky"},
		{Kind: model.StepFinalAnswer, Answer: "restarted"},
	}, nil)

	rec := ts.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Input: "restart db"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	run, _ := decodeData[model.Run](t, rec)

	waitForStatus(t, ts, run.ThreadID, model.RunStatusAwaitingApproval)

	rec = ts.do(t, http.MethodPost, "/v1/threads/"+run.ThreadID.String()+"/approval", model.ApprovalRequest{
		Decision:         model.DecisionApprove,
		ApproverIdentity: "oncall@example.com",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	waitForStatus(t, ts, run.ThreadID, model.RunStatusCompleted)

	// Approving again conflicts.
	rec = ts.do(t, http.MethodPost, "/v1/threads/"+run.ThreadID.String()+"/approval", model.ApprovalRequest{
		Decision:         model.DecisionApprove,
		ApproverIdentity: "oncall@example.com",
	}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRejectionViaHTTP(t *testing.T) {
	ts := newTestStack(t, []model.PlanStep{
		{Kind: model.StepRequestApproval, ProposedAction: "drop all tables", ApprovalReason: "destructive"},
	}, nil)

	rec := ts.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Input: "clean up"}, nil)
	run, _ := decodeData[model.Run](t, rec)
	waitForStatus(t, ts, run.ThreadID, model.RunStatusAwaitingApproval)

	rec = ts.do(t, http.MethodPost, "/v1/threads/"+run.ThreadID.String()+"/approval", model.ApprovalRequest{
		Decision:         model.DecisionReject,
		ApproverIdentity: "oncall@example.com",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rejected, _ := decodeData[model.Run](t, rec)
	assert.Equal(t, model.RunStatusCompleted, rejected.Status)
	assert.Contains(t, rejected.Reason, "rejected")
}

func TestResumeEndpoint(t *testing.T) {
	ts := newTestStack(t, []model.PlanStep{{Kind: model.StepFinalAnswer, Answer: "done"}}, nil)

	rec := ts.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Input: "hello"}, nil)
	run, _ := decodeData[model.Run](t, rec)
	waitForStatus(t, ts, run.ThreadID, model.RunStatusCompleted)

	rec = ts.do(t, http.MethodPost, "/v1/threads/"+run.ThreadID.String()+"/resume", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resumed, _ := decodeData[model.Run](t, rec)
	assert.Equal(t, model.RunStatusCompleted, resumed.Status)
}

func TestCancelEndpoint(t *testing.T) {
	ts := newTestStack(t, []model.PlanStep{
		{Kind: model.StepRequestApproval, ProposedAction: "long thing", ApprovalReason: "slow"},
	}, nil)

	rec := ts.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Input: "do it"}, nil)
	run, _ := decodeData[model.Run](t, rec)
	waitForStatus(t, ts, run.ThreadID, model.RunStatusAwaitingApproval)

	rec = ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	waitForStatus(t, ts, run.ThreadID, model.RunStatusCancelled)

	rec = ts.do(t, http.MethodPost, "/v1/runs/"+uuid.NewString()+"/cancel", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToolRegistration(t *testing.T) {
	ts := newTestStack(t, []model.PlanStep{{Kind: model.StepFinalAnswer, Answer: "x"}}, nil)

	rec := ts.do(t, http.MethodPost, "/v1/tools", model.RegisterToolRequest{
		Name:     "jira_lookup",
		Endpoint: "http://jira-worker:8080",
		InputSchema: map[string]any{
			"type": "object",
		},
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/tools", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tools, _ := decodeData[[]model.ToolDescriptor](t, rec)
	require.Len(t, tools, 1)
	assert.Equal(t, "jira_lookup", tools[0].Name)
	assert.True(t, tools[0].Available)

	rec = ts.do(t, http.MethodPost, "/v1/tools", model.RegisterToolRequest{Name: "x"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestStack(t, []model.PlanStep{{Kind: model.StepFinalAnswer, Answer: "x"}}, nil)

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := decodeData[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return fmt.Errorf("connection refused") }

func TestHealthDegraded(t *testing.T) {
	ts := newTestStack(t, []model.PlanStep{{Kind: model.StepFinalAnswer, Answer: "x"}},
		func(cfg *ServerConfig) { cfg.Pinger = failingPinger{} })

	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPIKeyAuth(t *testing.T) {
	hash, err := auth.HashAPIKey("sk-test-key")
	require.NoError(t, err)

	ts := newTestStack(t, []model.PlanStep{{Kind: model.StepFinalAnswer, Answer: "x"}},
		func(cfg *ServerConfig) { cfg.APIKeyHash = hash })

	rec := ts.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Input: "hi"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Input: "hi"},
		map[string]string{"Authorization": "Bearer wrong-key"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Input: "hi"},
		map[string]string{"Authorization": "Bearer sk-test-key"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Health stays open.
	rec = ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestApproverTokenEnforced(t *testing.T) {
	tokens, err := auth.NewTokenManager("", "", time.Hour)
	require.NoError(t, err)

	ts := newTestStack(t, []model.PlanStep{
		{Kind: model.StepRequestApproval, ProposedAction: "page someone", ApprovalReason: "urgent"},
		{Kind: model.StepFinalAnswer, Answer: "paged"},
	}, func(cfg *ServerConfig) {
		cfg.Tokens = tokens
		cfg.RequireApproverToken = true
	})

	rec := ts.do(t, http.MethodPost, "/v1/runs", model.StartRunRequest{Input: "escalate"}, nil)
	run, _ := decodeData[model.Run](t, rec)
	waitForStatus(t, ts, run.ThreadID, model.RunStatusAwaitingApproval)

	approvalPath := "/v1/threads/" + run.ThreadID.String() + "/approval"

	// Missing token.
	rec = ts.do(t, http.MethodPost, approvalPath, model.ApprovalRequest{
		Decision: model.DecisionApprove, ApproverIdentity: "oncall@example.com",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Token for a different identity.
	otherToken, _, err := tokens.IssueApproverToken("someone-else@example.com")
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, approvalPath, model.ApprovalRequest{
		Decision: model.DecisionApprove, ApproverIdentity: "oncall@example.com",
		ApproverToken: otherToken,
	}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Matching token.
	goodToken, _, err := tokens.IssueApproverToken("oncall@example.com")
	require.NoError(t, err)
	rec = ts.do(t, http.MethodPost, approvalPath, model.ApprovalRequest{
		Decision: model.DecisionApprove, ApproverIdentity: "oncall@example.com",
		ApproverToken: goodToken,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	waitForStatus(t, ts, run.ThreadID, model.RunStatusCompleted)
}
