package registry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dandori/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeHealth struct {
	down map[string]bool
}

func (f *fakeHealth) Health(_ context.Context, endpoint string) error {
	if f.down[endpoint] {
		return errors.New("connection refused")
	}
	return nil
}

func descriptor(name, endpoint string) model.ToolDescriptor {
	return model.ToolDescriptor{
		Name:     name,
		Endpoint: endpoint,
		InputSchema: map[string]any{
			"type": "object",
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(context.Background(), descriptor("jira_lookup", "http://jira-worker:8080")))

	desc, err := r.Get("jira_lookup")
	require.NoError(t, err)
	assert.Equal(t, "http://jira-worker:8080", desc.Endpoint)
	assert.True(t, desc.Available)
}

func TestGetUnknownTool(t *testing.T) {
	r := New(testLogger())
	_, err := r.Get("nope")
	require.ErrorIs(t, err, ErrUnknownTool)
}

func TestRegisterValidation(t *testing.T) {
	r := New(testLogger())
	require.Error(t, r.Register(context.Background(), descriptor("", "http://w:1")))
	require.Error(t, r.Register(context.Background(), descriptor("x", "")))
}

func TestReRegisterIdempotent(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(context.Background(), descriptor("jira_lookup", "http://jira-worker:8080")))
	require.NoError(t, r.Register(context.Background(), descriptor("jira_lookup", "http://jira-worker:8080")))
	assert.Len(t, r.List(), 1)
}

func TestReRegisterDifferentEndpointLatestWins(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(context.Background(), descriptor("jira_lookup", "http://old:8080")))
	require.NoError(t, r.Register(context.Background(), descriptor("jira_lookup", "http://new:8080")))

	desc, err := r.Get("jira_lookup")
	require.NoError(t, err)
	assert.Equal(t, "http://new:8080", desc.Endpoint)
}

func TestUnavailableToolIsNotDispatchable(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(context.Background(), descriptor("jira_lookup", "http://jira-worker:8080")))

	r.MarkUnavailable("jira_lookup")
	_, err := r.Get("jira_lookup")
	require.ErrorIs(t, err, ErrToolUnavailable)

	// Still listed, still restorable without re-registration.
	require.Len(t, r.List(), 1)
	r.MarkAvailable("jira_lookup")
	_, err = r.Get("jira_lookup")
	require.NoError(t, err)
}

func TestListSortedByName(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(context.Background(), descriptor("zeta", "http://z:1")))
	require.NoError(t, r.Register(context.Background(), descriptor("alpha", "http://a:1")))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)
}

func TestRefreshFlipsAvailability(t *testing.T) {
	health := &fakeHealth{down: map[string]bool{}}
	r := New(testLogger(), WithHealthChecker(health))
	require.NoError(t, r.Register(context.Background(), descriptor("jira_lookup", "http://jira-worker:8080")))
	require.NoError(t, r.Register(context.Background(), descriptor("jira_comment", "http://jira-worker:8080")))
	require.NoError(t, r.Register(context.Background(), descriptor("pagerduty_page", "http://pd-worker:8080")))

	health.down["http://jira-worker:8080"] = true
	r.refresh(context.Background())

	_, err := r.Get("jira_lookup")
	require.ErrorIs(t, err, ErrToolUnavailable)
	_, err = r.Get("jira_comment")
	require.ErrorIs(t, err, ErrToolUnavailable)
	_, err = r.Get("pagerduty_page")
	require.NoError(t, err)

	health.down["http://jira-worker:8080"] = false
	r.refresh(context.Background())
	_, err = r.Get("jira_lookup")
	require.NoError(t, err)
}

type memPersister struct {
	saved map[string]model.ToolDescriptor
}

func (m *memPersister) SaveDescriptor(_ context.Context, desc model.ToolDescriptor) error {
	m.saved[desc.Name] = desc
	return nil
}

func (m *memPersister) LoadDescriptors(_ context.Context) ([]model.ToolDescriptor, error) {
	out := make([]model.ToolDescriptor, 0, len(m.saved))
	for _, d := range m.saved {
		out = append(out, d)
	}
	return out, nil
}

func TestPersistenceRoundTrip(t *testing.T) {
	p := &memPersister{saved: map[string]model.ToolDescriptor{}}

	r := New(testLogger(), WithPersister(p))
	require.NoError(t, r.Register(context.Background(), descriptor("jira_lookup", "http://jira-worker:8080")))
	require.Len(t, p.saved, 1)

	// A fresh registry sees the persisted registration.
	r2 := New(testLogger(), WithPersister(p))
	require.NoError(t, r2.LoadPersisted(context.Background()))
	desc, err := r2.Get("jira_lookup")
	require.NoError(t, err)
	assert.Equal(t, "http://jira-worker:8080", desc.Endpoint)
}
