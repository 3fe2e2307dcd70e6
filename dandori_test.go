package dandori

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// inProcessPlanner is a minimal embedded planner for wiring tests.
type inProcessPlanner struct{}

func (inProcessPlanner) Plan(_ context.Context, _ PlanRequest) (Step, error) {
	return Step{Kind: StepFinalAnswer, Answer: "ok"}, nil
}

func embeddedEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DANDORI_PLANNER_URL", "")
	t.Setenv("DANDORI_SQLITE_PATH", ":memory:")
	t.Setenv("DANDORI_API_KEY", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
}

func TestNewWithInProcessPlannerNeedsNoPlannerURL(t *testing.T) {
	embeddedEnv(t)

	app, err := New(
		WithPlanner(inProcessPlanner{}),
		WithLogger(testLogger()),
	)
	require.NoError(t, err)
	require.NotNil(t, app)
	require.NoError(t, app.Shutdown(context.Background()))
}

func TestNewWithoutAnyPlannerFails(t *testing.T) {
	embeddedEnv(t)

	app, err := New(WithLogger(testLogger()))
	require.Error(t, err)
	assert.Nil(t, app)
	assert.Contains(t, err.Error(), "DANDORI_PLANNER_URL")
}
