package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/dandori/internal/model"
)

// HTTPPlanner calls an external planning service: POST {baseURL}/v1/plan
// with the planning request, expecting a single plan step back. This is
// the deployment shape where the reasoning model runs as its own service.
type HTTPPlanner struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewHTTPPlanner creates a planner client against a base URL.
func NewHTTPPlanner(baseURL string, timeout time.Duration, logger *slog.Logger) *HTTPPlanner {
	return &HTTPPlanner{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Plan implements Planner. Transport failures and 5xx responses map to
// ErrPlannerUnavailable so the retry wrapper can absorb them; a 4xx means
// the request itself is wrong and is not retryable.
func (p *HTTPPlanner) Plan(ctx context.Context, req Request) (model.PlanStep, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.PlanStep{}, fmt.Errorf("planner: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/plan", bytes.NewReader(body))
	if err != nil {
		return model.PlanStep{}, fmt.Errorf("planner: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := p.http.Do(httpReq)
	if err != nil {
		return model.PlanStep{}, fmt.Errorf("%w: %v", ErrPlannerUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return model.PlanStep{}, fmt.Errorf("%w: planner returned HTTP %d", ErrPlannerUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return model.PlanStep{}, fmt.Errorf("planner: HTTP %d", resp.StatusCode)
	}

	var step model.PlanStep
	if err := json.NewDecoder(resp.Body).Decode(&step); err != nil {
		return model.PlanStep{}, fmt.Errorf("planner: decode step: %w", err)
	}
	if err := step.Validate(); err != nil {
		return model.PlanStep{}, fmt.Errorf("planner: invalid step: %w", err)
	}

	p.logger.Debug("planner: step produced",
		"run_id", req.RunID, "kind", step.Kind, "tool", step.ToolName)
	return step, nil
}
