// Package planner defines the decision interface the engine consults once
// per iteration, plus the HTTP-backed default implementation.
//
// Planners are pluggable. The engine passes the full conversation so far,
// retrieved memory excerpts, and the currently registered tools; the
// planner returns exactly one step. The engine owns control flow, the
// planner owns none of it: a planner cannot loop, dispatch, or suspend on
// its own.
package planner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/dandori/internal/model"
)

// ErrPlannerUnavailable wraps transient planner transport failures. The
// retry wrapper keys off it.
var ErrPlannerUnavailable = errors.New("planner: unavailable")

// Request is everything a planner may consider for one decision.
type Request struct {
	ThreadID uuid.UUID              `json:"thread_id"`
	RunID    uuid.UUID              `json:"run_id"`
	Messages []model.Message        `json:"messages"`
	Excerpts []model.MemoryExcerpt  `json:"excerpts,omitempty"`
	Tools    []model.ToolDescriptor `json:"tools"`
}

// Planner produces the next step for a run.
type Planner interface {
	Plan(ctx context.Context, req Request) (model.PlanStep, error)
}

// Func adapts a plain function to the Planner interface.
type Func func(ctx context.Context, req Request) (model.PlanStep, error)

// Plan implements Planner.
func (f Func) Plan(ctx context.Context, req Request) (model.PlanStep, error) {
	return f(ctx, req)
}

// retryPlanner retries Plan calls that fail with ErrPlannerUnavailable.
// Any other error, including an invalid step, passes through untouched.
type retryPlanner struct {
	inner    Planner
	attempts int
	backoff  time.Duration
}

// WithAvailabilityRetry wraps a planner so transient unavailability is
// absorbed rather than failing the run.
func WithAvailabilityRetry(inner Planner, attempts int, backoff time.Duration) Planner {
	if attempts < 1 {
		attempts = 1
	}
	return &retryPlanner{inner: inner, attempts: attempts, backoff: backoff}
}

func (p *retryPlanner) Plan(ctx context.Context, req Request) (model.PlanStep, error) {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		step, err := p.inner.Plan(ctx, req)
		if err == nil {
			return step, nil
		}
		if !errors.Is(err, ErrPlannerUnavailable) {
			return model.PlanStep{}, err
		}
		lastErr = err
		if attempt == p.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return model.PlanStep{}, ctx.Err()
		case <-time.After(p.backoff):
		}
	}
	return model.PlanStep{}, fmt.Errorf("planner: %d attempts exhausted: %w", p.attempts, lastErr)
}
