package registry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/dandori/internal/model"
	"github.com/ashita-ai/dandori/internal/taskproto"
	"github.com/ashita-ai/dandori/internal/telemetry"
)

const (
	defaultMaxAttempts = 3
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 8 * time.Second
)

// TaskClient is the protocol surface the dispatcher needs. Satisfied by
// *taskproto.Client; tests substitute a fake.
type TaskClient interface {
	Send(ctx context.Context, endpoint string, req taskproto.TaskRequest) (taskproto.TaskResponse, error)
}

// Dispatcher resolves a tool invocation to a terminal ToolResult.
//
// Retry policy: transport failures and timeouts are retried with
// exponential backoff up to the attempt cap. A response the worker itself
// produced (success or application failure) is authoritative and never
// retried. An unknown or unavailable tool fails fast without touching the
// network.
type Dispatcher struct {
	registry *Registry
	client   TaskClient
	logger   *slog.Logger

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	// sleep is swapped in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error

	attemptCounter metric.Int64Counter
	failureCounter metric.Int64Counter
}

// NewDispatcher wires a dispatcher over a registry and a protocol client.
func NewDispatcher(reg *Registry, client TaskClient, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		registry:    reg,
		client:      client,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		maxBackoff:  defaultMaxBackoff,
		sleep:       sleepCtx,
	}
	meter := telemetry.Meter("dandori/dispatch")
	if c, err := meter.Int64Counter("dispatch.attempt_count"); err == nil {
		d.attemptCounter = c
	}
	if c, err := meter.Int64Counter("dispatch.failure_count"); err == nil {
		d.failureCounter = c
	}
	return d
}

// Dispatch sends one invocation and blocks until a terminal result. The
// result is always well-formed; dispatch-level problems are encoded in it
// rather than returned as errors, because the engine feeds failures back
// to the planner instead of propagating them.
func (d *Dispatcher) Dispatch(ctx context.Context, inv model.ToolInvocation) model.ToolResult {
	desc, err := d.registry.Get(inv.ToolName)
	if err != nil {
		d.countFailure(ctx, inv.ToolName, model.FailureToolUnavailable)
		d.logger.Warn("dispatch: tool not dispatchable",
			"tool", inv.ToolName, "invocation_id", inv.ID, "error", err)
		return model.ToolResult{
			Status:       model.InvocationFailed,
			ErrorMessage: err.Error(),
			FailureKind:  model.FailureToolUnavailable,
		}
	}

	req := taskproto.TaskRequest{
		TaskID:         inv.ID.String(),
		CorrelationID:  inv.CorrelationID.String(),
		Action:         inv.ToolName,
		Payload:        inv.Arguments,
		Priority:       taskproto.PriorityNormal,
		TimeoutSeconds: int(inv.Timeout.Seconds()),
	}

	var last model.ToolResult
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		d.countAttempt(ctx, inv.ToolName)

		attemptCtx := ctx
		var cancel context.CancelFunc
		if inv.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		}
		resp, err := d.client.Send(attemptCtx, desc.Endpoint, req)
		if cancel != nil {
			cancel()
		}

		last = d.classify(resp, err, attempt)
		if last.Status == model.InvocationSuccess || last.FailureKind == model.FailureApplication {
			if last.FailureKind == model.FailureApplication {
				d.countFailure(ctx, inv.ToolName, model.FailureApplication)
			}
			return last
		}

		// Retryable: network failure or timeout.
		d.logger.Warn("dispatch: attempt failed",
			"tool", inv.ToolName, "invocation_id", inv.ID,
			"attempt", attempt, "failure_kind", last.FailureKind, "error", last.ErrorMessage)

		if ctx.Err() != nil || attempt == d.maxAttempts {
			break
		}
		if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
			break
		}
	}

	d.countFailure(ctx, inv.ToolName, last.FailureKind)
	return last
}

// classify maps one protocol exchange onto a ToolResult.
func (d *Dispatcher) classify(resp taskproto.TaskResponse, err error, attempt int) model.ToolResult {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.ToolResult{
				Status:       model.InvocationTimedOut,
				ErrorMessage: err.Error(),
				FailureKind:  model.FailureTimeout,
				Attempts:     attempt,
			}
		}
		return model.ToolResult{
			Status:       model.InvocationFailed,
			ErrorMessage: err.Error(),
			FailureKind:  model.FailureNetwork,
			Attempts:     attempt,
		}
	}

	switch resp.Status {
	case taskproto.StatusSuccess:
		return model.ToolResult{
			Status:   model.InvocationSuccess,
			Data:     resp.Data,
			Attempts: attempt,
		}
	case taskproto.StatusTimeout:
		return model.ToolResult{
			Status:       model.InvocationTimedOut,
			ErrorMessage: resp.ErrorMessage,
			FailureKind:  model.FailureTimeout,
			Attempts:     attempt,
		}
	default:
		return model.ToolResult{
			Status:       model.InvocationFailed,
			ErrorMessage: resp.ErrorMessage,
			FailureKind:  model.FailureApplication,
			Attempts:     attempt,
		}
	}
}

// backoff returns the wait before the attempt after n, doubling from the
// base and capped.
func (d *Dispatcher) backoff(n int) time.Duration {
	wait := d.baseBackoff << (n - 1)
	if wait > d.maxBackoff || wait <= 0 {
		wait = d.maxBackoff
	}
	return wait
}

func (d *Dispatcher) countAttempt(ctx context.Context, tool string) {
	if d.attemptCounter != nil {
		d.attemptCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
	}
}

func (d *Dispatcher) countFailure(ctx context.Context, tool string, kind model.FailureKind) {
	if d.failureCounter != nil {
		d.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("failure_kind", string(kind)),
		))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
