package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/dandori/internal/checkpoint"
	"github.com/ashita-ai/dandori/internal/model"
	"github.com/ashita-ai/dandori/internal/planner"
)

// defaultToolTimeout bounds a single tool invocation attempt.
const defaultToolTimeout = 30 * time.Second

// runLoop advances one thread until its run suspends, terminates, or the
// loop is cancelled. It assumes the caller holds the thread lease.
func (e *Engine) runLoop(ctx context.Context, threadID uuid.UUID) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		// Shut down before the run got a slot. The checkpoint still says
		// running, so a restart resumes it.
		e.logger.Warn("engine: run loop never started", "thread_id", threadID, "error", err)
		return
	}
	defer e.sem.Release(1)

	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		e.logger.Error("engine: load checkpoint for loop", "thread_id", threadID, "error", err)
		return
	}
	if cp.Run.Status != model.RunStatusRunning {
		return
	}

	consecFailures := 0

	// A persisted pending invocation means the process died between the
	// dispatch decision and the observation. The result was never seen,
	// so re-executing is the correct recovery.
	if cp.PendingInvocation != nil {
		e.logger.Info("engine: re-dispatching pending invocation",
			"thread_id", threadID, "invocation_id", cp.PendingInvocation.ID,
			"tool", cp.PendingInvocation.ToolName)
		if !e.observe(ctx, &cp, *cp.PendingInvocation, &consecFailures) {
			return
		}
	}

	for {
		if ctx.Err() != nil {
			e.terminate(&cp, model.RunStatusCancelled, "cancelled by request")
			return
		}

		if cp.Run.IterationCount >= e.maxIterations {
			e.terminate(&cp, model.RunStatusFailed,
				fmt.Sprintf("IterationLimitExceeded: planner did not converge within %d iterations", e.maxIterations))
			return
		}
		cp.Run.IterationCount++

		step, err := e.plan(ctx, cp)
		if err != nil {
			if ctx.Err() != nil {
				e.terminate(&cp, model.RunStatusCancelled, "cancelled by request")
				return
			}
			e.terminate(&cp, model.RunStatusFailed, fmt.Sprintf("planner error: %v", err))
			return
		}
		if err := step.Validate(); err != nil {
			e.terminate(&cp, model.RunStatusFailed, fmt.Sprintf("planner produced invalid step: %v", err))
			return
		}

		e.logger.Debug("engine: step",
			"thread_id", threadID, "run_id", cp.Run.ID,
			"iteration", cp.Run.IterationCount, "kind", step.Kind)

		switch step.Kind {
		case model.StepReason:
			cp.Messages = append(cp.Messages, model.Message{
				Role:        model.RolePlanner,
				Content:     step.Reasoning,
				SequenceNum: cp.NextSequenceNum(),
			})
			if !e.advance(ctx, &cp) {
				return
			}

		case model.StepRequestApproval:
			cp.Messages = append(cp.Messages, model.Message{
				Role:        model.RolePlanner,
				Content:     fmt.Sprintf("approval requested: %s (%s)", step.ProposedAction, step.ApprovalReason),
				SequenceNum: cp.NextSequenceNum(),
			})
			cp.Run.Status = model.RunStatusAwaitingApproval
			if e.advance(ctx, &cp) {
				e.logger.Info("engine: run suspended for approval",
					"thread_id", threadID, "run_id", cp.Run.ID,
					"proposed_action", step.ProposedAction)
			}
			return

		case model.StepFinalAnswer:
			cp.Messages = append(cp.Messages, model.Message{
				Role:        model.RoleAssistant,
				Content:     step.Answer,
				SequenceNum: cp.NextSequenceNum(),
			})
			cp.Run.Status = model.RunStatusCompleted
			if e.advance(ctx, &cp) {
				e.logger.Info("engine: run completed",
					"thread_id", threadID, "run_id", cp.Run.ID,
					"iterations", cp.Run.IterationCount)
				e.recordAnswer(ctx, cp, step.Answer)
			}
			return

		case model.StepToolCall:
			inv := model.ToolInvocation{
				ID:        uuid.New(),
				ToolName:  step.ToolName,
				Arguments: step.Arguments,
				// The run ID is the correlation ID: every call a run makes
				// carries the same one, so workers and traces can be joined
				// back to the originating run.
				CorrelationID: cp.Run.ID,
				Timeout:       defaultToolTimeout,
				Status:        model.InvocationPending,
				CreatedAt:     time.Now().UTC(),
			}
			// The dispatch intent is durable before the call goes out, so
			// a crash mid-call is recoverable.
			cp.PendingInvocation = &inv
			if !e.advance(ctx, &cp) {
				return
			}
			if !e.observe(ctx, &cp, inv, &consecFailures) {
				return
			}
		}
	}
}

// plan retrieves memory excerpts and asks the planner for the next step.
// Memory failures degrade to planning without excerpts.
func (e *Engine) plan(ctx context.Context, cp model.Checkpoint) (model.PlanStep, error) {
	var excerpts []model.MemoryExcerpt
	if query := lastUserMessage(cp.Messages); query != "" {
		var err error
		excerpts, err = e.memory.Retrieve(ctx, cp.ThreadID, query, 5)
		if err != nil {
			e.logger.Warn("engine: memory retrieval failed, planning without excerpts",
				"thread_id", cp.ThreadID, "error", err)
			excerpts = nil
		}
	}

	var tools []model.ToolDescriptor
	if e.tools != nil {
		tools = e.tools.List()
	}

	return e.planner.Plan(ctx, planner.Request{
		ThreadID: cp.ThreadID,
		RunID:    cp.Run.ID,
		Messages: cp.Messages,
		Excerpts: excerpts,
		Tools:    tools,
	})
}

// observe dispatches an invocation, records the observation, and applies
// the consecutive-failure policy. Returns false when the loop must stop.
func (e *Engine) observe(ctx context.Context, cp *model.Checkpoint, inv model.ToolInvocation, consecFailures *int) bool {
	result := e.dispatcher.Dispatch(ctx, inv)

	// The invocation is terminal now. Seal its record with the resolved
	// status and the attempts the dispatcher consumed, and move it from
	// pending to the completed list.
	inv.Status = result.Status
	inv.AttemptCount = result.Attempts
	cp.PendingInvocation = nil
	cp.Invocations = append(cp.Invocations, inv)

	if ctx.Err() != nil {
		e.terminate(cp, model.RunStatusCancelled, "cancelled by request")
		return false
	}

	var content string
	if result.Status == model.InvocationSuccess {
		*consecFailures = 0
		data, err := json.Marshal(result.Data)
		if err != nil {
			data = []byte("{}")
		}
		content = fmt.Sprintf("tool %s succeeded: %s", inv.ToolName, data)
	} else {
		*consecFailures++
		content = fmt.Sprintf("tool %s failed (%s): %s", inv.ToolName, result.FailureKind, result.ErrorMessage)
		e.logger.Warn("engine: tool invocation failed",
			"thread_id", cp.ThreadID, "run_id", cp.Run.ID,
			"tool", inv.ToolName, "failure_kind", result.FailureKind,
			"consecutive_failures", *consecFailures)
	}

	cp.Messages = append(cp.Messages, model.Message{
		Role:        model.RoleTool,
		Content:     content,
		SequenceNum: cp.NextSequenceNum(),
	})

	if *consecFailures > maxConsecutiveToolFailures {
		e.terminate(cp, model.RunStatusFailed,
			fmt.Sprintf("tool %s failed %d consecutive times (%s)", inv.ToolName, *consecFailures, result.FailureKind))
		return false
	}
	return e.advance(ctx, cp)
}

// advance persists the next checkpoint version. A version conflict means
// another process won the thread; this loop stands down without touching
// anything else.
func (e *Engine) advance(ctx context.Context, cp *model.Checkpoint) bool {
	now := time.Now().UTC()
	cp.Version++
	cp.CreatedAt = now
	cp.Run.UpdatedAt = now

	err := e.store.Save(ctx, *cp)
	if err == nil {
		return true
	}
	if errors.Is(err, checkpoint.ErrVersionConflict) {
		e.logger.Warn("engine: lost thread to a concurrent writer, standing down",
			"thread_id", cp.ThreadID, "version", cp.Version)
		return false
	}
	e.logger.Error("engine: checkpoint write failed, halting loop",
		"thread_id", cp.ThreadID, "version", cp.Version, "error", err)
	return false
}

// terminate writes the terminal checkpoint. The loop context may already
// be cancelled, so the write uses a detached context with its own bound.
func (e *Engine) terminate(cp *model.Checkpoint, status model.RunStatus, reason string) {
	cp.Run.Status = status
	cp.Run.Reason = reason

	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.root), 10*time.Second)
	defer cancel()
	if e.advance(ctx, cp) {
		e.logger.Info("engine: run terminated",
			"thread_id", cp.ThreadID, "run_id", cp.Run.ID,
			"status", status, "reason", reason,
			"iterations", cp.Run.IterationCount)
	}
}

// recordAnswer writes the final answer to long-term memory, best effort.
func (e *Engine) recordAnswer(ctx context.Context, cp model.Checkpoint, answer string) {
	if e.recorder == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	err := e.recorder.Record(recCtx, model.MemoryExcerpt{
		ThreadID: cp.ThreadID,
		Content:  answer,
		Source:   fmt.Sprintf("run:%s", cp.Run.ID),
	})
	if err != nil {
		e.logger.Warn("engine: failed to record answer to memory",
			"thread_id", cp.ThreadID, "run_id", cp.Run.ID, "error", err)
	}
}

func lastUserMessage(messages []model.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == model.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
