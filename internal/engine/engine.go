// Package engine drives runs through their state graph: planning,
// dispatching, human-in-the-loop suspension, and the terminal states.
//
// Every state transition is durably checkpointed before the engine acts
// on it, so a crash at any point resumes from the last persisted
// transition instead of losing or repeating work invisibly. The engine
// holds a per-thread lease in process and relies on checkpoint version
// uniqueness across processes, so at most one loop advances a thread at
// a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/dandori/internal/checkpoint"
	"github.com/ashita-ai/dandori/internal/memory"
	"github.com/ashita-ai/dandori/internal/model"
	"github.com/ashita-ai/dandori/internal/planner"
)

const (
	// DefaultMaxIterations bounds planning iterations per run.
	DefaultMaxIterations = 10
	// maxConsecutiveToolFailures is how many terminal tool failures in a
	// row are fed back to the planner before the next one fails the run.
	maxConsecutiveToolFailures = 2
)

// Dispatcher resolves tool invocations. Satisfied by *registry.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv model.ToolInvocation) model.ToolResult
}

// ToolSource lists the currently registered tools for the planner.
// Satisfied by *registry.Registry.
type ToolSource interface {
	List() []model.ToolDescriptor
}

// Engine coordinates the planner, dispatcher, memory, and checkpoint
// store for all active runs in this process.
type Engine struct {
	planner    planner.Planner
	dispatcher Dispatcher
	tools      ToolSource
	store      checkpoint.Store
	memory     memory.Accessor
	recorder   memory.Recorder
	logger     *slog.Logger

	maxIterations int
	sem           *semaphore.Weighted

	// root is the lifecycle context for run loops; request contexts end
	// with the HTTP exchange, runs do not.
	root     context.Context
	stopRoot context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	leases  map[uuid.UUID]struct{}          // threads with an active loop
	cancels map[uuid.UUID]context.CancelFunc // active loop cancel, by thread
	runs    map[uuid.UUID]uuid.UUID          // run ID to thread ID, for cancel by run
}

// Config carries engine construction parameters.
type Config struct {
	Planner       planner.Planner
	Dispatcher    Dispatcher
	Tools         ToolSource
	Store         checkpoint.Store
	Memory        memory.Accessor
	Recorder      memory.Recorder
	Logger        *slog.Logger
	MaxIterations int
	// MaxConcurrentRuns bounds run loops in flight; zero means 64.
	MaxConcurrentRuns int64
}

// New creates an engine. Memory defaults to the no-op accessor.
func New(cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 64
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.Noop{}
	}
	root, stop := context.WithCancel(context.Background())
	return &Engine{
		planner:       cfg.Planner,
		dispatcher:    cfg.Dispatcher,
		tools:         cfg.Tools,
		store:         cfg.Store,
		memory:        cfg.Memory,
		recorder:      cfg.Recorder,
		logger:        cfg.Logger,
		maxIterations: cfg.MaxIterations,
		sem:           semaphore.NewWeighted(cfg.MaxConcurrentRuns),
		root:          root,
		stopRoot:      stop,
		leases:        make(map[uuid.UUID]struct{}),
		cancels:       make(map[uuid.UUID]context.CancelFunc),
		runs:          make(map[uuid.UUID]uuid.UUID),
	}
}

// Start begins a new run. A nil thread ID starts a fresh thread; an
// existing thread carries its conversation history into the new run. The
// initial checkpoint is written synchronously, so a returned run is
// already durable.
func (e *Engine) Start(ctx context.Context, req model.StartRunRequest) (model.Run, error) {
	if err := req.Validate(); err != nil {
		return model.Run{}, err
	}

	threadID := uuid.New()
	if req.ThreadID != nil {
		threadID = *req.ThreadID
	}

	var history []model.Message
	var version int64
	prev, err := e.store.LoadLatest(ctx, threadID)
	switch {
	case err == nil:
		if prev.Run.Status == model.RunStatusAwaitingApproval {
			return model.Run{}, fmt.Errorf("%w: %s", ErrAwaitingApproval, threadID)
		}
		if !prev.Run.Status.Terminal() {
			return model.Run{}, fmt.Errorf("%w: %s", ErrThreadBusy, threadID)
		}
		history = prev.Messages
		version = prev.Version
	case errors.Is(err, checkpoint.ErrNotFound):
		// Fresh thread.
	default:
		return model.Run{}, fmt.Errorf("engine: load thread: %w", err)
	}

	if e.leased(threadID) {
		return model.Run{}, fmt.Errorf("%w: %s", ErrThreadBusy, threadID)
	}

	now := time.Now().UTC()
	run := model.Run{
		ID:        uuid.New(),
		ThreadID:  threadID,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	cp := model.Checkpoint{
		ThreadID:  threadID,
		Version:   version + 1,
		Run:       run,
		Messages:  history,
		CreatedAt: now,
	}
	cp.Messages = append(cp.Messages, model.Message{
		Role:        model.RoleUser,
		Content:     req.Input,
		SequenceNum: cp.NextSequenceNum(),
	})

	if err := e.store.Save(ctx, cp); err != nil {
		if errors.Is(err, checkpoint.ErrVersionConflict) {
			return model.Run{}, fmt.Errorf("%w: %s", ErrThreadBusy, threadID)
		}
		return model.Run{}, fmt.Errorf("engine: save initial checkpoint: %w", err)
	}

	e.logger.Info("engine: run started",
		"run_id", run.ID, "thread_id", threadID, "checkpoint_version", cp.Version)
	e.launch(threadID, run.ID)
	return run, nil
}

// Approve applies a human decision to a suspended run. Approval resumes
// the loop; rejection terminates the run as completed with a declined
// answer, because a considered human "no" is a conclusion, not an error.
func (e *Engine) Approve(ctx context.Context, threadID uuid.UUID, req model.ApprovalRequest) (model.Run, error) {
	if err := req.Validate(); err != nil {
		return model.Run{}, err
	}

	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return model.Run{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return model.Run{}, fmt.Errorf("engine: load thread: %w", err)
	}
	if cp.Run.Status != model.RunStatusAwaitingApproval {
		return model.Run{}, fmt.Errorf("%w: status is %s", ErrNotAwaitingApproval, cp.Run.Status)
	}

	now := time.Now().UTC()
	cp.Version++
	cp.CreatedAt = now
	cp.Run.UpdatedAt = now
	cp.Messages = append(cp.Messages, model.Message{
		Role:        model.RoleApprover,
		Content:     fmt.Sprintf("%s by %s", req.Decision, req.ApproverIdentity),
		SequenceNum: cp.NextSequenceNum(),
	})

	switch req.Decision {
	case model.DecisionApprove:
		cp.Run.Status = model.RunStatusRunning
	case model.DecisionReject:
		cp.Run.Status = model.RunStatusCompleted
		cp.Run.Reason = fmt.Sprintf("proposed action rejected by %s", req.ApproverIdentity)
		cp.Messages = append(cp.Messages, model.Message{
			Role:        model.RoleAssistant,
			Content:     "The proposed action was declined by the approver and will not be taken.",
			SequenceNum: cp.NextSequenceNum(),
		})
	}

	if err := e.store.Save(ctx, cp); err != nil {
		if errors.Is(err, checkpoint.ErrVersionConflict) {
			return model.Run{}, fmt.Errorf("%w: concurrent decision on %s", ErrNotAwaitingApproval, threadID)
		}
		return model.Run{}, fmt.Errorf("engine: save approval checkpoint: %w", err)
	}

	e.logger.Info("engine: approval recorded",
		"thread_id", threadID, "run_id", cp.Run.ID,
		"decision", req.Decision, "approver", req.ApproverIdentity)

	if req.Decision == model.DecisionApprove {
		e.launch(threadID, cp.Run.ID)
	}
	return cp.Run, nil
}

// Resume re-enters a thread after a restart. Terminal and suspended runs
// are returned as-is, which makes resume idempotent; a running run gets
// its loop relaunched, re-dispatching any invocation that was in flight
// when the process died.
func (e *Engine) Resume(ctx context.Context, threadID uuid.UUID) (model.Run, error) {
	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return model.Run{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return model.Run{}, fmt.Errorf("engine: load thread: %w", err)
	}

	if cp.Run.Status.Terminal() || cp.Run.Status == model.RunStatusAwaitingApproval {
		return cp.Run, nil
	}

	e.launch(threadID, cp.Run.ID)
	return cp.Run, nil
}

// Cancel stops a run. An active loop is cancelled and writes its own
// cancelled checkpoint; a suspended run is cancelled directly.
func (e *Engine) Cancel(ctx context.Context, runID uuid.UUID) error {
	e.mu.Lock()
	threadID, known := e.runs[runID]
	cancel, active := e.cancels[threadID]
	e.mu.Unlock()

	if !known {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if active {
		cancel()
		e.logger.Info("engine: run cancel requested", "run_id", runID, "thread_id", threadID)
		return nil
	}

	// Not in flight: a suspended or orphaned run. Write the terminal
	// checkpoint here.
	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		return fmt.Errorf("engine: load thread: %w", err)
	}
	if cp.Run.ID != runID {
		return fmt.Errorf("%w: %s is not the latest run on its thread", ErrRunNotFound, runID)
	}
	if cp.Run.Status.Terminal() {
		return nil
	}
	now := time.Now().UTC()
	cp.Version++
	cp.CreatedAt = now
	cp.Run.Status = model.RunStatusCancelled
	cp.Run.Reason = "cancelled by request"
	cp.Run.UpdatedAt = now
	if err := e.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("engine: save cancel checkpoint: %w", err)
	}
	e.logger.Info("engine: suspended run cancelled", "run_id", runID, "thread_id", threadID)
	return nil
}

// Status returns the latest checkpoint for a thread.
func (e *Engine) Status(ctx context.Context, threadID uuid.UUID) (model.Checkpoint, error) {
	cp, err := e.store.LoadLatest(ctx, threadID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return model.Checkpoint{}, fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
		}
		return model.Checkpoint{}, fmt.Errorf("engine: load thread: %w", err)
	}
	return cp, nil
}

// Shutdown cancels all active loops and waits for them to checkpoint and
// exit, or for ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stopRoot()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine: shutdown: %w", ctx.Err())
	}
}

// launch starts the run loop goroutine for a thread if no loop holds the
// lease already.
func (e *Engine) launch(threadID, runID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runs[runID] = threadID
	if _, held := e.leases[threadID]; held {
		return
	}
	e.leases[threadID] = struct{}{}
	ctx, cancel := context.WithCancel(e.root)
	e.cancels[threadID] = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.leases, threadID)
			delete(e.cancels, threadID)
			e.mu.Unlock()
		}()
		e.runLoop(ctx, threadID)
	}()
}

func (e *Engine) leased(threadID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, held := e.leases[threadID]
	return held
}
