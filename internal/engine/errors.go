package engine

import "errors"

var (
	// ErrThreadNotFound means the thread has no checkpoints.
	ErrThreadNotFound = errors.New("engine: thread not found")
	// ErrThreadBusy means a run is already active on the thread.
	ErrThreadBusy = errors.New("engine: thread busy")
	// ErrNotAwaitingApproval means an approval was submitted for a run
	// that is not suspended.
	ErrNotAwaitingApproval = errors.New("engine: run is not awaiting approval")
	// ErrAwaitingApproval means a new run was requested on a thread that
	// is suspended for a human decision.
	ErrAwaitingApproval = errors.New("engine: thread is awaiting approval")
	// ErrRunNotFound means no active or checkpointed run matches the ID.
	ErrRunNotFound = errors.New("engine: run not found")
)
