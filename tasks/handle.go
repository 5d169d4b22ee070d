package tasks

import (
	"context"
	"errors"

	"knowledgebase/metadata"
)

var (
	errTaskCancelled = errors.New("tasks: cancelled")
	errTaskPaused    = errors.New("tasks: paused")
)

// ErrAwaitingChildren is returned by a parent task's finalize stage when
// one or more of its fanned-out child ingests has not yet reached a
// terminal state. The manager treats it as neither success nor failure:
// it defers the task's lease and leaves it running rather than counting
// the wait against its attempt budget.
var ErrAwaitingChildren = errors.New("tasks: awaiting child tasks")

// Handle is what an Executor uses to checkpoint progress and cooperate
// with pause/cancel requests — the equivalent of the original task
// manager's wait_if_paused/check_control_flags, but backed by durable
// columns instead of an in-process flag.
type Handle struct {
	task      *metadata.Task
	store     *metadata.Store
	admitGate *AdmitSemaphore
}

// NewHandle builds a Handle around an already-leased task. Executors
// never call this directly — the Manager constructs one per attempt —
// but it is exported so executor stages can be exercised against a
// real task row without a running Manager.
func NewHandle(task *metadata.Task, store *metadata.Store, admitGate *AdmitSemaphore) *Handle {
	return &Handle{task: task, store: store, admitGate: admitGate}
}

// TaskID returns the task's durable ID.
func (h *Handle) TaskID() uint64 { return h.task.ID }

// TargetVersionID returns the document version this task operates on.
func (h *Handle) TargetVersionID() uint64 { return h.task.TargetVersionID }

// StageCursor returns the stage name persisted from the last
// checkpoint, empty on a task's first attempt.
func (h *Handle) StageCursor() string { return h.task.StageCursor }

// SubIndex returns the sub-index (e.g. the last completed page number)
// persisted from the last checkpoint.
func (h *Handle) SubIndex() int { return h.task.SubIndex }

// Checkpoint persists the stage cursor and sub-index so a crash after
// this call resumes from here rather than from the start of the stage.
func (h *Handle) Checkpoint(ctx context.Context, stage string, subIndex int) error {
	if err := h.store.AdvanceStage(ctx, h.task.ID, stage, subIndex); err != nil {
		return err
	}
	h.task.StageCursor = stage
	h.task.SubIndex = subIndex
	return nil
}

// CheckControl reloads the task's control flags and returns
// errTaskCancelled or errTaskPaused if a cancel or pause was requested,
// nil otherwise. Executors must call this between stages (and ideally
// between expensive sub-steps within a stage, like per-page OCR) so a
// requested pause or cancel takes effect promptly.
func (h *Handle) CheckControl(ctx context.Context) error {
	current, err := h.store.GetTask(ctx, h.task.ID)
	if err != nil {
		return err
	}
	h.task.CancelRequested = current.CancelRequested
	h.task.PauseRequested = current.PauseRequested
	if current.CancelRequested {
		return errTaskCancelled
	}
	if current.PauseRequested {
		return errTaskPaused
	}
	return nil
}

// AcquireAdmit blocks until the distributed admit-stage gate grants a
// slot, bounding how many ingests run their admit stage concurrently
// across every process sharing the Redis instance. Release must be
// called once the admit stage finishes.
func (h *Handle) AcquireAdmit(ctx context.Context) error {
	return h.admitGate.Acquire(ctx)
}

// ReleaseAdmit frees a slot acquired with AcquireAdmit.
func (h *Handle) ReleaseAdmit(ctx context.Context) {
	h.admitGate.Release(ctx)
}
