package tasks

import (
	"context"
	"errors"
	"fmt"

	"knowledgebase/metadata"
)

// ErrTaskNotActive is returned by control operations that require a
// task to be in a particular state (e.g. resuming a task that isn't
// paused).
var ErrTaskNotActive = errors.New("tasks: task is not in a controllable state")

// Pause requests a running task to pause at its next checkpoint.
func (m *Manager) Pause(ctx context.Context, taskID uint64) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != metadata.TaskRunning && task.State != metadata.TaskQueued {
		return ErrTaskNotActive
	}
	return m.store.RequestPause(ctx, taskID)
}

// Resume requeues a paused task so a worker picks it back up from its
// last checkpoint.
func (m *Manager) Resume(ctx context.Context, taskID uint64) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != metadata.TaskPaused && !task.PauseRequested {
		return ErrTaskNotActive
	}
	return m.store.RequestResume(ctx, taskID)
}

// Cancel requests a task to stop at its next checkpoint.
func (m *Manager) Cancel(ctx context.Context, taskID uint64) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.State {
	case metadata.TaskCompleted, metadata.TaskFailed, metadata.TaskCancelled:
		return ErrTaskNotActive
	}
	if err := m.store.RequestCancelTask(ctx, taskID); err != nil {
		return err
	}
	return m.store.CancelChildTasks(ctx, taskID)
}

// Retry requeues a failed task for another attempt, bypassing the
// attempt cap the manager otherwise enforces automatically.
func (m *Manager) Retry(ctx context.Context, taskID uint64) error {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != metadata.TaskFailed && task.State != metadata.TaskCancelled {
		return fmt.Errorf("tasks: cannot retry task in state %q", task.State)
	}
	return m.store.RequeueTask(ctx, taskID)
}

// Status returns the current state of a task for a status-polling
// endpoint.
func (m *Manager) Status(ctx context.Context, taskID uint64) (*metadata.Task, error) {
	return m.store.GetTask(ctx, taskID)
}
