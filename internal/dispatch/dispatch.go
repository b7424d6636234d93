// Package dispatch owns task execution: it accepts submissions, runs each
// task on its own goroutine, and maps run outcomes to terminal states.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomhq/loom/internal/runner"
	"github.com/loomhq/loom/internal/store"
)

var meter = otel.Meter("github.com/loomhq/loom/internal/dispatch")

// Dispatcher runs tasks in the background and tracks their cancel funcs.
type Dispatcher struct {
	store       *store.Store
	runner      *runner.Runner
	logger      *slog.Logger
	taskTimeout time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup

	submitted metric.Int64Counter
	finished  metric.Int64Counter
}

func New(st *store.Store, r *runner.Runner, taskTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	submitted, _ := meter.Int64Counter("loom.tasks.submitted")
	finished, _ := meter.Int64Counter("loom.tasks.finished")
	return &Dispatcher{
		store:       st,
		runner:      r,
		logger:      logger,
		taskTimeout: taskTimeout,
		cancels:     make(map[string]context.CancelFunc),
		submitted:   submitted,
		finished:    finished,
	}
}

// Submit creates the task, persists the user message, and starts the run.
// It returns as soon as the task exists; progress arrives over the bus.
// A thread with an active task yields store.ErrConflict. The task is the
// conflict gate, so it is created before the message: a rejected submission
// must not leave its text behind in the thread history.
func (d *Dispatcher) Submit(ctx context.Context, threadID, agentID, text string) (*store.Task, error) {
	if text == "" {
		return nil, fmt.Errorf("empty message")
	}
	if err := d.store.EnsureThread(ctx, threadID, ""); err != nil {
		return nil, err
	}
	task, err := d.store.CreateTask(ctx, threadID, agentID)
	if err != nil {
		return nil, err
	}
	if _, err := d.store.AddMessage(ctx, threadID, store.ActorUser, text); err != nil {
		// Release the conflict gate so the thread is not wedged by a task
		// that will never run.
		if _, cerr := d.store.CancelTask(ctx, task.ID); cerr != nil {
			d.logger.Error("cancel task after message write failure", "task_id", task.ID, "error", cerr)
		}
		return nil, err
	}
	d.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agentID)))

	// The run outlives the submitting request, so it gets its own context.
	runCtx := context.Background()
	var cancel context.CancelFunc
	if d.taskTimeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, d.taskTimeout)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}

	d.mu.Lock()
	d.cancels[task.ID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go d.runTask(runCtx, cancel, task)

	return task, nil
}

func (d *Dispatcher) runTask(ctx context.Context, cancel context.CancelFunc, task *store.Task) {
	defer d.wg.Done()
	defer cancel()
	defer func() {
		d.mu.Lock()
		delete(d.cancels, task.ID)
		d.mu.Unlock()
	}()

	log := d.logger.With("task_id", task.ID, "thread_id", task.ThreadID, "agent_id", task.AgentID)

	if err := d.store.StartTask(ctx, task.ID); err != nil {
		// A cancel that lands before the run starts flips the task to
		// CANCELLED under us; that is a clean outcome, not a failure.
		var ite *store.InvalidTransitionError
		if errors.As(err, &ite) && ite.From == store.StatusCancelled {
			log.Info("task cancelled before start")
			d.finished.Add(context.Background(), 1, metric.WithAttributes(attribute.String("status", string(store.StatusCancelled))))
			return
		}
		log.Error("start task failed", "error", err)
		d.finish(log, task.ID, "", fmt.Errorf("start task: %w", err))
		return
	}

	result, err := d.runner.Run(ctx, task)
	if err == nil {
		// The agent's answer joins the conversation alongside the result.
		if _, msgErr := d.store.AddMessage(context.Background(), task.ThreadID, store.ActorAgent, result); msgErr != nil {
			log.Error("append agent message failed", "error", msgErr)
		}
	}
	d.finish(log, task.ID, result, err)
}

// finish maps a run outcome to the terminal transition. Terminal writes use
// a fresh context; the run context may already be dead.
func (d *Dispatcher) finish(log *slog.Logger, taskID, result string, err error) {
	ctx := context.Background()

	var status store.Status
	var terr error
	switch {
	case err == nil:
		status, terr = d.store.CompleteTask(ctx, taskID, result)
	case errors.Is(err, runner.ErrCancelled):
		status, terr = d.store.CancelTask(ctx, taskID)
	default:
		log.Warn("task run failed", "error", err)
		status, terr = d.store.FailTask(ctx, taskID, err.Error())
	}
	if terr != nil {
		log.Error("terminal transition failed", "error", terr)
		return
	}

	d.finished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	log.Info("task finished", "status", string(status))
}

// Cancel requests cooperative cancellation: it sets the persisted flag,
// fires the run's context cancel, and directly cancels a task that never
// started running. Cancelling a terminal task is a no-op.
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		return nil
	}

	if _, err := d.store.RequestCancel(ctx, taskID); err != nil {
		return err
	}

	d.mu.Lock()
	cancel := d.cancels[taskID]
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if task.Status == store.StatusPending {
		if _, err := d.store.CancelTask(ctx, taskID); err != nil {
			// The run may have started in between; the flag and the
			// context cancel still stop it at the next checkpoint.
			var ite *store.InvalidTransitionError
			if !errors.As(err, &ite) {
				return err
			}
		}
	}
	return nil
}

// RecoverInterrupted fails tasks a previous process left non-terminal.
func (d *Dispatcher) RecoverInterrupted(ctx context.Context) error {
	n, err := d.store.RecoverInterruptedTasks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		d.logger.Warn("recovered interrupted tasks", "count", n)
	}
	return nil
}

// Drain waits for in-flight runs to settle, up to the timeout.
func (d *Dispatcher) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("drain timed out after %s", timeout)
	}
}

// Active reports how many runs are currently tracked.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.cancels)
}
