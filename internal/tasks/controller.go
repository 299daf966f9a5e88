package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/observability"
	"github.com/desertthunder/deckctl/internal/progress"
	"github.com/desertthunder/deckctl/internal/shared"
	"github.com/desertthunder/deckctl/internal/stream"
	"golang.org/x/time/rate"
)

const DefaultPollInterval = 2 * time.Second

// Backend is the REST surface the controller needs.
type Backend interface {
	CreateTask(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error)
	GetTask(ctx context.Context, taskID string) (json.RawMessage, error)
	CancelTask(ctx context.Context, taskID string) error
	RetryTask(ctx context.Context, taskID, clientID string) (*models.GenerateResponse, error)
	Download(ctx context.Context, taskID, fileURL string, w io.Writer) (int64, error)
}

// IdentityStore persists the client id, the tracked task and the last content.
type IdentityStore interface {
	ClientID() (string, error)
	CurrentTask() (*models.TaskHandle, error)
	SetCurrentTask(models.TaskHandle) error
	ClearCurrentTask() error
	SetLastContent(string) error
}

// Stream is the push-channel connection.
type Stream interface {
	Connect(ctx context.Context, taskID string, onEvent stream.EventHandler) error
	Disconnect()
	IsConnected() bool
	CurrentTaskID() string
}

// History records started tasks and their final status.
type History interface {
	Create(rec models.TaskRecord) error
	UpdateStatus(taskID string, status models.TaskStatus) error
}

// Options holds the controller's optional collaborators.
type Options struct {
	History      History
	Logger       *log.Logger
	Metrics      *observability.Metrics
	PollInterval time.Duration
}

// CreateOptions are per-task generation switches.
type CreateOptions struct {
	EnableMultimodalValidation bool
}

// Controller is safe for concurrent use.
type Controller struct {
	api     Backend
	store   IdentityStore
	stream  Stream
	history History
	agg     *progress.Aggregator
	logger  *log.Logger
	metrics *observability.Metrics
	poll    time.Duration

	// mu guards taskID and orders every state change against event application.
	mu     sync.Mutex
	taskID string
}

// NewController wires the controller. api, store and conn are required.
func NewController(api Backend, store IdentityStore, conn Stream, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = shared.DiscardLogger()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	return &Controller{
		api:     api,
		store:   store,
		stream:  conn,
		history: opts.History,
		agg:     progress.NewAggregator(opts.Logger, opts.Metrics),
		logger:  shared.WithLogger(opts.Logger, "component", "controller"),
		metrics: opts.Metrics,
		poll:    opts.PollInterval,
	}
}

// CreateTask validates input, starts a job and attaches the stream to it.
//
// Validation errors wrap [shared.ErrValidation] and happen before any network call or state
// change. A stream failure after a successful create is logged, not returned: the task exists
// and [Controller.Poll] remains available.
func (c *Controller) CreateTask(ctx context.Context, templateID int, content string, opts CreateOptions) (string, error) {
	if templateID <= 0 {
		return "", shared.ErrMissingTemplate
	}
	if strings.TrimSpace(content) == "" {
		return "", shared.ErrEmptyContent
	}

	clientID, err := c.store.ClientID()
	if err != nil {
		return "", fmt.Errorf("failed to load client id: %w", err)
	}

	resp, err := c.api.CreateTask(ctx, models.GenerateRequest{
		TemplateID:                 templateID,
		MarkdownContent:            content,
		ClientID:                   clientID,
		EnableMultimodalValidation: opts.EnableMultimodalValidation,
	})
	if err != nil {
		return "", err
	}
	taskID := resp.TaskID
	logger := shared.WithLogger(c.logger, "task_id", taskID)
	logger.Info("task created", "template_id", templateID)
	c.metrics.ObserveTaskCreated()

	if err := c.store.SetCurrentTask(models.TaskHandle{TaskID: taskID}); err != nil {
		logger.Error("failed to persist task handle", "err", err)
	}
	if err := c.store.SetLastContent(content); err != nil {
		logger.Warn("failed to persist content", "err", err)
	}
	c.recordCreated(taskID, templateID)

	c.stream.Disconnect()
	c.track(taskID, models.StatusProcessing)
	c.attach(ctx, taskID)
	return taskID, nil
}

// CancelTask stops the current task. It always succeeds from the caller's point of view once
// a task is tracked: a failed DELETE is logged and the task is still marked cancelled.
func (c *Controller) CancelTask(ctx context.Context) error {
	taskID, err := c.trackedTask()
	if err != nil {
		return err
	}
	logger := shared.WithLogger(c.logger, "task_id", taskID)

	if err := c.api.CancelTask(ctx, taskID); err != nil {
		logger.Warn("cancel request failed, marking cancelled anyway", "err", err)
	}

	c.stream.Disconnect()
	c.mu.Lock()
	c.taskID = ""
	c.agg.MarkStatus(models.StatusCancelled)
	c.mu.Unlock()
	c.recordStatus(taskID, models.StatusCancelled)
	if err := c.store.ClearCurrentTask(); err != nil {
		logger.Warn("failed to clear task handle", "err", err)
	}
	logger.Info("task cancelled")
	return nil
}

// ResumeIfPending re-attaches to the persisted task after a restart.
//
// It returns the resumed task id, or "" when nothing was persisted. The fetched status is
// applied once; the stream is attached only when that status is not terminal. If the fetch
// fails the handle is cleared and the error returned.
func (c *Controller) ResumeIfPending(ctx context.Context) (string, error) {
	handle, err := c.store.CurrentTask()
	if err != nil {
		return "", fmt.Errorf("failed to read task handle: %w", err)
	}
	if handle == nil {
		return "", nil
	}
	taskID := handle.TaskID
	logger := shared.WithLogger(c.logger, "task_id", taskID)

	raw, err := c.api.GetTask(ctx, taskID)
	if err != nil {
		logger.Warn("could not fetch persisted task, forgetting it", "err", err)
		if cerr := c.store.ClearCurrentTask(); cerr != nil {
			logger.Warn("failed to clear task handle", "err", cerr)
		}
		return "", err
	}

	c.stream.Disconnect()
	c.mu.Lock()
	c.taskID = taskID
	c.agg.Reset()
	err = c.agg.Apply(raw)
	c.mu.Unlock()
	if err != nil {
		if cerr := c.store.ClearCurrentTask(); cerr != nil {
			logger.Warn("failed to clear task handle", "err", cerr)
		}
		return "", fmt.Errorf("%w: task %s status", err, taskID)
	}

	status := c.agg.Snapshot().Status
	if status.Terminal() {
		logger.Info("persisted task already finished", "status", status)
		c.recordStatus(taskID, status)
		return taskID, nil
	}

	logger.Info("resuming task", "status", status)
	c.attach(ctx, taskID)
	return taskID, nil
}

// RetryTask resets the state and creates a new task from inputs the caller still holds.
func (c *Controller) RetryTask(ctx context.Context, templateID int, content string, opts CreateOptions) (string, error) {
	c.agg.Reset()
	return c.CreateTask(ctx, templateID, content, opts)
}

// RetryOnServer asks the backend to rerun the tracked task under its existing id, then re-attaches.
func (c *Controller) RetryOnServer(ctx context.Context) (string, error) {
	taskID, err := c.trackedTask()
	if err != nil {
		return "", err
	}

	clientID, err := c.store.ClientID()
	if err != nil {
		return "", fmt.Errorf("failed to load client id: %w", err)
	}

	resp, err := c.api.RetryTask(ctx, taskID, clientID)
	if err != nil {
		return "", err
	}
	if resp.TaskID != "" {
		taskID = resp.TaskID
	}
	status := resp.Status
	if !status.Active() {
		status = models.StatusPending
	}

	c.stream.Disconnect()
	c.track(taskID, status)
	c.recordStatus(taskID, status)
	if err := c.store.SetCurrentTask(models.TaskHandle{TaskID: taskID}); err != nil {
		c.logger.Error("failed to persist task handle", "task_id", taskID, "err", err)
	}
	c.attach(ctx, taskID)
	return taskID, nil
}

// Poll fetches the task over REST at most once per interval until it is terminal or ctx ends.
//
// A non-positive interval uses the configured default. Transient fetch errors are logged and
// retried; a missing task ends the poll.
func (c *Controller) Poll(ctx context.Context, interval time.Duration) (models.AggregatedState, error) {
	taskID, err := c.trackedTask()
	if err != nil {
		return c.agg.Snapshot(), err
	}
	if interval <= 0 {
		interval = c.poll
	}
	logger := shared.WithLogger(c.logger, "task_id", taskID)
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return c.agg.Snapshot(), err
		}

		raw, err := c.api.GetTask(ctx, taskID)
		if errors.Is(err, shared.ErrTaskNotFound) {
			return c.agg.Snapshot(), err
		}
		if err != nil {
			if ctx.Err() != nil {
				return c.agg.Snapshot(), ctx.Err()
			}
			logger.Warn("poll failed", "err", err)
			continue
		}

		c.applyRaw(taskID, raw)
		if snap := c.agg.Snapshot(); snap.Status.Terminal() {
			return snap, nil
		}
	}
}

// Download streams the completed task's file into w.
func (c *Controller) Download(ctx context.Context, w io.Writer) (int64, error) {
	taskID, err := c.trackedTask()
	if err != nil {
		return 0, err
	}

	snap := c.agg.Snapshot()
	if snap.Status != models.StatusCompleted {
		return 0, fmt.Errorf("%w: task %s is %s", shared.ErrTaskNotComplete, taskID, snap.Status)
	}
	return c.api.Download(ctx, taskID, snap.FileURL, w)
}

// Discard drops the tracked task locally: detach, reset and clear the handle.
func (c *Controller) Discard() error {
	c.stream.Disconnect()
	c.track("", "")
	return c.store.ClearCurrentTask()
}

// Close detaches the stream without touching persisted state.
func (c *Controller) Close() {
	c.stream.Disconnect()
}

func (c *Controller) Snapshot() models.AggregatedState {
	return c.agg.Snapshot()
}

func (c *Controller) Updates() <-chan models.AggregatedState {
	return c.agg.Updates()
}

// CurrentTaskID returns the task the controller is tracking in memory.
func (c *Controller) CurrentTaskID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskID
}

// StreamConnected reports whether the push channel is open.
func (c *Controller) StreamConnected() bool {
	return c.stream.IsConnected()
}

func (c *Controller) setTask(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskID = taskID
}

// track switches to taskID with a fresh state. An empty status leaves the state blank.
func (c *Controller) track(taskID string, status models.TaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskID = taskID
	c.agg.Reset()
	if status != "" {
		c.agg.MarkStatus(status)
	}
}

// trackedTask prefers the in-memory task and falls back to the persisted handle.
func (c *Controller) trackedTask() (string, error) {
	if id := c.CurrentTaskID(); id != "" {
		return id, nil
	}
	handle, err := c.store.CurrentTask()
	if err != nil {
		return "", fmt.Errorf("failed to read task handle: %w", err)
	}
	if handle == nil {
		return "", shared.ErrNoCurrentTask
	}
	c.setTask(handle.TaskID)
	return handle.TaskID, nil
}

func (c *Controller) attach(ctx context.Context, taskID string) {
	err := c.stream.Connect(ctx, taskID, func(ev models.ProgressEvent) {
		c.handleEvent(taskID, ev)
	})
	if err != nil {
		c.logger.Warn("stream unavailable, updates will resume on reconnect or poll", "task_id", taskID, "err", err)
	}
}

// handleEvent folds a push-channel event for taskID, ignoring stragglers from a replaced task.
func (c *Controller) handleEvent(taskID string, ev models.ProgressEvent) {
	c.mu.Lock()
	changed := c.taskID == taskID && c.agg.ApplyEvent(ev)
	c.mu.Unlock()
	if changed {
		c.afterChange(taskID)
	}
}

func (c *Controller) applyRaw(taskID string, raw []byte) {
	c.mu.Lock()
	if c.taskID != taskID {
		c.mu.Unlock()
		return
	}
	err := c.agg.Apply(raw)
	c.mu.Unlock()
	if err != nil {
		return
	}
	c.afterChange(taskID)
}

// afterChange detaches once the task reaches a terminal status.
func (c *Controller) afterChange(taskID string) {
	status := c.agg.Snapshot().Status
	if !status.Terminal() {
		return
	}
	if c.stream.CurrentTaskID() == taskID {
		c.stream.Disconnect()
	}
	c.recordStatus(taskID, status)
	c.logger.Info("task finished", "task_id", taskID, "status", status)
}

func (c *Controller) recordCreated(taskID string, templateID int) {
	if c.history == nil {
		return
	}
	rec := models.TaskRecord{TaskID: taskID, TemplateID: templateID, Status: models.StatusPending}
	if err := c.history.Create(rec); err != nil {
		c.logger.Warn("failed to record task", "task_id", taskID, "err", err)
	}
}

func (c *Controller) recordStatus(taskID string, status models.TaskStatus) {
	if c.history == nil {
		return
	}
	if err := c.history.UpdateStatus(taskID, status); err != nil {
		c.logger.Debug("failed to update task history", "task_id", taskID, "err", err)
	}
}
