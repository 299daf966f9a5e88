package progress

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/observability"
	"github.com/desertthunder/deckctl/internal/shared"
)

const (
	defaultFailureMessage = "Task failed"
	updatesBuffer         = 32
)

// completionMarkers flag success-flavored text that must not follow a failure.
var completionMarkers = []string{"done", "complete", "finished", "success", "完成"}

// Aggregator folds progress events into one [models.AggregatedState].
//
// All mutation goes through [Aggregator.Apply] or [Aggregator.ApplyEvent], which are serialized,
// so one event is always fully folded before the next.
type Aggregator struct {
	mu       sync.Mutex
	state    models.AggregatedState
	seen     map[string]struct{}
	previews map[string]struct{}

	updates chan models.AggregatedState
	logger  *log.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewAggregator creates an empty aggregator. logger and metrics may be nil.
func NewAggregator(logger *log.Logger, metrics *observability.Metrics) *Aggregator {
	if logger == nil {
		logger = shared.DiscardLogger()
	}
	a := &Aggregator{
		updates: make(chan models.AggregatedState, updatesBuffer),
		logger:  shared.WithLogger(logger, "component", "aggregator"),
		metrics: metrics,
		now:     time.Now,
	}
	a.resetLocked()
	return a
}

// Apply parses a raw frame and folds it in.
//
// Lifecycle and unrecognized frames leave the state untouched. Malformed input is logged,
// counted and returned so callers can decide whether to surface it; the state never changes.
func (a *Aggregator) Apply(raw []byte) error {
	frame, err := ParseFrame(raw)
	if err != nil {
		a.metrics.ObserveFrame(observability.FrameMalformed)
		a.logger.Warn("dropping malformed frame", "err", err)
		return err
	}

	switch frame.Kind {
	case FrameTask:
		a.ApplyEvent(frame.Event)
	case FrameLifecycle:
		a.logger.Debug("ignoring lifecycle frame", "type", frame.Type)
	default:
		a.logger.Debug("ignoring frame without task data", "type", frame.Type)
	}
	return nil
}

// ApplyEvent folds a normalized event. It reports whether the event changed anything.
func (a *Aggregator) ApplyEvent(ev models.ProgressEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ev.Status != "" && !ev.Status.Valid() {
		a.metrics.ObserveEvent(observability.EventDiscarded)
		a.logger.Warn("dropping event with unknown status", "status", string(ev.Status))
		return false
	}

	prev := a.state.Status
	if prev == models.StatusFailed && ev.Status == models.StatusCompleted {
		a.metrics.ObserveEvent(observability.EventDiscarded)
		a.logger.Info("discarding late completion after failure", "task_id", ev.TaskID)
		return false
	}

	changed := false
	if ev.Status != "" && ev.Status != prev {
		a.state.Status = ev.Status
		changed = true
	}
	if ev.Progress != nil && *ev.Progress != a.state.Progress {
		a.state.Progress = *ev.Progress
		changed = true
	}
	if a.state.Status == models.StatusCompleted && a.state.Progress != 100 {
		a.state.Progress = 100
		changed = true
	}
	if ev.FileURL != "" && ev.FileURL != a.state.FileURL {
		a.state.FileURL = ev.FileURL
		changed = true
	}

	if a.materializeError(ev) {
		changed = true
	}
	if a.admitMessage(ev, prev) {
		changed = true
	}
	if a.admitPreviews(ev) {
		changed = true
	}
	a.state.IsActive = a.state.Status.Active()

	if !changed {
		a.metrics.ObserveEvent(observability.EventDuplicate)
		return false
	}

	a.metrics.ObserveEvent(observability.EventApplied)
	a.sendUpdate(a.state.Clone())
	return true
}

// materializeError keeps Error in step with the failed status.
func (a *Aggregator) materializeError(ev models.ProgressEvent) bool {
	if a.state.Status != models.StatusFailed {
		if a.state.Error == nil {
			return false
		}
		a.state.Error = nil
		return true
	}

	if ev.Error.Explicit() {
		retryable := true
		if ev.Error.CanRetry != nil {
			retryable = *ev.Error.CanRetry
		}
		next := &models.TaskError{
			HasError:  true,
			Code:      ev.Error.ErrorCode,
			Message:   ev.Error.ErrorMessage,
			Retryable: retryable,
		}
		if a.state.Error != nil && *a.state.Error == *next {
			return false
		}
		a.state.Error = next
		return true
	}

	if a.state.Error != nil {
		return false
	}
	msg := ev.StepDescription
	if msg == "" {
		msg = defaultFailureMessage
	}
	a.state.Error = &models.TaskError{HasError: true, Message: msg, Retryable: true}
	return true
}

// admitMessage appends one message per distinct (step, percentage, description) as the event
// reports it. An event without a percentage keys on "-", not on the last known value.
func (a *Aggregator) admitMessage(ev models.ProgressEvent, prev models.TaskStatus) bool {
	if ev.StepDescription == "" {
		return false
	}

	pct := a.state.Progress
	pctKey := "-"
	if ev.Progress != nil {
		pct = *ev.Progress
		pctKey = strconv.Itoa(pct)
	}

	key := ev.CurrentStep + "|" + pctKey + "|" + ev.StepDescription
	if _, ok := a.seen[key]; ok {
		return false
	}

	if prev == models.StatusFailed && (impliesCompletion(ev.StepDescription) || impliesCompletion(ev.CurrentStep)) {
		a.logger.Debug("suppressing completion message after failure", "step", ev.CurrentStep)
		return false
	}

	a.seen[key] = struct{}{}
	a.state.Messages = append(a.state.Messages, models.ProgressMessage{
		ID:         shared.GenerateID(),
		Timestamp:  a.now(),
		Step:       ev.CurrentStep,
		Text:       ev.StepDescription,
		Percentage: pct,
		IsError:    a.state.Status == models.StatusFailed,
	})
	return true
}

// admitPreviews adds each referenced URL once. Nothing is admitted while the task is failed.
func (a *Aggregator) admitPreviews(ev models.ProgressEvent) bool {
	if a.state.Status == models.StatusFailed || a.state.Error != nil {
		return false
	}

	added := false
	for _, ref := range ev.PreviewRefs() {
		if _, ok := a.previews[ref.PreviewURL]; ok {
			continue
		}
		a.previews[ref.PreviewURL] = struct{}{}
		a.state.Previews = append(a.state.Previews, models.PreviewArtifact{
			ID:         shared.GenerateID(),
			URL:        ref.PreviewURL,
			Timestamp:  a.now(),
			SlideIndex: ref.SlideIndex,
		})
		added = true
	}
	return added
}

func impliesCompletion(text string) bool {
	lower := strings.ToLower(text)
	for _, marker := range completionMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of the current state.
func (a *Aggregator) Snapshot() models.AggregatedState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Clone()
}

// Reset empties the state, forgetting every dedup key.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	a.sendUpdate(a.state.Clone())
}

// MarkStatus forces a status without an inbound event, as create and cancel do.
//
// It follows the same rules as an event carrying only that status.
func (a *Aggregator) MarkStatus(status models.TaskStatus) bool {
	return a.ApplyEvent(models.ProgressEvent{Status: status})
}

// Updates delivers a snapshot after every change. Slow readers miss intermediate snapshots.
func (a *Aggregator) Updates() <-chan models.AggregatedState {
	return a.updates
}

func (a *Aggregator) resetLocked() {
	a.state = models.AggregatedState{
		Messages: []models.ProgressMessage{},
		Previews: []models.PreviewArtifact{},
	}
	a.seen = make(map[string]struct{})
	a.previews = make(map[string]struct{})
}

// sendUpdate never blocks; a full channel drops the snapshot.
func (a *Aggregator) sendUpdate(s models.AggregatedState) {
	select {
	case a.updates <- s:
	default:
	}
}

