package models

import (
	"time"
)

// TaskStatus is the lifecycle flag of a generation task.
//
// The zero value means no task is tracked.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the task is still running.
func (s TaskStatus) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Terminal reports whether the task has ended.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s TaskStatus) String() string {
	if s == "" {
		return "idle"
	}
	return string(s)
}

// TaskHandle associates this client with one server-side job.
type TaskHandle struct {
	TaskID string `json:"task_id"`
}

// TaskRecord is one row of the local task history.
type TaskRecord struct {
	TaskID     string
	TemplateID int
	Status     TaskStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProgressMessage is one accepted progress line, in arrival order.
type ProgressMessage struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Step       string    `json:"step"`
	Text       string    `json:"text"`
	Percentage int       `json:"percentage"`
	IsError    bool      `json:"is_error"`
}

// PreviewArtifact is a rendered slide image. URLs are unique within a task.
type PreviewArtifact struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	Timestamp  time.Time `json:"timestamp"`
	SlideIndex int       `json:"slide_index"` // -1 when the frame gave no index
}

// TaskError describes why a task failed. Present only while the status is failed.
type TaskError struct {
	HasError  bool   `json:"has_error"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Retryable bool   `json:"retryable"`
}

// AggregatedState is the single view of a task exposed to callers.
type AggregatedState struct {
	Status   TaskStatus        `json:"status"`
	Progress int               `json:"progress"`
	Messages []ProgressMessage `json:"messages"`
	Previews []PreviewArtifact `json:"previews"`
	Error    *TaskError        `json:"error"`
	IsActive bool              `json:"is_active"`
	FileURL  string            `json:"file_url,omitempty"`
}

// Clone returns a deep copy so callers can't reach the aggregator's slices.
func (s AggregatedState) Clone() AggregatedState {
	out := s
	out.Messages = append([]ProgressMessage(nil), s.Messages...)
	out.Previews = append([]PreviewArtifact(nil), s.Previews...)
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}

// LastMessage returns the most recent message, if any.
func (s AggregatedState) LastMessage() (ProgressMessage, bool) {
	if len(s.Messages) == 0 {
		return ProgressMessage{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}
