package progress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/shared"
)

// FrameKind tags a normalized inbound frame.
type FrameKind int

const (
	// FrameIgnored covers well-formed JSON that carries nothing we recognize.
	FrameIgnored FrameKind = iota
	// FrameLifecycle covers connection bookkeeping such as connection_established and pong.
	FrameLifecycle
	// FrameTask carries task state and is the only kind forwarded to the aggregator.
	FrameTask
)

func (k FrameKind) String() string {
	switch k {
	case FrameLifecycle:
		return "lifecycle"
	case FrameTask:
		return "task"
	default:
		return "ignored"
	}
}

// Frame is the result of [ParseFrame].
type Frame struct {
	Kind  FrameKind
	Type  string // raw "type" discriminator, when the frame had one
	Event models.ProgressEvent
}

var lifecycleTypes = map[string]bool{
	"connection_established": true,
	"connected":              true,
	"pong":                   true,
	"ping":                   true,
	"keepalive":              true,
	"heartbeat":              true,
}

// envelopeKeys are the wrapper fields seen around task payloads, in lookup order.
var envelopeKeys = []string{"data", "payload", "task"}

const maxEnvelopeDepth = 4

type wireEvent struct {
	TaskID          string                `json:"task_id"`
	Status          string                `json:"status"`
	Progress        json.RawMessage       `json:"progress"`
	CurrentStep     string                `json:"current_step"`
	StepDescription string                `json:"step_description"`
	Error           json.RawMessage       `json:"error"`
	PreviewURL      string                `json:"preview_url"`
	PreviewImages   []models.PreviewImage `json:"preview_images"`
	FileURL         string                `json:"file_url"`
}

// ParseFrame normalizes one inbound frame, push channel or REST body, into a tagged [Frame].
//
// Errors wrap [shared.ErrMalformedFrame]: invalid JSON, a non-object root, a status outside
// the known set or fields of the wrong type. Callers log them and drop the frame.
func ParseFrame(data []byte) (Frame, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return Frame{}, err
	}

	typ := stringField(obj, "type")
	if lifecycleTypes[strings.ToLower(typ)] {
		return Frame{Kind: FrameLifecycle, Type: typ}, nil
	}

	obj = unwrap(obj, 0)

	w, err := decodeWire(obj)
	if err != nil {
		return Frame{}, err
	}

	ev, err := w.normalize()
	if err != nil {
		return Frame{}, err
	}

	if !ev.HasTaskData() {
		return Frame{Kind: FrameIgnored, Type: typ, Event: ev}, nil
	}
	return Frame{Kind: FrameTask, Type: typ, Event: ev}, nil
}

func decodeObject(data []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", shared.ErrMalformedFrame)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrMalformedFrame, err)
	}
	return obj, nil
}

// decodeWire re-encodes the unwrapped object and decodes it into the wire shape.
func decodeWire(obj map[string]json.RawMessage) (wireEvent, error) {
	var w wireEvent
	raw, err := json.Marshal(obj)
	if err != nil {
		return w, fmt.Errorf("%w: %v", shared.ErrMalformedFrame, err)
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return w, fmt.Errorf("%w: %v", shared.ErrMalformedFrame, err)
	}
	return w, nil
}

// unwrap descends into nested envelopes until it reaches an object that carries task fields.
func unwrap(obj map[string]json.RawMessage, depth int) map[string]json.RawMessage {
	if depth >= maxEnvelopeDepth || carriesTaskFields(obj) {
		return obj
	}
	for _, key := range envelopeKeys {
		inner, ok := obj[key]
		if !ok {
			continue
		}
		nested, err := decodeObject(inner)
		if err != nil {
			continue
		}
		return unwrap(nested, depth+1)
	}
	return obj
}

func carriesTaskFields(obj map[string]json.RawMessage) bool {
	for _, key := range []string{"status", "progress", "step_description", "current_step"} {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func (w wireEvent) normalize() (models.ProgressEvent, error) {
	ev := models.ProgressEvent{
		TaskID:          w.TaskID,
		CurrentStep:     w.CurrentStep,
		StepDescription: w.StepDescription,
		PreviewURL:      w.PreviewURL,
		PreviewImages:   w.PreviewImages,
		FileURL:         w.FileURL,
	}

	if w.Status != "" {
		status := models.TaskStatus(strings.ToLower(strings.TrimSpace(w.Status)))
		if !status.Valid() {
			return models.ProgressEvent{}, fmt.Errorf("%w: unknown status %q", shared.ErrMalformedFrame, w.Status)
		}
		ev.Status = status
	}

	pct, err := parseProgress(w.Progress)
	if err != nil {
		return models.ProgressEvent{}, err
	}
	ev.Progress = pct

	werr, err := parseWireError(w.Error)
	if err != nil {
		return models.ProgressEvent{}, err
	}
	ev.Error = werr
	return ev, nil
}

// parseProgress accepts a number or a numeric string and clamps it to 0..100.
func parseProgress(raw json.RawMessage) (*int, error) {
	if isNull(raw) {
		return nil, nil
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("%w: progress is not a number", shared.ErrMalformedFrame)
		}
		f, err = strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: progress %q is not a number", shared.ErrMalformedFrame, s)
		}
	}
	if math.IsNaN(f) {
		return nil, fmt.Errorf("%w: progress is NaN", shared.ErrMalformedFrame)
	}
	return models.IntPtr(int(math.Round(math.Max(0, math.Min(100, f))))), nil
}

// parseWireError accepts the structured error block or a bare message string.
func parseWireError(raw json.RawMessage) (*models.WireError, error) {
	if isNull(raw) {
		return nil, nil
	}

	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		if msg == "" {
			return nil, nil
		}
		return &models.WireError{HasError: true, ErrorMessage: msg}, nil
	}

	var werr models.WireError
	if err := json.Unmarshal(raw, &werr); err != nil {
		return nil, fmt.Errorf("%w: error block: %v", shared.ErrMalformedFrame, err)
	}
	return &werr, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
