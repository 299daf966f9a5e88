package models

// ProgressEvent is one status frame after envelope normalization.
//
// Progress is nil when the frame carried no percentage.
type ProgressEvent struct {
	TaskID          string         `json:"task_id,omitempty"`
	Status          TaskStatus     `json:"status,omitempty"`
	Progress        *int           `json:"progress,omitempty"`
	CurrentStep     string         `json:"current_step,omitempty"`
	StepDescription string         `json:"step_description,omitempty"`
	Error           *WireError     `json:"error,omitempty"`
	PreviewURL      string         `json:"preview_url,omitempty"`
	PreviewImages   []PreviewImage `json:"preview_images,omitempty"`
	FileURL         string         `json:"file_url,omitempty"`
}

// WireError is the backend's error block.
type WireError struct {
	HasError     bool   `json:"has_error"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	CanRetry     *bool  `json:"can_retry,omitempty"`
}

// Explicit reports whether the block actually describes an error.
func (w *WireError) Explicit() bool {
	return w != nil && (w.HasError || w.ErrorMessage != "" || w.ErrorCode != "")
}

// PreviewImage references one rendered slide.
type PreviewImage struct {
	SlideIndex int    `json:"slide_index"`
	PreviewURL string `json:"preview_url"`
}

// HasTaskData reports whether the event plausibly carries task state.
func (e ProgressEvent) HasTaskData() bool {
	return e.Status != "" || e.StepDescription != "" || e.Progress != nil
}

// PreviewRefs lists every preview the event references, single URL first.
func (e ProgressEvent) PreviewRefs() []PreviewImage {
	refs := make([]PreviewImage, 0, len(e.PreviewImages)+1)
	if e.PreviewURL != "" {
		refs = append(refs, PreviewImage{SlideIndex: -1, PreviewURL: e.PreviewURL})
	}
	for _, img := range e.PreviewImages {
		if img.PreviewURL != "" {
			refs = append(refs, img)
		}
	}
	return refs
}

// IntPtr is a small helper for building events with a progress value.
func IntPtr(v int) *int {
	return &v
}
