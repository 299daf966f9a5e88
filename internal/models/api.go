package models

// Envelope is the backend's REST response wrapper.
type Envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

// GenerateRequest starts a new deck generation.
type GenerateRequest struct {
	TemplateID                 int    `json:"template_id"`
	MarkdownContent            string `json:"markdown_content"`
	ClientID                   string `json:"client_id"`
	EnableMultimodalValidation bool   `json:"enable_multimodal_validation"`
}

// GenerateResponse is the data block returned for a new task.
type GenerateResponse struct {
	TaskID  string     `json:"task_id"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// RetryRequest asks the backend to rerun a failed task.
type RetryRequest struct {
	ClientID string `json:"client_id"`
}
