package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/shared"
)

// GenerationClient wraps the task routes of the generation backend.
type GenerationClient struct {
	api *APIService
}

// NewGenerationClient creates a client rooted at baseURL, e.g. http://host:8000/api/generation.
func NewGenerationClient(baseURL string, client *http.Client) *GenerationClient {
	return &GenerationClient{api: NewAPIService(baseURL, client)}
}

// CreateTask submits a new generation job.
func (g *GenerationClient) CreateTask(ctx context.Context, req models.GenerateRequest) (*models.GenerateResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := g.api.Post(ctx, "/ppt/generate", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	if err := checkResponse(resp, ""); err != nil {
		return nil, err
	}

	var env models.Envelope[models.GenerateResponse]
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", shared.ErrAPIRequest, err)
	}
	if env.Data.TaskID == "" {
		return nil, fmt.Errorf("%w: response carried no task id", shared.ErrAPIRequest)
	}
	return &env.Data, nil
}

// GetTask fetches the full status payload of a task, unwrapped from the envelope.
//
// The payload is returned raw so it can be normalized by the same path as push frames.
func (g *GenerationClient) GetTask(ctx context.Context, taskID string) (json.RawMessage, error) {
	resp, err := g.api.Get(ctx, taskPath(taskID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	if err := checkResponse(resp, taskID); err != nil {
		return nil, err
	}

	var env models.Envelope[json.RawMessage]
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", shared.ErrAPIRequest, err)
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return json.RawMessage(resp.Body), nil
	}
	return env.Data, nil
}

// CancelTask asks the backend to stop a task.
//
// The backend answers 400 for tasks that already finished; that surfaces as [shared.ErrAPIRequest].
func (g *GenerationClient) CancelTask(ctx context.Context, taskID string) error {
	resp, err := g.api.Delete(ctx, taskPath(taskID))
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	return checkResponse(resp, taskID)
}

// RetryTask asks the backend to rerun a task under the same id.
func (g *GenerationClient) RetryTask(ctx context.Context, taskID, clientID string) (*models.GenerateResponse, error) {
	payload, err := json.Marshal(models.RetryRequest{ClientID: clientID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := g.api.Post(ctx, taskPath(taskID)+"/retry", payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	if err := checkResponse(resp, taskID); err != nil {
		return nil, err
	}

	var env models.Envelope[models.GenerateResponse]
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", shared.ErrAPIRequest, err)
	}
	if env.Data.TaskID == "" {
		env.Data.TaskID = taskID
	}
	return &env.Data, nil
}

// Download streams the generated file into w and returns the number of bytes written.
//
// fileURL is the URL the backend advertised, if any. Only absolute http(s) URLs are followed;
// anything else is a server-side path and the download route is used instead.
func (g *GenerationClient) Download(ctx context.Context, taskID, fileURL string, w io.Writer) (int64, error) {
	target, err := g.DownloadURL(taskID, fileURL)
	if err != nil {
		return 0, err
	}

	resp, err := g.api.Open(ctx, target)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", shared.ErrAPIRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		err := checkResponse(&APIResponse{StatusCode: resp.StatusCode, Body: body}, taskID)
		if resp.StatusCode == http.StatusBadRequest {
			return 0, fmt.Errorf("%w: %v", shared.ErrTaskNotComplete, err)
		}
		return 0, err
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to write download: %w", err)
	}
	return n, nil
}

// DownloadURL resolves where the task's file can be fetched.
func (g *GenerationClient) DownloadURL(taskID, fileURL string) (string, error) {
	fileURL = strings.TrimSpace(fileURL)
	if strings.HasPrefix(fileURL, "http://") || strings.HasPrefix(fileURL, "https://") {
		return fileURL, nil
	}
	if strings.TrimSpace(taskID) == "" {
		return "", fmt.Errorf("%w: task id is required", shared.ErrMissingArgument)
	}
	return g.api.BaseURL() + "/files/ppt/" + url.PathEscape(taskID) + "/download", nil
}

func taskPath(taskID string) string {
	return "/ppt/tasks/" + url.PathEscape(taskID)
}

// checkResponse maps non-2xx responses onto sentinel errors, using the backend's detail text.
func checkResponse(resp *APIResponse, taskID string) error {
	if resp.OK() {
		return nil
	}

	detail := errorDetail(resp.Body)
	if resp.StatusCode == http.StatusNotFound && taskID != "" {
		return fmt.Errorf("%w: %s", shared.ErrTaskNotFound, taskID)
	}
	if detail != "" {
		return fmt.Errorf("%w (status %d): %s", shared.ErrAPIRequest, resp.StatusCode, detail)
	}
	return fmt.Errorf("%w: status %d", shared.ErrAPIRequest, resp.StatusCode)
}

func errorDetail(body []byte) string {
	var errResp struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil {
		return ""
	}

	var detail string
	if err := json.Unmarshal(errResp.Detail, &detail); err == nil && detail != "" {
		return detail
	}
	if len(errResp.Detail) > 0 && string(errResp.Detail) != "null" {
		return string(errResp.Detail)
	}
	return errResp.Message
}

// IsNotFound reports whether err means the backend no longer knows the task.
func IsNotFound(err error) bool {
	return errors.Is(err, shared.ErrTaskNotFound)
}
