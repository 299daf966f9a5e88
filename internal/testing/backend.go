package testing

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

// APIPrefix is where the fake backend mounts its generation routes.
const APIPrefix = "/api/generation"

// StreamMode controls how the fake push channel treats new connections.
type StreamMode int

const (
	// StreamAccept upgrades, sends connection_established and the stored status, then stays open.
	StreamAccept StreamMode = iota
	// StreamSilent upgrades and sends nothing.
	StreamSilent
	// StreamCloseImmediately upgrades and closes at once.
	StreamCloseImmediately
	// StreamReject answers the upgrade with 503.
	StreamReject
	// StreamReplayThenClose sends the stored status and closes, like a flapping proxy.
	StreamReplayThenClose
)

// Backend is an in-process generation backend that speaks the REST envelope contract and
// serves the push channel with gorilla/websocket.
type Backend struct {
	Server *httptest.Server

	mu        sync.Mutex
	tasks     map[string]map[string]any
	files     map[string][]byte
	conns     map[string][]*websocket.Conn
	dials     map[string]int
	clientIDs []string
	requests  []string
	creates   int
	cancels   int
	retries   int
	nextID    int
	mode      StreamMode
	failCode  int
	upgrader  websocket.Upgrader
}

// NewBackend starts a fake backend that is closed when the test ends.
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		tasks: make(map[string]map[string]any),
		files: make(map[string][]byte),
		conns: make(map[string][]*websocket.Conn),
		dials: make(map[string]int),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	b.Server = httptest.NewServer(b.Router())
	t.Cleanup(b.Close)
	return b
}

func (b *Backend) Router() http.Handler {
	r := chi.NewRouter()
	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(b.record)
		r.Post("/ppt/generate", b.handleGenerate)
		r.Get("/ppt/tasks/{id}", b.handleGetTask)
		r.Delete("/ppt/tasks/{id}", b.handleCancel)
		r.Post("/ppt/tasks/{id}/retry", b.handleRetry)
		r.Get("/files/ppt/{id}/download", b.handleDownload)
	})
	r.Get("/api/v1/ws/tasks/{id}", b.handleStream)
	return r
}

// Close drops every push connection and stops the server.
func (b *Backend) Close() {
	b.mu.Lock()
	for id, conns := range b.conns {
		for _, c := range conns {
			_ = c.Close()
		}
		delete(b.conns, id)
	}
	b.mu.Unlock()
	b.Server.Close()
}

// APIURL is the REST base the client should be configured with.
func (b *Backend) APIURL() string {
	return b.Server.URL + APIPrefix
}

// WSURL is the push-channel origin.
func (b *Backend) WSURL() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http")
}

// SetStreamMode changes how later push connections are handled.
func (b *Backend) SetStreamMode(mode StreamMode) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mode = mode
}

// FailRequests makes every REST route answer with code. Zero restores normal behavior.
func (b *Backend) FailRequests(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failCode = code
}

// PutTask stores or merges fields into the task's status record.
func (b *Backend) PutTask(id string, fields map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[id]
	if !ok {
		task = map[string]any{"task_id": id, "status": "pending", "progress": 0}
		b.tasks[id] = task
	}
	for k, v := range fields {
		task[k] = v
	}
}

// Task returns a copy of the stored status record.
func (b *Backend) Task(id string) (map[string]any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	task, ok := b.tasks[id]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(task))
	for k, v := range task {
		out[k] = v
	}
	return out, true
}

func (b *Backend) SetFile(id string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[id] = data
}

// Push sends frame to every open push connection for the task.
func (b *Backend) Push(id string, frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return b.PushRaw(id, data)
}

func (b *Backend) PushRaw(id string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	conns := b.conns[id]
	if len(conns) == 0 {
		return fmt.Errorf("no open connection for task %s", id)
	}
	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(time.Second))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// DropConns closes the server side of every connection for the task without a close frame.
func (b *Backend) DropConns(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns[id] {
		_ = c.Close()
	}
	delete(b.conns, id)
}

func (b *Backend) Dials(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials[id]
}

func (b *Backend) OpenConns(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns[id])
}

func (b *Backend) Creates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.creates
}

func (b *Backend) Cancels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancels
}

func (b *Backend) Retries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retries
}

// Requests lists "METHOD path" for every REST call received.
func (b *Backend) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

// ClientIDs lists the client_id seen on creates and push connections, in order.
func (b *Backend) ClientIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.clientIDs...)
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, r.Method+" "+r.URL.Path)
		code := b.failCode
		b.mu.Unlock()

		if code != 0 {
			respondDetail(w, code, "forced failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TemplateID      int    `json:"template_id"`
		MarkdownContent string `json:"markdown_content"`
		ClientID        string `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondDetail(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.TemplateID <= 0 || strings.TrimSpace(req.MarkdownContent) == "" {
		respondDetail(w, http.StatusBadRequest, "template_id and markdown_content are required")
		return
	}

	b.mu.Lock()
	b.nextID++
	b.creates++
	id := fmt.Sprintf("task-%d", b.nextID)
	b.clientIDs = append(b.clientIDs, req.ClientID)
	b.tasks[id] = map[string]any{"task_id": id, "status": "pending", "progress": 0}
	b.mu.Unlock()

	respondEnvelope(w, map[string]any{
		"task_id":    id,
		"status":     "pending",
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (b *Backend) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := b.Task(chi.URLParam(r, "id"))
	if !ok {
		respondDetail(w, http.StatusNotFound, "task not found")
		return
	}
	respondEnvelope(w, task)
}

func (b *Backend) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancels++

	task, ok := b.tasks[id]
	if !ok {
		respondDetail(w, http.StatusNotFound, "task not found")
		return
	}
	switch task["status"] {
	case "completed", "failed", "cancelled":
		respondDetail(w, http.StatusBadRequest, fmt.Sprintf("task already %v", task["status"]))
		return
	}
	task["status"] = "cancelled"
	respondEnvelope(w, map[string]any{"task_id": id, "status": "cancelled"})
}

func (b *Backend) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	defer b.mu.Unlock()
	b.retries++

	task, ok := b.tasks[id]
	if !ok {
		respondDetail(w, http.StatusNotFound, "task not found")
		return
	}
	task["status"] = "pending"
	task["progress"] = 0
	delete(task, "error")
	respondEnvelope(w, map[string]any{"task_id": id, "status": "pending"})
}

func (b *Backend) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, ok := b.Task(id)
	if !ok {
		respondDetail(w, http.StatusNotFound, "task not found")
		return
	}
	if task["status"] != "completed" {
		respondDetail(w, http.StatusBadRequest, "task not completed")
		return
	}

	b.mu.Lock()
	data := b.files[id]
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.presentationml.presentation")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=presentation_%s.pptx", id))
	_, _ = w.Write(data)
}

func (b *Backend) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	b.mu.Lock()
	b.dials[id]++
	b.clientIDs = append(b.clientIDs, r.URL.Query().Get("client_id"))
	mode := b.mode
	b.mu.Unlock()

	if mode == StreamReject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	switch mode {
	case StreamCloseImmediately:
		_ = conn.Close()
		return
	case StreamReplayThenClose:
		b.mu.Lock()
		task, ok := b.tasks[id]
		b.mu.Unlock()
		if ok {
			_ = conn.WriteJSON(task)
		}
		_ = conn.Close()
		return
	}

	b.mu.Lock()
	b.conns[id] = append(b.conns[id], conn)
	if mode == StreamAccept {
		_ = conn.WriteJSON(map[string]any{"type": "connection_established", "task_id": id})
		if task, ok := b.tasks[id]; ok {
			_ = conn.WriteJSON(task)
		}
	}
	b.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	b.mu.Lock()
	conns := b.conns[id]
	for i, c := range conns {
		if c == conn {
			b.conns[id] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(b.conns[id]) == 0 {
		delete(b.conns, id)
	}
	b.mu.Unlock()
	_ = conn.Close()
}

func respondEnvelope(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "message": "ok", "data": data})
}

func respondDetail(w http.ResponseWriter, code int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"detail": detail})
}
