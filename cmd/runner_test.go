package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/services"
	"github.com/desertthunder/deckctl/internal/shared"
	tu "github.com/desertthunder/deckctl/internal/testing"
)

func TestRunner(t *testing.T) {
	t.Run("NewRunner", func(t *testing.T) {
		t.Run("with all dependencies provided", func(t *testing.T) {
			config := shared.DefaultConfig()
			logger := shared.NewLogger(nil)
			output := &bytes.Buffer{}
			httpClient := &http.Client{}
			api := &services.APIService{}

			runner := NewRunner(RunnerOpts{
				Config:     config,
				Logger:     logger,
				Output:     output,
				HTTPClient: httpClient,
				API:        api,
			})

			if runner.config != config {
				t.Error("expected config to be set")
			}
			if runner.logger != logger {
				t.Error("expected logger to be set")
			}
			if runner.output != output {
				t.Error("expected output to be set")
			}
			if runner.httpClient != httpClient {
				t.Error("expected httpClient to be set")
			}
			if runner.api != api {
				t.Error("expected api to be set")
			}
		})

		t.Run("with nil config uses defaults", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Config: nil})
			if runner.config == nil {
				t.Error("expected default config to be set")
			}
		})

		t.Run("with nil output uses stdout", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: nil})
			if runner.output != os.Stdout {
				t.Error("expected output to default to os.Stdout")
			}
		})

		t.Run("with nil httpClient uses default", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{HTTPClient: nil})
			if runner.httpClient != http.DefaultClient {
				t.Error("expected httpClient to default to http.DefaultClient")
			}
		})

		t.Run("with nil api builds one from config", func(t *testing.T) {
			config := shared.DefaultConfig()
			config.Server.APIURL = "http://backend:9000/api/generation/"
			runner := NewRunner(RunnerOpts{Config: config})

			if runner.api == nil || runner.api.BaseURL() != "http://backend:9000/api/generation" {
				t.Errorf("expected api rooted at config url, got %+v", runner.api)
			}
			if runner.metrics == nil {
				t.Error("expected metrics to be created")
			}
		})
	})

	t.Run("writeJSON", func(t *testing.T) {
		t.Run("writes formatted JSON successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writeJSON(map[string]string{"key": "value"}, true); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			result := output.String()
			if !strings.Contains(result, `"key": "value"`) {
				t.Errorf("expected formatted JSON, got %s", result)
			}
			if !strings.HasSuffix(result, "\n") {
				t.Error("expected output to end with newline")
			}
		})

		t.Run("writes compact JSON successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writeJSON(map[string]string{"key": "value"}, false); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}

			expected := `{"key":"value"}` + "\n"
			if output.String() != expected {
				t.Errorf("expected %q, got %q", expected, output.String())
			}
		})

		t.Run("handles marshal error with non-serializable data", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &bytes.Buffer{}})

			// channels cannot be marshaled to JSON
			err := runner.writeJSON(make(chan int), false)
			if err == nil || !strings.Contains(err.Error(), "failed to marshal JSON") {
				t.Errorf("expected marshal error, got %v", err)
			}
		})

		t.Run("handles write failure", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &tu.FWriter{}})

			err := runner.writeJSON(map[string]string{"key": "value"}, false)
			if err == nil || !strings.Contains(err.Error(), "failed to write output") {
				t.Errorf("expected write error, got %v", err)
			}
		})
	})

	t.Run("writePlain", func(t *testing.T) {
		t.Run("writes plain text successfully", func(t *testing.T) {
			output := &bytes.Buffer{}
			runner := NewRunner(RunnerOpts{Output: output})

			if err := runner.writePlain("hello %s", "world"); err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if output.String() != "hello world" {
				t.Errorf("expected 'hello world', got %q", output.String())
			}
		})

		t.Run("handles write failure", func(t *testing.T) {
			runner := NewRunner(RunnerOpts{Output: &tu.FWriter{}})

			err := runner.writePlain("test")
			if err == nil || !strings.Contains(err.Error(), "failed to write output") {
				t.Errorf("expected write error, got %v", err)
			}
		})
	})

	t.Run("register", func(t *testing.T) {
		runner := NewRunner(RunnerOpts{})
		commands := runner.register()

		seen := map[string]bool{}
		for i, cmd := range commands {
			if cmd == nil {
				t.Fatalf("command at index %d is nil", i)
			}
			if seen[cmd.Name] {
				t.Errorf("duplicate command %q", cmd.Name)
			}
			seen[cmd.Name] = true
		}
		for _, name := range []string{"generate", "status", "watch", "cancel", "retry", "resume", "download", "discard", "identity"} {
			if !seen[name] {
				t.Errorf("expected %q to be registered", name)
			}
		}
	})
}

type cliHarness struct {
	backend *tu.Backend
	runner  *Runner
	output  *bytes.Buffer
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	b := tu.NewBackend(t)

	config := shared.DefaultConfig()
	config.Server.APIURL = b.APIURL()
	config.Server.WSURL = b.WSURL()
	config.Database.Path = ":memory:"
	config.Stream.ReconnectDelay = shared.Duration{Duration: 20 * time.Millisecond}
	config.Polling.Interval = shared.Duration{Duration: 20 * time.Millisecond}

	output := &bytes.Buffer{}
	runner := NewRunner(RunnerOpts{Config: config, Output: output, Logger: shared.DiscardLogger()})
	t.Cleanup(func() { runner.Close() })

	return &cliHarness{backend: b, runner: runner, output: output}
}

// run executes one command line and returns what it printed.
func (h *cliHarness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	h.output.Reset()
	err := newApp(h.runner).Run(context.Background(), append([]string{"deckctl"}, args...))
	return h.output.String(), err
}

func (h *cliHarness) track(t *testing.T, taskID string) {
	t.Helper()
	s, err := h.runner.session()
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	if err := s.store.SetCurrentTask(models.TaskHandle{TaskID: taskID}); err != nil {
		t.Fatalf("failed to track task: %v", err)
	}
}

func TestCommands(t *testing.T) {
	t.Run("Generate And Status", func(t *testing.T) {
		h := newCLIHarness(t)
		file := filepath.Join(t.TempDir(), "deck.md")
		if err := os.WriteFile(file, []byte("# Quarterly Review\n\n- revenue"), 0644); err != nil {
			t.Fatal(err)
		}

		out, err := h.run(t, "generate", "-t", "3", "-f", file)
		if err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if !strings.Contains(out, "Task created: task-1") {
			t.Errorf("unexpected output: %s", out)
		}

		out, err = h.run(t, "status", "--json")
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		var payload struct {
			TaskID string                 `json:"task_id"`
			State  models.AggregatedState `json:"state"`
		}
		if err := json.Unmarshal([]byte(out), &payload); err != nil {
			t.Fatalf("status output is not JSON: %v\n%s", err, out)
		}
		if payload.TaskID != "task-1" || !payload.State.IsActive {
			t.Errorf("unexpected status payload: %+v", payload)
		}
	})

	t.Run("Generate Rejects Empty Content", func(t *testing.T) {
		h := newCLIHarness(t)

		_, err := h.run(t, "generate", "-t", "1", "--content", "   ")
		if !errors.Is(err, shared.ErrEmptyContent) {
			t.Errorf("expected ErrEmptyContent, got %v", err)
		}
		if h.backend.Creates() != 0 {
			t.Error("expected no create request")
		}
	})

	t.Run("Status Without Task", func(t *testing.T) {
		h := newCLIHarness(t)

		out, err := h.run(t, "status", "--metrics")
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if !strings.Contains(out, "No task is being tracked.") {
			t.Errorf("unexpected output: %s", out)
		}
		if !strings.Contains(out, "deckctl_tasks_created_total 0") {
			t.Errorf("expected metrics dump, got: %s", out)
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		h := newCLIHarness(t)
		if _, err := h.run(t, "generate", "-t", "1", "--content", "# Deck"); err != nil {
			t.Fatalf("generate failed: %v", err)
		}

		out, err := h.run(t, "cancel")
		if err != nil {
			t.Fatalf("cancel failed: %v", err)
		}
		if !strings.Contains(out, "Task task-1 cancelled") {
			t.Errorf("unexpected output: %s", out)
		}
		if task, _ := h.backend.Task("task-1"); task["status"] != "cancelled" {
			t.Errorf("expected backend task cancelled, got %v", task["status"])
		}

		if _, err := h.run(t, "cancel"); !errors.Is(err, shared.ErrNoCurrentTask) {
			t.Errorf("expected ErrNoCurrentTask on second cancel, got %v", err)
		}
	})

	t.Run("Retry Fresh Reuses Content And Template", func(t *testing.T) {
		h := newCLIHarness(t)
		if _, err := h.run(t, "generate", "-t", "7", "--content", "# Deck"); err != nil {
			t.Fatalf("generate failed: %v", err)
		}
		if _, err := h.run(t, "cancel"); err != nil {
			t.Fatalf("cancel failed: %v", err)
		}

		out, err := h.run(t, "retry")
		if err != nil {
			t.Fatalf("retry failed: %v", err)
		}
		if !strings.Contains(out, "Retrying as task task-2") {
			t.Errorf("unexpected output: %s", out)
		}

		s, _ := h.runner.session()
		rec, err := s.history.Get("task-2")
		if err != nil || rec.TemplateID != 7 {
			t.Errorf("expected retry with template 7, got %+v err=%v", rec, err)
		}
	})

	t.Run("Retry On Server", func(t *testing.T) {
		h := newCLIHarness(t)
		h.backend.PutTask("t1", map[string]any{"status": "failed", "error": "boom"})
		h.track(t, "t1")

		if _, err := h.run(t, "retry", "--server"); err != nil {
			t.Fatalf("retry failed: %v", err)
		}
		if h.backend.Retries() != 1 {
			t.Errorf("expected one server retry, got %d", h.backend.Retries())
		}
	})

	t.Run("Resume Forgets Missing Task", func(t *testing.T) {
		h := newCLIHarness(t)
		h.track(t, "gone")

		out, err := h.run(t, "resume")
		if err != nil {
			t.Fatalf("resume failed: %v", err)
		}
		if !strings.Contains(out, "no longer exists") {
			t.Errorf("unexpected output: %s", out)
		}

		out, _ = h.run(t, "resume")
		if !strings.Contains(out, "Nothing to resume.") {
			t.Errorf("expected nothing to resume, got: %s", out)
		}
	})

	t.Run("Download", func(t *testing.T) {
		h := newCLIHarness(t)
		h.backend.PutTask("t1", map[string]any{"status": "completed"})
		h.backend.SetFile("t1", []byte("pptx-bytes"))
		h.track(t, "t1")

		path := filepath.Join(t.TempDir(), "deck.pptx")
		out, err := h.run(t, "download", "-o", path)
		if err != nil {
			t.Fatalf("download failed: %v", err)
		}
		if !strings.Contains(out, "(10 bytes)") {
			t.Errorf("unexpected output: %s", out)
		}
		if got := tu.MustReadFile(t, path); got != "pptx-bytes" {
			t.Errorf("unexpected file content %q", got)
		}
	})

	t.Run("Download Before Completion", func(t *testing.T) {
		h := newCLIHarness(t)
		h.backend.PutTask("t1", map[string]any{"status": "processing"})
		h.track(t, "t1")

		path := filepath.Join(t.TempDir(), "deck.pptx")
		if _, err := h.run(t, "download", "-o", path); !errors.Is(err, shared.ErrTaskNotComplete) {
			t.Errorf("expected ErrTaskNotComplete, got %v", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("expected partial file to be removed")
		}
	})

	t.Run("Watch Plain Completed", func(t *testing.T) {
		h := newCLIHarness(t)
		h.backend.PutTask("t1", map[string]any{"status": "completed", "step_description": "done rendering"})
		h.track(t, "t1")

		out, err := h.run(t, "watch", "--plain")
		if err != nil {
			t.Fatalf("watch failed: %v", err)
		}
		if !strings.Contains(out, "done rendering") || !strings.Contains(out, "Task t1 completed") {
			t.Errorf("unexpected output: %s", out)
		}
	})

	t.Run("Watch Plain Prints Each Message Once", func(t *testing.T) {
		h := newCLIHarness(t)
		h.backend.PutTask("t1", map[string]any{"status": "processing", "progress": 10, "step_description": "planning"})
		h.track(t, "t1")

		go func() {
			deadline := time.Now().Add(3 * time.Second)
			for h.backend.OpenConns("t1") == 0 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			_ = h.backend.Push("t1", map[string]any{"status": "completed", "progress": 100, "step_description": "slides rendered"})
		}()

		out, err := h.run(t, "watch", "--plain")
		if err != nil {
			t.Fatalf("watch failed: %v", err)
		}
		if got := strings.Count(out, "planning"); got != 1 {
			t.Errorf("expected planning printed once, got %d in:\n%s", got, out)
		}
		if !strings.Contains(out, "slides rendered") || !strings.Contains(out, "Task t1 completed") {
			t.Errorf("unexpected output: %s", out)
		}
	})

	t.Run("Watch Poll", func(t *testing.T) {
		h := newCLIHarness(t)
		h.backend.PutTask("t1", map[string]any{"status": "processing", "progress": 20})
		h.track(t, "t1")

		go func() {
			time.Sleep(100 * time.Millisecond)
			h.backend.PutTask("t1", map[string]any{"status": "failed", "error": map[string]any{"error_message": "out of memory", "can_retry": false}})
		}()

		out, err := h.run(t, "watch", "--poll", "--interval", "20ms")
		if err != nil {
			t.Fatalf("watch failed: %v", err)
		}
		if !strings.Contains(out, "Task t1 failed: out of memory") {
			t.Errorf("unexpected output: %s", out)
		}
	})

	t.Run("Watch Without Task", func(t *testing.T) {
		h := newCLIHarness(t)
		if _, err := h.run(t, "watch", "--plain"); !errors.Is(err, shared.ErrNoCurrentTask) {
			t.Errorf("expected ErrNoCurrentTask, got %v", err)
		}
	})

	t.Run("History CSV", func(t *testing.T) {
		h := newCLIHarness(t)
		if _, err := h.run(t, "generate", "-t", "5", "--content", "# Deck"); err != nil {
			t.Fatalf("generate failed: %v", err)
		}

		out, err := h.run(t, "history", "--csv")
		if err != nil {
			t.Fatalf("history failed: %v", err)
		}
		if !strings.Contains(out, "task-1,5,") {
			t.Errorf("unexpected output: %s", out)
		}

		if _, err := h.run(t, "history", "--forget", "task-1"); err != nil {
			t.Fatalf("history --forget failed: %v", err)
		}
		out, err = h.run(t, "history")
		if err != nil {
			t.Fatalf("history failed: %v", err)
		}
		if !strings.Contains(out, "No tasks yet.") {
			t.Errorf("expected empty history, got %s", out)
		}
		if _, err := h.run(t, "history", "--forget", "task-1"); !errors.Is(err, shared.ErrTaskNotFound) {
			t.Errorf("expected ErrTaskNotFound, got %v", err)
		}
	})

	t.Run("Identity", func(t *testing.T) {
		h := newCLIHarness(t)

		out, err := h.run(t, "identity", "show", "--json")
		if err != nil {
			t.Fatalf("identity show failed: %v", err)
		}
		var before struct {
			ClientID string `json:"client_id"`
		}
		if err := json.Unmarshal([]byte(out), &before); err != nil || before.ClientID == "" {
			t.Fatalf("unexpected identity output %q err=%v", out, err)
		}

		out, err = h.run(t, "identity", "regenerate")
		if err != nil {
			t.Fatalf("identity regenerate failed: %v", err)
		}
		if strings.Contains(out, before.ClientID) {
			t.Errorf("expected a new client id, got: %s", out)
		}
	})

	t.Run("Discard", func(t *testing.T) {
		h := newCLIHarness(t)
		if _, err := h.run(t, "generate", "-t", "1", "--content", "# Deck"); err != nil {
			t.Fatalf("generate failed: %v", err)
		}

		if _, err := h.run(t, "discard"); err != nil {
			t.Fatalf("discard failed: %v", err)
		}
		out, err := h.run(t, "status")
		if err != nil {
			t.Fatalf("status failed: %v", err)
		}
		if !strings.Contains(out, "No task is being tracked.") {
			t.Errorf("unexpected output: %s", out)
		}
	})

	t.Run("API Get", func(t *testing.T) {
		h := newCLIHarness(t)
		h.backend.PutTask("t1", map[string]any{"status": "processing"})

		out, err := h.run(t, "api", "get", "/ppt/tasks/t1")
		if err != nil {
			t.Fatalf("api get failed: %v", err)
		}
		if !strings.Contains(out, `"processing"`) {
			t.Errorf("unexpected output: %s", out)
		}
	})

	t.Run("Setup", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)

		output := &bytes.Buffer{}
		runner := NewRunner(RunnerOpts{Output: output, Logger: shared.DiscardLogger()})
		configPath := filepath.Join(dir, "deckctl.toml")

		if err := newApp(runner).Run(context.Background(), []string{"deckctl", "--config", configPath, "setup"}); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
		tu.AssertFileExists(t, configPath)
		tu.AssertFileExists(t, filepath.Join(dir, "deckctl.db"))
		if !strings.Contains(output.String(), "Setup complete") {
			t.Errorf("unexpected output: %s", output.String())
		}
	})
}
