package formatter

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/deckctl/internal/models"
	th "github.com/desertthunder/deckctl/internal/testing"
)

func sampleState() models.AggregatedState {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return models.AggregatedState{
		Status:   models.StatusFailed,
		Progress: 40,
		Messages: []models.ProgressMessage{
			{ID: "m1", Timestamp: ts, Step: "outline", Text: "planning", Percentage: 10},
			{ID: "m2", Timestamp: ts, Step: "render", Percentage: 40},
			{ID: "m3", Timestamp: ts, Text: "renderer crashed", Percentage: 40, IsError: true},
		},
		Previews: []models.PreviewArtifact{
			{ID: "p1", URL: "/previews/1.jpg", SlideIndex: 0},
			{ID: "p2", URL: "/previews/cover", SlideIndex: -1},
		},
		Error: &models.TaskError{HasError: true, Code: "RENDER", Message: "renderer crashed", Retryable: true},
	}
}

func TestExporters(t *testing.T) {
	t.Run("HistoryToCSV", func(t *testing.T) {
		created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
		records := []models.TaskRecord{
			{TaskID: "task-1", TemplateID: 3, Status: models.StatusCompleted, CreatedAt: created, UpdatedAt: created.Add(time.Minute)},
			{TaskID: "task-2", TemplateID: 4, Status: models.StatusPending, CreatedAt: created, UpdatedAt: created},
		}

		data, err := HistoryToCSV(records)
		if err != nil {
			t.Fatalf("HistoryToCSV failed: %v", err)
		}

		output := string(data)
		if !strings.Contains(output, "Task ID,Template,Status,Created,Updated") {
			t.Errorf("CSV missing headers, got: %s", output)
		}
		if !strings.Contains(output, "task-1,3,completed,2025-01-02T03:04:05Z,2025-01-02T03:05:05Z") {
			t.Errorf("CSV missing task-1 row, got: %s", output)
		}
		if lines := strings.Count(output, "\n"); lines != 3 {
			t.Errorf("expected 3 lines, got %d", lines)
		}
	})

	t.Run("StateToText", func(t *testing.T) {
		t.Run("with error", func(t *testing.T) {
			output := string(StateToText("task-1", sampleState()))

			for _, want := range []string{
				"Task: task-1",
				"Status: failed (40%)",
				"Error: [RENDER] renderer crashed (retryable: yes)",
				"Previews: 2",
				"[ 10%] planning",
				"[ 40%] render",
				"! [ 40%] renderer crashed",
			} {
				if !strings.Contains(output, want) {
					t.Errorf("expected %q in output:\n%s", want, output)
				}
			}
		})

		t.Run("idle", func(t *testing.T) {
			output := string(StateToText("", models.AggregatedState{}))
			if !strings.Contains(output, "Task: -") || !strings.Contains(output, "Status: idle (0%)") {
				t.Errorf("unexpected idle output:\n%s", output)
			}
			if strings.Contains(output, "Error") {
				t.Errorf("idle output should not mention errors:\n%s", output)
			}
		})
	})

	t.Run("StateToMarkdown", func(t *testing.T) {
		t.Run("without local images", func(t *testing.T) {
			output := string(StateToMarkdown("task-1", sampleState(), nil))

			if !strings.HasPrefix(output, "# Task task-1\n") {
				t.Errorf("expected title, got:\n%s", output)
			}
			if !strings.Contains(output, "> **Error**: [RENDER] renderer crashed") {
				t.Errorf("expected error block, got:\n%s", output)
			}
			if !strings.Contains(output, "1. planning [10%]") {
				t.Errorf("expected numbered messages, got:\n%s", output)
			}
			if !strings.Contains(output, "![Slide 1](/previews/1.jpg)") || !strings.Contains(output, "![Preview 2](/previews/cover)") {
				t.Errorf("expected remote preview links, got:\n%s", output)
			}
		})

		t.Run("with local images", func(t *testing.T) {
			images := map[string]string{"/previews/1.jpg": "slide_01.jpg"}
			output := string(StateToMarkdown("task-1", sampleState(), images))

			if !strings.Contains(output, "![Slide 1](slide_01.jpg)") {
				t.Errorf("expected local image link, got:\n%s", output)
			}
		})
	})
}

func TestResolvePreviewURL(t *testing.T) {
	tests := []struct {
		name    string
		base    string
		ref     string
		want    string
		wantErr bool
	}{
		{"Absolute", "http://api:8000/api/generation", "https://cdn/x.png", "https://cdn/x.png", false},
		{"Root Relative", "http://api:8000/api/generation", "/static/x.png", "http://api:8000/static/x.png", false},
		{"No Base", "", "/static/x.png", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolvePreviewURL(tt.base, tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%v, got %v", tt.wantErr, err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDownloadImage(t *testing.T) {
	t.Run("EmptyURL", func(t *testing.T) {
		if _, err := DownloadImage(nil, ""); err == nil {
			t.Error("expected error for empty URL")
		}
	})

	t.Run("NonOK", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := DownloadImage(srv.Client(), srv.URL+"/missing.png")
		if err == nil || !strings.Contains(err.Error(), "status 404") {
			t.Errorf("expected status error, got %v", err)
		}
	})
}

func TestWritePreviewExport(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/previews/1.jpg", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "out")
	result, err := WritePreviewExport(srv.Client(), "task-1", sampleState(), srv.URL, dir)
	if err != nil {
		t.Fatalf("WritePreviewExport failed: %v", err)
	}

	slide := filepath.Join(dir, "slide_01.jpg")
	th.AssertFileExists(t, slide)
	if got := th.MustReadFile(t, slide); got != "jpeg-bytes" {
		t.Errorf("unexpected image content %q", got)
	}

	if len(result.Failed) != 1 || result.Failed[0] != "/previews/cover" {
		t.Errorf("expected the cover preview to fail, got %v", result.Failed)
	}

	readme := th.MustReadFile(t, filepath.Join(dir, "README.md"))
	if !strings.Contains(readme, "![Slide 1](slide_01.jpg)") {
		t.Errorf("expected local link in README, got:\n%s", readme)
	}
	if !strings.Contains(readme, "![Preview 2](/previews/cover)") {
		t.Errorf("expected remote link for failed preview, got:\n%s", readme)
	}
}
