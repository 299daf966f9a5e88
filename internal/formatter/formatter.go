// package formatter exports task snapshots and history to various formats (CSV, Markdown, plain text)
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/desertthunder/deckctl/internal/models"
)

// HistoryToCSV converts task history to CSV format with columns: Task ID, Template, Status, Created, Updated
func HistoryToCSV(records []models.TaskRecord) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"Task ID", "Template", "Status", "Created", "Updated"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, rec := range records {
		record := []string{
			rec.TaskID,
			strconv.Itoa(rec.TemplateID),
			rec.Status.String(),
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// StateToText renders a snapshot as plain text: a status line, the error if any, then messages.
func StateToText(taskID string, s models.AggregatedState) []byte {
	var buf bytes.Buffer

	if taskID == "" {
		taskID = "-"
	}
	fmt.Fprintf(&buf, "Task: %s\n", taskID)
	fmt.Fprintf(&buf, "Status: %s (%d%%)\n", s.Status, s.Progress)
	if s.Error != nil {
		retry := "no"
		if s.Error.Retryable {
			retry = "yes"
		}
		fmt.Fprintf(&buf, "Error: %s (retryable: %s)\n", errorText(s.Error), retry)
	}
	if s.FileURL != "" {
		fmt.Fprintf(&buf, "File: %s\n", s.FileURL)
	}
	if len(s.Previews) > 0 {
		fmt.Fprintf(&buf, "Previews: %d\n", len(s.Previews))
	}

	if len(s.Messages) > 0 {
		buf.WriteString("\n")
	}
	for _, m := range s.Messages {
		marker := " "
		if m.IsError {
			marker = "!"
		}
		fmt.Fprintf(&buf, "%s [%3d%%] %s\n", marker, m.Percentage, messageText(m))
	}

	return buf.Bytes()
}

// StateToMarkdown renders a snapshot as a Markdown report.
//
// images maps preview URLs to local filenames; previews without an entry link to their URL.
func StateToMarkdown(taskID string, s models.AggregatedState, images map[string]string) []byte {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "# Task %s\n\n", taskID)
	fmt.Fprintf(&buf, "**Status**: %s\n", s.Status)
	fmt.Fprintf(&buf, "**Progress**: %d%%\n", s.Progress)
	if s.FileURL != "" {
		fmt.Fprintf(&buf, "**File**: %s\n", s.FileURL)
	}
	buf.WriteString("\n")

	if s.Error != nil {
		fmt.Fprintf(&buf, "> **Error**: %s\n\n", errorText(s.Error))
	}

	if len(s.Messages) > 0 {
		buf.WriteString("## Progress\n\n")
		for i, m := range s.Messages {
			fmt.Fprintf(&buf, "%d. %s [%d%%]\n", i+1, messageText(m), m.Percentage)
		}
		buf.WriteString("\n")
	}

	if len(s.Previews) > 0 {
		buf.WriteString("## Previews\n\n")
		for i, p := range s.Previews {
			target := p.URL
			if local, ok := images[p.URL]; ok {
				target = local
			}
			fmt.Fprintf(&buf, "![%s](%s)\n", previewLabel(p, i), target)
		}
	}

	return buf.Bytes()
}

// ResolvePreviewURL resolves a possibly relative preview reference against base.
func ResolvePreviewURL(base, ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid preview URL %q: %w", ref, err)
	}
	if refURL.IsAbs() {
		return ref, nil
	}

	baseURL, err := url.Parse(base)
	if err != nil || !baseURL.IsAbs() {
		return "", fmt.Errorf("cannot resolve %q without an absolute base", ref)
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

// DownloadImage downloads an image from the given URL and returns the raw bytes
func DownloadImage(client *http.Client, imageURL string) ([]byte, error) {
	if imageURL == "" {
		return nil, fmt.Errorf("empty URL provided")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	resp, err := client.Get(imageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: status %d", resp.StatusCode)
	}

	imageData, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}

	return imageData, nil
}

// PreviewExportResult contains information about files created by WritePreviewExport
type PreviewExportResult struct {
	Directory string
	Files     []string
	Failed    []string
}

// WritePreviewExport saves every preview image of a snapshot into outputDir with a README.md report.
//
// Directory name defaults to the task ID. Relative preview URLs are resolved against baseURL.
// Images that fail to download are listed in Failed and linked remotely in the report.
func WritePreviewExport(client *http.Client, taskID string, s models.AggregatedState, baseURL, outputDir string) (*PreviewExportResult, error) {
	if outputDir == "" {
		outputDir = taskID
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	result := &PreviewExportResult{Directory: outputDir}
	images := make(map[string]string, len(s.Previews))

	for i, p := range s.Previews {
		src, err := ResolvePreviewURL(baseURL, p.URL)
		if err != nil {
			result.Failed = append(result.Failed, p.URL)
			continue
		}
		data, err := DownloadImage(client, src)
		if err != nil {
			result.Failed = append(result.Failed, p.URL)
			continue
		}

		name := previewFilename(p, i)
		file := filepath.Join(outputDir, name)
		if err := os.WriteFile(file, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to write preview: %w", err)
		}
		images[p.URL] = name
		result.Files = append(result.Files, file)
	}

	mdFile := filepath.Join(outputDir, "README.md")
	if err := os.WriteFile(mdFile, StateToMarkdown(taskID, s, images), 0644); err != nil {
		return nil, fmt.Errorf("failed to write Markdown file: %w", err)
	}
	result.Files = append(result.Files, mdFile)

	return result, nil
}

func errorText(e *models.TaskError) string {
	msg := e.Message
	if msg == "" {
		msg = "task failed"
	}
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, msg)
	}
	return msg
}

func messageText(m models.ProgressMessage) string {
	if m.Text != "" {
		return m.Text
	}
	if m.Step != "" {
		return m.Step
	}
	return "(no description)"
}

func previewLabel(p models.PreviewArtifact, i int) string {
	if p.SlideIndex >= 0 {
		return fmt.Sprintf("Slide %d", p.SlideIndex+1)
	}
	return fmt.Sprintf("Preview %d", i+1)
}

func previewFilename(p models.PreviewArtifact, i int) string {
	ext := path.Ext(p.URL)
	if u, err := url.Parse(p.URL); err == nil {
		ext = path.Ext(u.Path)
	}
	if ext == "" {
		ext = ".png"
	}
	if p.SlideIndex >= 0 {
		return fmt.Sprintf("slide_%02d%s", p.SlideIndex+1, ext)
	}
	return fmt.Sprintf("preview_%02d%s", i+1, ext)
}
