package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/desertthunder/deckctl/internal/formatter"
	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/services"
	"github.com/desertthunder/deckctl/internal/shared"
	"github.com/desertthunder/deckctl/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Generate validates the Markdown input, creates a task and optionally follows it.
func (r *Runner) Generate(ctx context.Context, cmd *cli.Command) error {
	content, err := readContent(cmd.String("file"), cmd.String("content"))
	if err != nil {
		return err
	}

	interactive := cmd.Bool("watch") && !cmd.Bool("plain") && !cmd.Bool("poll") && !cmd.Bool("json")
	if interactive {
		if err := r.useFileLogger(); err != nil {
			return err
		}
	}

	s, err := r.session()
	if err != nil {
		return err
	}

	taskID, err := s.ctrl.CreateTask(ctx, int(cmd.Int("template")), content, tasks.CreateOptions{
		EnableMultimodalValidation: cmd.Bool("multimodal"),
	})
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(map[string]any{"task_id": taskID, "state": s.ctrl.Snapshot()}, false)
	}
	r.writePlain("✓ Task created: %s\n", taskID)

	if !cmd.Bool("watch") {
		r.writePlain("Follow it with 'deckctl watch'.\n")
		return nil
	}
	return r.watch(ctx, cmd, s, interactive)
}

// Status prints the tracked task after refreshing it from the backend.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session()
	if err != nil {
		return err
	}

	taskID, err := s.ctrl.ResumeIfPending(ctx)
	if err != nil {
		return err
	}
	s.ctrl.Close()
	state := s.ctrl.Snapshot()

	switch {
	case cmd.Bool("json"):
		if err := r.writeJSON(map[string]any{"task_id": taskID, "state": state}, true); err != nil {
			return err
		}
	case cmd.Bool("markdown"):
		if _, err := r.output.Write(formatter.StateToMarkdown(taskID, state, nil)); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	case taskID == "":
		r.writePlain("No task is being tracked.\n")
	default:
		if _, err := r.output.Write(formatter.StateToText(taskID, state)); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	if cmd.Bool("metrics") {
		return r.metrics.WriteText(r.output)
	}
	return nil
}

// Cancel stops the tracked task.
func (r *Runner) Cancel(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session()
	if err != nil {
		return err
	}

	taskID := s.ctrl.CurrentTaskID()
	if taskID == "" {
		if handle, err := s.store.CurrentTask(); err == nil && handle != nil {
			taskID = handle.TaskID
		}
	}
	if err := s.ctrl.CancelTask(ctx); err != nil {
		return err
	}

	r.writePlain("✓ Task %s cancelled\n", taskID)
	return nil
}

// Retry reruns the last task, either on the server or as a fresh task from the saved Markdown.
func (r *Runner) Retry(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session()
	if err != nil {
		return err
	}

	var taskID string
	if cmd.Bool("server") {
		if _, err := s.ctrl.ResumeIfPending(ctx); err != nil && !services.IsNotFound(err) {
			return err
		}
		taskID, err = s.ctrl.RetryOnServer(ctx)
	} else {
		taskID, err = r.retryFresh(ctx, cmd, s)
	}
	if err != nil {
		return err
	}

	r.writePlain("✓ Retrying as task %s\n", taskID)
	if !cmd.Bool("watch") {
		return nil
	}
	return r.watch(ctx, cmd, s, false)
}

func (r *Runner) retryFresh(ctx context.Context, cmd *cli.Command, s *session) (string, error) {
	content, err := s.store.LastContent()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("%w: no saved content to retry", shared.ErrNoCurrentTask)
	}

	templateID := int(cmd.Int("template"))
	if templateID <= 0 {
		recent, err := s.history.List(1)
		if err != nil {
			return "", err
		}
		if len(recent) > 0 {
			templateID = recent[0].TemplateID
		}
	}

	return s.ctrl.RetryTask(ctx, templateID, content, tasks.CreateOptions{
		EnableMultimodalValidation: cmd.Bool("multimodal"),
	})
}

// Resume reattaches to the task a previous session left behind.
func (r *Runner) Resume(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session()
	if err != nil {
		return err
	}

	taskID, err := s.ctrl.ResumeIfPending(ctx)
	if err != nil {
		if services.IsNotFound(err) {
			r.writePlain("The saved task no longer exists on the server; it has been forgotten.\n")
			return nil
		}
		return err
	}
	if taskID == "" {
		r.writePlain("Nothing to resume.\n")
		return nil
	}

	state := s.ctrl.Snapshot()
	r.writePlain("✓ Resumed task %s (%s, %d%%)\n", taskID, state.Status, state.Progress)
	if !cmd.Bool("watch") || !state.IsActive {
		return nil
	}
	return r.watch(ctx, cmd, s, false)
}

// Download saves the completed presentation to disk.
func (r *Runner) Download(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session()
	if err != nil {
		return err
	}

	taskID, err := s.ctrl.ResumeIfPending(ctx)
	if err != nil {
		return err
	}
	if taskID == "" {
		return shared.ErrNoCurrentTask
	}
	s.ctrl.Close()

	path := cmd.String("output")
	if path == "" {
		path = fmt.Sprintf("presentation_%s.pptx", taskID)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	n, err := s.ctrl.Download(ctx, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}

	r.logger.Info("download complete", "task_id", taskID, "bytes", n, "path", path)
	r.writePlain("✓ Saved %s (%d bytes)\n", path, n)

	if cmd.Bool("open") {
		if err := shared.OpenTarget(path); err != nil {
			r.logger.Warn("could not open file", "path", path, "err", err)
		}
	}
	return nil
}

// Previews saves every slide preview of the tracked task with a Markdown report.
func (r *Runner) Previews(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session()
	if err != nil {
		return err
	}

	taskID, err := s.ctrl.ResumeIfPending(ctx)
	if err != nil {
		return err
	}
	if taskID == "" {
		return shared.ErrNoCurrentTask
	}
	s.ctrl.Close()

	state := s.ctrl.Snapshot()
	if len(state.Previews) == 0 {
		r.writePlain("Task %s has no previews yet.\n", taskID)
		return nil
	}

	result, err := formatter.WritePreviewExport(r.httpClient, taskID, state, r.config.Server.APIURL, cmd.String("output"))
	if err != nil {
		return err
	}
	for _, failed := range result.Failed {
		r.logger.Warn("preview not downloaded", "url", failed)
	}

	r.writePlain("✓ Saved %d files to %s\n", len(result.Files), result.Directory)
	return nil
}

// Discard forgets the tracked task locally.
func (r *Runner) Discard(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session()
	if err != nil {
		return err
	}
	if err := s.ctrl.Discard(); err != nil {
		return err
	}
	r.writePlain("✓ Local task state cleared\n")
	return nil
}

// History lists tasks started from this machine, newest first.
func (r *Runner) History(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session()
	if err != nil {
		return err
	}

	if id := cmd.String("forget"); id != "" {
		if err := s.history.Delete(id); err != nil {
			return err
		}
		r.writePlain("✓ Removed %s from history\n", id)
		return nil
	}

	records, err := s.history.List(int(cmd.Int("limit")))
	if err != nil {
		return err
	}

	switch {
	case cmd.Bool("json"):
		if records == nil {
			records = []models.TaskRecord{}
		}
		return r.writeJSON(records, true)
	case cmd.Bool("csv"):
		data, err := formatter.HistoryToCSV(records)
		if err != nil {
			return err
		}
		_, err = r.output.Write(data)
		return err
	}

	if len(records) == 0 {
		r.writePlain("No tasks yet.\n")
		return nil
	}

	r.writePlainHeader("Task History")
	for _, rec := range records {
		r.writePlain("%-40s  template %-4d  %-10s  %s\n", rec.TaskID, rec.TemplateID, rec.Status, rec.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

// IdentityShow prints the client id and the tracked task handle.
func (r *Runner) IdentityShow(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session()
	if err != nil {
		return err
	}

	clientID, err := s.store.ClientID()
	if err != nil {
		return err
	}
	handle, err := s.store.CurrentTask()
	if err != nil {
		return err
	}
	content, err := s.store.LastContent()
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		return r.writeJSON(map[string]any{
			"client_id":     clientID,
			"current_task":  handle,
			"content_bytes": len(content),
		}, true)
	}

	current := "none"
	if handle != nil {
		current = handle.TaskID
	}
	r.writePlain("Client ID:    %s\n", clientID)
	r.writePlain("Current task: %s\n", current)
	r.writePlain("Saved content: %d bytes\n", len(content))
	return nil
}

// IdentityRegenerate replaces the client id.
func (r *Runner) IdentityRegenerate(ctx context.Context, cmd *cli.Command) error {
	s, err := r.session()
	if err != nil {
		return err
	}

	clientID, err := s.store.RegenerateClientID()
	if err != nil {
		return err
	}
	r.writePlain("✓ New client ID: %s\n", clientID)
	return nil
}

// readContent returns inline content, or reads it from path ("-" is stdin).
func readContent(path, inline string) (string, error) {
	switch {
	case path != "" && inline != "":
		return "", fmt.Errorf("%w: cannot specify both --file and --content", shared.ErrInvalidArgument)
	case inline != "":
		return inline, nil
	case path == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read content file: %w", err)
		}
		return string(data), nil
	default:
		return "", shared.ErrEmptyContent
	}
}
