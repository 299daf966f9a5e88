package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/deckctl/internal/models"
	"github.com/desertthunder/deckctl/internal/server"
	"github.com/desertthunder/deckctl/internal/shared"
	"github.com/desertthunder/deckctl/internal/stream"
	"github.com/desertthunder/deckctl/internal/ui"
	"github.com/urfave/cli/v3"
)

// Watch resumes the tracked task and follows it until it ends.
func (r *Runner) Watch(ctx context.Context, cmd *cli.Command) error {
	interactive := !cmd.Bool("plain") && !cmd.Bool("poll")
	if interactive {
		if err := r.useFileLogger(); err != nil {
			return err
		}
	}

	s, err := r.session()
	if err != nil {
		return err
	}

	taskID, err := s.ctrl.ResumeIfPending(ctx)
	if err != nil {
		return err
	}
	if taskID == "" {
		return fmt.Errorf("%w: run 'deckctl generate' first", shared.ErrNoCurrentTask)
	}
	return r.watch(ctx, cmd, s, interactive)
}

// watch follows the controller's current task with the screen, plain lines or polling.
func (r *Runner) watch(ctx context.Context, cmd *cli.Command, s *session, interactive bool) error {
	if addr := cmd.String("serve"); addr != "" {
		srv := server.New(s.ctrl, r.metrics, r.logger, server.RequestLogger(r.logger))
		if _, err := srv.Start(addr); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	var final models.AggregatedState
	var err error

	switch {
	case cmd.Bool("poll"):
		final, err = s.ctrl.Poll(ctx, cmd.Duration("interval"))
		r.printMessages(final, printedSet{})
	case interactive:
		model := ui.NewModel(ctx, s.ctrl)
		if _, err := tea.NewProgram(model, tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return fmt.Errorf("error running TUI: %w", err)
		}
		final = s.ctrl.Snapshot()
	default:
		final, err = r.follow(ctx, s, r.pollInterval(cmd))
	}

	if err == nil {
		r.writePlainln("%s", summaryLine(s.ctrl.CurrentTaskID(), final))
	}
	if cmd.Bool("metrics") {
		if merr := r.metrics.WriteText(r.output); merr != nil {
			r.logger.Warn("failed to write metrics", "err", merr)
		}
	}
	return err
}

// follow prints each new message until the task ends. When the stream gives up on
// reconnecting while the task is still active it switches to polling.
func (r *Runner) follow(ctx context.Context, s *session, interval time.Duration) (models.AggregatedState, error) {
	ctrl := s.ctrl
	state := ctrl.Snapshot()
	printed := printedSet{}
	r.printMessages(state, printed)
	if !state.IsActive {
		return state, nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctrl.Snapshot(), ctx.Err()
		case state = <-ctrl.Updates():
			r.printMessages(state, printed)
			if state.Status.Terminal() {
				return state, nil
			}
		case <-ticker.C:
			state = ctrl.Snapshot()
			r.printMessages(state, printed)
			if state.Status.Terminal() {
				return state, nil
			}
			if s.conn.State() == stream.StateIdle && state.IsActive {
				r.logger.Warn("push channel gave up, falling back to polling", "task_id", ctrl.CurrentTaskID())
				state, err := ctrl.Poll(ctx, interval)
				r.printMessages(state, printed)
				return state, err
			}
		}
	}
}

// printedSet holds the ids of messages already written; buffered snapshots may lag behind them.
type printedSet map[string]struct{}

// printMessages writes each message of s not yet in printed and records it.
func (r *Runner) printMessages(s models.AggregatedState, printed printedSet) {
	for _, m := range s.Messages {
		if _, ok := printed[m.ID]; ok {
			continue
		}
		printed[m.ID] = struct{}{}
		text := m.Text
		if text == "" {
			text = m.Step
		}
		marker := "•"
		if m.IsError {
			marker = "✗"
		}
		r.writePlain("%s [%3d%%] %s\n", marker, m.Percentage, text)
	}
}

func (r *Runner) pollInterval(cmd *cli.Command) time.Duration {
	if d := cmd.Duration("interval"); d > 0 {
		return d
	}
	return r.config.Polling.Interval.Duration
}

// useFileLogger redirects logs next to the database so they don't draw over the screen.
func (r *Runner) useFileLogger() error {
	path := filepath.Join(filepath.Dir(r.config.Database.Path), "deckctl-tui.log")
	fileLogger, err := shared.NewFileLogger(path)
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	fileLogger.SetLevel(shared.ParseLogLevel(r.config.Logging.Level))
	r.SetLogger(fileLogger)
	return nil
}

func summaryLine(taskID string, s models.AggregatedState) string {
	switch s.Status {
	case models.StatusCompleted:
		return fmt.Sprintf("✓ Task %s completed. Run 'deckctl download' to fetch it.", taskID)
	case models.StatusFailed:
		msg := "task failed"
		if s.Error != nil && s.Error.Message != "" {
			msg = s.Error.Message
		}
		if s.Error != nil && s.Error.Retryable {
			return fmt.Sprintf("✗ Task %s failed: %s (retry with 'deckctl retry')", taskID, msg)
		}
		return fmt.Sprintf("✗ Task %s failed: %s", taskID, msg)
	case models.StatusCancelled:
		return fmt.Sprintf("Task %s was cancelled.", taskID)
	default:
		return fmt.Sprintf("Task %s is %s (%d%%).", taskID, s.Status, s.Progress)
	}
}
