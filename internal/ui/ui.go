package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/deckctl/internal/models"
)

// ViewState represents the current view in the TUI.
type ViewState int

const (
	ProgressView ViewState = iota
	PreviewView
)

// Controller is the part of the task controller the watch screen drives.
type Controller interface {
	Snapshot() models.AggregatedState
	Updates() <-chan models.AggregatedState
	CurrentTaskID() string
	StreamConnected() bool
	CancelTask(ctx context.Context) error
	RetryOnServer(ctx context.Context) (string, error)
}

// Model represents the TUI application state.
type Model struct {
	ctx      context.Context
	ctrl     Controller
	view     ViewState
	state    models.AggregatedState
	taskID   string
	width    int
	height   int
	offset   int
	bar      progress.Model
	previews list.Model
	notice   string
	err      error
	busy     bool
	help     help.Model
	keys     keyMap
}

// NewModel creates a watch screen seeded with the controller's current snapshot.
func NewModel(ctx context.Context, ctrl Controller) *Model {
	m := &Model{
		ctx:    ctx,
		ctrl:   ctrl,
		view:   ProgressView,
		taskID: ctrl.CurrentTaskID(),
		bar:    progress.New(progress.WithDefaultGradient()),
		help:   help.New(),
		keys:   newKeyMap(),
	}
	m.previews = list.New(nil, list.NewDefaultDelegate(), 0, 0)
	m.previews.Title = "Slide Previews"
	m.applySnapshot(ctrl.Snapshot())
	return m
}

// Init starts listening for snapshots.
func (m *Model) Init() tea.Cmd {
	return m.waitForUpdate()
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.bar.Width = max(msg.Width-8, 10)
		m.previews.SetSize(msg.Width-4, msg.Height-6)
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.quit) {
			return m, tea.Quit
		}
		switch m.view {
		case ProgressView:
			return m.handleProgressKeys(msg)
		case PreviewView:
			return m.handlePreviewKeys(msg)
		}

	case snapshotMsg:
		m.applySnapshot(models.AggregatedState(msg))
		return m, m.waitForUpdate()

	case updatesClosedMsg:
		return m, nil

	case actionDoneMsg:
		m.busy = false
		m.err = msg.err
		if msg.err == nil {
			m.notice = msg.action
		}
		m.taskID = m.ctrl.CurrentTaskID()
		m.applySnapshot(m.ctrl.Snapshot())
		return m, nil
	}

	if m.view == PreviewView {
		var cmd tea.Cmd
		m.previews, cmd = m.previews.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View renders the UI based on the current view state.
func (m *Model) View() string {
	switch m.view {
	case PreviewView:
		return m.renderPreviews()
	default:
		return m.renderProgress()
	}
}

// State returns the snapshot currently on screen.
func (m *Model) State() models.AggregatedState {
	return m.state
}

func (m *Model) applySnapshot(s models.AggregatedState) {
	m.state = s
	if id := m.ctrl.CurrentTaskID(); id != "" {
		m.taskID = id
	}

	items := make([]list.Item, len(s.Previews))
	for i, p := range s.Previews {
		items[i] = previewItem{preview: p, index: i}
	}
	m.previews.SetItems(items)

	if limit := m.maxOffset(); m.offset > limit {
		m.offset = limit
	}
}

func (m *Model) handleProgressKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.up):
		if m.offset > 0 {
			m.offset--
		}
	case key.Matches(msg, m.keys.down):
		if m.offset < m.maxOffset() {
			m.offset++
		}
	case key.Matches(msg, m.keys.previews):
		if len(m.state.Previews) > 0 {
			m.view = PreviewView
		}
	case key.Matches(msg, m.keys.cancel):
		if m.state.IsActive && !m.busy {
			m.busy = true
			return m, m.cancelTask()
		}
	case key.Matches(msg, m.keys.retry):
		if m.canRetry() && !m.busy {
			m.busy = true
			return m, m.retryTask()
		}
	}
	return m, nil
}

func (m *Model) handlePreviewKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.back) && m.previews.FilterState() != list.Filtering {
		m.view = ProgressView
		return m, nil
	}

	var cmd tea.Cmd
	m.previews, cmd = m.previews.Update(msg)
	return m, cmd
}

func (m *Model) canRetry() bool {
	return m.state.Status == models.StatusFailed && m.state.Error != nil && m.state.Error.Retryable
}

func (m *Model) waitForUpdate() tea.Cmd {
	updates := m.ctrl.Updates()
	return func() tea.Msg {
		s, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return snapshotMsg(s)
	}
}

func (m *Model) cancelTask() tea.Cmd {
	return func() tea.Msg {
		return actionDoneMsg{action: "cancelled", err: m.ctrl.CancelTask(m.ctx)}
	}
}

func (m *Model) retryTask() tea.Cmd {
	return func() tea.Msg {
		_, err := m.ctrl.RetryOnServer(m.ctx)
		return actionDoneMsg{action: "retry requested", err: err}
	}
}

// messageRows is how many log lines fit under the header.
func (m *Model) messageRows() int {
	if m.height <= 0 {
		return 10
	}
	return max(m.height-12, 3)
}

func (m *Model) maxOffset() int {
	return max(len(m.state.Messages)-m.messageRows(), 0)
}

func (m *Model) renderProgress() string {
	var b strings.Builder

	taskID := m.taskID
	if taskID == "" {
		taskID = "no task"
	}
	b.WriteString(styles.title.Render(fmt.Sprintf("deckctl • %s", taskID)))
	b.WriteString("\n")

	badge := styles.Status(m.state.Status).Render(strings.ToUpper(m.state.Status.String()))
	conn := styles.help.Render("stream closed")
	if m.ctrl.StreamConnected() {
		conn = styles.ok.Render("live")
	}
	fmt.Fprintf(&b, "%s  %s\n\n", badge, conn)
	fmt.Fprintf(&b, "%s %3d%%\n\n", m.bar.ViewAs(float64(m.state.Progress)/100), m.state.Progress)

	if e := m.state.Error; e != nil {
		text := e.Message
		if e.Code != "" {
			text = fmt.Sprintf("[%s] %s", e.Code, text)
		}
		if e.Retryable {
			text += "\n" + styles.help.Render("press r to retry on the server")
		}
		b.WriteString(styles.box.Render(text))
		b.WriteString("\n\n")
	}

	b.WriteString(m.renderMessages())

	if len(m.state.Previews) > 0 {
		fmt.Fprintf(&b, "\n%s\n", styles.help.Render(fmt.Sprintf("%d slide previews available", len(m.state.Previews))))
	}
	if m.err != nil {
		fmt.Fprintf(&b, "\n%s\n", styles.err.Render(fmt.Sprintf("Error: %v", m.err)))
	} else if m.notice != "" {
		fmt.Fprintf(&b, "\n%s\n", styles.ok.Render(m.notice))
	}

	helpKeys := []key.Binding{m.keys.up, m.keys.down}
	if len(m.state.Previews) > 0 {
		helpKeys = append(helpKeys, m.keys.previews)
	}
	if m.state.IsActive {
		helpKeys = append(helpKeys, m.keys.cancel)
	}
	if m.canRetry() {
		helpKeys = append(helpKeys, m.keys.retry)
	}
	helpKeys = append(helpKeys, m.keys.quit)
	fmt.Fprintf(&b, "\n%s", m.help.ShortHelpView(helpKeys))
	return b.String()
}

func (m *Model) renderMessages() string {
	if len(m.state.Messages) == 0 {
		return styles.help.Render("waiting for progress...") + "\n"
	}

	var b strings.Builder
	end := min(m.offset+m.messageRows(), len(m.state.Messages))
	for _, msg := range m.state.Messages[m.offset:end] {
		text := msg.Text
		if text == "" {
			text = msg.Step
		}
		line := fmt.Sprintf("%s [%3d%%] %s", msg.Timestamp.Format("15:04:05"), msg.Percentage, text)
		if msg.IsError {
			line = styles.err.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderPreviews() string {
	helpKeys := []key.Binding{m.keys.up, m.keys.down, m.keys.back, m.keys.quit}
	return fmt.Sprintf("%s\n\n%s", m.previews.View(), m.help.ShortHelpView(helpKeys))
}
