package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/deckctl/internal/models"
)

var (
	_ list.Item = previewItem{}
	_ tea.Msg   = snapshotMsg{}
)

// snapshotMsg carries a fresh [models.AggregatedState] into Update.
type snapshotMsg models.AggregatedState

// updatesClosedMsg means the controller's updates channel was closed.
type updatesClosedMsg struct{}

// actionDoneMsg reports the outcome of a cancel or retry started from the keyboard.
type actionDoneMsg struct {
	action string
	err    error
}

// previewItem wraps [models.PreviewArtifact] to implement [list.Item].
type previewItem struct {
	preview models.PreviewArtifact
	index   int
}

func (i previewItem) FilterValue() string { return i.preview.URL }
func (i previewItem) Title() string {
	if i.preview.SlideIndex >= 0 {
		return fmt.Sprintf("Slide %d", i.preview.SlideIndex+1)
	}
	return fmt.Sprintf("Preview %d", i.index+1)
}
func (i previewItem) Description() string {
	return fmt.Sprintf("%s • %s", i.preview.URL, i.preview.Timestamp.Format("15:04:05"))
}
