// Package ui implements the watch screen using bubbletea's Elm architecture.
//
// The screen has two views:
//  1. [ProgressView] : status badge, progress bar, error box and the message log
//  2. [PreviewView] : a browsable list of rendered slide previews
//
// The [Model] implements bubbletea's Init/Update/View pattern. Snapshots flow in from the
// controller's updates channel, one command at a time, so a slow terminal never blocks the
// aggregator: the channel drops snapshots it cannot deliver and the next one carries the full state.
//
// Keyboard navigation uses vim-style bindings (j/k, p, c, r, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
