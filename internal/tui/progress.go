package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/thxc-tool/internal/firmware"
)

// ProgressState tracks an ongoing operation with progress.
type ProgressState struct {
	progress    progress.Model
	percent     float64
	description string
	isActive    bool
}

// NewProgressState creates a new progress tracking state.
func NewProgressState() ProgressState {
	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)
	return ProgressState{
		progress: p,
	}
}

// Start begins tracking a new operation.
func (p *ProgressState) Start(description string) {
	p.isActive = true
	p.percent = 0
	p.description = description
}

// Update updates the progress percentage (0.0 to 1.0).
func (p *ProgressState) Update(percent float64, description string) {
	p.percent = percent
	if description != "" {
		p.description = description
	}
}

// Complete marks the operation as complete.
func (p *ProgressState) Complete() {
	p.percent = 1.0
	p.isActive = false
}

// Cancel stops the progress without completing.
func (p *ProgressState) Cancel() {
	p.isActive = false
}

// IsActive returns whether an operation is in progress.
func (p *ProgressState) IsActive() bool {
	return p.isActive
}

// View renders the progress bar.
func (p ProgressState) View() string {
	if !p.isActive {
		return ""
	}
	descStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	return descStyle.Render(p.description) + "\n" + p.progress.ViewAs(p.percent)
}

// flashProgressMsg reports progress of a running firmware transfer.
type flashProgressMsg firmware.TransferProgress

// flashDoneMsg signals the transfer finished.
type flashDoneMsg struct {
	version string
	err     error
}

func describeProgress(p firmware.TransferProgress) string {
	switch p.Phase {
	case firmware.PhaseBegin:
		return fmt.Sprintf("Starting session (%d files)", p.TotalFiles)
	case firmware.PhaseChunk:
		return fmt.Sprintf("Writing %s (chunk %d/%d)", p.Path, p.ChunksSent, p.TotalChunks)
	case firmware.PhaseFileComplete:
		return fmt.Sprintf("Verified %s (%d/%d files)", p.Path, p.FileIndex+1, p.TotalFiles)
	case firmware.PhaseCommit:
		return "Committing"
	}
	return p.Phase
}

// waitProgress delivers the next progress report from ch.
func waitProgress(ch <-chan firmware.TransferProgress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-ch
		if !ok {
			return nil
		}
		return flashProgressMsg(p)
	}
}
