package tui

import (
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vitaminmoo/thxc-tool/internal/api"
	"github.com/vitaminmoo/thxc-tool/internal/firmware"
	"github.com/vitaminmoo/thxc-tool/internal/store"
)

// Hooks carries client callbacks into the bubbletea loop. Install its
// options on the client before calling Run.
type Hooks struct {
	events   chan api.Event
	lost     chan error
	progress chan firmware.TransferProgress
}

// NewHooks returns hooks with buffered channels. Events are dropped rather
// than blocking the client when the UI falls behind.
func NewHooks() *Hooks {
	return &Hooks{
		events:   make(chan api.Event, 256),
		lost:     make(chan error, 1),
		progress: make(chan firmware.TransferProgress, 64),
	}
}

// Options returns the client options that feed the hooks.
func (h *Hooks) Options() []api.Option {
	return []api.Option{
		api.WithEvents(func(e api.Event) {
			select {
			case h.events <- e:
			default:
			}
		}),
		api.WithOnDisconnect(func(err error) {
			select {
			case h.lost <- err:
			default:
			}
		}),
	}
}

func (h *Hooks) reportProgress(p firmware.TransferProgress) {
	select {
	case h.progress <- p:
	default:
	}
}

// Run starts the TUI application. The client must have been built with
// hooks.Options(); st may be nil when no preset store is available.
func Run(client *api.Client, hooks *Hooks, st *store.Store) error {
	m := NewModel(client, hooks, st)
	p := tea.NewProgram(m, tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		return err
	}

	return nil
}
