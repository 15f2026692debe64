package tui

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vitaminmoo/thxc-tool/internal/state"
	"github.com/vitaminmoo/thxc-tool/internal/store"
)

// View renders the model.
func (m Model) View() string {
	// File picker overlay
	if m.filePickerActive {
		content := m.styles.Title.Render("Select Firmware Package") + "\n" +
			m.styles.Muted.Render("Directory: "+m.filepicker.CurrentDirectory) + "\n\n" +
			m.filepicker.View() + "\n\n" +
			m.styles.Muted.Render("↑/↓ navigate • Enter/→ select • ←/h parent dir • ESC cancel")
		return m.styles.App.Render(content)
	}

	var content string

	switch m.view {
	case ViewMain:
		content = m.viewMain()
	case ViewDevice:
		content = m.viewDevice()
	case ViewState:
		content = m.viewState()
	case ViewPresets:
		content = m.viewPresets()
	case ViewFirmware:
		content = m.viewFirmware()
	case ViewLog:
		content = m.viewLog()
	default:
		content = "Unknown view"
	}

	content += m.renderMessages()

	// Help
	helpView := m.styles.Help.Render(m.help.View(m.keys))

	return m.styles.App.Render(
		content + "\n" + helpView,
	)
}

func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar("thx-c"))
	b.WriteString("\n\n")

	for i, item := range m.menuItems {
		desc := item.Description
		switch item.View {
		case ViewPresets:
			desc = fmt.Sprintf("%s (%d)", item.Description, len(m.presets))
		case ViewLog:
			desc = fmt.Sprintf("%s (%d)", item.Description, len(m.events))
		}

		if i == m.cursor {
			b.WriteString(m.styles.MenuItemSelected.Render("> " + item.Title))
		} else {
			b.WriteString(m.styles.MenuItem.Render("  " + item.Title))
		}
		b.WriteString("\n")
		b.WriteString(m.styles.MenuItemDim.Render(desc))
		b.WriteString("\n\n")
	}

	return b.String()
}

// renderTitleBar renders a consistent title bar with connection status.
func (m Model) renderTitleBar(title string) string {
	var parts []string

	parts = append(parts, m.styles.Title.Render(title))

	switch {
	case m.connecting:
		parts = append(parts, m.spinner.View()+" "+m.styles.Warning.Render("Connecting..."))
	case m.connected:
		parts = append(parts, m.styles.StatusOnline.Render("●"))
		parts = append(parts, m.styles.Muted.Render(m.client.PortName()))
		if m.device != nil {
			parts = append(parts, m.styles.Muted.Render("FW "+m.device.FirmwareVersion))
		}
		if m.flashing {
			parts = append(parts, m.spinner.View()+" "+m.styles.Warning.Render("Flashing"))
		}
	default:
		parts = append(parts, m.styles.StatusOffline.Render("○ Offline"))
	}

	return strings.Join(parts, "  ")
}

// renderMessages shows the last error or status line.
func (m Model) renderMessages() string {
	var b strings.Builder
	if m.errorMsg != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Error.Render(m.errorMsg))
	}
	if m.statusMsg != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Success.Render(m.statusMsg))
	}
	return b.String()
}

func (m Model) viewDevice() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar("Device"))
	b.WriteString("\n\n")

	if !m.connected || m.device == nil {
		b.WriteString(m.styles.Muted.Render("Not connected."))
		b.WriteString("\n")
		return b.String()
	}

	d := m.device
	b.WriteString(m.renderField("Port", m.client.PortName()))
	b.WriteString(m.renderField("Device", d.Device))
	b.WriteString(m.renderField("Firmware", d.FirmwareVersion))
	b.WriteString(m.renderField("Protocol", fmt.Sprintf("%g", d.ProtocolVersion)))
	b.WriteString(m.renderField("Features", strings.Join(d.Features, ", ")))
	if d.Migrated {
		b.WriteString(m.renderField("State format", "legacy (migrated)"))
	}

	b.WriteString("\n")
	if m.lastPong != nil {
		b.WriteString(m.renderField("Round trip", m.lastPong.RTT.Round(10*time.Microsecond).String()))
		b.WriteString(m.renderField("Device clock", fmt.Sprintf("%d", m.lastPong.DeviceTimestamp)))
	} else {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("Press '%s' to ping", m.keys.Ping.Help().Key)))
		b.WriteString("\n")
	}

	return b.String()
}

func (m Model) viewState() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar("State"))
	b.WriteString("\n\n")

	if m.stateLoading {
		b.WriteString(m.spinner.View() + " Reading state...\n")
		return b.String()
	}
	if m.state == nil {
		b.WriteString(m.styles.Muted.Render("No state read yet."))
		b.WriteString("\n")
		return b.String()
	}

	s := *m.state
	np := s.NotePreset
	b.WriteString(m.renderField("Mode", np.Mode))
	b.WriteString(m.renderField("Piano", fmt.Sprintf("white %s, black %s", np.Piano.WhiteKeyColor, np.Piano.BlackKeyColor)))
	b.WriteString(m.renderField("Gradient", fmt.Sprintf("%s -> %s x%.2f", np.Gradient.ColorA, np.Gradient.ColorB, np.Gradient.Speed)))
	b.WriteString(m.renderField("Rain", fmt.Sprintf("%s -> %s x%.2f", np.Rain.ColorA, np.Rain.ColorB, np.Rain.Speed)))
	for _, k := range state.ModifierKeys {
		b.WriteString(m.renderField("Modifier "+k, s.ModifierChords[k]))
	}
	b.WriteString("\n")
	b.WriteString(m.styles.Muted.Render(fmt.Sprintf("'%s' refresh • '%s' save as preset",
		m.keys.Refresh.Help().Key, m.keys.Save.Help().Key)))
	b.WriteString("\n")
	return b.String()
}

func (m Model) viewPresets() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar("Presets"))
	b.WriteString("\n\n")

	if m.store == nil {
		b.WriteString(m.styles.Error.Render("Preset store unavailable."))
		b.WriteString("\n")
		return b.String()
	}
	if len(m.presets) == 0 {
		b.WriteString(m.styles.Muted.Render("No presets in store."))
		b.WriteString("\n\n")
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("Press '%s' to save the device state", m.keys.Save.Help().Key)))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(fmt.Sprintf("%d preset(s), enter applies\n\n", len(m.presets)))
	for i, p := range m.presets {
		line := fmt.Sprintf("%-12s  %-16s  %s", store.ShortHash(p.Hash), truncate(p.Name, 16), p.Summary)
		if i == m.cursor {
			b.WriteString(m.styles.MenuItemSelected.Render("> " + line))
		} else {
			b.WriteString(m.styles.MenuItem.Render("  " + line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewFirmware() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar("Firmware"))
	b.WriteString("\n\n")

	if m.flashing || m.flash.IsActive() {
		b.WriteString(m.flash.View())
		b.WriteString("\n\n")
		b.WriteString(m.styles.Warning.Render("Do not unplug the device."))
		b.WriteString("\n")
		return b.String()
	}

	items := []string{"Select package file..."}
	for _, e := range m.cachedFirmware {
		items = append(items, fmt.Sprintf("%-12s  %s  %s", e.Version, humanizeBytesShort(e.FileSize), e.Downloaded.Format("2006-01-02")))
	}
	for i, item := range items {
		if i == m.cursor {
			b.WriteString(m.styles.MenuItemSelected.Render("> " + item))
		} else {
			b.WriteString(m.styles.MenuItem.Render("  " + item))
		}
		b.WriteString("\n")
	}

	if m.pendingFlash != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Warning.Render(fmt.Sprintf("Flash %s? Press '%s' to confirm.",
			filepath.Base(m.pendingFlash), m.keys.Confirm.Help().Key)))
		b.WriteString("\n")
	}
	if m.flashError != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Error.Render(m.flashError))
		b.WriteString("\n")
	}
	if m.flashResult != "" {
		b.WriteString("\n")
		b.WriteString(m.styles.Success.Render(m.flashResult))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewLog() string {
	var b strings.Builder

	b.WriteString(m.renderTitleBar("Event log"))
	b.WriteString("\n\n")
	if len(m.events) == 0 {
		b.WriteString(m.styles.Muted.Render("No events yet."))
		b.WriteString("\n")
		return b.String()
	}
	b.WriteString(m.styles.LogFrame.Render(m.logView.View()))
	b.WriteString("\n")
	return b.String()
}

func humanizeBytesShort(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%dB", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func (m Model) renderField(label, value string) string {
	return m.styles.Label.Render(label+":") + " " + m.styles.Value.Render(value) + "\n"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
