package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/thxc-tool/internal/api"
	"github.com/vitaminmoo/thxc-tool/internal/firmware"
	"github.com/vitaminmoo/thxc-tool/internal/protocol"
	"github.com/vitaminmoo/thxc-tool/internal/state"
	"github.com/vitaminmoo/thxc-tool/internal/store"
)

const (
	maxEvents = 500
	opTimeout = 30 * time.Second
)

// View represents different screens in the TUI.
type View int

const (
	ViewMain View = iota
	ViewDevice
	ViewState
	ViewPresets
	ViewFirmware
	ViewLog
)

// MenuItem represents a menu option.
type MenuItem struct {
	Title       string
	Description string
	View        View
}

// Model is the main Bubbletea model for the TUI.
type Model struct {
	// State
	view          View
	cursor        int
	cursorHistory map[View]int // Remember cursor position per view
	menuItems     []MenuItem
	width         int
	height        int

	client *api.Client
	hooks  *Hooks
	store  *store.Store

	// Connection
	connected  bool
	connecting bool
	device     *protocol.HelloAck
	errorMsg   string
	statusMsg  string

	// Device data
	state        *state.DeviceState
	stateLoading bool
	lastPong     *api.Pong
	busy         bool // request in flight

	presets        []store.IndexEntry
	cachedFirmware []firmware.CacheEntry

	// Firmware flash
	pendingFlash string // package path waiting for confirmation
	flashing     bool
	flash        ProgressState
	flashResult  string
	flashError   string

	// Event log
	events  []api.Event
	logView viewport.Model

	// File picker state
	filepicker       filepicker.Model
	filePickerActive bool

	// Components
	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
}

// --- Custom messages for async operations ---

// connectMsg signals connection and handshake result.
type connectMsg struct {
	ack *protocol.HelloAck
	err error
}

// disconnectedMsg signals a user requested disconnect finished.
type disconnectedMsg struct{}

// lostMsg signals the device went away on its own.
type lostMsg struct{ err error }

// eventMsg delivers one client event.
type eventMsg api.Event

type stateMsg struct {
	state state.DeviceState
	err   error
}

type pongMsg struct {
	pong *api.Pong
	err  error
}

type appliedMsg struct {
	res *api.ApplyResult
	err error
}

type savedMsg struct {
	hash  string
	isNew bool
	err   error
}

type presetsMsg struct {
	presets []store.IndexEntry
	err     error
}

type cachedFirmwareMsg struct {
	entries []firmware.CacheEntry
	err     error
}

// NewModel creates a new TUI model.
func NewModel(client *api.Client, hooks *Hooks, st *store.Store) Model {
	h := help.New()
	h.ShowAll = false // Use ShortHelp for horizontal layout

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	m := Model{
		view:          ViewMain,
		connecting:    true, // Connect on launch
		cursorHistory: make(map[View]int),
		client:        client,
		hooks:         hooks,
		store:         st,
		flash:         NewProgressState(),
		logView:       viewport.New(80, 12),
		keys:          DefaultKeyMap(),
		help:          h,
		spinner:       s,
		styles:        DefaultStyles(),
	}

	m.menuItems = []MenuItem{
		{
			Title:       "Device",
			Description: "Handshake details and round trip time",
			View:        ViewDevice,
		},
		{
			Title:       "State",
			Description: "Active note preset and modifier chords",
			View:        ViewState,
		},
		{
			Title:       "Presets",
			Description: "Saved device states",
			View:        ViewPresets,
		},
		{
			Title:       "Firmware",
			Description: "Flash a firmware package",
			View:        ViewFirmware,
		},
		{
			Title:       "Event log",
			Description: "Client events and device notices",
			View:        ViewLog,
		},
	}

	fp := filepicker.New()
	fp.AllowedTypes = []string{".json"}
	fp.DirAllowed = true
	fp.FileAllowed = true
	fp.ShowHidden = false
	fp.ShowSize = true
	fp.ShowPermissions = false
	fp.SetHeight(15)
	if cwd, err := os.Getwd(); err == nil {
		fp.CurrentDirectory = cwd
	} else {
		fp.CurrentDirectory = "."
	}
	m.filepicker = fp

	return m
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(m.client),
		waitEvent(m.hooks.events),
		waitLost(m.hooks.lost),
		loadPresetsCmd(m.store),
		loadCachedFirmwareCmd(),
		m.spinner.Tick,
	)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	// Handle file picker if active
	var pickerCmd tea.Cmd
	if m.filePickerActive {
		if msg, ok := msg.(tea.KeyMsg); ok {
			if key.Matches(msg, m.keys.Quit) || msg.String() == "esc" {
				m.filePickerActive = false
				return m, nil
			}
		}

		m.filepicker, pickerCmd = m.filepicker.Update(msg)

		if didSelect, path := m.filepicker.DidSelectFile(msg); didSelect {
			m.filePickerActive = false
			return m.selectPackage(path), nil
		}
		if didSelect, _ := m.filepicker.DidSelectDisabledFile(msg); didSelect {
			m.filePickerActive = false
			m.flashError = "Invalid file type selected (must be .json)"
			return m, nil
		}
		if _, ok := msg.(tea.KeyMsg); ok {
			return m, pickerCmd
		}
	}

	next, cmd := m.update(msg)
	return next, tea.Batch(pickerCmd, cmd)
}

func (m Model) update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.logView.Width = max(20, msg.Width-8)
		m.logView.Height = max(5, msg.Height-10)
		m.refreshLog()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.events = append(m.events, api.Event(msg))
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		m.refreshLog()
		return m, waitEvent(m.hooks.events)

	case lostMsg:
		m, _ = m.handleDisconnect(fmt.Sprintf("Device disconnected: %v", msg.err))
		return m, waitLost(m.hooks.lost)

	case connectMsg:
		m.connecting = false
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Connect failed: %v", msg.err)
			return m, nil
		}
		m.connected = true
		m.errorMsg = ""
		m.device = msg.ack
		s := msg.ack.State
		m.state = &s
		m.statusMsg = "Connected to " + m.client.PortName()
		return m, nil

	case disconnectedMsg:
		return m.handleDisconnect("Disconnected")

	case stateMsg:
		m.stateLoading = false
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("get_state failed: %v", msg.err)
			return m, nil
		}
		m.state = &msg.state
		m.statusMsg = "State refreshed"
		return m, nil

	case pongMsg:
		m.busy = false
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Ping failed: %v", msg.err)
			return m, nil
		}
		m.lastPong = msg.pong
		m.statusMsg = fmt.Sprintf("Pong in %s", msg.pong.RTT.Round(10*time.Microsecond))
		return m, nil

	case appliedMsg:
		m.busy = false
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Apply failed: %v", msg.err)
			return m, nil
		}
		m.state = &msg.res.State
		m.errorMsg = ""
		m.statusMsg = "Applied " + msg.res.AppliedConfigID
		return m, nil

	case savedMsg:
		m.busy = false
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Save failed: %v", msg.err)
			return m, nil
		}
		if msg.isNew {
			m.statusMsg = "Saved preset " + store.ShortHash(msg.hash)
		} else {
			m.statusMsg = "Preset " + store.ShortHash(msg.hash) + " already saved"
		}
		return m, loadPresetsCmd(m.store)

	case presetsMsg:
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Store: %v", msg.err)
			return m, nil
		}
		m.presets = msg.presets
		return m, nil

	case cachedFirmwareMsg:
		if msg.err == nil {
			m.cachedFirmware = msg.entries
		}
		return m, nil

	case flashProgressMsg:
		p := firmware.TransferProgress(msg)
		m.flash.Update(p.Percent(), describeProgress(p))
		if m.flashing {
			return m, waitProgress(m.hooks.progress)
		}
		return m, nil

	case flashDoneMsg:
		m.flashing = false
		if msg.err != nil {
			m.flash.Cancel()
			m.flashError = fmt.Sprintf("Flash failed: %v", msg.err)
			return m, nil
		}
		m.flash.Complete()
		m.flashResult = fmt.Sprintf("Firmware %s committed. The device will restart.", msg.version)
		return m, nil
	}

	if m.view == ViewLog {
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) refreshLog() {
	lines := make([]string, 0, len(m.events))
	for _, e := range m.events {
		line := e.String()
		if e.Level == api.LevelError {
			line = m.styles.Error.Render(line)
		}
		lines = append(lines, line)
	}
	atBottom := m.logView.AtBottom()
	m.logView.SetContent(strings.Join(lines, "\n"))
	if atBottom {
		m.logView.GotoBottom()
	}
}

// handleDisconnect resets everything that belonged to the session.
func (m Model) handleDisconnect(reason string) (Model, tea.Cmd) {
	m.connected = false
	m.connecting = false
	m.device = nil
	m.lastPong = nil
	m.busy = false
	m.stateLoading = false
	if m.flashing {
		m.flashing = false
		m.flash.Cancel()
		m.flashError = "Device disconnected during flash"
	}
	m.errorMsg = reason
	m.statusMsg = "Press 'c' to reconnect"
	return m, nil
}

func (m Model) selectPackage(path string) Model {
	m.pendingFlash = path
	m.flashError = ""
	m.flashResult = ""
	m.statusMsg = fmt.Sprintf("Press 'y' to flash %s", path)
	return m
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.view == ViewMain {
			if m.flashing {
				m.statusMsg = "Wait for the firmware update to finish"
				return m, nil
			}
			return m, tea.Quit
		}
		m.view = ViewMain
		m.cursor = m.cursorHistory[ViewMain]
		return m, nil

	case key.Matches(msg, m.keys.Back):
		return m.goBack()

	case m.view == ViewLog && (key.Matches(msg, m.keys.Up) || key.Matches(msg, m.keys.Down)):
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd

	case key.Matches(msg, m.keys.Up):
		m.cursor--
		if m.cursor < 0 {
			m.cursor = m.maxCursor()
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		m.cursor++
		if m.cursor > m.maxCursor() {
			m.cursor = 0
		}
		return m, nil

	case key.Matches(msg, m.keys.Select):
		return m.handleSelect()

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.Log):
		m.cursorHistory[m.view] = m.cursor
		m.view = ViewLog
		m.logView.GotoBottom()
		return m, nil

	case key.Matches(msg, m.keys.Connect):
		if m.flashing || m.connecting {
			return m, nil
		}
		if m.connected {
			return m, disconnectCmd(m.client)
		}
		m.connecting = true
		m.errorMsg = ""
		m.statusMsg = "Connecting..."
		return m, connectCmd(m.client)
	}

	if !m.connected || m.flashing {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Ping):
		if m.busy {
			return m, nil
		}
		m.busy = true
		return m, pingCmd(m.client)

	case key.Matches(msg, m.keys.Refresh):
		switch m.view {
		case ViewPresets:
			return m, loadPresetsCmd(m.store)
		case ViewFirmware:
			return m, loadCachedFirmwareCmd()
		}
		m.stateLoading = true
		return m, getStateCmd(m.client)

	case key.Matches(msg, m.keys.Save):
		if m.store == nil || m.busy {
			return m, nil
		}
		m.busy = true
		return m, savePresetCmd(m.client, m.store)

	case key.Matches(msg, m.keys.Confirm):
		if m.view != ViewFirmware || m.pendingFlash == "" {
			return m, nil
		}
		path := m.pendingFlash
		m.pendingFlash = ""
		m.flashing = true
		m.flashError = ""
		m.flashResult = ""
		m.statusMsg = ""
		m.flash.Start("Loading " + path)
		return m, tea.Batch(flashCmd(m.client, m.hooks, path), waitProgress(m.hooks.progress))
	}

	return m, nil
}

func (m Model) goBack() (tea.Model, tea.Cmd) {
	m.cursorHistory[m.view] = m.cursor

	switch m.view {
	case ViewMain:
		return m, nil
	case ViewFirmware:
		m.pendingFlash = ""
	}
	m.view = ViewMain

	m.cursor = m.cursorHistory[m.view]
	return m, nil
}

func (m Model) handleSelect() (tea.Model, tea.Cmd) {
	switch m.view {
	case ViewMain:
		if m.cursor < len(m.menuItems) {
			m.cursorHistory[m.view] = m.cursor
			m.view = m.menuItems[m.cursor].View
			m.cursor = m.cursorHistory[m.view]
			if m.view == ViewLog {
				m.logView.GotoBottom()
			}
		}
		return m, nil

	case ViewPresets:
		if !m.connected || m.busy || m.store == nil || m.cursor >= len(m.presets) {
			return m, nil
		}
		m.busy = true
		m.statusMsg = "Applying preset..."
		return m, applyPresetCmd(m.client, m.store, m.presets[m.cursor].Hash)

	case ViewFirmware:
		if m.flashing {
			return m, nil
		}
		if m.cursor == 0 {
			m.filePickerActive = true
			return m, m.filepicker.Init()
		}
		if i := m.cursor - 1; i < len(m.cachedFirmware) {
			return m.selectPackage(m.cachedFirmware[i].Path), nil
		}
	}
	return m, nil
}

func (m Model) maxCursor() int {
	switch m.view {
	case ViewMain:
		return len(m.menuItems) - 1
	case ViewPresets:
		return max(0, len(m.presets)-1)
	case ViewFirmware:
		return len(m.cachedFirmware)
	}
	return 0
}

// --- Async commands ---

func waitEvent(ch <-chan api.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return nil
		}
		return eventMsg(e)
	}
}

func waitLost(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		err, ok := <-ch
		if !ok {
			return nil
		}
		return lostMsg{err: err}
	}
}

// connectCmd opens the port and runs the handshake.
func connectCmd(client *api.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if !client.Connected() {
			if err := client.Connect(ctx); err != nil {
				return connectMsg{err: err}
			}
		}
		ack, err := client.Handshake(ctx)
		if err != nil {
			client.Disconnect()
			return connectMsg{err: err}
		}
		return connectMsg{ack: ack}
	}
}

func disconnectCmd(client *api.Client) tea.Cmd {
	return func() tea.Msg {
		client.Disconnect()
		return disconnectedMsg{}
	}
}

func getStateCmd(client *api.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		s, err := client.GetState(ctx)
		return stateMsg{state: s, err: err}
	}
}

func pingCmd(client *api.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		pong, err := client.Ping(ctx)
		return pongMsg{pong: pong, err: err}
	}
}

func applyPresetCmd(client *api.Client, st *store.Store, hash string) tea.Cmd {
	return func() tea.Msg {
		s, err := st.Get(hash)
		if err != nil {
			return appliedMsg{err: err}
		}
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		res, err := client.ApplyConfig(ctx, s)
		return appliedMsg{res: res, err: err}
	}
}

func savePresetCmd(client *api.Client, st *store.Store) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		s, err := client.GetState(ctx)
		if err != nil {
			return savedMsg{err: err}
		}
		src := store.Source{
			Port:      client.PortName(),
			Timestamp: time.Now(),
			Method:    store.MethodDeviceRead,
		}
		if ack := client.Device(); ack != nil {
			src.Device = ack.Device
			src.FirmwareVersion = ack.FirmwareVersion
		}
		hash, isNew, err := st.Import(s, "", src)
		return savedMsg{hash: hash, isNew: isNew, err: err}
	}
}

func loadPresetsCmd(st *store.Store) tea.Cmd {
	return func() tea.Msg {
		if st == nil {
			return presetsMsg{}
		}
		presets, err := st.List()
		return presetsMsg{presets: presets, err: err}
	}
}

func loadCachedFirmwareCmd() tea.Cmd {
	return func() tea.Msg {
		path, err := firmware.DefaultCachePath()
		if err != nil {
			return cachedFirmwareMsg{err: err}
		}
		cache, err := firmware.NewCacheAt(path)
		if err != nil {
			return cachedFirmwareMsg{err: err}
		}
		entries, err := cache.List()
		return cachedFirmwareMsg{entries: entries, err: err}
	}
}

// flashCmd loads the package at path and flashes it, reporting progress
// through hooks.
func flashCmd(client *api.Client, hooks *Hooks, path string) tea.Cmd {
	return func() tea.Msg {
		pkg, err := firmware.Load(path)
		if err != nil {
			return flashDoneMsg{err: err}
		}
		err = client.FlashFirmwarePackage(context.Background(), pkg, api.FlashOptions{
			Progress: hooks.reportProgress,
		})
		return flashDoneMsg{version: pkg.Version, err: err}
	}
}
