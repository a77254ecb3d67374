// ABOUTME: Bubbletea model for the AirPlay remote TUI
// ABOUTME: Defines playback state, key bindings and rendering
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mediacast/airplay-go/pkg/airplay"
)

const (
	seekStep   = 10.0
	volumeStep = 10
)

// Model represents the TUI state
type Model struct {
	// Receiver
	target       string
	capabilities string
	state        airplay.State

	// Playback
	paused   bool
	position float64
	duration float64
	volume   int

	// Outcome
	lastErr string
	stopped bool
	stopErr string

	controls *Controls

	// Dimensions
	width  int
	height int
}

// StatusMsg updates TUI state. Nil pointers leave fields unchanged.
type StatusMsg struct {
	Target       string
	Capabilities string
	State        *airplay.State
	Paused       *bool
	Position     *float64
	Duration     *float64
	Err          error
	Stopped      bool
	StopErr      error
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString(m.renderPlayback())
	b.WriteString(m.renderStatus())
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m Model) renderHeader() string {
	target := m.target
	if target == "" {
		target = "(no receiver)"
	}
	caps := m.capabilities
	if caps == "" {
		caps = "unknown"
	}

	return fmt.Sprintf(`┌─ AirPlay ────────────────────────────────────────────┐
│ Receiver: %-42s │
│ Features: %-42s │
├──────────────────────────────────────────────────────┤
`, truncate(target, 42), truncate(caps, 42))
}

func (m Model) renderPlayback() string {
	icon := "■"
	switch {
	case m.state == airplay.StatePlaying:
		icon = "▶"
	case m.state == airplay.StatePaused:
		icon = "⏸"
	}

	progress := 0
	if m.duration > 0 {
		progress = int(m.position / m.duration * 100)
	}

	return fmt.Sprintf("│ %s %-50s │\n"+
		"│ [%s] %s / %s%-19s │\n"+
		"│ Volume: [%s] %3d%%%-24s │\n",
		icon, m.state.String(),
		renderBar(progress, 100, 20), formatSeconds(m.position), formatSeconds(m.duration), "",
		renderBar(m.volume, 100, 10), m.volume, "")
}

func (m Model) renderStatus() string {
	line := ""
	switch {
	case m.stopped && m.stopErr != "":
		line = "Stopped: " + m.stopErr
	case m.stopped:
		line = "Stopped"
	case m.lastErr != "":
		line = "Error: " + m.lastErr
	}
	return fmt.Sprintf("├──────────────────────────────────────────────────────┤\n│ %-52s │\n", truncate(line, 52))
}

func (m Model) renderHelp() string {
	return `│ space:Pause  ←/→:Seek  ↑/↓:Volume  q:Quit            │
└──────────────────────────────────────────────────────┘
`
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.controls.quit()
		return m, tea.Quit
	case " ", "p":
		m.controls.send(Command{Kind: CommandTogglePause})
	case "left":
		m.position = clamp(m.position-seekStep, 0, m.seekLimit())
		m.controls.send(Command{Kind: CommandSeek, Value: m.position})
	case "right":
		m.position = clamp(m.position+seekStep, 0, m.seekLimit())
		m.controls.send(Command{Kind: CommandSeek, Value: m.position})
	case "up":
		m.volume = int(clamp(float64(m.volume+volumeStep), 0, 100))
		m.controls.send(Command{Kind: CommandVolume, Value: float64(m.volume) / 100})
	case "down":
		m.volume = int(clamp(float64(m.volume-volumeStep), 0, 100))
		m.controls.send(Command{Kind: CommandVolume, Value: float64(m.volume) / 100})
	}

	return m, nil
}

// seekLimit is the duration when known; live streams seek freely forward
func (m Model) seekLimit() float64 {
	if m.duration > 0 {
		return m.duration
	}
	return m.position + seekStep
}

// applyStatus updates model from status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Target != "" {
		m.target = msg.Target
	}
	if msg.Capabilities != "" {
		m.capabilities = msg.Capabilities
	}
	if msg.State != nil {
		m.state = *msg.State
	}
	if msg.Paused != nil {
		m.paused = *msg.Paused
	}
	if msg.Position != nil {
		m.position = *msg.Position
	}
	if msg.Duration != nil {
		m.duration = *msg.Duration
	}
	if msg.Err != nil {
		m.lastErr = msg.Err.Error()
	}
	if msg.Stopped {
		m.stopped = true
		if msg.StopErr != nil {
			m.stopErr = msg.StopErr.Error()
		}
	}
}

func renderBar(value, max, width int) string {
	filled := (value * width) / max
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func formatSeconds(s float64) string {
	if s <= 0 {
		return "0:00"
	}
	d := time.Duration(s * float64(time.Second)).Round(time.Second)
	h := int(d / time.Hour)
	mins := int(d/time.Minute) % 60
	secs := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, mins, secs)
	}
	return fmt.Sprintf("%d:%02d", mins, secs)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
