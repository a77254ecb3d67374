// ABOUTME: TUI initialization and the session-facing adapters
// ABOUTME: Forwards key presses to the session and session callbacks to the TUI
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mediacast/airplay-go/pkg/airplay"
	"github.com/rs/zerolog"
)

// CommandKind identifies a user request
type CommandKind int

const (
	CommandTogglePause CommandKind = iota
	CommandSeek
	CommandVolume
)

// Command is a user request for the session. Value is seconds for a
// seek and 0..1 for volume.
type Command struct {
	Kind  CommandKind
	Value float64
}

// Controls carries user requests out of the TUI
type Controls struct {
	Commands chan Command
	Quit     chan struct{}
}

// NewControls creates a new control handler
func NewControls() *Controls {
	return &Controls{
		Commands: make(chan Command, 10),
		Quit:     make(chan struct{}, 1),
	}
}

// send drops the command when the consumer is behind
func (c *Controls) send(cmd Command) {
	if c == nil {
		return
	}
	select {
	case c.Commands <- cmd:
	default:
	}
}

func (c *Controls) quit() {
	if c == nil {
		return
	}
	select {
	case c.Quit <- struct{}{}:
	default:
	}
}

// Apply runs cmd against the session handler
func Apply(h *airplay.Handler, cmd Command) error {
	switch cmd.Kind {
	case CommandTogglePause:
		return h.TogglePaused()
	case CommandSeek:
		return h.Seek(cmd.Value)
	case CommandVolume:
		return h.SetVolume(cmd.Value)
	}
	return nil
}

// NewModel creates a new TUI model
func NewModel(ctrl *Controls) Model {
	return Model{
		volume:   100,
		state:    airplay.StateIdle,
		controls: ctrl,
	}
}

// Run creates the TUI program without starting it
func Run(ctrl *Controls) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(ctrl), tea.WithAltScreen())
	return p, nil
}

// Notifier turns session callbacks into StatusMsg updates
type Notifier struct {
	send func(tea.Msg)
}

var (
	_ airplay.Notifier      = (*Notifier)(nil)
	_ airplay.StateNotifier = (*Notifier)(nil)
	_ airplay.ErrorNotifier = (*Notifier)(nil)
)

// NewNotifier forwards updates to p
func NewNotifier(p *tea.Program) *Notifier {
	return &Notifier{send: p.Send}
}

func (n *Notifier) OnPausedChanged(paused bool) {
	n.send(StatusMsg{Paused: &paused})
}

func (n *Notifier) OnPositionUpdated(seconds float64) {
	n.send(StatusMsg{Position: &seconds})
}

func (n *Notifier) OnDurationUpdated(seconds float64) {
	n.send(StatusMsg{Duration: &seconds})
}

func (n *Notifier) OnStopped(err error) {
	n.send(StatusMsg{Stopped: true, StopErr: err})
}

func (n *Notifier) OnStateChanged(state airplay.State) {
	n.send(StatusMsg{State: &state})
}

func (n *Notifier) OnError(err error) {
	n.send(StatusMsg{Err: err})
}

// LogNotifier reports session callbacks as log lines for -no-tui mode
type LogNotifier struct {
	Log zerolog.Logger
}

var (
	_ airplay.StateNotifier = LogNotifier{}
	_ airplay.ErrorNotifier = LogNotifier{}
)

func (l LogNotifier) OnPausedChanged(paused bool) {
	l.Log.Info().Bool("paused", paused).Msg("playback paused changed")
}

func (l LogNotifier) OnPositionUpdated(seconds float64) {
	l.Log.Info().Str("position", formatSeconds(seconds)).Msg("position")
}

func (l LogNotifier) OnDurationUpdated(seconds float64) {
	l.Log.Info().Str("duration", formatSeconds(seconds)).Msg("duration")
}

func (l LogNotifier) OnStopped(err error) {
	if err != nil {
		l.Log.Error().Err(err).Msg("playback stopped")
		return
	}
	l.Log.Info().Msg("playback stopped")
}

func (l LogNotifier) OnStateChanged(state airplay.State) {
	l.Log.Info().Stringer("state", state).Msg("session state")
}

func (l LogNotifier) OnError(err error) {
	l.Log.Warn().Err(err).Msg("command failed")
}
