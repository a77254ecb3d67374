// ABOUTME: Callback interfaces the session reports through
// ABOUTME: The UI collaborator plus optional state, error and metrics hooks
package airplay

import "github.com/mediacast/airplay-go/pkg/protocol"

// Notifier receives playback updates. Calls come from the session
// goroutine, or from the Stop caller for the final OnStopped. A
// Notifier must not call Session methods that wait on the session
// goroutine synchronously: Stop, SourceReady, TogglePaused, Seek and
// SetVolume deadlock there. Reading State, Playback or Capabilities is
// fine. Issue commands from another goroutine.
type Notifier interface {
	OnPausedChanged(paused bool)
	OnPositionUpdated(seconds float64)
	OnDurationUpdated(seconds float64)

	// OnStopped fires exactly once per started session. err is nil on a
	// clean stop or when the media ended.
	OnStopped(err error)
}

// StateNotifier is implemented by notifiers that want lifecycle changes
type StateNotifier interface {
	OnStateChanged(state State)
}

// ErrorNotifier is implemented by notifiers that want non-fatal command
// failures, such as a rejected pause
type ErrorNotifier interface {
	OnError(err error)
}

// Metrics receives counters about session activity
type Metrics interface {
	RequestIssued(tag protocol.Tag)
	RequestFailed(tag protocol.Tag, err error)
	PollSkipped()
	StateChanged(from, to State)
}

type nopMetrics struct{}

func (nopMetrics) RequestIssued(protocol.Tag)        {}
func (nopMetrics) RequestFailed(protocol.Tag, error) {}
func (nopMetrics) PollSkipped()                      {}
func (nopMetrics) StateChanged(State, State)         {}

// NotifierFuncs adapts plain functions to Notifier. Nil fields are skipped.
type NotifierFuncs struct {
	PausedChanged   func(bool)
	PositionUpdated func(float64)
	DurationUpdated func(float64)
	Stopped         func(error)
}

func (n NotifierFuncs) OnPausedChanged(paused bool) {
	if n.PausedChanged != nil {
		n.PausedChanged(paused)
	}
}

func (n NotifierFuncs) OnPositionUpdated(seconds float64) {
	if n.PositionUpdated != nil {
		n.PositionUpdated(seconds)
	}
}

func (n NotifierFuncs) OnDurationUpdated(seconds float64) {
	if n.DurationUpdated != nil {
		n.DurationUpdated(seconds)
	}
}

func (n NotifierFuncs) OnStopped(err error) {
	if n.Stopped != nil {
		n.Stopped(err)
	}
}
