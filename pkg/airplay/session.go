// ABOUTME: AirPlay session state machine driving handshake, commands and teardown
// ABOUTME: A single goroutine owns the channels, the ledger and all session state
package airplay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediacast/airplay-go/pkg/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidState rejects an operation the current state does not allow
	ErrInvalidState = errors.New("invalid session state")

	// ErrSourceAlreadySet rejects a second playback source
	ErrSourceAlreadySet = errors.New("playback source already set")
)

// command is work submitted to the session goroutine
type command struct {
	fn    func() error
	reply chan error
}

// Session controls playback of one source on one receiver
type Session struct {
	cfg      Config
	notifier Notifier
	log      zerolog.Logger
	id       string

	state  atomic.Int32
	srcSet atomic.Bool

	// notifyMu serializes callbacks; alive is cleared once OnStopped fired
	notifyMu sync.Mutex
	alive    bool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once

	cmds     chan command
	srcReady chan PlaybackSource
	events   chan protocol.ChannelEvent

	snapMu   sync.Mutex
	playback PlaybackState
	caps     protocol.Features

	// owned by the run goroutine
	target       TargetEndpoint
	source       PlaybackSource
	ledger       *protocol.Ledger
	requests     *protocol.RequestFactory
	reverse      *protocol.Channel
	command      *protocol.Channel
	poll         *time.Ticker
	pollFailures int
	sawPlayback  bool
	wasReady     bool
	exiting      bool
	errorsSent   int
}

// NewSession creates an idle session with a fresh session id
func NewSession(cfg Config, n Notifier) *Session {
	cfg = cfg.withDefaults()
	if n == nil {
		n = NotifierFuncs{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := cfg.NewSessionID()

	return &Session{
		cfg:      cfg,
		notifier: n,
		log:      cfg.Logger.With().Str("component", "session").Str("session_id", id).Logger(),
		id:       id,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		cmds:     make(chan command),
		srcReady: make(chan PlaybackSource, 1),
		events:   make(chan protocol.ChannelEvent, 16),
		ledger:   protocol.NewLedger(),
	}
}

// ID returns the X-Apple-Session-ID of this session
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session reached Stopped or Failed and released
// its connections
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Playback returns the last known playback state
func (s *Session) Playback() PlaybackState {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.playback
}

// Capabilities returns the receiver features, empty before server-info
func (s *Session) Capabilities() protocol.Features {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	return s.caps
}

// Start connects to target and plays src. src may be empty, in which
// case playback begins once SourceReady delivers it.
func (s *Session) Start(target TargetEndpoint, src PlaybackSource) error {
	if !src.IsZero() && !s.srcSet.CompareAndSwap(false, true) {
		return ErrSourceAlreadySet
	}
	// a concurrent Stop either sees Idle or finds the session alive
	s.notifyMu.Lock()
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateConnecting)) {
		s.notifyMu.Unlock()
		return fmt.Errorf("%w: cannot start in state %s", ErrInvalidState, s.State())
	}
	s.alive = true
	s.target = target
	s.source = src
	s.log = s.log.With().Str("target", target.Addr()).Logger()
	s.notifyMu.Unlock()

	s.transitioned(StateIdle, StateConnecting)

	go s.run()
	return nil
}

// SourceReady delivers the playback source when Start was called without
// one. Only one source is accepted per session.
func (s *Session) SourceReady(src PlaybackSource) error {
	if src.IsZero() {
		return fmt.Errorf("playback source has no URL")
	}
	if !s.srcSet.CompareAndSwap(false, true) {
		return ErrSourceAlreadySet
	}
	s.srcReady <- src
	return nil
}

// TogglePaused flips between paused and playing. The new value is
// reported at once and reverted if the receiver rejects the change.
func (s *Session) TogglePaused() error {
	if st := s.State(); !st.IsActive() {
		return fmt.Errorf("%w: cannot toggle pause in state %s", ErrInvalidState, st)
	}
	return s.do(s.togglePaused)
}

// Seek moves playback to position seconds
func (s *Session) Seek(position float64) error {
	if position < 0 {
		return fmt.Errorf("seek position %.3f is negative", position)
	}
	if st := s.State(); !st.IsActive() {
		return fmt.Errorf("%w: cannot seek in state %s", ErrInvalidState, st)
	}
	return s.do(func() error { return s.seek(position) })
}

// SetVolume sets the receiver volume in the range 0..1. Receivers
// without volume control reject it with a CapabilityError before
// anything is sent.
func (s *Session) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 {
		return fmt.Errorf("volume %.3f out of range 0..1", volume)
	}
	if st := s.State(); !st.IsActive() {
		return fmt.Errorf("%w: cannot set volume in state %s", ErrInvalidState, st)
	}
	return s.do(func() error { return s.setVolume(volume) })
}

// Stop tears the session down and blocks until its connections are
// released. It is idempotent and never fails. OnStopped(nil) fires if
// nothing was reported yet, and no callback fires after Stop returns.
func (s *Session) Stop() {
	if s.state.CompareAndSwap(int32(StateIdle), int32(StateStopping)) {
		s.state.Store(int32(StateStopped))
		s.cancel()
		s.closeDone()
		return
	}

	s.finish(nil)
	s.cancel()
	<-s.done
}

// do runs fn on the session goroutine and returns its result
func (s *Session) do(fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return fmt.Errorf("%w: session is %s", ErrInvalidState, s.State())
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return fmt.Errorf("%w: session is %s", ErrInvalidState, s.State())
	}
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) run() {
	defer s.closeDone()

	tick := time.NewTicker(s.cfg.LedgerTick)
	defer tick.Stop()

	s.connect()

	for !s.exiting {
		var pollC <-chan time.Time
		if s.poll != nil {
			pollC = s.poll.C
		}

		select {
		case <-s.ctx.Done():
			s.exiting = true
		case ev := <-s.events:
			s.handleEvent(ev)
		case now := <-tick.C:
			s.ledger.Tick(now)
		case <-pollC:
			s.pollTick()
		case src := <-s.srcReady:
			s.onSourceReady(src)
		case cmd := <-s.cmds:
			cmd.reply <- cmd.fn()
		}
	}

	s.teardown()
}

// connect opens the reverse channel and requests the upgrade
func (s *Session) connect() {
	s.requests = protocol.NewRequestFactory(s.id, s.target.Addr(), s.cfg.UserAgent)

	rev, err := protocol.Open(s.ctx, "reverse", s.target.Addr(), s.cfg.Channel, s.events)
	if err != nil {
		s.fail(err)
		return
	}
	s.reverse = rev
	s.log.Debug().Msg("reverse channel connected")

	if _, err := s.issue(rev, protocol.TagReverse, s.requests.Reverse(), s.cfg.RequestTimeout, s.onReverse); err != nil {
		s.fail(err)
	}
}

func (s *Session) onReverse(resp *protocol.Message, err error) {
	if err != nil {
		if errors.Is(err, protocol.ErrTimeout) && s.cfg.AssumeReverseTimesOut {
			s.log.Info().Msg("reverse upgrade unanswered, assuming accepted")
			s.reverseAccepted()
			return
		}
		s.fail(fmt.Errorf("reverse upgrade: %w", err))
		return
	}
	if resp.StatusCode != 101 {
		s.fail(statusError("reverse", resp))
		return
	}
	s.reverseAccepted()
}

func (s *Session) reverseAccepted() {
	if !s.setState(StateReverseEstablished) {
		return
	}

	addr := s.target.Addr()
	if s.cfg.CommandPort != 0 {
		addr = net.JoinHostPort(s.target.Host, strconv.Itoa(s.cfg.CommandPort))
	}

	cmd, err := protocol.Open(s.ctx, "command", addr, s.cfg.Channel, s.events)
	if err != nil {
		s.fail(err)
		return
	}
	s.command = cmd
	s.log.Debug().Str("addr", addr).Msg("command channel connected")

	if _, err := s.issue(cmd, protocol.TagInfo, s.requests.ServerInfo(), s.cfg.RequestTimeout, s.onServerInfo); err != nil {
		s.fail(err)
	}
}

func (s *Session) onServerInfo(resp *protocol.Message, err error) {
	if err != nil {
		s.fail(fmt.Errorf("server-info: %w", err))
		return
	}
	if !resp.IsSuccess() {
		s.fail(statusError("server-info", resp))
		return
	}

	info, err := protocol.ParseServerInfo(resp.Body)
	if err != nil {
		s.fail(err)
		return
	}

	caps := info.Capabilities()
	s.snapMu.Lock()
	s.caps = caps
	s.snapMu.Unlock()

	s.log.Info().
		Str("model", info.Model).
		Str("device_id", info.DeviceID).
		Stringer("features", caps).
		Msg("receiver capabilities known")

	if !s.setState(StateCapabilitiesKnown) {
		return
	}
	if !s.source.IsZero() {
		s.play()
	}
}

func (s *Session) onSourceReady(src PlaybackSource) {
	s.source = src
	s.log.Debug().Str("url", src.URL).Msg("playback source ready")
	if s.State() == StateCapabilitiesKnown {
		s.play()
	}
}

// play sends the play request once capabilities and source are known
func (s *Session) play() {
	if s.source.IsHLS() {
		if err := s.Capabilities().Require(protocol.FeatureVideoHTTPLiveStreams); err != nil {
			s.fail(err)
			return
		}
	}

	msg, err := s.requests.Play(protocol.PlayBody{
		ContentLocation: s.source.URL,
		StartPosition:   0,
		ContentType:     s.source.ContentType,
	})
	if err != nil {
		s.fail(err)
		return
	}

	if _, err := s.issue(s.command, protocol.TagPlay, msg, s.cfg.PlayTimeout, s.onPlay); err != nil {
		s.fail(err)
	}
}

func (s *Session) onPlay(resp *protocol.Message, err error) {
	if err != nil {
		s.fail(fmt.Errorf("play: %w", err))
		return
	}
	if !resp.IsSuccess() {
		s.fail(statusError("play", resp))
		return
	}
	if !s.setState(StatePlaying) {
		return
	}

	s.log.Info().Str("url", s.source.URL).Msg("playback started")
	s.notify(func(n Notifier) { n.OnPausedChanged(false) })

	if s.source.DurationHint > 0 {
		s.updateDuration(s.source.DurationHint)
	}

	s.poll = time.NewTicker(s.cfg.PollInterval)
}

func (s *Session) togglePaused() error {
	if st := s.State(); !st.IsActive() {
		return fmt.Errorf("%w: cannot toggle pause in state %s", ErrInvalidState, st)
	}

	want := !s.Playback().Paused
	rate := 1.0
	if want {
		rate = 0
	}

	_, err := s.issue(s.command, protocol.TagPlay, s.requests.Rate(rate), s.cfg.RequestTimeout, func(resp *protocol.Message, err error) {
		if err == nil && !resp.IsSuccess() {
			err = statusError("rate", resp)
		}
		if err == nil {
			return
		}
		s.log.Warn().Err(err).Bool("paused", want).Msg("pause change rejected, reverting")
		if s.State().IsActive() && s.Playback().Paused == want {
			s.setPaused(!want)
		}
		s.reportError(fmt.Errorf("set rate: %w", err))
	})
	if err != nil {
		return err
	}

	s.setPaused(want)
	return nil
}

func (s *Session) seek(position float64) error {
	if st := s.State(); !st.IsActive() {
		return fmt.Errorf("%w: cannot seek in state %s", ErrInvalidState, st)
	}

	_, err := s.issue(s.command, protocol.TagScrub, s.requests.Seek(position), s.cfg.RequestTimeout, func(resp *protocol.Message, err error) {
		if err == nil && !resp.IsSuccess() {
			err = statusError("scrub", resp)
		}
		if err != nil {
			s.reportError(fmt.Errorf("seek: %w", err))
		}
	})
	if err != nil {
		return err
	}

	s.updatePosition(position)
	return nil
}

func (s *Session) setVolume(volume float64) error {
	if st := s.State(); !st.IsActive() {
		return fmt.Errorf("%w: cannot set volume in state %s", ErrInvalidState, st)
	}
	if err := s.Capabilities().Require(protocol.FeatureVideoVolumeControl); err != nil {
		return err
	}

	_, err := s.issue(s.command, protocol.TagVolume, s.requests.Volume(volume), s.cfg.RequestTimeout, func(resp *protocol.Message, err error) {
		if err == nil && !resp.IsSuccess() {
			err = statusError("volume", resp)
		}
		if err != nil {
			s.reportError(fmt.Errorf("set volume: %w", err))
		}
	})
	return err
}

func (s *Session) handleEvent(ev protocol.ChannelEvent) {
	if ev.Err != nil {
		s.onChannelClosed(ev.Channel, ev.Err)
		return
	}

	msg := ev.Message
	if ev.Channel == s.reverse && !msg.IsResponse() {
		s.onReverseRequest(msg)
		return
	}
	if !s.ledger.OnMessage(ev.Channel, msg) {
		s.log.Debug().Str("channel", ev.Channel.Name()).Stringer("message", msg).Msg("unmatched message")
	}
}

func (s *Session) onChannelClosed(ch *protocol.Channel, err error) {
	s.log.Warn().Err(err).Str("channel", ch.Name()).Msg("channel closed by receiver")

	sent := s.errorsSent
	s.ledger.Fail(ch, err)
	ch.Close()

	if s.exiting {
		return
	}
	if !s.State().IsActive() {
		s.fail(err)
		return
	}
	// a failed completion already told the notifier about this loss
	if s.errorsSent == sent {
		s.reportError(err)
	}
}

// onReverseRequest answers an event pushed by the receiver
func (s *Session) onReverseRequest(msg *protocol.Message) {
	if err := s.reverse.Send(protocol.EventResponse().Encode()); err != nil {
		s.log.Debug().Err(err).Msg("event acknowledgement not sent")
	}

	ev, err := protocol.ParseEvent(msg.Body)
	if err != nil {
		s.log.Warn().Err(err).Stringer("request", msg).Msg("unreadable event")
		return
	}
	s.log.Debug().Str("category", ev.Category).Str("state", ev.State).Msg("receiver event")

	if !s.State().IsActive() || s.ledger.Outstanding(s.command, protocol.TagPlay) {
		return
	}
	paused := s.Playback().Paused
	switch ev.State {
	case "paused":
		if !paused {
			s.setPaused(true)
		}
	case "playing":
		if paused {
			s.setPaused(false)
		}
	}
}

// issue records a request in the ledger with metrics around it.
// Completions are dropped once the session is exiting.
func (s *Session) issue(ch protocol.Sender, tag protocol.Tag, msg *protocol.Message, timeout time.Duration, done protocol.Completion) (*protocol.Request, error) {
	req, err := s.ledger.Issue(ch, tag, msg, timeout, func(resp *protocol.Message, err error) {
		if err != nil {
			s.cfg.Metrics.RequestFailed(tag, err)
		}
		if s.exiting || done == nil {
			return
		}
		done(resp, err)
	})
	if err != nil {
		s.cfg.Metrics.RequestFailed(tag, err)
		return nil, err
	}
	s.cfg.Metrics.RequestIssued(tag)
	s.log.Trace().Stringer("tag", tag).Stringer("request", msg).Msg("request sent")
	return req, nil
}

// fail moves the session to Failed and reports err. The run loop tears
// down after the current event.
func (s *Session) fail(err error) {
	if s.exiting || s.ctx.Err() != nil {
		return
	}
	s.exiting = true
	s.log.Error().Err(err).Msg("session failed")
	s.setState(StateFailed)
	s.finish(err)
}

// endOfMedia stops the session cleanly after the receiver finished
func (s *Session) endOfMedia(reason string) {
	if s.exiting {
		return
	}
	s.exiting = true
	s.log.Info().Str("reason", reason).Msg("playback finished")
	s.finish(nil)
}

// teardown releases everything the run goroutine owns
func (s *Session) teardown() {
	terminal := s.State().IsTerminal()
	if !terminal {
		s.setState(StateStopping)
	}

	if s.poll != nil {
		s.poll.Stop()
		s.poll = nil
	}
	s.ledger.CancelAll()

	if s.command != nil {
		if _, err := s.ledger.Issue(s.command, protocol.TagStop, s.requests.Stop(), s.cfg.RequestTimeout, nil); err != nil {
			s.log.Debug().Err(err).Msg("stop request not sent")
		}
		s.command.CloseGraceful(s.cfg.StopGrace)
	}
	if s.reverse != nil {
		s.reverse.Close()
	}

	if s.command != nil {
		s.command.Wait()
	}
	if s.reverse != nil {
		s.reverse.Wait()
	}
	s.ledger.CancelAll()

	if !terminal {
		s.setState(StateStopped)
	}
	s.log.Debug().Stringer("state", s.State()).Msg("session torn down")
}

// setState applies a transition allowed by the state graph
func (s *Session) setState(next State) bool {
	cur := s.State()
	if cur == next {
		return true
	}
	if !cur.CanTransitionTo(next) {
		s.log.Warn().Stringer("from", cur).Stringer("to", next).Msg("invalid state transition")
		return false
	}
	s.state.Store(int32(next))
	s.transitioned(cur, next)
	return true
}

func (s *Session) transitioned(from, to State) {
	if !to.IsActive() {
		s.snapMu.Lock()
		s.playback.Paused = false
		s.snapMu.Unlock()
	}

	s.log.Debug().Stringer("from", from).Stringer("to", to).Msg("state changed")
	s.cfg.Metrics.StateChanged(from, to)
	s.notify(func(n Notifier) {
		if sn, ok := n.(StateNotifier); ok {
			sn.OnStateChanged(to)
		}
	})
}

// setPaused updates the paused flag and the matching Playing/Paused state
func (s *Session) setPaused(paused bool) {
	next := StatePlaying
	if paused {
		next = StatePaused
	}
	if !s.setState(next) {
		return
	}

	s.snapMu.Lock()
	s.playback.Paused = paused
	s.snapMu.Unlock()

	s.notify(func(n Notifier) { n.OnPausedChanged(paused) })
}

func (s *Session) updatePosition(position float64) {
	s.snapMu.Lock()
	s.playback.Position = position
	s.snapMu.Unlock()
	s.notify(func(n Notifier) { n.OnPositionUpdated(position) })
}

func (s *Session) updateDuration(duration float64) {
	s.snapMu.Lock()
	s.playback.Duration = duration
	s.snapMu.Unlock()
	s.notify(func(n Notifier) { n.OnDurationUpdated(duration) })
}

func (s *Session) reportError(err error) {
	s.errorsSent++
	s.notify(func(n Notifier) {
		if en, ok := n.(ErrorNotifier); ok {
			en.OnError(err)
		}
	})
}

// notify runs fn against the notifier unless the session went inert
func (s *Session) notify(fn func(Notifier)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if !s.alive {
		return
	}
	fn(s.notifier)
}

// finish fires OnStopped at most once and silences the notifier
func (s *Session) finish(err error) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if !s.alive {
		return
	}
	s.alive = false
	s.notifier.OnStopped(err)
}

func statusError(op string, resp *protocol.Message) error {
	return &protocol.ProtocolError{Op: op, Reason: fmt.Sprintf("unexpected status %d %s", resp.StatusCode, resp.Reason)}
}
