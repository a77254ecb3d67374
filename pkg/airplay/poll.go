// ABOUTME: Playback-info polling loop of an active session
// ABOUTME: Skips ticks under backpressure, reconciles state and detects end of media
package airplay

import (
	"fmt"
	"math"

	"github.com/mediacast/airplay-go/pkg/protocol"
)

// pollTick issues one playback-info request unless one is in flight
func (s *Session) pollTick() {
	if !s.State().IsActive() {
		return
	}
	if s.ledger.Outstanding(s.command, protocol.TagInfo) || s.ledger.Outstanding(s.command, protocol.TagGetProperty) {
		s.cfg.Metrics.PollSkipped()
		s.log.Trace().Msg("poll skipped, request outstanding")
		return
	}

	if _, err := s.issue(s.command, protocol.TagGetProperty, s.requests.PlaybackInfo(), s.cfg.PollTimeout, s.onPlaybackInfo); err != nil {
		s.pollFailed(err)
	}
}

func (s *Session) onPlaybackInfo(resp *protocol.Message, err error) {
	if err != nil {
		s.pollFailed(err)
		return
	}
	if !resp.IsSuccess() {
		s.pollFailed(statusError("playback-info", resp))
		return
	}

	info, err := protocol.ParsePlaybackInfo(resp.Body)
	if err != nil {
		s.pollFailed(err)
		return
	}

	s.pollFailures = 0
	s.applyPlaybackInfo(info)
}

func (s *Session) applyPlaybackInfo(info protocol.PlaybackInfo) {
	if info.HasReadyToPlay {
		if info.ReadyToPlay {
			s.wasReady = true
		} else if s.wasReady {
			s.endOfMedia("receiver no longer ready to play")
			return
		}
	}

	if info.ReadyToPlay && !info.HasPosition {
		s.fetchErrorLog()
	}

	if !info.Active() {
		if s.sawPlayback {
			s.endOfMedia("receiver reports no playback")
		}
		return
	}
	s.sawPlayback = true

	current := s.Playback()
	if info.HasDuration && math.Abs(info.Duration-current.Duration) > s.cfg.Epsilon {
		s.updateDuration(info.Duration)
	}
	if info.HasPosition && math.Abs(info.Position-current.Position) > s.cfg.Epsilon {
		s.updatePosition(info.Position)
	}

	// an optimistic toggle in flight wins over a stale rate
	if info.HasRate && !s.ledger.Outstanding(s.command, protocol.TagPlay) {
		paused := info.Rate < 0.5
		if paused != current.Paused {
			s.setPaused(paused)
		}
	}
}

// fetchErrorLog logs why the receiver is ready but not reporting a position
func (s *Session) fetchErrorLog() {
	if s.ledger.Outstanding(s.command, protocol.TagGetProperty) {
		return
	}

	_, err := s.issue(s.command, protocol.TagGetProperty, s.requests.GetProperty(protocol.PropertyErrorLog), s.cfg.PollTimeout, func(resp *protocol.Message, err error) {
		if err == nil && !resp.IsSuccess() {
			err = statusError("getProperty", resp)
		}
		if err != nil {
			s.log.Debug().Err(err).Msg("playback error log unavailable")
			return
		}
		props, err := protocol.ParseProperty(resp.Body)
		if err != nil {
			s.log.Debug().Err(err).Msg("playback error log unreadable")
			return
		}
		s.log.Warn().Interface("error_log", props).Msg("receiver reported playback errors")
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("playback error log not requested")
	}
}

// pollFailed counts a failed poll and fails the session at the threshold
func (s *Session) pollFailed(err error) {
	s.pollFailures++
	s.log.Warn().Err(err).Int("consecutive", s.pollFailures).Msg("playback poll failed")

	if s.pollFailures >= s.cfg.MaxPollFailures {
		s.fail(fmt.Errorf("playback polling failed %d times in a row: %w", s.pollFailures, err))
		return
	}
	s.reportError(err)
}
