// ABOUTME: AirPlay session package
// ABOUTME: Drives a receiver from handshake to stop and reports playback state
// Package airplay plays a prepared media URL on an AirPlay receiver.
//
// A Session opens a reverse event channel and a command channel, reads
// the receiver capabilities, sends the play request and then polls
// playback-info until the media ends or Stop is called.
//
// Example:
//
//	s := airplay.NewSession(airplay.DefaultConfig(), notifier)
//	err := s.Start(airplay.TargetEndpoint{Host: "10.0.0.5", Port: 7000},
//		airplay.PlaybackSource{URL: "http://10.0.0.2:8080/movie.mp4"})
//	defer s.Stop()
package airplay
