// ABOUTME: Values exchanged with the discovery, media and UI collaborators
// ABOUTME: Target endpoint, playback source and the observed playback state
package airplay

import (
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the AirPlay control port
const DefaultPort = 7000

// TargetEndpoint is a receiver produced by discovery
type TargetEndpoint struct {
	Name string
	Host string
	Port int
}

// Addr returns host:port, using DefaultPort when Port is unset
func (t TargetEndpoint) Addr() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

func (t TargetEndpoint) String() string {
	if t.Name != "" {
		return t.Name + " (" + t.Addr() + ")"
	}
	return t.Addr()
}

// PlaybackSource is a playable URL handed over by the media collaborator
type PlaybackSource struct {
	URL          string
	ContentType  string
	DurationHint float64
}

// IsZero reports whether no source was supplied
func (p PlaybackSource) IsZero() bool {
	return p.URL == ""
}

// IsHLS reports whether the source is an HTTP live stream playlist
func (p PlaybackSource) IsHLS() bool {
	ct := strings.ToLower(p.ContentType)
	if ct == "application/x-mpegurl" || ct == "application/vnd.apple.mpegurl" || ct == "audio/mpegurl" {
		return true
	}
	path := strings.ToLower(p.URL)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.HasSuffix(path, ".m3u8")
}

// PlaybackState is what the session last learned from the receiver
type PlaybackState struct {
	Position float64
	Duration float64
	Paused   bool
}
