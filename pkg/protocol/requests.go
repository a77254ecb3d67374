// ABOUTME: Builders for the requests a client sends to an AirPlay receiver
// ABOUTME: Every request carries the session id and user agent headers
package protocol

import (
	"fmt"
	"net/url"
	"strconv"
)

// DefaultUserAgent is sent when the factory has none configured
const DefaultUserAgent = "MediaControl/1.0"

// PlaybackInfoPath is polled for position, duration and rate
const PlaybackInfoPath = "/playback-info"

// Property names accepted by GET /getProperty
const (
	PropertyErrorLog  = "playbackErrorLog"
	PropertyAccessLog = "playbackAccessLog"
)

// RequestFactory builds requests for one session
type RequestFactory struct {
	SessionID string
	Host      string
	UserAgent string
}

// NewRequestFactory creates a factory. host is written as the Host header.
func NewRequestFactory(sessionID, host, userAgent string) *RequestFactory {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &RequestFactory{
		SessionID: sessionID,
		Host:      host,
		UserAgent: userAgent,
	}
}

func (f *RequestFactory) base(method, path string) *Message {
	m := NewRequest(method, path)
	m.Set("User-Agent", f.UserAgent)
	m.Set(HeaderSessionID, f.SessionID)
	if f.Host != "" {
		m.Set("Host", f.Host)
	}
	return m
}

// Reverse asks the receiver to turn the connection into its event channel.
// The expected answer is 101 Switching Protocols.
func (f *RequestFactory) Reverse() *Message {
	m := f.base("POST", "/reverse")
	m.Set("Upgrade", "PTTH/1.0")
	m.Set("Connection", "Upgrade")
	m.Set(HeaderPurpose, "event")
	return m
}

// ServerInfo requests the receiver description and features bitmask
func (f *RequestFactory) ServerInfo() *Message {
	return f.base("GET", "/server-info")
}

// Play starts playback of body.ContentLocation
func (f *RequestFactory) Play(body PlayBody) (*Message, error) {
	if body.ContentLocation == "" {
		return nil, fmt.Errorf("play request needs a content location")
	}
	data, err := EncodePlist(body)
	if err != nil {
		return nil, err
	}
	m := f.base("POST", "/play")
	m.SetBody(ContentTypeBinaryPlist, data)
	return m, nil
}

// Rate sets the playback rate; 0 pauses and 1 resumes
func (f *RequestFactory) Rate(rate float64) *Message {
	return f.base("POST", "/rate?value="+formatValue(rate))
}

// PlaybackInfo polls position, duration and rate
func (f *RequestFactory) PlaybackInfo() *Message {
	return f.base("GET", PlaybackInfoPath)
}

// Scrub reads the current position as text/parameters
func (f *RequestFactory) Scrub() *Message {
	return f.base("GET", "/scrub")
}

// Seek moves playback to position seconds
func (f *RequestFactory) Seek(position float64) *Message {
	return f.base("POST", "/scrub?position="+formatValue(position))
}

// Volume sets the receiver volume in the range 0..1
func (f *RequestFactory) Volume(volume float64) *Message {
	return f.base("POST", "/volume?volume="+formatValue(volume))
}

// GetProperty fetches a named property such as PropertyErrorLog
func (f *RequestFactory) GetProperty(name string) *Message {
	return f.base("GET", "/getProperty?"+url.QueryEscape(name))
}

// Stop ends playback on the receiver
func (f *RequestFactory) Stop() *Message {
	return f.base("POST", "/stop")
}

// EventResponse acknowledges a reverse-channel event
func EventResponse() *Message {
	return NewResponse(200, "OK")
}

// ParsePlayRequest recovers the body of a request built by Play
func ParsePlayRequest(m *Message) (PlayBody, error) {
	var body PlayBody
	if m.IsResponse() || m.Method != "POST" || m.Path != "/play" {
		return body, &ProtocolError{Op: "play", Reason: fmt.Sprintf("not a play request: %s", m)}
	}
	if err := DecodePlist(m.Body, &body); err != nil {
		return body, err
	}
	return body, nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
