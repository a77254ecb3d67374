// ABOUTME: Property-list bodies exchanged with AirPlay receivers
// ABOUTME: Play request, server-info, playback-info, events and scrub text
package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"howett.net/plist"
)

// PlayBody is the plist carried by POST /play
type PlayBody struct {
	ContentLocation string  `plist:"Content-Location"`
	StartPosition   float64 `plist:"Start-Position"`
	ContentType     string  `plist:"Content-Type,omitempty"`
}

// ServerInfo is the subset of /server-info the client uses
type ServerInfo struct {
	DeviceID   string `plist:"deviceid"`
	Features   uint64 `plist:"features"`
	Model      string `plist:"model"`
	ProtoVers  string `plist:"protovers"`
	SrcVers    string `plist:"srcvers"`
	MacAddress string `plist:"macAddress"`
}

// Capabilities decodes the features bitmask
func (s ServerInfo) Capabilities() Features {
	return Decode(s.Features)
}

// PlaybackInfo is the decoded /playback-info reply. Has* fields tell a
// missing key from a zero value.
type PlaybackInfo struct {
	Position       float64
	HasPosition    bool
	Duration       float64
	HasDuration    bool
	Rate           float64
	HasRate        bool
	ReadyToPlay    bool
	HasReadyToPlay bool
}

// Active reports whether the receiver described any playback at all
func (p PlaybackInfo) Active() bool {
	return p.HasPosition || p.HasDuration
}

// Event is a notification pushed on the reverse channel
type Event struct {
	Category string
	State    string
	Raw      map[string]interface{}
}

// EncodePlist serializes v as a binary plist
func EncodePlist(v interface{}) ([]byte, error) {
	data, err := plist.Marshal(v, plist.BinaryFormat)
	if err != nil {
		return nil, fmt.Errorf("encode plist: %w", err)
	}
	return data, nil
}

// DecodePlist parses a binary or XML plist into v
func DecodePlist(data []byte, v interface{}) error {
	if _, err := plist.Unmarshal(data, v); err != nil {
		return &ProtocolError{Op: "decode plist", Reason: "invalid property list", Err: err}
	}
	return nil
}

// ParseServerInfo decodes a /server-info body
func ParseServerInfo(body []byte) (ServerInfo, error) {
	var info ServerInfo
	if len(body) == 0 {
		return info, &ProtocolError{Op: "server-info", Reason: "empty body"}
	}
	if err := DecodePlist(body, &info); err != nil {
		return info, err
	}
	return info, nil
}

// ParsePlaybackInfo decodes a /playback-info body. Numeric values may be
// reals, integers or strings depending on the receiver firmware. An
// empty body decodes to an inactive PlaybackInfo.
func ParsePlaybackInfo(body []byte) (PlaybackInfo, error) {
	var info PlaybackInfo
	if len(bytes.TrimSpace(body)) == 0 {
		return info, nil
	}

	var raw map[string]interface{}
	if err := DecodePlist(body, &raw); err != nil {
		return info, err
	}

	var ok bool
	if v, present := raw["position"]; present {
		if info.Position, ok = number(v); !ok {
			return info, &ProtocolError{Op: "playback-info", Reason: fmt.Sprintf("position has type %T", v)}
		}
		info.HasPosition = true
	}
	if v, present := raw["duration"]; present {
		if info.Duration, ok = number(v); !ok {
			return info, &ProtocolError{Op: "playback-info", Reason: fmt.Sprintf("duration has type %T", v)}
		}
		info.HasDuration = true
	}
	if v, present := raw["rate"]; present {
		if info.Rate, ok = number(v); !ok {
			return info, &ProtocolError{Op: "playback-info", Reason: fmt.Sprintf("rate has type %T", v)}
		}
		info.HasRate = true
	}
	if v, present := raw["readyToPlay"]; present {
		switch b := v.(type) {
		case bool:
			info.ReadyToPlay = b
		default:
			n, ok := number(v)
			if !ok {
				return info, &ProtocolError{Op: "playback-info", Reason: fmt.Sprintf("readyToPlay has type %T", v)}
			}
			info.ReadyToPlay = n != 0
		}
		info.HasReadyToPlay = true
	}

	if info.Position < 0 {
		info.Position = 0
	}
	if info.Duration < 0 {
		info.Duration = 0
	}

	return info, nil
}

// ParseEvent decodes the body of a reverse-channel /event request
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if len(bytes.TrimSpace(body)) == 0 {
		return ev, nil
	}
	if err := DecodePlist(body, &ev.Raw); err != nil {
		return ev, err
	}
	ev.Category, _ = ev.Raw["category"].(string)
	ev.State, _ = ev.Raw["state"].(string)
	return ev, nil
}

// ParseProperty decodes a /getProperty reply into a generic dictionary
func ParseProperty(body []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(bytes.TrimSpace(body)) == 0 {
		return out, nil
	}
	if err := DecodePlist(body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseScrub decodes the text/parameters reply of GET /scrub:
//
//	duration: 83.124794
//	position: 14.467000
func ParseScrub(body []byte) (duration, position float64, err error) {
	var sawDuration, sawPosition bool

	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		key, value, found := strings.Cut(sc.Text(), ":")
		if !found {
			continue
		}
		f, perr := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if perr != nil {
			return 0, 0, &ProtocolError{Op: "scrub", Reason: fmt.Sprintf("bad value for %s", strings.TrimSpace(key)), Err: perr}
		}
		switch strings.TrimSpace(key) {
		case "duration":
			duration, sawDuration = f, true
		case "position":
			position, sawPosition = f, true
		}
	}
	if !sawDuration && !sawPosition {
		return 0, 0, &ProtocolError{Op: "scrub", Reason: "no duration or position in reply"}
	}
	return duration, position, nil
}

// number converts the numeric shapes plist decoding can yield
func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
