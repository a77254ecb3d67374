// ABOUTME: Incremental decoder for framed AirPlay messages
// ABOUTME: Accumulates partial reads and yields complete messages in order
package protocol

import (
	"bytes"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

const (
	// DefaultMaxHeaderSize bounds the header block of a single message
	DefaultMaxHeaderSize = 16 * 1024

	// DefaultMaxBodySize bounds the declared Content-Length
	DefaultMaxBodySize = 4 * 1024 * 1024
)

var headerTerminator = []byte("\r\n\r\n")

// Decoder turns a byte stream into messages. It is not safe for
// concurrent use. After an error the decoder stays failed.
type Decoder struct {
	buf           []byte
	maxHeaderSize int
	maxBodySize   int
	err           error

	// parsed head of a message whose body has not fully arrived
	pending    *Message
	pendingLen int
}

// NewDecoder creates a decoder. A non-positive maxBody selects the default.
func NewDecoder(maxBody int) *Decoder {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	return &Decoder{
		maxHeaderSize: DefaultMaxHeaderSize,
		maxBodySize:   maxBody,
	}
}

// Buffered returns the number of bytes waiting for a complete frame
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Feed appends p and returns every message completed by it, in arrival
// order. Messages decoded before a framing error are still returned.
func (d *Decoder) Feed(p []byte) ([]*Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)

	var out []*Message
	for {
		msg, ok, err := d.next()
		if err != nil {
			d.err = err
			d.buf = nil
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, msg)
	}
}

// next extracts one message if the buffer holds a complete frame
func (d *Decoder) next() (*Message, bool, error) {
	if d.pending == nil {
		idx := bytes.Index(d.buf, headerTerminator)
		if idx < 0 {
			if len(d.buf) > d.maxHeaderSize {
				return nil, false, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("header block exceeds %d bytes", d.maxHeaderSize)}
			}
			return nil, false, nil
		}

		msg, length, err := parseHead(string(d.buf[:idx]), d.maxBodySize)
		if err != nil {
			return nil, false, err
		}
		d.buf = d.buf[idx+len(headerTerminator):]
		d.pending = msg
		d.pendingLen = length
	}

	if len(d.buf) < d.pendingLen {
		return nil, false, nil
	}

	msg := d.pending
	if d.pendingLen > 0 {
		msg.Body = make([]byte, d.pendingLen)
		copy(msg.Body, d.buf[:d.pendingLen])
	}
	d.buf = d.buf[d.pendingLen:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	d.pending = nil
	d.pendingLen = 0

	return msg, true, nil
}

// parseHead parses the start line and headers of one message
func parseHead(head string, maxBody int) (*Message, int, error) {
	lines := strings.Split(head, "\r\n")
	msg, err := parseStartLine(lines[0])
	if err != nil {
		return nil, 0, err
	}

	msg.Header = make(textproto.MIMEHeader)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, 0, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("malformed header line %q", line)}
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:colon]))
		msg.Header.Add(key, strings.TrimSpace(line[colon+1:]))
	}

	length := 0
	if raw := msg.Header.Get("Content-Length"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, 0, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("invalid Content-Length %q", raw)}
		}
		if n > maxBody {
			return nil, 0, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("Content-Length %d exceeds limit %d", n, maxBody)}
		}
		length = n
	}

	return msg, length, nil
}

func parseStartLine(line string) (*Message, error) {
	if strings.HasPrefix(line, "HTTP/") || strings.HasPrefix(line, "RTSP/") {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 2 {
			return nil, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("malformed status line %q", line)}
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil || code < 100 || code > 999 {
			return nil, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("malformed status code in %q", line)}
		}
		msg := &Message{Proto: parts[0], StatusCode: code}
		if len(parts) == 3 {
			msg.Reason = parts[2]
		}
		return msg, nil
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !strings.Contains(parts[2], "/") {
		return nil, &ProtocolError{Op: "decode", Reason: fmt.Sprintf("malformed request line %q", line)}
	}
	return &Message{Method: parts[0], Path: parts[1], Proto: parts[2]}, nil
}
