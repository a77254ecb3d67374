// ABOUTME: AirPlay control message type and wire encoding
// ABOUTME: HTTP/1.1-style start line, headers and Content-Length framed body
package protocol

import (
	"bytes"
	"net/textproto"
	"sort"
	"strconv"
)

const (
	// Proto is the protocol version written on every start line
	Proto = "HTTP/1.1"

	// ContentTypeBinaryPlist is the content type of plist bodies
	ContentTypeBinaryPlist = "application/x-apple-binary-plist"

	// ContentTypeTextParameters is used by receivers for /scrub replies
	ContentTypeTextParameters = "text/parameters"

	// HeaderSessionID carries the per-session token
	HeaderSessionID = "X-Apple-Session-ID"

	// HeaderPurpose marks the reverse channel upgrade
	HeaderPurpose = "X-Apple-Purpose"
)

// Message is a single request or response on a channel.
// Requests have Method and Path set; responses have StatusCode set.
type Message struct {
	Method     string
	Path       string
	StatusCode int
	Reason     string
	Proto      string
	Header     textproto.MIMEHeader
	Body       []byte
}

// NewRequest creates a request message with an empty header set
func NewRequest(method, path string) *Message {
	return &Message{
		Method: method,
		Path:   path,
		Proto:  Proto,
		Header: make(textproto.MIMEHeader),
	}
}

// NewResponse creates a response message with an empty header set
func NewResponse(code int, reason string) *Message {
	return &Message{
		StatusCode: code,
		Reason:     reason,
		Proto:      Proto,
		Header:     make(textproto.MIMEHeader),
	}
}

// IsResponse reports whether the message carries a status line
func (m *Message) IsResponse() bool {
	return m.StatusCode != 0
}

// IsSuccess reports whether a response carries a 2xx status
func (m *Message) IsSuccess() bool {
	return m.StatusCode >= 200 && m.StatusCode < 300
}

// Get returns the first value of a header
func (m *Message) Get(key string) string {
	if m.Header == nil {
		return ""
	}
	return m.Header.Get(key)
}

// Set replaces a header value
func (m *Message) Set(key, value string) {
	if m.Header == nil {
		m.Header = make(textproto.MIMEHeader)
	}
	m.Header.Set(key, value)
}

// SetBody attaches a body and its content type
func (m *Message) SetBody(contentType string, body []byte) {
	m.Body = body
	if contentType != "" {
		m.Set("Content-Type", contentType)
	}
}

// String returns the start line, for logs
func (m *Message) String() string {
	if m.IsResponse() {
		return strconv.Itoa(m.StatusCode) + " " + m.Reason
	}
	return m.Method + " " + m.Path
}

// Encode serializes the message. Content-Length always reflects the body
// and header lines are written in sorted order.
func (m *Message) Encode() []byte {
	var b bytes.Buffer

	proto := m.Proto
	if proto == "" {
		proto = Proto
	}

	if m.IsResponse() {
		b.WriteString(proto)
		b.WriteByte(' ')
		b.WriteString(strconv.Itoa(m.StatusCode))
		if m.Reason != "" {
			b.WriteByte(' ')
			b.WriteString(m.Reason)
		}
	} else {
		b.WriteString(m.Method)
		b.WriteByte(' ')
		b.WriteString(m.Path)
		b.WriteByte(' ')
		b.WriteString(proto)
	}
	b.WriteString("\r\n")

	keys := make([]string, 0, len(m.Header))
	for k := range m.Header {
		if k == "Content-Length" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range m.Header[k] {
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(len(m.Body)))
	b.WriteString("\r\n\r\n")
	b.Write(m.Body)

	return b.Bytes()
}
