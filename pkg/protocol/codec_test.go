// ABOUTME: Tests for message encoding and the incremental decoder
// ABOUTME: Covers partial reads, multiple frames, malformed input and the play round trip
package protocol

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeWritesContentLength(t *testing.T) {
	m := NewResponse(200, "OK")
	m.SetBody(ContentTypeTextParameters, []byte("position: 1.0\n"))
	m.Set("Content-Length", "999")

	wire := string(m.Encode())

	assert.True(t, strings.HasPrefix(wire, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, wire, "Content-Length: 14\r\n\r\nposition: 1.0\n")
	assert.NotContains(t, wire, "999")
}

func TestDecoderByteAtATime(t *testing.T) {
	m := NewResponse(200, "OK")
	m.SetBody(ContentTypeTextParameters, []byte("duration: 83.1\nposition: 14.4\n"))
	wire := m.Encode()

	dec := NewDecoder(0)
	var got []*Message
	for i := range wire {
		msgs, err := dec.Feed(wire[i : i+1])
		require.NoError(t, err)
		if i < len(wire)-1 {
			require.Empty(t, msgs, "message completed early at byte %d", i)
		}
		got = append(got, msgs...)
	}

	require.Len(t, got, 1)
	assert.Equal(t, 200, got[0].StatusCode)
	assert.Equal(t, "OK", got[0].Reason)
	assert.Equal(t, m.Body, got[0].Body)
	assert.Equal(t, 0, dec.Buffered())
}

func TestDecoderMultipleFramesInOneRead(t *testing.T) {
	first := NewResponse(101, "Switching Protocols")
	second := NewRequest("POST", "/event")
	second.SetBody(ContentTypeBinaryPlist, []byte{1, 2, 3})
	third := NewResponse(200, "OK")

	var wire []byte
	wire = append(wire, first.Encode()...)
	wire = append(wire, second.Encode()...)
	wire = append(wire, third.Encode()...)

	msgs, err := NewDecoder(0).Feed(wire)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	assert.Equal(t, 101, msgs[0].StatusCode)
	assert.False(t, msgs[1].IsResponse())
	assert.Equal(t, "POST", msgs[1].Method)
	assert.Equal(t, "/event", msgs[1].Path)
	assert.Equal(t, []byte{1, 2, 3}, msgs[1].Body)
	assert.Equal(t, 200, msgs[2].StatusCode)
}

func TestDecoderBodySplitAcrossReads(t *testing.T) {
	body := strings.Repeat("x", 1000)
	m := NewResponse(200, "OK")
	m.SetBody("text/plain", []byte(body))
	wire := m.Encode()

	head := strings.Index(string(wire), "\r\n\r\n") + 4
	dec := NewDecoder(0)

	msgs, err := dec.Feed(wire[:head+10])
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = dec.Feed(wire[head+10 : head+500])
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = dec.Feed(wire[head+500:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, body, string(msgs[0].Body))
}

func TestDecoderKeepsTrailingPartialFrame(t *testing.T) {
	a := NewResponse(200, "OK").Encode()
	b := NewResponse(204, "No Content").Encode()

	dec := NewDecoder(0)
	msgs, err := dec.Feed(append(a, b[:5]...))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 5, dec.Buffered())

	msgs, err = dec.Feed(b[5:])
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 204, msgs[0].StatusCode)
}

func TestDecoderHeadersAreCaseInsensitive(t *testing.T) {
	wire := "HTTP/1.1 200 OK\r\ncontent-length: 2\r\nx-apple-session-id: abc\r\n\r\nhi"

	msgs, err := NewDecoder(0).Feed([]byte(wire))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "abc", msgs[0].Get(HeaderSessionID))
	assert.Equal(t, "hi", string(msgs[0].Body))
}

func TestDecoderMalformedInput(t *testing.T) {
	tests := []struct {
		name string
		wire string
	}{
		{"header without colon", "HTTP/1.1 200 OK\r\nbogus\r\n\r\n"},
		{"bad status code", "HTTP/1.1 abc OK\r\n\r\n"},
		{"short request line", "GET /server-info\r\n\r\n"},
		{"negative length", "HTTP/1.1 200 OK\r\nContent-Length: -4\r\n\r\n"},
		{"non numeric length", "HTTP/1.1 200 OK\r\nContent-Length: ten\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(0)
			_, err := dec.Feed([]byte(tt.wire))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol), "expected protocol error, got %v", err)

			_, err = dec.Feed(NewResponse(200, "OK").Encode())
			assert.Error(t, err, "decoder must stay failed")
		})
	}
}

func TestDecoderReturnsMessagesBeforeError(t *testing.T) {
	wire := append(NewResponse(200, "OK").Encode(), []byte("garbage line\r\n\r\n")...)

	msgs, err := NewDecoder(0).Feed(wire)
	require.Error(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 200, msgs[0].StatusCode)
}

func TestDecoderBodyLimit(t *testing.T) {
	wire := "HTTP/1.1 200 OK\r\nContent-Length: 2048\r\n\r\n"

	_, err := NewDecoder(1024).Feed([]byte(wire))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecoderHeaderLimit(t *testing.T) {
	wire := "HTTP/1.1 200 OK\r\nX-Filler: " + strings.Repeat("a", DefaultMaxHeaderSize+1)

	_, err := NewDecoder(0).Feed([]byte(wire))
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestPlayRequestRoundTrip(t *testing.T) {
	src := PlayBody{
		ContentLocation: "http://h/seg.m3u8",
		StartPosition:   0.0,
		ContentType:     "application/x-mpegurl",
	}

	req, err := NewRequestFactory("session-1", "receiver:7000", "").Play(src)
	require.NoError(t, err)

	msgs, err := NewDecoder(0).Feed(req.Encode())
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	got, err := ParsePlayRequest(msgs[0])
	require.NoError(t, err)
	assert.Equal(t, src, got)

	assert.Equal(t, ContentTypeBinaryPlist, msgs[0].Get("Content-Type"))
	assert.Equal(t, "session-1", msgs[0].Get(HeaderSessionID))
	assert.Equal(t, DefaultUserAgent, msgs[0].Get("User-Agent"))
}
