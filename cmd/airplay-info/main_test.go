// ABOUTME: Tests for the receiver probe
// ABOUTME: Runs the probe against a minimal loopback receiver
package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/mediacast/airplay-go/pkg/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// serveReceiver answers one connection by path until it closes
func serveReceiver(t *testing.T, answer func(*protocol.Message) *protocol.Message) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		dec := protocol.NewDecoder(0)
		buf := make([]byte, 4096)
		for {
			n, err := c.Read(buf)
			if n > 0 {
				msgs, _ := dec.Feed(buf[:n])
				for _, m := range msgs {
					if resp := answer(m); resp != nil {
						if _, err := c.Write(resp.Encode()); err != nil {
							return
						}
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		<-done
	})
	return ln.Addr().String()
}

func infoResponse(t *testing.T) *protocol.Message {
	body, err := protocol.EncodePlist(protocol.ServerInfo{
		DeviceID: "58:55:CA:1A:E2:88",
		Features: 0x5A7FFFF7,
		Model:    "AppleTV3,2",
		SrcVers:  "220.68",
	})
	require.NoError(t, err)
	resp := protocol.NewResponse(200, "OK")
	resp.SetBody(protocol.ContentTypeBinaryPlist, body)
	return resp
}

func TestProbeServerInfo(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	addr := serveReceiver(t, func(*protocol.Message) *protocol.Message {
		return infoResponse(t)
	})

	report, err := probe(context.Background(), addr, probeOptions{Timeout: time.Second, Logger: zerolog.Nop()})
	require.NoError(t, err)

	assert.Equal(t, "AppleTV3,2", report.Info.Model)
	assert.True(t, report.Info.Capabilities().Supports(protocol.FeatureVideo))
	assert.Nil(t, report.Playback)

	var out bytes.Buffer
	report.print(&out)
	assert.Contains(t, out.String(), "model:     AppleTV3,2")
	assert.Contains(t, out.String(), "version:   220.68")
}

func TestProbePlayback(t *testing.T) {
	addr := serveReceiver(t, func(m *protocol.Message) *protocol.Message {
		switch {
		case m.Path == "/server-info":
			return infoResponse(t)
		case m.Path == protocol.PlaybackInfoPath:
			body, err := protocol.EncodePlist(map[string]interface{}{
				"duration": 120.0, "position": 30.0, "rate": 1.0, "readyToPlay": true,
			})
			require.NoError(t, err)
			resp := protocol.NewResponse(200, "OK")
			resp.SetBody(protocol.ContentTypeBinaryPlist, body)
			return resp
		case strings.HasPrefix(m.Path, "/scrub"):
			resp := protocol.NewResponse(200, "OK")
			resp.SetBody(protocol.ContentTypeTextParameters, []byte("duration: 120.000000\nposition: 30.500000\n"))
			return resp
		}
		return protocol.NewResponse(404, "Not Found")
	})

	report, err := probe(context.Background(), addr, probeOptions{Timeout: time.Second, Playback: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NotNil(t, report.Playback)
	assert.Equal(t, 30.0, report.Playback.Position)
	require.NotNil(t, report.Scrub)
	assert.Equal(t, [2]float64{120, 30.5}, *report.Scrub)

	var out bytes.Buffer
	report.print(&out)
	assert.Contains(t, out.String(), "playback:  30.0s / 120.0s at rate 1.0")
}

func TestProbeErrorStatus(t *testing.T) {
	addr := serveReceiver(t, func(*protocol.Message) *protocol.Message {
		return protocol.NewResponse(403, "Forbidden")
	})

	_, err := probe(context.Background(), addr, probeOptions{Timeout: time.Second, Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.Equal(t, "protocol", protocol.KindOf(err))
}

func TestProbeTimeout(t *testing.T) {
	addr := serveReceiver(t, func(*protocol.Message) *protocol.Message { return nil })

	start := time.Now()
	_, err := probe(context.Background(), addr, probeOptions{Timeout: 100 * time.Millisecond, Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.Equal(t, "timeout", protocol.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}
