// ABOUTME: Tests for playback sources and the local file server
// ABOUTME: Covers content type guessing, URL validation and range serving
package source

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"movie.mp4":                              "video/mp4",
		"/tmp/Clip.MOV":                          "video/quicktime",
		"https://cdn.example.com/live/index.m3u8": "application/x-mpegURL",
		"https://cdn.example.com/a.mp4?sig=abc":  "video/mp4",
		"song.mp3":                               "audio/mpeg",
		"noext":                                  "",
	}
	for in, want := range cases {
		assert.Equal(t, want, ContentType(in), in)
	}
}

func TestFromURL(t *testing.T) {
	src, err := FromURL("http://media.local/show.m3u8", "", 42)
	require.NoError(t, err)
	assert.Equal(t, "http://media.local/show.m3u8", src.URL)
	assert.Equal(t, "application/x-mpegURL", src.ContentType)
	assert.Equal(t, 42.0, src.DurationHint)
	assert.True(t, src.IsHLS())

	src, err = FromURL("http://media.local/stream", "video/mp4", 0)
	require.NoError(t, err)
	assert.Equal(t, "video/mp4", src.ContentType)
}

func TestFromURLRejects(t *testing.T) {
	_, err := FromURL("file:///tmp/a.mp4", "", 0)
	assert.True(t, errors.Is(err, ErrUnsupportedScheme))

	_, err = FromURL("http:///a.mp4", "", 0)
	assert.Error(t, err)

	_, err = FromURL("http://%zz", "", 0)
	assert.Error(t, err)
}

func writeMedia(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(p, []byte("0123456789abcdef"), 0o600))
	return p
}

func TestNewFileServerRejectsDirectory(t *testing.T) {
	_, err := NewFileServer(t.TempDir(), zerolog.Nop())
	assert.Error(t, err)

	_, err = NewFileServer(filepath.Join(t.TempDir(), "missing.mp4"), zerolog.Nop())
	assert.Error(t, err)
}

func TestFileServerServesRanges(t *testing.T) {
	fs, err := NewFileServer(writeMedia(t), zerolog.Nop())
	require.NoError(t, err)

	srv := httptest.NewServer(fs.Handler())
	defer srv.Close()

	src := fs.Source(srv.URL+"/", 10)
	assert.Equal(t, "video/mp4", src.ContentType)
	assert.Equal(t, srv.URL+fs.MediaPath(), src.URL)

	req, err := http.NewRequest(http.MethodGet, src.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=4-7")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "4567", string(body))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
}

func TestFileServerHead(t *testing.T) {
	fs, err := NewFileServer(writeMedia(t), zerolog.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	fs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodHead, fs.MediaPath(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "16", rec.Header().Get("Content-Length"))
}

func TestFileServerUnknownToken(t *testing.T) {
	fs, err := NewFileServer(writeMedia(t), zerolog.Nop())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	fs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/guess/clip.mp4", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	fs.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, fs.MediaPath(), nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	fs, err := NewFileServer(writeMedia(t), zerolog.Nop())
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- fs.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + fs.MediaPath())
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestLocalAddrForLoopback(t *testing.T) {
	ip, err := LocalAddrFor("127.0.0.1")
	require.NoError(t, err)
	assert.True(t, ip.IsLoopback())
}
