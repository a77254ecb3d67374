// ABOUTME: Playback sources handed to the session
// ABOUTME: Remote URLs pass through, local files are served over HTTP
package source

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mediacast/airplay-go/pkg/airplay"
	"github.com/rs/zerolog"
)

// ErrUnsupportedScheme is returned for URLs a receiver cannot fetch
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

// receivers are picky about these; mime's table varies by platform
var contentTypes = map[string]string{
	".m3u8": "application/x-mpegURL",
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".ts":   "video/MP2T",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".jpg":  "image/jpeg",
	".png":  "image/png",
}

// ContentType guesses a content type from a file name or URL path
func ContentType(name string) string {
	if u, err := url.Parse(name); err == nil && u.Scheme != "" {
		name = u.Path
	}
	ext := strings.ToLower(path.Ext(name))
	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return ""
}

// FromURL describes an already playable remote URL
func FromURL(raw, contentType string, durationHint float64) (airplay.PlaybackSource, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return airplay.PlaybackSource{}, fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return airplay.PlaybackSource{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return airplay.PlaybackSource{}, fmt.Errorf("url %q has no host", raw)
	}
	if contentType == "" {
		contentType = ContentType(u.Path)
	}
	return airplay.PlaybackSource{
		URL:          u.String(),
		ContentType:  contentType,
		DurationHint: durationHint,
	}, nil
}

// FileServer exposes one local file to the receiver
type FileServer struct {
	path        string
	name        string
	contentType string
	token       string
	log         zerolog.Logger
	router      chi.Router
}

// NewFileServer prepares to serve the regular file at p
func NewFileServer(p string, logger zerolog.Logger) (*FileServer, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("stat media: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("media %s is a directory", p)
	}

	fs := &FileServer{
		path:        p,
		name:        filepath.Base(p),
		contentType: ContentType(p),
		token:       uuid.NewString(),
		log:         logger.With().Str("component", "source").Str("file", p).Logger(),
	}

	r := chi.NewRouter()
	r.Get("/media/{token}/{name}", fs.serveFile)
	r.Head("/media/{token}/{name}", fs.serveFile)
	fs.router = r
	return fs, nil
}

// Handler returns the router serving the file
func (f *FileServer) Handler() http.Handler {
	return f.router
}

// MediaPath is the unguessable path the file is served under
func (f *FileServer) MediaPath() string {
	return "/media/" + f.token + "/" + url.PathEscape(f.name)
}

// Source describes the served file as reachable at base, e.g. "http://10.0.0.4:8080"
func (f *FileServer) Source(base string, durationHint float64) airplay.PlaybackSource {
	return airplay.PlaybackSource{
		URL:          strings.TrimSuffix(base, "/") + f.MediaPath(),
		ContentType:  f.contentType,
		DurationHint: durationHint,
	}
}

// Serve serves on ln until ctx is cancelled
func (f *FileServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           f.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	f.log.Info().Str("addr", ln.Addr().String()).Msg("serving media")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (f *FileServer) serveFile(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "token") != f.token || chi.URLParam(r, "name") != f.name {
		http.NotFound(w, r)
		return
	}

	file, err := os.Open(f.path)
	if err != nil {
		f.log.Error().Err(err).Msg("open media")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			f.log.Warn().Err(err).Msg("close media")
		}
	}()

	info, err := file.Stat()
	if err != nil {
		f.log.Error().Err(err).Msg("stat media")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if f.contentType != "" {
		w.Header().Set("Content-Type", f.contentType)
	}
	f.log.Debug().
		Str("method", r.Method).
		Str("range", r.Header.Get("Range")).
		Str("remote", r.RemoteAddr).
		Msg("media request")
	http.ServeContent(w, r, f.name, info.ModTime(), file)
}

// LocalAddrFor returns the local address a receiver at host can reach us on
func LocalAddrFor(host string) (net.IP, error) {
	conn, err := net.Dial("udp", net.JoinHostPort(host, "7000"))
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && !addr.IP.IsUnspecified() {
			return addr.IP, nil
		}
	}

	ips, ierr := localIPs()
	if ierr != nil {
		return nil, ierr
	}
	if len(ips) == 0 {
		return nil, errors.New("no usable local address")
	}
	return ips[0], nil
}

// localIPs returns the IPv4 addresses of up, non-loopback interfaces
func localIPs() ([]net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil && !ipnet.IP.IsLoopback() {
				ips = append(ips, ipnet.IP)
			}
		}
	}
	return ips, nil
}
