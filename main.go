// ABOUTME: Entry point for the AirPlay remote player
// ABOUTME: Parses CLI flags, finds a receiver and drives one playback session
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mediacast/airplay-go/internal/config"
	"github.com/mediacast/airplay-go/internal/discovery"
	applog "github.com/mediacast/airplay-go/internal/log"
	"github.com/mediacast/airplay-go/internal/metrics"
	"github.com/mediacast/airplay-go/internal/source"
	"github.com/mediacast/airplay-go/internal/ui"
	"github.com/mediacast/airplay-go/internal/version"
	"github.com/mediacast/airplay-go/pkg/airplay"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	configPath      = flag.String("config", "", "YAML configuration file")
	receiverAddr    = flag.String("receiver", "", "Receiver address host[:port] (skip mDNS)")
	receiverName    = flag.String("name", "", "Receiver name to look up via mDNS")
	mediaURL        = flag.String("url", "", "Media URL the receiver should play")
	mediaFile       = flag.String("file", "", "Local media file to serve to the receiver")
	contentType     = flag.String("content-type", "", "Media content type (default: guessed from the extension)")
	durationHint    = flag.Float64("duration", 0, "Known media duration in seconds")
	logFile         = flag.String("log-file", "airplay.log", "Log file path")
	logLevel        = flag.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	noTUI           = flag.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
	metricsAddr     = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	assumeReverse   = flag.Bool("assume-reverse-timeout", false, "Treat an unanswered reverse upgrade as accepted")
	discoverTimeout = flag.Duration("discover-timeout", 3*time.Second, "mDNS browse timeout")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "airplay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	file := config.File{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		file = loaded
	}
	mergeFlags(&file)

	if (*mediaURL == "") == (*mediaFile == "") {
		return errors.New("exactly one of -url or -file is required")
	}

	useTUI := !*noTUI

	// Set up logging
	f, err := os.OpenFile(file.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var out io.Writer = f
	if !useTUI {
		out = io.MultiWriter(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}, f)
	}
	applog.Configure(applog.Config{Level: file.LogLevel, Output: out, Version: version.Version})
	logger := applog.WithComponent("main")
	logger.Info().Str("product", version.Product).Msg("starting")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	target, err := resolveTarget(ctx, file, logger)
	if err != nil {
		return err
	}
	logger.Info().Stringer("target", target).Msg("using receiver")

	cfg := airplay.DefaultConfig()
	cfg.UserAgent = version.UserAgent()
	file.Apply(&cfg)
	cfg.Logger = applog.WithComponent("airplay")
	cfg.Metrics = metrics.Recorder{}

	g, gctx := errgroup.WithContext(ctx)

	// TUI setup
	var (
		tuiProg  *tea.Program
		controls *ui.Controls
		notifier airplay.Notifier = ui.LogNotifier{Log: applog.WithComponent("playback")}
	)
	if useTUI {
		controls = ui.NewControls()
		tuiProg, err = ui.Run(controls)
		if err != nil {
			return fmt.Errorf("start TUI: %w", err)
		}
		notifier = ui.NewNotifier(tuiProg)

		g.Go(func() error {
			defer cancel()
			_, err := tuiProg.Run()
			return err
		})
		tuiProg.Send(ui.StatusMsg{Target: target.String()})
	}

	if file.MetricsAddr != "" {
		serveMetrics(gctx, g, file.MetricsAddr, logger)
	}

	// A local file needs its HTTP server before the receiver can fetch it,
	// so the session starts without a source and gets it once serving.
	var (
		src       airplay.PlaybackSource
		fileSrv   *source.FileServer
		mediaLn   net.Listener
		mediaBase string
	)
	if *mediaURL != "" {
		src, err = source.FromURL(*mediaURL, *contentType, *durationHint)
		if err != nil {
			return err
		}
		probe, err := source.NewProber(nil).Probe(ctx, src.URL)
		switch {
		case err != nil:
			// the receiver may still reach what we cannot
			logger.Warn().Err(err).Msg("media url probe failed")
		case src.ContentType == "":
			src.ContentType = probe.ContentType
		}
	} else {
		fileSrv, err = source.NewFileServer(*mediaFile, applog.Base())
		if err != nil {
			return err
		}
		ip, err := source.LocalAddrFor(target.Host)
		if err != nil {
			return fmt.Errorf("find local address: %w", err)
		}
		mediaLn, err = net.Listen("tcp", net.JoinHostPort(ip.String(), "0"))
		if err != nil {
			return fmt.Errorf("listen for media: %w", err)
		}
		mediaBase = "http://" + mediaLn.Addr().String()
		g.Go(func() error {
			return fileSrv.Serve(gctx, mediaLn)
		})
	}

	handler := airplay.NewHandler(cfg, notifier)
	sess, err := handler.Start(target, src)
	if err != nil {
		cancel()
		_ = g.Wait()
		return fmt.Errorf("start session: %w", err)
	}
	logger.Info().Str("session_id", sess.ID()).Msg("session started")

	if fileSrv != nil {
		fsrc := fileSrv.Source(mediaBase, *durationHint)
		if *contentType != "" {
			fsrc.ContentType = *contentType
		}
		if err := sess.SourceReady(fsrc); err != nil {
			logger.Error().Err(err).Msg("source not accepted")
		}
	}

	if controls != nil {
		g.Go(func() error {
			handleControls(gctx, handler, controls, tuiProg, logger)
			return nil
		})
	}

	g.Go(func() error {
		defer cancel()
		var quit <-chan struct{}
		if controls != nil {
			quit = controls.Quit
		}

		select {
		case <-gctx.Done():
			logger.Info().Msg("shutdown signal received")
		case <-sess.Done():
			logger.Info().Stringer("state", sess.State()).Msg("session ended")
		case <-quit:
			logger.Info().Msg("received quit signal from TUI")
		}

		handler.Stop()
		if tuiProg != nil {
			tuiProg.Quit()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if sess.State() == airplay.StateFailed {
		return errors.New("playback failed, see log for details")
	}
	logger.Info().Msg("player stopped")
	return nil
}

// mergeFlags lets explicitly set flags override the config file, and
// fills in flag defaults the file left empty
func mergeFlags(file *config.File) {
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	pick := func(name string, dst *string, flagVal string) {
		if set[name] || *dst == "" {
			*dst = flagVal
		}
	}
	pick("log-file", &file.LogFile, *logFile)
	pick("log-level", &file.LogLevel, *logLevel)
	pick("metrics-addr", &file.MetricsAddr, *metricsAddr)

	if set["receiver"] {
		file.Receiver, file.Name = *receiverAddr, ""
	}
	if set["name"] {
		file.Name, file.Receiver = *receiverName, ""
	}
	if set["assume-reverse-timeout"] {
		file.Session.AssumeReverseTimesOut = *assumeReverse
	}
	if set["discover-timeout"] || file.DiscoverTimeout == 0 {
		file.DiscoverTimeout = config.Duration(*discoverTimeout)
	}
}

// resolveTarget turns the configured receiver into an endpoint, browsing
// mDNS when no address was given
func resolveTarget(ctx context.Context, file config.File, logger zerolog.Logger) (airplay.TargetEndpoint, error) {
	if file.Receiver != "" {
		return parseEndpoint(file.Receiver)
	}

	browser := discovery.NewBrowser(discovery.Config{
		Timeout: file.DiscoverTimeout.Std(),
		Logger:  applog.Base(),
	})

	if file.Name != "" {
		r, err := browser.Find(ctx, file.Name)
		if err != nil {
			return airplay.TargetEndpoint{}, err
		}
		return r.Endpoint(), nil
	}

	logger.Info().Msg("starting receiver discovery")
	receivers, err := browser.Browse(ctx)
	if err != nil {
		return airplay.TargetEndpoint{}, err
	}
	if len(receivers) == 0 {
		return airplay.TargetEndpoint{}, fmt.Errorf("no receiver found after %s", file.DiscoverTimeout.Std())
	}
	for _, r := range receivers {
		logger.Info().Str("name", r.Name).Str("host", r.Host).Stringer("features", r.Features).Msg("found receiver")
	}
	return receivers[0].Endpoint(), nil
}

// parseEndpoint accepts host, host:port or [v6]:port
func parseEndpoint(s string) (airplay.TargetEndpoint, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// no port given
		return airplay.TargetEndpoint{Host: s, Port: airplay.DefaultPort}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return airplay.TargetEndpoint{}, fmt.Errorf("invalid receiver port %q", portStr)
	}
	return airplay.TargetEndpoint{Host: host, Port: port}, nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, logger zerolog.Logger) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// handleControls forwards TUI key presses to the session
func handleControls(ctx context.Context, h *airplay.Handler, controls *ui.Controls, p *tea.Program, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-controls.Commands:
			if err := ui.Apply(h, cmd); err != nil {
				logger.Warn().Err(err).Int("command", int(cmd.Kind)).Msg("command rejected")
				p.Send(ui.StatusMsg{Err: err})
			}
		}
	}
}
