// ABOUTME: Probe tool printing what an AirPlay receiver reports
// ABOUTME: Drives one command channel through the request ledger without a session
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mediacast/airplay-go/internal/discovery"
	applog "github.com/mediacast/airplay-go/internal/log"
	"github.com/mediacast/airplay-go/internal/version"
	"github.com/mediacast/airplay-go/pkg/protocol"
	"github.com/rs/zerolog"
)

var (
	receiverAddr = flag.String("receiver", "", "Receiver address host[:port]")
	receiverName = flag.String("name", "", "Receiver name to look up via mDNS")
	timeout      = flag.Duration("timeout", 5*time.Second, "Per-request timeout")
	playback     = flag.Bool("playback", false, "Also query playback-info and scrub")
	browseOnly   = flag.Bool("browse", false, "List receivers found via mDNS and exit")
	verbose      = flag.Bool("v", false, "Log protocol traffic to stderr")
)

func main() {
	flag.Parse()

	level := "warn"
	if *verbose {
		level = "debug"
	}
	applog.Configure(applog.Config{Level: level, Output: os.Stderr, Console: true, Service: "airplay-info"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := run(ctx, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "airplay-info: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, w io.Writer) error {
	browser := discovery.NewBrowser(discovery.Config{Logger: applog.Base()})

	if *browseOnly {
		receivers, err := browser.Browse(ctx)
		if err != nil {
			return err
		}
		for _, r := range receivers {
			fmt.Fprintf(w, "%-24s %s:%d  %s  %s\n", r.Name, r.Host, r.Port, r.Model, r.Features)
		}
		return nil
	}

	addr := *receiverAddr
	if addr == "" {
		if *receiverName == "" {
			return errors.New("one of -receiver, -name or -browse is required")
		}
		r, err := browser.Find(ctx, *receiverName)
		if err != nil {
			return err
		}
		addr = net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
	} else if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "7000")
	}

	report, err := probe(ctx, addr, probeOptions{
		Timeout:  *timeout,
		Playback: *playback,
		Logger:   applog.WithComponent("probe"),
	})
	if err != nil {
		return err
	}
	report.print(w)
	return nil
}

type probeOptions struct {
	Timeout  time.Duration
	Playback bool
	Logger   zerolog.Logger
}

type probeReport struct {
	Addr     string
	Info     protocol.ServerInfo
	Playback *protocol.PlaybackInfo
	Scrub    *[2]float64
}

func (r probeReport) print(w io.Writer) {
	caps := r.Info.Capabilities()
	fmt.Fprintf(w, "receiver:  %s\n", r.Addr)
	fmt.Fprintf(w, "model:     %s\n", r.Info.Model)
	fmt.Fprintf(w, "device id: %s\n", r.Info.DeviceID)
	if r.Info.SrcVers != "" {
		fmt.Fprintf(w, "version:   %s\n", r.Info.SrcVers)
	}
	fmt.Fprintf(w, "features:  0x%X\n", caps.Encode())
	if names := caps.Names(); len(names) > 0 {
		fmt.Fprintf(w, "           %s\n", strings.Join(names, ", "))
	}

	if r.Playback != nil {
		if r.Playback.Active() {
			fmt.Fprintf(w, "playback:  %.1fs / %.1fs at rate %.1f\n", r.Playback.Position, r.Playback.Duration, r.Playback.Rate)
		} else {
			fmt.Fprintln(w, "playback:  idle")
		}
	}
	if r.Scrub != nil {
		fmt.Fprintf(w, "scrub:     %.1fs / %.1fs\n", r.Scrub[1], r.Scrub[0])
	}
}

// probe opens one command channel and issues requests in sequence
func probe(ctx context.Context, addr string, opts probeOptions) (probeReport, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	events := make(chan protocol.ChannelEvent, 8)
	ch, err := protocol.Open(ctx, "command", addr, protocol.ChannelConfig{}, events)
	if err != nil {
		return probeReport{}, err
	}
	defer func() {
		_ = ch.Close()
		ch.Wait()
	}()

	host, _, _ := net.SplitHostPort(addr)
	factory := protocol.NewRequestFactory(uuid.NewString(), host, version.UserAgent())
	ledger := protocol.NewLedger()

	// roundTrip issues one request and pumps channel events until it resolves
	roundTrip := func(tag protocol.Tag, msg *protocol.Message) (*protocol.Message, error) {
		var (
			resp *protocol.Message
			rerr error
			done bool
		)
		_, err := ledger.Issue(ch, tag, msg, opts.Timeout, func(m *protocol.Message, err error) {
			resp, rerr, done = m, err, true
		})
		if err != nil {
			return nil, err
		}
		opts.Logger.Debug().Stringer("tag", tag).Str("path", msg.Path).Msg("sent")

		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
		for !done {
			select {
			case <-ctx.Done():
				ledger.CancelAll()
				return nil, ctx.Err()
			case now := <-tick.C:
				ledger.Tick(now)
			case ev := <-events:
				switch {
				case ev.Err != nil:
					ledger.Fail(ch, ev.Err)
				case ev.Message != nil:
					if !ledger.OnMessage(ch, ev.Message) {
						opts.Logger.Debug().Stringer("message", ev.Message).Msg("unsolicited message")
					}
				}
			}
		}
		if rerr != nil {
			return nil, rerr
		}
		if !resp.IsSuccess() {
			return nil, &protocol.ProtocolError{
				Op:     tag.String(),
				Reason: fmt.Sprintf("unexpected status %d %s", resp.StatusCode, resp.Reason),
			}
		}
		return resp, nil
	}

	report := probeReport{Addr: addr}

	resp, err := roundTrip(protocol.TagInfo, factory.ServerInfo())
	if err != nil {
		return report, fmt.Errorf("server-info: %w", err)
	}
	report.Info, err = protocol.ParseServerInfo(resp.Body)
	if err != nil {
		return report, err
	}

	if !opts.Playback {
		return report, nil
	}

	resp, err = roundTrip(protocol.TagGetProperty, factory.PlaybackInfo())
	if err != nil {
		return report, fmt.Errorf("playback-info: %w", err)
	}
	info, err := protocol.ParsePlaybackInfo(resp.Body)
	if err != nil {
		return report, err
	}
	report.Playback = &info

	resp, err = roundTrip(protocol.TagScrub, factory.Scrub())
	if err != nil {
		opts.Logger.Warn().Err(err).Msg("scrub query failed")
		return report, nil
	}
	duration, position, err := protocol.ParseScrub(resp.Body)
	if err != nil {
		opts.Logger.Warn().Err(err).Msg("scrub reply unreadable")
		return report, nil
	}
	report.Scrub = &[2]float64{duration, position}
	return report, nil
}
