// ABOUTME: mDNS browsing for AirPlay receivers
// ABOUTME: Turns _airplay._tcp service entries into session target endpoints
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/mediacast/airplay-go/pkg/airplay"
	"github.com/mediacast/airplay-go/pkg/protocol"
	"github.com/rs/zerolog"
)

// ServiceType is the DNS-SD service AirPlay receivers advertise
const ServiceType = "_airplay._tcp"

// ErrNotFound is returned by Find when no receiver matches
var ErrNotFound = errors.New("receiver not found")

// Config holds discovery configuration
type Config struct {
	// Timeout bounds one browse round (default: 3s)
	Timeout time.Duration

	// Domain is the mDNS domain (default: local)
	Domain string

	Logger zerolog.Logger
}

// Receiver describes a discovered AirPlay receiver
type Receiver struct {
	Name     string
	Host     string
	Port     int
	DeviceID string
	Model    string
	Features protocol.Features

	// HasFeatures is false when the TXT record carried no features key
	HasFeatures bool
}

// Endpoint converts the receiver into a session target
func (r Receiver) Endpoint() airplay.TargetEndpoint {
	return airplay.TargetEndpoint{Name: r.Name, Host: r.Host, Port: r.Port}
}

// Browser queries the network for receivers
type Browser struct {
	config Config
	log    zerolog.Logger
	query  func(ctx context.Context, params *mdns.QueryParam) error
}

// NewBrowser creates a browser
func NewBrowser(config Config) *Browser {
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Second
	}
	if config.Domain == "" {
		config.Domain = "local"
	}
	return &Browser{
		config: config,
		log:    config.Logger.With().Str("component", "discovery").Logger(),
		query:  mdns.QueryContext,
	}
}

// Browse runs one query round and returns the receivers that answered,
// in the order they were first seen
func (b *Browser) Browse(ctx context.Context) ([]Receiver, error) {
	entries := make(chan *mdns.ServiceEntry, 16)

	var (
		mu    sync.Mutex
		found []Receiver
		seen  = make(map[string]bool)
		wg    sync.WaitGroup
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			r, ok := receiverFromEntry(entry)
			if !ok {
				continue
			}
			key := r.Name + "|" + r.Host
			mu.Lock()
			if !seen[key] {
				seen[key] = true
				found = append(found, r)
				b.log.Debug().
					Str("name", r.Name).
					Str("host", r.Host).
					Int("port", r.Port).
					Stringer("features", r.Features).
					Msg("discovered receiver")
			}
			mu.Unlock()
		}
	}()

	params := &mdns.QueryParam{
		Service: ServiceType,
		Domain:  b.config.Domain,
		Timeout: b.config.Timeout,
		Entries: entries,
	}

	err := b.query(ctx, params)
	close(entries)
	wg.Wait()

	if err != nil && len(found) == 0 {
		return nil, fmt.Errorf("mdns query: %w", err)
	}
	return found, nil
}

// Find browses until a receiver named name (case-insensitive) or with
// that host answers
func (b *Browser) Find(ctx context.Context, name string) (Receiver, error) {
	receivers, err := b.Browse(ctx)
	if err != nil {
		return Receiver{}, err
	}
	for _, r := range receivers {
		if strings.EqualFold(r.Name, name) || r.Host == name {
			return r, nil
		}
	}
	return Receiver{}, fmt.Errorf("%w: %q", ErrNotFound, name)
}

// receiverFromEntry converts one mDNS answer. Entries without an
// address or port are skipped.
func receiverFromEntry(entry *mdns.ServiceEntry) (Receiver, bool) {
	if entry == nil || entry.Port == 0 {
		return Receiver{}, false
	}

	r := Receiver{
		Name: instanceName(entry.Name),
		Port: entry.Port,
	}
	switch {
	case entry.AddrV4 != nil:
		r.Host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		r.Host = entry.AddrV6.String()
	default:
		return Receiver{}, false
	}

	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "features":
			if f, err := protocol.ParseFeatures(value); err == nil {
				r.Features = f
				r.HasFeatures = true
			}
		case "model":
			r.Model = value
		case "deviceid":
			r.DeviceID = value
		}
	}

	return r, true
}

// instanceName strips the service suffix and DNS escaping from an
// entry name such as "Living\ Room._airplay._tcp.local."
func instanceName(full string) string {
	name := full
	if i := strings.Index(name, "."+ServiceType); i >= 0 {
		name = name[:i]
	}
	return strings.ReplaceAll(name, `\`, "")
}
