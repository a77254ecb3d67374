// ABOUTME: Session configuration with defaults for timeouts and polling
// ABOUTME: Zero fields are filled in when a session is created
package airplay

import (
	"time"

	"github.com/google/uuid"
	"github.com/mediacast/airplay-go/pkg/protocol"
	"github.com/rs/zerolog"
)

// Config holds session configuration
type Config struct {
	// Logger receives structured logs. The zero value discards them.
	Logger zerolog.Logger

	// Metrics receives activity counters (optional)
	Metrics Metrics

	// CommandPort is the port of the command channel. 0 uses the
	// endpoint port.
	CommandPort int

	// Channel tunes both TCP channels
	Channel protocol.ChannelConfig

	// RequestTimeout bounds reverse, server-info and command requests (default: 5s)
	RequestTimeout time.Duration

	// PlayTimeout bounds the initial play request (default: 10s)
	PlayTimeout time.Duration

	// PollInterval is the playback-info polling period (default: 1s)
	PollInterval time.Duration

	// PollTimeout bounds each poll request (default: 3s)
	PollTimeout time.Duration

	// LedgerTick is how often request deadlines are checked (default: 100ms)
	LedgerTick time.Duration

	// MaxPollFailures is the number of consecutive failed polls that
	// fail the session (default: 3)
	MaxPollFailures int

	// Epsilon is the smallest position or duration change, in seconds,
	// that is reported (default: 0.01)
	Epsilon float64

	// AssumeReverseTimesOut treats a reverse request that times out
	// without an error or close as accepted. Some receivers never
	// answer the upgrade.
	AssumeReverseTimesOut bool

	// StopGrace bounds how long queued bytes, including the stop
	// request, may take to flush on teardown (default: 250ms)
	StopGrace time.Duration

	// UserAgent is sent on every request (default: MediaControl/1.0)
	UserAgent string

	// NewSessionID generates the X-Apple-Session-ID (default: random UUID)
	NewSessionID func() string
}

// DefaultConfig returns a configuration with every default applied
func DefaultConfig() Config {
	return Config{}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.PlayTimeout <= 0 {
		c.PlayTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 3 * time.Second
	}
	if c.LedgerTick <= 0 {
		c.LedgerTick = 100 * time.Millisecond
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 3
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 0.01
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 250 * time.Millisecond
	}
	if c.UserAgent == "" {
		c.UserAgent = protocol.DefaultUserAgent
	}
	if c.NewSessionID == nil {
		c.NewSessionID = uuid.NewString
	}
	return c
}
