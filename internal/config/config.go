// ABOUTME: YAML configuration file for the AirPlay client
// ABOUTME: Strict decoding with known fields and mapping onto session config
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mediacast/airplay-go/pkg/airplay"
	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration
type File struct {
	// Receiver is a host, host:port or advertised receiver name
	Receiver string `yaml:"receiver"`

	// Name is a receiver name matched against mDNS results
	Name string `yaml:"name"`

	LogFile     string `yaml:"log_file"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`

	// DiscoverTimeout bounds the mDNS browse
	DiscoverTimeout Duration `yaml:"discover_timeout"`

	Session Session `yaml:"session"`
}

// Session holds the tunable parts of airplay.Config
type Session struct {
	CommandPort           int      `yaml:"command_port"`
	RequestTimeout        Duration `yaml:"request_timeout"`
	PlayTimeout           Duration `yaml:"play_timeout"`
	PollInterval          Duration `yaml:"poll_interval"`
	PollTimeout           Duration `yaml:"poll_timeout"`
	MaxPollFailures       int      `yaml:"max_poll_failures"`
	StopGrace             Duration `yaml:"stop_grace"`
	AssumeReverseTimesOut bool     `yaml:"assume_reverse_times_out"`
	UserAgent             string   `yaml:"user_agent"`
}

// Duration accepts Go duration strings such as "250ms" or "3s"
type Duration time.Duration

// UnmarshalYAML parses a duration string
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if parsed < 0 {
		return fmt.Errorf("line %d: negative duration %q", node.Line, s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string form
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load reads and strictly decodes a configuration file
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes YAML, rejecting unknown keys
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, err
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks values that decode fine but cannot be used
func (f File) Validate() error {
	if f.Session.CommandPort < 0 || f.Session.CommandPort > 65535 {
		return fmt.Errorf("session.command_port %d out of range", f.Session.CommandPort)
	}
	if f.Session.MaxPollFailures < 0 {
		return fmt.Errorf("session.max_poll_failures must not be negative")
	}
	if f.Receiver != "" && f.Name != "" {
		return errors.New("receiver and name are mutually exclusive")
	}
	return nil
}

// Apply copies every set value onto cfg. Unset values keep cfg's.
func (f File) Apply(cfg *airplay.Config) {
	s := f.Session
	if s.CommandPort != 0 {
		cfg.CommandPort = s.CommandPort
	}
	if s.RequestTimeout > 0 {
		cfg.RequestTimeout = s.RequestTimeout.Std()
	}
	if s.PlayTimeout > 0 {
		cfg.PlayTimeout = s.PlayTimeout.Std()
	}
	if s.PollInterval > 0 {
		cfg.PollInterval = s.PollInterval.Std()
	}
	if s.PollTimeout > 0 {
		cfg.PollTimeout = s.PollTimeout.Std()
	}
	if s.MaxPollFailures > 0 {
		cfg.MaxPollFailures = s.MaxPollFailures
	}
	if s.StopGrace > 0 {
		cfg.StopGrace = s.StopGrace.Std()
	}
	if s.AssumeReverseTimesOut {
		cfg.AssumeReverseTimesOut = true
	}
	if s.UserAgent != "" {
		cfg.UserAgent = s.UserAgent
	}
}
