// ABOUTME: Tests for logger construction
// ABOUTME: Verifies levels, service fields and console output
package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "debug", Output: &buf, Service: "airplay-test", Version: "1.2.3"})

	l.Debug().Str("target", "10.0.0.5:7000").Msg("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "airplay-test", entry["service"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "10.0.0.5:7000", entry["target"])
	assert.Equal(t, "hello", entry["message"])
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "warn", Output: &buf})

	l.Info().Msg("quiet")
	assert.Zero(t, buf.Len())

	l.Warn().Msg("loud")
	assert.Contains(t, buf.String(), "loud")
}

func TestNewConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Output: &buf, Console: true})

	l.Info().Msg("readable")
	out := buf.String()
	assert.Contains(t, out, "readable")
	assert.False(t, strings.HasPrefix(out, "{"), "console output is not JSON")
}

func TestBaseIsNoopBeforeConfigure(t *testing.T) {
	// Configure is never called in this package's tests
	assert.Equal(t, zerolog.Disabled, Base().GetLevel())
	assert.Equal(t, zerolog.Disabled, WithComponent("session").GetLevel())
}
