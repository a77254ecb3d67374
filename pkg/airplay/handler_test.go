// ABOUTME: Tests for the single-session handler
// ABOUTME: Re-targeting stops the previous session before starting the next
package airplay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestHandlerReplacesSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	first := newFakeReceiver(t, featuresVideoHLS)
	defer first.Close()
	second := newFakeReceiver(t, featuresVideoHLS)
	defer second.Close()

	rec := &recorder{}
	h := NewHandler(testConfig(), rec)

	a, err := h.Start(first.endpoint(), mp4Source)
	require.NoError(t, err)
	waitState(t, a, StatePlaying)

	b, err := h.Start(second.endpoint(), mp4Source)
	require.NoError(t, err)

	assert.Equal(t, StateStopped, a.State(), "previous session is stopped first")
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Same(t, b, h.Session())
	waitState(t, b, StatePlaying)

	require.NoError(t, h.TogglePaused())
	assert.Equal(t, StatePaused, b.State())

	h.Stop()
	assert.Nil(t, h.Session())
	assert.Equal(t, StateStopped, b.State())
	assert.Len(t, rec.stops(), 2)
}

func TestHandlerWithoutSession(t *testing.T) {
	h := NewHandler(testConfig(), nil)

	assert.ErrorIs(t, h.TogglePaused(), ErrNoSession)
	assert.ErrorIs(t, h.Seek(10), ErrNoSession)
	assert.ErrorIs(t, h.SetVolume(0.5), ErrNoSession)
	h.Stop()
}
