// ABOUTME: Handler keeping at most one live session per client
// ABOUTME: Starting a new target stops the previous session first
package airplay

import (
	"errors"
	"sync"
)

// ErrNoSession is returned by Handler commands when nothing is playing
var ErrNoSession = errors.New("no active session")

// Handler owns the single active session of a client
type Handler struct {
	cfg      Config
	notifier Notifier

	startMu sync.Mutex
	mu      sync.Mutex
	current *Session
}

// NewHandler creates a handler whose sessions share cfg and n
func NewHandler(cfg Config, n Notifier) *Handler {
	return &Handler{cfg: cfg, notifier: n}
}

// Start stops the current session, if any, and starts a new one
func (h *Handler) Start(target TargetEndpoint, src PlaybackSource) (*Session, error) {
	h.startMu.Lock()
	defer h.startMu.Unlock()

	h.mu.Lock()
	prev := h.current
	h.current = nil
	h.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	s := NewSession(h.cfg, h.notifier)
	if err := s.Start(target, src); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.current = s
	h.mu.Unlock()
	return s, nil
}

// Session returns the current session or nil
func (h *Handler) Session() *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// TogglePaused forwards to the current session
func (h *Handler) TogglePaused() error {
	s := h.Session()
	if s == nil {
		return ErrNoSession
	}
	return s.TogglePaused()
}

// Seek forwards to the current session
func (h *Handler) Seek(position float64) error {
	s := h.Session()
	if s == nil {
		return ErrNoSession
	}
	return s.Seek(position)
}

// SetVolume forwards to the current session
func (h *Handler) SetVolume(volume float64) error {
	s := h.Session()
	if s == nil {
		return ErrNoSession
	}
	return s.SetVolume(volume)
}

// Stop stops and forgets the current session
func (h *Handler) Stop() {
	h.mu.Lock()
	s := h.current
	h.current = nil
	h.mu.Unlock()

	if s != nil {
		s.Stop()
	}
}
