// ABOUTME: Scripted AirPlay receiver on loopback TCP for session tests
// ABOUTME: Records every request and answers by path with configurable behaviour
package airplay

import (
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mediacast/airplay-go/pkg/protocol"
	"github.com/stretchr/testify/require"
)

type fakeReceiver struct {
	t  *testing.T
	ln net.Listener
	wg sync.WaitGroup

	// behaviour, set before the session starts
	features      uint64
	reverseSilent bool
	infoStatus    int
	playStatus    int
	rateStatus    int
	holdPoll      bool
	dropAfterPoll int
	dropOnPoll    int
	playback      func(n int, rate float64) map[string]interface{}
	// pollDelay holds back the nth playback-info reply and every reply queued behind it
	pollDelay func(n int) time.Duration

	mu          sync.Mutex
	requests    []*protocol.Message
	responses   []*protocol.Message
	conns       []net.Conn
	reverseConn net.Conn
	polls       int
	rate        float64
}

func newFakeReceiver(t *testing.T, features uint64) *fakeReceiver {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	r := &fakeReceiver{
		t:          t,
		ln:         ln,
		features:   features,
		infoStatus: 200,
		playStatus: 200,
		rateStatus: 200,
		rate:       1,
		playback: func(n int, rate float64) map[string]interface{} {
			return map[string]interface{}{
				"duration":    100.0,
				"position":    float64(n),
				"rate":        rate,
				"readyToPlay": true,
			}
		},
	}

	r.wg.Add(1)
	go r.acceptLoop()
	return r
}

func (r *fakeReceiver) endpoint() TargetEndpoint {
	addr := r.ln.Addr().(*net.TCPAddr)
	return TargetEndpoint{Name: "Fake TV", Host: "127.0.0.1", Port: addr.Port}
}

func (r *fakeReceiver) Close() {
	r.ln.Close()
	r.mu.Lock()
	for _, c := range r.conns {
		c.Close()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *fakeReceiver) acceptLoop() {
	defer r.wg.Done()
	for {
		c, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, c)
		r.mu.Unlock()

		r.wg.Add(1)
		go r.serve(c)
	}
}

func (r *fakeReceiver) serve(c net.Conn) {
	defer r.wg.Done()
	defer c.Close()

	dec := protocol.NewDecoder(0)
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			msgs, derr := dec.Feed(buf[:n])
			for _, m := range msgs {
				if m.IsResponse() {
					r.mu.Lock()
					r.responses = append(r.responses, m)
					r.mu.Unlock()
					continue
				}
				if !r.handle(c, m) {
					return
				}
			}
			if derr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// handle answers one request; false drops the connection
func (r *fakeReceiver) handle(c net.Conn, m *protocol.Message) bool {
	r.mu.Lock()
	r.requests = append(r.requests, m)
	r.mu.Unlock()

	path, query, _ := strings.Cut(m.Path, "?")

	switch path {
	case "/reverse":
		r.mu.Lock()
		r.reverseConn = c
		r.mu.Unlock()
		if r.reverseSilent {
			return true
		}
		resp := protocol.NewResponse(101, "Switching Protocols")
		resp.Set("Upgrade", "PTTH/1.0")
		resp.Set("Connection", "Upgrade")
		return r.write(c, resp)

	case "/server-info":
		resp := protocol.NewResponse(r.infoStatus, "OK")
		if r.infoStatus == 200 {
			body, err := protocol.EncodePlist(protocol.ServerInfo{
				DeviceID: "58:55:CA:1A:E2:88",
				Features: r.features,
				Model:    "AppleTV3,2",
			})
			require.NoError(r.t, err)
			resp.SetBody(protocol.ContentTypeBinaryPlist, body)
		}
		return r.write(c, resp)

	case "/play":
		return r.write(c, protocol.NewResponse(r.playStatus, "OK"))

	case "/rate":
		if r.rateStatus == 200 {
			value := strings.TrimPrefix(query, "value=")
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				r.mu.Lock()
				r.rate = f
				r.mu.Unlock()
			}
		}
		return r.write(c, protocol.NewResponse(r.rateStatus, "OK"))

	case protocol.PlaybackInfoPath:
		r.mu.Lock()
		r.polls++
		n, rate := r.polls, r.rate
		r.mu.Unlock()

		if r.holdPoll {
			return true
		}
		if n == r.dropOnPoll {
			return false
		}
		if r.pollDelay != nil {
			time.Sleep(r.pollDelay(n))
		}
		resp := protocol.NewResponse(200, "OK")
		if fields := r.playback(n, rate); len(fields) > 0 {
			body, err := protocol.EncodePlist(fields)
			require.NoError(r.t, err)
			resp.SetBody(protocol.ContentTypeBinaryPlist, body)
		}
		if !r.write(c, resp) {
			return false
		}
		return r.dropAfterPoll == 0 || n < r.dropAfterPoll

	default:
		return r.write(c, protocol.NewResponse(200, "OK"))
	}
}

func (r *fakeReceiver) write(c net.Conn, m *protocol.Message) bool {
	_, err := c.Write(m.Encode())
	return err == nil
}

// pushEvent sends a reverse-channel event request to the client
func (r *fakeReceiver) pushEvent(state string) error {
	r.mu.Lock()
	c := r.reverseConn
	r.mu.Unlock()
	if c == nil {
		return errors.New("no reverse connection")
	}

	body, err := protocol.EncodePlist(map[string]interface{}{"category": "video", "state": state})
	if err != nil {
		return err
	}

	req := protocol.NewRequest("POST", "/event")
	req.SetBody(protocol.ContentTypeBinaryPlist, body)
	_, err = c.Write(req.Encode())
	return err
}

// count returns the number of requests received for path, ignoring queries
func (r *fakeReceiver) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.requests {
		p, _, _ := strings.Cut(m.Path, "?")
		if p == path {
			n++
		}
	}
	return n
}

func (r *fakeReceiver) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.requests))
	for i, m := range r.requests {
		out[i] = m.Path
	}
	return out
}

func (r *fakeReceiver) find(path string) *protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.requests {
		if m.Path == path {
			return m
		}
	}
	return nil
}

func (r *fakeReceiver) responseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

// recorder is a Notifier that keeps every callback
type recorder struct {
	mu        sync.Mutex
	paused    []bool
	positions []float64
	durations []float64
	states    []State
	errs      []error
	stopped   []error
}

func (r *recorder) OnPausedChanged(paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = append(r.paused, paused)
}

func (r *recorder) OnPositionUpdated(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, seconds)
}

func (r *recorder) OnDurationUpdated(seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations = append(r.durations, seconds)
}

func (r *recorder) OnStopped(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, err)
}

func (r *recorder) OnStateChanged(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) stops() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.stopped...)
}

func (r *recorder) pausedHistory() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.paused...)
}

func (r *recorder) errorList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// total counts every callback received so far
func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paused) + len(r.positions) + len(r.durations) + len(r.states) + len(r.errs) + len(r.stopped)
}

type countingMetrics struct {
	issued  atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
	changes atomic.Int64
}

func (m *countingMetrics) RequestIssued(protocol.Tag)        { m.issued.Add(1) }
func (m *countingMetrics) RequestFailed(protocol.Tag, error) { m.failed.Add(1) }
func (m *countingMetrics) PollSkipped()                      { m.skipped.Add(1) }
func (m *countingMetrics) StateChanged(State, State)         { m.changes.Add(1) }

func testConfig() Config {
	return Config{
		RequestTimeout:  500 * time.Millisecond,
		PlayTimeout:     500 * time.Millisecond,
		PollInterval:    20 * time.Millisecond,
		PollTimeout:     200 * time.Millisecond,
		LedgerTick:      5 * time.Millisecond,
		MaxPollFailures: 3,
		StopGrace:       50 * time.Millisecond,
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 3*time.Second, 5*time.Millisecond,
		"expected state %s, still %s", want, s.State())
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not finish, state %s", s.State())
	}
}
