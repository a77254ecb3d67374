// ABOUTME: TCP channel to an AirPlay receiver with framed reads and queued writes
// ABOUTME: Decoded messages and the final close are posted to an event channel
package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Dialer opens the underlying connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ChannelConfig tunes a Channel. Zero fields take defaults.
type ChannelConfig struct {
	Dialer         Dialer
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	QueueSize      int
	ReadBufferSize int
	MaxBodySize    int
}

func (c ChannelConfig) withDefaults() ChannelConfig {
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{KeepAlive: 30 * time.Second}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 32
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = 4096
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = DefaultMaxBodySize
	}
	return c
}

// ChannelEvent carries either one decoded message or, when Err is set,
// the reason the channel went down. A channel posts at most one Err
// event and none at all when it was closed locally.
type ChannelEvent struct {
	Channel *Channel
	Message *Message
	Err     error
}

// Channel is one TCP connection to a receiver
type Channel struct {
	name   string
	addr   string
	conn   net.Conn
	cfg    ChannelConfig
	events chan<- ChannelEvent

	sendq    chan []byte
	mu       sync.Mutex
	closing  bool
	grace    time.Duration
	draining chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	failOnce  sync.Once
	wg        sync.WaitGroup
}

// Open dials addr and starts the reader and writer goroutines. It blocks
// until the connection is established, ctx is done or the connect
// timeout expires.
func Open(ctx context.Context, name, addr string, cfg ChannelConfig, events chan<- ChannelEvent) (*Channel, error) {
	cfg = cfg.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := cfg.Dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial " + name, Addr: addr, Err: err}
	}

	c := &Channel{
		name:     name,
		addr:     addr,
		conn:     conn,
		cfg:      cfg,
		events:   events,
		sendq:    make(chan []byte, cfg.QueueSize),
		draining: make(chan struct{}),
		closed:   make(chan struct{}),
	}

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	return c, nil
}

// Name returns the channel label used in logs and errors
func (c *Channel) Name() string {
	return c.name
}

// Addr returns the remote address the channel was opened to
func (c *Channel) Addr() string {
	return c.addr
}

// LocalAddr returns the local end of the connection
func (c *Channel) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Send queues one framed message. It never blocks.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return &ConnectionError{Op: "send " + c.name, Addr: c.addr, Err: net.ErrClosed}
	}
	select {
	case <-c.closed:
		return &ConnectionError{Op: "send " + c.name, Addr: c.addr, Err: net.ErrClosed}
	default:
	}

	select {
	case c.sendq <- data:
		return nil
	default:
		return &ConnectionError{Op: "send " + c.name, Addr: c.addr, Err: errors.New("send queue full")}
	}
}

// Close releases the connection immediately. It is safe to call more
// than once and from any goroutine.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()

		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// CloseGraceful stops accepting sends, writes what is queued for at most
// grace, then closes.
func (c *Channel) CloseGraceful(grace time.Duration) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.grace = grace
	c.mu.Unlock()

	close(c.draining)
}

// Done is closed once the channel has been closed
func (c *Channel) Done() <-chan struct{} {
	return c.closed
}

// Wait blocks until the reader and writer goroutines exited
func (c *Channel) Wait() {
	c.wg.Wait()
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	dec := NewDecoder(c.cfg.MaxBodySize)
	buf := make([]byte, c.cfg.ReadBufferSize)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			msgs, derr := dec.Feed(buf[:n])
			for _, m := range msgs {
				if !c.deliver(ChannelEvent{Channel: c, Message: m}) {
					return
				}
			}
			if derr != nil {
				c.fail(derr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.fail(&ConnectionError{Op: "read " + c.name, Addr: c.addr, Err: err})
			return
		}
	}
}

func (c *Channel) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.sendq:
			if err := c.write(data, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				c.fail(&ConnectionError{Op: "write " + c.name, Addr: c.addr, Err: err})
				return
			}
		case <-c.draining:
			c.mu.Lock()
			deadline := time.Now().Add(c.grace)
			c.mu.Unlock()
			c.drain(deadline)
			c.Close()
			return
		}
	}
}

// drain writes queued messages until the queue is empty or deadline passes
func (c *Channel) drain(deadline time.Time) {
	for {
		select {
		case data := <-c.sendq:
			if err := c.write(data, deadline); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Channel) write(data []byte, deadline time.Time) error {
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := c.conn.Write(data)
	return err
}

// deliver posts ev unless the channel gets closed first
func (c *Channel) deliver(ev ChannelEvent) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.closed:
		return false
	}
}

// fail reports err once, then closes. A channel closed locally reports
// nothing.
func (c *Channel) fail(err error) {
	c.failOnce.Do(func() {
		c.mu.Lock()
		local := c.closing
		c.mu.Unlock()
		if !local {
			c.deliver(ChannelEvent{Channel: c, Err: err})
		}
		c.Close()
	})
}
