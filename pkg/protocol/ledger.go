// ABOUTME: Per-channel FIFO of in-flight requests with tags and deadlines
// ABOUTME: Matches responses to requests in send order and expires them
package protocol

import (
	"fmt"
	"time"
)

// Tag identifies the kind of an outstanding request
type Tag int

const (
	TagReverse Tag = iota
	TagPlay
	TagInfo
	TagGetProperty
	TagStop
	TagScrub
	TagVolume
)

func (t Tag) String() string {
	switch t {
	case TagReverse:
		return "reverse"
	case TagPlay:
		return "play"
	case TagInfo:
		return "info"
	case TagGetProperty:
		return "get-property"
	case TagStop:
		return "stop"
	case TagScrub:
		return "scrub"
	case TagVolume:
		return "volume"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// Sender is the write side of a channel as seen by the ledger
type Sender interface {
	Name() string
	Send(data []byte) error
}

// Completion receives the response to a request, or the reason it failed
type Completion func(resp *Message, err error)

// Request is one in-flight entry of the ledger
type Request struct {
	Tag      Tag
	Channel  string
	IssuedAt time.Time
	Deadline time.Time

	done Completion

	// expired requests stay queued so their late reply is discarded
	// instead of being matched to the next request
	expired bool
}

func (r *Request) resolve(resp *Message, err error) {
	if r.done != nil {
		r.done(resp, err)
	}
}

// Ledger tracks outstanding requests per channel. It is not safe for
// concurrent use; a session drives it from a single goroutine.
type Ledger struct {
	queues map[Sender][]*Request
	now    func() time.Time
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		queues: make(map[Sender][]*Request),
		now:    time.Now,
	}
}

// Issue records a request of tag on ch and sends msg. It fails with a
// ConcurrencyError when tag is already outstanding on ch. If the send
// fails nothing is recorded and the error is returned.
func (l *Ledger) Issue(ch Sender, tag Tag, msg *Message, timeout time.Duration, done Completion) (*Request, error) {
	if l.Outstanding(ch, tag) {
		return nil, &ConcurrencyError{Tag: tag, Channel: ch.Name()}
	}

	if err := ch.Send(msg.Encode()); err != nil {
		return nil, err
	}

	now := l.now()
	req := &Request{
		Tag:      tag,
		Channel:  ch.Name(),
		IssuedAt: now,
		Deadline: now.Add(timeout),
		done:     done,
	}
	l.queues[ch] = append(l.queues[ch], req)
	return req, nil
}

// OnMessage resolves the oldest outstanding request on ch with msg.
// A message that is not a response resolves it with a ProtocolError.
// The reply to a request that already timed out is consumed and
// dropped. It returns false when nothing was outstanding on ch.
func (l *Ledger) OnMessage(ch Sender, msg *Message) bool {
	q := l.queues[ch]
	if len(q) == 0 {
		return false
	}

	req := q[0]
	l.pop(ch)
	if req.expired {
		return true
	}

	if !msg.IsResponse() {
		req.resolve(nil, &ProtocolError{
			Op:     req.Tag.String(),
			Reason: fmt.Sprintf("expected a response, got %s", msg),
		})
		return true
	}
	req.resolve(msg, nil)
	return true
}

// Tick resolves every request whose deadline is not after now with a
// TimeoutError, freeing its tag. The request keeps its place in send
// order until its reply arrives or the channel fails.
func (l *Ledger) Tick(now time.Time) {
	var expired []*Request
	for _, q := range l.queues {
		for _, req := range q {
			if !req.expired && !now.Before(req.Deadline) {
				req.expired = true
				expired = append(expired, req)
			}
		}
	}

	for _, req := range expired {
		req.resolve(nil, &TimeoutError{
			Tag:     req.Tag,
			Channel: req.Channel,
			After:   req.Deadline.Sub(req.IssuedAt),
		})
	}
}

// Fail resolves every request outstanding on ch with err, oldest first
func (l *Ledger) Fail(ch Sender, err error) {
	q := l.queues[ch]
	delete(l.queues, ch)
	for _, req := range q {
		if !req.expired {
			req.resolve(nil, err)
		}
	}
}

// CancelAll drops every request without resolving it
func (l *Ledger) CancelAll() {
	l.queues = make(map[Sender][]*Request)
}

// Outstanding reports whether a request of tag is in flight on ch
func (l *Ledger) Outstanding(ch Sender, tag Tag) bool {
	for _, req := range l.queues[ch] {
		if req.Tag == tag && !req.expired {
			return true
		}
	}
	return false
}

// Len returns the number of requests in flight on ch
func (l *Ledger) Len(ch Sender) int {
	return live(l.queues[ch])
}

// Orphans returns the number of timed-out requests on ch whose reply
// has not arrived yet
func (l *Ledger) Orphans(ch Sender) int {
	q := l.queues[ch]
	return len(q) - live(q)
}

// Pending returns the total number of requests in flight
func (l *Ledger) Pending() int {
	n := 0
	for _, q := range l.queues {
		n += live(q)
	}
	return n
}

func live(q []*Request) int {
	n := 0
	for _, req := range q {
		if !req.expired {
			n++
		}
	}
	return n
}

func (l *Ledger) pop(ch Sender) {
	q := l.queues[ch]
	q[0] = nil
	q = q[1:]
	if len(q) == 0 {
		delete(l.queues, ch)
		return
	}
	l.queues[ch] = q
}
