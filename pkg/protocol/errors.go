// ABOUTME: Error taxonomy for the AirPlay control client
// ABOUTME: Typed errors matched through errors.Is against kind sentinels
package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Kind sentinels. Every typed error below matches exactly one of them
// with errors.Is.
var (
	ErrConnection  = errors.New("connection error")
	ErrProtocol    = errors.New("protocol error")
	ErrTimeout     = errors.New("timeout")
	ErrCapability  = errors.New("capability not supported")
	ErrConcurrency = errors.New("request already outstanding")
)

// ConnectionError means the receiver could not be reached or was lost
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: connection error", e.Op, e.Addr)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

// ProtocolError means a message did not parse per the framing rules or
// carried an unexpected status
type ProtocolError struct {
	Op     string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := e.Op + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// TimeoutError means no response arrived before the request deadline
type TimeoutError struct {
	Tag     Tag
	Channel string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s request on %s channel timed out after %s", e.Tag, e.Channel, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Timeout reports true, matching net.Error
func (e *TimeoutError) Timeout() bool { return true }

// CapabilityError rejects a command the receiver did not advertise
type CapabilityError struct {
	Feature Feature
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("receiver does not support %s", e.Feature)
}

func (e *CapabilityError) Is(target error) bool { return target == ErrCapability }

// ConcurrencyError rejects a second request of a tag that is still in
// flight on the same channel. It indicates a caller bug.
type ConcurrencyError struct {
	Tag     Tag
	Channel string
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("%s request already outstanding on %s channel", e.Tag, e.Channel)
}

func (e *ConcurrencyError) Is(target error) bool { return target == ErrConcurrency }

// KindOf names the taxonomy kind of err, or "other"
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrCapability):
		return "capability"
	case errors.Is(err, ErrConcurrency):
		return "concurrency"
	default:
		return "other"
	}
}
