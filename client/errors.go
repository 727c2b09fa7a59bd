package client

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout reports that a request got no matching reply in time.
	ErrTimeout = errors.New("client: request timed out")
	// ErrDisconnected reports that the connection dropped while a request
	// was in flight.
	ErrDisconnected = errors.New("client: disconnected")
	// ErrClosed reports use of a closed connection or engine.
	ErrClosed = errors.New("client: closed")
	// ErrQueueFull reports that the outbound frame queue is saturated.
	ErrQueueFull = errors.New("client: outbound queue full")
)

// TransportError wraps a socket-level failure: dial, read or write.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("client: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError reports a hub rejection during the register or auth handshake.
type AuthError struct {
	Stage  string // "register" or "auth"
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("client: %s rejected: %s", e.Stage, e.Reason)
}

// ProtocolError reports a frame exchange that violated the wire contract,
// including hub error replies to non-call requests.
type ProtocolError struct {
	Type string // frame type being handled
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("client: protocol %s: %v", e.Type, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CallError reports a call-signaling failure, either a local misuse caught
// by the call mirror or a hub error reply. Code carries the hub's message
// verbatim when the hub produced it.
type CallError struct {
	CallID string
	Code   string
}

func (e *CallError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("client: call: %s", e.Code)
	}
	return fmt.Sprintf("client: call %s: %s", e.CallID, e.Code)
}
