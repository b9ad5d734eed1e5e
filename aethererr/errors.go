// Package aethererr defines the error taxonomy from spec §7, following the
// teacher's pattern of small named error structs wrapping an underlying
// cause (client2/connection.go's ConnectError/PKIError/ProtocolError),
// generalized to every category the spec names.
package aethererr

import (
	"errors"
	"fmt"
)

// Sentinel errors for categories that carry no extra context.
var (
	// ErrNotRegistered is returned when an operation needs a registered
	// client but none exists yet.
	ErrNotRegistered = errors.New("aether: not registered")

	// ErrNoServers is returned when a CloudConnections has zero selected
	// members and an operation requires at least one.
	ErrNoServers = errors.New("aether: no servers selected")

	// ErrBufferFull is returned synchronously from SafeStream.Write when
	// local back-pressure rejects the write.
	ErrBufferFull = errors.New("aether: send buffer full")

	// ErrPeerUnreachable is returned when a SafeStream write exhausts its
	// retransmit budget without an ACK.
	ErrPeerUnreachable = errors.New("aether: peer unreachable")

	// ErrCancelled is the terminal status of an action that was Stop()ped.
	// It is distinct from an Error outcome (see spec §7 propagation policy).
	ErrCancelled = errors.New("aether: cancelled")

	// ErrTimeout is returned when a request-level timer elapses without a
	// result after exhausting retries.
	ErrTimeout = errors.New("aether: timeout")
)

// TransportError wraps a link failure: dropped connection, refused write,
// read EOF.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("aether: transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a TransportError.
func NewTransportError(err error) error { return &TransportError{Err: err} }

// CryptoError wraps an AEAD authentication failure or nonce replay
// detection. A CryptoError never by itself tears down a session (spec §7);
// it is surfaced for telemetry and session-level failure counting.
type CryptoError struct{ Err error }

func (e *CryptoError) Error() string { return fmt.Sprintf("aether: crypto error: %v", e.Err) }
func (e *CryptoError) Unwrap() error { return e.Err }

// NewCryptoError wraps err as a CryptoError.
func NewCryptoError(err error) error { return &CryptoError{Err: err} }

// ProtocolError wraps a malformed frame, unknown method, or version
// mismatch. A single ProtocolError does not tear down a session; N in a
// row does (default N=3, see ServerSession).
type ProtocolError struct{ Err error }

func (e *ProtocolError) Error() string { return fmt.Sprintf("aether: protocol error: %v", e.Err) }
func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError formats and wraps a ProtocolError.
func NewProtocolError(format string, args ...interface{}) error {
	return &ProtocolError{Err: fmt.Errorf(format, args...)}
}

// RegistrationError wraps the step of §4.10 at which registration failed.
type RegistrationError struct {
	Step string
	Err  error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("aether: registration failed at %s: %v", e.Step, e.Err)
}
func (e *RegistrationError) Unwrap() error { return e.Err }

// NewRegistrationError wraps err with the state-machine step it occurred in.
func NewRegistrationError(step string, err error) error {
	return &RegistrationError{Step: step, Err: err}
}
