/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package omnisdk

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no extra context.
var (
	// ErrNoToken is returned when a connection is requested without an access token.
	ErrNoToken = errors.New("no access token")

	// ErrTokenExpired is returned when the access token is a JWT whose exp claim has passed.
	ErrTokenExpired = errors.New("access token expired")

	// ErrNotConnected is returned by best-effort sends while the event channel is down.
	ErrNotConnected = errors.New("event channel not connected")

	// ErrDeviceUnavailable is wrapped by MediaAcquisitionError when no capture device exists.
	ErrDeviceUnavailable = errors.New("capture device unavailable")

	// ErrPermissionDenied is wrapped by MediaAcquisitionError when capture is not permitted.
	ErrPermissionDenied = errors.New("capture permission denied")
)

// AgentError is the base error type for all agent core errors.
// All specific error kinds embed this struct, so consumers can use
// errors.As(err, &base) to reach the common fields regardless of kind.
type AgentError struct {
	// Op is the operation that failed (e.g. "placeCall", "connect").
	Op string

	// Message is a human readable description suitable for a notification.
	Message string

	// Err is an optional wrapped error for errors.Unwrap support.
	Err error
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	msg := e.Op
	if e.Message != "" {
		if msg != "" {
			msg += ": "
		}
		msg += e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the wrapped error, if any.
func (e *AgentError) Unwrap() error {
	return e.Err
}

// --- Specific error kinds ---

// MediaAcquisitionError is returned when the local capture device cannot be
// acquired (hardware missing, permission denied). The call attempt is aborted
// before any signaling happens.
type MediaAcquisitionError struct {
	*AgentError
}

// Unwrap returns the underlying AgentError for errors.As traversal.
func (e *MediaAcquisitionError) Unwrap() error { return e.AgentError }

// SignalingFailure is returned or surfaced when the remote side rejects or
// fails a call. It never leaves the call controller outside IDLE.
type SignalingFailure struct {
	*AgentError

	// Cause is the protocol level cause reported by the signaling layer, if any.
	Cause string
}

// Unwrap returns the underlying AgentError for errors.As traversal.
func (e *SignalingFailure) Unwrap() error { return e.AgentError }

// ChannelTransientError describes a dropped or failed event channel
// connection that will be retried automatically.
type ChannelTransientError struct {
	*AgentError

	// Attempt is the reconnect attempt scheduled in response, 0 if none.
	Attempt int
}

// Unwrap returns the underlying AgentError for errors.As traversal.
func (e *ChannelTransientError) Unwrap() error { return e.AgentError }

// ChannelExhausted is reported to the channel owner once every reconnect
// attempt has failed. No further attempts are made until the owner reconnects.
type ChannelExhausted struct {
	*AgentError

	// Attempts is the number of reconnect attempts that were made.
	Attempts int
}

// Unwrap returns the underlying AgentError for errors.As traversal.
func (e *ChannelExhausted) Unwrap() error { return e.AgentError }

// InvalidTransition is returned when an operation is requested from a state
// that does not allow it. It is a contract violation: logged and a no-op.
type InvalidTransition struct {
	*AgentError

	// From is the state the operation was attempted in.
	From string
}

// Unwrap returns the underlying AgentError for errors.As traversal.
func (e *InvalidTransition) Unwrap() error { return e.AgentError }

// --- Constructors ---

// NewMediaAcquisitionError wraps a device error for op.
func NewMediaAcquisitionError(op string, err error) *MediaAcquisitionError {
	return &MediaAcquisitionError{AgentError: &AgentError{Op: op, Message: "microphone unavailable", Err: err}}
}

// NewSignalingFailure builds a SignalingFailure for op with the protocol cause.
func NewSignalingFailure(op, cause string, err error) *SignalingFailure {
	msg := "call failed"
	if cause != "" {
		msg = fmt.Sprintf("call failed (%s)", cause)
	}
	return &SignalingFailure{AgentError: &AgentError{Op: op, Message: msg, Err: err}, Cause: cause}
}

// NewChannelTransientError builds a ChannelTransientError for a drop that
// scheduled reconnect attempt.
func NewChannelTransientError(op string, attempt int, err error) *ChannelTransientError {
	return &ChannelTransientError{AgentError: &AgentError{Op: op, Message: "connection lost", Err: err}, Attempt: attempt}
}

// NewChannelExhausted builds a ChannelExhausted after attempts reconnects.
func NewChannelExhausted(attempts int, err error) *ChannelExhausted {
	return &ChannelExhausted{
		AgentError: &AgentError{Op: "reconnect", Message: fmt.Sprintf("gave up after %d attempts", attempts), Err: err},
		Attempts:   attempts,
	}
}

// NewInvalidTransition builds an InvalidTransition for op attempted in state from.
func NewInvalidTransition(op, from string) *InvalidTransition {
	return &InvalidTransition{
		AgentError: &AgentError{Op: op, Message: fmt.Sprintf("not allowed in state %s", from)},
		From:       from,
	}
}

// --- Convenience functions ---

// IsMediaAcquisition reports whether err is a MediaAcquisitionError.
func IsMediaAcquisition(err error) bool {
	var e *MediaAcquisitionError
	return errors.As(err, &e)
}

// IsSignalingFailure reports whether err is a SignalingFailure.
func IsSignalingFailure(err error) bool {
	var e *SignalingFailure
	return errors.As(err, &e)
}

// IsChannelTransient reports whether err is a ChannelTransientError.
func IsChannelTransient(err error) bool {
	var e *ChannelTransientError
	return errors.As(err, &e)
}

// IsChannelExhausted reports whether err is a ChannelExhausted condition.
func IsChannelExhausted(err error) bool {
	var e *ChannelExhausted
	return errors.As(err, &e)
}

// IsInvalidTransition reports whether err is an InvalidTransition.
func IsInvalidTransition(err error) bool {
	var e *InvalidTransition
	return errors.As(err, &e)
}
