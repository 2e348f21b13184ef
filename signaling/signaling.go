/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signaling defines the capability set the call controller consumes
// from a SIP stack. Protocol message bodies never cross this boundary.
package signaling

import (
	"context"
	"io"

	"github.com/tejzpr/omnivoip-agent-go/media"
)

// EventType identifies a session event raised by the signaling layer.
type EventType string

const (
	EventConfirmed   EventType = "confirmed"
	EventEnded       EventType = "ended"
	EventFailed      EventType = "failed"
	EventRemoteMedia EventType = "remote_media"
)

// Event is a session event. Cause carries the protocol reason for failures;
// Media carries the playable remote audio stream for EventRemoteMedia.
type Event struct {
	Type  EventType
	Cause string
	Err   error
	Media io.Reader
}

// Sink receives session events in the order the signaling layer raised them.
type Sink func(Event)

// Session is one signaling dialog.
//
// Implementations must never invoke the bound Sink from inside one of these
// methods; events are delivered from the implementation's own goroutines.
type Session interface {
	// ID is the protocol assigned identifier, "" until known.
	ID() string
	// Answer accepts an inbound session using handle for outgoing audio.
	Answer(ctx context.Context, handle media.Handle) error
	// Terminate hangs up an established session, cancels an outbound
	// attempt, or rejects an inbound session that is still ringing.
	Terminate() error
	Hold() error
	Unhold() error
	Mute() error
	Unmute() error
	// OnEvent binds the sink that receives this session's events.
	OnEvent(sink Sink)
}

// UserAgent starts outbound sessions.
type UserAgent interface {
	// Call starts an outbound session to target and returns without waiting
	// for the remote side. Progress is reported through sink.
	Call(ctx context.Context, target string, handle media.Handle, sink Sink) (Session, error)
}

// IncomingHandler is invoked for every inbound session with the caller's
// number. The handler must either bind a sink or terminate the session
// before returning.
type IncomingHandler func(session Session, from string)
