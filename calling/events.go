/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"io"
	"sync"
	"time"
)

// ---- Controller Event Keys ----

// CallEventKey identifies the type of controller event
type CallEventKey string

const (
	// CallEventState carries a StateChange on every transition
	CallEventState CallEventKey = "state"
	// CallEventIncoming carries the CallInfo of a ringing inbound call
	CallEventIncoming CallEventKey = "incoming"
	// CallEventEnded carries an Ended once the controller is back in IDLE
	CallEventEnded CallEventKey = "ended"
	// CallEventError carries the error to surface to the operator
	CallEventError CallEventKey = "error"
	// CallEventRemoteMedia carries a RemoteMedia
	CallEventRemoteMedia CallEventKey = "remote_media"
	// CallEventTick carries a Tick every second while ACTIVE
	CallEventTick CallEventKey = "tick"
)

// StateChange is the payload of CallEventState.
type StateChange struct {
	CallID string
	State  State
}

// Ended is the payload of CallEventEnded. Err is nil for a normal hangup.
type Ended struct {
	Call CallInfo
	Err  error
}

// RemoteMedia is the payload of CallEventRemoteMedia.
type RemoteMedia struct {
	CallID string
	Stream io.Reader
}

// Tick is the payload of CallEventTick.
type Tick struct {
	CallID  string
	Elapsed time.Duration
}

// ---- Event Emitter ----

// EventHandler is a callback function for events
type EventHandler func(data interface{})

// EventEmitter provides a simple event pub/sub system
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[CallEventKey][]EventHandler
}

// NewEventEmitter creates a new EventEmitter
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		handlers: make(map[CallEventKey][]EventHandler),
	}
}

// On registers an event handler for a specific event type
func (e *EventEmitter) On(event CallEventKey, handler EventHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[event] = append(e.handlers[event], handler)
}

// Off removes all handlers for a specific event type
func (e *EventEmitter) Off(event CallEventKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, event)
}

// Emit fires an event, calling all registered handlers
func (e *EventEmitter) Emit(event CallEventKey, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, len(e.handlers[event]))
	copy(handlers, e.handlers[event])
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
