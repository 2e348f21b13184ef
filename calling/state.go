/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"time"
)

// Phase names a call state.
type Phase string

const (
	PhaseIdle    Phase = "IDLE"
	PhaseDialing Phase = "DIALING"
	PhaseRinging Phase = "RINGING"
	PhaseActive  Phase = "ACTIVE"
	PhaseEnding  Phase = "ENDING"
	PhaseFailed  Phase = "FAILED"
)

// State is the controller state. The set of implementations is closed:
// mute and hold exist only on Active, so they cannot be set while idle.
type State interface {
	Phase() Phase
	isState()
}

type Idle struct{}

type Dialing struct{}

// Ringing is an inbound call waiting to be accepted.
type Ringing struct{}

// Active is an established call.
type Active struct {
	Muted bool
	Held  bool
}

type Ending struct{}

// Failed is transient: the controller passes through it on its way back to
// Idle when signaling or media fails.
type Failed struct {
	Err error
}

func (Idle) Phase() Phase    { return PhaseIdle }
func (Dialing) Phase() Phase { return PhaseDialing }
func (Ringing) Phase() Phase { return PhaseRinging }
func (Active) Phase() Phase  { return PhaseActive }
func (Ending) Phase() Phase  { return PhaseEnding }
func (Failed) Phase() Phase  { return PhaseFailed }

func (Idle) isState()    {}
func (Dialing) isState() {}
func (Ringing) isState() {}
func (Active) isState()  {}
func (Ending) isState()  {}
func (Failed) isState()  {}

func (a Active) String() string {
	return fmt.Sprintf("ACTIVE(muted=%t, held=%t)", a.Muted, a.Held)
}

// Direction is the direction of a call
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// CallInfo is a snapshot of the current call.
type CallInfo struct {
	// ID is the local correlation id, assigned when the call is created.
	ID string
	// ProtocolID is the signaling layer's id, "" until known.
	ProtocolID   string
	Direction    Direction
	RemoteNumber string
	// StartedAt is zero until the call reaches ACTIVE.
	StartedAt time.Time
	State     State
}

// FormatDuration renders d as mm:ss, the way the softphone shows call time.
// Minutes keep counting past an hour.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}
