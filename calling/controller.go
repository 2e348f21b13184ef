/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tejzpr/omnivoip-agent-go/media"
	"github.com/tejzpr/omnivoip-agent-go/omnisdk"
	"github.com/tejzpr/omnivoip-agent-go/signaling"
)

var (
	// ErrInvalidNumber is returned by PlaceCall for an empty number.
	ErrInvalidNumber = errors.New("phone number is required")
	// ErrBusy is returned by HandleIncoming when a call is already in progress.
	// The inbound session has been rejected.
	ErrBusy = errors.New("agent is already on a call")
	// ErrCallAborted is returned when Hangup or a remote end interrupts
	// PlaceCall or AcceptIncoming while the capture device was opening.
	ErrCallAborted = errors.New("call attempt aborted")
)

// PresenceNotifier is told when a call reaches ACTIVE and when a call that
// reached ACTIVE is over.
type PresenceNotifier interface {
	CallActive()
	CallEnded()
}

// Config holds configuration for the Controller
type Config struct {
	// TickInterval is the period of CallEventTick while ACTIVE (default 1s)
	TickInterval time.Duration
	// Presence is optional
	Presence PresenceNotifier
	Logger   zerolog.Logger
	// Now is the clock used for call start times (default time.Now)
	Now func() time.Time
}

// DefaultConfig returns a Config with a one second ticker and no logging.
func DefaultConfig() *Config {
	return &Config{
		TickInterval: time.Second,
		Logger:       zerolog.Nop(),
		Now:          time.Now,
	}
}

type callSession struct {
	id            string
	direction     Direction
	remote        string
	startedAt     time.Time
	handle        media.Handle
	sig           signaling.Session
	reachedActive bool
	stopTick      chan struct{}
}

// pendingAcquire tracks a capture device open in flight so Hangup can abort it.
type pendingAcquire struct {
	cancel  context.CancelFunc
	aborted bool
}

// Controller is the call session state machine. It runs at most one call at
// a time and releases the capture handle on every path back to IDLE.
//
// Emitter handlers run after the controller's lock is released, in
// transition order. They may call any Controller method; effects of a
// change made from a handler are delivered after the current handler
// returns.
type Controller struct {
	mu sync.Mutex
	// draining is set while one goroutine runs the outbox.
	draining bool

	state   State
	call    *callSession
	pending *pendingAcquire
	outbox  []func()

	ua           signaling.UserAgent
	guard        *media.Guard
	presence     PresenceNotifier
	tickInterval time.Duration
	now          func() time.Time
	log          zerolog.Logger

	Emitter *EventEmitter
}

// NewController creates an idle Controller.
func NewController(ua signaling.UserAgent, guard *media.Guard, config *Config) *Controller {
	if config == nil {
		config = DefaultConfig()
	}
	tick := config.TickInterval
	if tick <= 0 {
		tick = time.Second
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		state:        Idle{},
		ua:           ua,
		guard:        guard,
		presence:     config.Presence,
		tickInterval: tick,
		now:          now,
		log:          config.Logger.With().Str("component", "calling").Logger(),
		Emitter:      NewEventEmitter(),
	}
}

// ---- Accessors ----

// State returns the current state
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the current call, if any.
func (c *Controller) Current() (CallInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil {
		return CallInfo{}, false
	}
	return c.infoLocked(c.call), true
}

// Elapsed returns the time since the current call became ACTIVE.
func (c *Controller) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.call == nil || c.call.startedAt.IsZero() {
		return 0
	}
	return c.now().Sub(c.call.startedAt)
}

// ---- Call Control Methods ----

// PlaceCall starts an outbound call to number. The capture device is
// acquired before any signaling, so a device failure leaves the controller
// IDLE and returns *omnisdk.MediaAcquisitionError.
func (c *Controller) PlaceCall(ctx context.Context, number string) (CallInfo, error) {
	number = strings.TrimSpace(number)
	if number == "" {
		return CallInfo{}, ErrInvalidNumber
	}

	c.mu.Lock()
	if _, idle := c.state.(Idle); !idle || c.pending != nil {
		err := c.invalid("placeCall")
		c.unlock()
		return CallInfo{}, err
	}
	acqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &pendingAcquire{cancel: cancel}
	c.pending = p
	c.unlock()

	h, err := c.guard.Acquire(acqCtx)

	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	if p.aborted {
		if h != nil {
			c.release(h)
		}
		c.log.Info().Str("number", number).Msg("Call aborted during media acquisition")
		c.unlock()
		return CallInfo{}, ErrCallAborted
	}
	if err != nil {
		c.log.Warn().Err(err).Str("number", number).Msg("Call not started")
		c.queueEmit(CallEventError, err)
		c.unlock()
		return CallInfo{}, err
	}

	call := &callSession{
		id:        uuid.New().String(),
		direction: DirectionOutbound,
		remote:    number,
		handle:    h,
	}
	c.call = call
	c.setState(Dialing{})

	sess, err := c.ua.Call(ctx, number, h, c.sinkFor(call.id))
	if err != nil {
		sigErr := omnisdk.NewSignalingFailure("placeCall", "", err)
		c.finish(call, sigErr, false)
		c.unlock()
		return CallInfo{}, sigErr
	}
	call.sig = sess
	info := c.infoLocked(call)
	c.log.Info().Str("call_id", call.id).Str("number", number).Msg("Dialing")
	c.unlock()
	return info, nil
}

// HandleIncoming registers an inbound session. While another call is in
// progress the session is rejected at the protocol layer and ErrBusy is
// returned; inbound calls are never queued.
func (c *Controller) HandleIncoming(sess signaling.Session, from string) error {
	c.mu.Lock()
	if _, idle := c.state.(Idle); !idle || c.pending != nil {
		c.log.Info().Str("from", from).Str("state", string(c.state.Phase())).Msg("Rejecting inbound call, agent busy")
		c.queue(func() { c.terminate(sess) })
		c.unlock()
		return ErrBusy
	}

	call := &callSession{
		id:        uuid.New().String(),
		direction: DirectionInbound,
		remote:    from,
		sig:       sess,
	}
	c.call = call
	sess.OnEvent(c.sinkFor(call.id))
	c.setState(Ringing{})
	c.queueEmit(CallEventIncoming, c.infoLocked(call))
	c.log.Info().Str("call_id", call.id).Str("from", from).Msg("Incoming call")
	c.unlock()
	return nil
}

// AcceptIncoming answers the ringing inbound call. An empty callID accepts
// whichever call is ringing. If the capture device cannot be acquired the
// call is rejected at the protocol layer.
func (c *Controller) AcceptIncoming(ctx context.Context, callID string) error {
	c.mu.Lock()
	call := c.call
	_, ringing := c.state.(Ringing)
	if !ringing || call == nil || call.direction != DirectionInbound || call.handle != nil ||
		c.pending != nil || (callID != "" && callID != call.id) {
		err := c.invalid("acceptIncoming")
		c.unlock()
		return err
	}
	acqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := &pendingAcquire{cancel: cancel}
	c.pending = p
	c.unlock()

	h, err := c.guard.Acquire(acqCtx)

	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	if p.aborted || c.call != call {
		if h != nil {
			c.release(h)
		}
		c.unlock()
		return ErrCallAborted
	}
	if err != nil {
		c.finish(call, err, true)
		c.unlock()
		return err
	}
	call.handle = h
	sig := call.sig
	c.unlock()

	if err := sig.Answer(ctx, h); err != nil {
		sigErr := omnisdk.NewSignalingFailure("acceptIncoming", "", err)
		c.mu.Lock()
		c.finish(call, sigErr, true)
		c.unlock()
		return sigErr
	}
	c.log.Info().Str("call_id", call.id).Msg("Answered")
	return nil
}

// Hangup ends the current call from DIALING, RINGING or ACTIVE, or aborts a
// PlaceCall that is still waiting for the capture device.
func (c *Controller) Hangup() error {
	c.mu.Lock()
	switch c.state.(type) {
	case Dialing, Ringing, Active:
		c.finish(c.call, nil, true)
		c.unlock()
		return nil
	case Idle:
		if c.pending != nil {
			c.pending.aborted = true
			c.pending.cancel()
			c.unlock()
			return nil
		}
	}
	err := c.invalid("hangup")
	c.unlock()
	return err
}

// ToggleMute flips the muted flag of the active call and returns the new value.
func (c *Controller) ToggleMute() (bool, error) {
	c.mu.Lock()
	st, ok := c.state.(Active)
	if !ok {
		err := c.invalid("toggleMute")
		c.unlock()
		return false, err
	}
	call := c.call
	next := !st.Muted

	var err error
	if next {
		err = call.sig.Mute()
	} else {
		err = call.sig.Unmute()
	}
	if err != nil {
		c.log.Warn().Err(err).Str("call_id", call.id).Msg("Mute toggle failed")
		c.unlock()
		return st.Muted, fmt.Errorf("toggle mute: %w", err)
	}
	call.handle.SetMuted(next)
	c.setState(Active{Muted: next, Held: st.Held})
	c.unlock()
	return next, nil
}

// ToggleHold flips the held flag of the active call and returns the new value.
func (c *Controller) ToggleHold() (bool, error) {
	c.mu.Lock()
	st, ok := c.state.(Active)
	if !ok {
		err := c.invalid("toggleHold")
		c.unlock()
		return false, err
	}
	call := c.call
	next := !st.Held

	var err error
	if next {
		err = call.sig.Hold()
	} else {
		err = call.sig.Unhold()
	}
	if err != nil {
		c.log.Warn().Err(err).Str("call_id", call.id).Msg("Hold toggle failed")
		c.unlock()
		return st.Held, fmt.Errorf("toggle hold: %w", err)
	}
	c.setState(Active{Muted: st.Muted, Held: next})
	c.unlock()
	return next, nil
}

// OnRemoteEvent applies a signaling event for callID. Events for a call
// that is no longer current are dropped.
func (c *Controller) OnRemoteEvent(callID string, evt signaling.Event) {
	c.mu.Lock()
	call := c.call
	if call == nil || call.id != callID {
		c.log.Debug().Str("call_id", callID).Str("event", string(evt.Type)).Msg("Ignoring event for stale call")
		c.unlock()
		return
	}

	switch evt.Type {
	case signaling.EventConfirmed:
		switch c.state.(type) {
		case Dialing, Ringing:
			if call.handle == nil {
				c.log.Warn().Str("call_id", call.id).Msg("Confirmed before answer, ignoring")
				break
			}
			call.startedAt = c.now()
			call.reachedActive = true
			c.setState(Active{})
			if c.presence != nil {
				c.queue(c.presence.CallActive)
			}
			call.stopTick = make(chan struct{})
			go c.runTicker(call.id, call.stopTick)
		default:
			c.log.Debug().Str("call_id", call.id).Msg("Duplicate confirmed ignored")
		}
	case signaling.EventEnded:
		c.finish(call, nil, false)
	case signaling.EventFailed:
		c.finish(call, omnisdk.NewSignalingFailure("remote", evt.Cause, evt.Err), false)
	case signaling.EventRemoteMedia:
		c.queueEmit(CallEventRemoteMedia, RemoteMedia{CallID: call.id, Stream: evt.Media})
	default:
		c.log.Debug().Str("event", string(evt.Type)).Msg("Unknown signaling event")
	}
	c.unlock()
}

// Close hangs up any call in progress, including one still acquiring media.
func (c *Controller) Close() error {
	c.mu.Lock()
	_, idle := c.state.(Idle)
	busy := !idle || c.pending != nil
	c.mu.Unlock()
	if !busy {
		return nil
	}
	if err := c.Hangup(); err != nil && !omnisdk.IsInvalidTransition(err) {
		return err
	}
	return nil
}

// ---- internals, called with mu held ----

// finish drives call through ENDING (and FAILED when cause is set) back to
// IDLE. The capture handle is released before the controller reports IDLE.
func (c *Controller) finish(call *callSession, cause error, terminate bool) {
	if call == nil || c.call != call {
		return
	}
	if c.pending != nil {
		c.pending.aborted = true
		c.pending.cancel()
	}

	if cause != nil {
		c.setState(Failed{Err: cause})
	}
	c.setState(Ending{})

	if call.stopTick != nil {
		close(call.stopTick)
		call.stopTick = nil
	}
	if terminate && call.sig != nil {
		sig := call.sig
		c.queue(func() { c.terminate(sig) })
	}
	if call.handle != nil {
		c.release(call.handle)
		call.handle = nil
	}

	c.call = nil
	c.setState(Idle{})
	info := c.infoLocked(call)

	if call.reachedActive && c.presence != nil {
		c.queue(c.presence.CallEnded)
	}
	c.queueEmit(CallEventEnded, Ended{Call: info, Err: cause})
	if cause != nil {
		c.queueEmit(CallEventError, cause)
		c.log.Warn().Err(cause).Str("call_id", call.id).Msg("Call failed")
		return
	}
	c.log.Info().Str("call_id", call.id).Msg("Call ended")
}

func (c *Controller) setState(s State) {
	c.state = s
	id := ""
	if c.call != nil {
		id = c.call.id
	}
	c.log.Debug().Str("call_id", id).Str("state", string(s.Phase())).Msg("Call state")
	c.queueEmit(CallEventState, StateChange{CallID: id, State: s})
}

func (c *Controller) invalid(op string) error {
	err := omnisdk.NewInvalidTransition(op, string(c.state.Phase()))
	c.log.Warn().Str("op", op).Str("state", string(c.state.Phase())).Bool("acquiring", c.pending != nil).
		Msg("Invalid transition ignored")
	return err
}

func (c *Controller) release(h media.Handle) {
	if err := c.guard.Release(h); err != nil {
		c.log.Warn().Err(err).Msg("Capture handle release failed")
	}
}

func (c *Controller) terminate(sig signaling.Session) {
	if err := sig.Terminate(); err != nil {
		c.log.Warn().Err(err).Msg("Terminate failed")
	}
}

func (c *Controller) infoLocked(call *callSession) CallInfo {
	info := CallInfo{
		ID:           call.id,
		Direction:    call.direction,
		RemoteNumber: call.remote,
		StartedAt:    call.startedAt,
		State:        c.state,
	}
	if call.sig != nil {
		info.ProtocolID = call.sig.ID()
	}
	return info
}

func (c *Controller) queue(fn func()) {
	c.outbox = append(c.outbox, fn)
}

func (c *Controller) queueEmit(key CallEventKey, data interface{}) {
	c.queue(func() { c.Emitter.Emit(key, data) })
}

// unlock releases mu and runs the side effects queued under it, in
// transition order. Only one goroutine drains at a time; a goroutine that
// finds a drain in progress leaves its effects to the drainer and returns
// without waiting, so mu is never held while waiting on a side effect.
func (c *Controller) unlock() {
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.outbox) > 0 {
		out := c.outbox
		c.outbox = nil
		c.mu.Unlock()
		for _, fn := range out {
			fn()
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

func (c *Controller) sinkFor(callID string) signaling.Sink {
	return func(evt signaling.Event) {
		c.OnRemoteEvent(callID, evt)
	}
}

func (c *Controller) runTicker(callID string, stop <-chan struct{}) {
	t := time.NewTicker(c.tickInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			// Ticks are display only and skip the outbox, so the ticker
			// never becomes the goroutine draining other effects.
			c.mu.Lock()
			call := c.call
			if call == nil || call.id != callID {
				c.mu.Unlock()
				return
			}
			_, active := c.state.(Active)
			elapsed := c.now().Sub(call.startedAt)
			c.mu.Unlock()
			if active {
				c.Emitter.Emit(CallEventTick, Tick{CallID: callID, Elapsed: elapsed})
			}
		}
	}
}
