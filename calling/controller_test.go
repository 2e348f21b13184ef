/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tejzpr/omnivoip-agent-go/media"
	"github.com/tejzpr/omnivoip-agent-go/media/mediatest"
	"github.com/tejzpr/omnivoip-agent-go/omnisdk"
	"github.com/tejzpr/omnivoip-agent-go/signaling"
	"github.com/tejzpr/omnivoip-agent-go/signaling/signalingtest"
)

type presenceRecorder struct {
	mu     sync.Mutex
	active int
	ended  int
}

func (p *presenceRecorder) CallActive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active++
}

func (p *presenceRecorder) CallEnded() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended++
}

func (p *presenceRecorder) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active, p.ended
}

type harness struct {
	ctrl     *Controller
	ua       *signalingtest.UserAgent
	dev      *mediatest.Device
	guard    *media.Guard
	presence *presenceRecorder

	mu     sync.Mutex
	events []CallEventKey
	errs   []error
	ended  []Ended
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		ua:       &signalingtest.UserAgent{},
		dev:      mediatest.NewDevice(),
		presence: &presenceRecorder{},
	}
	h.guard = media.NewGuard(h.dev, zerolog.Nop())
	h.ctrl = NewController(h.ua, h.guard, &Config{
		TickInterval: 10 * time.Millisecond,
		Presence:     h.presence,
		Logger:       zerolog.Nop(),
	})
	for _, key := range []CallEventKey{CallEventState, CallEventIncoming, CallEventEnded, CallEventError, CallEventRemoteMedia} {
		key := key
		h.ctrl.Emitter.On(key, func(data interface{}) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.events = append(h.events, key)
			switch v := data.(type) {
			case error:
				h.errs = append(h.errs, v)
			case Ended:
				h.ended = append(h.ended, v)
			}
		})
	}
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func (h *harness) phase() Phase { return h.ctrl.State().Phase() }

func (h *harness) errors() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.errs...)
}

func (h *harness) endedEvents() []Ended {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Ended(nil), h.ended...)
}

func TestPlaceCall_Lifecycle(t *testing.T) {
	h := newHarness(t)

	info, err := h.ctrl.PlaceCall(context.Background(), "555-0100")
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, "sip-1", info.ProtocolID)
	assert.Equal(t, DirectionOutbound, info.Direction)
	assert.Equal(t, PhaseDialing, h.phase())
	assert.True(t, h.guard.Held())

	sess := h.ua.Last()
	require.NotNil(t, sess)
	assert.Equal(t, "555-0100", sess.Target)
	assert.Equal(t, h.guard.Active().ID(), sess.Handle().ID())

	active, _ := h.presence.counts()
	assert.Zero(t, active, "presence must not change before the call connects")

	sess.Confirm()
	assert.Equal(t, PhaseActive, h.phase())
	assert.Equal(t, Active{}, h.ctrl.State())
	active, _ = h.presence.counts()
	assert.Equal(t, 1, active)

	cur, ok := h.ctrl.Current()
	require.True(t, ok)
	assert.False(t, cur.StartedAt.IsZero())

	sess.End()
	assert.Equal(t, PhaseIdle, h.phase())
	assert.False(t, h.guard.Held())
	assert.True(t, h.dev.Last().Closed())
	assert.False(t, sess.Terminated(), "remote hangup must not send a second terminate")
	_, ended := h.presence.counts()
	assert.Equal(t, 1, ended)

	require.Len(t, h.endedEvents(), 1)
	assert.NoError(t, h.endedEvents()[0].Err)
	assert.Empty(t, h.errors())
}

func TestPlaceCall_Validation(t *testing.T) {
	t.Run("empty number", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.ctrl.PlaceCall(context.Background(), "  ")
		assert.ErrorIs(t, err, ErrInvalidNumber)
		assert.Empty(t, h.dev.Handles())
	})

	t.Run("not idle leaves existing session untouched", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.ctrl.PlaceCall(context.Background(), "1001")
		require.NoError(t, err)

		_, err = h.ctrl.PlaceCall(context.Background(), "1002")
		require.Error(t, err)
		assert.True(t, omnisdk.IsInvalidTransition(err))

		cur, ok := h.ctrl.Current()
		require.True(t, ok)
		assert.Equal(t, first.ID, cur.ID)
		assert.Equal(t, "1001", cur.RemoteNumber)
		assert.Equal(t, PhaseDialing, h.phase())
		assert.Len(t, h.ua.Sessions(), 1)
		assert.Len(t, h.dev.Handles(), 1)
		assert.False(t, h.ua.Last().Terminated())
	})
}

func TestPlaceCall_MediaAcquisitionError(t *testing.T) {
	h := newHarness(t)
	h.dev.SetErr(omnisdk.ErrPermissionDenied)

	var seen []Phase
	h.ctrl.Emitter.On(CallEventState, func(data interface{}) {
		seen = append(seen, data.(StateChange).State.Phase())
	})

	_, err := h.ctrl.PlaceCall(context.Background(), "555-0100")
	require.Error(t, err)
	assert.True(t, omnisdk.IsMediaAcquisition(err))
	assert.Equal(t, PhaseIdle, h.phase())
	assert.NotContains(t, seen, PhaseDialing)
	assert.Empty(t, h.ua.Sessions(), "no signaling on device failure")
	require.Len(t, h.errors(), 1)
	assert.True(t, omnisdk.IsMediaAcquisition(h.errors()[0]))

	h.dev.SetErr(nil)
	_, err = h.ctrl.PlaceCall(context.Background(), "555-0100")
	assert.NoError(t, err)
}

func TestPlaceCall_SignalingStartError(t *testing.T) {
	h := newHarness(t)
	h.ua.Err = errors.New("transport down")

	_, err := h.ctrl.PlaceCall(context.Background(), "555-0100")
	require.Error(t, err)
	assert.True(t, omnisdk.IsSignalingFailure(err))
	assert.Equal(t, PhaseIdle, h.phase())
	assert.False(t, h.guard.Held())
	assert.True(t, h.dev.Last().Closed())
}

func TestHangup_DuringAcquisition(t *testing.T) {
	h := newHarness(t)
	h.dev.Gate = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.PlaceCall(context.Background(), "555-0100")
		done <- err
	}()

	select {
	case <-h.dev.Started():
	case <-time.After(time.Second):
		t.Fatal("device open never started")
	}

	_, err := h.ctrl.PlaceCall(context.Background(), "555-0199")
	assert.True(t, omnisdk.IsInvalidTransition(err), "pending acquisition blocks a second call")

	require.NoError(t, h.ctrl.Hangup())
	close(h.dev.Gate)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCallAborted)
	case <-time.After(time.Second):
		t.Fatal("PlaceCall did not return")
	}

	assert.Equal(t, PhaseIdle, h.phase())
	assert.False(t, h.guard.Held())
	assert.Zero(t, h.dev.OpenCount())
	assert.Empty(t, h.ua.Sessions())
}

func TestHangup(t *testing.T) {
	t.Run("while dialing", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.ctrl.PlaceCall(context.Background(), "1001")
		require.NoError(t, err)

		require.NoError(t, h.ctrl.Hangup())
		assert.Equal(t, PhaseIdle, h.phase())
		assert.True(t, h.ua.Last().Terminated())
		assert.False(t, h.guard.Held())
		active, ended := h.presence.counts()
		assert.Zero(t, active)
		assert.Zero(t, ended, "a call that never connected does not touch presence")
	})

	t.Run("clears mute and hold", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.ctrl.PlaceCall(context.Background(), "1001")
		require.NoError(t, err)
		h.ua.Last().Confirm()
		_, err = h.ctrl.ToggleMute()
		require.NoError(t, err)
		_, err = h.ctrl.ToggleHold()
		require.NoError(t, err)

		require.NoError(t, h.ctrl.Hangup())
		assert.Equal(t, Idle{}, h.ctrl.State())

		_, err = h.ctrl.PlaceCall(context.Background(), "1002")
		require.NoError(t, err)
		h.ua.Last().Confirm()
		assert.Equal(t, Active{}, h.ctrl.State())
		assert.False(t, h.dev.Last().Muted())
	})

	t.Run("idle is invalid", func(t *testing.T) {
		h := newHarness(t)
		err := h.ctrl.Hangup()
		assert.True(t, omnisdk.IsInvalidTransition(err))
	})
}

func TestToggleMute(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.ToggleMute()
	assert.True(t, omnisdk.IsInvalidTransition(err))

	_, err = h.ctrl.PlaceCall(context.Background(), "1001")
	require.NoError(t, err)
	sess := h.ua.Last()

	_, err = h.ctrl.ToggleMute()
	assert.True(t, omnisdk.IsInvalidTransition(err), "mute is only valid while active")
	assert.Zero(t, sess.Count("mute"))

	sess.Confirm()

	muted, err := h.ctrl.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, sess.Muted())
	assert.True(t, h.dev.Last().Muted())
	assert.Equal(t, Active{Muted: true}, h.ctrl.State())

	muted, err = h.ctrl.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.False(t, sess.Muted())
	assert.False(t, h.dev.Last().Muted())
	assert.Equal(t, Active{}, h.ctrl.State())
	assert.Equal(t, []string{"mute", "unmute"}, sess.Ops())
}

func TestToggleMute_Concurrent(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.PlaceCall(context.Background(), "1001")
	require.NoError(t, err)
	h.ua.Last().Confirm()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.ctrl.ToggleMute()
		}()
	}
	wg.Wait()

	assert.Equal(t, Active{}, h.ctrl.State(), "an even number of toggles returns to unmuted")
	assert.Equal(t, 5, h.ua.Last().Count("mute"))
	assert.Equal(t, 5, h.ua.Last().Count("unmute"))
}

func TestToggleHold(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.PlaceCall(context.Background(), "1001")
	require.NoError(t, err)
	sess := h.ua.Last()
	sess.Confirm()

	held, err := h.ctrl.ToggleHold()
	require.NoError(t, err)
	assert.True(t, held)
	assert.True(t, sess.Held())

	muted, err := h.ctrl.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.Equal(t, Active{Muted: true, Held: true}, h.ctrl.State())

	held, err = h.ctrl.ToggleHold()
	require.NoError(t, err)
	assert.False(t, held)
	assert.Equal(t, Active{Muted: true}, h.ctrl.State())
}

func TestRemoteFailure(t *testing.T) {
	h := newHarness(t)

	var seen []Phase
	h.ctrl.Emitter.On(CallEventState, func(data interface{}) {
		seen = append(seen, data.(StateChange).State.Phase())
	})

	_, err := h.ctrl.PlaceCall(context.Background(), "1001")
	require.NoError(t, err)
	h.ua.Last().Fail("486 Busy Here")

	assert.Equal(t, PhaseIdle, h.phase())
	assert.False(t, h.guard.Held())
	assert.Equal(t, []Phase{PhaseDialing, PhaseFailed, PhaseEnding, PhaseIdle}, seen)

	require.Len(t, h.errors(), 1)
	var sf *omnisdk.SignalingFailure
	require.True(t, errors.As(h.errors()[0], &sf))
	assert.Equal(t, "486 Busy Here", sf.Cause)

	_, err = h.ctrl.PlaceCall(context.Background(), "1002")
	assert.NoError(t, err, "a failure is never fatal to the controller")
}

func TestRemoteEvents_StaleIgnored(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.PlaceCall(context.Background(), "1001")
	require.NoError(t, err)
	first := h.ua.Last()
	require.NoError(t, h.ctrl.Hangup())

	_, err = h.ctrl.PlaceCall(context.Background(), "1002")
	require.NoError(t, err)

	first.Confirm()
	assert.Equal(t, PhaseDialing, h.phase())
	first.End()
	assert.Equal(t, PhaseDialing, h.phase())
	assert.True(t, h.guard.Held())
}

// A handler reading the controller while another goroutine delivers a
// late event for an old call must not wedge either of them.
func TestHandlersMayReadDuringConcurrentEvent(t *testing.T) {
	h := newHarness(t)
	read := make(chan CallInfo, 1)
	h.ctrl.Emitter.On(CallEventState, func(data interface{}) {
		sc := data.(StateChange)
		if sc.State.Phase() != PhaseActive {
			return
		}
		go h.ctrl.OnRemoteEvent("stale-call", signaling.Event{Type: signaling.EventEnded})
		time.Sleep(50 * time.Millisecond)
		cur, _ := h.ctrl.Current()
		read <- cur
	})

	info, err := h.ctrl.PlaceCall(context.Background(), "1001")
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.ua.Last().Confirm()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("confirm did not return")
	}

	cur := <-read
	assert.Equal(t, info.ID, cur.ID)
	assert.Equal(t, PhaseActive, h.phase())
}

// Handlers may also drive the controller; the nested change is applied and
// its events follow the current handler.
func TestHandlersMayChangeState(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Emitter.On(CallEventState, func(data interface{}) {
		if data.(StateChange).State.Phase() == PhaseActive {
			_ = h.ctrl.Hangup()
		}
	})

	_, err := h.ctrl.PlaceCall(context.Background(), "1001")
	require.NoError(t, err)
	h.ua.Last().Confirm()

	assert.Equal(t, PhaseIdle, h.phase())
	assert.False(t, h.guard.Held())
	assert.True(t, h.ua.Last().Terminated())
	require.Len(t, h.endedEvents(), 1)
}

func TestRemoteMedia(t *testing.T) {
	h := newHarness(t)
	var got RemoteMedia
	h.ctrl.Emitter.On(CallEventRemoteMedia, func(data interface{}) {
		got = data.(RemoteMedia)
	})

	info, err := h.ctrl.PlaceCall(context.Background(), "1001")
	require.NoError(t, err)
	stream := strings.NewReader("pcm")
	h.ua.Last().Fire(signaling.Event{Type: signaling.EventRemoteMedia, Media: stream})

	assert.Equal(t, info.ID, got.CallID)
	assert.Equal(t, stream, got.Stream)
}

func TestIncoming(t *testing.T) {
	t.Run("accept and hangup", func(t *testing.T) {
		h := newHarness(t)
		var incoming CallInfo
		h.ctrl.Emitter.On(CallEventIncoming, func(data interface{}) {
			incoming = data.(CallInfo)
		})

		sess := signalingtest.NewInbound("inv-1")
		require.NoError(t, h.ctrl.HandleIncoming(sess, "5551234"))
		assert.Equal(t, PhaseRinging, h.phase())
		assert.Equal(t, "5551234", incoming.RemoteNumber)
		assert.Equal(t, "inv-1", incoming.ProtocolID)
		assert.False(t, h.guard.Held(), "no capture until accepted")

		require.NoError(t, h.ctrl.AcceptIncoming(context.Background(), incoming.ID))
		assert.True(t, sess.Answered())
		assert.True(t, h.guard.Held())
		assert.Equal(t, PhaseRinging, h.phase(), "active only once confirmed")

		sess.Confirm()
		assert.Equal(t, PhaseActive, h.phase())

		require.NoError(t, h.ctrl.Hangup())
		assert.True(t, sess.Terminated())
		assert.False(t, h.guard.Held())
		active, ended := h.presence.counts()
		assert.Equal(t, 1, active)
		assert.Equal(t, 1, ended)
	})

	t.Run("busy rejects at protocol layer", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.ctrl.PlaceCall(context.Background(), "1001")
		require.NoError(t, err)

		sess := signalingtest.NewInbound("inv-2")
		err = h.ctrl.HandleIncoming(sess, "5551234")
		assert.ErrorIs(t, err, ErrBusy)
		assert.True(t, sess.Terminated())
		assert.Equal(t, PhaseDialing, h.phase())
	})

	t.Run("device failure rejects", func(t *testing.T) {
		h := newHarness(t)
		sess := signalingtest.NewInbound("inv-3")
		require.NoError(t, h.ctrl.HandleIncoming(sess, "5551234"))

		h.dev.SetErr(omnisdk.ErrDeviceUnavailable)
		err := h.ctrl.AcceptIncoming(context.Background(), "")
		require.Error(t, err)
		assert.True(t, omnisdk.IsMediaAcquisition(err))
		assert.True(t, sess.Terminated())
		assert.False(t, sess.Answered())
		assert.Equal(t, PhaseIdle, h.phase())
	})

	t.Run("answer failure cleans up", func(t *testing.T) {
		h := newHarness(t)
		sess := signalingtest.NewInbound("inv-4")
		sess.AnswerErr = errors.New("481 Call Does Not Exist")
		require.NoError(t, h.ctrl.HandleIncoming(sess, "5551234"))

		err := h.ctrl.AcceptIncoming(context.Background(), "")
		assert.True(t, omnisdk.IsSignalingFailure(err))
		assert.Equal(t, PhaseIdle, h.phase())
		assert.False(t, h.guard.Held())
	})

	t.Run("caller cancels while ringing", func(t *testing.T) {
		h := newHarness(t)
		sess := signalingtest.NewInbound("inv-5")
		require.NoError(t, h.ctrl.HandleIncoming(sess, "5551234"))
		sess.End()
		assert.Equal(t, PhaseIdle, h.phase())

		err := h.ctrl.AcceptIncoming(context.Background(), "")
		assert.True(t, omnisdk.IsInvalidTransition(err))
	})

	t.Run("wrong call id", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.ctrl.HandleIncoming(signalingtest.NewInbound("inv-6"), "5551234"))
		err := h.ctrl.AcceptIncoming(context.Background(), "not-this-one")
		assert.True(t, omnisdk.IsInvalidTransition(err))
		assert.Equal(t, PhaseRinging, h.phase())
	})
}

func TestTicker(t *testing.T) {
	h := newHarness(t)
	ticks := make(chan Tick, 16)
	h.ctrl.Emitter.On(CallEventTick, func(data interface{}) {
		select {
		case ticks <- data.(Tick):
		default:
		}
	})

	info, err := h.ctrl.PlaceCall(context.Background(), "1001")
	require.NoError(t, err)
	h.ua.Last().Confirm()

	select {
	case tk := <-ticks:
		assert.Equal(t, info.ID, tk.CallID)
		assert.GreaterOrEqual(t, tk.Elapsed, time.Duration(0))
	case <-time.After(time.Second):
		t.Fatal("no tick while active")
	}

	require.NoError(t, h.ctrl.Hangup())
	time.Sleep(30 * time.Millisecond)
	for len(ticks) > 0 {
		<-ticks
	}
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, ticks, "ticker stops when the call ends")
	assert.Zero(t, h.ctrl.Elapsed())
}

// Random walks over the controller's operations never leave a capture
// handle held while IDLE.
func TestNeverHoldsHandleWhileIdle(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	h := newHarness(t)

	for step := 0; step < 500; step++ {
		switch rng.Intn(7) {
		case 0, 1:
			_, _ = h.ctrl.PlaceCall(context.Background(), "555-0100")
		case 2:
			_ = h.ctrl.Hangup()
		case 3:
			if s := h.ua.Last(); s != nil {
				s.Confirm()
			}
		case 4:
			if s := h.ua.Last(); s != nil {
				s.End()
			}
		case 5:
			if s := h.ua.Last(); s != nil {
				s.Fail("503 Service Unavailable")
			}
		case 6:
			_, _ = h.ctrl.ToggleMute()
		}

		if h.phase() == PhaseIdle {
			require.False(t, h.guard.Held(), "step %d: handle held while idle", step)
			require.Zero(t, h.dev.OpenCount(), "step %d: leaked capture handle", step)
		} else {
			require.LessOrEqual(t, h.dev.OpenCount(), 1, "step %d", step)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00"},
		{999 * time.Millisecond, "00:00"},
		{5 * time.Second, "00:05"},
		{65 * time.Second, "01:05"},
		{61*time.Minute + 2*time.Second, "61:02"},
		{-time.Second, "00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in), tt.in.String())
	}
}
