/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package signalingtest provides a scripted signaling user agent. Tests
// drive remote behaviour by firing events on the recorded sessions.
package signalingtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tejzpr/omnivoip-agent-go/media"
	"github.com/tejzpr/omnivoip-agent-go/signaling"
)

// Session is a fake signaling.Session that records every operation.
type Session struct {
	mu        sync.Mutex
	id        string
	Target    string
	handle    media.Handle
	sink      signaling.Sink
	AnswerErr error
	answered  bool
	held      bool
	muted     bool
	ops       []string
}

// NewInbound returns a ringing inbound session with the given protocol id.
func NewInbound(id string) *Session {
	return &Session{id: id}
}

func (s *Session) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Answer(_ context.Context, handle media.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "answer")
	if s.AnswerErr != nil {
		return s.AnswerErr
	}
	s.answered = true
	s.handle = handle
	return nil
}

func (s *Session) Terminate() error { s.record("terminate"); return nil }

func (s *Session) Hold() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "hold")
	s.held = true
	return nil
}

func (s *Session) Unhold() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "unhold")
	s.held = false
	return nil
}

func (s *Session) Mute() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "mute")
	s.muted = true
	return nil
}

func (s *Session) Unmute() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, "unmute")
	s.muted = false
	return nil
}

func (s *Session) OnEvent(sink signaling.Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

// Fire delivers evt to the bound sink on the calling goroutine.
func (s *Session) Fire(evt signaling.Event) {
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink != nil {
		sink(evt)
	}
}

func (s *Session) Confirm() { s.Fire(signaling.Event{Type: signaling.EventConfirmed}) }
func (s *Session) End()     { s.Fire(signaling.Event{Type: signaling.EventEnded}) }

// Fail delivers a failed event with the given protocol cause.
func (s *Session) Fail(cause string) {
	s.Fire(signaling.Event{Type: signaling.EventFailed, Cause: cause, Err: errors.New(cause)})
}

// Ops returns the operations invoked so far, in order.
func (s *Session) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.ops))
	copy(out, s.ops)
	return out
}

// Count returns how many times op was invoked.
func (s *Session) Count(op string) int {
	n := 0
	for _, o := range s.Ops() {
		if o == op {
			n++
		}
	}
	return n
}

func (s *Session) Terminated() bool { return s.Count("terminate") > 0 }

func (s *Session) Answered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answered
}

func (s *Session) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Handle returns the capture handle the session was started or answered with.
func (s *Session) Handle() media.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// UserAgent is a fake signaling.UserAgent. Set Err to make Call fail.
type UserAgent struct {
	mu       sync.Mutex
	Err      error
	sessions []*Session
}

func (u *UserAgent) Call(_ context.Context, target string, handle media.Handle, sink signaling.Sink) (signaling.Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.Err != nil {
		return nil, u.Err
	}
	s := &Session{
		id:     fmt.Sprintf("sip-%d", len(u.sessions)+1),
		Target: target,
		handle: handle,
		sink:   sink,
	}
	u.sessions = append(u.sessions, s)
	return s, nil
}

// Sessions returns every outbound session started so far.
func (u *UserAgent) Sessions() []*Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*Session, len(u.sessions))
	copy(out, u.sessions)
	return out
}

// Last returns the most recent outbound session, or nil.
func (u *UserAgent) Last() *Session {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.sessions) == 0 {
		return nil
	}
	return u.sessions[len(u.sessions)-1]
}

var _ signaling.UserAgent = (*UserAgent)(nil)
var _ signaling.Session = (*Session)(nil)
