/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package presence holds the agent's availability and reconciles operator
// choices, call activity and backend pushes into it.
package presence

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Status is the agent's externally visible availability.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
	StatusOnBreak   Status = "ON_BREAK"
	StatusOffline   Status = "OFFLINE"
)

// ParseStatus accepts the canonical names case-insensitively, with '-' or
// ' ' in place of '_'.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch st := Status(norm); st {
	case StatusAvailable, StatusBusy, StatusOnBreak, StatusOffline:
		return st, nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// Origin records who made a presence change.
type Origin string

const (
	OriginUser   Origin = "USER"
	OriginSystem Origin = "SYSTEM"
	// OriginRemote marks changes pushed by the backend.
	OriginRemote Origin = "REMOTE"
)

// Presence is a snapshot of the agent's status.
type Presence struct {
	Status        Status
	LastChangedAt time.Time
	LastChangedBy Origin
}

// Store holds the current Presence. It can only be changed through a
// Synchronizer.
type Store struct {
	mu      sync.RWMutex
	current Presence
	subs    map[int]func(Presence)
	nextSub int
}

// NewStore creates a Store with the initial status, attributed to SYSTEM.
func NewStore(initial Status, at time.Time) *Store {
	if initial == "" {
		initial = StatusOffline
	}
	return &Store{
		current: Presence{Status: initial, LastChangedAt: at, LastChangedBy: OriginSystem},
		subs:    make(map[int]func(Presence)),
	}
}

// Current returns the current presence.
func (s *Store) Current() Presence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Subscribe registers fn to be called after every change and returns a
// function that removes it. Subscribers run synchronously on the writer's
// goroutine and must not change presence themselves.
func (s *Store) Subscribe(fn func(Presence)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) set(p Presence) {
	s.mu.Lock()
	s.current = p
	subs := make([]func(Presence), 0, len(s.subs))
	// subscription order
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(p)
	}
}
