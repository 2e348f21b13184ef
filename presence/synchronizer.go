/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tejzpr/omnivoip-agent-go/omnisdk"
	"github.com/tejzpr/omnivoip-agent-go/realtime"
)

// Publisher sends operator status changes to the backend.
type Publisher interface {
	Emit(event string, payload interface{}) error
}

// StatusChange is the agent_status_change payload.
type StatusChange struct {
	AgentID string `json:"agent_id,omitempty"`
	Status  Status `json:"status"`
}

// Config holds configuration for the Synchronizer
type Config struct {
	// AgentID selects this agent's entry in roster pushes
	AgentID string
	// Publisher is optional; without it operator changes stay local
	Publisher Publisher
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Synchronizer is the only writer of a Store. Every change goes through
// apply, in arrival order, and the last write wins.
//
// Policy:
//   - a call reaching ACTIVE sets BUSY unless the operator chose OFFLINE;
//   - when that call ends the operator's last choice is restored, or
//     AVAILABLE if there was none, provided the automatic BUSY is still
//     what the store holds;
//   - a backend push always applies, even mid-call, and a push that changes
//     the status cancels the pending restore.
type Synchronizer struct {
	mu    sync.Mutex
	store *Store

	agentID string
	pub     Publisher
	now     func() time.Time
	log     zerolog.Logger

	userChosen Status
	autoBusy   bool
}

// NewSynchronizer creates the Synchronizer that owns store.
func NewSynchronizer(store *Store, config Config) *Synchronizer {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Synchronizer{
		store:   store,
		agentID: config.AgentID,
		pub:     config.Publisher,
		now:     now,
		log:     config.Logger.With().Str("component", "presence").Logger(),
	}
}

// AgentID returns the id used to match roster pushes.
func (s *Synchronizer) AgentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentID
}

// SetAgentID changes the id used to match roster pushes and to tag
// published changes.
func (s *Synchronizer) SetAgentID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentID = id
}

// Store returns the store this Synchronizer writes.
func (s *Synchronizer) Store() *Store { return s.store }

// SetStatus records an operator choice and publishes it best-effort.
func (s *Synchronizer) SetStatus(status Status) error {
	if _, err := ParseStatus(string(status)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.userChosen = status
	s.autoBusy = false
	s.apply(status, OriginUser)

	if s.pub != nil {
		err := s.pub.Emit(realtime.EventAgentStatusChange, StatusChange{AgentID: s.agentID, Status: status})
		if err != nil && !errors.Is(err, omnisdk.ErrNotConnected) {
			s.log.Warn().Err(err).Str("status", string(status)).Msg("Failed to publish status change")
		}
	}
	return nil
}

// CallActive applies the automatic BUSY for a connected call.
func (s *Synchronizer) CallActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userChosen == StatusOffline {
		s.log.Info().Msg("Agent chose OFFLINE, not marking busy")
		return
	}
	s.autoBusy = true
	s.apply(StatusBusy, OriginSystem)
}

// CallEnded restores the operator's status if the automatic BUSY is still
// in effect.
func (s *Synchronizer) CallEnded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.autoBusy {
		return
	}
	s.autoBusy = false
	restore := s.userChosen
	if restore == "" {
		restore = StatusAvailable
	}
	s.apply(restore, OriginSystem)
}

// HandleStatusUpdate applies an agent_status_update push. Both the roster
// form {"agents":[{"id","status"}]} and the single form
// {"agent_id","status"} are understood; entries for other agents are ignored.
func (s *Synchronizer) HandleStatusUpdate(msg realtime.Message) {
	var payload struct {
		Agents  []agentEntry `json:"agents"`
		AgentID string       `json:"agent_id"`
		ID      string       `json:"id"`
		Status  string       `json:"status"`
	}
	if err := msg.Decode(&payload); err != nil {
		s.log.Warn().Err(err).Msg("Malformed agent status update")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, found := "", false
	if len(payload.Agents) > 0 {
		if s.agentID == "" {
			s.log.Warn().Msg("Roster update ignored, agent id unknown")
		}
		for _, a := range payload.Agents {
			if s.agentID != "" && a.key() == s.agentID {
				raw, found = a.Status, true
			}
		}
	} else if payload.Status != "" {
		id := payload.AgentID
		if id == "" {
			id = payload.ID
		}
		if id == "" || s.agentID == "" || id == s.agentID {
			raw, found = payload.Status, true
		}
	}
	if !found {
		return
	}

	status, err := ParseStatus(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("Ignoring agent status update")
		return
	}

	if s.autoBusy && status != StatusBusy {
		s.autoBusy = false
	}
	s.apply(status, OriginRemote)
}

// apply is the single write path into the store. Called with mu held.
func (s *Synchronizer) apply(status Status, origin Origin) {
	prev := s.store.Current()
	s.store.set(Presence{Status: status, LastChangedAt: s.now(), LastChangedBy: origin})
	s.log.Info().
		Str("from", string(prev.Status)).
		Str("to", string(status)).
		Str("origin", string(origin)).
		Msg("Presence changed")
}

type agentEntry struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

func (a agentEntry) key() string {
	if a.ID != "" {
		return a.ID
	}
	return a.AgentID
}
