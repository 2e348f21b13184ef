/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package dashboard keeps the read-only views fed by the event channel:
// the agent roster, queue statistics, recent campaign and call activity,
// plus operator notifications.
package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tejzpr/omnivoip-agent-go/realtime"
)

// DefaultFeedSize is the number of feed entries kept when none is configured.
const DefaultFeedSize = 100

// Registrar is the part of realtime.Manager the dashboard needs.
type Registrar interface {
	On(event string, handler realtime.Handler)
}

// Dashboard bundles the stores and routes channel events into them.
type Dashboard struct {
	Roster        *Roster
	Queues        *QueueStats
	Feed          *Feed
	Notifications *Notifications

	log zerolog.Logger
}

// New creates a Dashboard whose feed keeps feedSize entries.
func New(feedSize int, logger zerolog.Logger) *Dashboard {
	log := logger.With().Str("component", "dashboard").Logger()
	return &Dashboard{
		Roster:        &Roster{log: log},
		Queues:        &QueueStats{log: log},
		Feed:          NewFeed(feedSize),
		Notifications: &Notifications{},
		log:           log,
	}
}

// Register subscribes the stores to their channel events.
func (d *Dashboard) Register(r Registrar) {
	r.On(realtime.EventAgentStatusUpdate, d.Roster.Handle)
	r.On(realtime.EventQueueStatsUpdate, d.Queues.Handle)
	r.On(realtime.EventCampaignUpdate, d.handleActivity)
	r.On(realtime.EventCallEvent, d.handleActivity)
}

func (d *Dashboard) handleActivity(msg realtime.Message) {
	d.log.Debug().Str("event", msg.Event).RawJSON("data", rawOrNull(msg.Data)).Msg("Activity")
	d.Feed.Handle(msg)
}

// ---- Roster ----

// Agent is one row of the roster.
type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Status string `json:"status"`
}

// Roster is the latest agent list pushed by the backend. Each push
// replaces the list.
type Roster struct {
	mu        sync.RWMutex
	agents    []Agent
	updatedAt time.Time
	log       zerolog.Logger
}

// Handle applies an agent_status_update push. Pushes without an agents
// list (single-agent updates) patch the matching row.
func (r *Roster) Handle(msg realtime.Message) {
	var payload struct {
		Agents  *[]Agent `json:"agents"`
		AgentID string   `json:"agent_id"`
		Status  string   `json:"status"`
	}
	if err := msg.Decode(&payload); err != nil {
		r.log.Warn().Err(err).Msg("Malformed roster update")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.updatedAt = time.Now()
	if payload.Agents != nil {
		r.agents = append([]Agent(nil), (*payload.Agents)...)
		return
	}
	for i := range r.agents {
		if r.agents[i].ID == payload.AgentID {
			r.agents[i].Status = payload.Status
			return
		}
	}
	if payload.AgentID != "" {
		r.agents = append(r.agents, Agent{ID: payload.AgentID, Status: payload.Status})
	}
}

// Agents returns a copy of the roster.
func (r *Roster) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Agent(nil), r.agents...)
}

// Get looks up one agent by id.
func (r *Roster) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.ID == id {
			return a, true
		}
	}
	return Agent{}, false
}

// CountByStatus tallies the roster by status.
func (r *Roster) CountByStatus() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, a := range r.agents {
		counts[a.Status]++
	}
	return counts
}

// ---- Queue statistics ----

// QueueStats holds the last queue_stats_update "stats" object.
type QueueStats struct {
	mu        sync.RWMutex
	stats     map[string]json.RawMessage
	updatedAt time.Time
	log       zerolog.Logger
}

// Handle applies a queue_stats_update push.
func (q *QueueStats) Handle(msg realtime.Message) {
	var payload struct {
		Stats map[string]json.RawMessage `json:"stats"`
	}
	if err := msg.Decode(&payload); err != nil {
		q.log.Warn().Err(err).Msg("Malformed queue stats update")
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats = payload.Stats
	q.updatedAt = time.Now()
}

// Snapshot returns a copy of the statistics and when they were received.
func (q *QueueStats) Snapshot() (map[string]json.RawMessage, time.Time) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(q.stats))
	for k, v := range q.stats {
		out[k] = v
	}
	return out, q.updatedAt
}

// Number returns a numeric statistic.
func (q *QueueStats) Number(key string) (float64, bool) {
	q.mu.RLock()
	raw, ok := q.stats[key]
	q.mu.RUnlock()
	if !ok {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

// ---- Activity feed ----

// Entry is one feed item.
type Entry struct {
	Event string
	Data  json.RawMessage
	At    time.Time
}

// Feed is a bounded log of recent campaign and call activity.
type Feed struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	now     func() time.Time
}

// NewFeed creates a Feed holding at most size entries.
func NewFeed(size int) *Feed {
	if size <= 0 {
		size = DefaultFeedSize
	}
	return &Feed{entries: make([]Entry, size), now: time.Now}
}

// Handle appends msg, evicting the oldest entry when full.
func (f *Feed) Handle(msg realtime.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[f.next] = Entry{Event: msg.Event, Data: msg.Data, At: f.now()}
	f.next = (f.next + 1) % len(f.entries)
	if f.next == 0 {
		f.full = true
	}
}

// Recent returns the entries oldest first.
func (f *Feed) Recent() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.full {
		return append([]Entry(nil), f.entries[:f.next]...)
	}
	out := make([]Entry, 0, len(f.entries))
	out = append(out, f.entries[f.next:]...)
	return append(out, f.entries[:f.next]...)
}

// Len returns the number of entries held.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.full {
		return len(f.entries)
	}
	return f.next
}

// ---- Notifications ----

// Level is the severity of a notification.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a message for the operator.
type Notification struct {
	ID      string
	Level   Level
	Message string
	At      time.Time
}

// Notifications is the list of notifications not yet dismissed.
type Notifications struct {
	mu    sync.Mutex
	items []Notification
	subs  []func(Notification)
}

// Subscribe registers fn to run after each Add.
func (n *Notifications) Subscribe(fn func(Notification)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, fn)
}

// Add records a notification and returns its id.
func (n *Notifications) Add(level Level, message string) string {
	item := Notification{ID: uuid.NewString(), Level: level, Message: message, At: time.Now()}
	n.mu.Lock()
	n.items = append(n.items, item)
	subs := append([]func(Notification){}, n.subs...)
	n.mu.Unlock()

	for _, fn := range subs {
		fn(item)
	}
	return item.ID
}

// Remove dismisses a notification. Unknown ids are ignored.
func (n *Notifications) Remove(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, item := range n.items {
		if item.ID == id {
			n.items = append(n.items[:i], n.items[i+1:]...)
			return
		}
	}
}

// List returns the pending notifications oldest first.
func (n *Notifications) List() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.items...)
}

func rawOrNull(b json.RawMessage) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}
