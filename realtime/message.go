/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package realtime

import (
	"encoding/json"
	"fmt"
)

// Well-known application events pushed by the backend.
const (
	EventAgentStatusUpdate = "agent_status_update"
	EventQueueStatsUpdate  = "queue_stats_update"
	EventCampaignUpdate    = "campaign_update"
	EventCallEvent         = "call_event"

	// EventAgentStatusChange is sent by the agent when the operator picks a status.
	EventAgentStatusChange = "agent_status_change"
)

// Message is one frame on the event channel: {"event": "...", "data": ...}.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the message data into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("event %s has no data", m.Event)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", m.Event, err)
	}
	return nil
}

// Encode builds the wire frame for event with payload.
func Encode(event string, payload interface{}) ([]byte, error) {
	msg := Message{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		msg.Data = data
	}
	return json.Marshal(msg)
}
