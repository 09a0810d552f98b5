package messaging

import (
	"context"
	"encoding/json"
	"time"
)

// Broker channels.
const (
	// ChannelChanges carries entity change notifications, both local
	// mutations and server-side change signals.
	ChannelChanges = "sync.changes"
	// ChannelStatus carries cycle status updates.
	ChannelStatus = "sync.status"
)

// EventType discriminates messages on broker channels.
type EventType string

const (
	// EventEntityChanged signals a committed mutation in the local store.
	EventEntityChanged EventType = "entity.changed"
	// EventRemoteChanged signals that the server accepted new changes for a scope.
	EventRemoteChanged EventType = "remote.changed"
	// EventStatusUpdated signals a finished sync cycle.
	EventStatusUpdated EventType = "status.updated"
)

// Event is the envelope published on broker channels.
type Event struct {
	Type       EventType `json:"type"`
	Scope      string    `json:"scope,omitempty"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	// Error carries the failure message on status events, empty on
	// success.
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// DecodeEvent parses an envelope off the wire.
func DecodeEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// SubscribeEvents adapts a raw subscription into typed events.
// Frames that do not parse as an Event envelope are dropped.
func SubscribeEvents(ctx context.Context, b Broker, channel string) (<-chan Event, error) {
	raw, err := b.Subscribe(ctx, channel)
	if err != nil {
		return nil, err
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		for msg := range raw {
			ev, err := DecodeEvent(msg)
			if err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
