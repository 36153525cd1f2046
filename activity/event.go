package activity

import (
	"context"
	"encoding/json"
	"time"
)

// Type tags one admin-observable state change.
type Type string

const (
	TypePlayerJoined       Type = "PLAYER_JOINED"
	TypePlayerMoved        Type = "PLAYER_MOVED"
	TypePlayerAttack       Type = "PLAYER_ATTACK"
	TypePlayerDamaged      Type = "PLAYER_DAMAGED"
	TypePlayerKilled       Type = "PLAYER_KILLED"
	TypeRoomChanged        Type = "ROOM_CHANGED"
	TypePlayerDisconnected Type = "PLAYER_DISCONNECTED"
	TypeUserOnline         Type = "USER_ONLINE"
	TypeUserOffline        Type = "USER_OFFLINE"

	TypeMatchCreated     Type = "GAME_CREATED"
	TypeMatchConfigured  Type = "ADMIN_CONFIG_ENEMIES"
	TypeMatchStarted     Type = "GAME_STARTED"
	TypeMatchResult      Type = "GAME_RESULT"
	TypeMatchPotIncrease Type = "ADMIN_ADD_POT"

	// TypeTacticalUpdate carries a full world projection rather than a single
	// state change. The admin channel renders it as its own message kind.
	TypeTacticalUpdate Type = "TACTICAL_UPDATE"
)

// Event is one fire-and-forget record on the admin feed. Common correlation
// fields are typed; everything else rides in Fields and is flattened into the
// wire payload next to them.
type Event struct {
	Type      Type
	UserID    string
	Username  string
	Room      string
	Fields    map[string]any
	Timestamp time.Time
}

// MarshalJSON flattens Fields into the top-level object so the wire shape
// stays {type, ...fields, timestamp} with timestamp in epoch milliseconds.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+5)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = string(e.Type)
	if e.UserID != "" {
		out["userId"] = e.UserID
	}
	if e.Username != "" {
		out["username"] = e.Username
	}
	if e.Room != "" {
		out["room"] = e.Room
	}
	out["timestamp"] = e.Timestamp.UnixMilli()
	return json.Marshal(out)
}

// WithField returns a copy of the event with one extra payload field set.
func (e Event) WithField(key string, value any) Event {
	fields := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		fields[k] = v
	}
	fields[key] = value
	e.Fields = fields
	return e
}

// Publisher accepts events for best-effort delivery.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

// NopPublisher returns a publisher that discards every event.
func NopPublisher() Publisher {
	return nopPublisher{}
}

func clone(event Event) Event {
	cloned := event
	if event.Fields != nil {
		copied := make(map[string]any, len(event.Fields))
		for k, v := range event.Fields {
			copied[k] = v
		}
		cloned.Fields = copied
	}
	return cloned
}
