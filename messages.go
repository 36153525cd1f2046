package main

import (
	"arenafall/server/activity"
	"arenafall/server/store"
)

// clientMessage is the envelope for everything a player sends on the main
// channel. Position is a pointer so a move without one can be rejected as
// malformed instead of teleporting the player to the origin.
type clientMessage struct {
	Type     string  `json:"type"`
	Position *Vec3   `json:"position,omitempty"`
	Rotation float64 `json:"rotation,omitempty"`
	Room     string  `json:"room,omitempty"`
}

// adminClientMessage covers the admin channel's single inbound request.
type adminClientMessage struct {
	Type string `json:"type"`
}

type initMessage struct {
	Type    string   `json:"type"`
	Self    Player   `json:"self"`
	Players []Player `json:"players"`
}

type playerJoinedMessage struct {
	Type   string `json:"type"`
	Player Player `json:"player"`
}

type playerMovedMessage struct {
	Type   string `json:"type"`
	Player Player `json:"player"`
}

type playerDamagedMessage struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
	Health   int    `json:"health"`
	Damage   int    `json:"damage"`
}

type playerLeftMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type roomJoinedMessage struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

type userStatusMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}

type activityMessage struct {
	Type  string         `json:"type"`
	Event activity.Event `json:"event"`
}

type tacticalUpdateMessage struct {
	Type    string   `json:"type"`
	Players []Player `json:"players"`
}

type usersListMessage struct {
	Type  string          `json:"type"`
	Users []store.Account `json:"users"`
}
