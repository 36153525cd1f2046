package main

import "time"

const (
	playerMaxHealth = 100
	defaultRoom     = "lobby"
)

// Vec3 is a world-space position. Combat only considers the x/z plane; y is
// carried for the clients' benefit.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

var spawnPosition = Vec3{X: 0, Y: 1, Z: 0}

// Player is the public snapshot of one account's live state, shared on the
// main channel and in tactical updates.
type Player struct {
	UserID   string  `json:"userId"`
	Username string  `json:"username"`
	Position Vec3    `json:"position"`
	Rotation float64 `json:"rotation"`
	Health   int     `json:"health"`
	Room     string  `json:"room"`
}

// playerState is the authoritative entry in the registry. It is created on an
// account's first connection and survives reconnects for the process
// lifetime; connID is empty while the player is dormant.
type playerState struct {
	Player
	connID   string
	lastSeen time.Time
}

func newPlayerState(accountID, displayName string, now time.Time) *playerState {
	return &playerState{
		Player: Player{
			UserID:   accountID,
			Username: displayName,
			Position: spawnPosition,
			Health:   playerMaxHealth,
			Room:     defaultRoom,
		},
		lastSeen: now,
	}
}

// applyHealthDelta adjusts health and clamps it to [0, playerMaxHealth]
// before it is stored. Zero health means defeated, not removed.
func (p *playerState) applyHealthDelta(delta int) int {
	health := p.Health + delta
	if health < 0 {
		health = 0
	}
	if health > playerMaxHealth {
		health = playerMaxHealth
	}
	p.Health = health
	return health
}

func (p *playerState) snapshot() Player {
	return p.Player
}

func (p *playerState) connected() bool {
	return p.connID != ""
}
