package main

import "math"

const (
	attackHitRange = 2.5
	attackDamage   = 20
)

// Hit is one resolved combat outcome against a single target.
type Hit struct {
	TargetID string `json:"targetId"`
	Health   int    `json:"health"`
	Damage   int    `json:"damage"`
}

// resolveAttack applies one attack from attacker against every qualifying
// candidate: same room, not the attacker, still standing, and within
// attackHitRange on the x/z plane. Every candidate in range is hit; the
// attack is an area effect, not single-target. Candidates are visited in the
// order given, so the hit list is stable for a given roster snapshot.
//
// There is no attacker cooldown. Clients can swing every frame and each
// swing lands.
func resolveAttack(attacker *playerState, candidates []*playerState) []Hit {
	hits := make([]Hit, 0)
	for _, target := range candidates {
		if target.UserID == attacker.UserID {
			continue
		}
		if target.Room != attacker.Room {
			continue
		}
		if target.Health <= 0 {
			continue
		}
		if planarDistance(attacker.Position, target.Position) > attackHitRange {
			continue
		}
		health := target.applyHealthDelta(-attackDamage)
		hits = append(hits, Hit{TargetID: target.UserID, Health: health, Damage: attackDamage})
	}
	return hits
}

// planarDistance ignores the y axis: height never blocks a melee hit.
func planarDistance(a, b Vec3) float64 {
	dx := a.X - b.X
	dz := a.Z - b.Z
	return math.Hypot(dx, dz)
}
