package main

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"arenafall/server/activity"
	"arenafall/server/store"
)

// Match lifecycle states.
const (
	matchWaiting  = "waiting"
	matchStarted  = "started"
	matchFinished = "finished"
)

const (
	defaultMatchPot   = 10
	defaultEnemyCount = 3
	enemyMaxHealth    = 100
	enemySpawnSpread  = 10.0
)

var (
	errMatchNotFound  = eris.New("game not found")
	errMatchStarted   = eris.New("game already started")
	errMatchNotActive = eris.New("game not active")
	errMatchFinished  = eris.New("game already finished")
	errNoEnemies      = eris.New("enemies not configured")
	errEnemyNotFound  = eris.New("enemy not found")
	errInvalidAmount  = eris.New("invalid amount")
)

// Enemy is one admin-configured target inside a match.
type Enemy struct {
	ID       string `json:"id"`
	Health   int    `json:"health"`
	Position Vec3   `json:"position"`
}

// Match is a turn-based encounter: the owner fights admin-configured enemies
// for a coin pot. Matches live in memory for the process lifetime, like the
// player registry.
type Match struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"userId"`
	Enemies   []Enemy   `json:"enemies"`
	Pot       int64     `json:"pot"`
	Status    string    `json:"status"`
	WinnerID  string    `json:"winnerId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// walletStore credits the pot to the winner through the coin ledger.
type walletStore interface {
	AdjustCoins(ctx context.Context, id string, amount int64, kind, description string, allowNegative bool) (store.CoinEntry, error)
}

// MatchController drives the match state machine. Unlike PvP attacks, every
// transition here is admin- or request-paced, so a plain mutex per controller
// is plenty.
type MatchController struct {
	mu      sync.Mutex
	matches map[string]*Match

	wallet   walletStore
	feed     activity.Publisher
	announce func(payload any)
	log      *zap.SugaredLogger
}

func newMatchController(wallet walletStore, feed activity.Publisher, announce func(payload any), log *zap.SugaredLogger) *MatchController {
	if feed == nil {
		feed = activity.NopPublisher()
	}
	if announce == nil {
		announce = func(any) {}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &MatchController{
		matches:  make(map[string]*Match),
		wallet:   wallet,
		feed:     feed,
		announce: announce,
		log:      log,
	}
}

// Create opens a match in the waiting state; enemies arrive later from an
// admin configuration call.
func (c *MatchController) Create(ownerID string, pot int64) Match {
	if pot <= 0 {
		pot = defaultMatchPot
	}
	match := &Match{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Enemies:   make([]Enemy, 0),
		Pot:       pot,
		Status:    matchWaiting,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.matches[match.ID] = match
	snapshot := *match
	c.mu.Unlock()

	c.feed.Publish(context.Background(), activity.Event{
		Type:   activity.TypeMatchCreated,
		UserID: ownerID,
		Fields: map[string]any{"gameId": snapshot.ID, "pot": snapshot.Pot, "status": snapshot.Status},
	})
	return snapshot
}

// ConfigureEnemies seeds the enemy list while the match is still waiting.
// Missing positions are rolled inside the spawn spread.
func (c *MatchController) ConfigureEnemies(matchID string, count int, positions []Vec3) ([]Enemy, error) {
	if count <= 0 {
		count = defaultEnemyCount
	}

	c.mu.Lock()
	match, ok := c.matches[matchID]
	if !ok {
		c.mu.Unlock()
		return nil, errMatchNotFound
	}
	if match.Status != matchWaiting {
		c.mu.Unlock()
		return nil, errMatchStarted
	}

	enemies := make([]Enemy, 0, count)
	for i := 0; i < count; i++ {
		position := Vec3{X: rand.Float64() * enemySpawnSpread, Z: rand.Float64() * enemySpawnSpread}
		if i < len(positions) {
			position = positions[i]
		}
		enemies = append(enemies, Enemy{ID: uuid.NewString(), Health: enemyMaxHealth, Position: position})
	}
	match.Enemies = enemies
	copied := append([]Enemy(nil), enemies...)
	c.mu.Unlock()

	c.feed.Publish(context.Background(), activity.Event{
		Type:   activity.TypeMatchConfigured,
		Fields: map[string]any{"gameId": matchID, "numEnemies": count},
	})
	return copied, nil
}

// Start flips a configured match to started and announces it to every
// connected player.
func (c *MatchController) Start(matchID string) error {
	c.mu.Lock()
	match, ok := c.matches[matchID]
	if !ok {
		c.mu.Unlock()
		return errMatchNotFound
	}
	if match.Status != matchWaiting {
		c.mu.Unlock()
		return errMatchStarted
	}
	if len(match.Enemies) == 0 {
		c.mu.Unlock()
		return errNoEnemies
	}
	match.Status = matchStarted
	c.mu.Unlock()

	c.announce(map[string]any{"type": "game:started", "gameId": matchID})
	c.feed.Publish(context.Background(), activity.Event{
		Type:   activity.TypeMatchStarted,
		Fields: map[string]any{"gameId": matchID},
	})
	return nil
}

// Get returns a copy of the match.
func (c *MatchController) Get(matchID string) (Match, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	match, ok := c.matches[matchID]
	if !ok {
		return Match{}, errMatchNotFound
	}
	snapshot := *match
	snapshot.Enemies = append([]Enemy(nil), match.Enemies...)
	return snapshot, nil
}

// AttackEnemy applies explicit damage to one enemy in a started match,
// clamping its health at zero.
func (c *MatchController) AttackEnemy(matchID, enemyID string, damage int) (Enemy, error) {
	c.mu.Lock()
	match, ok := c.matches[matchID]
	if !ok {
		c.mu.Unlock()
		return Enemy{}, errMatchNotFound
	}
	if match.Status != matchStarted {
		c.mu.Unlock()
		return Enemy{}, errMatchNotActive
	}

	var hit *Enemy
	for i := range match.Enemies {
		if match.Enemies[i].ID == enemyID {
			hit = &match.Enemies[i]
			break
		}
	}
	if hit == nil {
		c.mu.Unlock()
		return Enemy{}, errEnemyNotFound
	}

	health := hit.Health - damage
	if health < 0 {
		health = 0
	}
	hit.Health = health
	result := *hit
	c.mu.Unlock()

	c.feed.Publish(context.Background(), activity.Event{
		Type: activity.TypePlayerAttack,
		Fields: map[string]any{
			"gameId":          matchID,
			"enemyId":         enemyID,
			"damage":          damage,
			"remainingHealth": result.Health,
		},
	})
	return result, nil
}

// Finish closes a match and, when the owner won, credits the pot through the
// coin ledger. The credited amount rides on the result event either way.
func (c *MatchController) Finish(ctx context.Context, matchID, winnerID string) (Match, int64, error) {
	c.mu.Lock()
	match, ok := c.matches[matchID]
	if !ok {
		c.mu.Unlock()
		return Match{}, 0, errMatchNotFound
	}
	if match.Status == matchFinished {
		c.mu.Unlock()
		return Match{}, 0, errMatchFinished
	}
	match.Status = matchFinished
	match.WinnerID = winnerID
	snapshot := *match
	c.mu.Unlock()

	var credited int64
	if winnerID == snapshot.OwnerID && c.wallet != nil {
		entry, err := c.wallet.AdjustCoins(ctx, winnerID, snapshot.Pot, store.TxReward, "Game win credit", false)
		if err != nil {
			c.log.Errorw("failed to credit match pot", "game", matchID, "winner", winnerID, "error", err)
		} else {
			credited = entry.BalanceAfter - entry.BalanceBefore
		}
	}

	c.feed.Publish(context.Background(), activity.Event{
		Type: activity.TypeMatchResult,
		Fields: map[string]any{
			"gameId":        matchID,
			"winnerId":      winnerID,
			"pot":           snapshot.Pot,
			"creditedCoins": credited,
		},
	})
	return snapshot, credited, nil
}

// AddToPot raises the stakes in any state except finished.
func (c *MatchController) AddToPot(matchID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errInvalidAmount
	}
	c.mu.Lock()
	match, ok := c.matches[matchID]
	if !ok {
		c.mu.Unlock()
		return 0, errMatchNotFound
	}
	if match.Status == matchFinished {
		c.mu.Unlock()
		return 0, errMatchFinished
	}
	match.Pot += amount
	newPot := match.Pot
	c.mu.Unlock()

	c.feed.Publish(context.Background(), activity.Event{
		Type:   activity.TypeMatchPotIncrease,
		Fields: map[string]any{"gameId": matchID, "amount": amount, "newPot": newPot},
	})
	return newPot, nil
}
