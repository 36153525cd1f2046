package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"arenafall/server/activity"
	"arenafall/server/auth"
)

const writeWait = 10 * time.Second

// subscriber wraps one WebSocket connection with a write mutex so broadcasts
// and direct sends never interleave frames.
type subscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *subscriber) send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *subscriber) sendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.send(data)
}

func (s *subscriber) closeWithReason(code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	s.mu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	s.conn.WriteMessage(websocket.CloseMessage, message)
	s.mu.Unlock()
	s.conn.Close()
}

// presenceStore persists the online flag; the hub never reads it back.
type presenceStore interface {
	SetOnline(ctx context.Context, id string, online bool) error
}

// Hub owns every live session: the per-account player registry, the
// connection index, room membership, and both broadcast channels. It is the
// single authority for session state: every handler runs its whole
// read-modify-write under h.mu, and all network writes happen after unlock
// from payloads assembled inside the critical section.
type Hub struct {
	mu          sync.Mutex
	players     map[string]*playerState // accountID -> state, process lifetime
	roster      []*playerState          // insertion order, for stable iteration
	conns       map[string]*playerState // connID -> state, live connections only
	subscribers map[string]*subscriber  // connID -> main channel socket
	adminSubs   map[string]*subscriber  // connID -> admin channel socket
	nextConn    atomic.Uint64

	feed     activity.Publisher
	presence presenceStore
	log      *zap.SugaredLogger
	clock    func() time.Time
}

func newHub(feed activity.Publisher, presence presenceStore, log *zap.SugaredLogger) *Hub {
	if feed == nil {
		feed = activity.NopPublisher()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Hub{
		players:     make(map[string]*playerState),
		conns:       make(map[string]*playerState),
		subscribers: make(map[string]*subscriber),
		adminSubs:   make(map[string]*subscriber),
		feed:        feed,
		presence:    presence,
		log:         log,
		clock:       time.Now,
	}
}

type recipient struct {
	connID string
	sub    *subscriber
}

// Connect registers a connection for an authenticated identity: creates or
// revives the account's playerState, rebinds it to this connection, and runs
// the join side effects. Returns the new connection id.
func (h *Hub) Connect(identity auth.Identity, conn *websocket.Conn) string {
	now := h.clock()
	sub := &subscriber{conn: conn}
	connID := fmt.Sprintf("conn-%d", h.nextConn.Add(1))

	h.mu.Lock()
	player, ok := h.players[identity.AccountID]
	if !ok {
		player = newPlayerState(identity.AccountID, identity.DisplayName, now)
		h.players[identity.AccountID] = player
		h.roster = append(h.roster, player)
	}

	// One live connection per account: a newer connection supersedes the
	// previous binding instead of duplicating the entry.
	var stale *subscriber
	if player.connID != "" {
		stale = h.subscribers[player.connID]
		delete(h.subscribers, player.connID)
		delete(h.conns, player.connID)
	}

	player.connID = connID
	player.lastSeen = now
	h.conns[connID] = player
	h.subscribers[connID] = sub

	self := player.snapshot()
	roster := h.rosterSnapshotLocked()
	peers := h.roomRecipientsLocked(player.Room, connID)
	everyone := h.allRecipientsLocked("")
	snapshot := h.tacticalSnapshotLocked()
	h.mu.Unlock()

	if stale != nil {
		stale.closeWithReason(websocket.ClosePolicyViolation, "session superseded")
	}

	h.feed.Publish(context.Background(), activity.Event{
		Type:     activity.TypeUserOnline,
		UserID:   self.UserID,
		Username: self.Username,
	})

	if err := sub.sendJSON(initMessage{Type: "init", Self: self, Players: roster}); err != nil {
		h.log.Warnw("failed to send init state", "conn", connID, "error", err)
	}
	h.deliver(peers, playerJoinedMessage{Type: "playerJoined", Player: self})
	h.deliver(everyone, userStatusMessage{Type: "user:status", UserID: self.UserID, Online: true})

	h.feed.Publish(context.Background(), activity.Event{
		Type:     activity.TypePlayerJoined,
		UserID:   self.UserID,
		Username: self.Username,
		Room:     self.Room,
	})
	h.publishTactical(snapshot)
	h.setOnline(self.UserID, true)

	return connID
}

// Move applies a position update and fans it out. Unknown connections are
// ignored: a message can legitimately arrive after its disconnect.
func (h *Hub) Move(connID string, position Vec3, rotation float64) bool {
	h.mu.Lock()
	player, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	player.Position = position
	player.Rotation = rotation
	player.lastSeen = h.clock()

	self := player.snapshot()
	peers := h.roomRecipientsLocked(player.Room, connID)
	snapshot := h.tacticalSnapshotLocked()
	h.mu.Unlock()

	h.deliver(peers, playerMovedMessage{Type: "playerMoved", Player: self})
	h.feed.Publish(context.Background(), activity.Event{
		Type:     activity.TypePlayerMoved,
		UserID:   self.UserID,
		Username: self.Username,
		Room:     self.Room,
		Fields:   map[string]any{"position": self.Position},
	})
	h.publishTactical(snapshot)
	return true
}

// Attack resolves a PvP swing and emits the consequences: playerDamaged to
// the whole room per hit, plus the attack/damage/kill mirror on the admin
// feed.
func (h *Hub) Attack(connID string) bool {
	h.mu.Lock()
	attacker, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	attacker.lastSeen = h.clock()

	hits := resolveAttack(attacker, h.roster)
	self := attacker.snapshot()
	room := h.roomRecipientsLocked(attacker.Room, "")
	snapshot := h.tacticalSnapshotLocked()
	h.mu.Unlock()

	h.feed.Publish(context.Background(), activity.Event{
		Type: activity.TypePlayerAttack,
		Room: self.Room,
		Fields: map[string]any{
			"attacker":   self.Username,
			"attackerId": self.UserID,
		},
	})

	for _, hit := range hits {
		h.deliver(room, playerDamagedMessage{
			Type:     "playerDamaged",
			TargetID: hit.TargetID,
			Health:   hit.Health,
			Damage:   hit.Damage,
		})
		h.feed.Publish(context.Background(), activity.Event{
			Type: activity.TypePlayerDamaged,
			Room: self.Room,
			Fields: map[string]any{
				"attacker":        self.Username,
				"victimId":        hit.TargetID,
				"damage":          hit.Damage,
				"remainingHealth": hit.Health,
			},
		})
		if hit.Health == 0 {
			h.feed.Publish(context.Background(), activity.Event{
				Type: activity.TypePlayerKilled,
				Room: self.Room,
				Fields: map[string]any{
					"killer":   self.Username,
					"victimId": hit.TargetID,
				},
			})
		}
	}
	h.publishTactical(snapshot)
	return true
}

// JoinRoom moves a player to another room. Rooms are implicit: the first
// join with a new name creates it.
func (h *Hub) JoinRoom(connID, room string) bool {
	if room == "" {
		return false
	}
	h.mu.Lock()
	player, ok := h.conns[connID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	from := player.Room
	player.Room = room
	player.lastSeen = h.clock()

	self := player.snapshot()
	sub := h.subscribers[connID]
	snapshot := h.tacticalSnapshotLocked()
	h.mu.Unlock()

	if sub != nil {
		if err := sub.sendJSON(roomJoinedMessage{Type: "roomJoined", Room: room}); err != nil {
			h.log.Warnw("failed to confirm room join", "conn", connID, "error", err)
		}
	}
	h.feed.Publish(context.Background(), activity.Event{
		Type:     activity.TypeRoomChanged,
		UserID:   self.UserID,
		Username: self.Username,
		Fields:   map[string]any{"from": from, "to": room},
	})
	h.publishTactical(snapshot)
	return true
}

// Disconnect unbinds a connection and runs the leave side effects. The
// playerState stays behind, dormant, ready for a reconnect. A stale
// disconnect for a superseded connection only closes the old socket.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	sub, subOK := h.subscribers[connID]
	delete(h.subscribers, connID)

	player, ok := h.conns[connID]
	delete(h.conns, connID)

	var self Player
	var peers, everyone []recipient
	var snapshot []Player
	if ok {
		if player.connID == connID {
			player.connID = ""
		}
		self = player.snapshot()
		peers = h.roomRecipientsLocked(self.Room, connID)
		everyone = h.allRecipientsLocked(connID)
		snapshot = h.tacticalSnapshotLocked()
	}
	h.mu.Unlock()

	if subOK {
		sub.conn.Close()
	}
	if !ok {
		return
	}

	h.deliver(peers, playerLeftMessage{Type: "playerLeft", UserID: self.UserID})
	h.deliver(everyone, userStatusMessage{Type: "user:status", UserID: self.UserID, Online: false})

	h.feed.Publish(context.Background(), activity.Event{
		Type:     activity.TypePlayerDisconnected,
		UserID:   self.UserID,
		Username: self.Username,
		Room:     self.Room,
	})
	h.feed.Publish(context.Background(), activity.Event{
		Type:     activity.TypeUserOffline,
		UserID:   self.UserID,
		Username: self.Username,
	})
	h.publishTactical(snapshot)
	h.setOnline(self.UserID, false)
}

// AdminSubscribe attaches an already-authorized admin connection to the
// observation channel.
func (h *Hub) AdminSubscribe(conn *websocket.Conn) (string, *subscriber) {
	connID := fmt.Sprintf("admin-%d", h.nextConn.Add(1))
	sub := &subscriber{conn: conn}
	h.mu.Lock()
	h.adminSubs[connID] = sub
	h.mu.Unlock()
	return connID, sub
}

func (h *Hub) AdminUnsubscribe(connID string) {
	h.mu.Lock()
	sub, ok := h.adminSubs[connID]
	delete(h.adminSubs, connID)
	h.mu.Unlock()
	if ok {
		sub.conn.Close()
	}
}

// BroadcastAll sends one payload to every main-channel subscriber.
func (h *Hub) BroadcastAll(payload any) {
	h.mu.Lock()
	everyone := h.allRecipientsLocked("")
	h.mu.Unlock()
	h.deliver(everyone, payload)
}

// ConnectedCount reports live main-channel connections for diagnostics.
func (h *Hub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// broadcastAdmin fans one feed event out to every admin subscriber,
// translating tactical snapshots into their own message kind.
func (h *Hub) broadcastAdmin(event activity.Event) {
	var payload any
	if event.Type == activity.TypeTacticalUpdate {
		players, _ := event.Fields["players"].([]Player)
		payload = tacticalUpdateMessage{Type: "tacticalUpdate", Players: players}
	} else {
		payload = activityMessage{Type: "activity:event", Event: event}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Errorw("failed to marshal admin message", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	subs := make(map[string]*subscriber, len(h.adminSubs))
	for id, sub := range h.adminSubs {
		subs[id] = sub
	}
	h.mu.Unlock()

	for id, sub := range subs {
		if err := sub.send(data); err != nil {
			h.log.Warnw("dropping admin subscriber after failed write", "conn", id, "error", err)
			go h.AdminUnsubscribe(id)
		}
	}
}

// adminChannelSink plugs the hub's admin fan-out into the activity router.
type adminChannelSink struct {
	hub *Hub
}

func (s *adminChannelSink) Write(event activity.Event) error {
	s.hub.broadcastAdmin(event)
	return nil
}

func (s *adminChannelSink) Close(context.Context) error {
	return nil
}

// deliver marshals once and writes to every recipient. A failed write
// disconnects that subscriber; there is no retry or buffering.
func (h *Hub) deliver(recipients []recipient, payload any) {
	if len(recipients) == 0 {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Errorw("failed to marshal broadcast", "error", err)
		return
	}
	for _, rcpt := range recipients {
		if err := rcpt.sub.send(data); err != nil {
			h.log.Warnw("dropping subscriber after failed write", "conn", rcpt.connID, "error", err)
			go h.Disconnect(rcpt.connID)
		}
	}
}

func (h *Hub) publishTactical(snapshot []Player) {
	h.feed.Publish(context.Background(), activity.Event{
		Type:   activity.TypeTacticalUpdate,
		Fields: map[string]any{"players": snapshot},
	})
}

func (h *Hub) setOnline(accountID string, online bool) {
	if h.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.presence.SetOnline(ctx, accountID, online); err != nil {
		h.log.Warnw("failed to persist online flag", "account", accountID, "online", online, "error", err)
	}
}

// roomRecipientsLocked derives room membership by scanning the connection
// index for matching room keys. O(connected players); fine at this scale.
func (h *Hub) roomRecipientsLocked(room, excludeConn string) []recipient {
	recipients := make([]recipient, 0)
	for connID, player := range h.conns {
		if connID == excludeConn || player.Room != room {
			continue
		}
		if sub, ok := h.subscribers[connID]; ok {
			recipients = append(recipients, recipient{connID: connID, sub: sub})
		}
	}
	return recipients
}

func (h *Hub) allRecipientsLocked(excludeConn string) []recipient {
	recipients := make([]recipient, 0, len(h.subscribers))
	for connID, sub := range h.subscribers {
		if connID == excludeConn {
			continue
		}
		recipients = append(recipients, recipient{connID: connID, sub: sub})
	}
	return recipients
}

// rosterSnapshotLocked copies every known player, connected or dormant, in
// first-seen order.
func (h *Hub) rosterSnapshotLocked() []Player {
	players := make([]Player, 0, len(h.roster))
	for _, player := range h.roster {
		players = append(players, player.snapshot())
	}
	return players
}

// tacticalSnapshotLocked projects every player with a room for the admin
// feed. Room is never cleared, so dormant players stay on the board.
func (h *Hub) tacticalSnapshotLocked() []Player {
	players := make([]Player, 0, len(h.roster))
	for _, player := range h.roster {
		if player.Room == "" {
			continue
		}
		players = append(players, player.snapshot())
	}
	return players
}
