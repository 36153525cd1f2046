package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"arenafall/server/activity"
	"arenafall/server/auth"
)

// hubHarness serves real websocket connections straight into a Hub so tests
// exercise the same write path production uses. The handler parks in a read
// loop and disconnects when the client goes away, like the session server.
type hubHarness struct {
	hub     *Hub
	server  *httptest.Server
	connIDs chan string
}

func newHubHarness(t *testing.T, hub *Hub) *hubHarness {
	t.Helper()
	h := &hubHarness{hub: hub, connIDs: make(chan string, 1)}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		identity := auth.Identity{
			AccountID:   r.URL.Query().Get("id"),
			DisplayName: r.URL.Query().Get("name"),
		}
		connID := hub.Connect(identity, conn)
		h.connIDs <- connID
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		hub.Disconnect(connID)
	}))
	t.Cleanup(h.server.Close)
	return h
}

type testClient struct {
	t      *testing.T
	conn   *websocket.Conn
	connID string
}

// dial connects as the given account and waits for the server side to finish
// Connect so tests can immediately drive hub operations by connID.
func (h *hubHarness) dial(t *testing.T, accountID, name string) *testClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "?id=" + accountID + "&name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var connID string
	select {
	case connID = <-h.connIDs:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
	return &testClient{t: t, conn: conn, connID: connID}
}

// barrier broadcasts a sync marker and reads each client up to it. Because
// every write to one connection happens in hub call order, a client that
// reads the marker has seen everything sent to it before the barrier. It
// doubles as a drain and as a proof of silence: a client whose very next
// message is the marker received nothing since the previous read.
func (h *hubHarness) barrier(clients ...*testClient) {
	h.hub.BroadcastAll(struct {
		Type string `json:"type"`
	}{Type: "test:sync"})
	for _, c := range clients {
		for {
			if c.next()["type"] == "test:sync" {
				break
			}
		}
	}
}

// next reads one message and decodes it into a generic map.
func (c *testClient) next() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err, "expected a message")
	var msg map[string]any
	require.NoError(c.t, json.Unmarshal(data, &msg))
	return msg
}

// expect reads one message and asserts its type.
func (c *testClient) expect(msgType string) map[string]any {
	c.t.Helper()
	msg := c.next()
	require.Equal(c.t, msgType, msg["type"], "unexpected message %v", msg)
	return msg
}

func newTestHub() *Hub {
	return newHub(nil, nil, nil)
}

func TestConnectSendsInitWithRoster(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	init := alice.expect("init")

	self := init["self"].(map[string]any)
	require.Equal(t, "alice", self["userId"])
	require.Equal(t, "Alice", self["username"])
	require.Equal(t, defaultRoom, self["room"])
	require.Equal(t, float64(playerMaxHealth), self["health"])
	require.Len(t, init["players"], 1)

	alice.expect("user:status")

	bob := h.dial(t, "bob", "Bob")
	init = bob.expect("init")
	require.Len(t, init["players"], 2, "late joiner sees the full roster")

	joined := alice.expect("playerJoined")
	player := joined["player"].(map[string]any)
	require.Equal(t, "bob", player["userId"])
	status := alice.expect("user:status")
	require.Equal(t, "bob", status["userId"])
	require.Equal(t, true, status["online"])
}

func TestMoveBroadcastsToRoomPeers(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	bob := h.dial(t, "bob", "Bob")
	h.barrier(alice, bob)

	ok := hub.Move(alice.connID, Vec3{X: 4, Y: 1, Z: -2}, 1.5)
	require.True(t, ok)

	moved := bob.expect("playerMoved")
	player := moved["player"].(map[string]any)
	require.Equal(t, "alice", player["userId"])
	pos := player["position"].(map[string]any)
	require.Equal(t, 4.0, pos["x"])
	require.Equal(t, -2.0, pos["z"])
	require.Equal(t, 1.5, player["rotation"])

	// No echo to the mover: the next thing alice sees is the barrier.
	h.barrier(alice)
	alice.expect("test:sync")
}

func TestMoveLastWriteWins(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")

	hub.Move(alice.connID, Vec3{X: 1}, 0)
	hub.Move(alice.connID, Vec3{X: 2}, 0)
	hub.Move(alice.connID, Vec3{X: 3}, 0.5)

	hub.mu.Lock()
	got := hub.players["alice"].Position
	hub.mu.Unlock()
	require.Equal(t, Vec3{X: 3}, got)
}

func TestMoveUnknownConnIsIgnored(t *testing.T) {
	hub := newTestHub()
	require.False(t, hub.Move("conn-999", Vec3{X: 1}, 0))
	require.False(t, hub.Attack("conn-999"))
	require.False(t, hub.JoinRoom("conn-999", "dungeon"))
}

func TestAttackDamagesEveryTargetInRange(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	bob := h.dial(t, "bob", "Bob")
	carol := h.dial(t, "carol", "Carol")
	h.barrier(alice, bob, carol)

	require.True(t, hub.Attack(alice.connID))

	// Everyone in the room sees both hits, the attacker included.
	for _, c := range []*testClient{alice, bob, carol} {
		first := c.expect("playerDamaged")
		second := c.expect("playerDamaged")
		require.Equal(t, "bob", first["targetId"])
		require.Equal(t, "carol", second["targetId"])
		require.Equal(t, 80.0, first["health"])
		require.Equal(t, float64(attackDamage), first["damage"])
	}

	hub.mu.Lock()
	require.Equal(t, 80, hub.players["bob"].Health)
	require.Equal(t, 80, hub.players["carol"].Health)
	require.Equal(t, playerMaxHealth, hub.players["alice"].Health)
	hub.mu.Unlock()
}

func TestAttackMissesOtherRooms(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	bob := h.dial(t, "bob", "Bob")
	h.barrier(alice, bob)

	require.True(t, hub.JoinRoom(bob.connID, "dungeon"))
	bob.expect("roomJoined")

	require.True(t, hub.Attack(alice.connID))
	h.barrier(bob)
	bob.expect("test:sync")

	hub.mu.Lock()
	require.Equal(t, playerMaxHealth, hub.players["bob"].Health)
	hub.mu.Unlock()
}

func TestJoinRoomConfirmsAndScopesBroadcasts(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	bob := h.dial(t, "bob", "Bob")
	h.barrier(alice, bob)

	require.True(t, hub.JoinRoom(bob.connID, "dungeon"))
	confirm := bob.expect("roomJoined")
	require.Equal(t, "dungeon", confirm["room"])

	// Movement no longer crosses the room boundary in either direction.
	hub.Move(alice.connID, Vec3{X: 1}, 0)
	h.barrier(bob)
	bob.expect("test:sync")

	hub.Move(bob.connID, Vec3{X: 2}, 0)
	h.barrier(alice)
	alice.expect("test:sync")
}

func TestJoinRoomRejectsEmptyName(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	require.False(t, hub.JoinRoom(alice.connID, ""))
}

func TestReconnectKeepsPlayerState(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	hub.Move(alice.connID, Vec3{X: 7, Z: 9}, 2.0)
	hub.Disconnect(alice.connID)
	alice.conn.Close()

	again := h.dial(t, "alice", "Alice")
	init := again.expect("init")
	self := init["self"].(map[string]any)
	pos := self["position"].(map[string]any)
	require.Equal(t, 7.0, pos["x"])
	require.Equal(t, 9.0, pos["z"])
	require.Len(t, init["players"], 1, "reconnect must not duplicate the registry entry")

	hub.mu.Lock()
	require.Len(t, hub.roster, 1)
	hub.mu.Unlock()
}

func TestNewConnectionSupersedesOld(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	first := h.dial(t, "alice", "Alice")
	first.expect("init")
	first.expect("user:status")

	second := h.dial(t, "alice", "Alice")
	second.expect("init")

	// The stale socket is closed with a policy violation.
	first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := first.conn.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation) || strings.Contains(err.Error(), "close"), "unexpected error: %v", err)
			break
		}
	}

	require.Equal(t, 1, hub.ConnectedCount())
}

func TestDisconnectNotifiesPeersAndKeepsState(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	bob := h.dial(t, "bob", "Bob")
	h.barrier(alice, bob)

	hub.Disconnect(bob.connID)

	left := alice.expect("playerLeft")
	require.Equal(t, "bob", left["userId"])
	status := alice.expect("user:status")
	require.Equal(t, "bob", status["userId"])
	require.Equal(t, false, status["online"])

	hub.mu.Lock()
	player := hub.players["bob"]
	require.NotNil(t, player, "registry entry survives disconnect")
	require.False(t, player.connected())
	hub.mu.Unlock()
	require.Equal(t, 1, hub.ConnectedCount())
}

func TestStaleDisconnectDoesNotEvictRebound(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	first := h.dial(t, "alice", "Alice")
	second := h.dial(t, "alice", "Alice")

	// A late disconnect for the superseded socket must not touch the
	// rebound session.
	hub.Disconnect(first.connID)

	require.Equal(t, 1, hub.ConnectedCount())
	hub.mu.Lock()
	require.Equal(t, second.connID, hub.players["alice"].connID)
	hub.mu.Unlock()
}

// feedHub wires a hub to a router draining into a memory sink, the same
// topology main uses with the admin channel swapped for assertions.
func feedHub(t *testing.T) (*Hub, *activity.Router, *activity.MemorySink) {
	t.Helper()
	mem := activity.NewMemorySink()
	router := activity.NewRouter(nil, nil, activity.DefaultConfig(), []activity.NamedSink{{Name: "memory", Sink: mem}})
	hub := newHub(router, nil, nil)
	return hub, router, mem
}

func TestActivityFeedMirrorsSessionLifecycle(t *testing.T) {
	hub, router, mem := feedHub(t)
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	hub.Move(alice.connID, Vec3{X: 3}, 0)
	hub.JoinRoom(alice.connID, "dungeon")
	hub.Disconnect(alice.connID)

	require.NoError(t, router.Close(context.Background()))

	var types []string
	for _, ev := range mem.Events() {
		if ev.Type == activity.TypeTacticalUpdate {
			continue
		}
		types = append(types, string(ev.Type))
		require.False(t, ev.Timestamp.IsZero(), "router must stamp %s", ev.Type)
	}
	require.Equal(t, []string{
		"USER_ONLINE",
		"PLAYER_JOINED",
		"PLAYER_MOVED",
		"ROOM_CHANGED",
		"PLAYER_DISCONNECTED",
		"USER_OFFLINE",
	}, types)

	moved := mem.EventsOfType(activity.TypePlayerMoved)
	require.Len(t, moved, 1)
	require.Equal(t, "alice", moved[0].UserID)
	require.Equal(t, Vec3{X: 3}, moved[0].Fields["position"])

	changed := mem.EventsOfType(activity.TypeRoomChanged)
	require.Len(t, changed, 1)
	require.Equal(t, defaultRoom, changed[0].Fields["from"])
	require.Equal(t, "dungeon", changed[0].Fields["to"])
}

func TestTacticalUpdateFollowsEachStateChange(t *testing.T) {
	hub, router, mem := feedHub(t)
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	hub.Move(alice.connID, Vec3{X: 5}, 0)

	require.NoError(t, router.Close(context.Background()))

	events := mem.Events()
	for i, ev := range events {
		if ev.Type != activity.TypePlayerMoved {
			continue
		}
		require.Greater(t, len(events), i+1, "a tactical update must follow the move event")
		require.Equal(t, activity.TypeTacticalUpdate, events[i+1].Type)
		players := events[i+1].Fields["players"].([]Player)
		require.Len(t, players, 1)
		require.Equal(t, 5.0, players[0].Position.X)
	}
	require.NotEmpty(t, mem.EventsOfType(activity.TypePlayerMoved))
}

func TestAttackFeedEmitsDamageAndKill(t *testing.T) {
	hub, router, mem := feedHub(t)
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	_ = h.dial(t, "bob", "Bob")

	hub.mu.Lock()
	hub.players["bob"].Health = attackDamage
	hub.mu.Unlock()

	hub.Attack(alice.connID)
	require.NoError(t, router.Close(context.Background()))

	attacks := mem.EventsOfType(activity.TypePlayerAttack)
	require.Len(t, attacks, 1)
	require.Equal(t, "Alice", attacks[0].Fields["attacker"])
	require.Equal(t, "alice", attacks[0].Fields["attackerId"])

	damaged := mem.EventsOfType(activity.TypePlayerDamaged)
	require.Len(t, damaged, 1)
	require.Equal(t, "bob", damaged[0].Fields["victimId"])
	require.Equal(t, 0, damaged[0].Fields["remainingHealth"])

	killed := mem.EventsOfType(activity.TypePlayerKilled)
	require.Len(t, killed, 1)
	require.Equal(t, "Alice", killed[0].Fields["killer"])
	require.Equal(t, "bob", killed[0].Fields["victimId"])
}

func TestTacticalSnapshotKeepsDormantPlayers(t *testing.T) {
	hub := newTestHub()
	h := newHubHarness(t, hub)

	alice := h.dial(t, "alice", "Alice")
	_ = h.dial(t, "bob", "Bob")
	hub.Disconnect(alice.connID)

	hub.mu.Lock()
	snapshot := hub.tacticalSnapshotLocked()
	hub.mu.Unlock()

	require.Len(t, snapshot, 2, "disconnected players stay on the tactical board")
}
