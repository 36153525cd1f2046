package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"arenafall/server/auth"
	"arenafall/server/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// rosterSource serves the admin channel's user-list request.
type rosterSource interface {
	Roster(ctx context.Context) ([]store.Account, error)
}

// sessionServer owns the two WebSocket endpoints: the main player channel
// and the admin observation channel.
type sessionServer struct {
	hub      *Hub
	verifier *auth.Verifier
	roster   rosterSource
	log      *zap.SugaredLogger
}

func newSessionServer(hub *Hub, verifier *auth.Verifier, roster rosterSource, log *zap.SugaredLogger) *sessionServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &sessionServer{hub: hub, verifier: verifier, roster: roster, log: log}
}

// handleWS admits a player connection: credential first, session state only
// after the gate passes. Admission failures close the attempt with the
// reason; in-session failures never do.
func (s *sessionServer) handleWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), statusForAuthError(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "account", identity.AccountID, "error", err)
		return
	}
	conn.SetReadLimit(1 << 20)

	connID := s.hub.Connect(identity, conn)
	s.log.Infow("player connected", "account", identity.AccountID, "conn", connID)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.hub.Disconnect(connID)
			s.log.Infow("player disconnected", "account", identity.AccountID, "conn", connID)
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warnw("discarding malformed message", "conn", connID, "error", err)
			continue
		}

		switch msg.Type {
		case "move":
			if msg.Position == nil {
				s.log.Warnw("discarding move without position", "conn", connID)
				continue
			}
			s.hub.Move(connID, *msg.Position, msg.Rotation)
		case "attack":
			s.hub.Attack(connID)
		case "joinRoom":
			if msg.Room == "" {
				s.log.Warnw("discarding joinRoom without room", "conn", connID)
				continue
			}
			s.hub.JoinRoom(connID, msg.Room)
		default:
			s.log.Warnw("unknown message type", "type", msg.Type, "conn", connID)
		}
	}
}

// handleAdminWS admits an observation connection. Beyond authentication, the
// identity must carry the admin flag before any message is processed.
func (s *sessionServer) handleAdminWS(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Authenticate(r.Context(), auth.TokenFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), statusForAuthError(err))
		return
	}
	if err := s.verifier.RequireAdmin(identity); err != nil {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("admin websocket upgrade failed", "account", identity.AccountID, "error", err)
		return
	}

	connID, sub := s.hub.AdminSubscribe(conn)
	s.log.Infow("admin connected", "account", identity.AccountID, "conn", connID)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.hub.AdminUnsubscribe(connID)
			s.log.Infow("admin disconnected", "account", identity.AccountID, "conn", connID)
			return
		}

		var msg adminClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Warnw("discarding malformed admin message", "conn", connID, "error", err)
			continue
		}

		switch msg.Type {
		case "admin:getUsers":
			users, err := s.roster.Roster(r.Context())
			if err != nil {
				s.log.Errorw("failed to load user roster", "error", err)
				continue
			}
			if err := sub.sendJSON(usersListMessage{Type: "users:list", Users: users}); err != nil {
				s.hub.AdminUnsubscribe(connID)
				return
			}
		default:
			s.log.Warnw("unknown admin message type", "type", msg.Type, "conn", connID)
		}
	}
}

func statusForAuthError(err error) int {
	switch {
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrAccountNotFound):
		return http.StatusUnauthorized
	default:
		return http.StatusUnauthorized
	}
}
