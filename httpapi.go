package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"arenafall/server/activity"
	"arenafall/server/auth"
	"arenafall/server/store"
)

// feedStats exposes the activity router counters to the diagnostics endpoint.
type feedStats interface {
	Stats() activity.RouterStats
}

// apiServer is the REST surface around the session engine: accounts, the
// coin ledger, feedback tickets, and the enemy match controller.
type apiServer struct {
	store       *store.Store
	verifier    *auth.Verifier
	matches     *MatchController
	hub         *Hub
	feed        feedStats
	log         *zap.SugaredLogger
	dailyReward int64
	started     time.Time
}

func newAPIServer(st *store.Store, verifier *auth.Verifier, matches *MatchController, hub *Hub, feed feedStats, log *zap.SugaredLogger, dailyReward int64) *apiServer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if dailyReward <= 0 {
		dailyReward = 5
	}
	return &apiServer{
		store:       st,
		verifier:    verifier,
		matches:     matches,
		hub:         hub,
		feed:        feed,
		log:         log,
		dailyReward: dailyReward,
		started:     time.Now(),
	}
}

func (s *apiServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /diagnostics", s.handleDiagnostics)

	mux.HandleFunc("POST /api/users/register", s.handleRegister)
	mux.HandleFunc("POST /api/users/login", s.handleLogin)
	mux.HandleFunc("GET /api/users/me", s.withAuth(s.handleMe))

	mux.HandleFunc("GET /api/coins", s.withAuth(s.handleGetCoins))
	mux.HandleFunc("POST /api/coins/credit", s.withAuth(s.handleCreditCoins))
	mux.HandleFunc("POST /api/coins/purchase", s.withAuth(s.handlePurchase))
	mux.HandleFunc("POST /api/coins/daily-login", s.withAuth(s.handleDailyLogin))
	mux.HandleFunc("GET /api/coins/history", s.withAuth(s.handleCoinHistory))

	mux.HandleFunc("POST /api/feedbacks", s.withAuth(s.handleCreateFeedback))
	mux.HandleFunc("GET /api/feedbacks/mine", s.withAuth(s.handleMyFeedback))

	mux.HandleFunc("POST /api/games", s.withAuth(s.handleCreateMatch))
	mux.HandleFunc("GET /api/games/{id}", s.withAuth(s.handleGetMatch))
	mux.HandleFunc("POST /api/games/attack", s.withAuth(s.handleAttackEnemy))
	mux.HandleFunc("POST /api/games/finish", s.withAuth(s.handleFinishMatch))

	mux.HandleFunc("GET /api/admin/users", s.withAdmin(s.handleAdminUsers))
	mux.HandleFunc("POST /api/admin/coins", s.withAdmin(s.handleAdminCoins))
	mux.HandleFunc("GET /api/admin/feedbacks", s.withAdmin(s.handleAdminFeedback))
	mux.HandleFunc("PATCH /api/admin/feedbacks/{id}", s.withAdmin(s.handleFeedbackStatus))
	mux.HandleFunc("POST /api/games/enemies", s.withAdmin(s.handleConfigureEnemies))
	mux.HandleFunc("POST /api/games/start", s.withAdmin(s.handleStartMatch))
	mux.HandleFunc("POST /api/games/pot", s.withAdmin(s.handleAddToPot))
}

type authedHandler func(w http.ResponseWriter, r *http.Request, identity auth.Identity)

func (s *apiServer) withAuth(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.verifier.Authenticate(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, statusForAuthError(err), err.Error())
			return
		}
		next(w, r, identity)
	}
}

func (s *apiServer) withAdmin(next authedHandler) http.HandlerFunc {
	return s.withAuth(func(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
		if err := s.verifier.RequireAdmin(identity); err != nil {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		next(w, r, identity)
	})
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (s *apiServer) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	payload := struct {
		Status           string `json:"status"`
		ServerTime       int64  `json:"serverTime"`
		ConnectedPlayers int    `json:"connectedPlayers"`
		UptimeSeconds    int64  `json:"uptimeSeconds"`
		ActivityEvents   uint64 `json:"activityEvents"`
		ActivityDropped  uint64 `json:"activityDropped"`
	}{
		Status:           "ok",
		ServerTime:       time.Now().UnixMilli(),
		ConnectedPlayers: s.hub.ConnectedCount(),
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
	}
	if s.feed != nil {
		stats := s.feed.Stats()
		payload.ActivityEvents = stats.EventsTotal
		payload.ActivityDropped = stats.DroppedTotal
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Name == "" || body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "name, email and password required")
		return
	}

	account, err := s.store.CreateAccount(r.Context(), uuid.NewString(), body.Name, body.Email, body.Password, false)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			writeError(w, http.StatusBadRequest, "email already registered")
			return
		}
		s.log.Errorw("failed to create account", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create account")
		return
	}

	token, err := s.verifier.Issue(account.ID, time.Now())
	if err != nil {
		s.log.Errorw("failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	setTokenCookie(w, token)
	writeJSON(w, http.StatusCreated, map[string]any{"user": account, "token": token})
}

func (s *apiServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	account, err := s.store.VerifyCredentials(r.Context(), body.Email, body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}

	token, err := s.verifier.Issue(account.ID, time.Now())
	if err != nil {
		s.log.Errorw("failed to issue token", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	setTokenCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]any{"user": account, "token": token})
}

func (s *apiServer) handleMe(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	account, err := s.store.GetAccount(r.Context(), identity.AccountID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *apiServer) handleGetCoins(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	account, err := s.store.GetAccount(r.Context(), identity.AccountID)
	if err != nil {
		writeError(w, http.StatusNotFound, "account not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coins": account.Coins})
}

func (s *apiServer) handleCreditCoins(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		Coins *int64 `json:"coins"`
	}
	if err := readJSON(r, &body); err != nil || body.Coins == nil {
		writeError(w, http.StatusBadRequest, "coins amount required")
		return
	}

	entry, err := s.store.AdjustCoins(r.Context(), identity.AccountID, *body.Coins, store.TxReward, "Manual wallet credit", false)
	if err != nil {
		writeCoinError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coins": entry.BalanceAfter})
}

func (s *apiServer) handlePurchase(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		ItemName string `json:"itemName"`
		Cost     int64  `json:"cost"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Cost <= 0 {
		writeError(w, http.StatusBadRequest, "invalid purchase cost")
		return
	}

	entry, err := s.store.AdjustCoins(r.Context(), identity.AccountID, -body.Cost, store.TxPurchase, "Purchased "+body.ItemName, false)
	if err != nil {
		writeCoinError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "coins": entry.BalanceAfter, "history": entry})
}

func (s *apiServer) handleDailyLogin(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	entry, err := s.store.ClaimDailyReward(r.Context(), identity.AccountID, s.dailyReward, time.Now())
	if err != nil {
		if errors.Is(err, store.ErrRewardClaimed) {
			account, accErr := s.store.GetAccount(r.Context(), identity.AccountID)
			if accErr != nil {
				writeError(w, http.StatusNotFound, "account not found")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"message": "Daily reward already claimed", "coins": account.Coins})
			return
		}
		writeCoinError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Daily login reward credited", "coins": entry.BalanceAfter})
}

func (s *apiServer) handleCoinHistory(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	history, err := s.store.CoinHistory(r.Context(), identity.AccountID, 50)
	if err != nil {
		s.log.Errorw("failed to load coin history", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *apiServer) handleCreateFeedback(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		Subject string `json:"subject"`
		Message string `json:"message"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if body.Subject == "" || body.Message == "" {
		writeError(w, http.StatusBadRequest, "subject and message required")
		return
	}

	ticket, err := s.store.CreateFeedback(r.Context(), uuid.NewString(), identity.AccountID, body.Subject, body.Message)
	if err != nil {
		s.log.Errorw("failed to create feedback", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create feedback")
		return
	}
	writeJSON(w, http.StatusCreated, ticket)
}

func (s *apiServer) handleMyFeedback(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	tickets, err := s.store.ListFeedback(r.Context(), identity.AccountID)
	if err != nil {
		s.log.Errorw("failed to list feedback", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list feedback")
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *apiServer) handleAdminUsers(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	users, err := s.store.Roster(r.Context())
	if err != nil {
		s.log.Errorw("failed to load user roster", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *apiServer) handleAdminCoins(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		UserID      string `json:"userId"`
		Amount      *int64 `json:"amount"`
		Description string `json:"description"`
	}
	if err := readJSON(r, &body); err != nil || body.UserID == "" || body.Amount == nil {
		writeError(w, http.StatusBadRequest, "userId and numeric amount required")
		return
	}

	kind := store.TxAdminCredit
	if *body.Amount < 0 {
		kind = store.TxAdminDebit
	}
	description := body.Description
	if description == "" {
		description = "Admin balance update"
	}

	entry, err := s.store.AdjustCoins(r.Context(), body.UserID, *body.Amount, kind, description, false)
	if err != nil {
		writeCoinError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"coins": entry.BalanceAfter, "history": entry})
}

func (s *apiServer) handleAdminFeedback(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	tickets, err := s.store.ListFeedback(r.Context(), "")
	if err != nil {
		s.log.Errorw("failed to list feedback", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list feedback")
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *apiServer) handleFeedbackStatus(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		Status string `json:"status"`
	}
	if err := readJSON(r, &body); err != nil || body.Status == "" {
		writeError(w, http.StatusBadRequest, "status required")
		return
	}

	if err := s.store.UpdateFeedbackStatus(r.Context(), r.PathValue("id"), body.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "feedback not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "status updated"})
}

func (s *apiServer) handleCreateMatch(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		Pot int64 `json:"pot"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	match := s.matches.Create(identity.AccountID, body.Pot)
	writeJSON(w, http.StatusCreated, map[string]any{"game": match})
}

func (s *apiServer) handleGetMatch(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	match, err := s.matches.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	writeJSON(w, http.StatusOK, match)
}

func (s *apiServer) handleConfigureEnemies(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		GameID     string `json:"gameId"`
		NumEnemies int    `json:"numEnemies"`
		Positions  []Vec3 `json:"positions"`
	}
	if err := readJSON(r, &body); err != nil || body.GameID == "" {
		writeError(w, http.StatusBadRequest, "gameId required")
		return
	}

	enemies, err := s.matches.ConfigureEnemies(body.GameID, body.NumEnemies, body.Positions)
	if err != nil {
		writeMatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enemies": enemies})
}

func (s *apiServer) handleStartMatch(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		GameID string `json:"gameId"`
	}
	if err := readJSON(r, &body); err != nil || body.GameID == "" {
		writeError(w, http.StatusBadRequest, "gameId required")
		return
	}
	if err := s.matches.Start(body.GameID); err != nil {
		writeMatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "game started"})
}

func (s *apiServer) handleAttackEnemy(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		GameID  string `json:"gameId"`
		EnemyID string `json:"enemyId"`
		Damage  int    `json:"damage"`
	}
	if err := readJSON(r, &body); err != nil || body.GameID == "" || body.EnemyID == "" {
		writeError(w, http.StatusBadRequest, "gameId and enemyId required")
		return
	}
	if body.Damage <= 0 {
		writeError(w, http.StatusBadRequest, "damage must be positive")
		return
	}

	enemy, err := s.matches.AttackEnemy(body.GameID, body.EnemyID, body.Damage)
	if err != nil {
		writeMatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enemyId": enemy.ID, "enemyHealth": enemy.Health, "damage": body.Damage})
}

func (s *apiServer) handleFinishMatch(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		GameID   string `json:"gameId"`
		WinnerID string `json:"winnerId"`
	}
	if err := readJSON(r, &body); err != nil || body.GameID == "" {
		writeError(w, http.StatusBadRequest, "gameId required")
		return
	}

	match, credited, err := s.matches.Finish(r.Context(), body.GameID, body.WinnerID)
	if err != nil {
		writeMatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "game finished", "winnerId": match.WinnerID, "creditedCoins": credited})
}

func (s *apiServer) handleAddToPot(w http.ResponseWriter, r *http.Request, identity auth.Identity) {
	var body struct {
		GameID string `json:"gameId"`
		Amount int64  `json:"amount"`
	}
	if err := readJSON(r, &body); err != nil || body.GameID == "" {
		writeError(w, http.StatusBadRequest, "gameId required")
		return
	}

	newPot, err := s.matches.AddToPot(body.GameID, body.Amount)
	if err != nil {
		writeMatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "pot updated", "pot": newPot})
}

func writeCoinError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrInsufficientFunds):
		writeError(w, http.StatusBadRequest, "insufficient coin balance")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	default:
		writeError(w, http.StatusInternalServerError, "coin update failed")
	}
}

func writeMatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errMatchNotFound), errors.Is(err, errEnemyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func setTokenCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
