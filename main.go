package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"arenafall/server/activity"
	"arenafall/server/auth"
	"arenafall/server/store"
)

// accountSource adapts the Redis account store to the identity lookups the
// token verifier performs.
type accountSource struct {
	store *store.Store
}

func (a accountSource) LookupIdentity(ctx context.Context, accountID string) (auth.Identity, error) {
	account, err := a.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return auth.Identity{}, auth.ErrAccountNotFound
		}
		return auth.Identity{}, err
	}
	return auth.Identity{
		AccountID:   account.ID,
		DisplayName: account.Name,
		Admin:       account.Admin,
	}, nil
}

func main() {
	cfg := loadConfig()
	addr := flag.String("addr", cfg.Addr, "listen address")
	flag.Parse()

	log := newLogger(cfg.LogPath)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Dial(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		log.Fatalw("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
	}
	defer st.Close()

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), accountSource{store: st}, 0)

	hub := newHub(nil, st, log)
	feed := activity.NewRouter(nil, log, activity.DefaultConfig(), []activity.NamedSink{
		{Name: "admin", Sink: &adminChannelSink{hub: hub}},
		{Name: "log", Sink: activity.NewLogSink(log)},
	})
	hub.feed = feed

	matches := newMatchController(st, feed, hub.BroadcastAll, log)

	session := newSessionServer(hub, verifier, st, log)
	api := newAPIServer(st, verifier, matches, hub, feed, log, cfg.DailyReward)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", session.handleWS)
	mux.HandleFunc("GET /ws/admin", session.handleAdminWS)
	api.routes(mux)

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warnw("http shutdown", "error", err)
		}
		if err := feed.Close(shutdownCtx); err != nil {
			log.Warnw("activity feed shutdown", "error", err)
		}
	}()

	log.Infow("listening", "addr", *addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalw("server error", "error", err)
	}
}
