package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/yousif447/Queue-Management-System-sub002/internal/broadcast"
	"github.com/yousif447/Queue-Management-System-sub002/internal/config"
	"github.com/yousif447/Queue-Management-System-sub002/internal/httpapi"
	"github.com/yousif447/Queue-Management-System-sub002/internal/hub"
	"github.com/yousif447/Queue-Management-System-sub002/internal/store/postgres"
	"github.com/yousif447/Queue-Management-System-sub002/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("waitline")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	store := postgres.NewStore(pool)
	rooms := hub.New()
	handler := httpapi.NewHandler(store)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:      cfg.RateLimitPerMinute,
		IPBurst:          cfg.RateLimitBurst,
		SessionPerMinute: cfg.SessionRateLimitPerMinute,
		SessionBurst:     cfg.SessionRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, realtimeHandler(store, rooms)))
	mux.Handle("/", httpapi.AuthMiddleware(store, handler.Routes()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "waitline"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := broadcast.New(store, rooms, broadcast.Options{
		PollInterval: cfg.BroadcastPollInterval,
		BatchSize:    cfg.BroadcastBatchSize,
	})
	go broadcaster.Run(ctx)

	go func() {
		if !cfg.NoShowEnabled || cfg.NoShowGrace <= 0 || cfg.NoShowInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.NoShowInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCtx, sweepCancel := context.WithTimeout(ctx, 10*time.Second)
				count, err := store.AutoNoShow(sweepCtx, cfg.NoShowGrace, cfg.NoShowBatchSize)
				sweepCancel()
				if err != nil {
					log.Printf("auto no-show error: %v", err)
					continue
				}
				if count > 0 {
					log.Printf("auto no-show processed %d tickets", count)
				}
			}
		}
	}()

	go func() {
		log.Printf("waitline listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// realtimeHandler authenticates a sockjs connection, then serves room
// join/leave commands for the connection's lifetime. A client may watch
// any queue but only its own user room.
func realtimeHandler(store *postgres.Store, rooms *hub.Hub) func(sockjs.Session) {
	return func(session sockjs.Session) {
		sessionID := sessionIDFromRequest(session.Request())
		if sessionID == "" {
			_ = session.Close(4001, "missing session")
			return
		}
		authSession, err := store.GetSession(context.Background(), sessionID)
		if err != nil {
			_ = session.Close(4002, "invalid session")
			return
		}

		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		rooms.Register(client)
		defer rooms.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseClientMessage([]byte(msg))
			if !ok {
				continue
			}
			switch parsed.Action {
			case hub.ActionJoinQueue:
				if parsed.QueueID != "" {
					rooms.Join(client, hub.QueueRoom(parsed.QueueID))
				}
			case hub.ActionLeaveQueue:
				if parsed.QueueID != "" {
					rooms.Leave(client, hub.QueueRoom(parsed.QueueID))
				}
			case hub.ActionJoinUserRoom:
				if parsed.UserID != authSession.UserID {
					_ = session.Close(4003, "access denied")
					return
				}
				rooms.Join(client, hub.UserRoom(parsed.UserID))
			}
		}
	}
}

func sessionIDFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
