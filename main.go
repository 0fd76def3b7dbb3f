package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pliu/livechat/internal/assistant"
	"github.com/pliu/livechat/internal/auth"
	"github.com/pliu/livechat/internal/config"
	"github.com/pliu/livechat/internal/handlers"
	"github.com/pliu/livechat/internal/logging"
	"github.com/pliu/livechat/internal/middleware"
	"github.com/pliu/livechat/internal/store/backends"
	"github.com/pliu/livechat/internal/ws"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "livechat",
		Short:        "Token issuer, chat backend and room relay for livechat",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			if err := logging.Setup(cfg.LogLevel, os.Stderr); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "http service address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	return cmd
}

func newRouter(cfg config.Config, issuer *auth.Issuer, hub *ws.Hub, memory *assistant.Memory) *mux.Router {
	tokenHandler := &handlers.TokenHandler{Issuer: issuer}
	chatHandler := &handlers.ChatHandler{Memory: memory, Replier: assistant.Echo{}}
	roomHandler := &handlers.RoomHandler{Hub: hub}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.CORS)

	// Token endpoint, also under the path browser clients use
	limit := middleware.RateLimit(cfg.TokenRPS, cfg.TokenBurst)
	r.Handle("/token", limit(http.HandlerFunc(tokenHandler.Issue)))
	r.Handle("/api/token", limit(http.HandlerFunc(tokenHandler.Issue)))

	// AI backend
	r.HandleFunc("/chat", chatHandler.Chat).Methods("POST", "OPTIONS")
	r.HandleFunc("/memory/{username}", chatHandler.GetMemory).Methods("GET")
	r.HandleFunc("/memory", chatHandler.UpsertMemory).Methods("POST", "OPTIONS")
	r.HandleFunc("/handoff", chatHandler.Handoff).Methods("POST", "OPTIONS")
	r.HandleFunc("/health", handlers.Health).Methods("GET")

	// Rooms
	r.Handle("/rooms/{room}/participants",
		middleware.RoomAuth(issuer)(http.HandlerFunc(roomHandler.GetParticipants))).Methods("GET")

	// WebSocket Endpoint
	r.HandleFunc("/rtc", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, issuer, w, r)
	})

	return r
}

func serve(ctx context.Context, cfg config.Config) error {
	kv, err := backends.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	defer kv.Close()

	issuer := auth.NewIssuer(cfg.LiveKit.APIKey, cfg.LiveKit.APISecret, cfg.LiveKit.Host)
	if cfg.LiveKit.APIKey == "" || cfg.LiveKit.APISecret == "" {
		log.Warn().Msg("LIVEKIT_API_KEY / LIVEKIT_API_SECRET not set, token requests will fail")
	}
	hub := ws.NewHub()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(cfg, issuer, hub, assistant.NewMemory(kv)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Str("storage", cfg.Storage.Driver).Msg("starting livechat server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	return eg.Wait()
}
