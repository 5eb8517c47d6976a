package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/handlers"
	"github.com/mossy-p/consult-signaling/internal/middleware"
	"github.com/mossy-p/consult-signaling/internal/models"
	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/relay"
	"github.com/mossy-p/consult-signaling/internal/session"
)

func main() {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "signaling",
		Short:        "Doctor/patient call signaling server",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, json, toml or .env)")

	rootCmd.AddCommand(serveCmd(&configFile))
	rootCmd.AddCommand(tokenCmd(&configFile))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the signaling server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			setupLogging(cfg)
			return runServer(cfg)
		},
	}
}

func tokenCmd(configFile *string) *cobra.Command {
	var (
		userID string
		role   string
		name   string
		avatar string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signaling token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			if cfg.IsProduction() {
				return errors.New("refusing to mint tokens in production")
			}

			token, err := middleware.IssueToken(cfg.JWTSecret, models.Identity{
				UserID:      userID,
				Role:        models.Role(role),
				DisplayName: name,
				AvatarURL:   avatar,
			}, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", string(models.RolePatient), "doctor or patient")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&avatar, "avatar", "", "avatar URL")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}

func runServer(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := call.Options{RingTimeout: cfg.Signaling.RingTimeout}
	var (
		ledger  *redis.Client
		history handlers.CallHistory
	)

	// Redis is an optional ledger; the in-memory store stays authoritative.
	if cfg.Redis.Enabled {
		connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
		rdb, err := redis.Connect(connectCtx, cfg.Redis)
		connectCancel()
		if err != nil {
			return err
		}
		defer rdb.Close()
		ledger = rdb

		if err := rdb.ResetPresence(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to reset presence mirror")
		}
		opts.Recorder = rdb
		history = rdb
		log.Info().Str("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Msg("Redis connection established")
	}

	registry := presence.NewRegistry()
	store := session.NewStore(cfg.Signaling.EvictionGrace)
	calls := call.NewService(store, registry, opts)
	defer calls.Close()

	if ledger != nil {
		registry.OnChange(ledger.PresenceListener())
	}

	gw := handlers.NewGateway(handlers.GatewayConfig{
		JWTSecret:       cfg.JWTSecret,
		AllowedOrigins:  cfg.AllowedOrigins,
		OutboundQueue:   cfg.Signaling.OutboundQueue,
		MaxMessageBytes: cfg.Signaling.MaxMessageBytes,
		PingPeriod:      cfg.Signaling.PingPeriod,
		PongWait:        cfg.Signaling.PongWait,
	}, registry, calls, relay.New(calls, registry))
	api := handlers.NewAPI(calls, registry, history)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(cfg, gw, api, log.With().Str("module", "http").Logger())

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", addr).
			Str("environment", cfg.Environment).
			Dur("ring_timeout", cfg.Signaling.RingTimeout).
			Bool("redis", cfg.Redis.Enabled).
			Msg("signaling server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Hijacked websockets are not tracked by the http server. Their cleanup
	// ends live calls, which must be recorded before Redis is closed.
	registry.CloseAll()
	if err := gw.Wait(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("timed out waiting for signaling connections")
	}
	log.Info().Msg("Server exited gracefully")
	return nil
}
