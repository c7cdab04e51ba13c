// Package main is the entry point for the GoCall application
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/btafoya/gocall/internal/api"
	"github.com/btafoya/gocall/internal/certs"
	"github.com/btafoya/gocall/internal/config"
	"github.com/btafoya/gocall/internal/credentials"
	"github.com/btafoya/gocall/internal/db"
	"github.com/btafoya/gocall/internal/logging"
	"github.com/btafoya/gocall/internal/notifications"
	"github.com/btafoya/gocall/internal/phone"
	"github.com/btafoya/gocall/internal/reservations"
	"github.com/btafoya/gocall/internal/twilio"
	"github.com/btafoya/gocall/pkg/signaling"
	"github.com/btafoya/gocall/pkg/sip"
)

func main() {
	genKey := flag.Bool("gen-api-key", false, "print a new API key and its bcrypt hash, then exit")
	flag.Parse()

	if *genKey {
		if err := printAPIKey(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser := logging.Setup(cfg)
	defer logCloser.Close()

	slog.Info("Starting GoCall", "version", config.APIVersion, "backend", cfg.BackendURL())

	// Ensure data directories exist
	if err := cfg.EnsureDirectories(); err != nil {
		slog.Error("Failed to create data directories", "error", err)
		os.Exit(1)
	}

	// Initialize database
	database, err := db.New(cfg.DBPath())
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate(); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	identity := resolveIdentity(ctx, cfg, database.Settings)
	slog.Info("Using identity", "identity", identity)

	// Initialize Twilio client
	twilioClient := twilio.NewClient(cfg)
	twilioClient.Start(ctx)
	defer twilioClient.Stop()

	creds, localIssuer := credentialSource(cfg, twilioClient)

	// Call history, with alerts for missed and failed calls
	var journal phone.Journal = database.CallLogs
	var notifier *notifications.Notifier
	if cfg.NotificationsConfigured() {
		notifier = notifications.NewNotifier(cfg, logger)
		journal = notifications.NewJournal(database.CallLogs, notifier)
		slog.Info("Call alerts enabled", "webhook", cfg.NotifyWebhookURL != "", "gotify", cfg.GotifyURL != "")
	}

	// Phone
	ports := sip.NewPortPool(cfg.RTPPortMin, cfg.RTPPortMax)
	ctrl := phone.NewController(phone.Options{
		Credentials: creds,
		Devices:     sip.Factory(sip.ConfigFrom(cfg), ports, logger),
		Audio:       &sip.AudioCheck{Device: cfg.AudioDevice, Ports: ports},
		Journal:     journal,
		Logger:      logger,
	})

	// Reservations
	store := reservations.NewClient(cfg.ReservationsURL(), nil)
	guard := reservations.NewGuard(store, ctrl, reservations.GuardOptions{
		Location: cfg.Location(),
		Logger:   logger,
	})
	ctrl.OnInitialize(guard.Recover)

	refresher := reservations.NewRefresher(store, ctrl, logger)
	refresher.SetIdentity(identity)
	guard.OnReservationChange(refresher.Trigger)
	go refresher.Run(ctx)

	go initializePhone(ctx, ctrl, identity)
	go pruneCallLogs(ctx, database.CallLogs)

	deps := &api.Dependencies{
		Config:       cfg,
		Phone:        ctrl,
		Guard:        guard,
		Reservations: refresher,
		Store:        store,
		Settings:     database.Settings,
		History:      database.CallLogs,
		Twilio:       twilioClient,
		DB:           database.Conn(),
	}
	if localIssuer != nil {
		deps.Tokens = localIssuer
	}

	// TLS
	certManager, err := certs.New(ctx, cfg)
	switch {
	case errors.Is(err, certs.ErrDisabled):
	case err != nil:
		slog.Error("Failed to initialize TLS", "error", err)
		os.Exit(1)
	default:
		deps.Certs = certManager
	}

	router := api.NewRouter(deps)
	servers := []*http.Server{newServer(fmt.Sprintf(":%d", cfg.HTTPPort), router)}
	if certManager != nil {
		tlsServer := newServer(fmt.Sprintf(":%d", cfg.TLSPort), router)
		tlsServer.TLSConfig = certManager.ListenerConfig()
		servers = append(servers, tlsServer)
	}

	for i, srv := range servers {
		secure := i > 0
		go func() {
			slog.Info("HTTP server started", "addr", srv.Addr, "tls", secure)
			var err error
			if secure {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server error", "addr", srv.Addr, "error", err)
				cancel()
			}
		}()
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		slog.Info("Shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		slog.Info("Shutting down after server failure")
	}

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer shutdownCancel()

	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "addr", srv.Addr, "error", err)
		}
	}

	cancel()
	guard.Stop()
	ctrl.Close()
	if notifier != nil {
		notifier.Wait()
	}

	slog.Info("GoCall shutdown complete")
}

// newServer applies the shared server timeouts. WriteTimeout stays unset so
// the phone event stream is not cut off.
func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// credentialSource picks where signaling credentials come from. A local
// issuer is also served on POST /token.
func credentialSource(cfg *config.Config, client *twilio.Client) (signaling.CredentialSource, signaling.CredentialSource) {
	if cfg.TwilioSIPConfigured() {
		issuer, err := twilio.NewSIPCredentialIssuer(client, cfg)
		if err == nil {
			slog.Info("Issuing SIP credentials locally")
			return issuer, issuer
		}
		slog.Warn("SIP credential issuer unavailable", "error", err)
	}
	if cfg.TwilioVoiceConfigured() {
		issuer, err := twilio.NewAccessTokenIssuer(cfg)
		if err == nil {
			slog.Info("Issuing access tokens locally")
			return issuer, issuer
		}
		slog.Warn("Access token issuer unavailable", "error", err)
	}
	slog.Info("Fetching credentials from gateway", "url", cfg.BackendURL())
	return credentials.NewGateway(cfg.BackendURL(), nil), nil
}

type identitySettings interface {
	Identity(ctx context.Context) (string, error)
	SetIdentity(ctx context.Context, identity string) error
}

// resolveIdentity returns the saved identity, falling back to the configured
// one and then to a generated one. The result is saved for the next start.
func resolveIdentity(ctx context.Context, cfg *config.Config, settings identitySettings) string {
	identity, err := settings.Identity(ctx)
	if err != nil {
		slog.Warn("Failed to load saved identity", "error", err)
	}
	if identity != "" {
		return identity
	}

	identity = cfg.DefaultIdentity
	if identity == "" {
		identity = config.DefaultIdentityPrefix + uuid.New().String()[:8]
	}
	if err := settings.SetIdentity(ctx, identity); err != nil {
		slog.Warn("Failed to save identity", "identity", identity, "error", err)
	}
	return identity
}

func initializePhone(ctx context.Context, ctrl *phone.Controller, identity string) {
	if err := ctrl.Initialize(ctx, identity); err != nil {
		slog.Error("Phone initialization failed", "identity", identity, "error", err)
		return
	}
	slog.Info("Phone ready", "identity", identity)
}

type callLogPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func pruneCallLogs(ctx context.Context, logs callLogPruner) {
	ticker := time.NewTicker(config.CallLogPruneInterval)
	defer ticker.Stop()

	for {
		n, err := logs.DeleteBefore(ctx, time.Now().Add(-config.CallLogRetention))
		if err != nil {
			slog.Warn("Failed to prune call history", "error", err)
		} else if n > 0 {
			slog.Info("Pruned call history", "deleted", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printAPIKey() error {
	key, err := api.GenerateAPIKey(32)
	if err != nil {
		return err
	}
	hash, err := api.HashAPIKey(key)
	if err != nil {
		return err
	}
	fmt.Printf("API key:           %s\nGOCALL_API_KEY_HASH=%s\n", key, hash)
	return nil
}
