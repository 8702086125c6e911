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

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	httpapi "github.com/yupi/settlement-hub/internal/api/http"
	"github.com/yupi/settlement-hub/internal/application/settlement"
	"github.com/yupi/settlement-hub/internal/config"
	"github.com/yupi/settlement-hub/internal/coordinator"
	"github.com/yupi/settlement-hub/internal/coordinator/auth"
	"github.com/yupi/settlement-hub/internal/coordinator/rpc"
	"github.com/yupi/settlement-hub/internal/coordinator/signer"
	"github.com/yupi/settlement-hub/internal/coordinator/transport"
	"github.com/yupi/settlement-hub/internal/domain/appsession"
	"github.com/yupi/settlement-hub/internal/infrastructure/credstore"
	"github.com/yupi/settlement-hub/internal/infrastructure/keystore"
	"github.com/yupi/settlement-hub/internal/infrastructure/postgres"
	"github.com/yupi/settlement-hub/internal/infrastructure/sse"
	"github.com/yupi/settlement-hub/internal/observability"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("settlementd stopped")
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	observability.RegisterMetrics()

	// identity and session key
	keyStore, err := keystore.New(cfg.Identity.Keys, cfg.Identity.DefaultKeyID)
	if err != nil {
		return err
	}
	keyID, identity, err := keyStore.DefaultKey(ctx)
	if err != nil {
		return err
	}

	var creds credstore.Store = credstore.NewMemoryStore()
	if cfg.CredentialsPath != "" {
		creds, err = credstore.NewFileStore(cfg.CredentialsPath, identity)
		if err != nil {
			return err
		}
	}
	sessionKey, err := creds.LoadSessionKey(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("stored credentials unreadable, generating a new session key")
		sessionKey = nil
	}
	if sessionKey == nil {
		if sessionKey, err = signer.GenerateSessionKey(); err != nil {
			return err
		}
		if err := creds.SaveSessionKey(ctx, sessionKey); err != nil {
			return err
		}
	}
	provider, err := signer.NewProvider(identity, sessionKey)
	if err != nil {
		return err
	}
	logger.Info().
		Str("key_id", keyID).
		Str("wallet", provider.Identity().Address().Hex()).
		Str("session_key", provider.Session().Address().Hex()).
		Msg("identity loaded")

	// coordinator connection
	client, err := coordinator.NewClient(coordinator.Config{
		Transport: transport.Config{
			Endpoint:             cfg.Coordinator.URL,
			Reconnect:            cfg.Reconnect.Enabled,
			MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
			InitialBackoff:       cfg.Reconnect.InitialDelay,
			MaxBackoff:           cfg.Reconnect.MaxDelay,
		},
		RPC: rpc.Config{
			DefaultTimeout: cfg.RPC.RequestTimeout,
			RateLimitRPS:   cfg.RPC.RateLimitRPS,
			RateLimitBurst: cfg.RPC.RateLimitBurst,
		},
		Auth: auth.Config{
			Application:   cfg.Coordinator.Application,
			Scope:         cfg.Coordinator.Scope,
			SessionExpiry: cfg.Auth.SessionExpiry,
			StepTimeout:   cfg.Auth.StepTimeout,
		},
		RequestTimeout:     cfg.RPC.RequestTimeout,
		KeepaliveInterval:  cfg.Coordinator.KeepaliveInterval,
		AutoReauthenticate: true,
	}, provider, nil, creds, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	// optional journal
	var journal appsession.Journal
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			return err
		}
		journal = postgres.NewAppSessionRepository(pool)
	}

	settlementSvc := settlement.NewService(settlement.Config{
		Protocol:        cfg.Session.Protocol,
		Application:     cfg.Coordinator.Application,
		ChallengePeriod: cfg.Session.ChallengePeriod,
		RequestTimeout:  cfg.RPC.RequestTimeout,
	}, client, journal, logger)
	if _, err := settlementSvc.Restore(ctx); err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Auth.StepTimeout*3)
	err = client.Connect(connectCtx)
	cancel()
	if err != nil {
		return err
	}

	sseHub := sse.NewHub(logger)
	notifications, unsubscribe := client.Subscribe(256)
	defer unsubscribe()

	apiServer := httpapi.NewServer(settlementSvc, client, sseHub, cfg.HTTPAPIToken, cfg.RPC.RequestTimeout, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sseHub.Pump(gctx, notifications)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-client.Events():
				if !ok {
					return nil
				}
				switch ev.Type {
				case transport.EventExhausted:
					return ev.Err
				case transport.EventAuthFailed:
					// A rejected token was already retried with a fresh challenge.
					return fmt.Errorf("re-authentication failed: %w", ev.Err)
				}
			}
		}
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		sseHub.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
