package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/clinicore/platform/internal/audit"
	"github.com/clinicore/platform/internal/credential"
	"github.com/clinicore/platform/internal/document"
	"github.com/clinicore/platform/internal/keystore"
	"github.com/clinicore/platform/internal/shared/auth"
	"github.com/clinicore/platform/internal/shared/blob"
	"github.com/clinicore/platform/internal/shared/clock"
	"github.com/clinicore/platform/internal/shared/database"
	"github.com/clinicore/platform/internal/shared/events"
	"github.com/clinicore/platform/internal/shared/metrics"
	secmiddleware "github.com/clinicore/platform/internal/shared/middleware"
	"github.com/clinicore/platform/internal/signing"
	"github.com/clinicore/platform/internal/tsa"
)

// App holds all application dependencies
type App struct {
	DB        *database.DB
	Bus       events.EventBus
	Documents document.Lookup
	Ledger    audit.Repository
	Creds     credential.Repository
	TSA       *tsa.Server
	Authority tsa.Authority
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signing API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func serve() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &App{}
	clk := clock.System{}

	db, err := database.New(ctx, cfg.Database)
	switch {
	case err == nil:
		app.DB = db
		defer db.Close()
		if err := database.Migrate(ctx, db.Pool); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		app.Documents = document.NewRepository(db.Pool)
		app.Ledger = audit.NewPostgresRepository(db.Pool)
		app.Creds = credential.NewPostgresRepository(db.Pool)
	case cfg.IsProduction():
		return err
	default:
		appLogger.Warn("database not available, running with in-memory stores", "error", err)
		app.Documents = document.NewMemoryRepository()
		app.Ledger = audit.NewMemoryRepository()
		app.Creds = credential.NewMemoryRepository()
	}

	if cfg.KurrentDB.Enabled {
		bus, err := events.NewBus(ctx, cfg.KurrentDB, appLogger)
		if err != nil {
			if cfg.IsProduction() {
				return err
			}
			appLogger.Warn("KurrentDB not available, using in-process event bus", "error", err)
		} else {
			app.Bus = bus
		}
	}
	if app.Bus == nil {
		app.Bus = events.NewMemoryBus()
	}
	defer app.Bus.Close()

	if err := setupAuthority(app, clk); err != nil {
		return err
	}

	blobs, err := blob.NewFileStore(cfg.Keystore.Dir)
	if err != nil {
		return err
	}
	vault, err := keystore.NewVault([]byte(cfg.Keystore.MasterKey), blobs)
	if err != nil {
		return err
	}
	store := credential.NewStore(app.Creds, vault, keystore.NewVerifier(cfg.Keystore.BcryptCost), clk,
		credential.WithPublisher(app.Bus),
		credential.WithLogger(appLogger),
		credential.WithMaxBundleBytes(cfg.Keystore.MaxBundleBytes),
	)

	ledger := audit.NewLedger(app.Ledger, store, appLogger)
	subscriber := audit.NewSubscriber(app.Bus, appLogger, 0)
	if err := subscriber.Start(ctx); err != nil {
		appLogger.Warn("audit subscriber failed to start", "error", err)
	}

	opts := []signing.Option{
		signing.WithPolicy(cfg.Policy),
		signing.WithPublisher(app.Bus),
		signing.WithLogger(appLogger),
	}
	if app.Authority != nil {
		opts = append(opts, signing.WithAuthority(app.Authority))
	}
	engine := signing.NewEngine(store, clk, cfg.Signing.UnlockTimeout)
	service := signing.NewService(app.Documents, store, engine, ledger, clk, opts...)
	verifier := signing.NewVerifier(app.Documents, ledger, store, cfg.Policy, clk, appLogger)

	signLimiter := secmiddleware.NewIPRateLimiter(cfg.Signing.RateLimitRPS, cfg.Signing.RateLimitBurst)
	signingHandler := signing.NewHandler(service, verifier, signLimiter.Middleware)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(appLogger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler)

	r.Group(func(r chi.Router) {
		r.Use(secmiddleware.PublicCORS)
		r.Mount("/verify", signingHandler.PublicRoutes())
		if app.TSA != nil {
			r.With(secmiddleware.MaxBody(64 << 10)).Handle("/tsa", app.TSA)
		}
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(secmiddleware.MaxBody(32 << 20))
		if cfg.Auth.Enabled {
			r.Use(auth.Middleware(cfg.Auth))
		} else {
			r.Use(auth.DevMiddleware)
		}

		r.Mount("/credentials", credential.NewHandler(store, clk).Routes())
		r.Mount("/audit", audit.NewHandler(ledger, subscriber).Routes())
		r.Mount("/", signingHandler.Routes())
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info("server listening",
			"port", cfg.Server.Port,
			"env", cfg.Server.Env,
			"trust_mode", cfg.Policy.TrustMode,
			"tsa", authorityName(app.Authority),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	appLogger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ServerShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	appLogger.Info("server stopped")
	return nil
}

func setupAuthority(app *App, clk clock.Clock) error {
	if !cfg.TSA.Enabled {
		return nil
	}

	switch cfg.TSA.Mode {
	case "remote":
		opts, err := remoteOptions()
		if err != nil {
			return err
		}
		remote, err := tsa.NewRemote(cfg.TSA.RemoteURL, cfg.TSA.RemoteTimeout, opts...)
		if err != nil {
			return err
		}
		app.Authority = remote
	default:
		var (
			server *tsa.Server
			err    error
		)
		if cfg.TSA.CertPath != "" {
			server, err = tsa.LoadServer(cfg.TSA.CertPath, cfg.TSA.KeyPath, clk, appLogger)
		} else {
			if cfg.IsProduction() {
				return fmt.Errorf("TSA_CERT_PATH is required for a local TSA in production")
			}
			server, err = tsa.NewServerWithGeneratedCert(cfg.TSA.OrgName, clk, appLogger)
		}
		if err != nil {
			return err
		}
		app.TSA = server
		app.Authority = server
	}
	return nil
}

// remoteOptions pins the remote authority to TSA_ROOTS when set.
func remoteOptions() ([]tsa.RemoteOption, error) {
	if cfg.TSA.RootsPath == "" {
		return nil, nil
	}
	roots, err := tsa.LoadRoots(cfg.TSA.RootsPath)
	if err != nil {
		return nil, err
	}
	return []tsa.RemoteOption{tsa.WithRoots(roots)}, nil
}

func authorityName(a tsa.Authority) string {
	if a == nil {
		return "disabled"
	}
	return a.Name()
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "Clinicore Signing Platform",
		"version": version,
		"docs":    "/api/v1",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if app.DB != nil {
			if err := app.DB.Health(r.Context()); err != nil {
				checks["database"] = "not ready: " + err.Error()
			} else {
				checks["database"] = "ready"
			}
		} else {
			checks["database"] = "not configured"
		}

		if err := app.Bus.Health(); err != nil {
			checks["events"] = "not ready: " + err.Error()
		} else {
			checks["events"] = "ready"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		if !allReady {
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{
			"status": map[bool]string{true: "ready", false: "not ready"}[allReady],
			"checks": checks,
		})
	}
}

