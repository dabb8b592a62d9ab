package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MGallo-Code/tollgate/internal/audit"
	"github.com/MGallo-Code/tollgate/internal/auth"
	"github.com/MGallo-Code/tollgate/internal/captcha"
	"github.com/MGallo-Code/tollgate/internal/config"
	"github.com/MGallo-Code/tollgate/internal/metrics"
	"github.com/MGallo-Code/tollgate/internal/oauth"
	"github.com/MGallo-Code/tollgate/internal/quota"
	"github.com/MGallo-Code/tollgate/internal/store"
	"github.com/MGallo-Code/tollgate/internal/throttle"
	"github.com/MGallo-Code/tollgate/internal/tools"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// app is everything buildRouter needs. Built by run() from real stores,
// and by the smoke tests from testutil mocks.
type app struct {
	verifier *auth.Verifier
	accounts *auth.Handler
	quota    *quota.Controller
	audit    quota.Recorder // nil disables auditing
	tools    *tools.Handler
	throttle *throttle.Throttle
	metrics  *metrics.Metrics
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup (ps.Close, rdb.Close) always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Shared Redis client; identity cache, quota counters and login lockouts share one pool.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL, cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()

	rs := store.NewRedisStore(rdb)
	m := metrics.New()
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.SessionTTL)

	var cv auth.CaptchaVerifier
	if cfg.TurnstileSecret != "" {
		cv = captcha.NewTurnstileVerifier(cfg.TurnstileSecret)
	}

	providers := map[string]oauth.Provider{}
	if cfg.GoogleClientID != "" {
		google, err := oauth.NewGoogleProvider(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
		if err != nil {
			return fmt.Errorf("failed to set up google sign-in: %w", err)
		}
		providers[google.Name()] = google
	}

	// Background workers outlive ctx so the audit queue can drain after the server stops.
	// Deferred after ps/rdb closes, so it runs before them.
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	var workers errgroup.Group
	defer func() {
		cancelWorkers()
		workers.Wait()
	}()

	queue := audit.NewQueue(ps, cfg.AuditQueueSize, m)
	workers.Go(func() error {
		queue.StartWorker(workerCtx)
		return nil
	})
	workers.Go(func() error {
		logAuditErrors(workerCtx, queue.Errors())
		return nil
	})

	th := throttle.New(cfg.ThrottleRPS, cfg.ThrottleBurst)
	th.Metrics = m
	workers.Go(func() error {
		th.StartJanitor(workerCtx)
		return nil
	})

	a := &app{
		verifier: &auth.Verifier{
			Tokens:   tokens,
			Accounts: ps,
			Cache:    rs,
			CacheTTL: cfg.APIKeyCacheTTL,
			Metrics:  m,
		},
		accounts: &auth.Handler{
			PS:           ps,
			RS:           rs,
			RL:           store.NewRedisRateLimiter(rdb),
			Tokens:       tokens,
			Captcha:      cv,
			DefaultQuota: cfg.DefaultHourlyQuota,

			OAuthProviders: providers,
			States:         rs,
			LoginPolicy: store.RateLimit{
				MaxAttempts: cfg.RateLoginEmailMax,
				Window:      cfg.RateLoginEmailWindow,
				LockoutTTL:  cfg.RateLoginEmailLockout,
			},
		},
		quota: &quota.Controller{
			Counter:      store.NewRedisCounter(rdb),
			DefaultLimit: cfg.DefaultHourlyQuota,
			RetryAfter:   cfg.QuotaRetryAfter,
			Metrics:      m,
		},
		audit:    queue,
		tools:    &tools.Handler{},
		throttle: th,
		metrics:  m,
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine; run() continues past this.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("tollgate listening", "addr", ln.Addr().String())
		// Send error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	// Wait for server error or shutdown signal from ctx.
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// Stops accepting new conns, waits for in-flight requests (and their audit submits).
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	slog.Info("server stopped", "audit_pending", queue.Len())
	return nil
}

// logAuditErrors logs sink failures published by the audit worker.
func logAuditErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			slog.Error("audit entry write failed", "err", err)
		}
	}
}

// buildRouter wires all routes and middleware.
// Called from run() and the smoke tests.
func buildRouter(a *app) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", a.accounts.CheckHealth)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	// Unauthenticated, per-IP throttled
	r.Group(func(r chi.Router) {
		r.Use(a.throttle.Middleware)
		r.Post("/register", a.accounts.Register)
		r.Post("/login", a.accounts.Login)
		r.Get("/oauth/{provider}", a.accounts.OAuthRedirect)
		r.Get("/oauth/{provider}/callback", a.accounts.OAuthCallback)
	})

	r.With(a.verifier.OptionalAuth).Get("/tools", a.tools.List)

	// Authentication required routes
	r.Group(func(r chi.Router) {
		r.Use(a.verifier.RequireAuth)

		// Quota-metered: DO NOT mount Enforce outside RequireAuth, it reads the identity.
		enforce := a.quota.Enforce(a.audit)
		r.With(enforce).Post("/tools/{name}/execute", a.tools.Execute)
		r.With(enforce).Get("/account", a.accounts.Account)
		r.With(enforce).Get("/account/audit", a.accounts.ListAudit)

		// Account management; not metered, a caller over quota can still inspect or raise it.
		r.Get("/account/quota", a.quota.ServeUsage)
		r.Put("/account/quota", a.accounts.UpdateQuota)
		r.Post("/account/api-key", a.accounts.RotateAPIKey)
		r.Post("/account/deactivate", a.accounts.Deactivate)
	})

	return r
}
