package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hookgate/internal"
	"hookgate/pkg/api"
	"hookgate/pkg/events"
	"hookgate/pkg/installations"
	"hookgate/pkg/ledger"
	"hookgate/pkg/oauth"
	ghprovider "hookgate/pkg/providers/github"
	"hookgate/pkg/sessions"
	"hookgate/pkg/storage"
	"hookgate/pkg/storage/memory"
	"hookgate/pkg/storage/sqlstore"
	"hookgate/pkg/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

func openStore(cfg internal.Config) (storage.Store, error) {
	if strings.EqualFold(cfg.Storage.Driver, "memory") {
		return memory.New(), nil
	}
	return sqlstore.Open(sqlstore.Config{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		AutoMigrate: cfg.Storage.AutoMigrate,
		Debug:       cfg.App.Debug,
	})
}

// newRouter wires every component over store and publisher.
func newRouter(cfg internal.Config, store storage.Store, publisher internal.Publisher, logger *log.Logger) (http.Handler, error) {
	rules, err := internal.NewRuleEngine(internal.RulesConfig{
		Rules:  cfg.Rules,
		Strict: cfg.RulesStrict,
		Logger: internal.NewLogger("rules"),
	})
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	verifier, err := webhook.NewVerifier(cfg.GitHub.WebhookSecret, cfg.GitHub.AllowUnsignedWebhooks, internal.NewLogger("webhook"))
	if err != nil {
		return nil, err
	}
	sessionManager, err := sessions.NewManager(store, sessions.Config{
		SecretKey:    cfg.Session.SecretKey,
		Lifetime:     cfg.Session.Lifetime(),
		CookieName:   cfg.Session.CookieName,
		CookieSecure: cfg.Session.CookieSecure,
	}, internal.NewLogger("sessions"))
	if err != nil {
		return nil, err
	}
	minter, err := ghprovider.NewMinter(ghprovider.AppConfig{
		AppID:          cfg.GitHub.AppID,
		PrivateKey:     cfg.GitHub.PrivateKey,
		PrivateKeyPath: cfg.GitHub.PrivateKeyPath,
		BaseURL:        cfg.GitHub.APIBaseURL,
		Timeout:        cfg.GitHub.RequestTimeout(),
	}, internal.NewLogger("github"))
	if err != nil {
		return nil, fmt.Errorf("github app client: %w", err)
	}
	if !minter.Configured() {
		logger.Printf("github app credentials missing; installation backfill and live repository lookups are disabled")
	}
	oauthClient := ghprovider.NewOAuthClient(ghprovider.OAuthConfig{
		ClientID:     cfg.GitHub.ClientID,
		ClientSecret: cfg.GitHub.ClientSecret,
		RedirectURL:  oauth.CallbackURL(cfg.Server.PublicBaseURL),
		Scopes:       cfg.GitHub.OAuthScopes,
		WebBaseURL:   cfg.GitHub.WebBaseURL,
		APIBaseURL:   cfg.GitHub.APIBaseURL,
		Timeout:      cfg.GitHub.RequestTimeout(),
	})

	machine := installations.NewMachine(store, internal.NewLogger("installations"))
	hook := webhook.NewGitHubHandler(webhook.Options{
		Verifier:  verifier,
		Ledger:    ledger.New(store, internal.NewLogger("ledger")),
		Router:    events.NewRouter(machine, store, internal.NewLogger("events")),
		Store:     store,
		Rules:     rules,
		Publisher: publisher,
		Logger:    internal.NewLogger("webhook"),
		MaxBody:   cfg.Server.MaxBodyBytes,
	})
	authHandler := &oauth.Handler{
		OAuth:         oauthClient,
		Installations: minter,
		Sessions:      sessionManager,
		Machine:       machine,
		Store:         store,
		FrontendURL:   cfg.Server.FrontendURL,
		Logger:        internal.NewLogger("oauth"),
	}
	apiLogger := internal.NewLogger("api")
	installationsHandler := &api.InstallationsHandler{
		Store:      store,
		Machine:    machine,
		AppSlug:    cfg.GitHub.AppSlug,
		WebBaseURL: cfg.GitHub.WebBaseURL,
		Logger:     apiLogger,
	}
	repositoriesHandler := &api.RepositoriesHandler{Store: store, GitHub: minter, Logger: apiLogger}
	eventsHandler := &api.EventsHandler{Store: store, Logger: apiLogger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler)

	r.Get("/health", api.Health)
	r.Method(http.MethodPost, cfg.GitHub.WebhookPath, internal.NewRateLimitHandler(hook, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 0))
	if cfg.Server.MetricsEnabled {
		r.Method(http.MethodGet, cfg.Server.MetricsPath, expvar.Handler())
	}

	r.Route("/auth", func(r chi.Router) {
		r.Get("/login", authHandler.Login)
		r.Get("/callback", authHandler.Callback)
		r.Get("/logout", authHandler.Logout)
		r.Group(func(r chi.Router) {
			r.Use(sessionManager.Require)
			r.Get("/me", authHandler.Me)
			r.Post("/sessions/revoke-all", authHandler.RevokeAll)
		})
	})
	r.Group(func(r chi.Router) {
		r.Use(sessionManager.Require)
		r.Get("/installations", installationsHandler.List)
		r.Get("/installations/connect", installationsHandler.Connect)
		r.Get("/installations/callback", installationsHandler.Callback)
		r.Get("/installations/{id}", installationsHandler.Get)
		r.Get("/repositories", repositoriesHandler.List)
		r.Get("/repositories/{repoID}", repositoriesHandler.Get)
		r.Get("/repositories/{repoID}/events", repositoriesHandler.Events)
		r.Get("/events", eventsHandler.List)
	})

	logger.Printf("github webhook enabled on %s", cfg.GitHub.WebhookPath)
	return r, nil
}

func serve(ctx context.Context, cfg internal.Config, logger *log.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	publisher, err := internal.NewPublisher(cfg.Watermill)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	defer publisher.Close()

	handler, err := newRouter(cfg, store, publisher, logger)
	if err != nil {
		return err
	}

	addr := ":" + strconv.Itoa(cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderMS) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeoutMS) * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, failed := <-errCh:
		if failed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	return nil
}
