package main

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"hookgate/internal"
	"hookgate/pkg/storage/memory"
	"hookgate/pkg/webhook"
)

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, topic string, notice internal.Notice) error {
	return nil
}

func (nopPublisher) PublishForDrivers(ctx context.Context, topic string, notice internal.Notice, drivers []string) error {
	return nil
}

func (nopPublisher) Close() error { return nil }

func testConfig() internal.Config {
	var cfg internal.Config
	cfg.Storage.Driver = "memory"
	cfg.Server.MaxBodyBytes = 1 << 20
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Server.FrontendURL = "http://localhost:3000"
	cfg.Server.MetricsEnabled = true
	cfg.Server.MetricsPath = "/metrics"
	cfg.GitHub.WebhookPath = "/webhooks/github"
	cfg.GitHub.WebhookSecret = "hook-secret"
	cfg.Session.SecretKey = "session-secret"
	cfg.Session.LifetimeHours = 24
	return cfg
}

func TestRouterWiring(t *testing.T) {
	logger := log.New(io.Discard, "", 0)
	handler, err := newRouter(testConfig(), memory.New(), nopPublisher{}, logger)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/auth/me", http.StatusUnauthorized},
		{http.MethodGet, "/installations", http.StatusUnauthorized},
		{http.MethodGet, "/events", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected %d, got %d", tc.method, tc.path, tc.want, rec.Code)
		}
	}

	body := []byte(`{"zen":"Keep it logically awesome."}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", "ping")
	req.Header.Set("X-GitHub-Delivery", "wired-1")
	req.Header.Set("X-Hub-Signature-256", webhook.Sign(body, "hook-secret"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected webhook to be accepted, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestRouterRequiresWebhookSecret(t *testing.T) {
	cfg := testConfig()
	cfg.GitHub.WebhookSecret = ""
	if _, err := newRouter(cfg, memory.New(), nopPublisher{}, log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("expected configuration error without webhook secret")
	}
}
