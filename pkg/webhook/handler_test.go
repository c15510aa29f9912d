package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hookgate/internal"
	"hookgate/pkg/events"
	"hookgate/pkg/installations"
	"hookgate/pkg/ledger"
	"hookgate/pkg/storage"
	"hookgate/pkg/storage/memory"
)

const testSecret = "hook-secret"

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	last   internal.Notice
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, notice internal.Notice) error {
	return p.PublishForDrivers(ctx, topic, notice, nil)
}

func (p *recordingPublisher) PublishForDrivers(ctx context.Context, topic string, notice internal.Notice, drivers []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.last = notice
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type failingDeliveries struct{}

func (failingDeliveries) InsertDelivery(context.Context, storage.Delivery) (bool, error) {
	return false, errors.New("database is locked")
}

func (failingDeliveries) MarkDeliveryProcessed(context.Context, string, string, time.Time) error {
	return errors.New("database is locked")
}

func (failingDeliveries) GetDelivery(context.Context, string) (*storage.Delivery, error) {
	return nil, errors.New("database is locked")
}

func (failingDeliveries) ListDeliveries(context.Context, storage.DeliveryFilter) ([]storage.Delivery, int64, error) {
	return nil, 0, errors.New("database is locked")
}

type harness struct {
	handler   *GitHubHandler
	store     *memory.Store
	publisher *recordingPublisher
}

func newHarness(t *testing.T, deliveries storage.DeliveryStore, rules []internal.Rule) harness {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store := memory.New()
	if deliveries == nil {
		deliveries = store
	}
	verifier, err := NewVerifier(testSecret, false, logger)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	engine, err := internal.NewRuleEngine(internal.RulesConfig{Rules: rules, Logger: logger})
	if err != nil {
		t.Fatalf("rules: %v", err)
	}
	publisher := &recordingPublisher{}
	machine := installations.NewMachine(store, logger)
	handler := NewGitHubHandler(Options{
		Verifier:  verifier,
		Ledger:    ledger.New(deliveries, logger),
		Router:    events.NewRouter(machine, store, logger),
		Store:     store,
		Rules:     engine,
		Publisher: publisher,
		Logger:    logger,
		MaxBody:   1 << 10,
	})
	return harness{handler: handler, store: store, publisher: publisher}
}

func (h harness) send(t *testing.T, event, delivery string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", bytes.NewReader(body))
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
	}
	if delivery != "" {
		req.Header.Set("X-GitHub-Delivery", delivery)
	}
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var resp response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestAcceptThenDuplicate(t *testing.T) {
	h := newHarness(t, nil, nil)
	body := []byte(`{"action":"opened"}`)

	rec := h.send(t, "push", "d-1", body, Sign(body, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Status != "accepted" || resp.DeliveryID != "d-1" || resp.EventType != "push" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected request id header")
	}

	rec = h.send(t, "push", "d-1", body, Sign(body, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	if resp := decodeResponse(t, rec); resp.Status != "duplicate" {
		t.Fatalf("expected duplicate, got %+v", resp)
	}

	_, total, err := h.store.ListDeliveries(context.Background(), storage.DeliveryFilter{})
	if err != nil || total != 1 {
		t.Fatalf("expected one stored delivery, got %d %v", total, err)
	}
	stored, _ := h.store.GetDelivery(context.Background(), "d-1")
	if stored == nil || !stored.Processed || stored.Error != "" {
		t.Fatalf("expected processed delivery, got %+v", stored)
	}
}

func TestRejectsBadSignature(t *testing.T) {
	h := newHarness(t, nil, nil)
	body := []byte(`{"action":"opened"}`)

	for _, signature := range []string{"", Sign(body, "wrong"), "sha256=zz"} {
		rec := h.send(t, "push", "d-sig", body, signature)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %q, got %d", signature, rec.Code)
		}
	}
	if stored, _ := h.store.GetDelivery(context.Background(), "d-sig"); stored != nil {
		t.Fatalf("rejected delivery must not be recorded")
	}
}

func TestRejectsOversizedBody(t *testing.T) {
	h := newHarness(t, nil, nil)
	body := []byte(`{"pad":"` + strings.Repeat("x", 2<<10) + `"}`)
	rec := h.send(t, "push", "d-big", body, Sign(body, testSecret))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRejectsMissingHeaders(t *testing.T) {
	h := newHarness(t, nil, nil)
	body := []byte(`{}`)
	if rec := h.send(t, "", "d-2", body, Sign(body, testSecret)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without event header, got %d", rec.Code)
	}
	if rec := h.send(t, "push", "", body, Sign(body, testSecret)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without delivery header, got %d", rec.Code)
	}
}

func TestRejectsMalformedJSON(t *testing.T) {
	h := newHarness(t, nil, nil)
	body := []byte(`{"action":`)
	rec := h.send(t, "push", "d-json", body, Sign(body, testSecret))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if stored, _ := h.store.GetDelivery(context.Background(), "d-json"); stored != nil {
		t.Fatalf("malformed delivery must not be recorded")
	}
}

func TestMistypedRefsAreAcceptedWithoutLinkage(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	if _, err := h.store.CreateInstallation(ctx, storage.Installation{UserID: 9, GitHubInstallationID: 555}); err != nil {
		t.Fatalf("seed installation: %v", err)
	}

	body := []byte(`{"action":"opened","installation":{"id":"555"},"repository":{"id":"abc"}}`)
	rec := h.send(t, "pull_request", "d-refs", body, Sign(body, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	stored, _ := h.store.GetDelivery(ctx, "d-refs")
	if stored == nil || stored.Action != "opened" {
		t.Fatalf("expected delivery recorded with action, got %+v", stored)
	}
	if stored.InstallationID != nil || stored.UserID != nil || stored.RepositoryID != nil {
		t.Fatalf("expected no linkage, got %+v", stored)
	}
}

func TestInstallationSuspendIsRoutedAndLinked(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	inst, err := h.store.CreateInstallation(ctx, storage.Installation{UserID: 9, GitHubInstallationID: 555})
	if err != nil {
		t.Fatalf("seed installation: %v", err)
	}

	body := []byte(`{"action":"suspend","installation":{"id":555},"sender":{"login":"admin"}}`)
	rec := h.send(t, "installation", "d-susp", body, Sign(body, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	updated, _ := h.store.GetInstallationByGitHubID(ctx, 555)
	if updated.Status != storage.StatusSuspended || updated.SuspendedBy != "admin" {
		t.Fatalf("expected suspended installation, got %+v", updated)
	}
	stored, _ := h.store.GetDelivery(ctx, "d-susp")
	if stored == nil || stored.InstallationID == nil || *stored.InstallationID != inst.ID {
		t.Fatalf("expected delivery linked to installation, got %+v", stored)
	}
	if stored.UserID == nil || *stored.UserID != 9 {
		t.Fatalf("expected delivery linked to user 9, got %+v", stored.UserID)
	}
}

func TestStorageFailureIsRetryable(t *testing.T) {
	h := newHarness(t, failingDeliveries{}, nil)
	body := []byte(`{"action":"opened"}`)
	rec := h.send(t, "push", "d-503", body, Sign(body, testSecret))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestAcceptedDeliveryIsPublished(t *testing.T) {
	h := newHarness(t, nil, []internal.Rule{
		{When: `event == "push"`, Emit: internal.EmitList{"repo.push"}},
		{When: `event == "issues"`, Emit: internal.EmitList{"repo.issue"}},
	})
	body := []byte(`{"ref":"refs/heads/main"}`)

	rec := h.send(t, "push", "d-pub", body, Sign(body, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(h.publisher.topics) != 1 || h.publisher.topics[0] != "repo.push" {
		t.Fatalf("unexpected topics: %v", h.publisher.topics)
	}
	if h.publisher.last.DeliveryID != "d-pub" || h.publisher.last.Routed {
		t.Fatalf("unexpected notice: %+v", h.publisher.last)
	}

	h.send(t, "push", "d-pub", body, Sign(body, testSecret))
	if len(h.publisher.topics) != 1 {
		t.Fatalf("duplicate must not be published again: %v", h.publisher.topics)
	}
}
