package sessions

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"hookgate/pkg/storage"
)

type brokenSessions struct{}

func (brokenSessions) CreateSession(context.Context, storage.Session) (*storage.Session, error) {
	return nil, errors.New("connection refused")
}

func (brokenSessions) GetSessionByDigest(context.Context, string) (*storage.Session, error) {
	return nil, errors.New("connection refused")
}

func (brokenSessions) DeactivateSession(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func (brokenSessions) DeactivateUserSessions(context.Context, int64) (int64, error) {
	return 0, errors.New("connection refused")
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	if _, ok := UserID(r.Context()); !ok {
		http.Error(w, "no user", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func TestRequireSession(t *testing.T) {
	manager, _ := newTestManager(t)
	_, token, err := manager.Create(context.Background(), 7, ClientMetadata{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	handler := manager.Require(http.HandlerFunc(echoUser))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 with token, got %d", rec.Code)
	}
}

func TestRequireSessionStoreFailure(t *testing.T) {
	manager, err := NewManager(brokenSessions{}, Config{SecretKey: "k", Lifetime: time.Hour}, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc")
	rec := httptest.NewRecorder()
	manager.Require(http.HandlerFunc(echoUser)).ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
