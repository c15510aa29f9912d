// Package sessions issues and validates first-party login sessions. Raw
// tokens are handed to the client once; only a keyed BLAKE3 digest is stored.
package sessions

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"hookgate/internal"
	"hookgate/pkg/storage"

	"github.com/zeebo/blake3"
)

const (
	tokenBytes    = 32
	digestContext = "hookgate 2024-01 session token digest"
)

// ErrInvalidSession is returned for every rejected token, whatever the cause.
var ErrInvalidSession = errors.New("invalid session")

// Config holds session settings.
type Config struct {
	SecretKey    string
	Lifetime     time.Duration
	CookieName   string
	CookieSecure bool
}

// ClientMetadata is recorded with a session for auditing.
type ClientMetadata struct {
	UserAgent string
	IPAddress string
}

type Manager struct {
	store  storage.SessionStore
	key    [32]byte
	cfg    Config
	logger *log.Logger
	now    func() time.Time
	random io.Reader
}

func NewManager(store storage.SessionStore, cfg Config, logger *log.Logger) (*Manager, error) {
	if cfg.SecretKey == "" {
		return nil, &internal.ConfigurationError{Setting: "session.secret_key", Reason: "is required"}
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 24 * time.Hour
	}
	if cfg.CookieName == "" {
		cfg.CookieName = "session_token"
	}
	if logger == nil {
		logger = internal.NewLogger("sessions")
	}
	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		random: rand.Reader,
	}
	blake3.DeriveKey(digestContext, []byte(cfg.SecretKey), m.key[:])
	return m, nil
}

// Lifetime reports how long new sessions stay valid.
func (m *Manager) Lifetime() time.Duration {
	return m.cfg.Lifetime
}

// Digest returns the keyed digest stored in place of a secret token.
func (m *Manager) Digest(secret string) string {
	hasher, err := blake3.NewKeyed(m.key[:])
	if err != nil {
		// the key is always 32 bytes
		panic(err)
	}
	_, _ = hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Create starts a session for userID and returns it with the raw token. The
// raw token is not recoverable afterwards.
func (m *Manager) Create(ctx context.Context, userID int64, client ClientMetadata) (storage.Session, string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.random, buf); err != nil {
		return storage.Session{}, "", fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)

	session, err := m.store.CreateSession(ctx, storage.Session{
		UserID:    userID,
		TokenHash: m.Digest(token),
		ExpiresAt: m.now().Add(m.cfg.Lifetime),
		UserAgent: client.UserAgent,
		IPAddress: client.IPAddress,
		IsActive:  true,
	})
	if err != nil {
		return storage.Session{}, "", fmt.Errorf("store session: %w", err)
	}
	m.logger.Printf("session created user=%d expires=%s", userID, session.ExpiresAt.Format(time.RFC3339))
	return *session, token, nil
}

// Validate returns the user owning token if its session is active and not
// yet expired. Storage failures are returned as-is.
func (m *Manager) Validate(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, ErrInvalidSession
	}
	session, err := m.store.GetSessionByDigest(ctx, m.Digest(token))
	if err != nil {
		return 0, fmt.Errorf("load session: %w", err)
	}
	if session == nil || !session.IsActive || !m.now().Before(session.ExpiresAt) {
		return 0, ErrInvalidSession
	}
	return session.UserID, nil
}

// Invalidate deactivates the session for token. Unknown tokens are ignored.
func (m *Manager) Invalidate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if _, err := m.store.DeactivateSession(ctx, m.Digest(token)); err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	return nil
}

// InvalidateAll deactivates every active session of userID and returns how many there were.
func (m *Manager) InvalidateAll(ctx context.Context, userID int64) (int64, error) {
	count, err := m.store.DeactivateUserSessions(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("deactivate user sessions: %w", err)
	}
	m.logger.Printf("sessions revoked user=%d count=%d", userID, count)
	return count, nil
}
