package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"hookgate/internal"

	"github.com/golang-jwt/jwt/v5"
	gh "github.com/google/go-github/v57/github"
)

const (
	defaultBaseURL = "https://api.github.com"

	assertionBackdate = 60 * time.Second
	assertionLifetime = 9 * time.Minute
	refreshMargin     = time.Minute
)

// AppConfig contains GitHub App authentication settings.
type AppConfig struct {
	AppID int64
	// PrivateKey is an inline PEM; PrivateKeyPath is read when it is empty.
	PrivateKey     string
	PrivateKeyPath string
	BaseURL        string
	Timeout        time.Duration
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Minter signs GitHub App assertions and exchanges them for installation
// tokens, caching each token until shortly before GitHub expires it.
type Minter struct {
	cfg    AppConfig
	logger *log.Logger
	now    func() time.Time
	base   http.RoundTripper

	keyOnce sync.Once
	key     *rsa.PrivateKey
	keyErr  error

	app *gh.Client

	mu    sync.Mutex
	cache map[int64]cachedToken
}

func NewMinter(cfg AppConfig, logger *log.Logger) (*Minter, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = internal.NewLogger("github")
	}
	m := &Minter{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		base:   http.DefaultTransport,
		cache:  map[int64]cachedToken{},
	}
	app, err := newClient(&http.Client{
		Timeout:   cfg.Timeout,
		Transport: &appTransport{minter: m},
	}, cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	m.app = app
	return m, nil
}

// Configured reports whether app credentials are present.
func (m *Minter) Configured() bool {
	return m.cfg.AppID != 0 && (m.cfg.PrivateKey != "" || m.cfg.PrivateKeyPath != "")
}

// MintAppAssertion signs a short-lived RS256 JWT identifying the app.
func (m *Minter) MintAppAssertion() (string, error) {
	key, err := m.ready()
	if err != nil {
		return "", err
	}
	now := m.now()
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(m.cfg.AppID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-assertionBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign github app assertion: %w", err)
	}
	return signed, nil
}

// InstallationToken returns a token scoped to installationID, exchanging a
// fresh app assertion when the cached one is missing or close to expiry.
func (m *Minter) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	token, _, err := m.installationToken(ctx, installationID)
	return token, err
}

func (m *Minter) installationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	if installationID == 0 {
		return "", time.Time{}, errors.New("github installation id is required")
	}
	if _, err := m.ready(); err != nil {
		return "", time.Time{}, err
	}
	if entry, ok := m.lookup(installationID); ok {
		internal.IncTokenCache("hit")
		return entry.token, entry.expiresAt, nil
	}
	internal.IncTokenCache("miss")

	issued, resp, err := m.app.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		internal.IncTokenCache("error")
		return "", time.Time{}, externalError("github token exchange", resp, err)
	}
	if issued.GetToken() == "" {
		internal.IncTokenCache("error")
		return "", time.Time{}, &internal.ExternalServiceError{Service: "github token exchange", Err: errors.New("token missing from response")}
	}

	entry := cachedToken{token: issued.GetToken(), expiresAt: issued.GetExpiresAt().Time}
	if entry.expiresAt.IsZero() {
		entry.expiresAt = m.now().Add(time.Hour)
	}
	m.mu.Lock()
	m.cache[installationID] = entry
	m.mu.Unlock()
	m.logger.Printf("installation token minted installation=%d expires=%s", installationID, entry.expiresAt.Format(time.RFC3339))
	return entry.token, entry.expiresAt, nil
}

// lookup returns a cached token that is still outside the refresh margin.
// Entries past their expiry are evicted.
func (m *Minter) lookup(installationID int64) (cachedToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[installationID]
	if !ok {
		return cachedToken{}, false
	}
	now := m.now()
	if !now.Before(entry.expiresAt) {
		delete(m.cache, installationID)
		return cachedToken{}, false
	}
	if !now.Before(entry.expiresAt.Add(-refreshMargin)) {
		return cachedToken{}, false
	}
	return entry, true
}

// Invalidate drops the cached token for installationID.
func (m *Minter) Invalidate(installationID int64) {
	m.mu.Lock()
	delete(m.cache, installationID)
	m.mu.Unlock()
}

// ready returns the signing key, or a configuration error when the app
// credentials are incomplete.
func (m *Minter) ready() (*rsa.PrivateKey, error) {
	if m.cfg.AppID == 0 {
		return nil, &internal.ConfigurationError{Setting: "github.app_id", Reason: "is required"}
	}
	return m.privateKey()
}

func (m *Minter) privateKey() (*rsa.PrivateKey, error) {
	m.keyOnce.Do(func() {
		pemBytes, err := m.loadPEM()
		if err != nil {
			m.keyErr = err
			return
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
		if err != nil {
			m.keyErr = &internal.ConfigurationError{Setting: "github.private_key", Reason: err.Error()}
			return
		}
		m.key = key
	})
	return m.key, m.keyErr
}

func (m *Minter) loadPEM() ([]byte, error) {
	if inline := strings.TrimSpace(m.cfg.PrivateKey); inline != "" {
		// env files often carry the PEM on one line with escaped newlines
		return []byte(strings.ReplaceAll(inline, `\n`, "\n")), nil
	}
	if m.cfg.PrivateKeyPath == "" {
		return nil, &internal.ConfigurationError{Setting: "github.private_key", Reason: "private_key or private_key_path is required"}
	}
	data, err := os.ReadFile(m.cfg.PrivateKeyPath)
	if err != nil {
		return nil, &internal.ConfigurationError{Setting: "github.private_key_path", Reason: err.Error()}
	}
	return data, nil
}

// appTransport authenticates requests as the app itself.
type appTransport struct {
	minter *Minter
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	assertion, err := t.minter.MintAppAssertion()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+assertion)
	return t.minter.base.RoundTrip(clone)
}

func newClient(httpClient *http.Client, baseURL string) (*gh.Client, error) {
	client := gh.NewClient(httpClient)
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" || baseURL == defaultBaseURL {
		return client, nil
	}
	parsed, err := url.Parse(baseURL + "/")
	if err != nil {
		return nil, fmt.Errorf("github api base url: %w", err)
	}
	client.BaseURL = parsed
	return client, nil
}

// externalError attributes err to service. An error that already names a
// collaborator, such as a failed token exchange under an installation
// client, keeps its own status.
func externalError(service string, resp *gh.Response, err error) error {
	var existing *internal.ExternalServiceError
	if errors.As(err, &existing) {
		return err
	}
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	return &internal.ExternalServiceError{Service: service, Status: status, Err: err}
}
