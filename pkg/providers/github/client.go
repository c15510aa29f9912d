package github

import (
	"context"
	"encoding/json"
	"net/http"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
)

// Client is the official GitHub SDK client.
type Client = gh.Client

// InstallationDetails is the subset of GET /app/installations/{id} stored locally.
type InstallationDetails struct {
	AccountType     string
	AccountLogin    string
	AccountID       int64
	TargetType      string
	PermissionsJSON string
	EventsJSON      string
}

// GetInstallation fetches installation metadata as the app.
func (m *Minter) GetInstallation(ctx context.Context, installationID int64) (InstallationDetails, error) {
	if _, err := m.ready(); err != nil {
		return InstallationDetails{}, err
	}
	inst, resp, err := m.app.Apps.GetInstallation(ctx, installationID)
	if err != nil {
		return InstallationDetails{}, externalError("github installation lookup", resp, err)
	}

	details := InstallationDetails{
		AccountType:  inst.GetAccount().GetType(),
		AccountLogin: inst.GetAccount().GetLogin(),
		AccountID:    inst.GetAccount().GetID(),
		TargetType:   inst.GetRepositorySelection(),
	}
	if permissions, err := json.Marshal(inst.GetPermissions()); err == nil {
		details.PermissionsJSON = string(permissions)
	}
	events := inst.Events
	if events == nil {
		events = []string{}
	}
	if encoded, err := json.Marshal(events); err == nil {
		details.EventsJSON = string(encoded)
	}
	return details, nil
}

// InstallationClient returns a client acting as the installation. Tokens are
// minted lazily and shared with the minter cache.
func (m *Minter) InstallationClient(installationID int64) (*Client, error) {
	source := &installationTokenSource{minter: m, installationID: installationID}
	return newClient(&http.Client{
		Timeout: m.cfg.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, source),
			Base:   m.base,
		},
	}, m.cfg.BaseURL)
}

// ListRepositories lists up to 100 repositories the installation can access.
// A 401 drops the cached installation token.
func (m *Minter) ListRepositories(ctx context.Context, installationID int64) ([]*gh.Repository, error) {
	client, err := m.InstallationClient(installationID)
	if err != nil {
		return nil, err
	}
	list, resp, err := client.Apps.ListRepos(ctx, &gh.ListOptions{PerPage: 100})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			// revoked or rotated early; mint a fresh token next time
			m.Invalidate(installationID)
		}
		return nil, externalError("github repository listing", resp, err)
	}
	return list.Repositories, nil
}

// FindRepository returns the repository with githubRepoID, or nil when the
// installation cannot see it.
func (m *Minter) FindRepository(ctx context.Context, installationID, githubRepoID int64) (*gh.Repository, error) {
	repos, err := m.ListRepositories(ctx, installationID)
	if err != nil {
		return nil, err
	}
	for _, repo := range repos {
		if repo.GetID() == githubRepoID {
			return repo, nil
		}
	}
	return nil, nil
}

type installationTokenSource struct {
	minter         *Minter
	installationID int64
}

// Token satisfies oauth2.TokenSource. The expiry handed to oauth2 includes
// the refresh margin so both caches roll over together.
func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.minter.cfg.Timeout)
	defer cancel()
	token, expiresAt, err := s.minter.installationToken(ctx, s.installationID)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
		Expiry:      expiresAt.Add(-refreshMargin),
	}, nil
}

var _ oauth2.TokenSource = (*installationTokenSource)(nil)
