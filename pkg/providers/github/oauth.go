package github

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"hookgate/internal"

	gh "github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
)

const defaultWebBaseURL = "https://github.com"

// OAuthConfig configures the user login flow of the app.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	WebBaseURL   string
	APIBaseURL   string
	Timeout      time.Duration
}

// Profile is the GitHub identity of a logged-in user.
type Profile struct {
	ID        int64
	Login     string
	Name      string
	Email     string
	AvatarURL string
}

// OAuthClient performs the authorization code exchange and profile lookup.
type OAuthClient struct {
	config     oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	endpoint := githuboauth.Endpoint
	webBase := strings.TrimRight(strings.TrimSpace(cfg.WebBaseURL), "/")
	if webBase != "" && webBase != defaultWebBaseURL {
		endpoint = oauth2.Endpoint{
			AuthURL:   webBase + "/login/oauth/authorize",
			TokenURL:  webBase + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}
	return &OAuthClient{
		config: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		apiBaseURL: cfg.APIBaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Configured reports whether client credentials are present.
func (c *OAuthClient) Configured() bool {
	return c.config.ClientID != "" && c.config.ClientSecret != ""
}

// AuthCodeURL returns the GitHub authorize URL for state.
func (c *OAuthClient) AuthCodeURL(state string) string {
	return c.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a user access token.
func (c *OAuthClient) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	if !c.Configured() {
		return nil, &internal.ConfigurationError{Setting: "github.client_id", Reason: "oauth client credentials are required"}
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	token, err := c.config.Exchange(ctx, code)
	if err != nil {
		status := 0
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
			// GitHub reports bad codes with 200 and an error body
			if status < 400 {
				status = http.StatusBadRequest
			}
		}
		return nil, &internal.ExternalServiceError{Service: "github oauth exchange", Status: status, Err: err}
	}
	return token, nil
}

// FetchProfile loads the authenticated user's profile.
func (c *OAuthClient) FetchProfile(ctx context.Context, token *oauth2.Token) (Profile, error) {
	httpClient := &http.Client{
		Timeout: c.httpClient.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(token),
		},
	}
	client, err := newClient(httpClient, c.apiBaseURL)
	if err != nil {
		return Profile{}, err
	}
	user, resp, err := client.Users.Get(ctx, "")
	if err != nil {
		return Profile{}, externalError("github user lookup", resp, err)
	}
	return profileFromUser(user), nil
}

func profileFromUser(user *gh.User) Profile {
	return Profile{
		ID:        user.GetID(),
		Login:     user.GetLogin(),
		Name:      user.GetName(),
		Email:     user.GetEmail(),
		AvatarURL: user.GetAvatarURL(),
	}
}
