package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// DefaultTimeout bounds every call to a provider.
const DefaultTimeout = 10 * time.Second

// maxProfileBytes caps the userinfo body we are willing to decode.
const maxProfileBytes = 1 << 20

// Config describes one provider.
type Config struct {
	Name         string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoint     oauth2.Endpoint
	ProfileURL   string

	// Timeout applies to the HTTP client when HTTPClient is nil.
	Timeout    time.Duration
	HTTPClient *http.Client

	// ParseProfile maps the provider's userinfo document.
	ParseProfile func(raw map[string]any) (domain.OAuthProfile, error)
}

// Client is a Provider backed by golang.org/x/oauth2.
type Client struct {
	name       string
	cfg        *oauth2.Config
	profileURL string
	http       *http.Client
	parse      func(map[string]any) (domain.OAuthProfile, error)
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Name == "" || cfg.ClientID == "" || cfg.ProfileURL == "" || cfg.ParseProfile == nil {
		return nil, fmt.Errorf("oauth: incomplete config for provider %q", cfg.Name)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		name: cfg.Name,
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint:     cfg.Endpoint,
		},
		profileURL: cfg.ProfileURL,
		http:       httpClient,
		parse:      cfg.ParseProfile,
	}, nil
}

// Google returns the config for Google sign-in.
func Google(clientID, clientSecret, redirectURL string) Config {
	return Config{
		Name:         "google",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "email", "profile"},
		Endpoint:     endpoints.Google,
		ProfileURL:   "https://openidconnect.googleapis.com/v1/userinfo",
		ParseProfile: parseGoogleProfile,
	}
}

// GitHub returns the config for GitHub sign-in.
func GitHub(clientID, clientSecret, redirectURL string) Config {
	return Config{
		Name:         "github",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"read:user", "user:email"},
		Endpoint:     endpoints.GitHub,
		ProfileURL:   "https://api.github.com/user",
		ParseProfile: parseGitHubProfile,
	}
}

func (c *Client) Name() string { return c.name }

// AuthCodeURL builds the redirect that starts a login.
func (c *Client) AuthCodeURL(state string) string {
	return c.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (c *Client) ExchangeCode(ctx context.Context, code string) (domain.OAuthTokenData, error) {
	tok, err := c.cfg.Exchange(c.withClient(ctx), code)
	if err != nil {
		return domain.OAuthTokenData{}, c.mapErr("exchange", err)
	}
	return tokenData(tok), nil
}

// RefreshToken forces a refresh_token grant. Providers that do not rotate
// refresh tokens return an empty RefreshToken.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (domain.OAuthTokenData, error) {
	src := c.cfg.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return domain.OAuthTokenData{}, c.mapErr("refresh", err)
	}

	data := tokenData(tok)
	if data.RefreshToken == refreshToken {
		data.RefreshToken = ""
	}
	return data, nil
}

func (c *Client) FetchProfile(ctx context.Context, accessToken string) (domain.OAuthProfile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.profileURL, nil)
	if err != nil {
		return domain.OAuthProfile{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.OAuthProfile{}, fmt.Errorf("oauth %s: profile: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProfileBytes))
		return domain.OAuthProfile{}, fmt.Errorf("oauth %s: profile: unexpected status %d", c.name, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(&raw); err != nil {
		return domain.OAuthProfile{}, fmt.Errorf("oauth %s: profile: %w: %w", c.name, ErrBadResponse, err)
	}

	profile, err := c.parse(raw)
	if err != nil {
		return domain.OAuthProfile{}, fmt.Errorf("oauth %s: profile: %w", c.name, err)
	}
	profile.Raw = raw
	return profile, nil
}

func (c *Client) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func (c *Client) mapErr(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
		return fmt.Errorf("oauth %s: %s: %w", c.name, op, ErrInvalidGrant)
	}
	return fmt.Errorf("oauth %s: %s: %w", c.name, op, err)
}

func tokenData(tok *oauth2.Token) domain.OAuthTokenData {
	data := domain.OAuthTokenData{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.Type(),
		ExpiresAt:    tok.Expiry,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		data.Scope = scope
	}
	return data
}

func parseGoogleProfile(raw map[string]any) (domain.OAuthProfile, error) {
	sub, _ := raw["sub"].(string)
	if sub == "" {
		return domain.OAuthProfile{}, ErrBadResponse
	}
	email, _ := raw["email"].(string)
	verified, _ := raw["email_verified"].(bool)
	name, _ := raw["name"].(string)
	return domain.OAuthProfile{AccountID: sub, Email: email, EmailVerified: verified, Name: name}, nil
}

// GitHub never asserts email ownership in /user, so EmailVerified stays false.
func parseGitHubProfile(raw map[string]any) (domain.OAuthProfile, error) {
	id, ok := raw["id"].(float64)
	if !ok {
		return domain.OAuthProfile{}, ErrBadResponse
	}
	email, _ := raw["email"].(string)
	name, _ := raw["name"].(string)
	if name == "" {
		name, _ = raw["login"].(string)
	}
	return domain.OAuthProfile{AccountID: fmt.Sprintf("%.0f", id), Email: email, Name: name}, nil
}
