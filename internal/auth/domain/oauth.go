package domain

import "time"

// UserOAuthAccount links a User to an external identity provider.
// (Provider, ProviderAccountID) is globally unique; (UserID, Provider) is
// unique per user.
type UserOAuthAccount struct {
	ID                   string
	UserID               string
	Provider             string
	ProviderAccountID    string
	ProviderAccountEmail string
	AccessToken          string // encrypted at rest
	RefreshToken         string // encrypted at rest; empty when the provider issued none
	TokenExpiresAt       *time.Time
	Scope                string
	Profile              map[string]any
	LastLoginAt          *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// OAuthProfile is the identity a provider reports for an access token.
type OAuthProfile struct {
	AccountID     string
	Email         string
	EmailVerified bool
	Name          string
	Raw           map[string]any
}

// OAuthTokenData is a provider token response. ExpiresIn and ExpiresAt are
// alternatives; ExpiresAt wins when both are set.
type OAuthTokenData struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    time.Duration
	ExpiresAt    time.Time
}

// ExpiryFrom resolves the absolute expiry relative to now. A nil result means
// the provider did not say.
func (d OAuthTokenData) ExpiryFrom(now time.Time) *time.Time {
	switch {
	case !d.ExpiresAt.IsZero():
		t := d.ExpiresAt.UTC()
		return &t
	case d.ExpiresIn > 0:
		t := now.Add(d.ExpiresIn).UTC()
		return &t
	default:
		return nil
	}
}
