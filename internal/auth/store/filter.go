package store

import "time"

// TokenState selects tokens by lifecycle state relative to TokenFilter.Now.
type TokenState int

const (
	TokenAny TokenState = iota
	// TokenValid is now < expires_at and not revoked (refresh) or not used
	// (verification, reset). It is the query form of the entities' IsValid.
	TokenValid
	// TokenExpired is now >= expires_at, the query form of IsExpired.
	TokenExpired
)

// TokenFilter narrows token listings. Empty fields do not filter. FamilyID
// only applies to refresh tokens and Email only to verification tokens.
type TokenFilter struct {
	UserID   string
	FamilyID string
	Email    string
	State    TokenState
	Now      time.Time
	Limit    int
}

// ValidTokens filters to tokens that are valid at now.
func ValidTokens(now time.Time) TokenFilter {
	return TokenFilter{State: TokenValid, Now: now}
}

// ExpiredTokens filters to tokens that are expired at now.
func ExpiredTokens(now time.Time) TokenFilter {
	return TokenFilter{State: TokenExpired, Now: now}
}

// OAuthCursor marks the last account of a page in (token_expires_at, id)
// order. The zero value starts from the beginning.
type OAuthCursor struct {
	ExpiresAt time.Time
	ID        string
}

// IsZero reports whether c starts from the beginning.
func (c OAuthCursor) IsZero() bool { return c.ID == "" }

// AuditFilter narrows audit listings, newest first.
type AuditFilter struct {
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Limit      int
}
