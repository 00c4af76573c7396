// Package oauth talks to external identity providers.
package oauth

import (
	"context"
	"errors"
	"sort"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
)

var (
	// ErrInvalidGrant is a provider refusing a code or refresh token outright.
	// Retrying with the same grant will not help.
	ErrInvalidGrant = errors.New("oauth: invalid grant")

	ErrUnknownProvider = errors.New("oauth: unknown provider")
	ErrBadResponse     = errors.New("oauth: malformed provider response")
)

// Provider is one external identity provider.
type Provider interface {
	Name() string
	ExchangeCode(ctx context.Context, code string) (domain.OAuthTokenData, error)
	RefreshToken(ctx context.Context, refreshToken string) (domain.OAuthTokenData, error)
	FetchProfile(ctx context.Context, accessToken string) (domain.OAuthProfile, error)
}

// Registry selects a Provider by name.
type Registry map[string]Provider

func NewRegistry(providers ...Provider) Registry {
	r := make(Registry, len(providers))
	for _, p := range providers {
		r[p.Name()] = p
	}
	return r
}

func (r Registry) Get(name string) (Provider, error) {
	p, ok := r[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Names returns the configured provider names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
