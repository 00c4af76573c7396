package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/domain"
	"github.com/aussiebroadwan/credcore/internal/auth/oauth"
	"github.com/aussiebroadwan/credcore/internal/auth/store"
	"github.com/aussiebroadwan/credcore/internal/auth/store/drivers/sqlite"
	"github.com/aussiebroadwan/credcore/pkg/clockx"
	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/aussiebroadwan/credcore/pkg/jwtx"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type sentMail struct {
	Kind string
	To   string
	Data map[string]any
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	fail bool
}

func (m *recordingMailer) Send(_ context.Context, kind, recipient string, data map[string]any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("smtp: connection refused")
	}
	m.sent = append(m.sent, sentMail{Kind: kind, To: recipient, Data: data})
	return 1, nil
}

func (m *recordingMailer) last(t *testing.T) sentMail {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.sent, "no mail sent")
	return m.sent[len(m.sent)-1]
}

type testEnv struct {
	store  store.Store
	clock  *clockx.Fake
	cipher *cryptox.Cipher
	hasher *cryptox.Hasher
	mailer *recordingMailer

	audit        *AuditService
	refresh      *RefreshTokenService
	verification *EmailVerificationService
	reset        *PasswordResetService
	mfa          *MFAService
	oauth        *OAuthService
	session      *SessionService
}

func newTestEnv(t *testing.T, providers ...oauth.Provider) *testEnv {
	t.Helper()

	s, err := sqlite.NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())
	t.Cleanup(func() { _ = s.Close() })

	clock := clockx.NewFake(testStart)

	cipher, err := cryptox.NewCipher([]byte("test-encryption-key"))
	require.NoError(t, err)

	hasher, err := cryptox.NewHasher(cryptox.HasherConfig{Pepper: "pepper", Memory: 64, Iterations: 1, Parallelism: 1, Concurrency: 4})
	require.NoError(t, err)

	pemKey, err := cryptox.GenerateEd25519Key()
	require.NoError(t, err)
	signer, err := jwtx.NewSignerEdDSA("", pemKey)
	require.NoError(t, err)
	keys := jwtx.NewKeySet()
	require.NoError(t, keys.AddSigner(signer))

	mailer := &recordingMailer{}
	env := &testEnv{store: s, clock: clock, cipher: cipher, hasher: hasher, mailer: mailer}

	env.audit = &AuditService{Store: s, Clock: clock}
	env.refresh = &RefreshTokenService{Store: s, Clock: clock}
	env.verification = &EmailVerificationService{
		Store: s, Clock: clock, Mailer: mailer, AppURL: "https://app.example",
	}
	env.reset = &PasswordResetService{
		Store: s, Clock: clock, Hasher: hasher, Mailer: mailer, AppURL: "https://app.example",
	}
	env.mfa = &MFAService{Store: s, Clock: clock, Cipher: cipher, Issuer: "credcore"}
	env.oauth = &OAuthService{Store: s, Clock: clock, Cipher: cipher, Providers: oauth.NewRegistry(providers...)}
	env.session = &SessionService{
		Store:        s,
		Clock:        clock,
		Hasher:       hasher,
		Signer:       signer,
		Verifier:     jwtx.NewVerifierEdDSA(keys, "https://auth.test", 0, clock.Now),
		Issuer:       "https://auth.test",
		Tokens:       env.refresh,
		MFA:          env.mfa,
		Verification: env.verification,
	}
	return env
}

// createUser inserts an active user with a real password hash.
func (e *testEnv) createUser(t *testing.T, email, password string) domain.User {
	t.Helper()
	ctx := context.Background()

	var hash string
	if password != "" {
		var err error
		hash, err = e.hasher.HashPassword(ctx, password)
		require.NoError(t, err)
	}

	now := e.clock.Now()
	u := domain.User{
		ID:           newID(),
		Email:        email,
		PasswordHash: hash,
		IsActive:     true,
		BackupCodes:  []string{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, e.store.Users().CreateUser(ctx, u))
	return u
}

func (e *testEnv) user(t *testing.T, id string) domain.User {
	t.Helper()
	u, err := e.store.Users().GetUserByID(context.Background(), id)
	require.NoError(t, err)
	return u
}

// auditActions lists recorded actions, oldest first.
func (e *testEnv) auditActions(t *testing.T) []string {
	t.Helper()
	logs, err := e.store.AuditLogs().ListAuditLogs(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	out := make([]string, 0, len(logs))
	for i := len(logs) - 1; i >= 0; i-- {
		out = append(out, logs[i].Action)
	}
	return out
}

func (e *testEnv) refreshToken(t *testing.T, raw string) domain.RefreshToken {
	t.Helper()
	tok, err := e.store.RefreshTokens().GetRefreshTokenByHash(context.Background(), cryptox.HashToken(raw))
	require.NoError(t, err)
	return tok
}

// fakeProvider is an in-memory oauth.Provider.
type fakeProvider struct {
	name string

	mu           sync.Mutex
	codes        map[string]domain.OAuthProfile
	validRefresh map[string]bool
	rotate       bool
	refreshCalls int
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{
		name:         name,
		codes:        make(map[string]domain.OAuthProfile),
		validRefresh: make(map[string]bool),
	}
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ExchangeCode(_ context.Context, code string) (domain.OAuthTokenData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.codes[code]; !ok {
		return domain.OAuthTokenData{}, oauth.ErrInvalidGrant
	}
	return domain.OAuthTokenData{
		AccessToken:  "access-for-" + code,
		RefreshToken: "refresh-for-" + code,
		Scope:        "openid email",
		ExpiresIn:    time.Hour,
	}, nil
}

func (p *fakeProvider) RefreshToken(_ context.Context, refreshToken string) (domain.OAuthTokenData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshCalls++
	if !p.validRefresh[refreshToken] {
		return domain.OAuthTokenData{}, oauth.ErrInvalidGrant
	}
	data := domain.OAuthTokenData{AccessToken: "refreshed-" + refreshToken, ExpiresIn: time.Hour}
	if p.rotate {
		data.RefreshToken = "rotated-" + refreshToken
	}
	return data, nil
}

func (p *fakeProvider) FetchProfile(_ context.Context, accessToken string) (domain.OAuthProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for code, profile := range p.codes {
		if accessToken == "access-for-"+code {
			return profile, nil
		}
	}
	return domain.OAuthProfile{}, errors.New("unauthorized")
}

func hashOf(raw string) string { return cryptox.HashToken(raw) }
