package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aussiebroadwan/credcore/internal/auth/service"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"CREDCORE_DB_DRIVER", "CREDCORE_ISSUER", "REFRESH_TOKEN_TTL", "OAUTH_REFRESH_RPS", "HOUSEKEEPING_INTERVAL"} {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, "credcore", cfg.Issuer)
	require.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL)
	require.Equal(t, 10.0, cfg.OAuthRefreshRPS)
	require.Equal(t, time.Hour, cfg.HousekeepingInterval)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("CREDCORE_DB_DRIVER", "postgres")
	t.Setenv("ACCESS_TOKEN_TTL", "5m")
	t.Setenv("PASSWORD_RESET_TTL", "30")
	t.Setenv("HOUSEKEEPING_INTERVAL", "not-a-duration")
	t.Setenv("HASH_CONCURRENCY", "4")
	t.Setenv("OAUTH_REFRESH_RPS", "2.5")

	cfg := LoadConfig()
	require.Equal(t, "postgres", cfg.DBDriver)
	require.Equal(t, 5*time.Minute, cfg.AccessTokenTTL)
	require.Equal(t, 30*time.Minute, cfg.PasswordResetTTL, "bare integers are minutes")
	require.Equal(t, time.Hour, cfg.HousekeepingInterval, "unparseable falls back")
	require.Equal(t, 4, cfg.HashConcurrency)
	require.Equal(t, 2.5, cfg.OAuthRefreshRPS)
}

func TestEncryptionKey(t *testing.T) {
	_, err := Config{}.encryptionKey()
	require.ErrorIs(t, err, ErrMissingEncryptionKey)

	key, err := Config{EncryptionKey: "inline", EncryptionKeyFile: "ignored"}.encryptionKey()
	require.NoError(t, err)
	require.Equal(t, []byte("inline"), key)

	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0600))
	key, err = Config{EncryptionKeyFile: path}.encryptionKey()
	require.NoError(t, err)
	require.Equal(t, []byte("from-file"), key)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, []byte("  \n"), 0600))
	_, err = Config{EncryptionKeyFile: empty}.encryptionKey()
	require.ErrorIs(t, err, ErrMissingEncryptionKey)
}

func testConfig(t *testing.T) Config {
	dir := t.TempDir()
	return Config{
		DBDriver:       "sqlite",
		DBDSN:          filepath.Join(dir, "credcore.db"),
		EncryptionKey:  "test-key",
		PepperFile:     filepath.Join(dir, "pepper"),
		SigningKeyFile: filepath.Join(dir, "keys", "signing.pem"),
		Issuer:         "credcore-test",
		AppURL:         "https://app.example",
		Env:            "test",
		LogLevel:       "error",
	}
}

func TestNewRequiresEncryptionKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.EncryptionKey = ""
	_, err := New(context.Background(), cfg)
	require.ErrorIs(t, err, ErrMissingEncryptionKey)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.DBDriver = "mysql"
	_, err := New(context.Background(), cfg)
	require.Error(t, err)
}

func TestNewWiresServicesAndPersistsKeys(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	app, err := New(ctx, cfg)
	require.NoError(t, err)
	kid := app.signer.KID()

	u, err := app.Sessions.Register(ctx, service.RegisterInput{Email: "a@example.com", Password: "password-1"})
	require.NoError(t, err)
	require.Equal(t, "a@example.com", u.Email)
	require.NoError(t, app.RunOnce(ctx))

	require.FileExists(t, cfg.PepperFile)
	require.FileExists(t, cfg.SigningKeyFile)

	// A restart reuses the pepper and signing key.
	again, err := New(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = again.close() })
	require.Equal(t, kid, again.signer.KID())

	res, err := again.Sessions.Login(ctx, service.LoginInput{Email: "a@example.com", Password: "password-1"})
	require.NoError(t, err)
	_, err = again.Sessions.VerifyAccessToken(res.Tokens.AccessToken)
	require.NoError(t, err)
}
