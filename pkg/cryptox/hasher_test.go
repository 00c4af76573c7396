package cryptox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestHasher uses cheap cost parameters so the suite stays fast.
func newTestHasher(t *testing.T, pepper string) *Hasher {
	t.Helper()
	h, err := NewHasher(HasherConfig{Pepper: pepper, Memory: 64, Iterations: 1, Parallelism: 1, Concurrency: 2})
	require.NoError(t, err)
	return h
}

func TestHashPassword(t *testing.T) {
	h := newTestHasher(t, "pepper")
	ctx := context.Background()

	tests := []struct {
		name     string
		password string
	}{
		{"simple password", "password123"},
		{"complex password", "P@ssw0rd!#$%^&*()"},
		{"long password", strings.Repeat("a", 100)},
		{"empty password", ""},
		{"unicode password", "пароль🔒密码"},
		{"whitespace password", "   spaces   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := h.HashPassword(ctx, tt.password)
			require.NoError(t, err)

			// Verify PHC format
			parts := strings.Split(hash, "$")
			require.Len(t, parts, 6, "PHC hash should have 6 parts")
			require.Equal(t, "argon2id", parts[1])
			require.Equal(t, "v=19", parts[2])
			require.Equal(t, "m=64,t=1,p=1", parts[3])
			require.NotEmpty(t, parts[4], "salt should not be empty")
			require.NotEmpty(t, parts[5], "hash should not be empty")

			require.True(t, h.VerifyPassword(ctx, tt.password, hash))
		})
	}
}

func TestHashPassword_UniqueSalts(t *testing.T) {
	h := newTestHasher(t, "")
	ctx := context.Background()

	hash1, err := h.HashPassword(ctx, "samepassword")
	require.NoError(t, err)
	hash2, err := h.HashPassword(ctx, "samepassword")
	require.NoError(t, err)

	require.NotEqual(t, hash1, hash2, "hashes should differ due to unique salts")
	require.True(t, h.VerifyPassword(ctx, "samepassword", hash1))
	require.True(t, h.VerifyPassword(ctx, "samepassword", hash2))
}

func TestVerifyPassword_WrongPassword(t *testing.T) {
	h := newTestHasher(t, "pepper")
	ctx := context.Background()

	hash, err := h.HashPassword(ctx, "correct-password")
	require.NoError(t, err)

	for _, wrong := range []string{"wrong-password", "Correct-Password", "correct-password ", "", "correct-passwor"} {
		require.False(t, h.VerifyPassword(ctx, wrong, hash), wrong)
	}
}

func TestVerifyPassword_PepperMismatch(t *testing.T) {
	ctx := context.Background()

	hash, err := newTestHasher(t, "pepper-a").HashPassword(ctx, "secret")
	require.NoError(t, err)

	require.False(t, newTestHasher(t, "pepper-b").VerifyPassword(ctx, "secret", hash))
}

func TestVerifyPassword_DefaultParamsHashVerifiesWithCheapHasher(t *testing.T) {
	ctx := context.Background()

	strong, err := NewHasher(HasherConfig{Pepper: "p"})
	require.NoError(t, err)
	hash, err := strong.HashPassword(ctx, "secret")
	require.NoError(t, err)
	require.Contains(t, hash, "m=19456,t=2,p=1")

	// Parameters come from the encoded hash, not the verifying hasher.
	require.True(t, newTestHasher(t, "p").VerifyPassword(ctx, "secret", hash))
}

func TestVerifyPassword_InvalidHashFormat(t *testing.T) {
	h := newTestHasher(t, "")
	ctx := context.Background()

	tests := []struct {
		name        string
		invalidHash string
	}{
		{"empty hash", ""},
		{"wrong algorithm", "$bcrypt$v=19$m=19456,t=2,p=1$c2FsdA$aGFzaA"},
		{"missing parts", "$argon2id$v=19$m=19456"},
		{"malformed parameters", "$argon2id$v=19$invalid$c2FsdA$aGFzaA"},
		{"invalid base64 salt", "$argon2id$v=19$m=19456,t=2,p=1$!!!invalid!!!$aGFzaA"},
		{"invalid base64 hash", "$argon2id$v=19$m=19456,t=2,p=1$c2FsdA$!!!invalid!!!"},
		{"wrong version", "$argon2id$v=18$m=19456,t=2,p=1$c2FsdA$aGFzaA"},
		{"zero iterations", "$argon2id$v=19$m=19456,t=0,p=1$c2FsdA$aGFzaA"},
		{"empty digest", "$argon2id$v=19$m=19456,t=2,p=1$c2FsdA$"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				require.False(t, h.VerifyPassword(ctx, "test-password", tt.invalidHash))
			})
		})
	}
}

func TestNewHasher_InvalidConfig(t *testing.T) {
	_, err := NewHasher(HasherConfig{Concurrency: -1})
	require.ErrorIs(t, err, ErrInvalidHasherConfig)

	_, err = NewHasher(HasherConfig{Memory: 8, Parallelism: 4})
	require.ErrorIs(t, err, ErrInvalidHasherConfig)
}

func TestHasher_CancelledContext(t *testing.T) {
	h, err := NewHasher(HasherConfig{Memory: 64, Iterations: 1, Concurrency: 1})
	require.NoError(t, err)

	hash, err := h.HashPassword(context.Background(), "pw")
	require.NoError(t, err)

	// Occupy the only slot so Acquire has to wait on the context.
	require.NoError(t, h.sem.Acquire(context.Background(), 1))
	defer h.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.HashPassword(ctx, "pw")
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, h.VerifyPassword(ctx, "pw", hash))
}

func TestHasher_ConcurrentUse(t *testing.T) {
	h := newTestHasher(t, "pepper")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			pw := strings.Repeat("x", i+1)
			hash, err := h.HashPassword(ctx, pw)
			require.NoError(t, err)
			require.True(t, h.VerifyPassword(ctx, pw, hash))
		}()
	}
	wg.Wait()
}

func TestLoadOrCreatePepper(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "pepper")

	first, err := LoadOrCreatePepper(path)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := LoadOrCreatePepper(path)
	require.NoError(t, err)
	require.Equal(t, first, second, "existing pepper must be reused")
}

func TestLoadOrCreatePepper_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pepper")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0600))

	_, err := LoadOrCreatePepper(path)
	require.Error(t, err)
}
