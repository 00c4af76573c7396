package cryptox

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/sync/semaphore"
)

// Default Argon2id parameters, tuned for interactive logins.
const (
	DefaultMemory      = 19 * 1024 // Memory usage in KiB (19 MiB)
	DefaultIterations  = 2         // Iteration count
	DefaultParallelism = 1         // Number of threads
	keyLength          = 32        // Length of the generated hash
	saltLength         = 16        // Length of the salt
)

// ErrInvalidHasherConfig is returned by NewHasher for unusable cost parameters.
var ErrInvalidHasherConfig = errors.New("cryptox: invalid hasher config")

// HasherConfig holds Argon2id cost parameters and the server-side pepper.
// Zero values fall back to the defaults above.
type HasherConfig struct {
	Pepper      string
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	// Concurrency bounds how many hashes run at once. Defaults to GOMAXPROCS.
	Concurrency int
}

// Hasher hashes and verifies passwords with Argon2id. Work is admitted
// through a weighted semaphore so a burst of logins cannot pin every CPU.
type Hasher struct {
	pepper      string
	memory      uint32
	iterations  uint32
	parallelism uint8
	sem         *semaphore.Weighted
}

// NewHasher validates cfg and returns a ready Hasher.
func NewHasher(cfg HasherConfig) (*Hasher, error) {
	if cfg.Memory == 0 {
		cfg.Memory = DefaultMemory
	}
	if cfg.Iterations == 0 {
		cfg.Iterations = DefaultIterations
	}
	if cfg.Parallelism == 0 {
		cfg.Parallelism = DefaultParallelism
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}

	switch {
	case cfg.Concurrency < 0:
		return nil, fmt.Errorf("%w: concurrency must be positive", ErrInvalidHasherConfig)
	case cfg.Memory < 8*uint32(cfg.Parallelism):
		return nil, fmt.Errorf("%w: memory must be at least 8*parallelism KiB", ErrInvalidHasherConfig)
	}

	return &Hasher{
		pepper:      cfg.Pepper,
		memory:      cfg.Memory,
		iterations:  cfg.Iterations,
		parallelism: cfg.Parallelism,
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// HashPassword generates a PHC-format Argon2id hash string including salt and parameters.
// It blocks until a pool slot is free or ctx is done.
func (h *Hasher) HashPassword(ctx context.Context, password string) (string, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer h.sem.Release(1)

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptox: failed to read salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password+h.pepper), salt, h.iterations, h.memory, h.parallelism, keyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.memory,
		h.iterations,
		h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword compares a plaintext password against a PHC-style Argon2id hash.
// Malformed hashes and cancelled contexts report false.
func (h *Hasher) VerifyPassword(ctx context.Context, password, encodedHash string) bool {
	p, err := parsePHC(encodedHash)
	if err != nil {
		return false
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	defer h.sem.Release(1)

	computed := argon2.IDKey(
		[]byte(password+h.pepper),
		p.salt,
		p.iterations,
		p.memory,
		p.parallelism,
		uint32(len(p.hash)), // #nosec G115 - If this overflows we have bigger problems
	)
	return subtle.ConstantTimeCompare(computed, p.hash) == 1
}

type phcParams struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	salt        []byte
	hash        []byte
}

// parsePHC splits $argon2id$v=19$m=X,t=Y,p=Z$salt$hash into its parts.
func parsePHC(encoded string) (phcParams, error) {
	var p phcParams

	parts := strings.Split(encoded, "$")
	// ["", "argon2id", "v=19", "m=X,t=Y,p=Z", "salt", "hash"]
	if len(parts) != 6 {
		return p, errors.New("invalid hash format: expected 6 parts")
	}
	if parts[1] != "argon2id" {
		return p, errors.New("invalid hash format: not argon2id")
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return p, errors.New("invalid hash format: wrong version")
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return p, fmt.Errorf("invalid hash format: failed to parse parameters: %w", err)
	}
	if p.iterations == 0 || p.parallelism == 0 {
		return p, errors.New("invalid hash format: zero cost parameter")
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, fmt.Errorf("invalid hash format: failed to decode salt: %w", err)
	}
	if p.hash, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, fmt.Errorf("invalid hash format: failed to decode hash: %w", err)
	}
	if len(p.hash) == 0 {
		return p, errors.New("invalid hash format: empty hash")
	}
	return p, nil
}
