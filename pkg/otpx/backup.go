package otpx

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aussiebroadwan/credcore/pkg/cryptox"
)

const (
	// DefaultBackupCodeCount is how many codes a fresh set contains.
	DefaultBackupCodeCount = 10
	backupCodeBytes        = 4 // 8 hex characters
)

// GenerateBackupCodes returns count plaintext codes and their hashes, in the
// same order. Only the hashes are stored; the plaintext is shown once.
func GenerateBackupCodes(r io.Reader, count int) (codes []string, hashes []string, err error) {
	if count <= 0 {
		return nil, nil, fmt.Errorf("otpx: backup code count must be positive, got %d", count)
	}
	if r == nil {
		r = rand.Reader
	}

	codes = make([]string, 0, count)
	hashes = make([]string, 0, count)
	buf := make([]byte, backupCodeBytes)
	for len(codes) < count {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, nil, fmt.Errorf("otpx: failed to generate backup code: %w", err)
		}
		code := hex.EncodeToString(buf)
		h := HashBackupCode(code)
		if slices.Contains(hashes, h) {
			continue
		}
		codes = append(codes, code)
		hashes = append(hashes, h)
	}
	return codes, hashes, nil
}

// HashBackupCode normalises a submitted code and hashes it for storage or lookup.
func HashBackupCode(code string) string {
	return cryptox.HashToken(normalizeBackupCode(code))
}

// ConsumeBackupCode removes the stored hash matching submitted, if any.
// The returned slice is a new slice; stored is never modified.
func ConsumeBackupCode(stored []string, submitted string) (bool, []string) {
	remaining := slices.Clone(stored)
	if normalizeBackupCode(submitted) == "" {
		return false, remaining
	}

	idx := slices.Index(remaining, HashBackupCode(submitted))
	if idx < 0 {
		return false, remaining
	}
	return true, slices.Delete(remaining, idx, idx+1)
}

func normalizeBackupCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}
