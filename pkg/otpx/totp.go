// Package otpx implements TOTP verification and one-time backup codes on top
// of github.com/pquerna/otp.
package otpx

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	// SecretSize is the raw TOTP secret length in bytes (160 bits).
	SecretSize = 20
	// Period is the TOTP time step.
	Period = 30
	// DefaultSkew accepts one step either side of the current one.
	DefaultSkew = 1
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret returns a base32 encoded secret suitable for authenticator apps.
func GenerateSecret(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, SecretSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("otpx: failed to generate secret: %w", err)
	}
	return b32.EncodeToString(buf), nil
}

// ProvisioningURI builds the otpauth://totp/ URI an authenticator app scans.
func ProvisioningURI(secret, account, issuer string) (string, error) {
	raw, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: account,
		Period:      Period,
		Secret:      raw,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("otpx: failed to build provisioning uri: %w", err)
	}
	return key.URL(), nil
}

// Verify reports whether code is valid for secret at the given time,
// checking skew steps before and after the current one. Malformed input is
// reported as false.
func Verify(secret, code string, at time.Time, skew uint) bool {
	code = strings.TrimSpace(code)
	secret = normalizeSecret(secret)
	if code == "" || secret == "" {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, at, validateOpts(skew))
	return err == nil && ok
}

// Code returns the code for secret at the given time.
func Code(secret string, at time.Time) (string, error) {
	return totp.GenerateCodeCustom(normalizeSecret(secret), at, validateOpts(0))
}

func validateOpts(skew uint) totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    Period,
		Skew:      skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

func normalizeSecret(secret string) string {
	return strings.ToUpper(strings.TrimRight(strings.TrimSpace(secret), "="))
}

func decodeSecret(secret string) ([]byte, error) {
	raw, err := b32.DecodeString(normalizeSecret(secret))
	if err != nil {
		return nil, fmt.Errorf("otpx: invalid secret: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("otpx: empty secret")
	}
	return raw, nil
}
