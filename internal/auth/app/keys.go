package app

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aussiebroadwan/credcore/pkg/cryptox"
	"github.com/aussiebroadwan/credcore/pkg/jwtx"
)

// InitSigningKey returns the access-token signer and the key set used to
// verify its tokens.
//
// With no key file configured a key is generated in memory, and every
// access token becomes invalid on restart. Otherwise the PEM file is loaded,
// or created on first start.
func InitSigningKey(cfg Config, logger *slog.Logger) (jwtx.Signer, *jwtx.KeySet, error) {
	var (
		pemKey []byte
		err    error
	)
	if cfg.SigningKeyFile == "" {
		pemKey, err = cryptox.GenerateEd25519Key()
		if err != nil {
			return nil, nil, err
		}
		logger.Warn("using an ephemeral signing key; access tokens will not survive a restart")
	} else {
		pemKey, err = loadOrCreateKey(cfg.SigningKeyFile)
		if err != nil {
			return nil, nil, err
		}
	}

	signer, err := jwtx.NewSignerEdDSA("", pemKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	keys := jwtx.NewKeySet()
	if err := keys.AddSigner(signer); err != nil {
		return nil, nil, err
	}

	logger.Info("signing key loaded", "kid", signer.KID(), "algorithm", signer.Alg())
	return signer, keys, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	path = filepath.Clean(path)

	data, err := os.ReadFile(path)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	data, err = cryptox.GenerateEd25519Key()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create signing key dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write signing key: %w", err)
	}
	return data, nil
}
