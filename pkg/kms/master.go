package kms

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MasterSize is the length of a generated master secret.
const MasterSize = 32

// LoadOrCreateMaster reads the base64 master secret at path, generating and
// persisting a new one with mode 0600 when the file does not exist.
func LoadOrCreateMaster(path string) ([]byte, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-configured path
	if err == nil {
		if info, statErr := os.Stat(path); statErr == nil && info.Mode().Perm()&0o077 != 0 {
			slog.Default().With("component", "kms").Warn("master secret is readable by other users",
				"path", path, "mode", info.Mode().Perm().String())
		}
		secret, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, fmt.Errorf("kms: decode master secret: %w", decErr)
		}
		if len(secret) < 16 {
			return nil, fmt.Errorf("kms: master secret too short (%d bytes)", len(secret))
		}
		return secret, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("kms: read master secret: %w", err)
	}

	secret := make([]byte, MasterSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("kms: generate master secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("kms: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // operator-configured path
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return LoadOrCreateMaster(path)
		}
		return nil, fmt.Errorf("kms: create master secret: %w", err)
	}
	if _, err := f.WriteString(base64.StdEncoding.EncodeToString(secret) + "\n"); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("kms: write master secret: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("kms: write master secret: %w", err)
	}
	return secret, nil
}
