// ABOUTME: End-to-end encryption setup for the relay's Matrix account
// ABOUTME: Runs mautrix cryptohelper on a per-account SQLite store, verified with a recovery key

package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
)

// cryptoSession owns the crypto helper installed on the Matrix client.
type cryptoSession struct {
	helper *cryptohelper.CryptoHelper
}

// setupCrypto enables E2EE on client. Outgoing messages to encrypted rooms
// are encrypted and incoming ones decrypted before the bridge sees them.
// A crypto store left over from another device is discarded.
func setupCrypto(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*cryptoSession, error) {
	if client.DeviceID == "" {
		return nil, errors.New("encryption needs a device ID; set matrix.device_id or use a token bound to a device")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	userID := client.UserID.String()
	dbPath := filepath.Join(dataDir, fmt.Sprintf("relay-crypto-%s.db", accountSlug(userID)))
	logger = logger.With("component", "crypto")
	logger.Info("setting up encryption", "db", dbPath)

	if stale, err := storedDeviceDiffers(dbPath, client.DeviceID.String()); err != nil {
		logger.Debug("could not check stored device ID", "error", err)
	} else if stale {
		logger.Warn("crypto store belongs to another device, resetting it")
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("removing old crypto database: %w", err)
			}
		}
	}

	helper, err := cryptohelper.NewCryptoHelper(client, storeKey(userID), dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	if recoveryKey != "" {
		if err := helper.Machine().VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
			// Encryption still works, other devices just see this one as unverified.
			logger.Warn("failed to verify with recovery key", "error", err)
		} else {
			logger.Info("device verified with recovery key")
		}
	}

	return &cryptoSession{helper: helper}, nil
}

func (c *cryptoSession) Close() error {
	return c.helper.Close()
}

// accountSlug converts a Matrix user ID to a filesystem-safe string.
// Example: @relay:example.org -> relay_example.org
func accountSlug(userID string) string {
	s := strings.TrimPrefix(userID, "@")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		case r == ':':
			b.WriteByte('_')
		}
	}
	return b.String()
}

// storeKey derives the crypto store's pickle key from the account.
func storeKey(userID string) []byte {
	h := sha256.Sum256([]byte("coven-relay-crypto:" + userID))
	return h[:]
}

// storedDeviceDiffers reports whether an existing crypto store was created
// for a different device than deviceID.
func storedDeviceDiffers(dbPath, deviceID string) (bool, error) {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var stored string
	err = db.QueryRow("SELECT device_id FROM crypto_account LIMIT 1").Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored != deviceID, nil
}
