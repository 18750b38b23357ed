// ABOUTME: End-to-end encryption for relay-matrix via the mautrix crypto helper
// ABOUTME: Keeps a per-account SQLite crypto store and resets it when the device changes

package main

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/id"
)

// storeKeyInfo separates this key from any other derived from the same account.
const storeKeyInfo = "relay-matrix crypto store v1"

// CryptoManager owns the crypto helper for one login.
type CryptoManager struct {
	helper *cryptohelper.CryptoHelper
	logger *slog.Logger
}

// SetupCrypto opens (or creates) the crypto store under dataDir and attaches
// it to client. A recovery key, when given, is used to cross-sign the device;
// failure to do so is logged and encryption stays on.
func SetupCrypto(ctx context.Context, client *mautrix.Client, recoveryKey, dataDir string, logger *slog.Logger) (*CryptoManager, error) {
	logger = logger.With("component", "crypto")
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, fmt.Sprintf("crypto-%s.db", slugify(client.UserID)))
	if stale, err := storedDeviceDiffers(dbPath, client.DeviceID); err != nil {
		logger.Debug("could not read stored device id", "error", err)
	} else if stale {
		logger.Warn("device changed since last run, resetting crypto store", "db", dbPath)
		if err := removeStore(dbPath); err != nil {
			return nil, err
		}
	}

	key, err := deriveStoreKey(client.UserID, client.DeviceID)
	if err != nil {
		return nil, err
	}
	helper, err := cryptohelper.NewCryptoHelper(client, key, dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating crypto helper: %w", err)
	}
	if err := helper.Init(ctx); err != nil {
		return nil, fmt.Errorf("initializing crypto helper: %w", err)
	}
	client.Crypto = helper

	if recoveryKey == "" {
		logger.Info("encryption enabled without cross-signing")
	} else if err := helper.Machine().VerifyWithRecoveryKey(ctx, recoveryKey); err != nil {
		logger.Warn("recovery key verification failed, continuing without cross-signing", "error", err)
	} else {
		logger.Info("device verified with recovery key")
	}

	return &CryptoManager{helper: helper, logger: logger}, nil
}

// Close releases the crypto store.
func (cm *CryptoManager) Close() error {
	return cm.helper.Close()
}

// storedDeviceDiffers reports whether the store at dbPath belongs to another device.
func storedDeviceDiffers(dbPath string, current id.DeviceID) (bool, error) {
	if _, err := os.Stat(dbPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
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
	return stored != current.String(), nil
}

func removeStore(dbPath string) error {
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// deriveStoreKey derives the 32-byte pickle key for the crypto store from the
// account and device.
func deriveStoreKey(userID id.UserID, deviceID id.DeviceID) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(userID), []byte(deviceID), []byte(storeKeyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving store key: %w", err)
	}
	return key, nil
}

// slugify turns @bot:example.org into bot_example.org.
func slugify(userID id.UserID) string {
	s := strings.TrimPrefix(userID.String(), "@")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		case r == ':':
			return '_'
		default:
			return -1
		}
	}, s)
}
