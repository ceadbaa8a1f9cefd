// Package identity persists the per-profile device id. The id is minted
// once, on first daemon start, and survives restarts: acks, read receipts
// and sync responses are all addressed to it.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const fileName = "device_id"

// Path returns the device id file inside a profile directory.
func Path(profileDir string) string {
	return filepath.Join(profileDir, fileName)
}

// LoadOrCreate returns the profile's device id, minting and persisting a
// fresh one if none exists yet.
func LoadOrCreate(profileDir string) (string, error) {
	path := Path(profileDir)
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		// Unparseable id file: mint a new identity rather than limp along
		// with one no peer can address.
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("identity: read: %w", err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(profileDir, 0700); err != nil {
		return "", fmt.Errorf("identity: create profile dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0600); err != nil {
		return "", fmt.Errorf("identity: persist: %w", err)
	}
	return id, nil
}
