package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"printwatch/cloud"
)

// LoadToken reads a persisted credential. A missing or unreadable file is
// not an error; the caller simply falls through to a fresh login.
func LoadToken(path string) (cloud.Credential, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cloud.Credential{}, false
	}
	var cred cloud.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		log.Printf("Warning: ignoring malformed token file %s: %v", path, err)
		return cloud.Credential{}, false
	}
	return cred, cred.AccessToken != ""
}

// SaveToken atomically replaces the persisted credential via a temp file and
// rename, so a crash mid-write never leaves a truncated token behind. Mode
// 0600: the file holds a live bearer token.
func SaveToken(path string, cred cloud.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encode token: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("session: create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("session: chmod token file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: finalize token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("session: replace token file: %w", err)
	}
	return nil
}
