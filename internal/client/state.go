package client

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the CLI's persisted login state. The data key is kept locally
// so vault I/O does not need the phrase again until the session expires.
type State struct {
	ServerURL string    `json:"server_url"`
	UserID    string    `json:"user_id"`
	TagID     string    `json:"tag_id"`
	VaultID   string    `json:"vault_id"`
	Token     string    `json:"token"`
	DataKey   []byte    `json:"data_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

func statePath() (string, error) {
	if v := os.Getenv("TAGVAULT_STATE_PATH"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tagvault", "state.json"), nil
}

// SaveState writes the login state with owner-only permissions.
func SaveState(s *State) error {
	path, err := statePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// LoadState reads the persisted login state. A missing file is an error
// telling the user to log in.
func LoadState() (*State, error) {
	path, err := statePath()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("not logged in: run `tagvaultctl login` first")
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if !s.ExpiresAt.IsZero() && time.Now().After(s.ExpiresAt) {
		return nil, fmt.Errorf("session expired: run `tagvaultctl login` again")
	}
	return &s, nil
}

// ClearState removes the persisted login state.
func ClearState() error {
	path, err := statePath()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}
