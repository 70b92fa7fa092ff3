package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ViewState is the presentation state restored when an account is reopened
type ViewState struct {
	FolderID       string `json:"folder_id"`
	SelectedItemID string `json:"selected_item_id,omitempty"`
	Filter         string `json:"filter,omitempty"`
}

// GetSetting returns a setting value, or def when it is not set
func (s *Store) GetSetting(key, def string) (string, error) {
	var value string
	err := s.cache.DB().Get(&value, "SELECT value FROM settings WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return def, nil
		}
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a setting value
func (s *Store) SetSetting(key, value string) error {
	_, err := s.cache.DB().Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// SaveViewState stores the view state of an account
func (s *Store) SaveViewState(accountID int64, state ViewState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal view state: %w", err)
	}
	_, err = s.cache.DB().Exec(`
		INSERT INTO saved_state (account_id, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, accountID, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save view state: %w", err)
	}
	return nil
}

// LoadViewState returns the saved view state of an account
func (s *Store) LoadViewState(accountID int64) (*ViewState, error) {
	var data string
	err := s.cache.DB().Get(&data, "SELECT state FROM saved_state WHERE account_id = ?", accountID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("view state for account %d: %w", accountID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load view state: %w", err)
	}

	var state ViewState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal view state: %w", err)
	}
	return &state, nil
}
