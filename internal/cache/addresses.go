package cache

import (
	"fmt"
	"strings"
	"time"
)

// HistoryEntry is one recently used address
type HistoryEntry struct {
	Email     string `db:"email"`
	Name      string `db:"name"`
	SendCount int    `db:"send_count"`
	LastUsed  int64  `db:"last_used"`
}

// RecordSent bumps the send count and last use of an address
func (s *Store) RecordSent(email, name string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil
	}
	_, err := s.cache.DB().Exec(`
		INSERT INTO email_cache (email, name, send_count, last_used) VALUES (?, ?, 1, ?)
		ON CONFLICT(email) DO UPDATE SET
			send_count = email_cache.send_count + 1,
			last_used = excluded.last_used,
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE email_cache.name END
	`, email, name, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record sent address: %w", err)
	}
	return nil
}

// AddAddresses adds addresses seen in messages without counting them as sends.
// Known addresses only gain a name if they had none.
func (s *Store) AddAddresses(entries []HistoryEntry) (err error) {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, e := range entries {
		if strings.TrimSpace(e.Email) == "" {
			continue
		}
		_, err = tx.Exec(`
			INSERT INTO email_cache (email, name) VALUES (?, ?)
			ON CONFLICT(email) DO UPDATE SET
				name = CASE WHEN email_cache.name = '' THEN excluded.name ELSE email_cache.name END
		`, strings.TrimSpace(e.Email), e.Name)
		if err != nil {
			return fmt.Errorf("failed to add address %s: %w", e.Email, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit addresses: %w", err)
	}
	return nil
}

// SearchAddresses matches query against email or name, most used first.
// An empty query lists everything.
func (s *Store) SearchAddresses(query string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	pattern := "%" + strings.ToLower(query) + "%"

	var entries []HistoryEntry
	err := s.cache.DB().Select(&entries, `
		SELECT email, name, send_count, last_used
		FROM email_cache
		WHERE lower(email) LIKE ? OR lower(name) LIKE ?
		ORDER BY send_count DESC, last_used DESC, email
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search addresses: %w", err)
	}
	return entries, nil
}
