package cache

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/brandon/mailsync/pkg/types"
)

// CachedMessage is a message row including any locally stored body
type CachedMessage struct {
	types.MessageSummary
	Body     sql.NullString `db:"body"`
	BodyType sql.NullString `db:"body_type"`
}

// HasBody reports whether a full body has been cached for the message
func (m *CachedMessage) HasBody() bool {
	return m.Body.Valid
}

const summaryColumns = `account_id, folder_id, item_id, subject, sender_name, sender_email, date_received,
	is_read, is_flagged, is_answered, is_forwarded, has_attachments, size`

// UpsertMessages merges summaries keyed by item id. Mutable fields are
// overwritten; a cached body is never touched.
func (s *Store) UpsertMessages(summaries []types.MessageSummary) (err error) {
	if len(summaries) == 0 {
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

	stmt, err := tx.PrepareNamed(`
		INSERT INTO messages (` + summaryColumns + `)
		VALUES (:account_id, :folder_id, :item_id, :subject, :sender_name, :sender_email, :date_received,
			:is_read, :is_flagged, :is_answered, :is_forwarded, :has_attachments, :size)
		ON CONFLICT(item_id) DO UPDATE SET
			account_id = excluded.account_id,
			folder_id = excluded.folder_id,
			subject = excluded.subject,
			sender_name = excluded.sender_name,
			sender_email = excluded.sender_email,
			date_received = excluded.date_received,
			is_read = excluded.is_read,
			is_flagged = excluded.is_flagged,
			is_answered = excluded.is_answered,
			is_forwarded = excluded.is_forwarded,
			has_attachments = excluded.has_attachments,
			size = excluded.size,
			cached_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare message upsert: %w", err)
	}
	defer stmt.Close()

	for i := range summaries {
		if summaries[i].ItemID == "" {
			continue
		}
		if _, err = stmt.Exec(summaries[i]); err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", summaries[i].ItemID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	return nil
}

// ListMessages returns up to limit summaries of a folder, most recent first.
// A limit <= 0 returns every row.
func (s *Store) ListMessages(accountID int64, folderID string, limit int) ([]types.MessageSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	var messages []types.MessageSummary
	err := s.cache.DB().Select(&messages, `
		SELECT `+summaryColumns+`
		FROM messages
		WHERE account_id = ? AND folder_id = ?
		ORDER BY date_received DESC, item_id
		LIMIT ?
	`, accountID, folderID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return messages, nil
}

// GetMessage returns one cached message by item id
func (s *Store) GetMessage(itemID string) (*CachedMessage, error) {
	var msg CachedMessage
	err := s.cache.DB().Get(&msg, `SELECT `+summaryColumns+`, body, body_type FROM messages WHERE item_id = ?`, itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", itemID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// SetMessageBody stores the full body of a cached message
func (s *Store) SetMessageBody(itemID, body, bodyType string) error {
	return s.updateMessage("body", itemID, `UPDATE messages SET body = ?, body_type = ? WHERE item_id = ?`, body, bodyType, itemID)
}

// SetRead updates the read flag of a cached message
func (s *Store) SetRead(itemID string, read bool) error {
	return s.updateMessage("read flag", itemID, `UPDATE messages SET is_read = ? WHERE item_id = ?`, read, itemID)
}

// SetFlagged updates the flagged state of a cached message
func (s *Store) SetFlagged(itemID string, flagged bool) error {
	return s.updateMessage("flag", itemID, `UPDATE messages SET is_flagged = ? WHERE item_id = ?`, flagged, itemID)
}

// MoveMessage changes the folder of a cached message
func (s *Store) MoveMessage(itemID, folderID string) error {
	return s.updateMessage("folder", itemID, `UPDATE messages SET folder_id = ? WHERE item_id = ?`, folderID, itemID)
}

// updateMessage runs an update and reports ErrNotFound when no row matched
func (s *Store) updateMessage(what, itemID, query string, args ...any) error {
	result, err := s.cache.DB().Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", what, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("message %s: %w", itemID, ErrNotFound)
	}
	return nil
}

// DeleteMessage removes a cached message. Missing rows are not an error.
func (s *Store) DeleteMessage(itemID string) error {
	if _, err := s.cache.DB().Exec("DELETE FROM messages WHERE item_id = ?", itemID); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// PruneFolder deletes the folder's cached messages whose item ids are not in keep
func (s *Store) PruneFolder(accountID int64, folderID string, keep []string) (int64, error) {
	var (
		query string
		args  []any
		err   error
	)
	if len(keep) == 0 {
		query = "DELETE FROM messages WHERE account_id = ? AND folder_id = ?"
		args = []any{accountID, folderID}
	} else {
		query, args, err = sqlx.In("DELETE FROM messages WHERE account_id = ? AND folder_id = ? AND item_id NOT IN (?)", accountID, folderID, keep)
		if err != nil {
			return 0, fmt.Errorf("failed to build prune query: %w", err)
		}
	}

	result, err := s.cache.DB().Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune folder: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned messages: %w", err)
	}
	return n, nil
}

// ReplaceAttachments stores the attachment descriptors of a message
func (s *Store) ReplaceAttachments(itemID string, attachments []types.Attachment) (err error) {
	tx, err := s.cache.DB().Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM attachments WHERE item_id = ?", itemID); err != nil {
		return fmt.Errorf("failed to clear attachments: %w", err)
	}
	for _, att := range attachments {
		_, err = tx.Exec(`
			INSERT INTO attachments (item_id, attachment_id, name, size, url, content_type, content_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, itemID, att.ID, att.Name, att.Size, att.URL, att.ContentType, att.ContentID)
		if err != nil {
			return fmt.Errorf("failed to insert attachment: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit attachments: %w", err)
	}
	return nil
}

// ListAttachments returns the cached attachment descriptors of a message
func (s *Store) ListAttachments(itemID string) ([]types.Attachment, error) {
	var attachments []types.Attachment
	err := s.cache.DB().Select(&attachments, `
		SELECT attachment_id, name, size, url, content_type, content_id
		FROM attachments WHERE item_id = ? ORDER BY id
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}
	return attachments, nil
}
