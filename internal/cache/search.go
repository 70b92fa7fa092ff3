package cache

import (
	"fmt"
	"strings"

	"github.com/brandon/mailsync/pkg/types"
)

// SearchOptions contains search parameters
type SearchOptions struct {
	AccountID *int64
	FolderID  *string
	Sender    *string
	Subject   *string
	Text      *string
	Unread    bool
	Flagged   bool
	Limit     int
}

// Search performs a search on cached messages
func (s *Store) Search(opts SearchOptions) ([]types.MessageSummary, error) {
	var conditions []string
	var args []any

	if opts.AccountID != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, *opts.AccountID)
	}

	if opts.FolderID != nil {
		conditions = append(conditions, "folder_id = ?")
		args = append(args, *opts.FolderID)
	}

	if opts.Sender != nil {
		conditions = append(conditions, "(sender_email LIKE ? OR sender_name LIKE ?)")
		searchTerm := "%" + *opts.Sender + "%"
		args = append(args, searchTerm, searchTerm)
	}

	if opts.Subject != nil {
		conditions = append(conditions, "subject LIKE ?")
		args = append(args, "%"+*opts.Subject+"%")
	}

	if opts.Unread {
		conditions = append(conditions, "is_read = 0")
	}

	if opts.Flagged {
		conditions = append(conditions, "is_flagged = 1")
	}

	// Full-text search over subject, sender and cached bodies
	if opts.Text != nil && strings.TrimSpace(*opts.Text) != "" {
		conditions = append(conditions, "id IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
		args = append(args, ftsPhrase(*opts.Text))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM messages
		%s
		ORDER BY date_received DESC, item_id
		LIMIT ?
	`, summaryColumns, whereClause)
	args = append(args, limit)

	var results []types.MessageSummary
	if err := s.cache.DB().Select(&results, query, args...); err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	return results, nil
}

// ftsPhrase quotes text as a single FTS5 phrase
func ftsPhrase(text string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(text), `"`, `""`) + `"`
}
