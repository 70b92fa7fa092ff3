package tools

import (
	"fmt"

	"github.com/brandon/mailsync/internal/cache"
)

// SearchMessagesTool searches cached messages
type SearchMessagesTool struct {
	r *Registry
}

// Name returns the tool name
func (t *SearchMessagesTool) Name() string {
	return "search_messages"
}

// Description returns the tool description
func (t *SearchMessagesTool) Description() string {
	return "Search cached messages by sender, subject, full text, folder and read/flag state"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SearchMessagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account":   property("string", "Optional: Filter by specific account"),
			"folder_id": property("string", "Optional: Filter by folder id"),
			"sender":    property("string", "Optional: Filter by sender email/name"),
			"subject":   property("string", "Optional: Filter by subject (substring match)"),
			"text":      property("string", "Optional: Full-text search over subject, sender and cached bodies"),
			"unread":    property("boolean", "Optional: Only unread messages"),
			"flagged":   property("boolean", "Optional: Only flagged messages"),
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Optional: Result limit (default: 100, max: 1000)",
				"minimum":     1,
				"maximum":     1000,
			},
		},
	}
}

// Execute executes the tool
func (t *SearchMessagesTool) Execute(params map[string]interface{}, reply Reply) {
	opts := cache.SearchOptions{}

	if stringParam(params, "account") != "" {
		accountID, err := t.r.accountID(params)
		if err != nil {
			reply(nil, err)
			return
		}
		opts.AccountID = &accountID
	}

	if folderID := stringParam(params, "folder_id"); folderID != "" {
		opts.FolderID = &folderID
	}
	if sender := stringParam(params, "sender"); sender != "" {
		opts.Sender = &sender
	}
	if subject := stringParam(params, "subject"); subject != "" {
		opts.Subject = &subject
	}
	if text := stringParam(params, "text"); text != "" {
		opts.Text = &text
	}
	opts.Unread, _ = boolParam(params, "unread")
	opts.Flagged, _ = boolParam(params, "flagged")
	opts.Limit = intParam(params, "limit", 0)

	results, err := t.r.cacheStore.Search(opts)
	if err != nil {
		reply(nil, fmt.Errorf("failed to search messages: %w", err))
		return
	}
	reply(results, nil)
}
