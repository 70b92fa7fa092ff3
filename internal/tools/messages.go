package tools

import (
	"errors"
	"fmt"

	"github.com/jaytaylor/html2text"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/reconcile"
	"github.com/brandon/mailsync/pkg/types"
)

// ListMessagesTool opens a folder and returns its message list
type ListMessagesTool struct {
	r *Registry
}

// Name returns the tool name
func (t *ListMessagesTool) Name() string {
	return "list_messages"
}

// Description returns the tool description
func (t *ListMessagesTool) Description() string {
	return "Open a folder, refresh it from the server and return its messages, newest first"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListMessagesTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account":     accountProperty(),
			"folder_id":   property("string", "Optional: Folder id (last opened folder, else the inbox)"),
			"folder_type": property("string", "Optional: Folder role such as inbox, sent or trash"),
			"filter":      property("string", "Optional: Case-insensitive subject/sender filter"),
			"refresh":     property("boolean", "Optional: Sync with the server first (default: true)"),
		},
	}
}

// Execute executes the tool
func (t *ListMessagesTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}

	folderID, err := t.resolveFolder(accountID, params)
	if err != nil {
		reply(nil, err)
		return
	}

	v, err := t.r.openView(accountID, folderID)
	if err != nil {
		reply(nil, fmt.Errorf("failed to open folder: %w", err))
		return
	}
	if _, ok := params["filter"]; ok {
		v.list.SetFilter(stringParam(params, "filter"))
		t.r.saveView(accountID, v)
	}

	respond := func(res *reconcile.Result) {
		out := map[string]interface{}{
			"folder_id": v.folderID,
			"selected":  v.list.Selected(),
			"messages":  v.list.Visible(),
		}
		if res != nil {
			out["inserted"] = len(res.Inserted)
			out["updated"] = len(res.Updated)
			out["removed"] = len(res.Removed)
		}
		reply(out, nil)
	}

	if refresh, ok := boolParam(params, "refresh"); ok && !refresh {
		respond(nil)
		return
	}
	t.r.refresh(accountID, v, func(res reconcile.Result, err error) {
		if err != nil {
			reply(nil, fmt.Errorf("failed to sync messages: %w", err))
			return
		}
		respond(&res)
	})
}

func (t *ListMessagesTool) resolveFolder(accountID int64, params map[string]interface{}) (string, error) {
	if id := stringParam(params, "folder_id"); id != "" {
		return id, nil
	}
	if typ := stringParam(params, "folder_type"); typ != "" {
		f, err := t.r.cacheStore.FolderByType(accountID, types.FolderType(typ))
		if err != nil {
			return "", fmt.Errorf("no %s folder: %w", typ, err)
		}
		return f.FolderID, nil
	}
	if v, ok := t.r.views[accountID]; ok {
		return v.folderID, nil
	}
	if state, err := t.r.cacheStore.LoadViewState(accountID); err == nil && state.FolderID != "" {
		return state.FolderID, nil
	}
	f, err := t.r.cacheStore.FolderByType(accountID, types.FolderInbox)
	if err != nil {
		return "", fmt.Errorf("no folder given and no inbox cached (run sync_folders): %w", err)
	}
	return f.FolderID, nil
}

// GetMessageTool fetches a full message
type GetMessageTool struct {
	r *Registry
}

// Name returns the tool name
func (t *GetMessageTool) Name() string {
	return "get_message"
}

// Description returns the tool description
func (t *GetMessageTool) Description() string {
	return "Fetch the full body, recipients and attachments of a message, or its raw source"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetMessageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account": accountProperty(),
			"item_id": property("string", "Message id"),
			"raw":     property("boolean", "Optional: Return the RFC 822 source instead"),
		},
		"required": []string{"item_id"},
	}
}

// Execute executes the tool
func (t *GetMessageTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}
	itemID, err := requireString(params, "item_id")
	if err != nil {
		reply(nil, err)
		return
	}

	if raw, _ := boolParam(params, "raw"); raw {
		t.r.emailManager.FetchMessageRaw(accountID, itemID, func(source string, err error) {
			if err != nil {
				reply(nil, fmt.Errorf("failed to fetch message source: %w", err))
				return
			}
			reply(map[string]interface{}{"item_id": itemID, "raw": source}, nil)
		})
		return
	}

	t.r.emailManager.FetchMessageBody(accountID, itemID, func(msg *types.Message, err error) {
		if err != nil {
			reply(nil, fmt.Errorf("failed to fetch message: %w", err))
			return
		}

		out := map[string]interface{}{
			"item_id":     msg.ItemID,
			"body":        msg.Body,
			"body_type":   msg.BodyType,
			"to":          msg.To,
			"cc":          msg.Cc,
			"attachments": msg.Attachments,
		}
		if msg.BodyType == types.BodyHTML {
			if text, err := html2text.FromString(msg.Body, html2text.Options{}); err == nil {
				out["text"] = text
			}
		}

		if v, ok := t.r.viewItem(accountID, itemID); ok {
			v.list.Select(itemID)
			t.r.saveView(accountID, v)
			summary, _ := v.list.Get(itemID)
			out["summary"] = summary
		} else if cached, err := t.r.cacheStore.GetMessage(itemID); err == nil {
			out["summary"] = cached.MessageSummary
		}
		reply(out, nil)
	})
}

// MarkReadTool sets the read state of a message
type MarkReadTool struct {
	r *Registry
}

// Name returns the tool name
func (t *MarkReadTool) Name() string {
	return "mark_read"
}

// Description returns the tool description
func (t *MarkReadTool) Description() string {
	return "Mark a message read or unread"
}

// InputSchema returns the JSON schema for tool inputs
func (t *MarkReadTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account": accountProperty(),
			"item_id": property("string", "Message id"),
			"read":    property("boolean", "Optional: Read state (default: true)"),
		},
		"required": []string{"item_id"},
	}
}

// Execute executes the tool
func (t *MarkReadTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}
	itemID, err := requireString(params, "item_id")
	if err != nil {
		reply(nil, err)
		return
	}
	read, ok := boolParam(params, "read")
	if !ok {
		read = true
	}

	revert := func() {}
	if v, ok := t.r.viewItem(accountID, itemID); ok {
		revert, _ = v.list.SetRead(itemID, read)
	}

	t.r.emailManager.MarkAsRead(accountID, itemID, read, func(err error) {
		if err != nil {
			revert()
			reply(nil, fmt.Errorf("failed to mark message: %w", err))
			return
		}
		reply(map[string]interface{}{"item_id": itemID, "is_read": read}, nil)
	})
}

// SetFlagTool flags or unflags a message
type SetFlagTool struct {
	r *Registry
}

// Name returns the tool name
func (t *SetFlagTool) Name() string {
	return "set_flag"
}

// Description returns the tool description
func (t *SetFlagTool) Description() string {
	return "Flag or unflag a message; toggles the current flag when no value is given"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SetFlagTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account": accountProperty(),
			"item_id": property("string", "Message id"),
			"flagged": property("boolean", "Optional: Flag state (toggle if omitted)"),
		},
		"required": []string{"item_id"},
	}
}

// Execute executes the tool. The open list shows the new flag right away
// and is reverted when the server rejects the change.
func (t *SetFlagTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}
	itemID, err := requireString(params, "item_id")
	if err != nil {
		reply(nil, err)
		return
	}
	flagged, explicit := boolParam(params, "flagged")

	revert := func() {}
	if v, ok := t.r.viewItem(accountID, itemID); ok {
		current, _ := v.list.Get(itemID)
		if !explicit || current.IsFlagged != flagged {
			flagged, revert, _ = v.list.ToggleFlag(itemID)
		}
	} else if !explicit {
		cached, err := t.r.cacheStore.GetMessage(itemID)
		if err != nil {
			reply(nil, fmt.Errorf("cannot toggle flag of %s: %w", itemID, err))
			return
		}
		flagged = !cached.IsFlagged
	}

	t.r.emailManager.SetFlag(accountID, itemID, flagged, func(err error) {
		if err != nil {
			revert()
			reply(nil, fmt.Errorf("failed to flag message: %w", err))
			return
		}
		reply(map[string]interface{}{"item_id": itemID, "is_flagged": flagged}, nil)
	})
}

// DeleteMessageTool deletes a message
type DeleteMessageTool struct {
	r *Registry
}

// Name returns the tool name
func (t *DeleteMessageTool) Name() string {
	return "delete_message"
}

// Description returns the tool description
func (t *DeleteMessageTool) Description() string {
	return "Delete a message: moves it to Trash, or removes it for good when viewed from Trash or hard is set"
}

// InputSchema returns the JSON schema for tool inputs
func (t *DeleteMessageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account":   accountProperty(),
			"item_id":   property("string", "Message id"),
			"folder_id": property("string", "Optional: Folder the message is viewed from"),
			"hard":      property("boolean", "Optional: Delete permanently"),
		},
		"required": []string{"item_id"},
	}
}

// Execute executes the tool
func (t *DeleteMessageTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}
	itemID, err := requireString(params, "item_id")
	if err != nil {
		reply(nil, err)
		return
	}

	done := t.r.afterItemChange(accountID, itemID, "deleted", "failed to delete message", reply)
	if hard, _ := boolParam(params, "hard"); hard {
		t.r.emailManager.DeleteMessage(accountID, itemID, true, done)
		return
	}
	t.r.emailManager.DeleteFromFolder(accountID, itemID, t.r.viewedFolder(accountID, itemID, params), done)
}

// viewedFolder is the folder a message is being looked at from: the
// folder_id param, the open list holding it, or its cached folder
func (r *Registry) viewedFolder(accountID int64, itemID string, params map[string]interface{}) string {
	if id := stringParam(params, "folder_id"); id != "" {
		return id
	}
	if v, ok := r.viewItem(accountID, itemID); ok {
		return v.folderID
	}
	if cached, err := r.cacheStore.GetMessage(itemID); err == nil {
		return cached.FolderID
	}
	return ""
}

// afterItemChange completes a delete or move: the open list is refreshed
// so the message leaves it.
func (r *Registry) afterItemChange(accountID int64, itemID, status, failure string, reply Reply) func(error) {
	return func(err error) {
		if err != nil {
			reply(nil, fmt.Errorf("%s: %w", failure, err))
			return
		}
		if v, ok := r.views[accountID]; ok {
			r.refresh(accountID, v, func(_ reconcile.Result, err error) {
				if err != nil {
					r.logger.WithError(err).WithField("account_id", accountID).Warn("Failed to refresh message list")
				}
			})
		}
		reply(map[string]interface{}{"item_id": itemID, "status": status}, nil)
	}
}

// MoveMessageTool moves a message to another folder
type MoveMessageTool struct {
	r *Registry
}

// Name returns the tool name
func (t *MoveMessageTool) Name() string {
	return "move_message"
}

// Description returns the tool description
func (t *MoveMessageTool) Description() string {
	return "Move a message to another folder"
}

// InputSchema returns the JSON schema for tool inputs
func (t *MoveMessageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account":   accountProperty(),
			"item_id":   property("string", "Message id"),
			"folder_id": property("string", "Target folder id"),
		},
		"required": []string{"item_id", "folder_id"},
	}
}

// Execute executes the tool
func (t *MoveMessageTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}
	itemID, err := requireString(params, "item_id")
	if err != nil {
		reply(nil, err)
		return
	}
	folderID, err := requireString(params, "folder_id")
	if err != nil {
		reply(nil, err)
		return
	}
	if _, err := t.r.cacheStore.GetFolder(accountID, folderID); errors.Is(err, cache.ErrNotFound) {
		reply(nil, fmt.Errorf("unknown folder %s", folderID))
		return
	}

	t.r.emailManager.MoveMessage(accountID, itemID, folderID, t.r.afterItemChange(accountID, itemID, "moved", "failed to move message", reply))
}
