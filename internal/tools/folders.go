package tools

import (
	"fmt"

	"github.com/brandon/mailsync/pkg/types"
)

// ListFoldersTool lists cached folders
type ListFoldersTool struct {
	r *Registry
}

// Name returns the tool name
func (t *ListFoldersTool) Name() string {
	return "list_folders"
}

// Description returns the tool description
func (t *ListFoldersTool) Description() string {
	return "List the cached folders of an account with unread and total counts"
}

// InputSchema returns the JSON schema for tool inputs
func (t *ListFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account": accountProperty(),
		},
	}
}

// Execute executes the tool
func (t *ListFoldersTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}

	folders, err := t.r.cacheStore.ListFolders(accountID)
	if err != nil {
		reply(nil, fmt.Errorf("failed to list folders: %w", err))
		return
	}
	reply(folderList(folders), nil)
}

// SyncFoldersTool refreshes the folder tree from the server
type SyncFoldersTool struct {
	r *Registry
}

// Name returns the tool name
func (t *SyncFoldersTool) Name() string {
	return "sync_folders"
}

// Description returns the tool description
func (t *SyncFoldersTool) Description() string {
	return "Fetch the folder tree from the server and replace the cached folders"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SyncFoldersTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account": accountProperty(),
		},
	}
}

// Execute executes the tool
func (t *SyncFoldersTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}

	started := t.r.emailManager.SyncFolders(accountID, func(folders []types.Folder, err error) {
		if err != nil {
			reply(nil, fmt.Errorf("failed to sync folders: %w", err))
			return
		}
		reply(folderList(folders), nil)
	})
	if !started {
		reply(map[string]interface{}{"status": "already_running"}, nil)
	}
}

func folderList(folders []types.Folder) []map[string]interface{} {
	out := make([]map[string]interface{}, len(folders))
	for i, f := range folders {
		out[i] = map[string]interface{}{
			"folder_id":    f.FolderID,
			"name":         f.Name,
			"parent_id":    f.ParentID,
			"type":         string(f.Type),
			"unread_count": f.UnreadCount,
			"total_count":  f.TotalCount,
		}
	}
	return out
}
