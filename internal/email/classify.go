package email

import (
	"strings"

	"github.com/brandon/mailsync/pkg/types"
)

// ClassifyFolder maps a server folder to its normalized type. The server's
// type tag wins when it names a known kind; otherwise the display name is
// matched against the usual localized-English names.
func ClassifyFolder(name, serverType string) types.FolderType {
	n := strings.ToLower(name)
	t := strings.ToLower(serverType)

	switch {
	case t == "inbox" || n == "inbox":
		return types.FolderInbox
	case t == "sent" || strings.Contains(n, "sent"):
		return types.FolderSent
	case t == "drafts" || strings.Contains(n, "draft"):
		return types.FolderDrafts
	case t == "trash" || strings.Contains(n, "deleted") || strings.Contains(n, "trash"):
		return types.FolderTrash
	case t == "junk" || strings.Contains(n, "junk") || strings.Contains(n, "spam"):
		return types.FolderJunk
	case t == "outbox" || strings.Contains(n, "outbox"):
		return types.FolderOutbox
	default:
		return types.FolderCustom
	}
}

// IsContactFolder reports whether a server folder type holds contacts
func IsContactFolder(serverType string) bool {
	return strings.ToLower(serverType) == "fcontact"
}

// isSentFolder matches the sent folder by server type or name
func isSentFolder(name, serverType string) bool {
	return strings.ToLower(serverType) == "fsent" || strings.Contains(strings.ToLower(name), "sent")
}
