package types

import "time"

// Account represents one mailbox connection
type Account struct {
	ID           int64      `json:"id" db:"id"`
	Name         string     `json:"name" db:"name"`
	Email        string     `json:"email" db:"email"`
	Server       string     `json:"server" db:"server"`
	Username     string     `json:"username" db:"username"`
	Password     string     `json:"-" db:"-"`
	IsDefault    bool       `json:"is_default" db:"is_default"`
	DisplayOrder int        `json:"display_order" db:"display_order"`
	LastSync     *time.Time `json:"last_sync,omitempty" db:"last_sync"`
}

// FolderType is the normalized kind of a mailbox folder
type FolderType string

const (
	FolderInbox  FolderType = "inbox"
	FolderSent   FolderType = "sent"
	FolderDrafts FolderType = "drafts"
	FolderTrash  FolderType = "trash"
	FolderJunk   FolderType = "junk"
	FolderOutbox FolderType = "outbox"
	FolderCustom FolderType = "custom"
)

// Folder represents a cached remote folder
type Folder struct {
	AccountID   int64      `json:"account_id" db:"account_id"`
	FolderID    string     `json:"folder_id" db:"folder_id"`
	Name        string     `json:"name" db:"name"`
	ParentID    string     `json:"parent_id,omitempty" db:"parent_id"`
	Type        FolderType `json:"type" db:"folder_type"`
	UnreadCount int        `json:"unread_count" db:"unread_count"`
	TotalCount  int        `json:"total_count" db:"total_count"`
}

// MessageSummary is the list projection of a message. DateReceived uses the
// server's sortable YYYYMMDDTHHMMSS form.
type MessageSummary struct {
	AccountID      int64  `json:"account_id" db:"account_id"`
	FolderID       string `json:"folder_id" db:"folder_id"`
	ItemID         string `json:"item_id" db:"item_id"`
	Subject        string `json:"subject" db:"subject"`
	SenderName     string `json:"sender_name" db:"sender_name"`
	SenderEmail    string `json:"sender_email" db:"sender_email"`
	DateReceived   string `json:"date_received" db:"date_received"`
	IsRead         bool   `json:"is_read" db:"is_read"`
	IsFlagged      bool   `json:"is_flagged" db:"is_flagged"`
	IsAnswered     bool   `json:"is_answered" db:"is_answered"`
	IsForwarded    bool   `json:"is_forwarded" db:"is_forwarded"`
	HasAttachments bool   `json:"has_attachments" db:"has_attachments"`
	Size           int64  `json:"size" db:"size"`
}

// Body types
const (
	BodyHTML = "html"
	BodyText = "text"
)

// Message is the full content of one message, fetched on demand
type Message struct {
	ItemID      string       `json:"item_id"`
	Body        string       `json:"body"`
	BodyType    string       `json:"body_type"`
	To          string       `json:"to"`
	Cc          string       `json:"cc"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment describes a remote attachment
type Attachment struct {
	ID          string `json:"id" db:"attachment_id"`
	Name        string `json:"name" db:"name"`
	Size        int64  `json:"size" db:"size"`
	URL         string `json:"url" db:"url"`
	ContentType string `json:"content_type" db:"content_type"`
	ContentID   string `json:"content_id,omitempty" db:"content_id"`
}

// PendingAttachment is an outbound attachment held while composing
type PendingAttachment struct {
	Name    string `json:"name"`
	Content []byte `json:"-"`
}

// AddressSource tags where an address-book entry came from
type AddressSource string

const (
	SourceUser    AddressSource = "user"
	SourceContact AddressSource = "contact"
	SourceGAL     AddressSource = "gal"
	SourceHistory AddressSource = "history"
)

// AddressEntry is one input-assistance candidate
type AddressEntry struct {
	Name     string        `json:"name"`
	Email    string        `json:"email"`
	Source   AddressSource `json:"source"`
	Priority int           `json:"priority"`
}

// Change is one entry reported by the change long-poll
type Change struct {
	Type     string `json:"type"`
	ItemID   string `json:"itemId"`
	ParentID string `json:"parentId"`
	IsFolder bool   `json:"isFolder"`
}
