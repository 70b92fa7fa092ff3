package tools

import (
	"fmt"

	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/pkg/types"
)

// SendMessageTool sends a new message, reply or forward
type SendMessageTool struct {
	r *Registry
}

// Name returns the tool name
func (t *SendMessageTool) Name() string {
	return "send_message"
}

// Description returns the tool description
func (t *SendMessageTool) Description() string {
	return "Send an HTML message with CC, BCC, replies, forwards and messages attached as .eml files"
}

// InputSchema returns the JSON schema for tool inputs
func (t *SendMessageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account":     accountProperty(),
			"to":          property("string", "Recipient email address(es) (comma-separated)"),
			"cc":          property("string", "Optional: CC recipients (comma-separated)"),
			"bcc":         property("string", "Optional: BCC recipients (comma-separated)"),
			"subject":     property("string", "Message subject"),
			"body":        property("string", "HTML body"),
			"original_id": property("string", "Optional: Message being replied to or forwarded"),
			"is_reply":    property("boolean", "Optional: Mark the original as answered"),
			"is_forward":  property("boolean", "Optional: Mark the original as forwarded"),
			"attach_ids": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional: Messages to attach as .eml files",
			},
		},
		"required": []string{"to", "subject"},
	}
}

// Execute executes the tool
func (t *SendMessageTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}

	msg := email.OutgoingMessage{
		To:         listParam(params, "to"),
		Cc:         listParam(params, "cc"),
		Bcc:        listParam(params, "bcc"),
		Subject:    stringParam(params, "subject"),
		Body:       stringParam(params, "body"),
		OriginalID: stringParam(params, "original_id"),
	}
	msg.IsReply, _ = boolParam(params, "is_reply")
	msg.IsForward, _ = boolParam(params, "is_forward")

	send := func() {
		t.r.emailManager.SendMessage(accountID, msg, func(err error) {
			if err != nil {
				reply(nil, fmt.Errorf("failed to send message: %w", err))
				return
			}
			// Recipients now rank in the address book
			delete(t.r.books, accountID)
			reply(map[string]interface{}{
				"status":      "sent",
				"recipients":  len(msg.To) + len(msg.Cc) + len(msg.Bcc),
				"attachments": len(msg.Attachments),
			}, nil)
		})
	}

	attachIDs := listParam(params, "attach_ids")
	if len(attachIDs) == 0 {
		send()
		return
	}
	t.r.emailManager.ForwardAsAttachment(accountID, attachIDs, func(attachments []types.PendingAttachment, err error) {
		if err != nil {
			reply(nil, fmt.Errorf("failed to attach messages: %w", err))
			return
		}
		msg.Attachments = attachments
		send()
	})
}

// AddressBookTool completes recipient addresses
type AddressBookTool struct {
	r *Registry
}

// Name returns the tool name
func (t *AddressBookTool) Name() string {
	return "address_book"
}

// Description returns the tool description
func (t *AddressBookTool) Description() string {
	return "Look up recipients among colleagues, contacts and recently used addresses"
}

// InputSchema returns the JSON schema for tool inputs
func (t *AddressBookTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account": accountProperty(),
			"query":   property("string", "Optional: Name or address fragment"),
			"limit":   property("integer", "Optional: Maximum matches (default: 10)"),
			"refresh": property("boolean", "Optional: Reload the address book from the server"),
		},
	}
}

// Execute executes the tool
func (t *AddressBookTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}
	query := stringParam(params, "query")
	limit := intParam(params, "limit", 0)

	refresh, _ := boolParam(params, "refresh")
	if book, ok := t.r.books[accountID]; ok && !refresh {
		reply(book.Match(query, limit), nil)
		return
	}

	t.r.emailManager.LoadAddressBook(accountID, func(book *email.AddressBook, err error) {
		if err != nil {
			reply(nil, fmt.Errorf("failed to load address book: %w", err))
			return
		}
		t.r.books[accountID] = book
		reply(book.Match(query, limit), nil)
	})
}

// GetSignatureTool returns the account's default signature
type GetSignatureTool struct {
	r *Registry
}

// Name returns the tool name
func (t *GetSignatureTool) Name() string {
	return "get_signature"
}

// Description returns the tool description
func (t *GetSignatureTool) Description() string {
	return "Return the default HTML signature configured in webmail"
}

// InputSchema returns the JSON schema for tool inputs
func (t *GetSignatureTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"account": accountProperty(),
		},
	}
}

// Execute executes the tool
func (t *GetSignatureTool) Execute(params map[string]interface{}, reply Reply) {
	accountID, err := t.r.accountID(params)
	if err != nil {
		reply(nil, err)
		return
	}

	t.r.emailManager.FetchSignature(accountID, func(signature string, err error) {
		if err != nil {
			reply(nil, fmt.Errorf("failed to fetch signature: %w", err))
			return
		}
		reply(map[string]interface{}{"signature": signature}, nil)
	})
}
