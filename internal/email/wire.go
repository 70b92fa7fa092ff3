package email

import (
	"encoding/json"
	"strings"

	"github.com/brandon/mailsync/pkg/types"
)

// Server field names and enum values
const (
	partHTML  = "ctTextHtml"
	partPlain = "ctTextPlain"

	orderReceived = "receiveDate"
)

// summaryFields is the projection requested for message lists
var summaryFields = []string{
	"id", "subject", "from", "receiveDate", "isSeen",
	"hasAttachment", "isFlagged", "isAnswered", "isForwarded",
}

type wireAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type wirePart struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type wireAttachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	ContentID   string `json:"contentId"`
}

type wireMail struct {
	ID               string           `json:"id"`
	Subject          string           `json:"subject"`
	From             wireAddress      `json:"from"`
	To               []wireAddress    `json:"to"`
	Cc               []wireAddress    `json:"cc"`
	ReceiveDate      string           `json:"receiveDate"`
	IsSeen           bool             `json:"isSeen"`
	IsFlagged        bool             `json:"isFlagged"`
	IsAnswered       bool             `json:"isAnswered"`
	IsForwarded      bool             `json:"isForwarded"`
	HasAttachment    bool             `json:"hasAttachment"`
	HasAttachments   bool             `json:"hasAttachments"`
	Size             int64            `json:"size"`
	Attachments      []wireAttachment `json:"attachments"`
	DisplayableParts []wirePart       `json:"displayableParts"`
}

type wireFolder struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	ParentID     string `json:"parentId"`
	Type         string `json:"type"`
	UnreadCount  int    `json:"unreadCount"`
	MessageCount int    `json:"messageCount"`
}

type folderList struct {
	List []wireFolder `json:"list"`
}

type orderBy struct {
	ColumnName    string `json:"columnName"`
	Direction     string `json:"direction"`
	CaseSensitive bool   `json:"caseSensitive"`
}

type query struct {
	Fields  []string  `json:"fields"`
	Start   int       `json:"start"`
	Limit   int       `json:"limit"`
	OrderBy []orderBy `json:"orderBy"`
}

type mailsGetParams struct {
	FolderIDs []string `json:"folderIds"`
	Query     query    `json:"query"`
}

type mailList struct {
	List       []wireMail `json:"list"`
	TotalItems int        `json:"totalItems"`
}

type idsParams struct {
	IDs []string `json:"ids"`
}

type moveParams struct {
	IDs    []string `json:"ids"`
	Folder string   `json:"folder"`
}

// mailUpdate is one entry of Mails.set; unset flags are left alone
type mailUpdate struct {
	ID          string `json:"id"`
	IsSeen      *bool  `json:"isSeen,omitempty"`
	IsFlagged   *bool  `json:"isFlagged,omitempty"`
	IsAnswered  *bool  `json:"isAnswered,omitempty"`
	IsForwarded *bool  `json:"isForwarded,omitempty"`
}

type mailsSetParams struct {
	Mails []mailUpdate `json:"mails"`
}

type rawMail struct {
	Raw string `json:"raw"`
}

type rawBatch struct {
	Result []rawMail `json:"result"`
}

type syncKeyResult struct {
	SyncKey string `json:"syncKey"`
}

type changesParams struct {
	LastSyncKey string `json:"lastSyncKey"`
	Timeout     int    `json:"timeout"`
}

type changesResult struct {
	List    []types.Change `json:"list"`
	SyncKey string         `json:"syncKey"`
}

func newestFirst(fields []string, limit int) query {
	return query{
		Fields:  fields,
		Start:   0,
		Limit:   limit,
		OrderBy: []orderBy{{ColumnName: orderReceived, Direction: "Desc"}},
	}
}

// decodeMailBatch reads the messages of a Mails.getById result, which may
// arrive under "result", under "list", or as a bare array
func decodeMailBatch(raw json.RawMessage) []wireMail {
	var envelope struct {
		Result json.RawMessage `json:"result"`
		List   json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		var mails []wireMail
		if json.Unmarshal(envelope.Result, &mails) == nil && len(mails) > 0 {
			return mails
		}
		if json.Unmarshal(envelope.List, &mails) == nil && len(mails) > 0 {
			return mails
		}
		return nil
	}

	var mails []wireMail
	if json.Unmarshal(raw, &mails) == nil {
		return mails
	}
	return nil
}

func (w wireMail) summary(accountID int64, folderID string) types.MessageSummary {
	return types.MessageSummary{
		AccountID:      accountID,
		FolderID:       folderID,
		ItemID:         w.ID,
		Subject:        w.Subject,
		SenderName:     w.From.Name,
		SenderEmail:    w.From.Address,
		DateReceived:   w.ReceiveDate,
		IsRead:         w.IsSeen,
		IsFlagged:      w.IsFlagged,
		IsAnswered:     w.IsAnswered,
		IsForwarded:    w.IsForwarded,
		HasAttachments: w.HasAttachment || w.HasAttachments || len(w.Attachments) > 0,
		Size:           w.Size,
	}
}

func (w wireFolder) folder(accountID int64) types.Folder {
	return types.Folder{
		AccountID:   accountID,
		FolderID:    w.ID,
		Name:        w.Name,
		ParentID:    w.ParentID,
		Type:        ClassifyFolder(w.Name, w.Type),
		UnreadCount: w.UnreadCount,
		TotalCount:  w.MessageCount,
	}
}

// formatRecipients renders addresses as "Name <addr>" joined by ", "
func formatRecipients(addrs []wireAddress) string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		switch {
		case a.Name != "" && a.Address != "":
			out = append(out, a.Name+" <"+a.Address+">")
		case a.Address != "":
			out = append(out, a.Address)
		case a.Name != "":
			out = append(out, a.Name)
		}
	}
	return strings.Join(out, ", ")
}

// pickBody returns the HTML part if any, else the first plain-text part
func pickBody(parts []wirePart) (string, string) {
	body, bodyType := "", types.BodyText
	for _, p := range parts {
		switch p.ContentType {
		case partHTML:
			return p.Content, types.BodyHTML
		case partPlain:
			if body == "" {
				body = p.Content
			}
		}
	}
	return body, bodyType
}

// normalizeMessage builds the display form of a fetched message. Inline
// images referenced as cid: are rewritten to absolute download URLs and
// left out of the attachment list.
func normalizeMessage(w wireMail, baseURL string) *types.Message {
	body, bodyType := pickBody(w.DisplayableParts)

	if body != "" {
		for _, att := range w.Attachments {
			if att.ContentID != "" && att.URL != "" {
				body = strings.ReplaceAll(body, "cid:"+att.ContentID, baseURL+att.URL)
			}
		}
	}

	attachments := make([]types.Attachment, 0, len(w.Attachments))
	for _, att := range w.Attachments {
		if att.ContentID != "" {
			continue
		}
		name := att.Name
		if name == "" {
			name = "attachment"
		}
		attachments = append(attachments, types.Attachment{
			ID:          att.ID,
			Name:        name,
			Size:        att.Size,
			URL:         att.URL,
			ContentType: att.ContentType,
		})
	}

	return &types.Message{
		ItemID:      w.ID,
		Body:        body,
		BodyType:    bodyType,
		To:          formatRecipients(w.To),
		Cc:          formatRecipients(w.Cc),
		Attachments: attachments,
	}
}
