package email

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/pkg/types"
)

// OutgoingMessage represents an email to send
type OutgoingMessage struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Body        string // HTML
	Attachments []types.PendingAttachment
	OriginalID  string
	IsReply     bool
	IsForward   bool
}

type outgoingAttachment struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type outgoingMail struct {
	From             wireAddress          `json:"from"`
	To               []wireAddress        `json:"to"`
	Cc               []wireAddress        `json:"cc,omitempty"`
	Bcc              []wireAddress        `json:"bcc,omitempty"`
	Subject          string               `json:"subject"`
	DisplayableParts []wirePart           `json:"displayableParts"`
	Attachments      []outgoingAttachment `json:"attachments,omitempty"`
	Send             bool                 `json:"send"`
}

type createParams struct {
	Mails []outgoingMail `json:"mails"`
}

type createResult struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// SendMessage submits msg for immediate delivery. For replies and forwards
// the original message is then marked answered or forwarded; a failure to
// mark is logged and does not fail the send.
func (m *Manager) SendMessage(accountID int64, msg OutgoingMessage, done func(error)) {
	if len(nonEmpty(msg.To)) == 0 {
		if done != nil {
			m.deliver(func() { done(ErrNoRecipients) })
		}
		return
	}

	run(m, accountID, "send_message", func(ctx context.Context, s *rpc.Session) (struct{}, error) {
		mail := buildOutgoing(s.Email(), msg)

		var res createResult
		if err := s.Call(ctx, "Mails.create", createParams{Mails: []outgoingMail{mail}}, &res); err != nil {
			return struct{}{}, err
		}
		if len(res.Errors) > 0 {
			msgs := make([]string, 0, len(res.Errors))
			for _, e := range res.Errors {
				if e.Message == "" {
					e.Message = "Unknown error"
				}
				msgs = append(msgs, e.Message)
			}
			return struct{}{}, errors.New(strings.Join(msgs, "; "))
		}

		m.markOriginal(ctx, s, msg)
		m.recordRecipients(mail)

		m.logger.WithFields(logrus.Fields{
			"account_id": accountID,
			"recipients": len(mail.To) + len(mail.Cc) + len(mail.Bcc),
		}).Info("Message sent")
		return struct{}{}, nil
	}, errOnly(done))
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func recipients(values []string) []wireAddress {
	var out []wireAddress
	for _, v := range nonEmpty(values) {
		out = append(out, parseRecipient(v))
	}
	return out
}

func buildOutgoing(from string, msg OutgoingMessage) outgoingMail {
	mail := outgoingMail{
		From:    wireAddress{Address: from},
		To:      recipients(msg.To),
		Cc:      recipients(msg.Cc),
		Bcc:     recipients(msg.Bcc),
		Subject: msg.Subject,
		DisplayableParts: []wirePart{{
			ContentType: partHTML,
			Content:     msg.Body,
		}},
		Send: true,
	}

	for _, att := range msg.Attachments {
		name := att.Name
		if name == "" {
			name = "attachment"
		}
		mail.Attachments = append(mail.Attachments, outgoingAttachment{
			Name:        name,
			ContentType: "application/octet-stream",
			Content:     base64.StdEncoding.EncodeToString(att.Content),
		})
	}
	return mail
}

func (m *Manager) markOriginal(ctx context.Context, s *rpc.Session, msg OutgoingMessage) {
	if msg.OriginalID == "" || (!msg.IsReply && !msg.IsForward) {
		return
	}

	update := mailUpdate{ID: msg.OriginalID}
	if msg.IsReply {
		update.IsAnswered = boolPtr(true)
	}
	if msg.IsForward {
		update.IsForwarded = boolPtr(true)
	}
	if err := m.setMail(ctx, s, update); err != nil {
		m.logger.WithError(err).WithField("item_id", msg.OriginalID).Warn("Failed to mark original message")
	}
}

func (m *Manager) recordRecipients(mail outgoingMail) {
	all := append(append(append([]wireAddress(nil), mail.To...), mail.Cc...), mail.Bcc...)
	for _, a := range all {
		if err := m.store.RecordSent(a.Address, a.Name); err != nil {
			m.logger.WithError(err).Warn("Failed to record sent address")
		}
	}
}
