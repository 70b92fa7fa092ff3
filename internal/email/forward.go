package email

import (
	"context"
	"fmt"

	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/pkg/types"
)

// ForwardAsAttachment fetches the source of each message and wraps it as a
// pending .eml attachment named after its subject. Any failed fetch fails
// the whole request.
func (m *Manager) ForwardAsAttachment(accountID int64, itemIDs []string, done func([]types.PendingAttachment, error)) {
	run(m, accountID, "forward_as_attachment", func(ctx context.Context, s *rpc.Session) ([]types.PendingAttachment, error) {
		attachments := make([]types.PendingAttachment, 0, len(itemIDs))
		for _, id := range itemIDs {
			raw, err := m.fetchRaw(ctx, s, id)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch message %s: %w", id, err)
			}
			attachments = append(attachments, types.PendingAttachment{
				Name:    attachmentFilename(rawSubject(raw)),
				Content: []byte(raw),
			})
		}
		return attachments, nil
	}, done)
}
