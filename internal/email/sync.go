package email

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/pkg/types"
)

// SyncFolders refreshes the account's folder list and replaces the cached
// copy. It returns false, and never calls done, if a folder sync for the
// account is already running.
func (m *Manager) SyncFolders(accountID int64, done func([]types.Folder, error)) bool {
	key := latchKey{latchFolderSync, accountID}
	if !m.latches.acquire(key) {
		m.logger.WithField("account_id", accountID).Debug("Folder sync already running")
		return false
	}

	runGated(m, accountID, "sync_folders", func(ctx context.Context, s *rpc.Session) ([]types.Folder, error) {
		var res folderList
		if err := s.Call(ctx, "Folders.get", nil, &res); err != nil {
			return nil, err
		}

		folders := make([]types.Folder, 0, len(res.List))
		for _, f := range res.List {
			if f.ID == "" {
				continue
			}
			folders = append(folders, f.folder(accountID))
		}

		if err := m.store.ReplaceFolders(accountID, folders); err != nil {
			return nil, err
		}
		if err := m.store.UpdateLastSync(accountID, time.Now()); err != nil {
			m.logger.WithError(err).WithField("account_id", accountID).Warn("Failed to record last sync")
		}

		m.logger.WithFields(logrus.Fields{
			"account_id": accountID,
			"count":      len(folders),
		}).Info("Synced folders")
		return folders, nil
	}, done, func() { m.latches.release(key) })
	return true
}

// SyncMessages lists a folder newest first. At most one listing runs per
// account; a request made while one is in flight is dropped, SyncMessages
// returns false and done is never called. A limit <= 0 uses the engine
// default.
func (m *Manager) SyncMessages(accountID int64, folderID string, limit int, done func([]types.MessageSummary, error)) bool {
	key := latchKey{latchMessageSync, accountID}
	if !m.latches.acquire(key) {
		m.logger.WithFields(logrus.Fields{
			"account_id": accountID,
			"folder_id":  folderID,
		}).Debug("Message sync already running")
		return false
	}
	if limit <= 0 {
		limit = m.opts.MessageLimit
	}

	runGated(m, accountID, "sync_messages", func(ctx context.Context, s *rpc.Session) ([]types.MessageSummary, error) {
		var res mailList
		err := s.Call(ctx, "Mails.get", mailsGetParams{
			FolderIDs: []string{folderID},
			Query:     newestFirst(summaryFields, limit),
		}, &res)
		if err != nil {
			return nil, err
		}

		summaries := make([]types.MessageSummary, 0, len(res.List))
		for _, w := range res.List {
			if w.ID == "" {
				continue
			}
			summaries = append(summaries, w.summary(accountID, folderID))
		}

		m.cacheListing(accountID, folderID, summaries, limit <= 0 || len(summaries) < limit)
		return summaries, nil
	}, done, func() { m.latches.release(key) })
	return true
}

// SyncInProgress reports whether a message listing is running for the account
func (m *Manager) SyncInProgress(accountID int64) bool {
	return m.latches.isHeld(latchKey{latchMessageSync, accountID})
}

// cacheListing merges a listing into the cache. Bodies already cached are
// kept; a complete listing also drops rows the server no longer reports.
func (m *Manager) cacheListing(accountID int64, folderID string, summaries []types.MessageSummary, complete bool) {
	log := m.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"folder_id":  folderID,
	})

	if err := m.store.UpsertMessages(summaries); err != nil {
		log.WithError(err).Warn("Failed to cache message list")
		return
	}

	if complete {
		keep := make([]string, len(summaries))
		for i, s := range summaries {
			keep[i] = s.ItemID
		}
		pruned, err := m.store.PruneFolder(accountID, folderID, keep)
		if err != nil {
			log.WithError(err).Warn("Failed to prune folder")
		} else if pruned > 0 {
			log.WithField("count", pruned).Debug("Pruned stale messages")
		}
	}

	senders := make([]cache.HistoryEntry, 0, len(summaries))
	for _, s := range summaries {
		if s.SenderEmail != "" {
			senders = append(senders, cache.HistoryEntry{Email: s.SenderEmail, Name: s.SenderName})
		}
	}
	if err := m.store.AddAddresses(senders); err != nil {
		log.WithError(err).Warn("Failed to record senders")
	}
}

// FetchMessageBody fetches one full message and normalizes it for display
func (m *Manager) FetchMessageBody(accountID int64, itemID string, done func(*types.Message, error)) {
	run(m, accountID, "fetch_message_body", func(ctx context.Context, s *rpc.Session) (*types.Message, error) {
		w, err := m.getByID(ctx, s, itemID)
		if err != nil {
			return nil, err
		}

		msg := normalizeMessage(*w, s.BaseURL())
		if m.sanitizer != nil && msg.BodyType == types.BodyHTML {
			msg.Body = m.sanitizer.Sanitize(msg.Body)
		}

		m.fetched.Add(itemID, msg)
		m.cacheBody(msg)
		return msg, nil
	}, done)
}

func (m *Manager) getByID(ctx context.Context, s *rpc.Session, itemID string) (*wireMail, error) {
	var raw json.RawMessage
	if err := s.Call(ctx, "Mails.getById", idsParams{IDs: []string{itemID}}, &raw); err != nil {
		return nil, err
	}
	mails := decodeMailBatch(raw)
	if len(mails) == 0 {
		return nil, ErrMessageNotFound
	}
	return &mails[0], nil
}

func (m *Manager) cacheBody(msg *types.Message) {
	log := m.logger.WithField("item_id", msg.ItemID)

	if err := m.store.SetMessageBody(msg.ItemID, msg.Body, msg.BodyType); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.WithError(err).Warn("Failed to cache message body")
		}
		return
	}
	if err := m.store.ReplaceAttachments(msg.ItemID, msg.Attachments); err != nil {
		log.WithError(err).Warn("Failed to cache attachments")
	}
}

// FetchMessageRaw returns the original source of a message. When the server
// cannot provide it, a minimal message is rebuilt from the structured fields.
func (m *Manager) FetchMessageRaw(accountID int64, itemID string, done func(string, error)) {
	run(m, accountID, "fetch_message_raw", func(ctx context.Context, s *rpc.Session) (string, error) {
		return m.fetchRaw(ctx, s, itemID)
	}, done)
}

func (m *Manager) fetchRaw(ctx context.Context, s *rpc.Session, itemID string) (string, error) {
	var res rawBatch
	err := s.Call(ctx, "Mails.getRaw", idsParams{IDs: []string{itemID}}, &res)
	if err == nil && len(res.Result) > 0 && res.Result[0].Raw != "" {
		return res.Result[0].Raw, nil
	}

	m.logger.WithError(err).WithField("item_id", itemID).Debug("Raw fetch unavailable, rebuilding message")
	w, ferr := m.getByID(ctx, s, itemID)
	if ferr != nil {
		if err != nil {
			return "", err
		}
		return "", ferr
	}
	return buildFallbackEML(*w)
}

func boolPtr(b bool) *bool {
	return &b
}

func (m *Manager) setMail(ctx context.Context, s *rpc.Session, update mailUpdate) error {
	return s.Call(ctx, "Mails.set", mailsSetParams{Mails: []mailUpdate{update}}, nil)
}

// localUpdate applies a best-effort cache write for a message the cache may
// not hold
func (m *Manager) localUpdate(itemID string, what string, err error) {
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		m.logger.WithError(err).WithField("item_id", itemID).Warnf("Failed to cache %s", what)
	}
}

// MarkAsRead sets the read state remotely and in the cache
func (m *Manager) MarkAsRead(accountID int64, itemID string, read bool, done func(error)) {
	run(m, accountID, "mark_as_read", func(ctx context.Context, s *rpc.Session) (struct{}, error) {
		if err := m.setMail(ctx, s, mailUpdate{ID: itemID, IsSeen: boolPtr(read)}); err != nil {
			return struct{}{}, err
		}
		m.localUpdate(itemID, "read state", m.store.SetRead(itemID, read))
		return struct{}{}, nil
	}, errOnly(done))
}

// SetFlag sets the flagged state remotely
func (m *Manager) SetFlag(accountID int64, itemID string, flagged bool, done func(error)) {
	run(m, accountID, "set_flag", func(ctx context.Context, s *rpc.Session) (struct{}, error) {
		if err := m.setMail(ctx, s, mailUpdate{ID: itemID, IsFlagged: boolPtr(flagged)}); err != nil {
			return struct{}{}, err
		}
		m.localUpdate(itemID, "flag", m.store.SetFlagged(itemID, flagged))
		return struct{}{}, nil
	}, errOnly(done))
}

// DeleteMessage removes a message. A soft delete moves it to the account's
// trash folder, or removes it when no trash folder is known.
func (m *Manager) DeleteMessage(accountID int64, itemID string, hard bool, done func(error)) {
	run(m, accountID, "delete_message", func(ctx context.Context, s *rpc.Session) (struct{}, error) {
		return struct{}{}, m.deleteMessage(ctx, s, accountID, itemID, hard)
	}, errOnly(done))
}

// DeleteFromFolder deletes a message as seen from the folder being viewed:
// permanently when that folder is a trash folder, otherwise to the trash
func (m *Manager) DeleteFromFolder(accountID int64, itemID, viewedFolderID string, done func(error)) {
	run(m, accountID, "delete_message", func(ctx context.Context, s *rpc.Session) (struct{}, error) {
		hard := false
		if f, err := m.store.GetFolder(accountID, viewedFolderID); err == nil {
			hard = f.Type == types.FolderTrash
		}
		return struct{}{}, m.deleteMessage(ctx, s, accountID, itemID, hard)
	}, errOnly(done))
}

func (m *Manager) deleteMessage(ctx context.Context, s *rpc.Session, accountID int64, itemID string, hard bool) error {
	ids := []string{itemID}

	if hard {
		if err := s.Call(ctx, "Mails.remove", idsParams{IDs: ids}, nil); err != nil {
			return err
		}
	} else {
		trash, err := m.store.FolderByType(accountID, types.FolderTrash)
		switch {
		case err == nil:
			if err := s.Call(ctx, "Mails.move", moveParams{IDs: ids, Folder: trash.FolderID}, nil); err != nil {
				return err
			}
		case errors.Is(err, cache.ErrNotFound):
			if err := s.Call(ctx, "Mails.remove", idsParams{IDs: ids}, nil); err != nil {
				return err
			}
		default:
			return err
		}
	}

	if err := m.store.DeleteMessage(itemID); err != nil {
		m.logger.WithError(err).WithField("item_id", itemID).Warn("Failed to drop cached message")
	}
	m.fetched.Remove(itemID)
	return nil
}

// MoveMessage moves a message to another folder
func (m *Manager) MoveMessage(accountID int64, itemID, folderID string, done func(error)) {
	run(m, accountID, "move_message", func(ctx context.Context, s *rpc.Session) (struct{}, error) {
		if err := s.Call(ctx, "Mails.move", moveParams{IDs: []string{itemID}, Folder: folderID}, nil); err != nil {
			return struct{}{}, err
		}
		m.localUpdate(itemID, "move", m.store.MoveMessage(itemID, folderID))
		return struct{}{}, nil
	}, errOnly(done))
}
