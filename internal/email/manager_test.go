package email

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/internal/testutil"
	"github.com/brandon/mailsync/internal/worker"
	"github.com/brandon/mailsync/pkg/types"
)

type harness struct {
	fs        *testutil.FakeServer
	store     *cache.Store
	registry  *rpc.Registry
	manager   *Manager
	accountID int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fs := testutil.NewFakeServer(t)
	store := testutil.NewTestStore(t)
	accountID := testutil.SeedAccount(t, store, "work")
	logger := testutil.Logger()

	registry := rpc.NewRegistry(logger, rpc.WithHTTPClient(fs.Client()), rpc.WithBaseURL(fs.URL))
	_, err := registry.Connect(context.Background(), accountID, rpc.Credentials{
		Server:   "mail.corp.com",
		Username: "me",
		Password: "secret",
		Email:    "me@corp.com",
	})
	require.NoError(t, err)

	loop := worker.NewLoop(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	m, err := NewManager(registry, store, loop, Options{
		Workers:     2,
		PollTimeout: time.Second,
		RetryBase:   5 * time.Millisecond,
		RetryMax:    20 * time.Millisecond,
	}, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Shutdown()
		cancel()
	})
	return &harness{fs: fs, store: store, registry: registry, manager: m, accountID: accountID}
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	var zero T
	return zero
}

func errCallback() (func(error), <-chan error) {
	ch := make(chan error, 1)
	return func(err error) { ch <- err }, ch
}

func mailJSON(id, date string) map[string]any {
	return map[string]any{
		"id":          id,
		"subject":     "Subject " + id,
		"from":        map[string]any{"name": "Ann Lee", "address": "ann@corp.com"},
		"receiveDate": date,
		"isSeen":      false,
	}
}

func listing(mails ...map[string]any) map[string]any {
	return map[string]any{"list": mails, "totalItems": len(mails)}
}

type result[T any] struct {
	value T
	err   error
}

func collect[T any]() (func(T, error), <-chan result[T]) {
	ch := make(chan result[T], 1)
	return func(v T, err error) { ch <- result[T]{v, err} }, ch
}

func TestSyncFoldersReplacesAndClassifies(t *testing.T) {
	h := newHarness(t)
	h.fs.Result("Folders.get", map[string]any{"list": []map[string]any{
		{"id": "f1", "name": "Inbox", "type": "FMail", "unreadCount": 3, "messageCount": 10},
		{"id": "f2", "name": "Deleted Items", "type": "FMail"},
		{"id": "f3", "name": "Team Project", "type": "FMail", "parentId": "f1"},
	}})

	done, ch := collect[[]types.Folder]()
	require.True(t, h.manager.SyncFolders(h.accountID, done))
	res := wait(t, ch)
	require.NoError(t, res.err)
	assert.Len(t, res.value, 3)

	folders, err := h.store.ListFolders(h.accountID)
	require.NoError(t, err)
	byID := map[string]types.Folder{}
	for _, f := range folders {
		byID[f.FolderID] = f
	}
	assert.Equal(t, types.FolderInbox, byID["f1"].Type)
	assert.Equal(t, 3, byID["f1"].UnreadCount)
	assert.Equal(t, types.FolderTrash, byID["f2"].Type)
	assert.Equal(t, types.FolderCustom, byID["f3"].Type)
	assert.Equal(t, "f1", byID["f3"].ParentID)

	acc, err := h.store.GetAccount(h.accountID)
	require.NoError(t, err)
	assert.NotNil(t, acc.LastSync)
}

func TestSyncMessagesIsSingleFlight(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.fs.Handle("Mails.get", func(json.RawMessage) (any, error) {
		<-release
		return listing(mailJSON("A", "20240101T000010")), nil
	})

	done, ch := collect[[]types.MessageSummary]()
	require.True(t, h.manager.SyncMessages(h.accountID, "inbox", 0, done))
	assert.True(t, h.manager.SyncInProgress(h.accountID))

	var dropped atomic.Int32
	assert.False(t, h.manager.SyncMessages(h.accountID, "inbox", 0, func([]types.MessageSummary, error) {
		dropped.Add(1)
	}))

	close(release)
	res := wait(t, ch)
	require.NoError(t, res.err)
	require.Len(t, res.value, 1)
	assert.Equal(t, "A", res.value[0].ItemID)

	assert.Equal(t, 1, h.fs.CallCount("Mails.get"))
	assert.False(t, h.manager.SyncInProgress(h.accountID))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), dropped.Load())

	// The latch is free again once the first listing completes
	done, ch = collect[[]types.MessageSummary]()
	require.True(t, h.manager.SyncMessages(h.accountID, "inbox", 0, done))
	require.NoError(t, wait(t, ch).err)
}

func TestSyncMessagesQueryShape(t *testing.T) {
	h := newHarness(t)
	h.fs.Result("Mails.get", listing())

	done, ch := collect[[]types.MessageSummary]()
	h.manager.SyncMessages(h.accountID, "inbox", 25, done)
	require.NoError(t, wait(t, ch).err)

	var params mailsGetParams
	require.NoError(t, json.Unmarshal(h.fs.Calls("Mails.get")[0].Params, &params))
	assert.Equal(t, []string{"inbox"}, params.FolderIDs)
	assert.Equal(t, 25, params.Query.Limit)
	assert.Equal(t, summaryFields, params.Query.Fields)
	require.Len(t, params.Query.OrderBy, 1)
	assert.Equal(t, "receiveDate", params.Query.OrderBy[0].ColumnName)
	assert.Equal(t, "Desc", params.Query.OrderBy[0].Direction)
}

func TestSyncMessagesMergesAndPreservesBody(t *testing.T) {
	h := newHarness(t)
	a := mailJSON("A", "20240101T000010")
	a["hasAttachments"] = true
	h.fs.Result("Mails.get", listing(a, mailJSON("B", "20240101T000009")))
	h.fs.Result("Mails.getById", map[string]any{"result": []map[string]any{{
		"id":               "A",
		"displayableParts": []map[string]any{{"contentType": "ctTextPlain", "content": "hello"}},
	}}})

	sync := func() []types.MessageSummary {
		done, ch := collect[[]types.MessageSummary]()
		require.True(t, h.manager.SyncMessages(h.accountID, "inbox", 0, done))
		res := wait(t, ch)
		require.NoError(t, res.err)
		return res.value
	}

	first := sync()
	assert.True(t, first[0].HasAttachments)

	bodyDone, bodyCh := collect[*types.Message]()
	h.manager.FetchMessageBody(h.accountID, "A", bodyDone)
	require.NoError(t, wait(t, bodyCh).err)

	second := sync()
	assert.Equal(t, first, second)

	cached, err := h.store.ListMessages(h.accountID, "inbox", 0)
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	msg, err := h.store.GetMessage("A")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Body.String)
	assert.Equal(t, types.BodyText, msg.BodyType.String)

	// Senders of synced mail become completion candidates
	seen, err := h.store.SearchAddresses("ann", 0)
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, 0, seen[0].SendCount)
}

func TestSyncMessagesPrunesCompleteListing(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpsertMessages([]types.MessageSummary{
		{AccountID: h.accountID, FolderID: "inbox", ItemID: "gone", DateReceived: "20230101T000000"},
	}))
	h.fs.Result("Mails.get", listing(mailJSON("A", "20240101T000010")))

	done, ch := collect[[]types.MessageSummary]()
	h.manager.SyncMessages(h.accountID, "inbox", 0, done)
	require.NoError(t, wait(t, ch).err)

	_, err := h.store.GetMessage("gone")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}

func TestFetchMessageBodyNormalizes(t *testing.T) {
	h := newHarness(t)
	h.fs.Result("Mails.getById", map[string]any{"result": []map[string]any{{
		"id": "A",
		"to": []map[string]any{{"name": "Bob", "address": "bob@corp.com"}, {"address": "carol@corp.com"}},
		"cc": []map[string]any{{"name": "Dan", "address": "dan@corp.com"}},
		"displayableParts": []map[string]any{
			{"contentType": "ctTextPlain", "content": "plain"},
			{"contentType": "ctTextHtml", "content": `<p>hi</p><img src="cid:logo@x">`},
		},
		"attachments": []map[string]any{
			{"id": "1", "name": "logo.png", "url": "/att/1", "contentId": "logo@x"},
			{"id": "2", "url": "/att/2", "size": 42, "contentType": "application/pdf"},
		},
	}}})

	done, ch := collect[*types.Message]()
	h.manager.FetchMessageBody(h.accountID, "A", done)
	res := wait(t, ch)
	require.NoError(t, res.err)

	msg := res.value
	assert.Equal(t, types.BodyHTML, msg.BodyType)
	assert.Contains(t, msg.Body, `src="`+h.fs.URL+`/att/1"`)
	assert.NotContains(t, msg.Body, "cid:")
	assert.Equal(t, "Bob <bob@corp.com>, carol@corp.com", msg.To)
	assert.Equal(t, "Dan <dan@corp.com>", msg.Cc)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "attachment", msg.Attachments[0].Name)
	assert.Equal(t, int64(42), msg.Attachments[0].Size)

	held, ok := h.manager.LastFetched("A")
	require.True(t, ok)
	assert.Same(t, msg, held)
}

func TestFetchMessageBodyNotFound(t *testing.T) {
	h := newHarness(t)
	h.fs.Result("Mails.getById", map[string]any{"result": []any{}})

	done, ch := collect[*types.Message]()
	h.manager.FetchMessageBody(h.accountID, "missing", done)
	res := wait(t, ch)
	assert.ErrorIs(t, res.err, ErrMessageNotFound)
	assert.Equal(t, "Message not found", res.err.Error())
}

func TestFetchMessageRaw(t *testing.T) {
	t.Run("server source", func(t *testing.T) {
		h := newHarness(t)
		h.fs.Result("Mails.getRaw", map[string]any{"result": []map[string]any{{"raw": "Subject: x\r\n\r\nbody"}}})

		done, ch := collect[string]()
		h.manager.FetchMessageRaw(h.accountID, "A", done)
		res := wait(t, ch)
		require.NoError(t, res.err)
		assert.Equal(t, "Subject: x\r\n\r\nbody", res.value)
	})

	t.Run("rebuilt when unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.fs.Fail("Mails.getRaw", 1000, "not supported")
		h.fs.Result("Mails.getById", map[string]any{"result": []map[string]any{{
			"id":               "A",
			"subject":          "Quarterly report",
			"from":             map[string]any{"address": "ann@corp.com"},
			"to":               []map[string]any{{"address": "bob@corp.com"}},
			"displayableParts": []map[string]any{{"contentType": "ctTextHtml", "content": "<p>see <b>attached</b></p>"}},
		}}})

		done, ch := collect[string]()
		h.manager.FetchMessageRaw(h.accountID, "A", done)
		res := wait(t, ch)
		require.NoError(t, res.err)

		env, err := enmime.ReadEnvelope(strings.NewReader(res.value))
		require.NoError(t, err)
		assert.Equal(t, "Quarterly report", env.GetHeader("Subject"))
		assert.Contains(t, env.GetHeader("From"), "ann@corp.com")
		assert.Contains(t, env.GetHeader("To"), "bob@corp.com")
		assert.Contains(t, env.Text, "see")
		assert.NotContains(t, env.Text, "<b>")
	})

	t.Run("both fail", func(t *testing.T) {
		h := newHarness(t)
		h.fs.Fail("Mails.getRaw", 1000, "not supported")
		h.fs.Fail("Mails.getById", 1001, "no such item")

		done, ch := collect[string]()
		h.manager.FetchMessageRaw(h.accountID, "A", done)
		res := wait(t, ch)
		require.Error(t, res.err)
		assert.True(t, rpc.IsRemoteError(res.err))
	})
}

func TestMarkAsReadUpdatesCache(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.UpsertMessages([]types.MessageSummary{
		{AccountID: h.accountID, FolderID: "inbox", ItemID: "A", DateReceived: "20240101T000000"},
	}))
	h.fs.Result("Mails.set", map[string]any{})

	done, ch := errCallback()
	h.manager.MarkAsRead(h.accountID, "A", true, done)
	require.NoError(t, wait(t, ch))

	var params struct {
		Mails []map[string]any `json:"mails"`
	}
	require.NoError(t, json.Unmarshal(h.fs.Calls("Mails.set")[0].Params, &params))
	assert.Equal(t, []map[string]any{{"id": "A", "isSeen": true}}, params.Mails)

	msg, err := h.store.GetMessage("A")
	require.NoError(t, err)
	assert.True(t, msg.IsRead)
}

func TestSetFlagFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.fs.Fail("Mails.set", 2000, "Access denied")

	done, ch := errCallback()
	h.manager.SetFlag(h.accountID, "A", true, done)
	err := wait(t, ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Access denied")
}

func seedFolders(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.store.ReplaceFolders(h.accountID, []types.Folder{
		{AccountID: h.accountID, FolderID: "inbox-id", Name: "Inbox", Type: types.FolderInbox},
		{AccountID: h.accountID, FolderID: "trash-id", Name: "Deleted Items", Type: types.FolderTrash},
	}))
}

func TestDeleteFromFolder(t *testing.T) {
	tests := []struct {
		name       string
		viewed     string
		wantMove   int
		wantRemove int
	}{
		{"from inbox moves to trash", "inbox-id", 1, 0},
		{"from trash deletes permanently", "trash-id", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			seedFolders(t, h)
			h.fs.Result("Mails.move", map[string]any{})
			h.fs.Result("Mails.remove", map[string]any{})

			done, ch := errCallback()
			h.manager.DeleteFromFolder(h.accountID, "X", tt.viewed, done)
			require.NoError(t, wait(t, ch))

			assert.Equal(t, tt.wantMove, h.fs.CallCount("Mails.move"))
			assert.Equal(t, tt.wantRemove, h.fs.CallCount("Mails.remove"))
			if tt.wantMove > 0 {
				var params moveParams
				require.NoError(t, json.Unmarshal(h.fs.Calls("Mails.move")[0].Params, &params))
				assert.Equal(t, moveParams{IDs: []string{"X"}, Folder: "trash-id"}, params)
			}
		})
	}
}

func TestDeleteMessage(t *testing.T) {
	t.Run("soft delete without trash removes", func(t *testing.T) {
		h := newHarness(t)
		h.fs.Result("Mails.remove", map[string]any{})
		require.NoError(t, h.store.UpsertMessages([]types.MessageSummary{
			{AccountID: h.accountID, FolderID: "inbox", ItemID: "X", DateReceived: "20240101T000000"},
		}))

		done, ch := errCallback()
		h.manager.DeleteMessage(h.accountID, "X", false, done)
		require.NoError(t, wait(t, ch))

		assert.Equal(t, 1, h.fs.CallCount("Mails.remove"))
		_, err := h.store.GetMessage("X")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("remote failure keeps cache", func(t *testing.T) {
		h := newHarness(t)
		h.fs.Fail("Mails.remove", 3000, "Item is locked")
		require.NoError(t, h.store.UpsertMessages([]types.MessageSummary{
			{AccountID: h.accountID, FolderID: "inbox", ItemID: "X", DateReceived: "20240101T000000"},
		}))

		done, ch := errCallback()
		h.manager.DeleteMessage(h.accountID, "X", true, done)
		require.Error(t, wait(t, ch))

		_, err := h.store.GetMessage("X")
		assert.NoError(t, err)
	})
}

func TestMoveMessageUpdatesCache(t *testing.T) {
	h := newHarness(t)
	h.fs.Result("Mails.move", map[string]any{})
	require.NoError(t, h.store.UpsertMessages([]types.MessageSummary{
		{AccountID: h.accountID, FolderID: "inbox", ItemID: "X", DateReceived: "20240101T000000"},
	}))

	done, ch := errCallback()
	h.manager.MoveMessage(h.accountID, "X", "archive", done)
	require.NoError(t, wait(t, ch))

	msg, err := h.store.GetMessage("X")
	require.NoError(t, err)
	assert.Equal(t, "archive", msg.FolderID)
}

func TestSendMessageReplyMarkingFailureStillSucceeds(t *testing.T) {
	h := newHarness(t)
	h.fs.Result("Mails.create", map[string]any{"result": []any{}})
	h.fs.Fail("Mails.set", 1000, "cannot update")

	done, ch := errCallback()
	h.manager.SendMessage(h.accountID, OutgoingMessage{
		To:         []string{"Bob <bob@corp.com>"},
		Subject:    "Re: plans",
		Body:       "<p>ok</p>",
		OriginalID: "msg123",
		IsReply:    true,
	}, done)
	require.NoError(t, wait(t, ch))

	require.Equal(t, 1, h.fs.CallCount("Mails.set"))
	var params struct {
		Mails []map[string]any `json:"mails"`
	}
	require.NoError(t, json.Unmarshal(h.fs.Calls("Mails.set")[0].Params, &params))
	assert.Equal(t, []map[string]any{{"id": "msg123", "isAnswered": true}}, params.Mails)

	history, err := h.store.SearchAddresses("bob", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].SendCount)
	assert.Equal(t, "Bob", history[0].Name)
}

func TestSendMessagePayload(t *testing.T) {
	h := newHarness(t)
	h.fs.Result("Mails.create", map[string]any{})

	done, ch := errCallback()
	h.manager.SendMessage(h.accountID, OutgoingMessage{
		To:          []string{"bob@corp.com", " "},
		Cc:          []string{"carol@corp.com"},
		Subject:     "Report",
		Body:        "<p>attached</p>",
		Attachments: []types.PendingAttachment{{Name: "r.txt", Content: []byte("hi")}},
	}, done)
	require.NoError(t, wait(t, ch))

	var params createParams
	require.NoError(t, json.Unmarshal(h.fs.Calls("Mails.create")[0].Params, &params))
	require.Len(t, params.Mails, 1)
	mail := params.Mails[0]
	assert.True(t, mail.Send)
	assert.Equal(t, "me@corp.com", mail.From.Address)
	assert.Equal(t, []wireAddress{{Address: "bob@corp.com"}}, mail.To)
	assert.Equal(t, []wireAddress{{Address: "carol@corp.com"}}, mail.Cc)
	assert.Empty(t, mail.Bcc)
	assert.Equal(t, []wirePart{{ContentType: "ctTextHtml", Content: "<p>attached</p>"}}, mail.DisplayableParts)
	require.Len(t, mail.Attachments, 1)
	assert.Equal(t, "application/octet-stream", mail.Attachments[0].ContentType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hi")), mail.Attachments[0].Content)

	// No original message, no follow-up update
	assert.Equal(t, 0, h.fs.CallCount("Mails.set"))
}

func TestSendMessageErrors(t *testing.T) {
	t.Run("no recipients", func(t *testing.T) {
		h := newHarness(t)
		done, ch := errCallback()
		h.manager.SendMessage(h.accountID, OutgoingMessage{Subject: "x"}, done)
		assert.ErrorIs(t, wait(t, ch), ErrNoRecipients)
		assert.Equal(t, 0, h.fs.CallCount("Mails.create"))
	})

	t.Run("per-item errors are joined", func(t *testing.T) {
		h := newHarness(t)
		h.fs.Result("Mails.create", map[string]any{"errors": []map[string]any{
			{"message": "Invalid recipient"},
			{"message": "Quota exceeded"},
		}})
		done, ch := errCallback()
		h.manager.SendMessage(h.accountID, OutgoingMessage{To: []string{"x@corp.com"}}, done)
		err := wait(t, ch)
		require.Error(t, err)
		assert.Equal(t, "Invalid recipient; Quota exceeded", err.Error())
	})
}

func TestOperationsRequireSession(t *testing.T) {
	h := newHarness(t)
	const offline = int64(999)

	done, ch := errCallback()
	h.manager.MarkAsRead(offline, "A", true, done)
	assert.ErrorIs(t, wait(t, ch), rpc.ErrNotConnected)

	listDone, listCh := collect[[]types.MessageSummary]()
	require.True(t, h.manager.SyncMessages(offline, "inbox", 0, listDone))
	assert.ErrorIs(t, wait(t, listCh).err, rpc.ErrNotConnected)
	assert.False(t, h.manager.SyncInProgress(offline))

	// Only the harness login reached the server
	assert.Len(t, h.fs.Calls(""), 1)
}

func TestForwardAsAttachment(t *testing.T) {
	h := newHarness(t)
	h.fs.Handle("Mails.getRaw", func(params json.RawMessage) (any, error) {
		var p idsParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		raw := "Subject: Re: a/b? " + p.IDs[0] + "\r\n\r\nbody"
		return map[string]any{"result": []map[string]any{{"raw": raw}}}, nil
	})

	done, ch := collect[[]types.PendingAttachment]()
	h.manager.ForwardAsAttachment(h.accountID, []string{"1", "2"}, done)
	res := wait(t, ch)
	require.NoError(t, res.err)
	require.Len(t, res.value, 2)
	assert.Equal(t, "Re_ a_b_ 1.eml", res.value[0].Name)
	assert.Equal(t, "Re_ a_b_ 2.eml", res.value[1].Name)
	assert.Contains(t, string(res.value[0].Content), "body")
}

func TestFetchSignature(t *testing.T) {
	h := newHarness(t)
	h.fs.SetDefaults(200, `var d = {mailSignature:"<p>Regards</p>", other: 1};`)

	done, ch := collect[string]()
	h.manager.FetchSignature(h.accountID, done)
	res := wait(t, ch)
	require.NoError(t, res.err)
	assert.Equal(t, "<p>Regards</p>", res.value)
}

func TestShutdownSuppressesCallbacks(t *testing.T) {
	h := newHarness(t)
	h.fs.Result("Folders.get", map[string]any{"list": []any{}})
	h.manager.Shutdown()

	var called atomic.Int32
	h.manager.SyncFolders(h.accountID, func([]types.Folder, error) { called.Add(1) })
	h.manager.MarkAsRead(h.accountID, "A", true, func(error) { called.Add(1) })
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(0), called.Load())
	assert.False(t, h.manager.StartChangeListener(h.accountID, nil))
}
