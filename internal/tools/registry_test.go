package tools

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/rpc"
	"github.com/brandon/mailsync/internal/testutil"
	"github.com/brandon/mailsync/internal/worker"
	"github.com/brandon/mailsync/pkg/types"
)

type harness struct {
	fs        *testutil.FakeServer
	store     *cache.Store
	loop      *worker.Loop
	tools     *Registry
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

	manager, err := email.NewManager(registry, store, loop, email.Options{Workers: 2, BodyCacheSize: 8}, logger)
	require.NoError(t, err)

	cfg := &config.Config{
		Sync:     config.SyncConfig{MessageLimit: -1},
		Accounts: []config.AccountConfig{{Name: "work", IsDefault: true}},
	}
	reg, err := NewRegistry(cfg, manager, store, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		manager.Shutdown()
		cancel()
	})
	return &harness{fs: fs, store: store, loop: loop, tools: reg, accountID: accountID}
}

type outcome struct {
	result interface{}
	err    error
}

// start runs a tool on the loop and returns the channel its reply lands on
func (h *harness) start(t *testing.T, name string, params map[string]interface{}) <-chan outcome {
	t.Helper()
	tool, ok := h.tools.GetTool(name)
	require.True(t, ok, "tool %s", name)

	ch := make(chan outcome, 1)
	h.loop.Post(func() {
		tool.Execute(params, func(result interface{}, err error) {
			ch <- outcome{result, err}
		})
	})
	return ch
}

func (h *harness) call(t *testing.T, name string, params map[string]interface{}) (interface{}, error) {
	t.Helper()
	select {
	case o := <-h.start(t, name, params):
		return o.result, o.err
	case <-time.After(2 * time.Second):
		t.Fatalf("%s did not reply", name)
	}
	return nil, nil
}

// onLoop runs fn on the presentation loop and waits for it
func (h *harness) onLoop(t *testing.T, fn func()) {
	t.Helper()
	done := make(chan struct{})
	h.loop.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not run")
	}
}

func (h *harness) viewIDs(t *testing.T) []string {
	var ids []string
	h.onLoop(t, func() {
		if v, ok := h.tools.views[h.accountID]; ok {
			ids = v.list.IDs()
		}
	})
	return ids
}

func (h *harness) seedFolders(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.ReplaceFolders(h.accountID, []types.Folder{
		{AccountID: h.accountID, FolderID: "inbox", Name: "Inbox", Type: types.FolderInbox},
		{AccountID: h.accountID, FolderID: "trash", Name: "Trash", Type: types.FolderTrash},
		{AccountID: h.accountID, FolderID: "archive", Name: "Archive", Type: types.FolderCustom},
	}))
}

func mailJSON(id, date string) map[string]any {
	return map[string]any{
		"id":          id,
		"subject":     "Subject " + id,
		"from":        map[string]any{"name": "Ann Lee", "address": "ann@corp.com"},
		"receiveDate": date,
	}
}

func listing(mails ...map[string]any) map[string]any {
	return map[string]any{"list": mails, "totalItems": len(mails)}
}

func TestToolDefinitions(t *testing.T) {
	h := newHarness(t)

	defs := h.tools.GetToolDefinitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d["name"].(string)
		assert.NotEmpty(t, d["description"])
		schema := d["inputSchema"].(map[string]interface{})
		assert.Equal(t, "object", schema["type"])
	}
	assert.Equal(t, []string{
		"address_book", "delete_message", "get_message", "get_signature",
		"list_folders", "list_messages", "mark_read", "move_message",
		"search_messages", "send_message", "set_flag", "sync_folders",
	}, names)
}

func TestAccountResolution(t *testing.T) {
	h := newHarness(t)
	h.seedFolders(t)

	tests := []struct {
		name    string
		params  map[string]interface{}
		wantErr bool
	}{
		{"default account", map[string]interface{}{}, false},
		{"named account", map[string]interface{}{"account": "work"}, false},
		{"unknown account", map[string]interface{}{"account": "home"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.call(t, "list_folders", tt.params)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "unknown account")
				return
			}
			require.NoError(t, err)
			assert.Len(t, res, 3)
		})
	}
}

func TestSyncFoldersReportsRunning(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.fs.Handle("Folders.get", func(json.RawMessage) (any, error) {
		<-release
		return map[string]any{"list": []map[string]any{{"id": "inbox", "name": "Inbox", "type": "FMail"}}}, nil
	})

	first := h.start(t, "sync_folders", nil)
	require.Eventually(t, func() bool { return h.fs.CallCount("Folders.get") == 1 }, 2*time.Second, 5*time.Millisecond)

	res, err := h.call(t, "sync_folders", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"status": "already_running"}, res)

	close(release)
	select {
	case o := <-first:
		require.NoError(t, o.err)
		folders := o.result.([]map[string]interface{})
		require.Len(t, folders, 1)
		assert.Equal(t, "inbox", folders[0]["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("first sync did not reply")
	}
}

func TestHandleChangesRefreshesOpenFolder(t *testing.T) {
	h := newHarness(t)
	h.seedFolders(t)

	var current atomic.Value
	current.Store(listing(mailJSON("A", "20240101T000010")))
	h.fs.Handle("Mails.get", func(json.RawMessage) (any, error) { return current.Load(), nil })

	_, err := h.call(t, "list_messages", map[string]interface{}{"folder_id": "inbox"})
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, h.viewIDs(t))
	calls := h.fs.CallCount("Mails.get")

	// Changes elsewhere leave the open list alone
	h.onLoop(t, func() {
		h.tools.HandleChanges(h.accountID, []types.Change{{Type: "add", ItemID: "X", ParentID: "archive"}})
	})
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, h.fs.CallCount("Mails.get"))

	current.Store(listing(mailJSON("C", "20240101T000020"), mailJSON("A", "20240101T000010")))
	h.onLoop(t, func() {
		h.tools.HandleChanges(h.accountID, []types.Change{{Type: "add", ItemID: "C", ParentID: "inbox"}})
	})
	require.Eventually(t, func() bool {
		ids := h.viewIDs(t)
		return len(ids) == 2 && ids[0] == "C"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleChangesDuringSyncIsRerun(t *testing.T) {
	h := newHarness(t)
	h.seedFolders(t)

	release := make(chan struct{})
	var releaseOnce sync.Once
	t.Cleanup(func() { releaseOnce.Do(func() { close(release) }) })

	var current atomic.Value
	var listings atomic.Int32
	current.Store(listing(mailJSON("A", "20240101T000010")))
	h.fs.Handle("Mails.get", func(json.RawMessage) (any, error) {
		// The first listing is taken before the change lands
		res := current.Load()
		if listings.Add(1) == 1 {
			<-release
		}
		return res, nil
	})

	pending := h.start(t, "list_messages", map[string]interface{}{"folder_id": "inbox"})
	require.Eventually(t, func() bool { return h.fs.CallCount("Mails.get") == 1 }, 2*time.Second, 5*time.Millisecond)

	current.Store(listing(mailJSON("C", "20240101T000020"), mailJSON("A", "20240101T000010")))
	h.onLoop(t, func() {
		h.tools.HandleChanges(h.accountID, []types.Change{{Type: "add", ItemID: "C", ParentID: "inbox"}})
	})
	assert.Equal(t, 1, h.fs.CallCount("Mails.get"), "refresh is held while a sync is in flight")

	releaseOnce.Do(func() { close(release) })
	select {
	case o := <-pending:
		require.NoError(t, o.err)
	case <-time.After(2 * time.Second):
		t.Fatal("list_messages did not reply")
	}

	require.Eventually(t, func() bool {
		ids := h.viewIDs(t)
		return len(ids) == 2 && ids[0] == "C" && ids[1] == "A"
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, h.fs.CallCount("Mails.get"), "one rerun per dropped refresh")
}
